package emitter

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imattdu/xrayagent/entity"
	"github.com/imattdu/xrayagent/metrics"
)

type capture struct {
	mu   sync.Mutex
	docs [][]byte
}

func (c *capture) Send(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs = append(c.docs, append([]byte(nil), b...))
}

func (c *capture) decoded(t *testing.T) []*Document {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Document, 0, len(c.docs))
	for _, b := range c.docs {
		d, err := Decode(b)
		require.NoError(t, err)
		out = append(out, d)
	}
	return out
}

var t0 = time.Unix(1700000000, 0)

func closeAll(t *testing.T, es ...*entity.Entity) {
	t.Helper()
	for i := len(es) - 1; i >= 0; i-- {
		_, err := es[i].Close(t0.Add(time.Second))
		require.NoError(t, err)
	}
}

func TestEmitSingleSegment(t *testing.T) {
	root := entity.NewSegment("svc", "", "", true, t0)
	closeAll(t, root)

	c := &capture{}
	n := New(c).Emit(context.Background(), root.Snapshot())
	require.Equal(t, 1, n)
	require.True(t, bytes.HasPrefix(c.docs[0], []byte(Header+"\n")))

	d := c.decoded(t)[0]
	assert.Equal(t, root.TraceID(), d.TraceID)
	assert.Equal(t, root.ID(), d.ID)
	assert.False(t, d.InProgress)
	assert.Empty(t, d.ParentID)
	assert.Empty(t, d.Type)
	assert.False(t, d.Fault)
	assert.InDelta(t, 1700000001, d.EndTime, 1e-6)

	body := string(c.docs[0][len(Header)+1:])
	assert.Contains(t, body, `"fault":false`)
	assert.NotContains(t, body, `"parent_id"`)
	assert.NotContains(t, body, `"type"`)
}

func TestEmitNestedWithError(t *testing.T) {
	root := entity.NewSegment("svc", "", "", true, t0)
	sub, err := root.BeginChild("db-call", t0)
	require.NoError(t, err)
	require.NoError(t, sub.AddException(entity.NewException(fmt.Errorf("boom"), 0, 5)))
	closeAll(t, root, sub)

	c := &capture{}
	New(c).Emit(context.Background(), root.Snapshot())
	docs := c.decoded(t)
	require.Len(t, docs, 1)
	require.Len(t, docs[0].Subsegments, 1)

	s := docs[0].Subsegments[0]
	assert.Equal(t, "db-call", s.Name)
	assert.True(t, s.Error)
	require.NotNil(t, s.Cause)
	assert.Equal(t, "boom", s.Cause.Exceptions[0].Message)
	// 内嵌子文档不带 trace_id / type
	assert.Empty(t, s.TraceID)
	assert.Empty(t, s.Type)
}

func TestEmitUnsampledDropped(t *testing.T) {
	root := entity.NewSegment("svc", "", "", false, t0)
	closeAll(t, root)

	before := testutil.ToFloat64(metrics.DocumentsDropped.WithLabelValues(metrics.ReasonUnsampled))
	c := &capture{}
	assert.Zero(t, New(c).Emit(context.Background(), root.Snapshot()))
	assert.Empty(t, c.docs)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.DocumentsDropped.WithLabelValues(metrics.ReasonUnsampled)))
}

// 构造一棵约 200 KiB 的树：40 个子节点，每个子节点 3 个孙节点，各带 1.5 KiB metadata
func bigTree(t *testing.T) (*entity.Entity, map[string]bool) {
	root := entity.NewSegment("svc", "", "", true, t0)
	ids := map[string]bool{}
	pad := strings.Repeat("x", 1500)
	var all []*entity.Entity
	for i := 0; i < 40; i++ {
		c, err := root.BeginChild(fmt.Sprintf("child-%d", i), t0)
		require.NoError(t, err)
		require.NoError(t, c.PutMetadata("", "pad", pad))
		ids[c.ID()] = true
		all = append(all, c)
		for j := 0; j < 3; j++ {
			g, err := c.BeginChild(fmt.Sprintf("grand-%d-%d", i, j), t0)
			require.NoError(t, err)
			require.NoError(t, g.PutMetadata("", "pad", pad))
			ids[g.ID()] = true
			_, err = g.Close(t0.Add(time.Millisecond))
			require.NoError(t, err)
		}
	}
	for _, c := range all {
		_, err := c.Close(t0.Add(time.Second))
		require.NoError(t, err)
	}
	_, err := root.Close(t0.Add(2 * time.Second))
	require.NoError(t, err)
	return root, ids
}

func TestEmitSplitsLargeTree(t *testing.T) {
	root, ids := bigTree(t)
	v := root.Snapshot()
	whole, err := Frame(FromView(v, true))
	require.NoError(t, err)
	require.Greater(t, len(whole), 200<<10)

	const limit = 64 << 10
	c := &capture{}
	New(c, WithMaxSize(limit)).Emit(context.Background(), v)
	require.Greater(t, len(c.docs), 1)
	for _, b := range c.docs {
		assert.LessOrEqual(t, len(b), limit)
	}

	docs := c.decoded(t)
	seen := map[string]int{}
	known := map[string]bool{root.ID(): true}
	var walk func(d *Document)
	walk = func(d *Document) {
		known[d.ID] = true
		if d.ID != root.ID() {
			seen[d.ID]++
		}
		for _, s := range d.Subsegments {
			walk(s)
		}
	}
	var rootDocs int
	for _, d := range docs {
		assert.Equal(t, root.TraceID(), d.TraceID)
		if d.ID == root.ID() {
			rootDocs++
			assert.Empty(t, d.Type)
		} else {
			assert.Equal(t, TypeSubsegment, d.Type)
			assert.NotEmpty(t, d.ParentID)
		}
		walk(d)
	}
	assert.Equal(t, 1, rootDocs)

	// 每个 subsegment 恰好出现一次，拆出去的文档都能挂回已知的父节点
	require.Len(t, seen, len(ids))
	for id := range ids {
		assert.Equal(t, 1, seen[id], id)
	}
	for _, d := range docs {
		if d.ParentID != "" {
			assert.True(t, known[d.ParentID], d.ParentID)
		}
	}
}

func TestSplitLargestFirst(t *testing.T) {
	small := &Document{ID: "small", Name: "s"}
	large := &Document{ID: "large", Name: strings.Repeat("l", 400)}
	root := &Document{ID: "root", Name: strings.Repeat("r", 1000), TraceID: "1-x-y", Subsegments: []*Document{small, large}}

	b, err := Frame(root)
	require.NoError(t, err)
	res := Split(root, "1-x-y", len(b)-300)
	require.Len(t, res.Docs, 2)
	assert.Zero(t, res.Oversize)

	first, err := Decode(res.Docs[0])
	require.NoError(t, err)
	require.Len(t, first.Subsegments, 1)
	assert.Equal(t, "small", first.Subsegments[0].ID)

	second, err := Decode(res.Docs[1])
	require.NoError(t, err)
	assert.Equal(t, "large", second.ID)
	assert.Equal(t, "root", second.ParentID)
}

func TestSplitOversizeLeafDropped(t *testing.T) {
	leaf := &Document{ID: "leaf", Name: strings.Repeat("z", 2000)}
	root := &Document{ID: "root", Name: "r", Subsegments: []*Document{leaf}}
	res := Split(root, "1-x-y", 500)
	assert.Len(t, res.Docs, 1)
	assert.Equal(t, 1, res.Oversize)
}

func TestEmitEncodeFailureDropsOnlyOffender(t *testing.T) {
	root := entity.NewSegment("svc", "", "", true, t0)
	bad, err := root.BeginChild("bad", t0)
	require.NoError(t, err)
	require.NoError(t, bad.PutMetadata("", "nan", math.NaN()))
	grand, err := bad.BeginChild("grand", t0)
	require.NoError(t, err)
	ok, err := root.BeginChild("ok", t0)
	require.NoError(t, err)
	closeAll(t, bad, grand)
	closeAll(t, ok)
	_, err = root.Close(t0.Add(time.Second))
	require.NoError(t, err)

	before := testutil.ToFloat64(metrics.DocumentsDropped.WithLabelValues(metrics.ReasonEncode))
	c := &capture{}
	New(c).Emit(context.Background(), root.Snapshot())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.DocumentsDropped.WithLabelValues(metrics.ReasonEncode)))

	docs := c.decoded(t)
	require.Len(t, docs, 2)
	assert.Equal(t, root.ID(), docs[0].ID)
	require.Len(t, docs[0].Subsegments, 1)
	assert.Equal(t, "ok", docs[0].Subsegments[0].Name)

	assert.Equal(t, grand.ID(), docs[1].ID)
	assert.Equal(t, bad.ID(), docs[1].ParentID)
	assert.Equal(t, TypeSubsegment, docs[1].Type)
}

type panicky struct{}

func (panicky) MarshalJSON() ([]byte, error) { panic("broken marshaler") }

func TestMarshalRecoversPanic(t *testing.T) {
	d := &Document{ID: "p", Metadata: map[string]map[string]any{"default": {"v": panicky{}}}}
	assert.NotPanics(t, func() {
		_, err := Marshal(d)
		assert.Error(t, err)
	})
}

func TestEmitDetached(t *testing.T) {
	root := entity.NewSegment("svc", "", "", true, t0)
	sub, err := root.BeginChild("early", t0)
	require.NoError(t, err)
	_, err = sub.Close(t0.Add(time.Millisecond))
	require.NoError(t, err)

	var views []*entity.View
	for _, e := range root.DetachClosed() {
		views = append(views, e.Snapshot())
	}
	c := &capture{}
	require.Equal(t, 1, New(c).EmitDetached(context.Background(), views))

	d := c.decoded(t)[0]
	assert.Equal(t, sub.ID(), d.ID)
	assert.Equal(t, root.ID(), d.ParentID)
	assert.Equal(t, root.TraceID(), d.TraceID)
	assert.Equal(t, TypeSubsegment, d.Type)
}

func TestFrameDecodeRoundTrip(t *testing.T) {
	in := &Document{
		TraceID:     "1-65543100-0123456789abcdef01234567",
		ID:          "a1b2c3d4e5f60718",
		Name:        "svc",
		StartTime:   1700000000.125,
		EndTime:     1700000001.5,
		ParentID:    "0011223344556677",
		Namespace:   entity.NamespaceRemote,
		Annotations: map[string]any{"tenant": "t-1", "ok": true, "n": 3.5},
		Metadata:    map[string]map[string]any{"default": {"k": "v"}},
		HTTP:        map[string]map[string]any{"request": {"method": "GET"}, "response": {"status": 200.0}},
		Fault:       true,
		Cause: &entity.Cause{
			WorkingDirectory: "/srv",
			Exceptions: []entity.Exception{{
				ID: "e1", Type: "*errors.errorString", Message: "boom", Truncated: 2,
				Stack: []entity.StackFrame{{Path: "main.go", Line: 10, Label: "main.main"}},
			}},
		},
		Subsegments: []*Document{{ID: "c1", Name: "child", StartTime: 1700000000.5, EndTime: 1700000000.75}},
	}
	b, err := Frame(in)
	require.NoError(t, err)
	out, err := Decode(b)
	require.NoError(t, err)
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeRejectsBadHeader(t *testing.T) {
	_, err := Decode([]byte(`{"id":"x"}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`{"format":"proto","version":1}` + "\n{}"))
	assert.Error(t, err)
}
