package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imattdu/xrayagent/config"
	"github.com/imattdu/xrayagent/emitter"
	"github.com/imattdu/xrayagent/entity"
	"github.com/imattdu/xrayagent/httpclient"
	"github.com/imattdu/xrayagent/logx"
	"github.com/imattdu/xrayagent/sampling"
	"github.com/imattdu/xrayagent/tracex"
)

const upstream = "Root=1-5759e988-bd862e3fe1be46a994272793;Parent=53995c3f42cd8ad8;Sampled=1"

type sink struct {
	mu   sync.Mutex
	docs []*emitter.Document
}

func (s *sink) Send(b []byte) {
	d, err := emitter.Decode(b)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	s.docs = append(s.docs, d)
	s.mu.Unlock()
}

func (s *sink) all() []*emitter.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*emitter.Document(nil), s.docs...)
}

func newRecorder(t *testing.T, mut func(*config.Config)) (*tracex.Recorder, *sink) {
	t.Helper()
	cfg := config.Default()
	cfg.ServiceName = "orders"
	cfg.SamplingStrategy = sampling.StrategyAll
	cfg.TraceIDInjection = false
	if mut != nil {
		mut(cfg)
	}
	s := &sink{}
	rec, err := tracex.New(tracex.WithConfig(cfg), tracex.WithSender(s))
	require.NoError(t, err)
	return rec, s
}

func newEngine(rec *tracex.Recorder, h gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(TraceMiddleware(rec), AccessMiddleware(logx.Nop()))
	r.Any("/orders/:id", h)
	return r
}

func TestTraceMiddleware(t *testing.T) {
	rec, s := newRecorder(t, nil)
	r := newEngine(rec, func(c *gin.Context) {
		ctx, sub := rec.BeginSubsegment(c.Request.Context(), "load")
		require.NotNil(t, sub)
		rec.AddAnnotation(sub, "order", c.Param("id"))
		rec.EndSubsegment(ctx, sub)
		c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "http://example.com/orders/42?x=1", nil)
	req.Header.Set(tracex.HeaderName, upstream)
	req.Header.Set("User-Agent", "curl/8")
	req.RemoteAddr = "10.0.0.9:5555"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Root=1-5759e988-bd862e3fe1be46a994272793;Sampled=1", w.Header().Get(tracex.HeaderName))

	docs := s.all()
	require.Len(t, docs, 1)
	d := docs[0]
	assert.Equal(t, "orders", d.Name)
	assert.Equal(t, "1-5759e988-bd862e3fe1be46a994272793", d.TraceID)
	assert.Equal(t, "53995c3f42cd8ad8", d.ParentID)
	assert.Equal(t, "http://example.com/orders/42?x=1", d.HTTP["request"]["url"])
	assert.Equal(t, "GET", d.HTTP["request"]["method"])
	assert.Equal(t, "curl/8", d.HTTP["request"]["user_agent"])
	assert.Equal(t, "10.0.0.9", d.HTTP["request"]["client_ip"])
	assert.EqualValues(t, 200, d.HTTP["response"]["status"])
	assert.EqualValues(t, 2, d.HTTP["response"]["content_length"])
	assert.False(t, d.Fault)
	assert.False(t, d.Error)
	require.Len(t, d.Subsegments, 1)
	assert.Equal(t, "42", d.Subsegments[0].Annotations["order"])
	assert.Zero(t, rec.OpenSegments())
}

func TestTraceMiddlewareStatus(t *testing.T) {
	cases := []struct {
		status                 int
		err                    error
		fault, error, throttle bool
	}{
		{status: http.StatusOK},
		{status: http.StatusNotFound, error: true},
		{status: http.StatusTooManyRequests, error: true, throttle: true},
		{status: http.StatusBadGateway, fault: true},
		{status: http.StatusInternalServerError, err: errors.New("boom"), fault: true, error: true},
	}
	for _, tc := range cases {
		rec, s := newRecorder(t, nil)
		r := newEngine(rec, func(c *gin.Context) {
			if tc.err != nil {
				_ = c.Error(tc.err)
			}
			c.Status(tc.status)
		})
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/orders/1", strings.NewReader(`{"a":1}`)))

		docs := s.all()
		require.Len(t, docs, 1, "status %d", tc.status)
		d := docs[0]
		assert.Equal(t, tc.fault, d.Fault, "status %d", tc.status)
		assert.Equal(t, tc.error, d.Error, "status %d", tc.status)
		assert.Equal(t, tc.throttle, d.Throttle, "status %d", tc.status)
		if tc.err != nil {
			require.NotNil(t, d.Cause)
			assert.Equal(t, "boom", d.Cause.Exceptions[0].Message)
		}
	}
}

func TestTraceMiddlewareNotSampled(t *testing.T) {
	rec, s := newRecorder(t, nil)
	r := newEngine(rec, func(c *gin.Context) { c.Status(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodGet, "/orders/1", nil)
	req.Header.Set(tracex.HeaderName, "Root=1-5759e988-bd862e3fe1be46a994272793;Sampled=0")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "Root=1-5759e988-bd862e3fe1be46a994272793;Sampled=0", w.Header().Get(tracex.HeaderName))
	assert.Empty(t, s.all())
	assert.Zero(t, rec.OpenSegments())
}

func TestTraceMiddlewareDisabled(t *testing.T) {
	rec, s := newRecorder(t, func(c *config.Config) { c.TracingEnabled = false })
	r := newEngine(rec, func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/orders/1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get(tracex.HeaderName))
	assert.Empty(t, s.all())
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	ip, fwd := clientIP(req)
	assert.Equal(t, "10.0.0.1", ip)
	assert.False(t, fwd)

	req.Header.Set("X-Forwarded-For", " 203.0.113.7, 10.0.0.1")
	ip, fwd = clientIP(req)
	assert.Equal(t, "203.0.113.7", ip)
	assert.True(t, fwd)
}

func TestOutbound(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = map[string]string{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen[r.URL.Path] = r.Header.Get(tracex.HeaderName)
		mu.Unlock()
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	rec, s := newRecorder(t, nil)
	cli, err := httpclient.New(append(NewOutbound(rec).Options(), httpclient.WithBaseURL(srv.URL))...)
	require.NoError(t, err)

	ctx, seg := rec.BeginSegment(context.Background(), "orders", tracex.Header{})
	var out map[string]any
	_, err = cli.GetJSON(ctx, "/ok", &out)
	require.NoError(t, err)
	_, _ = cli.GetJSON(ctx, "/fail", &out)
	_, _ = cli.GetJSON(ctx, sampling.PathGetSamplingRules, &out)
	assert.Same(t, seg, rec.Current(ctx))
	rec.EndSegment(ctx, seg)

	docs := s.all()
	require.Len(t, docs, 1)
	subs := docs[0].Subsegments
	require.Len(t, subs, 2)
	for _, sub := range subs {
		assert.Equal(t, "127.0.0.1", sub.Name)
		assert.Equal(t, entity.NamespaceRemote, sub.Namespace)
		assert.Equal(t, "GET", sub.HTTP["request"]["method"])
	}
	assert.EqualValues(t, 200, subs[0].HTTP["response"]["status"])
	assert.False(t, subs[0].Fault)
	assert.EqualValues(t, 503, subs[1].HTTP["response"]["status"])
	assert.True(t, subs[1].Fault)

	mu.Lock()
	defer mu.Unlock()
	h := tracex.ParseHeader(seen["/ok"])
	assert.Equal(t, seg.TraceID(), h.TraceID)
	assert.Equal(t, subs[0].ID, h.ParentID)
	assert.Equal(t, sampling.DecisionSampled, h.Sampled)
	assert.Empty(t, seen[sampling.PathGetSamplingRules])
}

func TestOutboundWithoutSegment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get(tracex.HeaderName))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	rec, s := newRecorder(t, nil)
	cli, err := httpclient.New(append(NewOutbound(rec).Options(), httpclient.WithBaseURL(srv.URL))...)
	require.NoError(t, err)
	var out map[string]any
	_, err = cli.GetJSON(context.Background(), "/ok", &out)
	require.NoError(t, err)
	assert.Empty(t, s.all())
}

func TestTraceQuery(t *testing.T) {
	for _, collect := range []bool{false, true} {
		rec, s := newRecorder(t, func(c *config.Config) { c.CollectSQLQueries = collect })
		db := DB{Name: "orders", Host: "db.internal", DatabaseType: "PostgreSQL", User: "app"}

		ctx, seg := rec.BeginSegment(context.Background(), "orders", tracex.Header{})
		calls := 0
		err := TraceQuery(ctx, rec, db, "SELECT 1", func(ctx context.Context) error {
			calls++
			// 驱动内部的嵌套调用不再开子节点
			return TraceQuery(ctx, rec, db, "SELECT 1", func(context.Context) error {
				calls++
				return nil
			})
		})
		require.NoError(t, err)
		boom := errors.New("deadlock detected")
		err = TraceQuery(ctx, rec, db, "UPDATE t SET a = 1", func(context.Context) error { return boom })
		assert.Same(t, boom, err)
		rec.EndSegment(ctx, seg)

		assert.Equal(t, 2, calls)
		docs := s.all()
		require.Len(t, docs, 1)
		subs := docs[0].Subsegments
		require.Len(t, subs, 2)
		assert.Equal(t, "orders@db.internal", subs[0].Name)
		assert.Equal(t, entity.NamespaceRemote, subs[0].Namespace)
		assert.Equal(t, "PostgreSQL", subs[0].SQL["database_type"])
		assert.Equal(t, "app", subs[0].SQL["user"])
		if collect {
			assert.Equal(t, "SELECT 1", subs[0].SQL["sanitized_query"])
		} else {
			assert.NotContains(t, subs[0].SQL, "sanitized_query")
		}
		assert.True(t, subs[1].Fault)
		require.NotNil(t, subs[1].Cause)
		assert.Equal(t, "deadlock detected", subs[1].Cause.Exceptions[0].Message)
	}
}

func TestTraceQueryWithoutSegment(t *testing.T) {
	rec, s := newRecorder(t, nil)
	called := false
	err := TraceQuery(context.Background(), rec, DB{Host: "db"}, "", func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Empty(t, s.all())
}
