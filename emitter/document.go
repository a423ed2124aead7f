package emitter

import (
	"bytes"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/imattdu/xrayagent/entity"
	"github.com/imattdu/xrayagent/errorx"
	"github.com/imattdu/xrayagent/logx"
)

// Header 每个 datagram 的固定头，和 body 之间用 '\n' 分隔
const Header = `{"format":"json","version":1}`

const TypeSubsegment = "subsegment"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Document 是 daemon 接收的 segment / subsegment 文档。
// 内嵌的子文档不带 trace_id、parent_id、type；拆出去单独发送的子文档三者都带
type Document struct {
	TraceID     string                    `json:"trace_id,omitempty"`
	ID          string                    `json:"id"`
	Name        string                    `json:"name"`
	StartTime   float64                   `json:"start_time"`
	EndTime     float64                   `json:"end_time,omitempty"`
	InProgress  bool                      `json:"in_progress"`
	ParentID    string                    `json:"parent_id,omitempty"`
	Type        string                    `json:"type,omitempty"`
	Namespace   string                    `json:"namespace,omitempty"`
	Origin      string                    `json:"origin,omitempty"`
	Annotations map[string]any            `json:"annotations,omitempty"`
	Metadata    map[string]map[string]any `json:"metadata,omitempty"`
	HTTP        map[string]map[string]any `json:"http,omitempty"`
	SQL         map[string]any            `json:"sql,omitempty"`
	AWS         map[string]any            `json:"aws,omitempty"`
	Fault       bool                      `json:"fault"`
	Error       bool                      `json:"error"`
	Throttle    bool                      `json:"throttle,omitempty"`
	Cause       *entity.Cause             `json:"cause,omitempty"`
	Subsegments []*Document               `json:"subsegments,omitempty"`
}

// FromView 把快照转成文档。top 为 true 表示它是一个独立发送的文档
func FromView(v *entity.View, top bool) *Document {
	if v == nil {
		return nil
	}
	d := &Document{
		ID:          v.ID,
		Name:        v.Name,
		StartTime:   epoch(v.Start),
		InProgress:  v.InProgress,
		Namespace:   v.Namespace,
		Origin:      v.Origin,
		Annotations: v.Annotations,
		Metadata:    v.Metadata,
		HTTP:        v.HTTP,
		SQL:         v.SQL,
		AWS:         v.AWS,
		Fault:       v.Fault,
		Error:       v.Error,
		Throttle:    v.Throttle,
		Cause:       v.Cause,
	}
	if !v.InProgress {
		d.EndTime = epoch(v.End)
	}
	if top {
		d.TraceID = v.TraceID
		d.ParentID = v.ParentID
		if v.Kind == entity.KindSubsegment {
			d.Type = TypeSubsegment
		}
	}
	if len(v.Subsegments) > 0 {
		d.Subsegments = make([]*Document, 0, len(v.Subsegments))
		for _, c := range v.Subsegments {
			d.Subsegments = append(d.Subsegments, FromView(c, false))
		}
	}
	return d
}

// detach 把内嵌子文档变成独立文档
func (d *Document) detach(traceID, parentID string) {
	d.TraceID = traceID
	d.ParentID = parentID
	d.Type = TypeSubsegment
}

// Count 子树文档数（含自身）
func (d *Document) Count() int {
	if d == nil {
		return 0
	}
	n := 1
	for _, c := range d.Subsegments {
		n += c.Count()
	}
	return n
}

func epoch(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

// ---- 编解码 ----

// Marshal 编码 body。编码过程中的 panic（例如 metadata 里自定义 MarshalJSON 出错）转成错误返回
func Marshal(d *Document) (b []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			b = nil
			err = errorx.NewEncoding(errorx.ErrEncode,
				errorx.WithMessage(fmt.Sprintf("panic while encoding: %v", r)),
				errorx.WithField(logx.EntityID, d.ID))
		}
	}()
	b, err = json.Marshal(d)
	if err != nil {
		return nil, errorx.NewEncoding(errorx.ErrEncode,
			errorx.WithCause(err),
			errorx.WithField(logx.EntityID, d.ID))
	}
	return b, nil
}

// marshalShallow 只编码节点自身，不含子文档
func marshalShallow(d *Document) ([]byte, error) {
	s := *d
	s.Subsegments = nil
	return Marshal(&s)
}

// Frame 编码成完整 datagram：Header + '\n' + body
func Frame(d *Document) ([]byte, error) {
	body, err := Marshal(d)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(Header)+1+len(body))
	out = append(out, Header...)
	out = append(out, '\n')
	return append(out, body...), nil
}

// Decode 解析一个 datagram，daemon 侧和测试用
func Decode(data []byte) (*Document, error) {
	head, body, ok := bytes.Cut(data, []byte{'\n'})
	if !ok {
		return nil, errorx.NewEncoding(errorx.ErrDecode, errorx.WithMessage("missing header separator"))
	}
	var h struct {
		Format  string `json:"format"`
		Version int    `json:"version"`
	}
	if err := json.Unmarshal(head, &h); err != nil {
		return nil, errorx.NewEncoding(errorx.ErrDecode, errorx.WithCause(err))
	}
	if h.Format != "json" || h.Version != 1 {
		return nil, errorx.NewEncoding(errorx.ErrDecode,
			errorx.WithMessage(fmt.Sprintf("unsupported header %s", head)))
	}
	var d Document
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, errorx.NewEncoding(errorx.ErrDecode, errorx.WithCause(err))
	}
	return &d, nil
}
