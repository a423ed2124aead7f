package tracex

import (
	"net/http"
	"strings"

	"github.com/imattdu/xrayagent/entity"
	"github.com/imattdu/xrayagent/sampling"
)

// HeaderName 跨进程传播用的 HTTP 头
const HeaderName = "X-Amzn-Trace-Id"

// Header 上游传来的 trace 上下文：Root=<traceId>;Parent=<id>;Sampled=<0|1>
type Header struct {
	TraceID  string
	ParentID string
	Sampled  sampling.Decision
}

// ParseHeader 宽松解析：未知字段忽略，格式不对的 Root 视为没有
func ParseHeader(s string) Header {
	var h Header
	for _, part := range strings.Split(s, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "root":
			if entity.ValidTraceID(v) {
				h.TraceID = v
			}
		case "parent":
			h.ParentID = v
		case "sampled":
			switch v {
			case "1":
				h.Sampled = sampling.DecisionSampled
			case "0":
				h.Sampled = sampling.DecisionNotSampled
			}
		}
	}
	if h.TraceID == "" {
		h.ParentID = ""
	}
	return h
}

func (h Header) Empty() bool { return h.TraceID == "" && h.Sampled == sampling.DecisionUnknown }

func (h Header) String() string {
	if h.TraceID == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString("Root=")
	b.WriteString(h.TraceID)
	if h.ParentID != "" {
		b.WriteString(";Parent=")
		b.WriteString(h.ParentID)
	}
	if s := h.Sampled.String(); s != "" {
		b.WriteString(";Sampled=")
		b.WriteString(s)
	}
	return b.String()
}

// -------------------- HTTP 头注入 / 提取 --------------------

// ExtractFromHeader 读取上游 trace 头
func ExtractFromHeader(h http.Header) Header {
	if h == nil {
		return Header{}
	}
	return ParseHeader(h.Get(HeaderName))
}

// InjectToHeader 把 e 的 trace 上下文写入下游请求头，Parent 为 e 自身
func InjectToHeader(e *entity.Entity, h http.Header) {
	if e == nil || h == nil {
		return
	}
	h.Set(HeaderName, headerOf(e).String())
}

func headerOf(e *entity.Entity) Header {
	if e == nil {
		return Header{}
	}
	d := sampling.DecisionNotSampled
	if e.Sampled() {
		d = sampling.DecisionSampled
	}
	return Header{TraceID: e.TraceID(), ParentID: e.ID(), Sampled: d}
}

// ResponseHeader 回写给调用方的头：只带 Root 和 Sampled
func ResponseHeader(e *entity.Entity) string {
	h := headerOf(e)
	h.ParentID = ""
	return h.String()
}
