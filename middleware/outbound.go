package middleware

import (
	"context"
	"net/http"
	"sync"

	"github.com/imattdu/xrayagent/entity"
	"github.com/imattdu/xrayagent/httpclient"
	"github.com/imattdu/xrayagent/sampling"
	"github.com/imattdu/xrayagent/tracex"
)

// Outbound 下游 HTTP 调用的 subsegment 钩子，挂在 httpclient 上。
// 每次尝试一个 subsegment，以目标 host 命名
type Outbound struct {
	rec      *tracex.Recorder
	inflight sync.Map // *http.Request -> *entity.Entity
}

func NewOutbound(rec *tracex.Recorder) *Outbound {
	return &Outbound{rec: rec}
}

// Options 给 httpclient.New 用
func (o *Outbound) Options() []httpclient.Option {
	return []httpclient.Option{
		httpclient.WithBeforeHooks(o.Before),
		httpclient.WithAfterHooks(o.After),
	}
}

func (o *Outbound) Before(ctx context.Context, req *http.Request) {
	if req == nil || req.URL == nil || skipOutbound(req) {
		return
	}
	if o.rec.Current(ctx) == nil {
		return
	}
	_, sub := o.rec.BeginSubsegment(ctx, req.URL.Hostname(), tracex.WithNamespace(entity.NamespaceRemote))
	if sub == nil {
		return
	}
	_ = sub.PutHTTP("request", "url", req.URL.String())
	_ = sub.PutHTTP("request", "method", req.Method)
	tracex.InjectToHeader(sub, req.Header)
	o.inflight.Store(req, sub)
}

func (o *Outbound) After(ctx context.Context, req *http.Request, resp *http.Response, err error) {
	v, ok := o.inflight.LoadAndDelete(req)
	if !ok {
		return
	}
	sub := v.(*entity.Entity)
	if resp != nil {
		markStatus(sub, resp.StatusCode)
		_ = sub.PutHTTP("response", "status", resp.StatusCode)
		if resp.ContentLength >= 0 {
			_ = sub.PutHTTP("response", "content_length", resp.ContentLength)
		}
	}
	if err != nil {
		_ = sub.SetFault()
		o.rec.RecordError(sub, err)
	}
	o.rec.EndSubsegment(ctx, sub)
}

// skipOutbound 采样规则拉取本身不产生 subsegment
func skipOutbound(req *http.Request) bool {
	switch req.URL.Path {
	case sampling.PathGetSamplingRules, sampling.PathSamplingTargets:
		return true
	}
	return false
}
