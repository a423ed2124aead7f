package tracex

import (
	"context"

	"github.com/imattdu/xrayagent/cctx"
)

// Capture 给另一个执行单元（goroutine / worker）做上下文快照
func (r *Recorder) Capture(ctx context.Context) cctx.Handle {
	if ctx == nil {
		ctx = context.Background()
	}
	return r.mgr.Capture(ctx)
}

// Restore 在当前执行单元装入快照，工作结束后调用返回的 func
func (r *Recorder) Restore(ctx context.Context, h cctx.Handle) (context.Context, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	return r.mgr.Restore(ctx, h)
}

// Go 在新 goroutine 中执行 fn，并带上当前 trace。
// fn 拿到的 ctx 与调用方的取消 / 超时脱钩，只保留 bag 和活动 entity
func (r *Recorder) Go(ctx context.Context, fn func(ctx context.Context)) {
	h := r.Capture(ctx)
	base := cctx.Detach(ctx)
	go func() {
		wctx, done := r.mgr.Restore(base, h)
		defer done()
		fn(wctx)
	}()
}

// TraceIDFromContext 当前活动 entity 的 trace id，没有时为空串
func (r *Recorder) TraceIDFromContext(ctx context.Context) string {
	return r.Current(ctx).TraceID()
}

// TraceHeaderFromContext 当前活动 entity 的传播头
func (r *Recorder) TraceHeaderFromContext(ctx context.Context) string {
	return r.TraceHeader(r.Current(ctx))
}

// resolveTrace 注册给 logx，日志里带上 trace_id / entity_id
func (r *Recorder) resolveTrace(ctx context.Context) (string, string, bool) {
	e := r.Current(ctx)
	if e == nil {
		return "", "", false
	}
	return e.TraceID(), e.ID(), true
}
