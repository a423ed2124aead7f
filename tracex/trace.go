package tracex

import (
	"context"
	"time"

	"github.com/imattdu/xrayagent/config"
	"github.com/imattdu/xrayagent/entity"
	"github.com/imattdu/xrayagent/errorx"
	"github.com/imattdu/xrayagent/logx"
	"github.com/imattdu/xrayagent/metrics"
	"github.com/imattdu/xrayagent/sampling"
)

// -------------------- 选项 --------------------

type segmentOptions struct {
	req    sampling.Request
	start  time.Time
	origin string
}

type SegmentOption func(*segmentOptions)

// WithSamplingRequest 规则匹配用的请求属性（host / method / path）
func WithSamplingRequest(req sampling.Request) SegmentOption {
	return func(o *segmentOptions) { o.req = req }
}

func WithStartTime(t time.Time) SegmentOption {
	return func(o *segmentOptions) { o.start = t }
}

// WithOrigin 运行环境，例如 AWS::EC2::Instance
func WithOrigin(origin string) SegmentOption {
	return func(o *segmentOptions) { o.origin = origin }
}

type subsegmentOptions struct {
	namespace string
	start     time.Time
}

type SubsegmentOption func(*subsegmentOptions)

// WithNamespace remote（下游 HTTP / SQL）或 aws
func WithNamespace(ns string) SubsegmentOption {
	return func(o *subsegmentOptions) { o.namespace = ns }
}

func WithSubsegmentStart(t time.Time) SubsegmentOption {
	return func(o *subsegmentOptions) { o.start = t }
}

// -------------------- Segment 生命周期 --------------------

// BeginSegment 开始一个根 segment 并设为当前活动 entity。
// 上游带了合法 trace id 就沿用，Sampled 有明确值时直接采用，否则由采样引擎决定
func (r *Recorder) BeginSegment(ctx context.Context, name string, h Header, opts ...SegmentOption) (context.Context, *entity.Entity) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !r.Enabled() {
		return ctx, nil
	}
	o := segmentOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.start.IsZero() {
		o.start = r.clock()
	}
	if o.req.ServiceName == "" {
		o.req.ServiceName = name
	}
	if o.origin == "" {
		o.origin = r.cfg.Origin
	}
	if o.req.ServiceType == "" {
		o.req.ServiceType = o.origin
	}

	if prev := r.mgr.Active(ctx); prev != nil {
		r.log.Debug(ctx, logx.TagSegmentBegin, "replacing active entity with a new segment",
			logx.TraceID, prev.TraceID(), logx.EntityID, prev.ID())
	}

	parentID := ""
	if h.TraceID != "" {
		parentID = h.ParentID
	}
	sampled := r.engine.Decide(o.req, h.Sampled)
	seg := entity.NewSegment(name, h.TraceID, parentID, sampled, o.start)
	_ = seg.PutAWS("xray", map[string]any{"sdk": SDKName, "sdk_version": Version})
	if o.origin != "" {
		_ = seg.SetOrigin(o.origin)
	}

	r.open.add(seg)
	metrics.OpenSegments.Inc()

	ctx = r.mgr.SetActive(ctx, seg)
	r.log.Debug(ctx, logx.TagSegmentBegin, "segment begun",
		logx.Name, name, logx.Sampled, sampled)
	return ctx, seg
}

// EndSegment 结束根 segment；整棵树关闭后编码发送。
// e 为 nil 时取当前活动 entity 所在的根。重复结束是 no-op
func (r *Recorder) EndSegment(ctx context.Context, e *entity.Entity) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if !r.Enabled() {
		return ctx
	}
	if e == nil {
		e = r.mgr.Active(ctx).Root()
	}
	if e == nil {
		r.misuse(ctx, errorx.NewMisuse(errorx.ErrNotBegun,
			errorx.WithComponent(errorx.ComponentRecorder),
			errorx.WithMessage("EndSegment without an active segment")))
		return ctx
	}
	if !e.IsSegment() {
		r.misuse(ctx, errorx.NewMisuse(errorx.ErrWrongKind,
			errorx.WithComponent(errorx.ComponentRecorder),
			errorx.WithField(logx.EntityID, e.ID())))
		return ctx
	}
	if !e.InProgress() {
		r.log.Debug(ctx, logx.TagSegmentEnd, "segment already ended", logx.EntityID, e.ID())
		return r.clearIfActive(ctx, e)
	}

	if _, err := e.Close(r.clock()); err != nil {
		if errorx.Is(err, errorx.ErrAlreadyClosed) {
			return r.clearIfActive(ctx, e)
		}
		r.misuse(ctx, err)
		return ctx
	}
	ctx = r.clearIfActive(ctx, e)

	// 与 reaper 竞争：谁先从登记表摘掉谁负责发送
	if r.open.take(e.ID()) {
		metrics.OpenSegments.Dec()
		r.emit(ctx, e)
	}
	return ctx
}

// -------------------- Subsegment 生命周期 --------------------

// BeginSubsegment 在当前活动 entity 下开子节点并设为活动
func (r *Recorder) BeginSubsegment(ctx context.Context, name string, opts ...SubsegmentOption) (context.Context, *entity.Entity) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !r.Enabled() {
		return ctx, nil
	}
	parent := r.mgr.Active(ctx)
	if parent == nil {
		r.misuse(ctx, errorx.NewMisuse(errorx.ErrContextMissing,
			errorx.WithComponent(errorx.ComponentRecorder),
			errorx.WithField(logx.Name, name)))
		return ctx, nil
	}
	o := subsegmentOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.start.IsZero() {
		o.start = r.clock()
	}

	sub, err := parent.BeginChild(name, o.start)
	if err != nil {
		r.misuse(ctx, err)
		return ctx, nil
	}
	if o.namespace != "" {
		_ = sub.SetNamespace(o.namespace)
	}
	return r.mgr.SetActive(ctx, sub), sub
}

// EndSubsegment 结束 subsegment，活动 entity 退回父节点。
// 挂着的已关闭子节点达到阈值时先流式发出去
func (r *Recorder) EndSubsegment(ctx context.Context, e *entity.Entity) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if !r.Enabled() {
		return ctx
	}
	active := r.mgr.Active(ctx)
	if e == nil {
		e = active
	}
	if e == nil || e.IsSegment() {
		r.misuse(ctx, errorx.NewMisuse(errorx.ErrNotBegun,
			errorx.WithComponent(errorx.ComponentRecorder),
			errorx.WithMessage("EndSubsegment without an active subsegment")))
		return ctx
	}

	if _, err := e.Close(r.clock()); err != nil {
		r.misuse(ctx, err)
		return ctx
	}
	if active == e {
		ctx = r.mgr.SetActive(ctx, e.Parent())
	}
	r.stream(ctx, e.Root())
	return ctx
}

// -------------------- 数据 --------------------

func (r *Recorder) AddAnnotation(e *entity.Entity, key string, value any) {
	if !r.Enabled() {
		return
	}
	if e == nil {
		r.misuse(context.Background(), errorx.NewMisuse(errorx.ErrContextMissing,
			errorx.WithComponent(errorx.ComponentRecorder), errorx.WithField("key", key)))
		return
	}
	if err := e.PutAnnotation(key, value); err != nil {
		r.misuse(context.Background(), err)
	}
}

func (r *Recorder) AddMetadata(e *entity.Entity, namespace, key string, value any) {
	if !r.Enabled() {
		return
	}
	if e == nil {
		r.misuse(context.Background(), errorx.NewMisuse(errorx.ErrContextMissing,
			errorx.WithComponent(errorx.ComponentRecorder), errorx.WithField("key", key)))
		return
	}
	if err := e.PutMetadata(namespace, key, value); err != nil {
		r.misuse(context.Background(), err)
	}
}

// RecordError 记录一条异常并置 error 标记；调用栈深度受 maxStackTraceLength 限制
func (r *Recorder) RecordError(e *entity.Entity, err error) {
	if !r.Enabled() || err == nil {
		return
	}
	if e == nil {
		r.misuse(context.Background(), errorx.NewMisuse(errorx.ErrContextMissing,
			errorx.WithComponent(errorx.ComponentRecorder), errorx.WithCause(err)))
		return
	}
	ex := entity.NewException(err, 1, r.cfg.MaxStackTraceLength)
	if aerr := e.AddException(ex); aerr != nil {
		r.misuse(context.Background(), aerr)
	}
}

// TraceHeader 给下游的传播头，Parent 为 e 自身；e 为 nil 时返回空串
func (r *Recorder) TraceHeader(e *entity.Entity) string {
	if e == nil {
		return ""
	}
	return headerOf(e).String()
}

// Current 当前活动 entity
func (r *Recorder) Current(ctx context.Context) *entity.Entity {
	if ctx == nil || !r.Enabled() {
		return nil
	}
	return r.mgr.Active(ctx)
}

// -------------------- 内部 --------------------

func (r *Recorder) clearIfActive(ctx context.Context, root *entity.Entity) context.Context {
	if a := r.mgr.Active(ctx); a != nil && a.TraceID() == root.TraceID() {
		return r.mgr.Clear(ctx)
	}
	return ctx
}

func (r *Recorder) emit(ctx context.Context, root *entity.Entity) {
	view := root.Snapshot()
	root.Release()
	n := r.emitter.Emit(ctx, view)
	r.log.Debug(ctx, logx.TagSegmentEnd, "segment ended",
		logx.TraceID, view.TraceID, logx.EntityID, view.ID, logx.Docs, n)
}

func (r *Recorder) stream(ctx context.Context, root *entity.Entity) {
	threshold := r.cfg.StreamingThreshold
	if threshold <= 0 || root == nil || root.ClosedCount() < threshold {
		return
	}
	detached := root.DetachClosed()
	if len(detached) == 0 {
		return
	}
	views := make([]*entity.View, 0, len(detached))
	for _, d := range detached {
		views = append(views, d.Snapshot())
	}
	r.emitter.EmitDetached(ctx, views)
}

// misuse 计数；LOG_ERROR 时打日志（已限流），IGNORE_ERROR 时静默
func (r *Recorder) misuse(ctx context.Context, err error) {
	metrics.Misuse.WithLabelValues(misuseKind(err)).Inc()
	if r.cfg.ContextMissingStrategy == config.ContextMissingIgnore {
		return
	}
	r.log.Error(ctx, logx.TagMisuse, err)
}

func misuseKind(err error) string {
	switch {
	case errorx.Is(err, errorx.ErrContextMissing):
		return "context_missing"
	case errorx.Is(err, errorx.ErrOpenChildren):
		return "open_children"
	case errorx.Is(err, errorx.ErrAlreadyClosed):
		return "already_closed"
	case errorx.Is(err, errorx.ErrParentClosed):
		return "parent_closed"
	case errorx.Is(err, errorx.ErrNotBegun):
		return "not_begun"
	case errorx.Is(err, errorx.ErrInvalidAnnotation):
		return "invalid_annotation"
	case errorx.Is(err, errorx.ErrWrongKind):
		return "wrong_kind"
	default:
		return "other"
	}
}
