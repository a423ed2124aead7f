package emitter

import (
	"context"

	"github.com/imattdu/xrayagent/entity"
	"github.com/imattdu/xrayagent/errorx"
	"github.com/imattdu/xrayagent/logx"
	"github.com/imattdu/xrayagent/metrics"
)

// DefaultMaxSize 单个 datagram 的默认上限，给 UDP / IP 头留出余量
const DefaultMaxSize = 65000

// Sender 把一个完整 datagram 交给传输层；不返回错误，失败由传输层自己计数
type Sender interface {
	Send(b []byte)
}

type SenderFunc func(b []byte)

func (f SenderFunc) Send(b []byte) { f(b) }

type Emitter struct {
	sender  Sender
	maxSize int
	log     logx.Logger
}

type Option func(*Emitter)

func WithMaxSize(n int) Option {
	return func(e *Emitter) {
		if n > 0 {
			e.maxSize = n
		}
	}
}

func WithLogger(l logx.Logger) Option {
	return func(e *Emitter) {
		if l != nil {
			e.log = l
		}
	}
}

func New(sender Sender, opts ...Option) *Emitter {
	e := &Emitter{
		sender:  sender,
		maxSize: DefaultMaxSize,
		log:     logx.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Emitter) MaxSize() int { return e.maxSize }

// Emit 发送一棵已关闭（或被强制关闭）的 trace，返回发出的 datagram 数。
// 未采样的 trace 在编码前丢弃
func (e *Emitter) Emit(ctx context.Context, v *entity.View) int {
	if e == nil || v == nil {
		return 0
	}
	if !v.Sampled {
		metrics.Dropped(metrics.ReasonUnsampled)
		return 0
	}
	return e.emit(ctx, FromView(v, true), v.TraceID)
}

// EmitDetached 发送 streaming 时从进行中的根上摘下来的子树
func (e *Emitter) EmitDetached(ctx context.Context, views []*entity.View) int {
	if e == nil {
		return 0
	}
	n := 0
	for _, v := range views {
		if v == nil {
			continue
		}
		if !v.Sampled {
			metrics.Dropped(metrics.ReasonUnsampled)
			continue
		}
		n += e.emit(ctx, FromView(v, true), v.TraceID)
	}
	return n
}

func (e *Emitter) emit(ctx context.Context, d *Document, traceID string) int {
	self, docs, failed := salvage(d, traceID)
	if failed > 0 {
		for i := 0; i < failed; i++ {
			metrics.EncodeErrors.Inc()
			metrics.Dropped(metrics.ReasonEncode)
		}
		e.log.Warn(ctx, logx.TagEmit, errorx.NewEncoding(errorx.ErrEncode,
			errorx.WithMessage("dropped documents that failed to encode"),
			errorx.WithField(logx.TraceID, traceID),
			errorx.WithField(logx.Docs, failed)))
	}
	if self != nil {
		docs = append([]*Document{self}, docs...)
	}

	sent := 0
	for _, doc := range docs {
		res := Split(doc, traceID, e.maxSize)
		for i := 0; i < res.Oversize; i++ {
			metrics.Dropped(metrics.ReasonOversize)
		}
		for i := 0; i < res.Failed; i++ {
			metrics.EncodeErrors.Inc()
			metrics.Dropped(metrics.ReasonEncode)
		}
		if res.Oversize > 0 {
			e.log.Warn(ctx, logx.TagEmit, errorx.NewEncoding(errorx.ErrOversize,
				errorx.WithField(logx.TraceID, traceID),
				errorx.WithField(logx.Docs, res.Oversize),
				errorx.WithField(logx.Size, e.maxSize)))
		}
		for _, b := range res.Docs {
			e.sender.Send(b)
			metrics.DocumentsSent.Inc()
			sent++
		}
	}
	e.log.Debug(ctx, logx.TagEmit, "trace emitted", logx.TraceID, traceID, logx.Docs, sent)
	return sent
}
