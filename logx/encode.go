package logx

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/imattdu/xrayagent/cctx"
	"github.com/imattdu/xrayagent/errorx"
)

// TraceResolver 从 ctx 取当前 trace 信息，由 recorder 注册
type TraceResolver func(ctx context.Context) (traceID, entityID string, ok bool)

type traceInjection struct {
	resolve TraceResolver
	prefix  string
}

var injection atomic.Pointer[traceInjection]

// SetTraceResolver 开启日志里的 trace id 注入，字段名带上 prefix；传 nil 关闭
func SetTraceResolver(r TraceResolver, prefix string) {
	if r == nil {
		injection.Store(nil)
		return
	}
	injection.Store(&traceInjection{resolve: r, prefix: prefix})
}

// encodeLog 把 ctx / tag / msg / kv 整合成一组 slog.Attr
func encodeLog(ctx context.Context, tag string, msg any, kv ...any) []slog.Attr {
	attrs := make([]slog.Attr, 0, 16)

	// tag
	if tag != "" {
		attrs = append(attrs, slog.String("tag", tag))
	}

	// caller
	c := getCaller()
	attrs = append(attrs,
		slog.String("file", c.file),
		slog.Int("line", c.line),
		slog.String("func", c.funcName),
	)

	// trace
	if inj := injection.Load(); inj != nil {
		if traceID, entityID, ok := inj.resolve(ctx); ok {
			attrs = append(attrs,
				slog.String(inj.prefix+TraceID, traceID),
				slog.String(inj.prefix+EntityID, entityID),
			)
		}
	}

	// errorx 集成（如果 msg 是 *errorx.Error 或 error）
	switch v := msg.(type) {
	case *errorx.Error:
		attrs = append(attrs,
			slog.Int("code", v.Code.Code),
			slog.String("code_msg", v.Code.Message),
			slog.String("err_type", v.Type.Message),
			slog.String("component", v.Component.Message),
		)
		for k, vv := range v.Fields {
			attrs = append(attrs, slog.Any(k, vv))
		}
		if v.Message != "" {
			attrs = append(attrs, slog.String(Msg, v.Message))
		}
		if v.Cause != nil {
			attrs = append(attrs, slog.String(Err, v.Cause.Error()))
		}
	case error:
		attrs = append(attrs, slog.String("error", v.Error()))
	default:
		attrs = append(attrs, slog.Any(Msg, v))
	}

	// cctx 中的通用字段（tenant / region 等）
	if bag := cctx.All(ctx); len(bag) > 0 {
		for k, v := range bag {
			attrs = append(attrs, slog.Any(k, v))
		}
	}

	// 额外 kv（必须是偶数个）
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		attrs = append(attrs, slog.Any(k, kv[i+1]))
	}

	return attrs
}
