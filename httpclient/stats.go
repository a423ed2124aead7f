package httpclient

import (
	"context"
	"net/http"

	"github.com/imattdu/xrayagent/errorx"
	"github.com/imattdu/xrayagent/logx"
)

// LogStats 把 CallStats 打成一行日志：成功 Debug，失败 Warn
func LogStats(l logx.Logger) StatsHook {
	if l == nil {
		l = logx.Nop()
	}
	return func(ctx context.Context, s *CallStats) {
		kv := []any{
			logx.Method, s.Method,
			logx.URL, s.URL,
			logx.Status, s.Status,
			logx.Attempts, s.Attempts,
			logx.MaxAttempts, s.MaxAttempts,
			logx.Cost, s.Cost.Milliseconds(),
		}
		if s.Err != "" || s.Status >= http.StatusBadRequest {
			kv = append(kv, logx.Err, s.Err)
			l.Warn(ctx, logx.TagHttpFailure, "http call failed", kv...)
			return
		}
		l.Debug(ctx, logx.TagHttpSuccess, "http call ok", kv...)
	}
}

// StatusDecoder 把非 2xx 响应转成 errorx 错误，body 截取前 256 字节
func StatusDecoder(component errorx.CodeEntry) BizErrorDecoder {
	return func(statusCode int, body []byte) error {
		if statusCode >= 200 && statusCode < 300 {
			return nil
		}
		if len(body) > 256 {
			body = body[:256]
		}
		return errorx.New(errorx.ErrHTTPStatus,
			errorx.WithType(errorx.ErrTypeTransport),
			errorx.WithComponent(component),
			errorx.WithField(logx.Status, statusCode),
			errorx.WithField(logx.Response, string(body)))
	}
}
