package middleware

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"

	"github.com/imattdu/xrayagent/logx"
)

// maxLoggedBody 访问日志里 body 最多保留的字节数
const maxLoggedBody = 4 << 10

type responseWriter struct {
	body *bytes.Buffer
	gin.ResponseWriter
}

func (w responseWriter) Write(b []byte) (int, error) {
	if room := maxLoggedBody - w.body.Len(); room > 0 {
		if len(b) < room {
			room = len(b)
		}
		w.body.Write(b[:room])
	}
	return w.ResponseWriter.Write(b)
}

// AccessMiddleware 简单访问日志。挂在 TraceMiddleware 之后时日志里带 trace_id
func AccessMiddleware(l logx.Logger) gin.HandlerFunc {
	if l == nil {
		l = logx.OrNop()
	}
	return func(ctx *gin.Context) {
		req := ctx.Request
		c := req.Context()
		logMap := map[string]interface{}{
			logx.Remote: req.RemoteAddr,
			logx.Method: req.Method,
			logx.Path:   req.URL.Path,
			logx.Query:  req.URL.RawQuery,
		}
		reqBodyBytes, err := ctx.GetRawData()
		if err != nil {
			_ = ctx.AbortWithError(http.StatusInternalServerError, err)
			logMap[logx.Err] = err.Error()
			logMap[logx.Msg] = "GetRawData failed"
			l.Warn(c, logx.TagRequestIn, logMap)
			return
		}

		// 重置请求体
		ctx.Request.Body = io.NopCloser(bytes.NewReader(reqBodyBytes))
		if len(reqBodyBytes) > 0 {
			var reqBody interface{}
			if sonic.Unmarshal(reqBodyBytes, &reqBody) == nil {
				logMap[logx.Body] = reqBody
			} else if len(reqBodyBytes) <= maxLoggedBody {
				logMap[logx.Body] = string(reqBodyBytes)
			}
		}
		l.Info(c, logx.TagRequestIn, logMap)

		writer := &responseWriter{body: bytes.NewBufferString(""), ResponseWriter: ctx.Writer}
		ctx.Writer = writer
		start := time.Now()
		ctx.Next()

		// TraceMiddleware 在前面时，这里的 ctx 已经挂上 segment
		c = ctx.Request.Context()
		logMap[logx.Status] = writer.Status()
		logMap[logx.Response] = writer.body.String()
		logMap[logx.Cost] = time.Since(start).Milliseconds()
		l.Info(c, logx.TagRequestOut, logMap)
	}
}
