package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/imattdu/xrayagent/entity"
	"github.com/imattdu/xrayagent/sampling"
	"github.com/imattdu/xrayagent/tracex"
)

// TraceMiddleware 每个入站请求一个 segment：沿用上游 trace 头，
// 记录 http.request / http.response，并把 Root / Sampled 回写到响应头
func TraceMiddleware(rec *tracex.Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rec.Enabled() {
			c.Next()
			return
		}
		req := c.Request
		name := rec.Config().ServiceName
		ctx, seg := rec.BeginSegment(req.Context(), name, tracex.ExtractFromHeader(req.Header),
			tracex.WithSamplingRequest(sampling.Request{
				ServiceName: name,
				Host:        hostOnly(req.Host),
				Method:      req.Method,
				URLPath:     req.URL.Path,
			}))
		if seg == nil {
			c.Next()
			return
		}

		putRequest(seg, req)
		c.Header(tracex.HeaderName, tracex.ResponseHeader(seg))
		c.Request = req.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		markStatus(seg, status)
		_ = seg.PutHTTP("response", "status", status)
		if n := c.Writer.Size(); n >= 0 {
			_ = seg.PutHTTP("response", "content_length", n)
		}
		for _, e := range c.Errors {
			rec.RecordError(seg, e.Err)
		}
		rec.EndSegment(c.Request.Context(), seg)
	}
}

func putRequest(seg *entity.Entity, req *http.Request) {
	_ = seg.PutHTTP("request", "url", fullURL(req))
	_ = seg.PutHTTP("request", "method", req.Method)
	if ua := req.UserAgent(); ua != "" {
		_ = seg.PutHTTP("request", "user_agent", ua)
	}
	ip, forwarded := clientIP(req)
	if ip != "" {
		_ = seg.PutHTTP("request", "client_ip", ip)
	}
	if forwarded {
		_ = seg.PutHTTP("request", "x_forwarded_for", true)
	}
}

// markStatus 4xx 记 error（429 另记 throttle），5xx 记 fault
func markStatus(e *entity.Entity, status int) {
	switch {
	case status == http.StatusTooManyRequests:
		_ = e.SetError()
		_ = e.SetThrottle()
	case status >= 400 && status < 500:
		_ = e.SetError()
	case status >= 500:
		_ = e.SetFault()
	}
}

// clientIP 优先取 X-Forwarded-For 的第一段
func clientIP(req *http.Request) (string, bool) {
	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip, true
		}
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr, false
	}
	return host, false
}

func fullURL(req *http.Request) string {
	scheme := "http"
	if req.TLS != nil {
		scheme = "https"
	}
	if p := req.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme + "://" + req.Host + req.URL.RequestURI()
}

func hostOnly(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return hostport
}
