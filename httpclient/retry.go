package httpclient

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// RetryDecider 决定某次响应是否需要重试
type RetryDecider func(resp *http.Response, err error) bool

// BackoffFunc 返回第 attempt 次重试前需要 sleep 的时间
type BackoffFunc func(attempt int) time.Duration

// 默认重试策略：网络错误（ctx 取消 / 超时除外）+ 429 + 5xx
func defaultRetryDecider(resp *http.Response, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	if resp == nil {
		return false
	}
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
}

// 默认指数退避：100ms, 200ms, 400ms, ... 最大 2s
func defaultBackoff(attempt int) time.Duration {
	base := 100 * time.Millisecond
	max := 2 * time.Second

	d := base << attempt
	if d > max || d <= 0 {
		d = max
	}
	return d
}
