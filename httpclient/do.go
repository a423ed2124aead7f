package httpclient

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
)

// 请求体最多记录多少字节到 CallStats
const statsBodyLimit = 1024

// payload 预处理后的请求体：bytes 可重放，reader 只能发一次
type payload struct {
	bytes  []byte
	reader io.Reader
	header http.Header
}

func (p payload) replayable() bool { return p.reader == nil }

func (p payload) body() io.Reader {
	if p.bytes != nil {
		return bytes.NewReader(p.bytes)
	}
	return p.reader
}

func encodeBody(body any, h http.Header) (payload, error) {
	p := payload{header: cloneHeader(h)}
	switch v := body.(type) {
	case nil:
	case io.Reader:
		p.reader = v
	default:
		b, err := sonic.Marshal(v)
		if err != nil {
			return p, err
		}
		p.bytes = b
		if p.header == nil {
			p.header = make(http.Header)
		}
		if p.header.Get("Content-Type") == "" {
			p.header.Set("Content-Type", "application/json")
		}
	}
	return p, nil
}

// Do 发请求：重试、统计、业务错误解析。out 的处理：
//   - nil       ：resp.Body 交给调用方关闭
//   - io.Writer ：响应体复制过去
//   - *[]byte   ：原始字节
//   - 其他      ：JSON 解码
func (c *Client) Do(ctx context.Context, req *Request, out any) (*http.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	u, err := c.buildURL(req.Path, req.Query)
	if err != nil {
		return nil, err
	}
	p, err := encodeBody(req.Body, req.Headers)
	if err != nil {
		return nil, err
	}

	attempts := c.retryMaxAttempts
	if !p.replayable() || attempts < 1 {
		attempts = 1
	}
	stats := &CallStats{
		Method:      req.Method,
		URL:         u,
		Query:       req.Query.Encode(),
		MaxAttempts: attempts,
		BodySize:    len(p.bytes),
	}
	if len(p.bytes) <= statsBodyLimit {
		stats.Body = string(p.bytes)
	}

	begin := time.Now()
	resp, err := c.retry(ctx, req.Method, u, p, attempts, stats)
	stats.Cost = time.Since(begin)
	stats.Attempts = len(stats.AttemptsLog)
	if resp != nil {
		stats.Status = resp.StatusCode
	}
	stats.Err = errString(err)
	if c.statsHook != nil {
		c.statsHook(ctx, stats)
	}

	if resp == nil {
		return nil, err
	}
	if out == nil {
		return resp, nil
	}
	defer resp.Body.Close()
	return resp, c.readInto(resp, out)
}

// retry 重试主循环，返回最后一次尝试的结果
func (c *Client) retry(ctx context.Context, method, u string, p payload, attempts int, stats *CallStats) (*http.Response, error) {
	var (
		resp *http.Response
		err  error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		httpReq, rerr := http.NewRequestWithContext(ctx, method, u, p.body())
		if rerr != nil {
			return nil, rerr
		}
		for k, vs := range p.header {
			for _, v := range vs {
				httpReq.Header.Add(k, v)
			}
		}
		if c.userAgent != "" && httpReq.Header.Get("User-Agent") == "" {
			httpReq.Header.Set("User-Agent", c.userAgent)
		}
		if stats.Path == "" {
			stats.Path = httpReq.URL.Path
		}

		for _, h := range c.before {
			h(ctx, httpReq)
		}
		start := time.Now()
		resp, err = c.hc.Do(httpReq)
		elapsed := time.Since(start)
		for _, h := range c.after {
			h(ctx, httpReq, resp, err)
		}

		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		again := attempt < attempts-1 && c.retryDecider(resp, err)
		stats.AttemptsLog = append(stats.AttemptsLog, CallAttempt{
			Attempt:   attempt + 1,
			Status:    status,
			Err:       errString(err),
			Cost:      elapsed,
			WillRetry: again,
		})
		if !again {
			return resp, err
		}

		// 读掉剩余 body，连接可以复用
		if resp != nil && resp.Body != nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}
		if d := c.backoff(attempt); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			}
		}
	}
	return resp, err
}

func (c *Client) readInto(resp *http.Response, out any) error {
	if w, ok := out.(io.Writer); ok {
		_, err := io.Copy(w, resp.Body)
		return err
	}

	var body io.Reader = resp.Body
	if c.maxResponseBytes > 0 {
		body = io.LimitReader(resp.Body, c.maxResponseBytes)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if c.bizErrDecoder != nil {
		if berr := c.bizErrDecoder(resp.StatusCode, data); berr != nil {
			return berr
		}
	}
	if p, ok := out.(*[]byte); ok {
		*p = data
		return nil
	}
	return sonic.Unmarshal(data, out)
}

// -------- 便捷方法 --------

func (c *Client) GetJSON(ctx context.Context, path string, out any, opts ...RequestOption) (*http.Response, error) {
	req := &Request{Method: http.MethodGet, Path: path}
	for _, opt := range opts {
		opt(req)
	}
	return c.Do(ctx, req, out)
}

func (c *Client) PostJSON(ctx context.Context, path string, in any, out any, opts ...RequestOption) (*http.Response, error) {
	req := &Request{Method: http.MethodPost, Path: path}
	for _, opt := range append([]RequestOption{WithJSONBody(in)}, opts...) {
		opt(req)
	}
	return c.Do(ctx, req, out)
}
