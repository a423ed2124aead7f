package httpclient

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Request 一次调用的配置
type Request struct {
	Method  string
	Path    string // 相对 BaseURL 的路径，或完整 URL
	Query   url.Values
	Headers http.Header
	Body    any // nil / io.Reader / 其它按 JSON 编码

	Timeout time.Duration // 覆盖 Config.DefaultTimeout
}

type RequestOption func(*Request)

func WithQuery(q url.Values) RequestOption {
	return func(r *Request) { r.Query = q }
}

func WithHeader(k, v string) RequestOption {
	return func(r *Request) {
		if r.Headers == nil {
			r.Headers = make(http.Header)
		}
		r.Headers.Add(k, v)
	}
}

func WithJSONBody(body any) RequestOption {
	return func(r *Request) { r.Body = body }
}

func WithTimeout(t time.Duration) RequestOption {
	return func(r *Request) { r.Timeout = t }
}

// buildURL path 是完整 URL 时忽略 BaseURL，否则拼到 BaseURL 后面；q 追加到已有 query 上
func (c *Client) buildURL(path string, q url.Values) (string, error) {
	pu, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	if (pu.Scheme != "" && pu.Host != "") || c.baseURL == nil {
		pu.RawQuery = mergeQuery(pu.Query(), q).Encode()
		return pu.String(), nil
	}

	u := *c.baseURL
	u.Path = joinPath(c.baseURL.Path, pu.Path)
	u.RawQuery = mergeQuery(pu.Query(), q).Encode()
	return u.String(), nil
}

func mergeQuery(dst, src url.Values) url.Values {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	return dst
}

func joinPath(a, b string) string {
	switch {
	case a == "" || a == "/":
		return b
	case b == "":
		return a
	}
	return strings.TrimSuffix(a, "/") + "/" + strings.TrimPrefix(b, "/")
}
