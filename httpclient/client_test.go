package httpclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imattdu/xrayagent/errorx"
)

type ruleReply struct {
	Rules []string `json:"rules"`
}

func TestPostJSONRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"NextToken":"x"}`, string(body))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, defaultUserAgent, r.Header.Get("User-Agent"))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"rules":["a","b"]}`))
	}))
	defer srv.Close()

	var stats *CallStats
	var before, after atomic.Int32
	cli, err := New(
		WithBaseURL(srv.URL),
		WithRetry(3, nil, func(int) time.Duration { return time.Millisecond }),
		WithBeforeHooks(func(ctx context.Context, req *http.Request) { before.Add(1) }),
		WithAfterHooks(func(ctx context.Context, req *http.Request, resp *http.Response, err error) { after.Add(1) }),
		WithStatsHook(func(ctx context.Context, s *CallStats) { stats = s }),
	)
	require.NoError(t, err)

	var out ruleReply
	resp, err := cli.PostJSON(context.Background(), "/GetSamplingRules", map[string]string{"NextToken": "x"}, &out)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"a", "b"}, out.Rules)

	assert.EqualValues(t, 2, calls.Load())
	assert.EqualValues(t, 2, before.Load())
	assert.EqualValues(t, 2, after.Load())
	require.NotNil(t, stats)
	assert.Equal(t, 2, stats.Attempts)
	assert.True(t, stats.AttemptsLog[0].WillRetry)
	assert.Equal(t, http.StatusServiceUnavailable, stats.AttemptsLog[0].Status)
	assert.Equal(t, "/GetSamplingRules", stats.Path)
}

func TestStatusDecoder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`denied`))
	}))
	defer srv.Close()

	cli, err := New(WithBaseURL(srv.URL), WithBizErrorDecoder(StatusDecoder(errorx.ComponentSampling)))
	require.NoError(t, err)

	var out ruleReply
	_, err = cli.GetJSON(context.Background(), "/rules", &out)
	require.Error(t, err)
	assert.True(t, errorx.Is(err, errorx.ErrHTTPStatus))
	assert.True(t, errorx.IsTransport(err))
	assert.Equal(t, errorx.ComponentSampling, errorx.ComponentOf(err))
}

func TestMaxResponseBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	cli, err := New(WithBaseURL(srv.URL), WithMaxResponseBytes(4))
	require.NoError(t, err)
	var raw []byte
	_, err = cli.GetJSON(context.Background(), "/", &raw)
	require.NoError(t, err)
	assert.Equal(t, "0123", string(raw))
}

func TestBuildURL(t *testing.T) {
	cli, err := New(WithBaseURL("http://127.0.0.1:2000/base"))
	require.NoError(t, err)
	u, err := cli.buildURL("/GetSamplingRules", nil)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:2000/base/GetSamplingRules", u)

	u, err = cli.buildURL("http://other:1/x?a=1", map[string][]string{"b": {"2"}})
	require.NoError(t, err)
	assert.Equal(t, "http://other:1/x?a=1&b=2", u)
}

func TestDefaultBackoff(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, defaultBackoff(0))
	assert.Equal(t, 400*time.Millisecond, defaultBackoff(2))
	assert.Equal(t, 2*time.Second, defaultBackoff(10))
}

func TestDefaultRetryDecider(t *testing.T) {
	assert.True(t, defaultRetryDecider(nil, io.ErrUnexpectedEOF))
	assert.False(t, defaultRetryDecider(nil, context.Canceled))
	assert.True(t, defaultRetryDecider(&http.Response{StatusCode: http.StatusTooManyRequests}, nil))
	assert.True(t, defaultRetryDecider(&http.Response{StatusCode: http.StatusBadGateway}, nil))
	assert.False(t, defaultRetryDecider(&http.Response{StatusCode: http.StatusNotFound}, nil))
}

func TestRequestOptions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/base/rules", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("a"))
		assert.Equal(t, "2", r.URL.Query().Get("b"))
		assert.Equal(t, "Root=1-5759e988-bd862e3fe1be46a994272793", r.Header.Get("X-Amzn-Trace-Id"))
		_, _ = w.Write([]byte(`{"rules":["r"]}`))
	}))
	defer srv.Close()

	cli, err := New(WithBaseURL(srv.URL + "/base/"))
	require.NoError(t, err)
	var out ruleReply
	_, err = cli.GetJSON(context.Background(), "/rules?a=1", &out,
		WithQuery(map[string][]string{"b": {"2"}}),
		WithHeader("X-Amzn-Trace-Id", "Root=1-5759e988-bd862e3fe1be46a994272793"),
		WithTimeout(time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{"r"}, out.Rules)
}

func TestJoinPath(t *testing.T) {
	assert.Equal(t, "/x", joinPath("", "/x"))
	assert.Equal(t, "/a", joinPath("/a", ""))
	assert.Equal(t, "/a/x", joinPath("/a/", "/x"))
	assert.Equal(t, "/a/x", joinPath("/a", "x"))
}
