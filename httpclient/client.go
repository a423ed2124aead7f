package httpclient

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/imattdu/xrayagent/logx"
)

// Hook 在每次尝试前后执行（同一次尝试的 Before / After 拿到同一个 *http.Request）

type BeforeFunc func(ctx context.Context, req *http.Request)
type AfterFunc func(ctx context.Context, req *http.Request, resp *http.Response, err error)

const defaultUserAgent = "xrayagent-go"

// Config 是 Client 的初始化配置
type Config struct {
	BaseURL   string
	UserAgent string

	// 请求级默认超时（per-request 没设 Timeout 时使用）
	DefaultTimeout time.Duration

	// 连接相关；agent 只和本机 daemon 通信，连接池很小
	DialTimeout         time.Duration
	DialKeepAlive       time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	ReadWriteTimeout    time.Duration // 每次 Read/Write 的 deadline

	// 响应体上限，超出按截断处理（<=0 不限制）
	MaxResponseBytes int64

	// 重试相关
	RetryMaxAttempts int
	RetryDecider     RetryDecider
	RetryBackoff     BackoffFunc

	// 非 2xx 等业务错误解析
	BizErrDecoder BizErrorDecoder

	// Hook
	Before []BeforeFunc
	After  []AfterFunc

	// 调用统计上报（例如打日志）
	StatsHook StatsHook
}

func defaultConfig() Config {
	return Config{
		UserAgent:           defaultUserAgent,
		DefaultTimeout:      2 * time.Second,
		DialTimeout:         time.Second,
		DialKeepAlive:       30 * time.Second,
		MaxIdleConns:        4,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
		ReadWriteTimeout:    2 * time.Second,
		MaxResponseBytes:    4 << 20,
		RetryMaxAttempts:    1,
	}
}

type Option func(*Config)

func WithBaseURL(s string) Option {
	return func(c *Config) { c.BaseURL = s }
}

func WithUserAgent(ua string) Option {
	return func(c *Config) { c.UserAgent = ua }
}

func WithDefaultTimeout(t time.Duration) Option {
	return func(c *Config) { c.DefaultTimeout = t }
}

func WithReadWriteTimeout(t time.Duration) Option {
	return func(c *Config) { c.ReadWriteTimeout = t }
}

func WithMaxResponseBytes(n int64) Option {
	return func(c *Config) { c.MaxResponseBytes = n }
}

func WithBeforeHooks(h ...BeforeFunc) Option {
	return func(c *Config) { c.Before = append(c.Before, h...) }
}

func WithAfterHooks(h ...AfterFunc) Option {
	return func(c *Config) { c.After = append(c.After, h...) }
}

func WithRetry(max int, decider RetryDecider, backoff BackoffFunc) Option {
	return func(c *Config) {
		c.RetryMaxAttempts = max
		c.RetryDecider = decider
		c.RetryBackoff = backoff
	}
}

func WithBizErrorDecoder(dec BizErrorDecoder) Option {
	return func(c *Config) { c.BizErrDecoder = dec }
}

func WithStatsHook(h StatsHook) Option {
	return func(c *Config) { c.StatsHook = h }
}

// WithLogger 用 logx 记录每次调用的统计
func WithLogger(l logx.Logger) Option {
	return func(c *Config) { c.StatsHook = LogStats(l) }
}

// Client 是并发安全的 HTTP 客户端
type Client struct {
	hc      *http.Client
	baseURL *url.URL

	userAgent string
	before    []BeforeFunc
	after     []AfterFunc

	defaultTimeout   time.Duration
	maxResponseBytes int64
	retryMaxAttempts int
	retryDecider     RetryDecider
	backoff          BackoffFunc
	bizErrDecoder    BizErrorDecoder
	statsHook        StatsHook
}

// New 创建 Client，Config 初始化后不再修改 → 并发安全
func New(opts ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	var base *url.URL
	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		base = u
	}

	maxAttempts := cfg.RetryMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	dec := cfg.RetryDecider
	if dec == nil {
		dec = defaultRetryDecider
	}
	bf := cfg.RetryBackoff
	if bf == nil {
		bf = defaultBackoff
	}

	return &Client{
		hc:      &http.Client{Transport: buildTransport(&cfg)},
		baseURL: base,

		userAgent: cfg.UserAgent,
		before:    append([]BeforeFunc(nil), cfg.Before...),
		after:     append([]AfterFunc(nil), cfg.After...),

		defaultTimeout:   cfg.DefaultTimeout,
		maxResponseBytes: cfg.MaxResponseBytes,
		retryMaxAttempts: maxAttempts,
		retryDecider:     dec,
		backoff:          bf,
		bizErrDecoder:    cfg.BizErrDecoder,
		statsHook:        cfg.StatsHook,
	}, nil
}
