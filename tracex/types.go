package tracex

import (
	"context"
	"errors"
	"time"

	"github.com/grafana/dskit/services"
	"go.uber.org/atomic"

	"github.com/imattdu/xrayagent/cctx"
	"github.com/imattdu/xrayagent/config"
	"github.com/imattdu/xrayagent/daemon"
	"github.com/imattdu/xrayagent/emitter"
	"github.com/imattdu/xrayagent/errorx"
	"github.com/imattdu/xrayagent/httpclient"
	"github.com/imattdu/xrayagent/logx"
	"github.com/imattdu/xrayagent/sampling"
)

const (
	SDKName = "xrayagent for Go"
	Version = "0.1.0"
)

// Recorder 是插桩代码面对的唯一入口：创建 / 结束 entity，写注解和错误，
// 根 segment 结束后交给 emitter。任何失败都不会返回给业务代码
type Recorder struct {
	cfg     *config.Config
	mgr     cctx.Manager
	engine  *sampling.Engine
	emitter *emitter.Emitter
	log     logx.Logger
	clock   func() time.Time

	enabled atomic.Bool
	open    *registry

	sender    emitter.Sender
	transport *daemon.Client
	svcs      *services.Manager
}

type Option func(*Recorder)

func WithConfig(cfg *config.Config) Option {
	return func(r *Recorder) { r.cfg = cfg }
}

// WithManager 替换上下文存储策略
func WithManager(m cctx.Manager) Option {
	return func(r *Recorder) { r.mgr = m }
}

func WithEngine(e *sampling.Engine) Option {
	return func(r *Recorder) { r.engine = e }
}

func WithEmitter(e *emitter.Emitter) Option {
	return func(r *Recorder) { r.emitter = e }
}

// WithSender 不连 daemon，直接把 datagram 交给 s（测试或自定义传输）
func WithSender(s emitter.Sender) Option {
	return func(r *Recorder) { r.sender = s }
}

func WithLogger(l logx.Logger) Option {
	return func(r *Recorder) {
		if l != nil {
			r.log = l
		}
	}
}

func WithClock(c func() time.Time) Option {
	return func(r *Recorder) { r.clock = c }
}

// New 按配置组装 recorder；未注入的组件按配置创建。
// 后台任务（规则刷新 / 超时回收）在 Start 之后才运行
func New(opts ...Option) (*Recorder, error) {
	r := &Recorder{log: logx.OrNop(), clock: time.Now, open: newRegistry()}
	for _, opt := range opts {
		opt(r)
	}
	if r.cfg == nil {
		r.cfg = config.Default()
	}
	cfg := r.cfg
	r.log = logx.NewLimited(r.log, time.Second, 5)
	r.enabled.Store(cfg.TracingEnabled)

	if r.mgr == nil {
		r.mgr = cctx.NewManager(cfg.ContextStrategy)
	}

	addr, err := daemon.ParseAddr(cfg.DaemonAddress)
	if err != nil {
		return nil, err
	}
	if r.emitter == nil && r.sender != nil {
		r.emitter = emitter.New(r.sender, emitter.WithMaxSize(cfg.MaxDatagramSize), emitter.WithLogger(r.log))
	}
	if r.emitter == nil {
		cli, err := daemon.Dial(addr, daemon.WithLogger(r.log))
		if err != nil {
			return nil, err
		}
		r.transport = cli
		r.emitter = emitter.New(cli, emitter.WithMaxSize(cfg.MaxDatagramSize), emitter.WithLogger(r.log))
	}

	if r.engine == nil {
		src, err := r.ruleSource(cfg, addr)
		if err != nil {
			return nil, err
		}
		r.engine = sampling.NewEngine(
			sampling.WithStrategy(cfg.SamplingStrategy),
			sampling.WithSource(src),
			sampling.WithDefault(cfg.DefaultFixedRate, cfg.DefaultReservoirSize),
			sampling.WithClock(r.clock),
			sampling.WithLogger(r.log),
		)
	}

	svcs, err := services.NewManager(
		sampling.NewRefresher(r.engine, cfg.RuleRefreshInterval.D()),
		newReaper(r, cfg.ReapInterval.D()),
	)
	if err != nil {
		return nil, err
	}
	r.svcs = svcs

	if cfg.TraceIDInjection {
		logx.SetTraceResolver(r.resolveTrace, cfg.TraceIDInjectionPrefix)
	}
	return r, nil
}

func (r *Recorder) ruleSource(cfg *config.Config, addr daemon.Addr) (sampling.Source, error) {
	switch cfg.SamplingStrategy {
	case sampling.StrategyLocal:
		return sampling.NewLocalSource(cfg.SamplingRulesManifest, cfg.DefaultFixedRate, cfg.DefaultReservoirSize), nil
	case sampling.StrategyCentral:
		cli, err := httpclient.New(
			httpclient.WithBaseURL(addr.TCPEndpoint()),
			httpclient.WithBizErrorDecoder(httpclient.StatusDecoder(errorx.ComponentSampling)),
			httpclient.WithLogger(r.log),
		)
		if err != nil {
			return nil, err
		}
		return sampling.NewCentralSource(cli), nil
	default:
		return nil, nil
	}
}

// Start 启动后台任务，首次规则拉取在这里完成（失败时沿用默认规则）
func (r *Recorder) Start(ctx context.Context) error {
	if err := r.svcs.StartAsync(ctx); err != nil {
		return err
	}
	return r.svcs.AwaitHealthy(ctx)
}

// Stop 停掉后台任务并关闭 daemon 连接。仍未结束的 trace 不会被发送
func (r *Recorder) Stop(ctx context.Context) error {
	r.svcs.StopAsync()
	err := r.svcs.AwaitStopped(ctx)
	if r.transport != nil {
		err = errors.Join(err, r.transport.Close())
	}
	return err
}

func (r *Recorder) Config() *config.Config { return r.cfg }

func (r *Recorder) Manager() cctx.Manager { return r.mgr }

func (r *Recorder) Engine() *sampling.Engine { return r.engine }

// SetEnabled 运行时总开关；关闭后所有 hook 都是 no-op
func (r *Recorder) SetEnabled(on bool) { r.enabled.Store(on) }

func (r *Recorder) Enabled() bool { return r != nil && r.enabled.Load() }

// OpenSegments 当前未结束的根 segment 数
func (r *Recorder) OpenSegments() int { return r.open.len() }
