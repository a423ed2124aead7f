package sampling

import (
	"context"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"

	"github.com/imattdu/xrayagent/errorx"
	"github.com/imattdu/xrayagent/logx"
	"github.com/imattdu/xrayagent/metrics"
)

// 采样策略
const (
	StrategyCentral = "CENTRAL"
	StrategyLocal   = "LOCAL"
	StrategyAll     = "ALL"
	StrategyNone    = "NONE"
)

const DefaultRuleName = "Default"

// Clock 可注入的挂钟
type Clock func() time.Time

// ruleSet 整体替换，Decide 读到的永远是一份完整规则
type ruleSet struct {
	rules []*Rule
	def   *Rule
}

// Engine 每个 trace 在根节点创建时调用一次 Decide
type Engine struct {
	strategy string
	source   Source
	clock    Clock
	random   func() float64
	log      logx.Logger

	set   atomic.Pointer[ruleSet]
	group singleflight.Group
}

type Option func(*Engine)

func WithStrategy(s string) Option {
	return func(e *Engine) { e.strategy = strings.ToUpper(s) }
}

func WithSource(s Source) Option {
	return func(e *Engine) { e.source = s }
}

func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithRandom 注入 [0,1) 的随机数，测试用
func WithRandom(fn func() float64) Option {
	return func(e *Engine) { e.random = fn }
}

func WithLogger(l logx.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithDefault 规则源不可达时使用的默认规则
func WithDefault(fixedRate float64, reservoirSize int) Option {
	return func(e *Engine) {
		e.set.Store(&ruleSet{def: NewDefaultRule(fixedRate, reservoirSize)})
	}
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		strategy: StrategyCentral,
		clock:    time.Now,
		random:   rand.Float64,
		log:      logx.Nop(),
	}
	e.set.Store(&ruleSet{def: NewDefaultRule(0.05, 1)})
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewDefaultRule 匹配所有请求的兜底规则
func NewDefaultRule(fixedRate float64, reservoirSize int) *Rule {
	return &Rule{
		Name:          DefaultRuleName,
		Priority:      10000,
		FixedRate:     fixedRate,
		ReservoirSize: reservoirSize,
		reservoir:     NewReservoir(reservoirSize),
	}
}

func (e *Engine) Strategy() string { return e.strategy }

// Decide 上游有明确决定时直接沿用；否则按顺序找第一条命中的规则，
// 先消耗 reservoir，用完后按 fixedRate 随机
func (e *Engine) Decide(req Request, incoming Decision) bool {
	sampled := e.decide(req, incoming)
	metrics.Decision(sampled)
	return sampled
}

func (e *Engine) decide(req Request, incoming Decision) bool {
	switch incoming {
	case DecisionSampled:
		return true
	case DecisionNotSampled:
		return false
	}
	switch e.strategy {
	case StrategyAll:
		return true
	case StrategyNone:
		return false
	}

	set := e.set.Load()
	now := e.clock()
	for _, r := range set.rules {
		if r.Match(req) {
			return e.apply(r, now)
		}
	}
	return e.apply(set.def, now)
}

func (e *Engine) apply(r *Rule, now time.Time) bool {
	if r.reservoir.Take(now) {
		return true
	}
	return r.FixedRate > 0 && e.random() < r.FixedRate
}

// Rules 当前规则（不含默认规则），按优先级排好序
func (e *Engine) Rules() []*Rule {
	return append([]*Rule(nil), e.set.Load().rules...)
}

func (e *Engine) DefaultRule() *Rule {
	return e.set.Load().def
}

// Update 整体替换规则。同名且 reservoir 大小不变的规则沿用原 reservoir，
// 避免刷新时把当前秒的额度清零；def 为 nil 时保留原默认规则
func (e *Engine) Update(rules []*Rule, def *Rule) {
	old := e.set.Load()
	prev := make(map[string]*Rule, len(old.rules)+1)
	for _, r := range old.rules {
		prev[r.Name] = r
	}
	prev[old.def.Name] = old.def

	carry := func(r *Rule) {
		if p, ok := prev[r.Name]; ok && p.ReservoirSize == r.ReservoirSize {
			r.reservoir = p.reservoir
			return
		}
		if r.reservoir == nil {
			r.reservoir = NewReservoir(r.ReservoirSize)
		}
	}

	next := &ruleSet{rules: make([]*Rule, 0, len(rules)), def: old.def}
	for _, r := range rules {
		if r == nil {
			continue
		}
		carry(r)
		next.rules = append(next.rules, r)
	}
	sort.SliceStable(next.rules, func(i, j int) bool {
		if next.rules[i].Priority != next.rules[j].Priority {
			return next.rules[i].Priority < next.rules[j].Priority
		}
		return next.rules[i].Name < next.rules[j].Name
	})
	if def != nil {
		carry(def)
		next.def = def
	}
	e.set.Store(next)
}

// Refresh 从规则源拉一次规则；并发调用只会真正执行一次。
// 失败时保留上一份规则并计数
func (e *Engine) Refresh(ctx context.Context) error {
	if e.source == nil || e.strategy == StrategyAll || e.strategy == StrategyNone {
		return nil
	}
	_, err, _ := e.group.Do("rules", func() (any, error) {
		rules, def, err := e.source.Rules(ctx)
		if err != nil {
			return nil, err
		}
		e.Update(rules, def)
		e.log.Info(ctx, logx.TagSampling, "sampling rules refreshed",
			logx.Rules, len(rules), "source", e.source.Name())
		return nil, nil
	})
	if err != nil {
		metrics.RuleRefreshFailures.Inc()
		err = errorx.Wrap(err, errorx.ErrRuleSource,
			errorx.WithType(errorx.ErrTypeSampling),
			errorx.WithComponent(errorx.ComponentSampling),
			errorx.WithField("source", e.source.Name()))
		e.log.Warn(ctx, logx.TagSampling, err)
	}
	return err
}
