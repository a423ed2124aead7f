package cctx

import (
	"context"
	"sync"

	"github.com/petermattis/goid"

	"github.com/imattdu/xrayagent/entity"
)

const (
	StrategyGoroutine = "goroutine"
	StrategyContext   = "context"
)

// Manager 维护“当前活动 entity”。不同实现决定它存在哪里：
// goroutine 级存储，或者显式地放在 context.Context 里。
// Manager 只负责存取，不检查调用方 Begin / End 是否正确嵌套
type Manager interface {
	// Active 返回当前活动 entity，没有时为 nil；不阻塞
	Active(ctx context.Context) *entity.Entity
	// SetActive 替换当前活动 entity，返回应继续使用的 ctx
	SetActive(ctx context.Context, e *entity.Entity) context.Context
	// Clear 清掉活动 entity（根 segment 结束时）
	Clear(ctx context.Context) context.Context
	// Capture 给另一个执行单元做快照
	Capture(ctx context.Context) Handle
	// Restore 在新执行单元里装入快照；返回的 func 在该单元工作结束时调用
	Restore(ctx context.Context, h Handle) (context.Context, func())
}

// Purger 由持有全局存储的实现提供，reaper 用它清理强制关闭的 trace 残留
type Purger interface {
	Purge(match func(e *entity.Entity) bool) int
}

// Handle 是不可变快照：活动 entity + bag 拷贝
type Handle struct {
	entity *entity.Entity
	bag    map[string]any
}

func (h Handle) Entity() *entity.Entity { return h.entity }

func (h Handle) Empty() bool { return h.entity == nil && len(h.bag) == 0 }

func capture(ctx context.Context, e *entity.Entity) Handle {
	h := Handle{entity: e}
	if b := bagFrom(ctx); b != nil {
		h.bag = deepCopyMap(b)
	}
	return h
}

// withBag 把快照里的 bag 装回 ctx；每次装入都再拷一份，保证 Handle 本身不被改动
func withBag(ctx context.Context, h Handle) context.Context {
	if h.bag == nil {
		return ctx
	}
	return context.WithValue(ctx, bagKey, bag(deepCopyMap(h.bag)))
}

// NewManager 按策略名构造，未知名字回落到 goroutine 策略
func NewManager(strategy string) Manager {
	if strategy == StrategyContext {
		return NewContextManager()
	}
	return NewGoroutineManager()
}

// -------------------- goroutine 绑定 --------------------

type goroutineManager struct {
	slots sync.Map // goid -> *entity.Entity
}

// NewGoroutineManager 活动 entity 绑定到调用方 goroutine，ctx 只用来携带 bag。
// 跨 goroutine 的工作必须 Capture / Restore
func NewGoroutineManager() Manager {
	return &goroutineManager{}
}

func (m *goroutineManager) Active(_ context.Context) *entity.Entity {
	if v, ok := m.slots.Load(goid.Get()); ok {
		return v.(*entity.Entity)
	}
	return nil
}

func (m *goroutineManager) SetActive(ctx context.Context, e *entity.Entity) context.Context {
	if e == nil {
		m.slots.Delete(goid.Get())
		return ctx
	}
	m.slots.Store(goid.Get(), e)
	return ctx
}

func (m *goroutineManager) Clear(ctx context.Context) context.Context {
	m.slots.Delete(goid.Get())
	return ctx
}

func (m *goroutineManager) Capture(ctx context.Context) Handle {
	return capture(ctx, m.Active(ctx))
}

func (m *goroutineManager) Restore(ctx context.Context, h Handle) (context.Context, func()) {
	id := goid.Get()
	prev, hadPrev := m.slots.Load(id)
	if h.entity != nil {
		m.slots.Store(id, h.entity)
	} else {
		m.slots.Delete(id)
	}
	// 池化 goroutine 复用时不能带着上一个任务的 entity
	return withBag(ctx, h), func() {
		if hadPrev {
			m.slots.Store(id, prev)
			return
		}
		m.slots.Delete(id)
	}
}

func (m *goroutineManager) Purge(match func(e *entity.Entity) bool) int {
	n := 0
	m.slots.Range(func(k, v any) bool {
		if match(v.(*entity.Entity)) {
			m.slots.Delete(k)
			n++
		}
		return true
	})
	return n
}

// -------------------- 显式 ctx 传递 --------------------

type slotKeyType struct{}

var slotKey slotKeyType

// slot 挂在 ctx 上，创建后不再修改；切换活动 entity 总是派生新 ctx，
// 从同一个 ctx 分叉出去的执行单元互不影响
type slot struct {
	e *entity.Entity
}

type contextManager struct{}

// NewContextManager 活动 entity 放在 context.Context 中，没有 goroutine 亲和性
func NewContextManager() Manager {
	return contextManager{}
}

func slotFrom(ctx context.Context) *slot {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(slotKey).(*slot)
	return s
}

func (contextManager) Active(ctx context.Context) *entity.Entity {
	if s := slotFrom(ctx); s != nil {
		return s.e
	}
	return nil
}

func (contextManager) SetActive(ctx context.Context, e *entity.Entity) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, slotKey, &slot{e: e})
}

func (contextManager) Clear(ctx context.Context) context.Context {
	if slotFrom(ctx) == nil {
		return ctx
	}
	return context.WithValue(ctx, slotKey, &slot{})
}

func (m contextManager) Capture(ctx context.Context) Handle {
	return capture(ctx, m.Active(ctx))
}

// Restore 挂一个新 slot；ctx 离开作用域即失效，不需要清理
func (contextManager) Restore(ctx context.Context, h Handle) (context.Context, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithValue(withBag(ctx, h), slotKey, &slot{e: h.entity})
	return ctx, func() {}
}
