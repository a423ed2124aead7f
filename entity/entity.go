package entity

import (
	"math"
	"sync"
	"time"

	"github.com/imattdu/xrayagent/errorx"
)

// Kind 区分根 segment 与 subsegment，整棵树的算法只按 Kind 分支
type Kind uint8

const (
	KindSegment Kind = iota
	KindSubsegment
)

func (k Kind) String() string {
	if k == KindSegment {
		return "segment"
	}
	return "subsegment"
}

const (
	NamespaceRemote = "remote"
	NamespaceAWS    = "aws"
)

// tree 是一棵 trace 树共享的簿记：锁、id 索引、未关闭计数。
// 子节点只记 parentID，通过 index 找父节点；发送后 release 清空索引
type tree struct {
	mu      sync.Mutex
	traceID string
	sampled bool
	root    *Entity
	index   map[string]*Entity
	open    int
	closed  int // 已关闭、仍挂在树上的 subsegment 数
	emitted bool
}

// Entity 是 Segment / Subsegment 的统一表示
type Entity struct {
	kind     Kind
	id       string
	parentID string
	name     string

	namespace  string
	origin     string
	start      time.Time
	end        time.Time
	inProgress bool

	annotations map[string]any
	metadata    map[string]map[string]any
	http        map[string]map[string]any
	sql         map[string]any
	aws         map[string]any

	fault    bool
	err      bool
	throttle bool
	cause    *Cause

	children []*Entity

	t *tree
}

// NewSegment 创建根 segment。traceID 为空时生成新的 trace；
// parentID 是上游传入的 id（可为空）；sampled 在这里定下后整棵树不再改变
func NewSegment(name, traceID, parentID string, sampled bool, start time.Time) *Entity {
	if traceID == "" {
		traceID = NewTraceID(start)
	}
	e := &Entity{
		kind:       KindSegment,
		id:         NewID(),
		parentID:   parentID,
		name:       name,
		start:      start,
		inProgress: true,
	}
	e.t = &tree{
		traceID: traceID,
		sampled: sampled,
		root:    e,
		index:   map[string]*Entity{e.id: e},
		open:    1,
	}
	return e
}

// BeginChild 在 e 下创建一个 subsegment，插入顺序即开始顺序
func (e *Entity) BeginChild(name string, start time.Time) (*Entity, error) {
	if e == nil {
		return nil, errorx.NewMisuse(errorx.ErrContextMissing, errorx.WithComponent(errorx.ComponentEntity))
	}
	t := e.t
	t.mu.Lock()
	defer t.mu.Unlock()

	if !e.inProgress || t.emitted {
		return nil, errorx.NewMisuse(errorx.ErrParentClosed,
			errorx.WithComponent(errorx.ComponentEntity),
			errorx.WithField("parent_id", e.id),
			errorx.WithField("name", name))
	}
	child := &Entity{
		kind:       KindSubsegment,
		id:         NewID(),
		parentID:   e.id,
		name:       name,
		start:      start,
		inProgress: true,
		t:          t,
	}
	e.children = append(e.children, child)
	if t.index != nil {
		t.index[child.id] = child
	}
	t.open++
	return child, nil
}

// Close 结束 e。已关闭或仍有未关闭子节点时返回 misuse 错误且不做任何修改。
// rootDone 表示整棵树已全部关闭，可以交给 emitter
func (e *Entity) Close(end time.Time) (rootDone bool, err error) {
	if e == nil {
		return false, errorx.NewMisuse(errorx.ErrNotBegun, errorx.WithComponent(errorx.ComponentEntity))
	}
	t := e.t
	t.mu.Lock()
	defer t.mu.Unlock()

	if !e.inProgress {
		return false, errorx.NewMisuse(errorx.ErrAlreadyClosed,
			errorx.WithComponent(errorx.ComponentEntity),
			errorx.WithField("entity_id", e.id))
	}
	for _, c := range e.children {
		if c.inProgress {
			return false, errorx.NewMisuse(errorx.ErrOpenChildren,
				errorx.WithComponent(errorx.ComponentEntity),
				errorx.WithField("entity_id", e.id),
				errorx.WithField("open_child", c.id))
		}
	}
	e.closeLocked(end)
	return t.open == 0, nil
}

func (e *Entity) closeLocked(end time.Time) {
	if end.Before(e.start) {
		end = e.start
	}
	e.end = end
	e.inProgress = false
	e.t.open--
	if e.kind == KindSubsegment {
		e.t.closed++
	}
}

// ForceClose 关闭 e 以及所有未关闭的后代（后序），被强制关闭的节点标记 fault 并附上 ex。
// 返回被关闭的节点数
func (e *Entity) ForceClose(end time.Time, ex Exception) int {
	if e == nil {
		return 0
	}
	e.t.mu.Lock()
	defer e.t.mu.Unlock()
	return e.forceCloseLocked(end, ex)
}

func (e *Entity) forceCloseLocked(end time.Time, ex Exception) int {
	n := 0
	for _, c := range e.children {
		n += c.forceCloseLocked(end, ex)
	}
	if !e.inProgress {
		return n
	}
	e.fault = true
	e.addExceptionLocked(ex)
	e.closeLocked(end)
	return n + 1
}

// DetachClosed 把已关闭的 subsegment 子树从仍在进行中的父节点上摘下来（用于流式发送）。
// 只有根仍在进行中时有意义
func (e *Entity) DetachClosed() []*Entity {
	if e == nil {
		return nil
	}
	t := e.t
	t.mu.Lock()
	defer t.mu.Unlock()

	root := t.root
	if root == nil || !root.inProgress {
		return nil
	}
	var out []*Entity
	var walk func(n *Entity)
	walk = func(n *Entity) {
		kept := n.children[:0]
		for _, c := range n.children {
			if c.inProgress {
				kept = append(kept, c)
				walk(c)
				continue
			}
			out = append(out, c)
			t.forget(c)
		}
		for i := len(kept); i < len(n.children); i++ {
			n.children[i] = nil
		}
		n.children = kept
	}
	walk(root)
	t.closed = 0
	return out
}

// forget 把已摘下的子树移出索引
func (t *tree) forget(n *Entity) {
	if t.index == nil {
		return
	}
	delete(t.index, n.id)
	for _, c := range n.children {
		t.forget(c)
	}
}

// Release 在整棵树发送后调用，断开簿记对节点的引用
func (e *Entity) Release() {
	if e == nil {
		return
	}
	e.t.mu.Lock()
	e.t.emitted = true
	e.t.index = nil
	e.t.root = nil
	e.t.mu.Unlock()
}

// -------------------- 只读访问 --------------------

func (e *Entity) ID() string {
	if e == nil {
		return ""
	}
	return e.id
}

func (e *Entity) Kind() Kind {
	if e == nil {
		return KindSubsegment
	}
	return e.kind
}

func (e *Entity) IsSegment() bool { return e != nil && e.kind == KindSegment }

func (e *Entity) Name() string {
	if e == nil {
		return ""
	}
	return e.name
}

func (e *Entity) ParentID() string {
	if e == nil {
		return ""
	}
	return e.parentID
}

func (e *Entity) TraceID() string {
	if e == nil {
		return ""
	}
	return e.t.traceID
}

func (e *Entity) Sampled() bool {
	if e == nil {
		return false
	}
	return e.t.sampled
}

func (e *Entity) StartTime() time.Time {
	if e == nil {
		return time.Time{}
	}
	return e.start
}

func (e *Entity) InProgress() bool {
	if e == nil {
		return false
	}
	e.t.mu.Lock()
	defer e.t.mu.Unlock()
	return e.inProgress
}

func (e *Entity) EndTime() time.Time {
	if e == nil {
		return time.Time{}
	}
	e.t.mu.Lock()
	defer e.t.mu.Unlock()
	return e.end
}

// Root 返回所属根 segment，树已发送后为 nil
func (e *Entity) Root() *Entity {
	if e == nil {
		return nil
	}
	e.t.mu.Lock()
	defer e.t.mu.Unlock()
	return e.t.root
}

// Parent 通过 id 索引找父节点（非持有引用）；根或已发送时为 nil
func (e *Entity) Parent() *Entity {
	if e == nil || e.kind == KindSegment {
		return nil
	}
	e.t.mu.Lock()
	defer e.t.mu.Unlock()
	if e.t.index == nil {
		return nil
	}
	return e.t.index[e.parentID]
}

// ClosedCount 已关闭但仍挂在树上的 subsegment 数
func (e *Entity) ClosedCount() int {
	if e == nil {
		return 0
	}
	e.t.mu.Lock()
	defer e.t.mu.Unlock()
	return e.t.closed
}

// -------------------- 写操作（仅在未关闭时生效） --------------------

// PutAnnotation 注解只接受 string / bool / 数字
func (e *Entity) PutAnnotation(key string, value any) error {
	if e == nil {
		return nil
	}
	if key == "" || !validAnnotation(value) {
		return errorx.NewMisuse(errorx.ErrInvalidAnnotation,
			errorx.WithComponent(errorx.ComponentEntity),
			errorx.WithField("key", key))
	}
	return e.mutate(func() {
		if e.annotations == nil {
			e.annotations = make(map[string]any)
		}
		e.annotations[key] = value
	})
}

func (e *Entity) PutMetadata(namespace, key string, value any) error {
	if e == nil {
		return nil
	}
	if namespace == "" {
		namespace = "default"
	}
	return e.mutate(func() {
		if e.metadata == nil {
			e.metadata = make(map[string]map[string]any)
		}
		ns := e.metadata[namespace]
		if ns == nil {
			ns = make(map[string]any)
			e.metadata[namespace] = ns
		}
		ns[key] = value
	})
}

// PutHTTP 写入 http.request / http.response 下的字段
func (e *Entity) PutHTTP(section, key string, value any) error {
	if e == nil {
		return nil
	}
	return e.mutate(func() {
		if e.http == nil {
			e.http = make(map[string]map[string]any, 2)
		}
		m := e.http[section]
		if m == nil {
			m = make(map[string]any)
			e.http[section] = m
		}
		m[key] = value
	})
}

func (e *Entity) PutSQL(key string, value any) error {
	if e == nil {
		return nil
	}
	return e.mutate(func() {
		if e.sql == nil {
			e.sql = make(map[string]any)
		}
		e.sql[key] = value
	})
}

func (e *Entity) PutAWS(key string, value any) error {
	if e == nil {
		return nil
	}
	return e.mutate(func() {
		if e.aws == nil {
			e.aws = make(map[string]any)
		}
		e.aws[key] = value
	})
}

func (e *Entity) SetNamespace(ns string) error {
	if e == nil {
		return nil
	}
	return e.mutate(func() { e.namespace = ns })
}

func (e *Entity) SetOrigin(origin string) error {
	if e == nil {
		return nil
	}
	return e.mutate(func() { e.origin = origin })
}

func (e *Entity) SetFault() error {
	if e == nil {
		return nil
	}
	return e.mutate(func() { e.fault = true })
}

func (e *Entity) SetError() error {
	if e == nil {
		return nil
	}
	return e.mutate(func() { e.err = true })
}

func (e *Entity) SetThrottle() error {
	if e == nil {
		return nil
	}
	return e.mutate(func() { e.throttle = true })
}

// AddException 记录一条异常并置 error 标记
func (e *Entity) AddException(ex Exception) error {
	if e == nil {
		return nil
	}
	return e.mutate(func() {
		e.err = true
		e.addExceptionLocked(ex)
	})
}

func (e *Entity) addExceptionLocked(ex Exception) {
	if e.cause == nil {
		e.cause = &Cause{WorkingDirectory: cwd}
	}
	e.cause.Exceptions = append(e.cause.Exceptions, ex)
}

func (e *Entity) mutate(fn func()) error {
	e.t.mu.Lock()
	defer e.t.mu.Unlock()
	if !e.inProgress {
		return errorx.NewMisuse(errorx.ErrAlreadyClosed,
			errorx.WithComponent(errorx.ComponentEntity),
			errorx.WithField("entity_id", e.id))
	}
	fn()
	return nil
}

func validAnnotation(v any) bool {
	switch x := v.(type) {
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return true
	case float32:
		return !math.IsNaN(float64(x)) && !math.IsInf(float64(x), 0)
	case float64:
		return !math.IsNaN(x) && !math.IsInf(x, 0)
	default:
		return false
	}
}
