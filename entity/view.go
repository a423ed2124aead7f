package entity

import "time"

// View 是某一时刻 entity 子树的只读拷贝，编码在锁外进行
type View struct {
	Kind       Kind
	ID         string
	TraceID    string
	ParentID   string
	Name       string
	Namespace  string
	Origin     string
	Start      time.Time
	End        time.Time
	InProgress bool
	Sampled    bool

	Annotations map[string]any
	Metadata    map[string]map[string]any
	HTTP        map[string]map[string]any
	SQL         map[string]any
	AWS         map[string]any

	Fault    bool
	Error    bool
	Throttle bool
	Cause    *Cause

	Subsegments []*View
}

// Snapshot 在树锁内复制 e 及其全部子节点
func (e *Entity) Snapshot() *View {
	if e == nil {
		return nil
	}
	e.t.mu.Lock()
	defer e.t.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Entity) snapshotLocked() *View {
	v := &View{
		Kind:        e.kind,
		ID:          e.id,
		TraceID:     e.t.traceID,
		ParentID:    e.parentID,
		Name:        e.name,
		Namespace:   e.namespace,
		Origin:      e.origin,
		Start:       e.start,
		End:         e.end,
		InProgress:  e.inProgress,
		Sampled:     e.t.sampled,
		Annotations: copyMap(e.annotations),
		SQL:         copyMap(e.sql),
		AWS:         copyMap(e.aws),
		Fault:       e.fault,
		Error:       e.err,
		Throttle:    e.throttle,
	}
	if e.metadata != nil {
		v.Metadata = make(map[string]map[string]any, len(e.metadata))
		for ns, m := range e.metadata {
			v.Metadata[ns] = copyMap(m)
		}
	}
	if e.http != nil {
		v.HTTP = make(map[string]map[string]any, len(e.http))
		for k, m := range e.http {
			v.HTTP[k] = copyMap(m)
		}
	}
	if e.cause != nil {
		c := *e.cause
		c.Exceptions = append([]Exception(nil), e.cause.Exceptions...)
		v.Cause = &c
	}
	if len(e.children) > 0 {
		v.Subsegments = make([]*View, 0, len(e.children))
		for _, c := range e.children {
			v.Subsegments = append(v.Subsegments, c.snapshotLocked())
		}
	}
	return v
}

// Count 返回子树节点总数（含自身）
func (v *View) Count() int {
	if v == nil {
		return 0
	}
	n := 1
	for _, c := range v.Subsegments {
		n += c.Count()
	}
	return n
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
