package tracex

import (
	"context"
	"sync"
	"time"

	"github.com/grafana/dskit/services"

	"github.com/imattdu/xrayagent/cctx"
	"github.com/imattdu/xrayagent/entity"
	"github.com/imattdu/xrayagent/errorx"
	"github.com/imattdu/xrayagent/logx"
	"github.com/imattdu/xrayagent/metrics"
)

// registry 登记所有未结束的根 segment
type registry struct {
	mu    sync.Mutex
	roots map[string]*entity.Entity
}

func newRegistry() *registry {
	return &registry{roots: make(map[string]*entity.Entity)}
}

func (g *registry) add(e *entity.Entity) {
	g.mu.Lock()
	g.roots[e.ID()] = e
	g.mu.Unlock()
}

// take 摘掉并返回是否存在；同一个根只有一方能拿到
func (g *registry) take(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.roots[id]; !ok {
		return false
	}
	delete(g.roots, id)
	return true
}

func (g *registry) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.roots)
}

// expired 开始时间早于 deadline 的根
func (g *registry) expired(deadline time.Time) []*entity.Entity {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*entity.Entity
	for _, e := range g.roots {
		if e.StartTime().Before(deadline) {
			out = append(out, e)
		}
	}
	return out
}

// ExceptionIncomplete 被强制关闭的节点上附带的异常类型
const ExceptionIncomplete = "Incomplete"

type reaper struct {
	services.Service
	r *Recorder
}

func newReaper(r *Recorder, interval time.Duration) *reaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	rp := &reaper{r: r}
	rp.Service = services.NewTimerService(interval, nil, rp.iteration, nil)
	return rp
}

func (rp *reaper) iteration(ctx context.Context) error {
	rp.r.Reap(ctx)
	return nil
}

// Reap 强制关闭超过 idleCeiling 仍未结束的根：所有未关闭的后代一起关闭，
// 标记 fault 并附 Incomplete 异常后发送。返回处理的根数
func (r *Recorder) Reap(ctx context.Context) int {
	if ctx == nil {
		ctx = context.Background()
	}
	now := r.clock()
	ceiling := r.cfg.IdleCeiling.D()
	n := 0
	for _, root := range r.open.expired(now.Add(-ceiling)) {
		if !r.open.take(root.ID()) {
			continue
		}
		metrics.OpenSegments.Dec()
		metrics.AbandonedSegments.Inc()

		closed := root.ForceClose(now, entity.Exception{
			ID:      entity.NewID(),
			Type:    ExceptionIncomplete,
			Message: "segment exceeded idle ceiling of " + ceiling.String(),
		})
		if p, ok := r.mgr.(cctx.Purger); ok {
			traceID := root.TraceID()
			p.Purge(func(e *entity.Entity) bool { return e.TraceID() == traceID })
		}
		r.log.Warn(ctx, logx.TagReaper, errorx.New(errorx.ErrAbandoned,
			errorx.WithType(errorx.ErrTypeLeak),
			errorx.WithComponent(errorx.ComponentRecorder),
			errorx.WithField(logx.TraceID, root.TraceID()),
			errorx.WithField(logx.EntityID, root.ID()),
			errorx.WithField("force_closed", closed)))
		r.emit(ctx, root)
		n++
	}
	return n
}
