package sampling

import (
	"context"
	"time"

	"github.com/grafana/dskit/services"
)

// Refresher 按固定间隔刷新规则，跑在独立的 dskit timer service 上，不占请求热路径
type Refresher struct {
	services.Service

	engine *Engine
}

func NewRefresher(engine *Engine, interval time.Duration) *Refresher {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	r := &Refresher{engine: engine}
	r.Service = services.NewTimerService(interval, r.starting, r.iteration, nil)
	return r
}

// 启动时先拉一次；失败就用默认规则起步，不阻止服务启动
func (r *Refresher) starting(ctx context.Context) error {
	_ = r.engine.Refresh(ctx)
	return nil
}

// 返回 error 会让 service 进入 Failed，所以这里只记录不返回
func (r *Refresher) iteration(ctx context.Context) error {
	_ = r.engine.Refresh(ctx)
	return nil
}
