package logx

import (
	"context"
	"io"
	"log"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/atomic"
)

// handler 异步 slog.Handler：Handle 只入队，单个 writer goroutine 负责编码和落盘。
// 队列满时丢弃，丢弃数在下一次成功写入时补一行 warn
type handler struct {
	cfg Config

	mu      sync.Mutex
	closed  bool
	out     *rotator
	console io.Writer

	entries chan slog.Record
	done    chan struct{}
	dropped atomic.Int64
}

func newHandler(cfg Config) (slog.Handler, error) {
	if cfg.AppName == "" {
		cfg.AppName = "app"
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.LogDir == "" {
		cfg.ConsoleEnabled = true
	}

	h := &handler{
		cfg:     cfg,
		entries: make(chan slog.Record, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	if cfg.ConsoleEnabled {
		h.console = os.Stderr
	}
	if cfg.LogDir != "" {
		h.out = newRotator(cfg)
		if err := h.out.rotate(time.Now()); err != nil {
			return nil, err
		}
	}

	go h.writeLoop()
	return h, nil
}

func (h *handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.cfg.Level
}

// Handle 不阻塞调用方
func (h *handler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	select {
	case h.entries <- r.Clone():
	default:
		h.dropped.Inc()
	}
	return nil
}

// WithAttrs / WithGroup 不生效，所有字段都由 encodeLog 给出
func (h *handler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h *handler) WithGroup(string) slog.Handler { return h }

func (h *handler) writeLoop() {
	defer close(h.done)
	for rec := range h.entries {
		if n := h.dropped.Swap(0); n > 0 {
			h.write(dropNotice(n))
		}
		h.write(rec)
	}
}

func dropNotice(n int64) slog.Record {
	r := slog.NewRecord(time.Now(), slog.LevelWarn, "", 0)
	r.AddAttrs(slog.String("tag", TagUndef), slog.String(Msg, "log queue full"), slog.Int64("dropped", n))
	return r
}

// close 停止入队，等队列写完后关文件
func (h *handler) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.entries)
	h.mu.Unlock()

	<-h.done
	if h.out != nil {
		h.out.close()
	}
}

func (h *handler) write(r slog.Record) {
	data := make(map[string]any, 16)
	data["ts"] = r.Time.Format(time.RFC3339Nano)
	data["level"] = r.Level.String()
	r.Attrs(func(a slog.Attr) bool {
		data[a.Key] = a.Value.Resolve().Any()
		return true
	})
	b, err := sonic.ConfigStd.Marshal(data)
	if err != nil {
		log.Println("logx: encode failed:", err)
		return
	}
	line := append(b, '\n')

	if h.out != nil {
		if err := h.out.write(time.Now(), line); err != nil {
			log.Println("logx: write failed:", err)
		}
	}
	if h.console != nil {
		if h.cfg.ConsoleColored {
			_, _ = io.WriteString(h.console, levelPrefix(r.Level))
		}
		_, _ = h.console.Write(line)
	}
}

func levelPrefix(l slog.Level) string {
	switch l {
	case slog.LevelDebug:
		return "\033[36m[DEBUG]\033[0m "
	case slog.LevelInfo:
		return "\033[32m[INFO ]\033[0m "
	case slog.LevelWarn:
		return "\033[33m[WARN ]\033[0m "
	case slog.LevelError:
		return "\033[31m[ERROR]\033[0m "
	default:
		return "[" + l.String() + "] "
	}
}
