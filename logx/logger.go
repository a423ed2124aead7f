package logx

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Logger 对外暴露给 agent 各组件使用的接口
type Logger interface {
	Debug(ctx context.Context, tag string, msg any, kv ...any)
	Info(ctx context.Context, tag string, msg any, kv ...any)
	Warn(ctx context.Context, tag string, msg any, kv ...any)
	Error(ctx context.Context, tag string, msg any, kv ...any)
}

type loggerImpl struct {
	slog *slog.Logger
	h    *handler
}

func (l *loggerImpl) Debug(ctx context.Context, tag string, msg any, kv ...any) {
	l.log(ctx, slog.LevelDebug, tag, msg, kv...)
}

func (l *loggerImpl) Info(ctx context.Context, tag string, msg any, kv ...any) {
	l.log(ctx, slog.LevelInfo, tag, msg, kv...)
}

func (l *loggerImpl) Warn(ctx context.Context, tag string, msg any, kv ...any) {
	l.log(ctx, slog.LevelWarn, tag, msg, kv...)
}

func (l *loggerImpl) Error(ctx context.Context, tag string, msg any, kv ...any) {
	l.log(ctx, slog.LevelError, tag, msg, kv...)
}

func (l *loggerImpl) log(ctx context.Context, level slog.Level, tag string, msg any, kv ...any) {
	if l == nil || l.slog == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if !l.slog.Enabled(ctx, level) {
		return
	}

	attrs := encodeLog(ctx, tag, msg, kv...)
	rec := slog.NewRecord(time.Now(), level, "", 0)
	rec.AddAttrs(attrs...)

	// 直接用 handler 处理（自定义 handler 支持异步、切分等）
	_ = l.slog.Handler().Handle(ctx, rec)
}

// Close 等待队列写完并关闭文件
func (l *loggerImpl) Close() {
	if l != nil && l.h != nil {
		l.h.close()
	}
}

// -------------------- nop / 限流 --------------------

type nopLogger struct{}

func (nopLogger) Debug(context.Context, string, any, ...any) {}
func (nopLogger) Info(context.Context, string, any, ...any)  {}
func (nopLogger) Warn(context.Context, string, any, ...any)  {}
func (nopLogger) Error(context.Context, string, any, ...any) {}

// Nop 丢弃所有日志
func Nop() Logger { return nopLogger{} }

type limited struct {
	Logger
	lim *rate.Limiter
}

// NewLimited 限制 Warn / Error 的输出速率，超出部分直接丢弃。
// agent 在业务热路径上，用法错误或发送失败可能每个请求都触发一次
func NewLimited(l Logger, every time.Duration, burst int) Logger {
	if l == nil {
		return Nop()
	}
	return &limited{Logger: l, lim: rate.NewLimiter(rate.Every(every), burst)}
}

func (l *limited) Warn(ctx context.Context, tag string, msg any, kv ...any) {
	if l.lim.Allow() {
		l.Logger.Warn(ctx, tag, msg, kv...)
	}
}

func (l *limited) Error(ctx context.Context, tag string, msg any, kv ...any) {
	if l.lim.Allow() {
		l.Logger.Error(ctx, tag, msg, kv...)
	}
}

// -------------------- 全局默认 logger --------------------

var defaultLogger Logger

// Init 根据 Config 初始化全局 logger（在 main 里调用一次）
func Init(cfg Config) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}
	defaultLogger = l
	return nil
}

// New 创建一个独立的 Logger 实例
func New(cfg Config) (Logger, error) {
	h, err := newHandler(cfg)
	if err != nil {
		return nil, err
	}
	hh := h.(*handler)
	return &loggerImpl{slog: slog.New(hh), h: hh}, nil
}

// L 返回全局 logger，未 Init 时为 nil
func L() Logger {
	return defaultLogger
}

// OrNop 未 Init 时返回 Nop，组件拿它做默认值
func OrNop() Logger {
	if l := L(); l != nil {
		return l
	}
	return Nop()
}

// Shutdown 刷新并关闭全局 logger
func Shutdown() {
	if l, ok := defaultLogger.(*loggerImpl); ok {
		l.Close()
	}
}

// 方便直接调用的快捷函数

func Debug(ctx context.Context, tag string, msg any, kv ...any) {
	if L() != nil {
		L().Debug(ctx, tag, msg, kv...)
	}
}

func Info(ctx context.Context, tag string, msg any, kv ...any) {
	if L() != nil {
		L().Info(ctx, tag, msg, kv...)
	}
}

func Warn(ctx context.Context, tag string, msg any, kv ...any) {
	if L() != nil {
		L().Warn(ctx, tag, msg, kv...)
	}
}

func Error(ctx context.Context, tag string, msg any, kv ...any) {
	if L() != nil {
		L().Error(ctx, tag, msg, kv...)
	}
}
