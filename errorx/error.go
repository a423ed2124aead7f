package errorx

import (
	"errors"
	"fmt"
)

// Error 是统一错误类型：带 code、type、component、message、cause、扩展字段。
type Error struct {
	Code      CodeEntry      `json:"code"`      // 具体错误码
	Type      CodeEntry      `json:"type"`      // 失败分类：misuse / sampling / encoding ...
	Component CodeEntry      `json:"component"` // 出错组件
	Message   string         `json:"message"`   // 用于覆盖 CodeEntry.Message
	Cause     error          `json:"-"`
	Fields    map[string]any `json:"fields,omitempty"`
}

var _ error = (*Error)(nil)

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = e.Code.Message
	}
	if e.Cause != nil {
		return fmt.Sprintf("code=%d msg=%s cause=%v", e.Code.Code, msg, e.Cause)
	}
	return fmt.Sprintf("code=%d msg=%s", e.Code.Code, msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// -------------------- Option --------------------

type Option func(*Error)

func WithMessage(msg string) Option {
	return func(e *Error) { e.Message = msg }
}

func WithCause(err error) Option {
	return func(e *Error) { e.Cause = err }
}

func WithType(t CodeEntry) Option {
	return func(e *Error) { e.Type = t }
}

func WithComponent(c CodeEntry) Option {
	return func(e *Error) { e.Component = c }
}

func WithField(k string, v any) Option {
	return func(e *Error) {
		if e.Fields == nil {
			e.Fields = make(map[string]any)
		}
		e.Fields[k] = v
	}
}

func WithFields(kv map[string]any) Option {
	return func(e *Error) {
		if len(kv) == 0 {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]any, len(kv))
		}
		for k, v := range kv {
			e.Fields[k] = v
		}
	}
}

// -------------------- 构造函数 --------------------

func New(code CodeEntry, opts ...Option) *Error {
	e := &Error{
		Code:      code,
		Type:      ErrTypeDefault,
		Component: ComponentDefault,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func Newf(code CodeEntry, f string, args ...any) *Error {
	return New(code, WithMessage(fmt.Sprintf(f, args...)))
}

// NewMisuse 调用方用法错误：记日志后 no-op，不向业务返回
func NewMisuse(code CodeEntry, opts ...Option) *Error {
	opts = append([]Option{WithType(ErrTypeMisuse)}, opts...)
	return New(code, opts...)
}

// NewTransport 发送失败：计数后吞掉
func NewTransport(code CodeEntry, opts ...Option) *Error {
	opts = append([]Option{WithType(ErrTypeTransport), WithComponent(ComponentDaemon)}, opts...)
	return New(code, opts...)
}

// NewEncoding 编码失败：丢弃单个文档
func NewEncoding(code CodeEntry, opts ...Option) *Error {
	opts = append([]Option{WithType(ErrTypeEncoding), WithComponent(ComponentEmitter)}, opts...)
	return New(code, opts...)
}

// -------------------- Wrap --------------------

func Wrap(err error, code CodeEntry, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		// 已经是 Error：只补充 Option
		for _, opt := range opts {
			opt(e)
		}
		return e
	}

	opts = append([]Option{WithCause(err)}, opts...)
	return New(code, opts...)
}
