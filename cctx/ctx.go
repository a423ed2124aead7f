package cctx

import (
	"context"
)

// ----------------- bag：随 ctx 传递的身份 / 区域信息 -----------------

type bagKeyType struct{}

var bagKey bagKeyType

// bag 是不可变语义的键值容器：每次写入时都会复制一份
type bag map[string]any

// 提取 bag（可能为 nil）
func bagFrom(ctx context.Context) bag {
	if ctx == nil {
		return nil
	}
	if b, ok := ctx.Value(bagKey).(bag); ok && b != nil {
		return b
	}
	return nil
}

// 深拷贝：仅针对 map[string]any 与 []any 做递归 copy，其它类型按值赋
func deepCopy(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return deepCopyMap(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = deepCopy(x[i])
		}
		return out
	default:
		return v
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopy(v)
	}
	return out
}

// New 用给定数据（深拷贝）创建一个携带 bag 的 ctx；不会改变 parent。
func New(parent context.Context, data map[string]any) context.Context {
	return context.WithValue(parent, bagKey, bag(deepCopyMap(data)))
}

// With 在现有 ctx 上写入一条 k/v，返回新 ctx（不可变）
func With(ctx context.Context, key string, val any) context.Context {
	return WithMany(ctx, map[string]any{key: val})
}

// WithMany 一次写入多条键值（不可变）
func WithMany(ctx context.Context, kv map[string]any) context.Context {
	old := bagFrom(ctx)
	newMap := make(map[string]any, len(old)+len(kv))
	for k, v := range old {
		newMap[k] = v
	}
	for k, v := range kv {
		newMap[k] = deepCopy(v)
	}
	return context.WithValue(ctx, bagKey, bag(newMap))
}

// Get 读取一个键
func Get(ctx context.Context, key string) (any, bool) {
	if b := bagFrom(ctx); b != nil {
		v, ok := b[key]
		return v, ok
	}
	return nil, false
}

// GetAs 读取并断言为 T
func GetAs[T any](ctx context.Context, key string) (T, bool) {
	var zero T
	v, ok := Get(ctx, key)
	if !ok {
		return zero, false
	}
	tv, ok := v.(T)
	if !ok {
		return zero, false
	}
	return tv, true
}

// All 返回 bag 的深拷贝
func All(ctx context.Context) map[string]any {
	if b := bagFrom(ctx); b != nil {
		return deepCopyMap(b)
	}
	return map[string]any{}
}

// Detach 为异步任务复制一个独立的 ctx：
// - 复制 bag（深拷贝）
// - 不继承 parent 的 deadline / cancel，请求结束后异步任务仍可继续
// values 里除 bag 以外的内容（包括 context 策略下的活动 entity）都不会带过去，
// 需要 trace 的话配合 Manager.Capture / Restore 使用
func Detach(parent context.Context) context.Context {
	ctx := context.Background()
	if b := bagFrom(parent); b != nil {
		ctx = context.WithValue(ctx, bagKey, bag(deepCopyMap(b)))
	}
	return ctx
}
