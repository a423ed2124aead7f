package errorx

import "errors"

// From 提取 *Error
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is 按错误码判断
func Is(err error, code CodeEntry) bool {
	e, ok := From(err)
	return ok && e.Code.Code == code.Code
}

// -------------------- 类型判断 --------------------

func IsMisuse(err error) bool {
	e, ok := From(err)
	return ok && e.Type.Code == ErrTypeMisuse.Code
}

func IsTransport(err error) bool {
	e, ok := From(err)
	return ok && e.Type.Code == ErrTypeTransport.Code
}

func IsEncoding(err error) bool {
	e, ok := From(err)
	return ok && e.Type.Code == ErrTypeEncoding.Code
}

// -------------------- 组件判断 --------------------

func ComponentOf(err error) CodeEntry {
	e, ok := From(err)
	if !ok {
		return ComponentDefault
	}
	return e.Component
}
