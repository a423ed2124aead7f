package entity

import (
	"errors"
	"fmt"
	"os"
	"runtime"
)

// Cause 对应文档里的 cause 字段
type Cause struct {
	WorkingDirectory string      `json:"working_directory,omitempty"`
	Exceptions       []Exception `json:"exceptions,omitempty"`
}

type Exception struct {
	ID        string       `json:"id"`
	Type      string       `json:"type,omitempty"`
	Message   string       `json:"message,omitempty"`
	Remote    bool         `json:"remote,omitempty"`
	Truncated int          `json:"truncated,omitempty"`
	Stack     []StackFrame `json:"stack,omitempty"`
}

type StackFrame struct {
	Path  string `json:"path,omitempty"`
	Line  int    `json:"line,omitempty"`
	Label string `json:"label,omitempty"`
}

// NewException 把 err 转成一条 Exception。
// skip 为调用栈跳过层数（0 表示 NewException 的调用方），maxFrames<=0 表示不采集栈
func NewException(err error, skip, maxFrames int) Exception {
	ex := Exception{ID: NewID()}
	if err == nil {
		return ex
	}
	ex.Message = err.Error()
	ex.Type = errorType(err)

	if maxFrames <= 0 {
		return ex
	}
	// 多取一段，用来估算被截掉的帧数
	pcs := make([]uintptr, maxFrames+32)
	n := runtime.Callers(skip+2, pcs)
	if n > maxFrames {
		ex.Truncated = n - maxFrames
		n = maxFrames
	}
	if n == 0 {
		return ex
	}
	frames := runtime.CallersFrames(pcs[:n])
	for len(ex.Stack) < maxFrames {
		f, more := frames.Next()
		ex.Stack = append(ex.Stack, StackFrame{Path: f.File, Line: f.Line, Label: f.Function})
		if !more {
			break
		}
	}
	return ex
}

// errorType 取最内层错误的类型名，fmt.Errorf 包装的错误不关心
func errorType(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return fmt.Sprintf("%T", err)
		}
		err = next
	}
}

// cwd 进程启动时取一次，写 cause 时不再调用 os.Getwd
var cwd = workingDir()

func workingDir() string {
	wd, _ := os.Getwd()
	return wd
}
