package internal

import (
	"errors"
	"fmt"
)

var (
	ErrTerminated        = errors.New("worker terminated")
	ErrTransportLoss     = errors.New("worker disappeared unexpectedly")
	ErrProtocolViolation = errors.New("worker protocol violation")
	ErrBootstrap         = errors.New("worker bootstrap failed")
	ErrClosed            = errors.New("pool closed")
	ErrTaskExited        = errors.New("task has exited")
	ErrUnknownMethod     = errors.New("unknown method")
)

// TaskError 是任务代码或远程方法中未捕获的异常
type TaskError struct {
	Name    string
	Message string
	Stack   string
}

func (e *TaskError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

func newTaskError(value any) *TaskError {
	switch v := value.(type) {
	case string:
		return &TaskError{Message: v}
	case map[string]any: // 抛出的 Error 对象
		if m, ok := v["message"].(string); ok {
			e := &TaskError{Message: m}
			e.Name, _ = v["name"].(string)
			e.Stack, _ = v["stack"].(string)
			return e
		}
	}
	return &TaskError{Message: fmt.Sprint(value)}
}
