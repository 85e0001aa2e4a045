package builtin

import "github.com/dop251/goja"

// Builtins 中的每一项都会在 worker 创建时以同名全局变量注入运行时
var Builtins = make(map[string]func(worker Worker) interface{})

type Worker interface {
	Id() int
	Runtime() *goja.Runtime
	EventLoop() *EventLoop
	Fail(err error) // 异步回调中未捕获的异常
}
