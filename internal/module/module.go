package module

import (
	"github.com/dop251/goja"

	"taskpool/internal/builtin"
)

// Factories 中的模块在任务代码中通过 $native(name) 获取，每个 worker 各自创建实例
var Factories = make(map[string]func(worker Worker) interface{})

func register(name string, factory func(worker Worker) interface{}) {
	Factories[name] = factory
}

type Worker interface {
	AddDefer(d func())
	Runtime() *goja.Runtime
	EventLoop() *builtin.EventLoop
	Interrupt(reason string)
}
