package internal

import (
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
	lru "github.com/hashicorp/golang-lru/v2"

	"taskpool/internal/builtin"
	"taskpool/internal/message"
	m "taskpool/internal/module"
	"taskpool/internal/shared"
)

type WorkerOptions struct {
	ProgramCacheSize    int // 每个 worker 缓存的已编译任务数
	MaxCallStackSize    int
	HardwareConcurrency int
}

// workerTask 是 worker 内当前任务的状态
type workerTask struct {
	replied       bool // 已发送 result 或 error
	exitRequested bool // 在首次回复前调用了 exit()
	exiting       bool
	calls         int // 尚未回复的方法调用数
}

// Worker 运行在独立的协程中，串行处理通道消息，持有独立的 goja 运行时
type Worker struct {
	id        int
	runtime   *goja.Runtime
	loop      *builtin.EventLoop
	port      *message.Port
	programs  *lru.Cache[string, *goja.Program]
	methods   map[string]goja.Callable
	exports   []string // 当前任务通过 exports 导出的方法名
	instances int64    // 代理对象实例编号
	task      *workerTask
	defers    []func()
}

func NewWorker(id int, port *message.Port, options WorkerOptions) *Worker {
	if options.ProgramCacheSize <= 0 {
		options.ProgramCacheSize = 64
	}
	if options.MaxCallStackSize <= 0 {
		options.MaxCallStackSize = 2048
	}
	programs, _ := lru.New[string, *goja.Program](options.ProgramCacheSize)

	worker := &Worker{
		id:       id,
		runtime:  goja.New(),
		loop:     builtin.NewEventLoop(),
		port:     port,
		programs: programs,
		methods:  make(map[string]goja.Callable),
	}

	runtime := worker.runtime
	runtime.SetFieldNameMapper(goja.UncapFieldNameMapper()) // 该转换器会将 go 对象中的属性、方法以小驼峰式命名规则映射到 js 对象中
	runtime.SetMaxCallStackSize(options.MaxCallStackSize)

	for name, factory := range builtin.Builtins {
		runtime.Set(name, factory(worker))
	}

	runtime.Set("$native", func(name string) (interface{}, error) {
		factory, ok := m.Factories[name]
		if ok {
			return factory(worker), nil
		}
		return nil, errors.New("module is not found: " + name)
	})
	runtime.Set("sleep", func(ms int64) {
		shared.Sleep(time.Duration(ms) * time.Millisecond)
	})
	runtime.Set("exit", worker.exit)
	runtime.Set("transfer", worker.transfer)
	runtime.Set("atomicInt32", func(initial int32) *goja.Object {
		return worker.atomicObject(shared.NewAtomicInt32(initial))
	})
	runtime.Set("createProxy", func() *proxyBuilder {
		worker.instances++
		return &proxyBuilder{worker: worker, instance: worker.instances}
	})
	runtime.Set("hardwareConcurrency", options.HardwareConcurrency)

	return worker
}

func (w *Worker) Id() int {
	return w.id
}

func (w *Worker) Runtime() *goja.Runtime {
	return w.runtime
}

func (w *Worker) EventLoop() *builtin.EventLoop {
	return w.loop
}

func (w *Worker) AddDefer(d func()) {
	w.defers = append(w.defers, d)
}

func (w *Worker) CleanDefers() {
	for _, d := range w.defers {
		d()
	}
	w.defers = nil
}

// Interrupt 可在任意协程上调用，用于强制终止 worker
func (w *Worker) Interrupt(reason string) {
	w.loop.Interrupt()
	w.runtime.Interrupt(reason)
}

// Serve 处理消息直到通道关闭或被中断，退出时关闭通道，控制端据此感知 worker 已消失
func (w *Worker) Serve() {
	defer func() {
		if r := recover(); r != nil {
			LogWithError(fmt.Errorf("worker panic: %v", r), w.id)
		}
		w.CleanDefers()
		w.port.Close()
	}()

	w.loop.Run(w.port, w.handle)
}

func (w *Worker) handle(msg message.Message) {
	e, err := message.Decode(msg)
	if err != nil {
		LogWithError(err, w.id)
		return
	}

	switch e.Type {
	case message.Import:
		w.handleImport(e)
	case message.Task:
		w.handleTask(e)
	case message.Call:
		w.handleCall(e)
	default:
		LogWithError(fmt.Errorf("unexpected message %s", e.Type), w.id)
	}
}

func (w *Worker) post(e *message.Envelope) {
	if err := w.port.Post(e, w.replace); err != nil && !errors.Is(err, message.ErrClosed) {
		LogWithError(err, w.id)
	}
}

//#region 引导

func (w *Worker) handleImport(e *message.Envelope) {
	if _, err := w.runtime.RunScript("bootstrap", e.Code); err != nil {
		w.post(&message.Envelope{Type: message.Error, Value: exceptionValue(err)})
		return
	}
	w.post(&message.Envelope{Type: message.Ready})
}

//#endregion

//#region 任务

func compileTask(code string) (*goja.Program, error) {
	return goja.Compile("task", "(function(exports, module) {"+code+"\n})", false)
}

// CheckSource 只编译不执行，用于在保存 source 之前发现语法错误
func CheckSource(code string) error {
	if _, err := compileTask(code); err != nil {
		return &TaskError{Name: "SyntaxError", Message: err.Error()}
	}
	return nil
}

func (w *Worker) compile(code string) (*goja.Program, error) {
	if program, ok := w.programs.Get(code); ok { // 相同的源码在同一个 worker 中只编译一次
		return program, nil
	}
	program, err := compileTask(code)
	if err != nil {
		return nil, err
	}
	w.programs.Add(code, program)
	return program, nil
}

func (w *Worker) handleTask(e *message.Envelope) {
	w.clearMethods()
	w.loop.Reset()
	w.task = &workerTask{}

	program, err := w.compile(e.Code)
	if err != nil {
		w.fail(err)
		return
	}

	runtime := w.runtime
	exports := runtime.NewObject()
	module := runtime.NewObject()
	module.Set("exports", exports)

	entry, err := runtime.RunProgram(program) // 这里使用 RunProgram，可复用已编译的代码
	if err != nil {
		w.fail(err)
		return
	}
	function, ok := goja.AssertFunction(entry)
	if !ok {
		w.fail(errors.New("entry is not a function"))
		return
	}
	if _, err = function(exports, exports, module); err != nil {
		w.fail(err)
		return
	}
	if w.task == nil { // 模块顶层代码中已经失败
		return
	}

	// 除 run 以外导出的函数都注册为可远程调用的方法
	var run goja.Callable
	if o := module.Get("exports"); o != nil && !goja.IsUndefined(o) && !goja.IsNull(o) {
		obj := o.ToObject(runtime)
		for _, key := range obj.Keys() {
			fn, ok := goja.AssertFunction(obj.Get(key))
			if !ok {
				continue
			}
			if key == "run" {
				run = fn
				continue
			}
			w.methods[key] = fn
			w.exports = append(w.exports, key)
		}
	}

	if run == nil {
		w.complete(goja.Undefined())
		return
	}

	value, err := run(goja.Undefined(), w.toValues(e.Parameters)...)
	if err != nil {
		w.fail(err)
		return
	}
	w.settle(value, w.complete, w.fail)
}

// settle 等待 Promise 完成后再回调，普通值立即回调
func (w *Worker) settle(value goja.Value, onResult func(goja.Value), onError func(error)) {
	p, ok := value.Export().(*goja.Promise)
	if !ok {
		onResult(value)
		return
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		onResult(p.Result())
	case goja.PromiseStateRejected:
		onError(rejection(p.Result()))
	default:
		obj := value.ToObject(w.runtime)
		then, _ := goja.AssertFunction(obj.Get("then"))
		_, err := then(obj,
			w.runtime.ToValue(func(call goja.FunctionCall) goja.Value {
				onResult(call.Argument(0))
				return goja.Undefined()
			}),
			w.runtime.ToValue(func(call goja.FunctionCall) goja.Value {
				onError(rejection(call.Argument(0)))
				return goja.Undefined()
			}),
		)
		if err != nil {
			onError(err)
		}
	}
}

// complete 由 worker 决定任务是结束还是常驻，并随 result 一起告知控制端
func (w *Worker) complete(value goja.Value) {
	t := w.task
	if t == nil || t.replied {
		return
	}
	t.replied = true

	e := &message.Envelope{Type: message.Result, Value: w.export(value)}
	if t.exitRequested || len(w.methods) == 0 {
		e.Completion = message.Completed
	} else {
		e.Completion = message.Resident
		e.Methods = append([]string(nil), w.exports...)
	}

	if err := w.port.Post(e, w.replace); err != nil {
		if errors.Is(err, message.ErrClosed) {
			return
		}
		t.replied = false
		w.fail(err) // 返回值无法跨越协程边界传递，按失败处理
		return
	}
	if e.Completion == message.Completed {
		w.clearMethods()
		w.task = nil
	}
}

func (w *Worker) fail(err error) {
	t := w.task
	if t == nil || t.replied {
		return
	}
	w.clearMethods()
	w.task = nil
	w.post(&message.Envelope{Type: message.Error, Value: exceptionValue(err)})
}

// Fail 处理定时器等异步回调中未捕获的异常：任务尚未回复时按失败处理，否则只记录日志
func (w *Worker) Fail(err error) {
	if t := w.task; t != nil && !t.replied {
		w.fail(err)
		return
	}
	LogWithError(err, w.id)
}

func (w *Worker) clearMethods() {
	if len(w.methods) > 0 {
		w.methods = make(map[string]goja.Callable)
	}
	w.exports = nil
}

func (w *Worker) exit() {
	t := w.task
	if t == nil {
		return
	}
	if !t.replied {
		t.exitRequested = true
		return
	}
	if t.exiting {
		return
	}
	t.exiting = true
	w.loop.Post(func() { w.sendExit(t) }) // 在当前消息处理完成之后再发送 exit
}

// sendExit 在所有进行中的方法调用回复之后才发送 exit，保证方法结果先于 exit 到达
func (w *Worker) sendExit(t *workerTask) {
	if w.task != t || t.calls > 0 {
		return
	}
	w.clearMethods()
	w.task = nil
	w.post(&message.Envelope{Type: message.Exit})
}

//#endregion

//#region 方法调用

func (w *Worker) handleCall(e *message.Envelope) {
	fn, ok := w.methods[e.Name]
	if !ok {
		if e.Name == "exit" && w.task != nil {
			w.post(&message.Envelope{Type: message.MethodResult, CallID: e.CallID})
			w.exit()
			return
		}
		w.post(&message.Envelope{Type: message.MethodError, CallID: e.CallID, Value: "unknown method: " + e.Name})
		return
	}

	t := w.task
	if t != nil {
		t.calls++
	}
	replied := func() {
		if t == nil {
			return
		}
		t.calls--
		if t.exiting {
			w.sendExit(t)
		}
	}
	onResult := func(value goja.Value) {
		err := w.port.Post(&message.Envelope{Type: message.MethodResult, CallID: e.CallID, Value: w.export(value)}, w.replace)
		if err != nil && !errors.Is(err, message.ErrClosed) {
			w.post(&message.Envelope{Type: message.MethodError, CallID: e.CallID, Value: err.Error()})
		}
		replied()
	}
	onError := func(err error) {
		w.post(&message.Envelope{Type: message.MethodError, CallID: e.CallID, Value: exceptionValue(err)})
		replied()
	}

	value, err := fn(goja.Undefined(), w.toValues(e.Parameters)...)
	if err != nil {
		onError(err)
		return
	}
	w.settle(value, onResult, onError)
}

//#endregion
