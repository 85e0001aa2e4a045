package builtin

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	"taskpool/internal/message"
)

func init() {
	Builtins["setTimeout"] = func(worker Worker) interface{} {
		runtime, loop := worker.Runtime(), worker.EventLoop()
		return func(call goja.FunctionCall) goja.Value { // 此处必须返回单个 goja.Value 类型，否则将会出现异常：TypeError: 'caller', 'callee', and 'arguments' properties may not be accessed on strict mode functions or the arguments objects for calls to them at ...
			value, err := loop.NewTimeoutOrInterval(call, false, worker.Fail)
			if err != nil {
				panic(runtime.NewTypeError(err.Error()))
			}
			return runtime.ToValue(value)
		}
	}
	Builtins["clearTimeout"] = func(worker Worker) interface{} {
		return func(t *Timeout) {
			if t != nil && t.trigger.Cancel() {
				t.timer.Stop()
			}
		}
	}
	Builtins["setInterval"] = func(worker Worker) interface{} {
		runtime, loop := worker.Runtime(), worker.EventLoop()
		return func(call goja.FunctionCall) goja.Value {
			value, err := loop.NewTimeoutOrInterval(call, true, worker.Fail)
			if err != nil {
				panic(runtime.NewTypeError(err.Error()))
			}
			return runtime.ToValue(value)
		}
	}
	Builtins["clearInterval"] = func(worker Worker) interface{} {
		return func(i *Interval) {
			if i != nil && i.trigger.Cancel() {
				close(i.stop)
			}
		}
	}
}

//#region 事件循环

type EventLoop struct {
	tasks      *message.Mailbox[func()] // 宏任务队列，如 setTimeout、setInterval 的回调
	microtasks *message.Mailbox[func()] // 微任务队列，如异步操作完成后的 resolve 和 reject
	count      atomic.Int32             // 未完成的异步操作计数
	epoch      atomic.Int64             // 每次 Reset 递增，旧触发器投递的任务将被丢弃
	interrupt  chan struct{}            // 中断信号，用于中断事件循环

	mu     sync.Mutex
	timers map[*EventTaskTrigger]func() // 未到期的定时器及其停止方法
}

func NewEventLoop() *EventLoop {
	return &EventLoop{
		tasks:      message.NewMailbox[func()](),
		microtasks: message.NewMailbox[func()](),
		interrupt:  make(chan struct{}, 1),
		timers:     make(map[*EventTaskTrigger]func()),
	}
}

// Run 在当前协程上串行执行通道消息和异步任务，直到通道关闭或事件循环被中断
func (l *EventLoop) Run(port *message.Port, handle func(m message.Message)) {
	for {
		l.runMicrotasks()
		select {
		case <-l.interrupt:
			return
		case <-l.microtasks.Ready():
		case <-l.tasks.Ready():
			for _, task := range l.tasks.Drain() {
				task()
				l.runMicrotasks() // 每个宏任务之后清空微任务队列
			}
		case <-port.Ready():
			for _, m := range port.Drain() {
				handle(m)
				l.runMicrotasks()
			}
		case <-port.Done():
			for _, m := range port.Drain() { // 通道关闭前已送达的消息仍需处理
				handle(m)
			}
			return
		}
	}
}

func (l *EventLoop) runMicrotasks() {
	for {
		microtasks := l.microtasks.Drain()
		if len(microtasks) == 0 {
			return
		}
		for _, microtask := range microtasks {
			microtask()
		}
	}
}

// Post 向宏任务队列投递一个任务，可在任意协程上调用
func (l *EventLoop) Post(fn func()) {
	l.tasks.Put(fn)
}

func (l *EventLoop) Pending() int {
	return int(l.count.Load())
}

func (l *EventLoop) Interrupt() {
	l.stopTimers()
	select {
	case l.interrupt <- struct{}{}:
	default: // 防止重复发送中断信号
	}
}

// Reset 丢弃上一个任务遗留的定时器和异步回调
func (l *EventLoop) Reset() {
	l.epoch.Add(1)
	l.count.Store(0)
	l.stopTimers()
	l.tasks.Drain()
	l.microtasks.Drain()
}

// Timers 返回尚未到期或未被清除的定时器数量
func (l *EventLoop) Timers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}

func (l *EventLoop) track(t *EventTaskTrigger, stop func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.timers[t] = stop
}

func (l *EventLoop) untrack(t *EventTaskTrigger) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.timers, t)
}

func (l *EventLoop) stopTimers() {
	l.mu.Lock()
	timers := l.timers
	l.timers = make(map[*EventTaskTrigger]func())
	l.mu.Unlock()

	for t, stop := range timers {
		if t.cancelled.CompareAndSwap(false, true) { // 已被 clearInterval 取消的不再重复停止
			stop()
		}
	}
}

//#endregion

//#region 触发器、定时器

type EventTaskTrigger struct {
	cancelled atomic.Bool
	epoch     int64
	loop      *EventLoop
}

func (t *EventTaskTrigger) AddTask(fn func()) {
	t.loop.tasks.Put(t.guard(fn))
}

func (t *EventTaskTrigger) AddMicroTask(fn func()) {
	t.loop.microtasks.Put(t.guard(fn))
}

func (t *EventTaskTrigger) guard(fn func()) func() {
	return func() {
		if t.epoch == t.loop.epoch.Load() {
			fn()
		}
	}
}

func (t *EventTaskTrigger) IsCancelled() bool {
	return t.cancelled.Load()
}

func (t *EventTaskTrigger) Cancel() bool {
	if !t.cancelled.CompareAndSwap(false, true) {
		return false
	}
	t.loop.untrack(t)
	if t.epoch == t.loop.epoch.Load() {
		t.loop.count.Add(-1)
	}
	return true
}

func (l *EventLoop) NewEventTaskTrigger() *EventTaskTrigger {
	l.count.Add(1)
	return &EventTaskTrigger{
		epoch: l.epoch.Load(),
		loop:  l,
	}
}

type Timeout struct {
	trigger *EventTaskTrigger
	timer   *time.Timer
}

type Interval struct {
	trigger *EventTaskTrigger
	ticker  *time.Ticker
	stop    chan struct{}
}

// NewTimeoutOrInterval 创建定时器，回调中抛出的异常交给 onError 处理
func (l *EventLoop) NewTimeoutOrInterval(call goja.FunctionCall, isInterval bool, onError func(error)) (interface{}, error) {
	// 定时器到期后将要执行的方法
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		return nil, errors.New("invalid argument callback, not a function")
	}

	// 定时器在执行指定的方法前等待的时间，单位毫秒，默认为 0
	delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond

	// 定时器到期后执行的方法的附加参数
	var params []goja.Value
	if len(call.Arguments) > 2 {
		params = append(params, call.Arguments[2:]...)
	}

	trigger := l.NewEventTaskTrigger()

	if isInterval {
		if delay <= 0 {
			delay = time.Millisecond
		}

		// 创建 Interval 定时器
		i := &Interval{trigger, time.NewTicker(delay), make(chan struct{}, 1)}
		l.track(trigger, func() { close(i.stop) })
		// 开启定时器
		go func() {
			defer i.ticker.Stop() // ticker 的 Stop() 方法不会关闭通道 ticker.C，因此这里需要一个自定义通道 stop 以退出循环
			for {
				select {
				case <-i.stop:
					return
				case <-i.ticker.C:
					if trigger.IsCancelled() {
						return
					}
					// 定时将回调函数加入宏任务队列中
					trigger.AddTask(func() {
						if !trigger.IsCancelled() {
							if _, err := fn(nil, params...); err != nil {
								onError(err)
							}
						}
					})
				}
			}
		}()
		return i, nil
	}

	// 创建 Timeout 定时器
	t := &Timeout{
		trigger,
		time.AfterFunc(delay, func() {
			trigger.AddTask(func() {
				if trigger.Cancel() {
					if _, err := fn(nil, params...); err != nil {
						onError(err)
					}
				}
			})
		}),
	}
	l.track(trigger, func() { t.timer.Stop() })
	return t, nil
}

//#endregion
