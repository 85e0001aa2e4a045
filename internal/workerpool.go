package internal

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/eapache/queue"
	"github.com/shirou/gopsutil/cpu"

	"taskpool/internal/message"
)

type Options struct {
	Size             int
	Loader           Loader
	ProgramCacheSize int
	MaxCallStackSize int
}

type slotState int

const (
	slotStarting slotState = iota
	slotIdle
	slotBusy
	slotTerminated
)

// slot 对应一个 worker 协程，只在控制端的事件循环中读写
type slot struct {
	id       int
	port     *message.Port
	worker   *Worker
	state    slotState
	imported bool // 已发送引导脚本
	task     ID   // 当前占用该 worker 的任务，空闲时为 0
}

type Stats struct {
	Size      int `json:"size"`
	Live      int `json:"live"`
	Free      int `json:"free"`
	Pending   int `json:"pending"`
	Waiting   int `json:"waiting"`
	Tasks     int `json:"tasks"`
	Calls     int `json:"calls"`
	Callbacks int `json:"callbacks"`
}

// Pool 是控制端，所有状态只在 loop 协程中修改，因此不需要加锁
type Pool struct {
	options Options
	events  *message.Mailbox[func()]

	size      int
	slots     []*slot
	idle      []*slot      // 空闲且已就绪的 worker，先空闲的先被使用
	pending   *queue.Queue // 等待分配 worker 的任务 ID，被终止的任务留在队列中，出队时跳过
	waiting   int
	tasks     Arena[*task]
	calls     Arena[*pendingCall]
	callbacks Arena[*callback]
	nextSlot  int

	bootstrap []byte
	fetching  bool
	lastError error
	cpus      int
	closed    bool
}

func NewPool(options Options) *Pool {
	if options.Loader == nil {
		options.Loader = NewSourceLoader(nil, false)
	}
	p := &Pool{
		options: options,
		events:  message.NewMailbox[func()](),
		pending: queue.New(),
		cpus:    hardwareConcurrency(),
	}
	go p.loop()
	p.SetSize(options.Size)
	return p
}

func hardwareConcurrency() int {
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}

func (p *Pool) loop() {
	for {
		select {
		case <-p.events.Ready():
			for _, fn := range p.events.Drain() {
				fn()
			}
		case <-p.events.Done():
			for _, fn := range p.events.Drain() {
				fn()
			}
			return
		}
	}
}

// post 把 fn 投递到控制端的事件循环，池关闭后返回 false
func (p *Pool) post(fn func()) bool {
	return p.events.Put(fn)
}

// sync 在事件循环中执行 fn 并等待其完成
func (p *Pool) sync(fn func()) bool {
	done := make(chan struct{})
	if !p.post(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	<-done
	return true
}

//#region 属性

func (p *Pool) Free() (n int) {
	p.sync(func() { n = len(p.idle) })
	return
}

func (p *Pool) Pending() (n int) {
	p.sync(func() {
		for _, s := range p.slots {
			if s.state == slotBusy {
				n++
			}
		}
	})
	return
}

func (p *Pool) Waiting() (n int) {
	p.sync(func() { n = p.waiting })
	return
}

func (p *Pool) Size() (n int) {
	p.sync(func() { n = p.size })
	return
}

func (p *Pool) Live() (n int) {
	p.sync(func() { n = len(p.slots) })
	return
}

func (p *Pool) HardwareConcurrency() int {
	return p.cpus
}

func (p *Pool) LastError() (err error) {
	p.sync(func() { err = p.lastError })
	return
}

func (p *Pool) Stats() (s Stats) {
	p.sync(func() {
		s.Size, s.Live, s.Free, s.Waiting = p.size, len(p.slots), len(p.idle), p.waiting
		for _, sl := range p.slots {
			if sl.state == slotBusy {
				s.Pending++
			}
		}
		s.Tasks, s.Calls, s.Callbacks = p.tasks.Len(), p.calls.Len(), p.callbacks.Len()
	})
	return
}

//#endregion

//#region 扩缩容

// SetSize 调整 worker 数量；缩容时优先终止空闲的 worker，其次是仍在启动的，最后才是正在执行任务的
func (p *Pool) SetSize(n int) {
	if n < 0 {
		n = 0
	}
	p.post(func() {
		if p.closed {
			return
		}
		p.size = n
		p.shrink()
		p.fill()
	})
}

func (p *Pool) shrink() {
	for len(p.slots) > p.size {
		victim := p.victim()
		p.terminate(victim, ErrTerminated)
	}
}

func (p *Pool) victim() *slot {
	if len(p.idle) > 0 {
		return p.idle[len(p.idle)-1]
	}
	for _, s := range p.slots {
		if s.state == slotStarting {
			return s
		}
	}
	return p.slots[len(p.slots)-1]
}

func (p *Pool) fill() {
	for len(p.slots) < p.size {
		p.spawn()
	}
}

func (p *Pool) spawn() {
	port, workerPort := message.NewChannel()
	s := &slot{id: p.nextSlot, port: port, state: slotStarting}
	p.nextSlot++
	s.worker = NewWorker(s.id, workerPort, WorkerOptions{
		ProgramCacheSize:    p.options.ProgramCacheSize,
		MaxCallStackSize:    p.options.MaxCallStackSize,
		HardwareConcurrency: p.cpus,
	})
	p.slots = append(p.slots, s)

	go s.worker.Serve()
	go p.pump(s)

	p.importBootstrap()
}

// pump 把 worker 发来的消息转交给事件循环，通道关闭时通知控制端
func (p *Pool) pump(s *slot) {
	for {
		select {
		case <-s.port.Ready():
			for _, m := range s.port.Drain() {
				m := m
				p.post(func() { p.handleMessage(s, m) })
			}
		case <-s.port.Done():
			for _, m := range s.port.Drain() {
				m := m
				p.post(func() { p.handleMessage(s, m) })
			}
			p.post(func() { p.lost(s) })
			return
		}
	}
}

// importBootstrap 向尚未引导的 worker 发送引导脚本，脚本只获取一次
func (p *Pool) importBootstrap() {
	if p.bootstrap == nil {
		if p.fetching {
			return
		}
		p.fetching = true
		go func() {
			code, err := p.options.Loader.FetchBootstrapSource(context.Background())
			p.post(func() {
				p.fetching = false
				if err != nil {
					p.bootstrapFailed(nil, err)
					return
				}
				p.bootstrap = code
				p.importBootstrap()
			})
		}()
		return
	}

	for _, s := range p.slots {
		if s.state != slotStarting || s.imported {
			continue
		}
		s.imported = true
		if err := s.port.Post(&message.Envelope{Type: message.Import, Code: string(p.bootstrap)}, nil); err != nil {
			p.bootstrapFailed(s, err)
		}
	}
}

// bootstrapFailed 丢弃引导失败的 worker，s 为 nil 时表示引导脚本获取失败，丢弃所有正在启动的 worker
func (p *Pool) bootstrapFailed(s *slot, err error) {
	err = fmt.Errorf("%w: %v", ErrBootstrap, err)
	p.lastError = err
	LogWithError(err, -1)

	var victims []*slot
	if s != nil {
		victims = append(victims, s)
	} else {
		for _, sl := range p.slots {
			if sl.state == slotStarting {
				victims = append(victims, sl)
			}
		}
	}
	for _, v := range victims {
		p.discard(v)
	}

	if len(p.slots) == 0 { // 没有可用的 worker，队列中的任务不能无限等待
		for p.pending.Length() > 0 {
			id := p.pending.Remove().(ID)
			if t, ok := p.tasks.Get(id); ok {
				p.finish(t, nil, err)
			}
		}
	}
}

// discard 终止 worker 并将其移出池，不影响其它状态
func (p *Pool) discard(s *slot) {
	if s.state == slotTerminated {
		return
	}
	s.state = slotTerminated
	s.worker.Interrupt("terminated")
	s.port.Close()

	for i, sl := range p.slots {
		if sl == s {
			p.slots = append(p.slots[:i], p.slots[i+1:]...)
			break
		}
	}
	p.removeIdle(s)
}

func (p *Pool) removeIdle(s *slot) {
	for i, sl := range p.idle {
		if sl == s {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return
		}
	}
}

// terminate 强制终止 worker，正在执行的任务以 reason 失败
func (p *Pool) terminate(s *slot, reason error) {
	if s.state == slotTerminated {
		return
	}
	taskID := s.task
	p.discard(s)
	if t, ok := p.tasks.Get(taskID); ok {
		p.finish(t, nil, reason)
	}
}

// recycle 终止出错的 worker 并补充一个新的
func (p *Pool) recycle(s *slot, reason error) {
	if s.state == slotTerminated {
		return
	}
	LogWithError(reason, s.id)
	p.terminate(s, reason)
	if !p.closed {
		p.fill()
	}
}

func (p *Pool) lost(s *slot) {
	p.recycle(s, ErrTransportLoss)
}

//#endregion

//#region 消息处理

func (p *Pool) handleMessage(s *slot, m message.Message) {
	if s.state == slotTerminated {
		return
	}
	e, err := message.Decode(m)
	if err != nil {
		p.recycle(s, fmt.Errorf("%w: %v", ErrProtocolViolation, err))
		return
	}

	violation := func() {
		p.recycle(s, fmt.Errorf("%w: unexpected %s", ErrProtocolViolation, e.Type))
	}

	if s.state == slotStarting {
		switch e.Type {
		case message.Ready:
			s.state = slotIdle
			p.release(s)
		case message.Error:
			p.bootstrapFailed(s, newTaskError(e.Value))
		default:
			violation()
		}
		return
	}

	switch e.Type {
	case message.Result, message.Error, message.Exit:
		t, ok := p.tasks.Get(s.task)
		if !ok || s.state != slotBusy {
			violation()
			return
		}
		switch {
		case e.Type == message.Result && t.state == TaskRunning:
			value := p.restore(t, e.Value)
			if e.Completion == message.Resident {
				t.state = TaskPersistent
				t.methods = e.Methods
				t.handle.state.Store(int32(TaskPersistent))
				t.exec.submit(func() { t.handle.resolve(value) })
				p.flushCalls(t)
				return
			}
			p.finish(t, value, nil)
		case e.Type == message.Error && t.state == TaskRunning:
			p.finish(t, nil, newTaskError(e.Value))
		case e.Type == message.Exit && t.state == TaskPersistent:
			p.finish(t, nil, nil)
		default:
			violation()
		}

	case message.MethodResult, message.MethodError:
		c, ok := p.calls.Remove(ID(e.CallID))
		if !ok {
			return // 调用已被拒绝（如任务已退出），忽略迟到的结果
		}
		t, _ := p.tasks.Get(c.task)
		value, err := any(nil), error(nil)
		if e.Type == message.MethodResult {
			value = p.restore(t, e.Value)
		} else {
			err = newTaskError(e.Value)
		}
		c.settle(value, err)

	case message.Callback:
		cb, ok := p.callbacks.Get(ID(e.Callback))
		if !ok {
			return // 任务已结束，回调已被释放
		}
		t, ok := p.tasks.Get(cb.task)
		if !ok {
			return
		}
		params := make([]any, len(e.Parameters))
		for i, v := range e.Parameters {
			params[i] = p.restore(t, v)
		}
		id := ID(e.Callback)
		t.exec.submit(func() {
			if cb.invoke(params) {
				p.post(func() { p.removeCallback(id) })
			}
		})

	default:
		violation()
	}
}

// restore 把返回值中的代理描述还原为代理对象
func (p *Pool) restore(t *task, v any) any {
	switch x := v.(type) {
	case *message.ProxyDescriptor:
		if t == nil {
			return x
		}
		return &Proxy{pool: p, task: t.id, instanceID: x.InstanceID, methods: x.Methods}
	case map[string]any:
		for k, item := range x {
			x[k] = p.restore(t, item)
		}
	case []any:
		for i, item := range x {
			x[i] = p.restore(t, item)
		}
	}
	return v
}

// release 将 worker 标记为空闲并尝试分配排队的任务
func (p *Pool) release(s *slot) {
	s.task = 0
	s.state = slotIdle
	p.idle = append(p.idle, s)
	p.checkQueue()
}

func (p *Pool) checkQueue() {
	for p.pending.Length() > 0 && len(p.idle) > 0 {
		id := p.pending.Remove().(ID)
		t, ok := p.tasks.Get(id)
		if !ok || t.state != TaskQueued {
			continue
		}
		s := p.idle[0]
		p.idle = p.idle[1:]
		p.waiting--
		p.run(s, t)
	}
}

func (p *Pool) run(s *slot, t *task) {
	t.state = TaskRunning
	err := s.port.Post(&message.Envelope{Type: message.Task, Code: t.code, Parameters: t.params}, p.replacer(t))
	t.params = nil
	if err != nil { // 参数无法发送，worker 仍然空闲
		p.idle = append([]*slot{s}, p.idle...)
		p.finish(t, nil, err)
		return
	}
	s.state = slotBusy
	s.task = t.id
	t.slot = s
	t.handle.state.Store(int32(TaskRunning))
}

// finish 结束任务：释放回调、拒绝未完成的调用、归还 worker，结果经任务的执行器发出，保证先于它的回调先执行
func (p *Pool) finish(t *task, value any, err error) {
	if _, ok := p.tasks.Remove(t.id); !ok {
		return
	}
	if t.state == TaskQueued {
		p.waiting--
	}

	// 已排入执行器的回调调用先于注销执行
	for _, id := range t.callbacks {
		if cb, ok := p.callbacks.Remove(id); ok {
			t.exec.submit(func() { cb.removed.Store(true) })
		}
	}
	t.callbacks = nil

	callErr := err
	if callErr == nil {
		callErr = ErrTaskExited
	}
	for _, id := range t.calls {
		if c, ok := p.calls.Remove(id); ok {
			c.settle(nil, callErr)
		}
	}
	for _, c := range t.queued {
		c.settle(nil, callErr)
	}
	t.calls, t.queued = nil, nil

	state := TaskCompleted
	switch {
	case err != nil:
		state = TaskFailed
	case t.state == TaskPersistent:
		state = TaskExited
	}
	wasPersistent := t.state == TaskPersistent
	t.state = state
	t.handle.state.Store(int32(state))

	if s := t.slot; s != nil && s.state == slotBusy && s.task == t.id {
		t.slot = nil
		p.release(s)
	}

	if !wasPersistent {
		t.exec.submit(func() { t.handle.settle(value, err) })
	}
}

func (p *Pool) removeCallback(id ID) {
	if cb, ok := p.callbacks.Remove(id); ok {
		cb.removed.Store(true)
	}
}

//#endregion

//#region 任务

// PostTask 提交一个任务，立即返回任务句柄
func (p *Pool) PostTask(code string, params ...any) *TaskHandle {
	h := newTaskHandle(p)
	if !p.post(func() { p.register(h, code, params) }) {
		h.reject(ErrClosed)
	}
	return h
}

// PostTaskFromSource 先获取源码再提交任务，任务在获取完成时才进入队列
func (p *Pool) PostTaskFromSource(url string, params ...any) *TaskHandle {
	h := newTaskHandle(p)
	go func() {
		code, err := p.options.Loader.FetchSource(context.Background(), url)
		ok := p.post(func() {
			if err != nil {
				p.abandon(h, fmt.Errorf("fetch %s: %w", url, err))
				return
			}
			p.register(h, string(code), params)
		})
		if !ok {
			h.reject(ErrClosed)
		}
	}()
	return h
}

// abandon 拒绝尚未注册的任务及其调用
func (p *Pool) abandon(h *TaskHandle, err error) {
	if h.abandoned {
		return
	}
	h.abandoned = true
	for _, c := range h.early {
		c.future.reject(err)
	}
	h.early = nil
	h.state.Store(int32(TaskFailed))
	h.reject(err)
}

func (p *Pool) register(h *TaskHandle, code string, params []any) {
	if h.abandoned {
		return
	}
	if p.closed {
		p.abandon(h, ErrClosed)
		return
	}
	t := &task{code: code, params: params, handle: h, exec: newExecutor(), state: TaskQueued}
	t.id = p.tasks.Insert(t)
	h.id = t.id
	t.queued, h.early = h.early, nil // 任务注册前发起的调用

	p.pending.Add(t.id)
	p.waiting++
	p.fill() // 引导失败后，新的任务会重新补充 worker
	p.checkQueue()
}

func (p *Pool) replacer(t *task) message.Replacer {
	return func(v any) (any, bool) {
		var fn func(params ...any) any
		switch f := v.(type) {
		case Callback:
			fn = f
		case func(params ...any) any:
			fn = f
		case func(params ...any):
			fn = func(params ...any) any {
				f(params...)
				return nil
			}
		case *Proxy:
			return &message.ProxyDescriptor{InstanceID: f.instanceID, Methods: f.methods}, true
		default:
			return nil, false
		}
		id := p.callbacks.Insert(&callback{task: t.id, fn: fn})
		t.callbacks = append(t.callbacks, id)
		return message.CallbackHandle{ID: uint64(id)}, true
	}
}

// call 在事件循环中发起远程方法调用
func (p *Pool) call(h *TaskHandle, name string, params []any) *Future {
	c := &pendingCall{name: name, params: params, future: newFuture()}
	ok := p.post(func() {
		if h.id != 0 {
			p.dispatchCall(h.id, c)
			return
		}
		if h.abandoned {
			c.future.reject(ErrTaskExited)
			return
		}
		h.early = append(h.early, c) // 源码仍在获取中
	})
	if !ok {
		c.future.reject(ErrClosed)
	}
	return c.future
}

func (p *Pool) callTask(id ID, name string, params []any) *Future {
	c := &pendingCall{name: name, params: params, future: newFuture()}
	if !p.post(func() { p.dispatchCall(id, c) }) {
		c.future.reject(ErrClosed)
	}
	return c.future
}

func (p *Pool) dispatchCall(id ID, c *pendingCall) {
	t, ok := p.tasks.Get(id)
	if !ok {
		c.future.reject(ErrTaskExited)
		return
	}
	c.exec = t.exec
	if t.state != TaskPersistent {
		t.queued = append(t.queued, c)
		return
	}
	p.sendCall(t, c)
}

func (p *Pool) flushCalls(t *task) {
	queued := t.queued
	t.queued = nil
	for _, c := range queued {
		c.exec = t.exec
		p.sendCall(t, c)
	}
}

func (p *Pool) sendCall(t *task, c *pendingCall) {
	if !t.exports(c.name) {
		c.settle(nil, fmt.Errorf("%w: %s", ErrUnknownMethod, c.name))
		return
	}
	c.task = t.id
	id := p.calls.Insert(c)
	err := t.slot.port.Post(&message.Envelope{Type: message.Call, Name: c.name, CallID: uint64(id), Parameters: c.params}, p.replacer(t))
	c.params = nil
	if err != nil {
		p.calls.Remove(id)
		c.settle(nil, err)
		return
	}
	t.calls = append(t.calls, id)
}

// terminateTask 强制结束任务：排队中的任务直接被拒绝，运行中的任务所在的 worker 被终止后重新创建
func (p *Pool) terminateTask(h *TaskHandle) {
	p.post(func() {
		if h.id == 0 {
			p.abandon(h, ErrTerminated)
			return
		}
		t, ok := p.tasks.Get(h.id)
		if !ok {
			return
		}
		if t.slot == nil {
			p.finish(t, nil, ErrTerminated)
			return
		}
		p.terminate(t.slot, ErrTerminated)
		p.fill()
	})
}

//#endregion

// Close 关闭所有 worker，拒绝排队和运行中的任务
func (p *Pool) Close() {
	p.sync(func() {
		p.closed = true
		p.size = 0
		for len(p.slots) > 0 {
			p.terminate(p.slots[len(p.slots)-1], ErrClosed)
		}
		for p.pending.Length() > 0 {
			if t, ok := p.tasks.Get(p.pending.Remove().(ID)); ok {
				p.finish(t, nil, ErrClosed)
			}
		}
	})
	p.events.Close()
}

func qualified(name string) bool {
	return strings.Contains(name, ".")
}
