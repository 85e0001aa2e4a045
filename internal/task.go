package internal

import (
	"encoding/json"
	"fmt"
	"math"
	"sync/atomic"

	"taskpool/internal/shared"
)

type TaskState int32

const (
	TaskQueued TaskState = iota
	TaskRunning
	TaskPersistent // 任务导出了方法或代理对象，继续占用 worker
	TaskCompleted
	TaskFailed
	TaskExited
)

func (s TaskState) String() string {
	switch s {
	case TaskQueued:
		return "queued"
	case TaskRunning:
		return "running"
	case TaskPersistent:
		return "persistent"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	case TaskExited:
		return "exited"
	}
	return fmt.Sprintf("TaskState(%d)", int32(s))
}

// Ended 表示任务已经结束，不再占用 worker
func (s TaskState) Ended() bool {
	return s >= TaskCompleted
}

// task 是控制端记录的任务，只在事件循环中读写
type task struct {
	id        ID
	code      string
	params    []any
	handle    *TaskHandle
	slot      *slot
	state     TaskState
	methods   []string // 常驻后由 worker 告知的导出方法
	callbacks []ID
	calls     []ID           // 已发送、等待结果的调用
	queued    []*pendingCall // 任务常驻前发起的调用
	exec      *executor      // 按顺序执行回调和结果通知
}

func (t *task) exports(name string) bool {
	if name == "exit" || qualified(name) {
		return true
	}
	for _, m := range t.methods {
		if m == name {
			return true
		}
	}
	return false
}

type pendingCall struct {
	name   string
	params []any
	task   ID
	future *Future
	exec   *executor
}

func (c *pendingCall) settle(value any, err error) {
	if c.exec == nil {
		c.future.settle(value, err)
		return
	}
	c.exec.submit(func() { c.future.settle(value, err) })
}

// Callback 返回真值时注销自身，之后 worker 再调用该回调将被忽略
type Callback func(params ...any) any

type callback struct {
	task    ID
	fn      func(params ...any) any
	removed atomic.Bool
}

func (c *callback) invoke(params []any) (remove bool) {
	if c.removed.Load() {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			LogWithError(fmt.Errorf("callback panic: %v", r), -1)
		}
	}()
	if truthy(c.fn(params...)) {
		c.removed.Store(true)
		return true
	}
	return false
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case int:
		return x != 0
	case int32:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0 && !math.IsNaN(x)
	}
	return true
}

//#region 任务句柄

// TaskHandle 在任务提交后立即返回，可在 worker 就绪之前注册回调和发起调用
type TaskHandle struct {
	*Future
	pool  *Pool
	state atomic.Int32

	// 以下字段只在事件循环中读写
	id        ID
	abandoned bool
	early     []*pendingCall
}

func newTaskHandle(p *Pool) *TaskHandle {
	return &TaskHandle{Future: newFuture(), pool: p}
}

func (h *TaskHandle) Then(onResult func(value any)) *TaskHandle {
	h.Future.Then(onResult)
	return h
}

func (h *TaskHandle) Catch(onError func(err error)) *TaskHandle {
	h.Future.Catch(onError)
	return h
}

func (h *TaskHandle) State() TaskState {
	return TaskState(h.state.Load())
}

// Call 调用任务导出的方法，任务常驻之前发起的调用会排队等待
func (h *TaskHandle) Call(name string, params ...any) *Future {
	return h.pool.call(h, name, params)
}

// Exit 让常驻任务退出并归还 worker
func (h *TaskHandle) Exit() *Future {
	return h.pool.call(h, "exit", nil)
}

// Terminate 用于调用方超时等场景，任务以 ErrTerminated 失败，所在的 worker 被重新创建
func (h *TaskHandle) Terminate() {
	h.pool.terminateTask(h)
}

func (h *TaskHandle) Transfer(b *[]byte) *shared.Transferable {
	return h.pool.Transfer(b)
}

func (h *TaskHandle) AtomicInt32(initial int32) *shared.AtomicInt32 {
	return h.pool.AtomicInt32(initial)
}

//#endregion

//#region 代理对象

// Proxy 是 worker 内对象的远程代理，每次调用都是独立的请求，调用之间不会串行化
type Proxy struct {
	pool       *Pool
	task       ID
	instanceID int64
	methods    []string
}

func (p *Proxy) InstanceID() int64 {
	return p.instanceID
}

func (p *Proxy) Methods() []string {
	return append([]string(nil), p.methods...)
}

func (p *Proxy) Call(method string, params ...any) *Future {
	found := false
	for _, m := range p.methods {
		if m == method {
			found = true
			break
		}
	}
	if !found {
		return rejectedFuture(fmt.Errorf("%w: %s", ErrUnknownMethod, method))
	}
	return p.pool.callTask(p.task, fmt.Sprintf("%d.%s", p.instanceID, method), params)
}

// MarshalJSON 用于 http 接口返回代理对象的描述
func (p *Proxy) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"type":       "proxy",
		"instanceId": p.instanceID,
		"methods":    p.methods,
	})
}

func (p *Proxy) Method(name string) func(params ...any) *Future {
	return func(params ...any) *Future {
		return p.Call(name, params...)
	}
}

//#endregion

func (p *Pool) Transfer(b *[]byte) *shared.Transferable {
	return shared.Transfer(b)
}

func (p *Pool) AtomicInt32(initial int32) *shared.AtomicInt32 {
	return shared.NewAtomicInt32(initial)
}
