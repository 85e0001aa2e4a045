package shared

import (
	"sync/atomic"
	"time"
	"unsafe"
)

type WaitResult string

const (
	WaitOK       WaitResult = "ok"
	WaitNotEqual WaitResult = "not-equal"
	WaitTimedOut WaitResult = "timed-out"
)

// AtomicInt32 是一个 4 字节的共享内存整数，控制端与 worker 持有的是同一块内存
type AtomicInt32 struct {
	cell    *int32
	waiters atomic.Int32 // 当前阻塞在 Wait 上的协程数，为 0 时修改操作无需唤醒
}

func NewAtomicInt32(initial int32) *AtomicInt32 {
	cell := new(int32) // 堆上分配的对象地址不会移动，可直接作为 futex 地址
	*cell = initial
	return &AtomicInt32{cell: cell}
}

func (a *AtomicInt32) Buffer() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(a.cell)), 4)
}

func (a *AtomicInt32) Load() int32 {
	return atomic.LoadInt32(a.cell)
}

func (a *AtomicInt32) Store(v int32) int32 {
	atomic.StoreInt32(a.cell, v)
	a.wake()
	return v
}

func (a *AtomicInt32) Value() int32 {
	return a.Load()
}

func (a *AtomicInt32) SetValue(v int32) {
	a.Store(v)
}

// 以下修改操作均返回修改前的值

func (a *AtomicInt32) Add(delta int32) int32 {
	old := atomic.AddInt32(a.cell, delta) - delta
	a.wake()
	return old
}

func (a *AtomicInt32) Sub(delta int32) int32 {
	return a.Add(-delta)
}

func (a *AtomicInt32) And(mask int32) int32 {
	return a.update(func(v int32) int32 { return v & mask })
}

func (a *AtomicInt32) Or(mask int32) int32 {
	return a.update(func(v int32) int32 { return v | mask })
}

func (a *AtomicInt32) Exchange(v int32) int32 {
	old := atomic.SwapInt32(a.cell, v)
	a.wake()
	return old
}

func (a *AtomicInt32) CompareExchange(expected int32, replacement int32) int32 {
	for {
		if atomic.CompareAndSwapInt32(a.cell, expected, replacement) {
			a.wake()
			return expected
		}
		if old := atomic.LoadInt32(a.cell); old != expected {
			return old
		}
	}
}

func (a *AtomicInt32) update(fn func(int32) int32) int32 {
	for {
		old := atomic.LoadInt32(a.cell)
		if atomic.CompareAndSwapInt32(a.cell, old, fn(old)) {
			a.wake()
			return old
		}
	}
}

// Wait 阻塞当前协程，直到值不再等于 expected 或超时，timeout 小于 0 表示不超时
func (a *AtomicInt32) Wait(expected int32, timeout time.Duration) WaitResult {
	if a.Load() != expected {
		return WaitNotEqual
	}
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	a.waiters.Add(1)
	defer a.waiters.Add(-1)
	return platformWait(a.cell, expected, deadline)
}

// Notify 唤醒最多 count 个等待者，count 小于 0 表示全部，返回值仅在支持阻塞等待的平台上有意义
func (a *AtomicInt32) Notify(count int) int {
	return platformWake(a.cell, count)
}

func (a *AtomicInt32) wake() {
	if a.waiters.Load() > 0 {
		platformWake(a.cell, -1)
	}
}

// Sleep 在私有的单元上等待，用于 worker 内的 sleep(ms)
func Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	NewAtomicInt32(0).Wait(0, d)
}

// spinWait 是没有 futex 等阻塞原语时的降级实现：有界自旋后让出调度，语义与阻塞等待一致，仅在延迟和 CPU 占用上不同
func spinWait(cell *int32, expected int32, deadline time.Time) WaitResult {
	const spins = 64
	backoff := time.Microsecond
	for {
		for i := 0; i < spins; i++ {
			if atomic.LoadInt32(cell) != expected {
				return WaitOK
			}
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return WaitTimedOut
		}
		time.Sleep(backoff)
		if backoff < time.Millisecond {
			backoff *= 2
		}
	}
}
