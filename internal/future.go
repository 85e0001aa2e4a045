package internal

import (
	"context"
	"sync"
)

// Future 表示一个异步完成的值，Then/Catch 注册的回调由串行执行器按注册顺序执行
type Future struct {
	mu       sync.Mutex
	done     chan struct{}
	settled  bool
	value    any
	err      error
	handlers []func(value any, err error)
	exec     *executor
}

func newFuture() *Future {
	return &Future{done: make(chan struct{}), exec: newExecutor()}
}

func rejectedFuture(err error) *Future {
	f := newFuture()
	f.reject(err)
	return f
}

func (f *Future) resolve(value any) bool {
	return f.settle(value, nil)
}

func (f *Future) reject(err error) bool {
	return f.settle(nil, err)
}

func (f *Future) settle(value any, err error) bool {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return false
	}
	f.settled, f.value, f.err = true, value, err
	// 在锁内提交，之后注册的回调只能排在它们后面
	for _, h := range f.handlers {
		f.dispatch(h)
	}
	f.handlers = nil
	close(f.done)
	f.mu.Unlock()
	return true
}

func (f *Future) dispatch(h func(value any, err error)) {
	value, err := f.value, f.err
	f.exec.submit(func() { h(value, err) })
}

func (f *Future) subscribe(h func(value any, err error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.settled {
		f.handlers = append(f.handlers, h)
		return
	}
	f.dispatch(h)
}

func (f *Future) Then(onResult func(value any)) *Future {
	f.subscribe(func(value any, err error) {
		if err == nil {
			onResult(value)
		}
	})
	return f
}

func (f *Future) Catch(onError func(err error)) *Future {
	f.subscribe(func(value any, err error) {
		if err != nil {
			onError(err)
		}
	})
	return f
}

func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result 在未完成时返回 ok 为 false
func (f *Future) Result() (value any, ok bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.settled, f.err
}

func (f *Future) Await(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
