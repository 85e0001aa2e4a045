package internal

import (
	"sync"

	"github.com/eapache/queue"
)

// executor 串行执行提交的函数，空闲时不占用协程；用于按顺序调用同一任务的回调
type executor struct {
	mu      sync.Mutex
	items   *queue.Queue
	running bool
}

func newExecutor() *executor {
	return &executor{items: queue.New()}
}

func (e *executor) submit(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.items.Add(fn)
	if !e.running {
		e.running = true
		go e.drain()
	}
}

func (e *executor) drain() {
	for {
		e.mu.Lock()
		if e.items.Length() == 0 {
			e.running = false
			e.mu.Unlock()
			return
		}
		fn := e.items.Remove().(func())
		e.mu.Unlock()
		fn()
	}
}
