package message

import (
	"sync"

	"github.com/eapache/queue"
)

// Mailbox 是无界的先进先出信箱，Put 永不阻塞发送方
type Mailbox[T any] struct {
	mu     sync.Mutex
	items  *queue.Queue
	ready  chan struct{} // 容量为 1 的唤醒信号
	done   chan struct{}
	closed bool
}

func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{
		items: queue.New(),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func (m *Mailbox[T]) Put(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items.Add(v)
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default: // 已有未消费的唤醒信号
	}
	return true
}

func (m *Mailbox[T]) Ready() <-chan struct{} {
	return m.ready
}

func (m *Mailbox[T]) Done() <-chan struct{} {
	return m.done
}

// Drain 按投递顺序取出当前所有消息
func (m *Mailbox[T]) Drain() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.items.Length()
	if n == 0 {
		return nil
	}
	out := make([]T, 0, n)
	for m.items.Length() > 0 {
		v, _ := m.items.Remove().(T)
		out = append(out, v)
	}
	return out
}

func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items.Length()
}

// Close 之后不再接收新消息，已投递的消息仍可被 Drain
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.done)
}

func (m *Mailbox[T]) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
