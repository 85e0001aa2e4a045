package shared

import (
	"errors"
	"sync"
)

var ErrTransferred = errors.New("value has already been transferred")

// Transferable 标记一段数据在下一条跨协程消息中被移动而不是复制
type Transferable struct {
	mu    sync.Mutex
	data  []byte
	moved bool
}

// Transfer 接管调用方的切片，调用后原变量被置空，发送方无法再继续使用这段内存
func Transfer(b *[]byte) *Transferable {
	t := &Transferable{data: *b}
	*b = nil
	return t
}

// Take 取出数据，只能成功一次
func (t *Transferable) Take() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.moved {
		return nil, ErrTransferred
	}
	data := t.data
	t.data, t.moved = nil, true
	return data, nil
}

func (t *Transferable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.data)
}

// Bytes 在数据被发送前可读，发送后返回 ErrTransferred
func (t *Transferable) Bytes() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.moved {
		return nil, ErrTransferred
	}
	return t.data, nil
}

func (t *Transferable) Moved() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.moved
}
