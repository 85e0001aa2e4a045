package internal

// ID 是分代索引：高 32 位为代数，低 32 位为槽位下标加一，0 表示空
type ID uint64

func (id ID) index() int {
	return int(uint32(id)) - 1
}

func (id ID) generation() uint32 {
	return uint32(id >> 32)
}

type arenaEntry[T any] struct {
	value      T
	generation uint32
	used       bool
}

// Arena 只在控制端的事件循环中使用，不需要加锁；槽位被释放后代数递增，旧 ID 自动失效
type Arena[T any] struct {
	entries []arenaEntry[T]
	free    []int
	count   int
}

func (a *Arena[T]) Insert(v T) ID {
	var i int
	if n := len(a.free); n > 0 {
		i, a.free = a.free[n-1], a.free[:n-1]
	} else {
		a.entries = append(a.entries, arenaEntry[T]{})
		i = len(a.entries) - 1
	}
	e := &a.entries[i]
	e.value, e.used = v, true
	a.count++
	return ID(uint64(e.generation)<<32 | uint64(i+1))
}

func (a *Arena[T]) Get(id ID) (v T, ok bool) {
	i := id.index()
	if i < 0 || i >= len(a.entries) {
		return
	}
	e := &a.entries[i]
	if !e.used || e.generation != id.generation() {
		return
	}
	return e.value, true
}

func (a *Arena[T]) Remove(id ID) (v T, ok bool) {
	if v, ok = a.Get(id); !ok {
		return
	}
	i := id.index()
	var zero T
	a.entries[i] = arenaEntry[T]{value: zero, generation: a.entries[i].generation + 1}
	a.free = append(a.free, i)
	a.count--
	return v, true
}

func (a *Arena[T]) Len() int {
	return a.count
}

// Each 按槽位顺序遍历存活的条目，回调中不要修改 Arena
func (a *Arena[T]) Each(fn func(id ID, v T)) {
	for i := range a.entries {
		e := &a.entries[i]
		if e.used {
			fn(ID(uint64(e.generation)<<32|uint64(i+1)), e.value)
		}
	}
}
