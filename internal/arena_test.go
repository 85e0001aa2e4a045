package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestArenaStaleIDs(t *testing.T) {
	var a Arena[string]
	first := a.Insert("a")
	second := a.Insert("b")
	assert.Equal(t, 2, a.Len())

	v, ok := a.Remove(first)
	assert.True(t, ok)
	assert.Equal(t, "a", v)

	// 复用的槽位代数不同，旧 ID 不会命中新条目
	third := a.Insert("c")
	assert.Equal(t, first.index(), third.index())
	assert.NotEqual(t, first, third)
	_, ok = a.Get(first)
	assert.False(t, ok)
	_, ok = a.Remove(first)
	assert.False(t, ok)

	v, ok = a.Get(third)
	assert.True(t, ok)
	assert.Equal(t, "c", v)

	var seen []string
	a.Each(func(id ID, v string) { seen = append(seen, v) })
	assert.Equal(t, []string{"c", "b"}, seen)
	_, ok = a.Get(second)
	assert.True(t, ok)

	_, ok = a.Get(0)
	assert.False(t, ok)
}
