package shared

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicOperationsReturnPreviousValue(t *testing.T) {
	a := NewAtomicInt32(5)

	assert.EqualValues(t, 5, a.Add(3))
	assert.EqualValues(t, 8, a.Load())
	assert.EqualValues(t, 8, a.Sub(2))
	assert.EqualValues(t, 6, a.And(4))
	assert.EqualValues(t, 4, a.Or(1))
	assert.EqualValues(t, 5, a.Exchange(10))
	assert.EqualValues(t, 10, a.CompareExchange(10, 11))
	assert.EqualValues(t, 11, a.CompareExchange(10, 12))
	assert.EqualValues(t, 11, a.Value())

	a.SetValue(-1)
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff}, a.Buffer())
}

func TestAtomicAddIsLinearizable(t *testing.T) {
	a := NewAtomicInt32(0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				a.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 8000, a.Load())
}

func TestWaitNotEqual(t *testing.T) {
	a := NewAtomicInt32(1)
	assert.Equal(t, WaitNotEqual, a.Wait(0, time.Second))
}

func TestWaitTimeout(t *testing.T) {
	a := NewAtomicInt32(0)

	start := time.Now()
	assert.Equal(t, WaitTimedOut, a.Wait(0, 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestWaitWokenByStore(t *testing.T) {
	a := NewAtomicInt32(0)

	go func() {
		time.Sleep(10 * time.Millisecond)
		a.Store(1)
	}()

	assert.Equal(t, WaitOK, a.Wait(0, -1))
	assert.EqualValues(t, 1, a.Load())
}

func TestSpinWaitFallback(t *testing.T) {
	a := NewAtomicInt32(0)

	assert.Equal(t, WaitTimedOut, spinWait(a.cell, 0, time.Now().Add(5*time.Millisecond)))

	go func() {
		time.Sleep(5 * time.Millisecond)
		a.Add(2)
	}()
	assert.Equal(t, WaitOK, spinWait(a.cell, 0, time.Time{}))
}

func TestSleep(t *testing.T) {
	start := time.Now()
	Sleep(15 * time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestTransferConsumesBinding(t *testing.T) {
	buf := []byte("hello")
	marker := Transfer(&buf)

	assert.Nil(t, buf)
	assert.Equal(t, 5, marker.Len())

	data, err := marker.Take()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
	assert.True(t, marker.Moved())

	_, err = marker.Take()
	assert.ErrorIs(t, err, ErrTransferred)
	_, err = marker.Bytes()
	assert.ErrorIs(t, err, ErrTransferred)
}
