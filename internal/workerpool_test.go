package internal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpool/internal/message"
	"taskpool/internal/shared"
)

func newTestPool(t *testing.T, size int) *Pool {
	p := NewPool(Options{Size: size})
	t.Cleanup(p.Close)
	require.Eventually(t, func() bool { return p.Free() == size }, 5*time.Second, 10*time.Millisecond)
	return p
}

func await(t *testing.T, f *Future) (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	value, err := f.Await(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return value, err
}

type failingLoader struct {
	bootstrapErr error
	sourceErr    error
}

func (l *failingLoader) FetchBootstrapSource(ctx context.Context) ([]byte, error) {
	if l.bootstrapErr != nil {
		return nil, l.bootstrapErr
	}
	return bootstrapSource, nil
}

func (l *failingLoader) FetchSource(ctx context.Context, url string) ([]byte, error) {
	if l.sourceErr != nil {
		return nil, l.sourceErr
	}
	return []byte(`exports.run = function () { return "` + url + `" }`), nil
}

func TestSetSize(t *testing.T) {
	p := newTestPool(t, 2)
	assert.Equal(t, 2, p.Size())
	assert.Equal(t, 2, p.Live())

	p.SetSize(4)
	require.Eventually(t, func() bool { return p.Free() == 4 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 4, p.Live())

	p.SetSize(1)
	assert.Equal(t, 1, p.Live())
	assert.Equal(t, 1, p.Size())

	p.SetSize(-1)
	assert.Equal(t, 0, p.Live())
}

func TestShrinkKeepsBusyWorkers(t *testing.T) {
	p := newTestPool(t, 2)

	h := p.PostTask(`exports.run = function () { sleep(300); return "done" }`)
	require.Eventually(t, func() bool { return p.Pending() == 1 }, 5*time.Second, 10*time.Millisecond)

	p.SetSize(1)
	assert.Equal(t, 1, p.Live())
	assert.Equal(t, 0, p.Free())

	value, err := await(t, h.Future)
	require.NoError(t, err)
	assert.Equal(t, "done", value)
}

func TestWaitingTasks(t *testing.T) {
	p := newTestPool(t, 1)

	var handles []*TaskHandle
	for i := 0; i < 3; i++ {
		handles = append(handles, p.PostTask(`exports.run = function (i) { sleep(100); return i }`, i))
	}
	require.Eventually(t, func() bool { return p.Waiting() == 2 }, 5*time.Second, 5*time.Millisecond)

	for i, h := range handles {
		value, err := await(t, h.Future)
		require.NoError(t, err)
		assert.Equal(t, int64(i), value)
	}
	assert.Equal(t, 0, p.Waiting())
}

func TestRunResult(t *testing.T) {
	p := newTestPool(t, 1)

	h := p.PostTask(`exports.run = function () { return 42 }`)
	value, err := await(t, h.Future)
	require.NoError(t, err)
	assert.Equal(t, int64(42), value)
	assert.Equal(t, TaskCompleted, h.State())
	require.Eventually(t, func() bool { return p.Free() == 1 }, time.Second, 5*time.Millisecond)

	// 没有 run 也没有导出方法的任务直接完成
	h = p.PostTask(`var x = 1`)
	value, err = await(t, h.Future)
	require.NoError(t, err)
	assert.Nil(t, value)
}

func TestAsyncRun(t *testing.T) {
	p := newTestPool(t, 1)

	h := p.PostTask(`exports.run = async function (ms) {
		await new Promise(function (resolve) { setTimeout(resolve, ms) })
		return "later"
	}`, 10)
	value, err := await(t, h.Future)
	require.NoError(t, err)
	assert.Equal(t, "later", value)
}

func TestTaskError(t *testing.T) {
	p := newTestPool(t, 1)

	_, err := await(t, p.PostTask(`exports.run = function () { throw new TypeError("bad input") }`).Future)
	var te *TaskError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "TypeError", te.Name)
	assert.Equal(t, "bad input", te.Message)
	assert.NotEmpty(t, te.Stack)

	_, err = await(t, p.PostTask(`exports.run = function () { return Promise.reject("nope") }`).Future)
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "nope", te.Message)

	_, err = await(t, p.PostTask(`exports.run = function ( {`).Future)
	assert.Error(t, err)

	require.Eventually(t, func() bool { return p.Free() == 1 }, time.Second, 5*time.Millisecond)
}

func TestResidentTask(t *testing.T) {
	p := newTestPool(t, 1)

	h := p.PostTask(`
		exports.add = function (a, b) { return a + b }
		exports.run = function () { return "ready" }
	`)
	value, err := await(t, h.Future)
	require.NoError(t, err)
	assert.Equal(t, "ready", value)
	assert.Equal(t, TaskPersistent, h.State())
	assert.Equal(t, 0, p.Free())

	value, err = await(t, h.Call("add", 2, 3))
	require.NoError(t, err)
	assert.Equal(t, int64(5), value)

	_, err = await(t, h.Call("missing"))
	assert.ErrorIs(t, err, ErrUnknownMethod)

	_, err = await(t, h.Exit())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Free() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, TaskExited, h.State())

	_, err = await(t, h.Call("add", 1, 1))
	assert.ErrorIs(t, err, ErrTaskExited)
}

func TestCallBeforeResident(t *testing.T) {
	p := newTestPool(t, 1)

	h := p.PostTask(`exports.add = function (a, b) { return a + b }`)
	value, err := await(t, h.Call("add", 1, 2))
	require.NoError(t, err)
	assert.Equal(t, int64(3), value)
	_, err = await(t, h.Exit())
	require.NoError(t, err)

	// 在 run 中调用 exit()，任务不会常驻
	h = p.PostTask(`
		exports.add = function (a, b) { return a + b }
		exports.run = function () { exit(); return "bye" }
	`)
	value, err = await(t, h.Future)
	require.NoError(t, err)
	assert.Equal(t, "bye", value)
	assert.Equal(t, TaskCompleted, h.State())
}

func TestExitFromMethod(t *testing.T) {
	p := newTestPool(t, 1)

	h := p.PostTask(`
		exports.stop = function () { exit(); return "stopping" }
	`)
	value, err := await(t, h.Call("stop"))
	require.NoError(t, err)
	assert.Equal(t, "stopping", value)
	require.Eventually(t, func() bool { return h.State() == TaskExited }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, p.Free())
}

func TestExitWaitsForPendingMethod(t *testing.T) {
	p := newTestPool(t, 1)

	h := p.PostTask(`
		exports.stop = function () {
			exit()
			return new Promise(function (resolve) { setTimeout(function () { resolve("stopped") }, 20) })
		}
	`)
	value, err := await(t, h.Call("stop"))
	require.NoError(t, err)
	assert.Equal(t, "stopped", value)
	require.Eventually(t, func() bool { return h.State() == TaskExited }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return p.Free() == 1 }, time.Second, 5*time.Millisecond)
}

func TestProxyObject(t *testing.T) {
	p := newTestPool(t, 1)

	h := p.PostTask(`exports.run = function () {
		var n = 0
		return proxyObject({ ping: function () { n++; return "pong" + n } })
	}`)
	value, err := await(t, h.Future)
	require.NoError(t, err)
	proxy, ok := value.(*Proxy)
	require.True(t, ok)
	assert.Equal(t, []string{"ping"}, proxy.Methods())

	value, err = await(t, proxy.Call("ping"))
	require.NoError(t, err)
	assert.Equal(t, "pong1", value)
	value, err = await(t, proxy.Method("ping")())
	require.NoError(t, err)
	assert.Equal(t, "pong2", value)

	_, err = await(t, proxy.Call("pong"))
	assert.ErrorIs(t, err, ErrUnknownMethod)

	_, err = await(t, h.Exit())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.State() == TaskExited }, time.Second, 5*time.Millisecond)
	_, err = await(t, proxy.Call("ping"))
	assert.ErrorIs(t, err, ErrTaskExited)
}

func TestCallbacksRunInOrder(t *testing.T) {
	p := newTestPool(t, 1)

	var mu sync.Mutex
	var got []any
	h := p.PostTask(`exports.run = function (cb) { cb(1); cb(2); cb(3); return "end" }`, Callback(func(params ...any) any {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, params[0])
		return nil
	}))
	value, err := await(t, h.Future)
	require.NoError(t, err)
	assert.Equal(t, "end", value)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, got)
}

func TestCallbackRemovesItself(t *testing.T) {
	p := newTestPool(t, 1)

	var mu sync.Mutex
	count := 0
	h := p.PostTask(`exports.run = function (cb) { cb(); cb(); cb() }`, func(params ...any) any {
		mu.Lock()
		defer mu.Unlock()
		count++
		return true
	})
	_, err := await(t, h.Future)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestCallbacksBeforeResultAreDelivered(t *testing.T) {
	p := newTestPool(t, 1)

	for i := 0; i < 20; i++ {
		var mu sync.Mutex
		count := 0
		h := p.PostTask(`exports.run = function (cb) { cb(1); cb(2); cb(3); return "end" }`, func(params ...any) any {
			mu.Lock()
			defer mu.Unlock()
			count++
			return nil
		})
		value, err := await(t, h.Future)
		require.NoError(t, err)
		assert.Equal(t, "end", value)

		// 结果经同一执行器发出，等到结果时回调必定已全部执行
		mu.Lock()
		assert.Equal(t, 3, count, "run %d", i)
		mu.Unlock()
	}
	assert.Equal(t, 0, p.Stats().Callbacks)
}

func TestStaleCallbackIsIgnored(t *testing.T) {
	p := newTestPool(t, 1)

	h := p.PostTask(`exports.run = function (cb) { return 1 }`, func(params ...any) {})
	_, err := await(t, h.Future)
	require.NoError(t, err)

	var before, after int
	p.sync(func() {
		s := p.slots[0]
		before = s.id
		m, err := message.Encode(&message.Envelope{Type: message.Callback, Callback: 1, Parameters: []any{"late"}}, nil)
		require.NoError(t, err)
		p.handleMessage(s, m)
		after = p.slots[0].id
	})
	assert.Equal(t, before, after)
	assert.Equal(t, 0, p.Stats().Callbacks)
}

func TestProtocolViolationRecyclesWorker(t *testing.T) {
	p := newTestPool(t, 1)

	var before int
	p.sync(func() {
		s := p.slots[0]
		before = s.id
		m, err := message.Encode(&message.Envelope{Type: message.Exit}, nil)
		require.NoError(t, err)
		p.handleMessage(s, m) // 空闲的 worker 不应发送 exit
	})
	require.Eventually(t, func() bool { return p.Free() == 1 }, 5*time.Second, 10*time.Millisecond)

	var after int
	p.sync(func() { after = p.slots[0].id })
	assert.NotEqual(t, before, after)
}

func TestWorkerLossRejectsTask(t *testing.T) {
	p := newTestPool(t, 1)

	started := make(chan struct{}, 1)
	h := p.PostTask(`exports.run = function (cb) { cb(); return new Promise(function () {}) }`, func(params ...any) any {
		started <- struct{}{}
		return nil
	})
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not start")
	}

	var before int
	p.sync(func() {
		before = p.slots[0].id
		p.slots[0].worker.port.Close() // worker 端断开
	})

	_, err := await(t, h.Future)
	assert.ErrorIs(t, err, ErrTransportLoss)
	assert.Equal(t, TaskFailed, h.State())

	require.Eventually(t, func() bool { return p.Free() == 1 }, 5*time.Second, 10*time.Millisecond)
	stats := p.Stats()
	assert.Equal(t, 0, stats.Callbacks)
	assert.Equal(t, 0, stats.Tasks)
	var after int
	p.sync(func() { after = p.slots[0].id })
	assert.NotEqual(t, before, after)

	value, err := await(t, p.PostTask(`exports.run = function () { return "respawned" }`).Future)
	require.NoError(t, err)
	assert.Equal(t, "respawned", value)
}

func TestTimerExceptionFailsTask(t *testing.T) {
	p := newTestPool(t, 1)

	h := p.PostTask(`exports.run = function () {
		return new Promise(function () { setTimeout(function () { throw new Error("boom") }, 10) })
	}`)
	_, err := await(t, h.Future)
	var te *TaskError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "boom", te.Message)
	assert.Equal(t, TaskFailed, h.State())
	require.Eventually(t, func() bool { return p.Free() == 1 }, 5*time.Second, 10*time.Millisecond)

	// 常驻任务的定时器异常只记录日志，任务继续可用
	h = p.PostTask(`
		exports.ping = function () { setTimeout(function () { throw new Error("ignored") }, 1); return "pong" }
	`)
	value, err := await(t, h.Call("ping"))
	require.NoError(t, err)
	assert.Equal(t, "pong", value)
	time.Sleep(20 * time.Millisecond)
	value, err = await(t, h.Call("ping"))
	require.NoError(t, err)
	assert.Equal(t, "pong", value)
	assert.Equal(t, TaskPersistent, h.State())
	_, err = await(t, h.Exit())
	require.NoError(t, err)
}

func TestAtomicInt32(t *testing.T) {
	p := newTestPool(t, 1)

	cell := p.AtomicInt32(5)
	h := p.PostTask(`exports.run = function (c) { c.add(3); return c.value }`, cell)
	value, err := await(t, h.Future)
	require.NoError(t, err)
	assert.Equal(t, int64(8), value)
	assert.Equal(t, int32(8), cell.Load())

	// worker 中创建的共享单元返回后仍是同一块内存
	h = p.PostTask(`var shared = atomicInt32(1)
		exports.run = function () { return shared }
		exports.inc = function () { return shared.add(1) }`)
	value, err = await(t, h.Future)
	require.NoError(t, err)
	remote, ok := value.(*shared.AtomicInt32)
	require.True(t, ok)
	_, err = await(t, h.Call("inc"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), remote.Load())
	h.Exit()
}

func TestTransfer(t *testing.T) {
	p := newTestPool(t, 1)

	buf := []byte{1, 2, 3}
	tr := p.Transfer(&buf)
	assert.Nil(t, buf)

	value, err := await(t, p.PostTask(`exports.run = function (b) { return new Uint8Array(b).length }`, tr).Future)
	require.NoError(t, err)
	assert.Equal(t, int64(3), value)
	assert.True(t, tr.Moved())

	_, err = await(t, p.PostTask(`exports.run = function (b) { return 0 }`, tr).Future)
	assert.ErrorIs(t, err, shared.ErrTransferred)
	require.Eventually(t, func() bool { return p.Free() == 1 }, time.Second, 5*time.Millisecond)

	value, err = await(t, p.PostTask(`exports.run = function () {
		var ab = new Uint8Array([1, 2]).buffer
		var moved = transfer(ab)
		var threw = false
		try { transfer(ab) } catch (e) { threw = true }
		return [ab.byteLength, threw, moved]
	}`).Future)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(0), true, []byte{1, 2}}, value)
}

func TestTerminateRunningTask(t *testing.T) {
	p := newTestPool(t, 1)

	h := p.PostTask(`exports.run = function () { while (true) {} }`)
	require.Eventually(t, func() bool { return h.State() == TaskRunning }, 5*time.Second, 5*time.Millisecond)
	h.Terminate()

	_, err := await(t, h.Future)
	assert.ErrorIs(t, err, ErrTerminated)
	assert.Equal(t, TaskFailed, h.State())

	require.Eventually(t, func() bool { return p.Free() == 1 }, 5*time.Second, 10*time.Millisecond)
	value, err := await(t, p.PostTask(`exports.run = function () { return "alive" }`).Future)
	require.NoError(t, err)
	assert.Equal(t, "alive", value)
}

func TestTerminateQueuedTask(t *testing.T) {
	p := newTestPool(t, 1)

	busy := p.PostTask(`exports.run = function () { sleep(200); return 1 }`)
	queued := p.PostTask(`exports.run = function () { return 2 }`)
	require.Eventually(t, func() bool { return p.Waiting() == 1 }, 5*time.Second, 5*time.Millisecond)

	queued.Terminate()
	_, err := await(t, queued.Future)
	assert.ErrorIs(t, err, ErrTerminated)
	assert.Equal(t, 0, p.Waiting())

	value, err := await(t, busy.Future)
	require.NoError(t, err)
	assert.Equal(t, int64(1), value)
}

func TestBootstrapFailure(t *testing.T) {
	p := NewPool(Options{Size: 1, Loader: &failingLoader{bootstrapErr: errors.New("unreachable")}})
	defer p.Close()

	_, err := await(t, p.PostTask(`exports.run = function () { return 1 }`).Future)
	assert.ErrorIs(t, err, ErrBootstrap)
	assert.ErrorIs(t, p.LastError(), ErrBootstrap)
	assert.Equal(t, 0, p.Waiting())
}

func TestPostTaskFromSource(t *testing.T) {
	p := NewPool(Options{Size: 1, Loader: &failingLoader{}})
	defer p.Close()

	value, err := await(t, p.PostTaskFromSource("source:hello").Future)
	require.NoError(t, err)
	assert.Equal(t, "source:hello", value)

	p = NewPool(Options{Size: 1, Loader: &failingLoader{sourceErr: errors.New("not found")}})
	defer p.Close()

	h := p.PostTaskFromSource("source:missing")
	early := h.Call("anything")
	_, err = await(t, h.Future)
	assert.EqualError(t, err, "fetch source:missing: not found")
	_, err = await(t, early)
	assert.Error(t, err)
}

func TestClose(t *testing.T) {
	p := newTestPool(t, 1)

	running := p.PostTask(`exports.run = function () { while (true) {} }`)
	require.Eventually(t, func() bool { return running.State() == TaskRunning }, 5*time.Second, 5*time.Millisecond)
	p.Close()

	_, err := await(t, running.Future)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = await(t, p.PostTask(`exports.run = function () { return 1 }`).Future)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNativeModules(t *testing.T) {
	p := newTestPool(t, 1)

	value, err := await(t, p.PostTask(`
		var decimal = $native("decimal")
		var base64 = $native("base64")
		exports.run = function () {
			console.info("hardware concurrency", hardwareConcurrency)
			return [decimal("0.1").add(decimal("0.2")).string(), base64.encode("hi")]
		}
	`).Future)
	require.NoError(t, err)
	assert.Equal(t, []any{"0.3", "aGk="}, value)

	_, err = await(t, p.PostTask(`$native("missing")`).Future)
	assert.ErrorContains(t, err, "module is not found: missing")

	// 编码后的图片以 ArrayBuffer 返回，可以直接移交给调用方
	value, err = await(t, p.PostTask(`
		var image = $native("image")
		exports.run = function () {
			var img = image.create(4, 2)
			img.fill("#ff0000")
			var decoded = image.decode(img.encode("png", 0))
			return [decoded.width(), decoded.height(), transfer(decoded.thumbnail(2, 2).encode("", 0))]
		}
	`).Future)
	require.NoError(t, err)
	parts := value.([]any)
	assert.Equal(t, []any{int64(4), int64(2)}, parts[:2])
	assert.Equal(t, []byte("\x89PNG"), parts[2].([]byte)[:4])
}
