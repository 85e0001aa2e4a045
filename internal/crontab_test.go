package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler(t *testing.T) {
	l := openTestDb(t)
	p := NewPool(Options{Size: 1, Loader: l})
	defer p.Close()

	_, err := l.Db.Exec("insert into source (name, content, active, cron) values (?, ?, ?, ?), (?, ?, ?, ?), (?, ?, ?, ?), (?, ?, ?, ?)",
		"daemon", `exports.ping = function () { return "pong" }`, true, "@daemon",
		"hourly", `exports.run = function () {}`, true, "0 * * * *",
		"broken", `exports.run = function () {}`, true, "not a cron",
		"inactive", `exports.run = function () {}`, false, "0 * * * *")
	require.NoError(t, err)

	s := NewScheduler(p, l.Db)
	defer s.Stop()
	require.NoError(t, s.Reload(""))

	assert.Equal(t, 1, s.Crontabs())
	require.Eventually(t, func() bool { return s.Daemons()["daemon"] == "persistent" }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, p.Free())

	// 停用后重新加载，定时任务被移除
	_, err = l.Db.Exec("update source set active = false where name = ?", "hourly")
	require.NoError(t, err)
	require.NoError(t, s.Reload("hourly"))
	assert.Equal(t, 0, s.Crontabs())

	s.Remove("daemon")
	assert.Empty(t, s.Daemons())
	require.Eventually(t, func() bool { return p.Free() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestEndedDaemonIsPruned(t *testing.T) {
	l := openTestDb(t)
	p := NewPool(Options{Size: 1, Loader: l})
	defer p.Close()

	_, err := l.Db.Exec("insert into source (name, content, active, cron) values (?, ?, ?, ?)",
		"stopper", `exports.stop = function () { exit(); return "bye" }`, true, "@daemon")
	require.NoError(t, err)

	s := NewScheduler(p, l.Db)
	defer s.Stop()
	require.NoError(t, s.Reload(""))
	require.Eventually(t, func() bool { return s.Daemons()["stopper"] == "persistent" }, 5*time.Second, 10*time.Millisecond)

	s.mu.Lock()
	h := s.daemons["stopper"]
	s.mu.Unlock()
	value, err := await(t, h.Call("stop"))
	require.NoError(t, err)
	assert.Equal(t, "bye", value)

	require.Eventually(t, func() bool { return len(s.Daemons()) == 0 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return p.Free() == 1 }, 5*time.Second, 10*time.Millisecond)
}
