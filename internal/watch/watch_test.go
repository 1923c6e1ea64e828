package watch

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// aliveSet is a concurrency-safe fake process table.
type aliveSet struct {
	mu   sync.Mutex
	pids map[int]bool
}

func newAliveSet(pids ...int) *aliveSet {
	s := &aliveSet{pids: make(map[int]bool)}
	for _, p := range pids {
		s.pids[p] = true
	}
	return s
}

func (s *aliveSet) alive(pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pids[pid]
}

func (s *aliveSet) kill(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pids, pid)
}

func TestWatcherFiresOnExit(t *testing.T) {
	procs := newAliveSet(100)

	exited := make(chan int, 1)
	w := New(5*time.Millisecond, func(pid int) { exited <- pid })
	w.SetProbe(procs.alive)
	defer w.Stop()

	w.Watch(100)
	require.True(t, w.Watching(100))

	procs.kill(100)

	select {
	case pid := <-exited:
		assert.Equal(t, 100, pid)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never reported the exit")
	}

	// Self-cancels after firing.
	assert.Eventually(t, func() bool { return !w.Watching(100) }, time.Second, 5*time.Millisecond)
}

func TestWatchIsIdempotent(t *testing.T) {
	procs := newAliveSet(100)

	var fires atomic.Int32
	w := New(5*time.Millisecond, func(pid int) { fires.Add(1) })
	w.SetProbe(procs.alive)
	defer w.Stop()

	w.Watch(100)
	w.Watch(100)
	w.Watch(100)

	procs.kill(100)
	assert.Eventually(t, func() bool { return fires.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	// Registering thrice still fires once.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), fires.Load())
}

func TestCancelPreventsFire(t *testing.T) {
	procs := newAliveSet(100)

	var fires atomic.Int32
	w := New(5*time.Millisecond, func(pid int) { fires.Add(1) })
	w.SetProbe(procs.alive)
	defer w.Stop()

	w.Watch(100)
	w.Cancel(100)
	assert.False(t, w.Watching(100))

	procs.kill(100)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), fires.Load())
}

func TestCancelIsIdempotent(t *testing.T) {
	w := New(5*time.Millisecond, func(pid int) {})
	w.SetProbe(func(int) bool { return true })
	defer w.Stop()

	w.Watch(100)
	w.Cancel(100)
	w.Cancel(100) // no-op
	w.Cancel(999) // never watched: no-op
}

func TestInvalidPIDIgnored(t *testing.T) {
	w := New(5*time.Millisecond, func(pid int) {})
	defer w.Stop()

	w.Watch(0)
	w.Watch(-3)
	assert.False(t, w.Watching(0))
	assert.False(t, w.Watching(-3))
}

func TestStopCancelsAll(t *testing.T) {
	procs := newAliveSet(1, 2, 3)

	var fires atomic.Int32
	w := New(5*time.Millisecond, func(pid int) { fires.Add(1) })
	w.SetProbe(procs.alive)

	w.Watch(1)
	w.Watch(2)
	w.Watch(3)
	w.Stop()

	procs.kill(1)
	procs.kill(2)
	procs.kill(3)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), fires.Load())
}
