package scan

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchdeck/watchdeck/internal/proc"
	"github.com/watchdeck/watchdeck/internal/store"
	"github.com/watchdeck/watchdeck/internal/watch"
)

// fakeSource is a mutable in-memory process table.
type fakeSource struct {
	mu    sync.Mutex
	cands []proc.Candidate
	err   error
}

func (f *fakeSource) set(cands ...proc.Candidate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cands = cands
	f.err = nil
}

func (f *fakeSource) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeSource) Candidates(ctx context.Context) ([]proc.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]proc.Candidate(nil), f.cands...), nil
}

// fakeResolver labels every candidate with a fixed host app.
type fakeResolver struct{}

func (fakeResolver) Describe(ctx context.Context, c proc.Candidate) (string, map[string]string) {
	return "iTerm2", map[string]string{"tty": c.TTY}
}

func newLoop(t *testing.T) (*Loop, *fakeSource, *store.Store, *watch.Watchers) {
	t.Helper()
	st, err := store.Open(t.TempDir(), 50, store.Hooks{})
	require.NoError(t, err)
	t.Cleanup(st.Close)

	w := watch.New(time.Hour, func(pid int) {}) // probes never tick in tests
	w.SetProbe(func(int) bool { return true })
	t.Cleanup(w.Stop)

	src := &fakeSource{}
	return New(src, fakeResolver{}, st, w, time.Hour), src, st, w
}

func cand(pid int, dir string) proc.Candidate {
	return proc.Candidate{PID: pid, PPID: 1, TTY: fmt.Sprintf("ttys%03d", pid), Command: "claude", WorkingDir: dir}
}

func TestReconcileCreatesSessions(t *testing.T) {
	loop, src, st, w := newLoop(t)
	src.set(cand(100, "/w/api"), cand(101, "/w/web"))

	loop.Reconcile(context.Background())

	sessions := st.Sessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, store.StatusRunning, sessions[0].Status)
	assert.Equal(t, "api", sessions[0].Project)
	assert.Equal(t, "iTerm2", sessions[0].HostApp)
	assert.True(t, w.Watching(100))
	assert.True(t, w.Watching(101))
}

func TestReconcileIsIdempotent(t *testing.T) {
	loop, src, st, _ := newLoop(t)
	src.set(cand(100, "/w/api"))

	loop.Reconcile(context.Background())
	loop.Reconcile(context.Background())
	loop.Reconcile(context.Background())

	// Scanning repeatedly without process-set changes creates nothing new.
	assert.Len(t, st.Sessions(), 1)
}

func TestReconcileCompletesVanishedPIDs(t *testing.T) {
	loop, src, st, _ := newLoop(t)
	src.set(cand(100, "/w/api"))
	loop.Reconcile(context.Background())

	src.set() // process exited between ticks
	loop.Reconcile(context.Background())

	sessions := st.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, store.StatusCompleted, sessions[0].Status)
	assert.Zero(t, sessions[0].PID)
}

func TestReconcileSkipsIgnoredPIDs(t *testing.T) {
	loop, src, st, _ := newLoop(t)
	src.set(cand(100, "/w/api"))
	loop.Reconcile(context.Background())

	sess := st.Sessions()[0]
	_, ok := st.ForceComplete(sess.ID)
	require.True(t, ok)

	// The pid is still alive but must not be re-detected.
	loop.Reconcile(context.Background())
	assert.Len(t, st.Sessions(), 1)

	// Once the process dies the ignored entry is pruned and a fresh pid in
	// the same directory becomes a new session.
	src.set(cand(200, "/w/api"))
	loop.Reconcile(context.Background())
	loop.Reconcile(context.Background())
	assert.Len(t, st.Sessions(), 2)
}

func TestReconcileDefersCandidatesWithoutCwd(t *testing.T) {
	loop, src, st, _ := newLoop(t)
	src.set(proc.Candidate{PID: 100, TTY: "ttys001", Command: "claude"})

	loop.Reconcile(context.Background())
	assert.Empty(t, st.Sessions())

	// cwd lookup succeeds next cycle.
	src.set(cand(100, "/w/api"))
	loop.Reconcile(context.Background())
	assert.Len(t, st.Sessions(), 1)
}

func TestEnumerationErrorSkipsCycle(t *testing.T) {
	loop, src, st, _ := newLoop(t)
	src.set(cand(100, "/w/api"))
	loop.Reconcile(context.Background())

	// A transient ps failure must not mass-complete running sessions.
	src.fail(fmt.Errorf("fork: resource temporarily unavailable"))
	loop.Reconcile(context.Background())

	sessions := st.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, store.StatusRunning, sessions[0].Status)
}

func TestPidExitAndNewPidWithinOneTick(t *testing.T) {
	loop, src, st, _ := newLoop(t)
	src.set(cand(100, "/w/api"))
	loop.Reconcile(context.Background())

	// 100 exits, 200 appears in the same directory before the next tick.
	src.set(cand(200, "/w/api"))
	loop.Reconcile(context.Background())

	sessions := st.Sessions()
	require.Len(t, sessions, 2)

	byPID := make(map[int]store.Session)
	for _, sess := range sessions {
		if sess.Status == store.StatusRunning {
			byPID[sess.PID] = sess
		}
	}
	require.Contains(t, byPID, 200)
	completed := 0
	for _, sess := range sessions {
		if sess.Status == store.StatusCompleted {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
}

func TestProjectLabel(t *testing.T) {
	assert.Equal(t, "api", projectLabel("/w/api"))
	assert.Equal(t, "unknown", projectLabel(""))
	assert.Equal(t, "unknown", projectLabel("/"))
}
