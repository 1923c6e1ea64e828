package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchdeck/watchdeck/internal/config"
	"github.com/watchdeck/watchdeck/internal/journal"
	"github.com/watchdeck/watchdeck/internal/proc"
	"github.com/watchdeck/watchdeck/internal/store"
)

// fakeSource is a mutable in-memory process table.
type fakeSource struct {
	mu    sync.Mutex
	cands []proc.Candidate
}

func (f *fakeSource) set(cands ...proc.Candidate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cands = cands
}

func (f *fakeSource) Candidates(ctx context.Context) ([]proc.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]proc.Candidate(nil), f.cands...), nil
}

type fakeResolver struct{}

func (fakeResolver) Describe(ctx context.Context, c proc.Candidate) (string, map[string]string) {
	return "iTerm2", map[string]string{"tty": c.TTY}
}

type quietSinks struct {
	notified atomic.Int32
	played   atomic.Int32
	spoke    atomic.Int32
}

func (q *quietSinks) Notify(ctx context.Context, sess store.Session) error {
	q.notified.Add(1)
	return nil
}
func (q *quietSinks) Play(ctx context.Context) error { q.played.Add(1); return nil }
func (q *quietSinks) Speak(ctx context.Context, text string) error {
	q.spoke.Add(1)
	return nil
}

type terminateRecorder struct {
	mu   sync.Mutex
	pids []int
}

func (r *terminateRecorder) terminate(pid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pids = append(r.pids, pid)
	return nil
}

func (r *terminateRecorder) terminated() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.pids...)
}

type fixture struct {
	tr    *Tracker
	src   *fakeSource
	sinks *quietSinks
	term  *terminateRecorder
	dir   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()

	src := &fakeSource{}
	sinks := &quietSinks{}
	term := &terminateRecorder{}

	tr, err := New(dir, cfg,
		WithSource(src),
		WithResolver(fakeResolver{}),
		WithSinks(sinks, sinks, sinks),
		WithTerminate(term.terminate),
		WithProbe(func(int) bool { return true }),
	)
	require.NoError(t, err)
	t.Cleanup(tr.Close)

	return &fixture{tr: tr, src: src, sinks: sinks, term: term, dir: dir}
}

func cand(pid int, dir string) proc.Candidate {
	return proc.Candidate{PID: pid, PPID: 1, TTY: fmt.Sprintf("ttys%03d", pid), Command: "claude", WorkingDir: dir}
}

func TestScanDetectionToCompletionFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.src.set(cand(100, "/w/api"))
	f.tr.scanner.Reconcile(ctx)

	snap := f.tr.Snapshot("")
	require.Len(t, snap.Ungrouped, 1)
	assert.Equal(t, store.StatusRunning, snap.Ungrouped[0].Session.Status)
	assert.Equal(t, "api", snap.Ungrouped[0].Session.Project)

	f.src.set()
	f.tr.scanner.Reconcile(ctx)

	snap = f.tr.Snapshot("")
	require.Len(t, snap.Ungrouped, 1)
	assert.Equal(t, store.StatusCompleted, snap.Ungrouped[0].Session.Status)

	// Default settings: notification, sound, and voice all fire once.
	assert.Eventually(t, func() bool {
		return f.sinks.notified.Load() == 1 && f.sinks.played.Load() == 1 && f.sinks.spoke.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestJournalRecordsTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.src.set(cand(100, "/w/api"))
	f.tr.scanner.Reconcile(ctx)
	f.src.set()
	f.tr.scanner.Reconcile(ctx)

	id := f.tr.Snapshot("").Ungrouped[0].Session.ID
	require.NoError(t, f.tr.Acknowledge(id))

	require.Eventually(t, func() bool {
		evs := f.tr.RecentEvents(10)
		return len(evs) == 3
	}, 2*time.Second, 10*time.Millisecond)

	evs := f.tr.RecentEvents(10)
	assert.Equal(t, journal.KindAcknowledged, evs[0].Kind)
	assert.Equal(t, journal.KindCompleted, evs[1].Kind)
	assert.Equal(t, journal.KindDetected, evs[2].Kind)
	assert.Equal(t, id, evs[0].SessionID)
}

func TestHookIngressCompletesRunningSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.src.set(cand(100, "/w/api"))
	f.tr.scanner.Reconcile(ctx)

	body := `{"id": "hook-7", "projectName": "api", "terminalInfo": "iTerm2", "workingDirectory": "/w/api", "summary": "done with refactor", "tag": "review"}`
	req := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.tr.listener.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	snap := f.tr.Snapshot("")
	require.Len(t, snap.Ungrouped, 1)
	assert.Equal(t, store.StatusCompleted, snap.Ungrouped[0].Session.Status)
	assert.Equal(t, "done with refactor", snap.Ungrouped[0].Session.Summary)
	assert.Equal(t, "review", snap.Ungrouped[0].Session.Tag)
	assert.Equal(t, "hook-7", snap.Ungrouped[0].Session.HookID)
}

func TestKillProcessTerminatesAndRemoves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.src.set(cand(100, "/w/api"))
	f.tr.scanner.Reconcile(ctx)
	id := f.tr.Snapshot("").Ungrouped[0].Session.ID

	require.NoError(t, f.tr.KillProcess(id))
	assert.Equal(t, []int{100}, f.term.terminated())

	_, ok := f.tr.Session(id)
	assert.False(t, ok)

	// The dying pid stays ignored: another tick with it still alive must not
	// resurrect a session.
	f.tr.scanner.Reconcile(ctx)
	assert.Empty(t, f.tr.Snapshot("").Ungrouped)
}

func TestKillProcessSkipsCompletionAlert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.src.set(cand(100, "/w/api"))
	f.tr.scanner.Reconcile(ctx)
	id := f.tr.Snapshot("").Ungrouped[0].Session.ID

	require.NoError(t, f.tr.KillProcess(id))
	assert.Equal(t, []int{100}, f.term.terminated())

	// Killing discards the session; no notification, sound, or speech fires
	// for it.
	assert.Never(t, func() bool {
		return f.sinks.notified.Load() > 0 || f.sinks.played.Load() > 0 || f.sinks.spoke.Load() > 0
	}, 300*time.Millisecond, 25*time.Millisecond)
}

func TestRestartRecoveryCompletesRunningSessions(t *testing.T) {
	dir := t.TempDir()

	sessions := []store.Session{{
		ID:         "persisted",
		Project:    "api",
		WorkingDir: "/w/api",
		Status:     store.StatusRunning,
		PID:        4242,
		CreatedAt:  time.Now().Add(-time.Hour),
	}}
	data, err := json.Marshal(sessions)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sessions.json"), data, 0600))

	tr, err := New(dir, config.Default(),
		WithSource(&fakeSource{}),
		WithResolver(fakeResolver{}),
		WithSinks(&quietSinks{}, &quietSinks{}, &quietSinks{}),
	)
	require.NoError(t, err)
	defer tr.Close()

	sess, ok := tr.Session("persisted")
	require.True(t, ok)
	assert.Equal(t, store.StatusCompleted, sess.Status)
	assert.False(t, sess.AlertTriggeredAt.IsZero())
}

func TestAcknowledgeRejectsRunningSession(t *testing.T) {
	f := newFixture(t)

	f.src.set(cand(100, "/w/api"))
	f.tr.scanner.Reconcile(context.Background())
	id := f.tr.Snapshot("").Ungrouped[0].Session.ID

	assert.Error(t, f.tr.Acknowledge(id))
}

func TestReloadSettingsSwapsChangedFile(t *testing.T) {
	f := newFixture(t)

	off := false
	next := store.Settings{Notification: &off}
	data, err := json.Marshal(next)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.SettingsPath(f.dir), data, 0600))

	f.tr.reloadSettings()
	got := f.tr.Settings()
	assert.False(t, got.NotificationOn())
}

func TestReloadSettingsIgnoresIdenticalFile(t *testing.T) {
	f := newFixture(t)

	off := false
	f.tr.UpdateGlobalSettings(store.Settings{Sound: &off})
	before := f.tr.Settings()

	// The store's own persist produced this file; reloading it is a no-op.
	f.tr.reloadSettings()
	after := f.tr.Settings()
	assert.Equal(t, before, after)
	assert.False(t, after.SoundOn())
}

func TestSettingsWatcherPicksUpExternalRewrite(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.tr.watchSettings(ctx) }()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)

	off := false
	data, err := json.Marshal(store.Settings{Voice: &off})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.SettingsPath(f.dir), data, 0600))

	assert.Eventually(t, func() bool {
		cur := f.tr.Settings()
		return !cur.VoiceOn()
	}, 3*time.Second, 25*time.Millisecond)
}

func TestSetOverridesFlowThroughEffective(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.src.set(cand(100, "/w/api"))
	f.tr.scanner.Reconcile(ctx)
	id := f.tr.Snapshot("").Ungrouped[0].Session.ID

	off := false
	require.NoError(t, f.tr.SetSessionOverride(id, store.AttrNotification, &off))

	snap := f.tr.Snapshot("")
	require.Len(t, snap.Ungrouped, 1)
	assert.False(t, snap.Ungrouped[0].Effective.Notification)

	// Clearing falls back to the global default.
	require.NoError(t, f.tr.SetSessionOverride(id, store.AttrNotification, nil))
	snap = f.tr.Snapshot("")
	assert.True(t, snap.Ungrouped[0].Effective.Notification)
}

func TestGroupLifecycleThroughTracker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.src.set(cand(100, "/w/api"))
	f.tr.scanner.Reconcile(ctx)
	id := f.tr.Snapshot("").Ungrouped[0].Session.ID

	g := f.tr.CreateGroup("backend", "blue")
	require.NoError(t, f.tr.SetSessionGroup(id, g.ID))

	snap := f.tr.Snapshot("")
	require.Len(t, snap.Groups, 1)
	assert.Equal(t, "backend", snap.Groups[0].Group.Name)
	require.Len(t, snap.Groups[0].Sessions, 1)
	assert.Empty(t, snap.Ungrouped)

	require.NoError(t, f.tr.DeleteGroup(g.ID))
	snap = f.tr.Snapshot("")
	assert.Empty(t, snap.Groups)
	assert.Len(t, snap.Ungrouped, 1)
}
