// Package watch runs one lightweight liveness poller per tracked pid so
// process exits are noticed within a probe interval rather than a scan tick.
package watch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/watchdeck/watchdeck/internal/logging"
	"github.com/watchdeck/watchdeck/internal/proc"
)

var watchLog = logging.ForComponent(logging.CompWatch)

// Watchers manages the per-pid exit monitors.
type Watchers struct {
	interval time.Duration
	probe    func(pid int) bool
	onExit   func(pid int)

	mu     sync.Mutex
	active map[int]context.CancelFunc
}

// New creates a watcher set. onExit is invoked from the watcher's goroutine
// exactly once per observed exit; the callback funnels into the store's
// completion path, which de-duplicates against the scan loop.
func New(interval time.Duration, onExit func(pid int)) *Watchers {
	return &Watchers{
		interval: interval,
		probe:    proc.Alive,
		onExit:   onExit,
		active:   make(map[int]context.CancelFunc),
	}
}

// SetProbe overrides the liveness probe (tests only).
func (w *Watchers) SetProbe(probe func(pid int) bool) {
	w.probe = probe
}

// Watch starts an exit monitor for pid. Registration is idempotent: a pid
// already being watched is left alone.
func (w *Watchers) Watch(pid int) {
	if pid <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.active[pid]; ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.active[pid] = cancel
	go w.loop(ctx, pid)
	watchLog.Debug("watcher_started", slog.Int("pid", pid))
}

// loop probes pid until it exits or the watcher is canceled.
func (w *Watchers) loop(ctx context.Context, pid int) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.probe(pid) {
				continue
			}
			// Deregister before reporting so Cancel from the completion
			// path is a no-op rather than a race.
			w.remove(pid)
			watchLog.Debug("process_exited", slog.Int("pid", pid))
			w.onExit(pid)
			return
		}
	}
}

// Cancel stops the watcher for pid. Canceling twice, or canceling a pid that
// was never watched, is a no-op.
func (w *Watchers) Cancel(pid int) {
	w.mu.Lock()
	cancel, ok := w.active[pid]
	if ok {
		delete(w.active, pid)
	}
	w.mu.Unlock()
	if ok {
		cancel()
		watchLog.Debug("watcher_canceled", slog.Int("pid", pid))
	}
}

// remove deletes the registration and releases its context.
func (w *Watchers) remove(pid int) {
	w.mu.Lock()
	cancel, ok := w.active[pid]
	if ok {
		delete(w.active, pid)
	}
	w.mu.Unlock()
	if ok {
		cancel()
	}
}

// Watching reports whether pid currently has a watcher (tests and the scan
// loop's idempotent registration).
func (w *Watchers) Watching(pid int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.active[pid]
	return ok
}

// Stop cancels every active watcher.
func (w *Watchers) Stop() {
	w.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(w.active))
	for pid, cancel := range w.active {
		cancels = append(cancels, cancel)
		delete(w.active, pid)
	}
	w.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}
