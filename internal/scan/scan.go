// Package scan reconciles the live process set against the session store on
// a fixed interval. It is the slow-path completion detector; the exit
// watchers are the fast path. Both funnel into the same store transition.
package scan

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/watchdeck/watchdeck/internal/logging"
	"github.com/watchdeck/watchdeck/internal/proc"
	"github.com/watchdeck/watchdeck/internal/store"
	"github.com/watchdeck/watchdeck/internal/watch"
)

var scanLog = logging.ForComponent(logging.CompScan)

// HostResolver maps a candidate to its host application and navigation hints.
// Implemented by host.Registry.
type HostResolver interface {
	Describe(ctx context.Context, c proc.Candidate) (hostApp string, hints map[string]string)
}

// Loop is the periodic reconciler. Reconcile runs on a single goroutine and
// is never concurrent with itself.
type Loop struct {
	source   proc.Source
	resolver HostResolver
	store    *store.Store
	watchers *watch.Watchers
	interval time.Duration
}

// New creates a scan loop.
func New(source proc.Source, resolver HostResolver, st *store.Store, w *watch.Watchers, interval time.Duration) *Loop {
	return &Loop{
		source:   source,
		resolver: resolver,
		store:    st,
		watchers: w,
		interval: interval,
	}
}

// Run reconciles once immediately, then on every tick until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	l.Reconcile(ctx)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.Reconcile(ctx)
		}
	}
}

// Reconcile diffs the live candidate set against the store. New-session
// creation runs before exited-session detection so a pid that exits and a
// different pid that appears within one tick are handled independently.
func (l *Loop) Reconcile(ctx context.Context) {
	candidates, err := l.source.Candidates(ctx)
	if err != nil {
		// A failed enumeration says nothing about individual sessions.
		// Completing everything against an empty candidate list would turn
		// a transient ps failure into mass false completions, so the whole
		// cycle is skipped; the next tick retries naturally.
		scanLog.Warn("enumeration_failed", slog.String("error", err.Error()))
		return
	}

	sessions, ignored := l.store.ScanView()

	live := make(map[int]bool, len(candidates))
	for _, c := range candidates {
		live[c.PID] = true
	}
	bound := make(map[int]bool)
	for _, sess := range sessions {
		if sess.Status == store.StatusRunning && sess.PID > 0 {
			bound[sess.PID] = true
		}
	}

	// Phase 1: create sessions for unbound candidates.
	for _, c := range candidates {
		if ignored[c.PID] || bound[c.PID] {
			// Running sessions keep their watcher across restarts of this
			// process; registration is idempotent.
			if bound[c.PID] {
				l.watchers.Watch(c.PID)
			}
			continue
		}
		if c.WorkingDir == "" {
			// cwd lookup failed this cycle; the pid is retried next tick.
			scanLog.Debug("candidate_deferred", slog.Int("pid", c.PID))
			continue
		}

		hostApp, hints := l.resolver.Describe(ctx, c)
		sess, ok := l.store.CreateRunning(store.NewSession{
			Project:    projectLabel(c.WorkingDir),
			HostApp:    hostApp,
			WorkingDir: c.WorkingDir,
			PID:        c.PID,
			Hints:      hints,
		})
		if !ok {
			continue
		}
		l.watchers.Watch(c.PID)
		scanLog.Info("session_detected",
			slog.String("id", sess.ID),
			slog.String("project", sess.Project),
			slog.String("host", hostApp),
			slog.Int("pid", c.PID))
	}

	// Phase 2: complete running sessions whose pid left the live set. This
	// is the fallback for exit events the watcher missed.
	for _, sess := range sessions {
		if sess.Status != store.StatusRunning || sess.PID <= 0 {
			continue
		}
		if live[sess.PID] {
			continue
		}
		if _, ok := l.store.CompleteByPID(sess.PID, "scan"); ok {
			scanLog.Info("session_completed_by_scan",
				slog.String("id", sess.ID),
				slog.Int("pid", sess.PID))
		}
	}

	// Phase 3: drop ignored pids that are no longer alive.
	l.store.PruneIgnored(live)
}

// projectLabel derives the display label from the working directory.
func projectLabel(dir string) string {
	base := filepath.Base(dir)
	if base == "." || base == string(filepath.Separator) || base == "" {
		return "unknown"
	}
	return base
}
