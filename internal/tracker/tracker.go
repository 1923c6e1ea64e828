// Package tracker wires the subsystems together: process scanning, exit
// watching, the hook listener, alert scheduling, and the journal, all around
// the single session store. It is also the surface the frontend calls.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/watchdeck/watchdeck/internal/alert"
	"github.com/watchdeck/watchdeck/internal/config"
	"github.com/watchdeck/watchdeck/internal/host"
	"github.com/watchdeck/watchdeck/internal/ingress"
	"github.com/watchdeck/watchdeck/internal/journal"
	"github.com/watchdeck/watchdeck/internal/logging"
	"github.com/watchdeck/watchdeck/internal/proc"
	"github.com/watchdeck/watchdeck/internal/scan"
	"github.com/watchdeck/watchdeck/internal/store"
	"github.com/watchdeck/watchdeck/internal/watch"
)

var trackLog = logging.ForComponent(logging.CompMain)

// shutdownTimeout bounds graceful ingress shutdown.
const shutdownTimeout = 5 * time.Second

// Tracker owns every subsystem for one state directory.
type Tracker struct {
	dir string
	cfg *config.Config

	store    *store.Store
	watchers *watch.Watchers
	scanner  *scan.Loop
	listener *ingress.Server
	alerts   *alert.Scheduler
	hosts    *host.Registry
	events   *journal.Journal // nil when disabled or unavailable

	terminate func(pid int) error
}

// Option tweaks construction (tests swap process sources and sinks).
type Option func(*options)

type options struct {
	source    proc.Source
	resolver  scan.HostResolver
	notifier  alert.Notifier
	sound     alert.SoundPlayer
	speaker   alert.Speaker
	terminate func(pid int) error
	probe     func(pid int) bool
}

// WithSource overrides process enumeration.
func WithSource(src proc.Source) Option { return func(o *options) { o.source = src } }

// WithResolver overrides host resolution.
func WithResolver(r scan.HostResolver) Option { return func(o *options) { o.resolver = r } }

// WithSinks overrides the alert delivery sinks.
func WithSinks(n alert.Notifier, s alert.SoundPlayer, v alert.Speaker) Option {
	return func(o *options) { o.notifier, o.sound, o.speaker = n, s, v }
}

// WithTerminate overrides process termination.
func WithTerminate(fn func(pid int) error) Option { return func(o *options) { o.terminate = fn } }

// WithProbe overrides the exit watcher liveness probe.
func WithProbe(fn func(pid int) bool) Option { return func(o *options) { o.probe = fn } }

// New builds a tracker rooted at dir. The store is opened (restart recovery
// included) but nothing runs until Run.
func New(dir string, cfg *config.Config, opts ...Option) (*Tracker, error) {
	o := &options{
		notifier:  alert.NewExecNotifier(),
		sound:     alert.NewExecSoundPlayer(),
		speaker:   alert.NewExecSpeaker(),
		terminate: proc.Terminate,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.source == nil {
		o.source = proc.NewPSSource(cfg.Scanner.ProcessNames)
	}

	t := &Tracker{dir: dir, cfg: cfg, terminate: o.terminate}

	t.hosts = host.NewRegistry()
	if o.resolver == nil {
		o.resolver = t.hosts
	}

	// The hook closures capture t; every field they touch is assigned before
	// Open returns and hooks only fire from post-construction mutations.
	t.watchers = watch.New(cfg.ExitProbeInterval(), func(pid int) {
		t.store.CompleteByPID(pid, "watcher")
	})
	if o.probe != nil {
		t.watchers.SetProbe(o.probe)
	}

	st, err := store.Open(dir, cfg.Retention.MaxFinished, store.Hooks{
		Created:   t.onCreated,
		Completed: t.onCompleted,
		Canceled:  func(id string) { t.alerts.Cancel(id) },
		Released:  func(pid int) { t.watchers.Cancel(pid) },
	})
	if err != nil {
		t.watchers.Stop()
		return nil, err
	}
	t.store = st

	t.alerts = alert.New(t, o.notifier, o.sound, o.speaker, cfg.Voice.Substitutions)
	t.scanner = scan.New(o.source, o.resolver, st, t.watchers, cfg.ScanInterval())
	t.listener = ingress.NewServer(ingress.Config{
		Port:          cfg.Ingress.Port,
		RatePerSecond: cfg.Ingress.RatePerSecond,
		Burst:         cfg.Ingress.Burst,
	}, st)

	if cfg.Journal.Enabled != nil && *cfg.Journal.Enabled {
		j, err := journal.Open(filepath.Join(dir, journal.FileName), cfg.Journal.MaxEvents)
		if err != nil {
			// Journal failures are never fatal; run without it.
			trackLog.Warn("journal_disabled", slog.String("error", err.Error()))
		} else {
			t.events = j
		}
	}

	return t, nil
}

// Run replays pending reminders, then drives the scan loop, the hook
// listener, and the settings watcher until ctx is canceled.
func (t *Tracker) Run(ctx context.Context) error {
	t.replayReminders()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return t.scanner.Run(ctx) })
	g.Go(func() error { return t.listener.Start() })
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return t.listener.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return t.watchSettings(ctx) })

	err := g.Wait()
	if err == context.Canceled || err == nil {
		return nil
	}
	return fmt.Errorf("tracker: %w", err)
}

// Close releases every subsystem. Call after Run returns.
func (t *Tracker) Close() {
	t.alerts.Stop()
	t.watchers.Stop()
	t.store.Close()
	if t.events != nil {
		if err := t.events.Close(); err != nil {
			trackLog.Warn("journal_close_failed", slog.String("error", err.Error()))
		}
	}
}

// replayReminders re-arms reminder timers for completed sessions restored
// from disk. Overdue fire times are skipped inside the scheduler.
func (t *Tracker) replayReminders() {
	settings := t.store.SettingsCopy()
	plan := store.ReminderPlan{
		Interval: settings.ReminderInterval(),
		Count:    settings.ReminderCountValue(),
	}
	for _, sess := range t.store.Sessions() {
		if sess.Status != store.StatusCompleted {
			continue
		}
		eff, ok := t.store.Effective(sess.ID)
		if !ok {
			continue
		}
		t.alerts.Replay(sess, eff, plan)
	}
}

// ConsumeReminder gates a reminder delivery through the store and journals
// it. Implements alert.ReminderSource.
func (t *Tracker) ConsumeReminder(id string) (store.Session, store.EffectiveAlerts, bool) {
	sess, eff, ok := t.store.ConsumeReminder(id)
	if ok {
		t.record(journal.KindReminder, sess, fmt.Sprintf("seq=%d", sess.RemindersSent))
	}
	return sess, eff, ok
}

// onCreated runs on the store goroutine; must not call back into the store.
func (t *Tracker) onCreated(sess store.Session) {
	t.record(journal.KindDetected, sess, sess.HostApp)
}

// onCompleted runs on the store goroutine; must not call back into the
// store. Both Trigger and Record are non-blocking.
func (t *Tracker) onCompleted(sess store.Session, eff store.EffectiveAlerts, plan store.ReminderPlan) {
	t.record(journal.KindCompleted, sess, "")
	t.alerts.Trigger(sess, eff, plan)
}

func (t *Tracker) record(kind string, sess store.Session, detail string) {
	if t.events == nil {
		return
	}
	t.events.Record(journal.Event{
		Kind:      kind,
		SessionID: sess.ID,
		Project:   sess.Project,
		Detail:    detail,
	})
}
