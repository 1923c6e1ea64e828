// Package alert turns session completions into user-facing notifications,
// sounds, and speech, and keeps nagging on a schedule until the user
// acknowledges. Which channels fire is resolved per session at send time;
// the scheduler never stores alert preferences of its own.
package alert

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/watchdeck/watchdeck/internal/config"
	"github.com/watchdeck/watchdeck/internal/logging"
	"github.com/watchdeck/watchdeck/internal/store"
)

var alertLog = logging.ForComponent(logging.CompAlert)

// sinkTimeout bounds each external delivery command.
const sinkTimeout = 10 * time.Second

// Notifier posts a desktop notification for a completed session.
type Notifier interface {
	Notify(ctx context.Context, sess store.Session) error
}

// SoundPlayer plays the completion chime.
type SoundPlayer interface {
	Play(ctx context.Context) error
}

// Speaker announces the completion out loud.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// ReminderSource validates and records a reminder delivery. Implemented by
// the session store: the call fails once the session is acknowledged,
// removed, or reminders are switched off, which is how stale timers die.
type ReminderSource interface {
	ConsumeReminder(id string) (store.Session, store.EffectiveAlerts, bool)
}

// Scheduler fans completions out to the sinks and owns the reminder timers.
// Trigger and Cancel are called from the store's hook goroutine and must
// stay non-blocking; deliveries run on their own goroutines.
type Scheduler struct {
	source ReminderSource
	notify Notifier
	sound  SoundPlayer
	speak  Speaker
	subs   []config.Substitution

	now func() time.Time

	mu        sync.Mutex
	timers    map[string][]*time.Timer
	remaining map[string]int
	repeats   map[string]chan struct{}
	closed    bool
}

// New creates a scheduler delivering through the given sinks. Any sink may
// be nil, which disables that channel entirely.
func New(source ReminderSource, notify Notifier, sound SoundPlayer, speak Speaker, subs []config.Substitution) *Scheduler {
	return &Scheduler{
		source:    source,
		notify:    notify,
		sound:     sound,
		speak:     speak,
		subs:      subs,
		now:       time.Now,
		timers:    make(map[string][]*time.Timer),
		remaining: make(map[string]int),
		repeats:   make(map[string]chan struct{}),
	}
}

// SetClock overrides the time source (tests only).
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Trigger delivers the initial alert for a freshly completed session and,
// when reminders are enabled, arms the reminder schedule anchored at the
// session's trigger timestamp.
func (s *Scheduler) Trigger(sess store.Session, eff store.EffectiveAlerts, plan store.ReminderPlan) {
	go s.deliver(sess, eff, true)

	if !eff.Reminder {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.scheduleLocked(sess.ID, sess.AlertTriggeredAt, plan)
}

// Replay re-arms reminder timers for a session restored from disk. Fire
// times already in the past are skipped, never delivered late, so a session
// whose whole schedule has elapsed produces nothing.
func (s *Scheduler) Replay(sess store.Session, eff store.EffectiveAlerts, plan store.ReminderPlan) {
	if sess.Status != store.StatusCompleted || !eff.Reminder || sess.AlertTriggeredAt.IsZero() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.scheduleLocked(sess.ID, sess.AlertTriggeredAt, plan)
	alertLog.Debug("reminders_replayed", slog.String("id", sess.ID))
}

// Cancel stops every pending reminder for the session. Safe to call for
// sessions that never had reminders armed.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(id)
}

// Stop cancels all reminders and refuses further scheduling.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id := range s.timers {
		s.cancelLocked(id)
	}
	for id := range s.repeats {
		s.cancelLocked(id)
	}
}

// Armed reports whether the session has reminders pending.
func (s *Scheduler) Armed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timers[id]) > 0 {
		return true
	}
	_, ok := s.repeats[id]
	return ok
}

func (s *Scheduler) cancelLocked(id string) {
	for _, t := range s.timers[id] {
		t.Stop()
	}
	delete(s.timers, id)
	delete(s.remaining, id)
	if stop, ok := s.repeats[id]; ok {
		close(stop)
		delete(s.repeats, id)
	}
}

// scheduleLocked arms the reminder chain for one session. Count 0 means
// repeat until the consume call fails; otherwise one timer per remaining
// future fire time.
func (s *Scheduler) scheduleLocked(id string, anchor time.Time, plan store.ReminderPlan) {
	if plan.Interval <= 0 {
		return
	}
	// Re-triggering replaces any leftover schedule.
	s.cancelLocked(id)

	if plan.Count == 0 {
		stop := make(chan struct{})
		s.repeats[id] = stop
		go s.repeatLoop(id, anchor, plan.Interval, stop)
		return
	}

	now := s.now()
	armed := 0
	for k := 1; k <= plan.Count; k++ {
		at := anchor.Add(time.Duration(k) * plan.Interval)
		d := at.Sub(now)
		if d <= 0 {
			continue
		}
		t := time.AfterFunc(d, func() { s.fire(id) })
		s.timers[id] = append(s.timers[id], t)
		armed++
	}
	if armed > 0 {
		s.remaining[id] = armed
		alertLog.Debug("reminders_armed",
			slog.String("id", id),
			slog.Int("count", armed))
	}
}

// repeatLoop drives the unbounded reminder cadence until canceled or until
// the store stops accepting deliveries for the session.
func (s *Scheduler) repeatLoop(id string, anchor time.Time, interval time.Duration, stop <-chan struct{}) {
	next := anchor.Add(interval)
	now := s.now()
	for !next.After(now) {
		next = next.Add(interval)
	}
	timer := time.NewTimer(next.Sub(now))
	defer timer.Stop()
	for {
		select {
		case <-stop:
			return
		case <-timer.C:
			if !s.fire(id) {
				s.Cancel(id)
				return
			}
			timer.Reset(interval)
		}
	}
}

// fire delivers one reminder. The consume call is the gate: it fails once
// the session is acknowledged, removed, or reminders were turned off, and a
// failed gate stops the rest of the chain.
func (s *Scheduler) fire(id string) bool {
	sess, eff, ok := s.source.ConsumeReminder(id)
	if !ok {
		s.Cancel(id)
		return false
	}

	s.mu.Lock()
	if n, tracked := s.remaining[id]; tracked {
		if n <= 1 {
			s.cancelLocked(id)
		} else {
			s.remaining[id] = n - 1
		}
	}
	s.mu.Unlock()

	alertLog.Info("reminder_fired",
		slog.String("id", id),
		slog.Int("seq", sess.RemindersSent))
	s.deliver(sess, eff, false)
	return true
}

// deliver pushes the alert through each enabled sink. Sink failures are
// independent: a broken speech command never suppresses the notification.
func (s *Scheduler) deliver(sess store.Session, eff store.EffectiveAlerts, initial bool) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	if eff.Notification && s.notify != nil {
		if err := s.notify.Notify(ctx, sess); err != nil {
			alertLog.Warn("notify_failed",
				slog.String("id", sess.ID),
				slog.String("error", err.Error()))
		}
	}
	if eff.Sound && s.sound != nil {
		if err := s.sound.Play(ctx); err != nil {
			alertLog.Warn("sound_failed",
				slog.String("id", sess.ID),
				slog.String("error", err.Error()))
		}
	}
	// Speech only announces the initial completion; repeating it every
	// reminder gets obnoxious fast.
	if initial && eff.Voice && s.speak != nil {
		if err := s.speak.Speak(ctx, s.spoken(sess.Project)); err != nil {
			alertLog.Warn("speak_failed",
				slog.String("id", sess.ID),
				slog.String("error", err.Error()))
		}
	}
}

// spoken renders the announcement text, applying the configured literal
// substitutions to the project name in rule order, case-insensitively.
func (s *Scheduler) spoken(project string) string {
	name := project
	for _, sub := range s.subs {
		name = replaceFold(name, sub.Pattern, sub.Replacement)
	}
	if name == "" {
		name = "session"
	}
	return name + " finished"
}

// replaceFold replaces every case-insensitive occurrence of pat in in with
// repl. Matching is literal, not regex. Matching runs rune by rune over the
// original string: lowercasing can change a rune's byte width ("Ⱥ" grows a
// byte, "İ" shrinks), so byte offsets into a lowered copy do not survive the
// round trip.
func replaceFold(in, pat, repl string) string {
	if pat == "" {
		return in
	}
	var b strings.Builder
	for i := 0; i < len(in); {
		if w := foldPrefixLen(in[i:], pat); w > 0 {
			b.WriteString(repl)
			i += w
			continue
		}
		_, size := utf8.DecodeRuneInString(in[i:])
		b.WriteString(in[i : i+size])
		i += size
	}
	return b.String()
}

// foldPrefixLen returns the byte length of a case-insensitive match of pat at
// the start of s, or 0 when s does not start with pat.
func foldPrefixLen(s, pat string) int {
	n := 0
	for _, pr := range pat {
		r, size := utf8.DecodeRuneInString(s[n:])
		if size == 0 {
			return 0
		}
		if unicode.ToLower(r) != unicode.ToLower(pr) {
			return 0
		}
		n += size
	}
	return n
}
