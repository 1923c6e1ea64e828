package store

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/watchdeck/watchdeck/internal/logging"
)

var storeLog = logging.ForComponent(logging.CompStore)

// ReminderPlan is the reminder configuration captured at trigger time.
type ReminderPlan struct {
	// Interval is the spacing between reminders.
	Interval time.Duration
	// Count is the number of reminders; 0 means repeat until acknowledged.
	Count int
}

// Hooks are invoked on the store goroutine, synchronously with the mutation
// that makes them necessary. They must not call back into the store.
type Hooks struct {
	// Created fires when a new running session is registered.
	Created func(sess Session)

	// Completed fires once per physical completion event, after the
	// transition has been applied and persisted. plan carries the reminder
	// configuration so the subscriber needs no store round-trip.
	Completed func(sess Session, eff EffectiveAlerts, plan ReminderPlan)

	// Canceled fires when pending reminders for a session must stop
	// (acknowledge, removal, trim).
	Canceled func(sessionID string)

	// Released fires when a pid no longer needs an exit watcher.
	Released func(pid int)
}

// NewSession carries the fields the scan loop knows at creation time.
type NewSession struct {
	Project    string
	HostApp    string
	WorkingDir string
	PID        int
	Hints      map[string]string
}

// HookCompletion is the payload pushed by the external completion hook.
type HookCompletion struct {
	HookID       string
	Project      string
	TerminalInfo string
	WorkingDir   string
	Summary      string
	Details      string
	Tag          string
	Hints        map[string]string
}

// Store is the session/group owner. One goroutine serializes every mutation.
type Store struct {
	dir         string
	maxFinished int
	hooks       Hooks

	tasks  chan func()
	closed chan struct{}

	// mu guards closing so late submissions cannot race Close.
	mu      sync.Mutex
	closing bool

	// Everything below is owned by the store goroutine.
	sessions []*Session
	groups   []*Group
	settings Settings
	ignored  map[int]bool
	now      func() time.Time
}

// Open loads durable state from dir and starts the store goroutine.
// Running sessions found on disk are forced to completed: the process cannot
// have verifiably survived the restart.
func Open(dir string, maxFinished int, hooks Hooks) (*Store, error) {
	s := &Store{
		dir:         dir,
		maxFinished: maxFinished,
		hooks:       hooks,
		tasks:       make(chan func(), 64),
		closed:      make(chan struct{}),
		ignored:     make(map[int]bool),
		now:         time.Now,
	}

	if err := s.load(); err != nil {
		return nil, fmt.Errorf("store: load: %w", err)
	}

	go s.run()
	return s, nil
}

func (s *Store) run() {
	for fn := range s.tasks {
		fn()
	}
	close(s.closed)
}

// Close stops the store goroutine after draining queued mutations. Safe to
// call more than once.
func (s *Store) Close() {
	s.mu.Lock()
	already := s.closing
	s.closing = true
	s.mu.Unlock()
	if !already {
		close(s.tasks)
	}
	<-s.closed
}

// do runs fn on the store goroutine and waits for it. fn must not call do.
// After Close it is a no-op: a reminder timer or exit watcher whose callback
// is already in flight when shutdown starts reads zero values instead of
// panicking on the closed task channel.
func (s *Store) do(fn func()) {
	done := make(chan struct{})
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.tasks <- func() {
		defer close(done)
		fn()
	}
	s.mu.Unlock()
	<-done
}

// SetClock overrides the store's time source (tests only). Call before any
// concurrent use.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Sessions returns copies of all sessions in store order.
func (s *Store) Sessions() []Session {
	var out []Session
	s.do(func() {
		out = make([]Session, len(s.sessions))
		for i, sess := range s.sessions {
			out[i] = sess.clone()
		}
	})
	return out
}

// Get returns one session by id.
func (s *Store) Get(id string) (Session, bool) {
	var out Session
	var ok bool
	s.do(func() {
		if sess := s.byID(id); sess != nil {
			out = sess.clone()
			ok = true
		}
	})
	return out, ok
}

// ScanView returns the state the scan loop diffs against: all sessions plus
// the ignored pid set, captured in one store step.
func (s *Store) ScanView() (sessions []Session, ignored map[int]bool) {
	s.do(func() {
		sessions = make([]Session, len(s.sessions))
		for i, sess := range s.sessions {
			sessions[i] = sess.clone()
		}
		ignored = make(map[int]bool, len(s.ignored))
		for pid := range s.ignored {
			ignored[pid] = true
		}
	})
	return sessions, ignored
}

// CreateRunning registers a newly detected process as a running session.
// Group membership is inherited from the most recent prior session sharing
// the working directory. Returns false if a running session already owns the
// pid (duplicate-creation guard).
func (s *Store) CreateRunning(p NewSession) (Session, bool) {
	var out Session
	var ok bool
	s.do(func() {
		if s.runningByPID(p.PID) != nil {
			return
		}
		sess := &Session{
			ID:         newID(),
			Project:    p.Project,
			HostApp:    p.HostApp,
			WorkingDir: p.WorkingDir,
			Status:     StatusRunning,
			PID:        p.PID,
			CreatedAt:  s.now(),
			Hints:      p.Hints,
			GroupID:    s.inheritGroup(p.WorkingDir),
		}
		sess.Order = s.nextOrder(sess.GroupID)
		s.sessions = append(s.sessions, sess)
		s.persistSessions()
		storeLog.Info("session_created",
			slog.String("id", sess.ID),
			slog.String("project", sess.Project),
			slog.Int("pid", sess.PID))
		if s.hooks.Created != nil {
			s.hooks.Created(sess.clone())
		}
		out = sess.clone()
		ok = true
	})
	return out, ok
}

// CompleteByPID transitions the running session bound to pid. Both the exit
// watcher and the scan loop funnel through here; whichever observes the exit
// second finds no running session and no-ops, so the alert fires exactly once.
func (s *Store) CompleteByPID(pid int, source string) (Session, bool) {
	var out Session
	var ok bool
	s.do(func() {
		sess := s.runningByPID(pid)
		if sess == nil {
			return
		}
		s.complete(sess, source)
		out = sess.clone()
		ok = true
	})
	return out, ok
}

// CompleteFromHook applies a hook-reported completion: a running session with
// the same working directory is enriched and completed; otherwise a brand-new
// completed session is created (the process may have exited before the hook
// fired). Returns created=true in the second case.
func (s *Store) CompleteFromHook(h HookCompletion) (Session, bool) {
	var out Session
	var created bool
	s.do(func() {
		if sess := s.runningByDir(h.WorkingDir); sess != nil {
			s.enrich(sess, &h)
			s.complete(sess, "hook")
			out = sess.clone()
			return
		}

		now := s.now()
		sess := &Session{
			ID:               newID(),
			Project:          h.Project,
			HostApp:          h.TerminalInfo,
			WorkingDir:       h.WorkingDir,
			Status:           StatusCompleted,
			CreatedAt:        now,
			CompletedAt:      now,
			Summary:          h.Summary,
			Details:          h.Details,
			Tag:              h.Tag,
			HookID:           h.HookID,
			Hints:            h.Hints,
			GroupID:          s.inheritGroup(h.WorkingDir),
			AlertTriggeredAt: now,
		}
		sess.Order = s.nextOrder(sess.GroupID)
		s.sessions = append(s.sessions, sess)
		s.trim()
		s.persistSessions()
		storeLog.Info("session_created_completed",
			slog.String("id", sess.ID),
			slog.String("project", sess.Project))
		if s.hooks.Completed != nil {
			s.hooks.Completed(sess.clone(), s.effective(sess), s.reminderPlan())
		}
		out = sess.clone()
		created = true
	})
	return out, created
}

// enrich copies hook metadata onto an existing session. Runs on the store
// goroutine.
func (s *Store) enrich(sess *Session, h *HookCompletion) {
	if h.Project != "" {
		sess.Project = h.Project
	}
	if h.Summary != "" {
		sess.Summary = h.Summary
	}
	if h.Details != "" {
		sess.Details = h.Details
	}
	if h.Tag != "" {
		sess.Tag = h.Tag
	}
	if h.HookID != "" {
		sess.HookID = h.HookID
	}
	if len(h.Hints) > 0 {
		if sess.Hints == nil {
			sess.Hints = make(map[string]string, len(h.Hints))
		}
		for k, v := range h.Hints {
			sess.Hints[k] = v
		}
	}
}

// complete is the single code path for the completed transition + alert
// trigger. Runs on the store goroutine.
func (s *Store) complete(sess *Session, source string) {
	now := s.now()
	pid := sess.PID
	sess.Status = StatusCompleted
	sess.CompletedAt = now
	sess.PID = 0
	sess.AlertTriggeredAt = now
	sess.RemindersSent = 0

	s.trim()
	s.persistSessions()

	storeLog.Info("session_completed",
		slog.String("id", sess.ID),
		slog.String("project", sess.Project),
		slog.String("source", source))

	if pid > 0 && s.hooks.Released != nil {
		s.hooks.Released(pid)
	}
	if s.hooks.Completed != nil {
		s.hooks.Completed(sess.clone(), s.effective(sess), s.reminderPlan())
	}
}

// reminderPlan snapshots the reminder cadence from global settings. Runs on
// the store goroutine.
func (s *Store) reminderPlan() ReminderPlan {
	return ReminderPlan{
		Interval: s.settings.ReminderInterval(),
		Count:    s.settings.ReminderCountValue(),
	}
}

// Acknowledge marks a completed session acknowledged and cancels its
// reminders in the same store step.
func (s *Store) Acknowledge(id string) (Session, bool) {
	var out Session
	var ok bool
	s.do(func() {
		sess := s.byID(id)
		if sess == nil || sess.Status != StatusCompleted {
			return
		}
		sess.Status = StatusAcknowledged
		sess.AcknowledgedAt = s.now()
		s.persistSessions()
		storeLog.Info("session_acknowledged", slog.String("id", id))
		if s.hooks.Canceled != nil {
			s.hooks.Canceled(id)
		}
		out = sess.clone()
		ok = true
	})
	return out, ok
}

// Remove deletes a session, canceling its reminders and watcher.
func (s *Store) Remove(id string) (Session, bool) {
	var out Session
	var ok bool
	s.do(func() {
		idx := s.indexByID(id)
		if idx < 0 {
			return
		}
		sess := s.sessions[idx]
		out = sess.clone()
		s.sessions = append(s.sessions[:idx], s.sessions[idx+1:]...)
		s.persistSessions()
		storeLog.Info("session_removed", slog.String("id", id))
		if s.hooks.Canceled != nil {
			s.hooks.Canceled(id)
		}
		if sess.PID > 0 && s.hooks.Released != nil {
			s.hooks.Released(sess.PID)
		}
		ok = true
	})
	return out, ok
}

// ForceComplete completes a session whose process is still alive, adding the
// pid to the ignored set so the scan loop does not re-detect it.
func (s *Store) ForceComplete(id string) (Session, bool) {
	var out Session
	var ok bool
	s.do(func() {
		sess := s.byID(id)
		if sess == nil || sess.Status != StatusRunning {
			return
		}
		if sess.PID > 0 {
			s.ignored[sess.PID] = true
		}
		s.complete(sess, "force")
		out = sess.clone()
		ok = true
	})
	return out, ok
}

// DetachPID releases a running session's process without completing it: the
// pid joins the ignored set so the scan loop cannot re-adopt it, and its exit
// watcher is released. No completion alert fires — the caller is discarding
// the session, not finishing it.
func (s *Store) DetachPID(id string) (pid int, ok bool) {
	s.do(func() {
		sess := s.byID(id)
		if sess == nil || sess.Status != StatusRunning || sess.PID <= 0 {
			return
		}
		pid = sess.PID
		s.ignored[pid] = true
		sess.PID = 0
		s.persistSessions()
		storeLog.Info("session_detached",
			slog.String("id", id),
			slog.Int("pid", pid))
		if s.hooks.Released != nil {
			s.hooks.Released(pid)
		}
		ok = true
	})
	return pid, ok
}

// PruneIgnored drops ignored pids that are no longer alive. live is the pid
// set observed this scan cycle.
func (s *Store) PruneIgnored(live map[int]bool) {
	s.do(func() {
		for pid := range s.ignored {
			if !live[pid] {
				delete(s.ignored, pid)
			}
		}
	})
}

// ConsumeReminder validates a reminder fire against current state and counts
// it. Returns ok=false when the session is gone, no longer completed, or the
// effective reminder setting has been turned off since scheduling.
func (s *Store) ConsumeReminder(id string) (Session, EffectiveAlerts, bool) {
	var out Session
	var eff EffectiveAlerts
	var ok bool
	s.do(func() {
		sess := s.byID(id)
		if sess == nil || sess.Status != StatusCompleted {
			return
		}
		eff = s.effective(sess)
		if !eff.Reminder {
			return
		}
		sess.RemindersSent++
		s.persistSessions()
		out = sess.clone()
		ok = true
	})
	return out, eff, ok
}

// UpdateSettings merges non-nil fields of patch into the global settings.
func (s *Store) UpdateSettings(patch Settings) {
	s.do(func() {
		s.settings.merge(patch)
		s.persistSettings()
		storeLog.Info("settings_updated")
	})
}

// ReplaceSettings swaps the global settings wholesale (hot-reload path).
func (s *Store) ReplaceSettings(next Settings) {
	s.do(func() {
		s.settings = next.clone()
		storeLog.Info("settings_reloaded")
	})
}

// SettingsCopy returns the current global settings.
func (s *Store) SettingsCopy() Settings {
	var out Settings
	s.do(func() {
		out = s.settings.clone()
	})
	return out
}

// SetSessionOverride sets or clears (value nil) one alert attribute.
func (s *Store) SetSessionOverride(id, attr string, value *bool) error {
	var err error
	s.do(func() {
		sess := s.byID(id)
		if sess == nil {
			err = fmt.Errorf("store: no session %s", id)
			return
		}
		if !sess.Overrides.set(attr, value) {
			err = fmt.Errorf("store: unknown alert attribute %q", attr)
			return
		}
		s.persistSessions()
	})
	return err
}

// Effective resolves the alert settings for a session at call time.
func (s *Store) Effective(id string) (EffectiveAlerts, bool) {
	var eff EffectiveAlerts
	var ok bool
	s.do(func() {
		sess := s.byID(id)
		if sess == nil {
			return
		}
		eff = s.effective(sess)
		ok = true
	})
	return eff, ok
}

// --- store-goroutine helpers ---

func (s *Store) byID(id string) *Session {
	if idx := s.indexByID(id); idx >= 0 {
		return s.sessions[idx]
	}
	return nil
}

func (s *Store) indexByID(id string) int {
	for i, sess := range s.sessions {
		if sess.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) runningByPID(pid int) *Session {
	if pid <= 0 {
		return nil
	}
	for _, sess := range s.sessions {
		if sess.Status == StatusRunning && sess.PID == pid {
			return sess
		}
	}
	return nil
}

// runningByDir returns the first running session with the working directory.
// When several match, first in store order wins.
func (s *Store) runningByDir(dir string) *Session {
	for _, sess := range s.sessions {
		if sess.Status == StatusRunning && sess.WorkingDir == dir {
			return sess
		}
	}
	return nil
}

// inheritGroup finds the group of the most recent prior session sharing the
// working directory (continuity heuristic).
func (s *Store) inheritGroup(dir string) string {
	var latest *Session
	for _, sess := range s.sessions {
		if sess.WorkingDir != dir || sess.GroupID == "" {
			continue
		}
		if latest == nil || sess.CreatedAt.After(latest.CreatedAt) {
			latest = sess
		}
	}
	if latest == nil {
		return ""
	}
	if s.groupByID(latest.GroupID) == nil {
		return ""
	}
	return latest.GroupID
}

func (s *Store) nextOrder(groupID string) int {
	max := -1
	for _, sess := range s.sessions {
		if sess.GroupID == groupID && sess.Order > max {
			max = sess.Order
		}
	}
	return max + 1
}

func (s *Store) effective(sess *Session) EffectiveAlerts {
	return resolveEffective(sess, s.groupByID(sess.GroupID), &s.settings)
}

// trim removes the oldest finished sessions past the retention cap, canceling
// their pending reminders. Running sessions are never trimmed.
func (s *Store) trim() {
	if s.maxFinished <= 0 {
		return
	}
	var finished []*Session
	for _, sess := range s.sessions {
		if sess.Finished() {
			finished = append(finished, sess)
		}
	}
	excess := len(finished) - s.maxFinished
	if excess <= 0 {
		return
	}

	sort.Slice(finished, func(i, j int) bool {
		return finished[i].finishedAt().Before(finished[j].finishedAt())
	})
	doomed := make(map[string]bool, excess)
	for _, sess := range finished[:excess] {
		doomed[sess.ID] = true
	}

	kept := s.sessions[:0]
	for _, sess := range s.sessions {
		if doomed[sess.ID] {
			storeLog.Info("session_trimmed", slog.String("id", sess.ID))
			if s.hooks.Canceled != nil {
				s.hooks.Canceled(sess.ID)
			}
			continue
		}
		kept = append(kept, sess)
	}
	s.sessions = kept
}
