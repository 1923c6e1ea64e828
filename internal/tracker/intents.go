package tracker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/watchdeck/watchdeck/internal/host"
	"github.com/watchdeck/watchdeck/internal/journal"
	"github.com/watchdeck/watchdeck/internal/store"
)

// Snapshot returns the renderer-facing view: groups in sort order, then
// ungrouped sessions, each annotated with effective alert booleans. query
// optionally fuzzy-filters on project, path, and tag.
func (t *Tracker) Snapshot(query string) store.Snapshot {
	return t.store.TakeSnapshot(query)
}

// Session returns one session by id.
func (t *Tracker) Session(id string) (store.Session, bool) {
	return t.store.Get(id)
}

// RecentEvents returns the newest journal rows, newest first. Empty without
// a journal.
func (t *Tracker) RecentEvents(limit int) []journal.Event {
	if t.events == nil {
		return nil
	}
	evs, err := t.events.Recent(limit)
	if err != nil {
		trackLog.Warn("journal_read_failed", slog.String("error", err.Error()))
		return nil
	}
	return evs
}

// Acknowledge marks a completed session acknowledged. The store hook cancels
// its reminders in the same step.
func (t *Tracker) Acknowledge(id string) error {
	sess, ok := t.store.Acknowledge(id)
	if !ok {
		return fmt.Errorf("tracker: acknowledge %s: not a completed session", id)
	}
	t.record(journal.KindAcknowledged, sess, "")
	return nil
}

// RemoveSession deletes a session outright, canceling reminders and watcher.
func (t *Tracker) RemoveSession(id string) error {
	sess, ok := t.store.Remove(id)
	if !ok {
		return fmt.Errorf("tracker: remove %s: no such session", id)
	}
	t.record(journal.KindRemoved, sess, "")
	return nil
}

// ForceComplete completes a running session while its process is still
// alive, and ignores the pid until it actually exits.
func (t *Tracker) ForceComplete(id string) error {
	if _, ok := t.store.ForceComplete(id); !ok {
		return fmt.Errorf("tracker: force-complete %s: not a running session", id)
	}
	return nil
}

// KillProcess sends SIGTERM to the session's process and removes the
// session. The termination failure is reported but the removal still runs;
// the pid stays ignored by the scanner either way.
func (t *Tracker) KillProcess(id string) error {
	sess, ok := t.store.Get(id)
	if !ok {
		return fmt.Errorf("tracker: kill %s: no such session", id)
	}

	var termErr error
	if sess.Status == store.StatusRunning && sess.PID > 0 {
		// Ignore the pid first so the scanner cannot re-adopt it while it
		// shuts down. Detaching skips the completion alert: the user is
		// discarding this session, not finishing it.
		t.store.DetachPID(id)
		termErr = t.terminate(sess.PID)
	}
	if _, ok := t.store.Remove(id); ok {
		t.record(journal.KindRemoved, sess, "killed")
	}
	if termErr != nil {
		return fmt.Errorf("tracker: kill %s: %w", id, termErr)
	}
	return nil
}

// Activate brings the session's hosting terminal to the foreground.
func (t *Tracker) Activate(ctx context.Context, id string) error {
	sess, ok := t.store.Get(id)
	if !ok {
		return fmt.Errorf("tracker: activate %s: no such session", id)
	}
	res := t.hosts.ByName(sess.HostApp)
	return res.Activate(ctx, host.SessionContext{HostApp: sess.HostApp, Hints: sess.Hints})
}

// SetSessionOverride sets or clears one per-session alert override.
func (t *Tracker) SetSessionOverride(id, attr string, value *bool) error {
	return t.store.SetSessionOverride(id, attr, value)
}

// SetGroupOverride sets or clears one group-level alert override.
func (t *Tracker) SetGroupOverride(id, attr string, value *bool) error {
	return t.store.SetGroupOverride(id, attr, value)
}

// CreateGroup adds a group.
func (t *Tracker) CreateGroup(name, color string) store.Group {
	return t.store.CreateGroup(name, color)
}

// UpdateGroup renames or recolors a group.
func (t *Tracker) UpdateGroup(id, name, color string) error {
	return t.store.UpdateGroup(id, name, color)
}

// DeleteGroup removes a group; member sessions become ungrouped.
func (t *Tracker) DeleteGroup(id string) error {
	return t.store.DeleteGroup(id)
}

// ReorderGroup moves a group to a new position.
func (t *Tracker) ReorderGroup(id string, newIndex int) error {
	return t.store.ReorderGroup(id, newIndex)
}

// SetSessionGroup moves a session into a group ("" for ungrouped).
func (t *Tracker) SetSessionGroup(sessionID, groupID string) error {
	return t.store.SetSessionGroup(sessionID, groupID)
}

// ReorderWithinGroup moves a session inside its group.
func (t *Tracker) ReorderWithinGroup(sessionID string, newIndex int) error {
	return t.store.ReorderWithinGroup(sessionID, newIndex)
}

// UpdateGlobalSettings merges a settings patch and persists it.
func (t *Tracker) UpdateGlobalSettings(patch store.Settings) {
	t.store.UpdateSettings(patch)
}

// Settings returns a copy of the current global settings.
func (t *Tracker) Settings() store.Settings {
	return t.store.SettingsCopy()
}
