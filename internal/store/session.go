// Package store owns the authoritative session and group collections. All
// mutation runs on a single store goroutine; producers submit closures rather
// than taking locks. Durable state is three JSON documents written atomically.
package store

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a session. Transitions are monotonic
// running -> completed -> acknowledged; the only exception is restart
// recovery, which forces stale running sessions to completed at load time.
type Status string

const (
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusAcknowledged Status = "acknowledged"
)

// Session is one tracked lifecycle of an external CLI task, from process
// detection (or hook report) through completion to acknowledgment.
type Session struct {
	ID         string `json:"id"`
	Project    string `json:"project"`
	HostApp    string `json:"host_app"`
	WorkingDir string `json:"working_dir"`
	Status     Status `json:"status"`

	// PID is zero once the process has exited.
	PID int `json:"pid,omitempty"`

	CreatedAt      time.Time `json:"created_at"`
	CompletedAt    time.Time `json:"completed_at,omitempty"`
	AcknowledgedAt time.Time `json:"acknowledged_at,omitempty"`

	Summary string `json:"summary,omitempty"`
	Details string `json:"details,omitempty"`
	Tag     string `json:"tag,omitempty"`

	// HookID is the identity the external completion hook reported, set only
	// when the completion arrived (or was enriched) through the hook ingress.
	HookID string `json:"hook_id,omitempty"`

	// Hints are host-specific navigation keys (e.g. a tmux pane id),
	// captured once at creation and never interpreted by the core.
	Hints map[string]string `json:"hints,omitempty"`

	Overrides Overrides `json:"overrides,omitempty"`

	// GroupID is empty for ungrouped sessions.
	GroupID string `json:"group_id,omitempty"`
	Order   int    `json:"order"`

	// AlertTriggeredAt anchors reminder scheduling. Exactly one trigger
	// timestamp exists per completion event.
	AlertTriggeredAt time.Time `json:"alert_triggered_at,omitempty"`
	RemindersSent    int       `json:"reminders_sent,omitempty"`
}

// Finished reports whether the session is past the running state.
func (s *Session) Finished() bool {
	return s.Status == StatusCompleted || s.Status == StatusAcknowledged
}

// finishedAt orders finished sessions for retention trimming.
func (s *Session) finishedAt() time.Time {
	if !s.CompletedAt.IsZero() {
		return s.CompletedAt
	}
	return s.CreatedAt
}

// clone returns a deep copy safe to hand outside the store goroutine.
func (s *Session) clone() Session {
	c := *s
	if s.Hints != nil {
		c.Hints = make(map[string]string, len(s.Hints))
		for k, v := range s.Hints {
			c.Hints[k] = v
		}
	}
	c.Overrides = s.Overrides.clone()
	return c
}

// Group is a user-defined bucket of sessions sharing default alert overrides
// and display ordering.
type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Color     string    `json:"color,omitempty"`
	Order     int       `json:"order"`
	Overrides Overrides `json:"overrides,omitempty"`
}

func (g *Group) clone() Group {
	c := *g
	c.Overrides = g.Overrides.clone()
	return c
}

// Overrides are per-session or per-group alert settings. Nil means
// "inherit from the next level"; the chain is session -> group -> global.
type Overrides struct {
	Notification *bool `json:"notification,omitempty"`
	Sound        *bool `json:"sound,omitempty"`
	Voice        *bool `json:"voice,omitempty"`
	Reminder     *bool `json:"reminder,omitempty"`
}

func (o Overrides) clone() Overrides {
	return Overrides{
		Notification: cloneBool(o.Notification),
		Sound:        cloneBool(o.Sound),
		Voice:        cloneBool(o.Voice),
		Reminder:     cloneBool(o.Reminder),
	}
}

func cloneBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}

// Attribute names accepted by SetSessionOverride / SetGroupOverride.
const (
	AttrNotification = "notification"
	AttrSound        = "sound"
	AttrVoice        = "voice"
	AttrReminder     = "reminder"
)

// set assigns one attribute; value nil clears it back to inherit.
func (o *Overrides) set(attr string, value *bool) bool {
	switch attr {
	case AttrNotification:
		o.Notification = cloneBool(value)
	case AttrSound:
		o.Sound = cloneBool(value)
	case AttrVoice:
		o.Voice = cloneBool(value)
	case AttrReminder:
		o.Reminder = cloneBool(value)
	default:
		return false
	}
	return true
}

// EffectiveAlerts is the fully resolved alert enablement for one session.
type EffectiveAlerts struct {
	Notification bool `json:"notification"`
	Sound        bool `json:"sound"`
	Voice        bool `json:"voice"`
	Reminder     bool `json:"reminder"`
}

// resolveEffective applies session > group > global precedence. group may be
// nil for ungrouped sessions.
func resolveEffective(s *Session, g *Group, set *Settings) EffectiveAlerts {
	pick := func(sess, grp *bool, global bool) bool {
		if sess != nil {
			return *sess
		}
		if grp != nil {
			return *grp
		}
		return global
	}
	var grp Overrides
	if g != nil {
		grp = g.Overrides
	}
	return EffectiveAlerts{
		Notification: pick(s.Overrides.Notification, grp.Notification, set.NotificationOn()),
		Sound:        pick(s.Overrides.Sound, grp.Sound, set.SoundOn()),
		Voice:        pick(s.Overrides.Voice, grp.Voice, set.VoiceOn()),
		Reminder:     pick(s.Overrides.Reminder, grp.Reminder, set.ReminderOn()),
	}
}

// newID generates a session or group identity.
func newID() string {
	return uuid.NewString()
}
