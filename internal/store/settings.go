package store

import "time"

// Settings are the global, runtime-mutable alert defaults. All fields are
// pointers so older settings.json files deserialize against newer schemas;
// missing keys take the documented defaults via the accessor methods.
type Settings struct {
	Notification *bool `json:"notification,omitempty"`
	Sound        *bool `json:"sound,omitempty"`
	Voice        *bool `json:"voice,omitempty"`
	Reminder     *bool `json:"reminder,omitempty"`

	// ReminderIntervalSeconds is the spacing between reminders (default: 60).
	ReminderIntervalSeconds *int `json:"reminder_interval_seconds,omitempty"`

	// ReminderCount is the number of reminders per completion; 0 means
	// repeat until acknowledged (default: 3).
	ReminderCount *int `json:"reminder_count,omitempty"`
}

// Defaults: notification/sound/voice on, reminders off, 60s interval, 3 reminders.

func (s *Settings) NotificationOn() bool { return boolOr(s.Notification, true) }
func (s *Settings) SoundOn() bool        { return boolOr(s.Sound, true) }
func (s *Settings) VoiceOn() bool        { return boolOr(s.Voice, true) }
func (s *Settings) ReminderOn() bool     { return boolOr(s.Reminder, false) }

// ReminderInterval returns the reminder spacing, floored at one second.
func (s *Settings) ReminderInterval() time.Duration {
	secs := intOr(s.ReminderIntervalSeconds, 60)
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// ReminderCountValue returns the configured reminder count, 0 = unbounded.
func (s *Settings) ReminderCountValue() int {
	n := intOr(s.ReminderCount, 3)
	if n < 0 {
		n = 0
	}
	return n
}

// merge applies the non-nil fields of patch onto s.
func (s *Settings) merge(patch Settings) {
	if patch.Notification != nil {
		s.Notification = cloneBool(patch.Notification)
	}
	if patch.Sound != nil {
		s.Sound = cloneBool(patch.Sound)
	}
	if patch.Voice != nil {
		s.Voice = cloneBool(patch.Voice)
	}
	if patch.Reminder != nil {
		s.Reminder = cloneBool(patch.Reminder)
	}
	if patch.ReminderIntervalSeconds != nil {
		v := *patch.ReminderIntervalSeconds
		s.ReminderIntervalSeconds = &v
	}
	if patch.ReminderCount != nil {
		v := *patch.ReminderCount
		s.ReminderCount = &v
	}
}

func (s Settings) clone() Settings {
	c := Settings{
		Notification: cloneBool(s.Notification),
		Sound:        cloneBool(s.Sound),
		Voice:        cloneBool(s.Voice),
		Reminder:     cloneBool(s.Reminder),
	}
	if s.ReminderIntervalSeconds != nil {
		v := *s.ReminderIntervalSeconds
		c.ReminderIntervalSeconds = &v
	}
	if s.ReminderCount != nil {
		v := *s.ReminderCount
		c.ReminderCount = &v
	}
	return c
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

func intOr(n *int, def int) int {
	if n == nil {
		return def
	}
	return *n
}
