package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistAndReload(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, 50, Hooks{})
	require.NoError(t, err)

	g := s.CreateGroup("backend", "blue")
	sess, _ := s.CreateRunning(NewSession{Project: "api", WorkingDir: "/w/api", PID: 100})
	require.NoError(t, s.SetSessionGroup(sess.ID, g.ID))
	s.CompleteByPID(100, "test")
	s.Close()

	// Files exist and decode as the documented documents.
	var sessions []Session
	data, err := os.ReadFile(filepath.Join(dir, "sessions.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, StatusCompleted, sessions[0].Status)

	s2, err := Open(dir, 50, Hooks{})
	require.NoError(t, err)
	defer s2.Close()

	got, ok := s2.Get(sess.ID)
	require.True(t, ok)
	assert.Equal(t, "api", got.Project)
	assert.Equal(t, g.ID, got.GroupID)
	require.Len(t, s2.Groups(), 1)
	assert.Equal(t, "backend", s2.Groups()[0].Name)
}

func TestLoadRecoversRunningSessions(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, 50, Hooks{})
	require.NoError(t, err)
	sess, _ := s.CreateRunning(NewSession{Project: "api", WorkingDir: "/w", PID: 123})
	s.Close()

	// Simulate a restart: the process cannot have verifiably survived.
	s2, err := Open(dir, 50, Hooks{})
	require.NoError(t, err)
	defer s2.Close()

	got, ok := s2.Get(sess.ID)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Zero(t, got.PID)
	assert.False(t, got.CompletedAt.IsZero())
	assert.False(t, got.AlertTriggeredAt.IsZero())
}

func TestLoadCorruptSnapshotIsEmptyState(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sessions.json"), []byte("{not json"), 0644))

	s, err := Open(dir, 50, Hooks{})
	require.NoError(t, err, "corrupt snapshot must not be fatal")
	defer s.Close()
	assert.Empty(t, s.Sessions())
}

func TestSettingsSchemaEvolution(t *testing.T) {
	dir := t.TempDir()
	// An older settings file knowing only some keys.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"),
		[]byte(`{"sound": false}`), 0644))

	s, err := Open(dir, 50, Hooks{})
	require.NoError(t, err)
	defer s.Close()

	set := s.SettingsCopy()
	assert.False(t, set.SoundOn())
	// Missing keys take documented defaults.
	assert.True(t, set.NotificationOn())
	assert.True(t, set.VoiceOn())
	assert.False(t, set.ReminderOn())
	assert.Equal(t, 60*time.Second, set.ReminderInterval())
	assert.Equal(t, 3, set.ReminderCountValue())
}

func TestWriteJSONAtomicLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")

	require.NoError(t, writeJSONAtomic(path, map[string]int{"a": 1}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "out.json", entries[0].Name())
}

func TestTimestampsAreRFC3339(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 50, Hooks{})
	require.NoError(t, err)
	s.CreateRunning(NewSession{Project: "api", WorkingDir: "/w", PID: 1})
	s.Close()

	data, err := os.ReadFile(filepath.Join(dir, "sessions.json"))
	require.NoError(t, err)

	var raw []map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Len(t, raw, 1)
	created, ok := raw[0]["created_at"].(string)
	require.True(t, ok)
	_, err = time.Parse(time.RFC3339, created)
	assert.NoError(t, err)
}

func TestLoadSettingsFile(t *testing.T) {
	dir := t.TempDir()

	_, ok := LoadSettingsFile(dir)
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(SettingsPath(dir), []byte(`{"voice": false}`), 0644))
	set, ok := LoadSettingsFile(dir)
	require.True(t, ok)
	assert.False(t, set.VoiceOn())
}
