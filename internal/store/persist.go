package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Durable state: three independent JSON documents.
const (
	sessionsFile = "sessions.json"
	groupsFile   = "groups.json"
	settingsFile = "settings.json"
)

// load reads the three snapshot files. A missing or undecodable file is
// treated as no prior state, never as fatal. Sessions persisted as running
// are forced to completed at load time (restart recovery).
func (s *Store) load() error {
	now := s.now()

	var sessions []*Session
	if ok := readJSON(filepath.Join(s.dir, sessionsFile), &sessions); ok {
		recovered := 0
		for _, sess := range sessions {
			if sess.Status != StatusRunning {
				continue
			}
			sess.Status = StatusCompleted
			sess.CompletedAt = now
			sess.PID = 0
			if sess.AlertTriggeredAt.IsZero() {
				sess.AlertTriggeredAt = now
			}
			recovered++
		}
		if recovered > 0 {
			storeLog.Info("running_sessions_recovered", slog.Int("count", recovered))
		}
		s.sessions = sessions
	}

	var groups []*Group
	if ok := readJSON(filepath.Join(s.dir, groupsFile), &groups); ok {
		s.groups = groups
	}

	var settings Settings
	if ok := readJSON(filepath.Join(s.dir, settingsFile), &settings); ok {
		s.settings = settings
	}

	// Persist the recovery transition so a crash before the next mutation
	// does not resurrect running sessions.
	s.persistSessions()
	return nil
}

// readJSON decodes path into v. Returns false (and logs) when the file is
// absent or corrupt.
func readJSON(path string, v any) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			storeLog.Warn("snapshot_read_failed",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		storeLog.Warn("snapshot_corrupt",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return false
	}
	return true
}

// persistSessions writes sessions.json. Write failures are logged; in-memory
// state stays authoritative and the next successful write recovers.
func (s *Store) persistSessions() {
	s.writeSnapshot(sessionsFile, s.sessions)
}

func (s *Store) persistGroups() {
	s.writeSnapshot(groupsFile, s.groups)
}

func (s *Store) persistSettings() {
	s.writeSnapshot(settingsFile, s.settings)
}

func (s *Store) writeSnapshot(name string, v any) {
	path := filepath.Join(s.dir, name)
	if err := writeJSONAtomic(path, v); err != nil {
		storeLog.Warn("snapshot_write_failed",
			slog.String("path", path),
			slog.String("error", err.Error()))
	}
}

// writeJSONAtomic writes v to path via a temp file + rename so readers never
// observe a partial document.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// LoadSettingsFile re-reads settings.json from dir (hot-reload support).
func LoadSettingsFile(dir string) (Settings, bool) {
	var settings Settings
	ok := readJSON(filepath.Join(dir, settingsFile), &settings)
	return settings, ok
}

// SettingsPath returns the settings document path within dir.
func SettingsPath(dir string) string {
	return filepath.Join(dir, settingsFile)
}
