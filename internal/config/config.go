// Package config loads static user configuration from ~/.watchdeck/config.toml.
// Runtime-mutable alert settings live in the store's settings.json instead;
// this file covers knobs that only change by editing the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the TOML config file for user preferences.
const FileName = "config.toml"

// Config represents user-facing configuration in TOML format.
type Config struct {
	// Scanner defines process discovery settings
	Scanner ScannerSettings `toml:"scanner"`

	// Ingress defines the completion hook listener settings
	Ingress IngressSettings `toml:"ingress"`

	// Retention defines how many finished sessions are kept
	Retention RetentionSettings `toml:"retention"`

	// Voice defines speech announcement settings
	Voice VoiceSettings `toml:"voice"`

	// Logs defines debug log settings
	Logs LogSettings `toml:"logs"`

	// Journal defines the event journal settings
	Journal JournalSettings `toml:"journal"`
}

// ScannerSettings defines process discovery configuration.
type ScannerSettings struct {
	// IntervalSeconds is the reconcile tick period (default: 5)
	IntervalSeconds int `toml:"interval_seconds"`

	// ProcessNames are the command names treated as trackable sessions
	// (default: ["claude"])
	ProcessNames []string `toml:"process_names"`

	// ExitProbeSeconds is the per-pid liveness probe period (default: 1)
	ExitProbeSeconds int `toml:"exit_probe_seconds"`
}

// IngressSettings defines the hook listener configuration.
type IngressSettings struct {
	// Port is the local TCP port the hook posts to (default: 8317)
	Port int `toml:"port"`

	// RatePerSecond bounds accepted hook requests (default: 20)
	RatePerSecond int `toml:"rate_per_second"`

	// Burst is the rate limiter burst size (default: 40)
	Burst int `toml:"burst"`
}

// RetentionSettings defines finished-session trimming.
type RetentionSettings struct {
	// MaxFinished is the number of completed/acknowledged sessions kept
	// before the oldest are trimmed (default: 50)
	MaxFinished int `toml:"max_finished"`
}

// VoiceSettings defines speech announcement configuration.
type VoiceSettings struct {
	// Substitutions are literal, case-insensitive replacements applied to
	// the project name before it is spoken, in file order.
	// Example:
	// [[voice.substitutions]]
	// pattern = "k8s"
	// replacement = "kubernetes"
	Substitutions []Substitution `toml:"substitutions"`
}

// Substitution is one literal pattern -> replacement rule.
type Substitution struct {
	Pattern     string `toml:"pattern"`
	Replacement string `toml:"replacement"`
}

// LogSettings defines debug log configuration.
type LogSettings struct {
	// Level is the minimum log level: "debug", "info", "warn", "error"
	Level string `toml:"level"`

	// Format is "json" (default) or "text"
	Format string `toml:"format"`

	// MaxSizeMB is the max log size before rotation (default: 10)
	MaxSizeMB int `toml:"max_size_mb"`

	// MaxBackups is rotated files to keep (default: 5)
	MaxBackups int `toml:"max_backups"`
}

// JournalSettings defines the event journal configuration.
type JournalSettings struct {
	// Enabled toggles the SQLite event journal (default: true)
	Enabled *bool `toml:"enabled"`

	// MaxEvents is the retention cap for journal rows (default: 5000)
	MaxEvents int `toml:"max_events"`
}

// Default returns a Config with all defaults applied.
func Default() *Config {
	enabled := true
	return &Config{
		Scanner: ScannerSettings{
			IntervalSeconds:  5,
			ProcessNames:     []string{"claude"},
			ExitProbeSeconds: 1,
		},
		Ingress: IngressSettings{
			Port:          8317,
			RatePerSecond: 20,
			Burst:         40,
		},
		Retention: RetentionSettings{
			MaxFinished: 50,
		},
		Logs: LogSettings{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  10,
			MaxBackups: 5,
		},
		Journal: JournalSettings{
			Enabled:   &enabled,
			MaxEvents: 5000,
		},
	}
}

// Load reads the config file from dir, applying defaults for missing keys.
// A missing file is not an error; the defaults are returned.
func Load(dir string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	// Unknown keys are tolerated so older binaries can read newer files.
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyFloors(cfg)
	return cfg, nil
}

// applyFloors clamps nonsensical values back to defaults.
func applyFloors(cfg *Config) {
	def := Default()
	if cfg.Scanner.IntervalSeconds <= 0 {
		cfg.Scanner.IntervalSeconds = def.Scanner.IntervalSeconds
	}
	if len(cfg.Scanner.ProcessNames) == 0 {
		cfg.Scanner.ProcessNames = def.Scanner.ProcessNames
	}
	if cfg.Scanner.ExitProbeSeconds <= 0 {
		cfg.Scanner.ExitProbeSeconds = def.Scanner.ExitProbeSeconds
	}
	if cfg.Ingress.Port <= 0 || cfg.Ingress.Port > 65535 {
		cfg.Ingress.Port = def.Ingress.Port
	}
	if cfg.Ingress.RatePerSecond <= 0 {
		cfg.Ingress.RatePerSecond = def.Ingress.RatePerSecond
	}
	if cfg.Ingress.Burst <= 0 {
		cfg.Ingress.Burst = def.Ingress.Burst
	}
	if cfg.Retention.MaxFinished <= 0 {
		cfg.Retention.MaxFinished = def.Retention.MaxFinished
	}
	if cfg.Journal.Enabled == nil {
		cfg.Journal.Enabled = def.Journal.Enabled
	}
	if cfg.Journal.MaxEvents <= 0 {
		cfg.Journal.MaxEvents = def.Journal.MaxEvents
	}
}

// ScanInterval returns the reconcile period as a duration.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Scanner.IntervalSeconds) * time.Second
}

// ExitProbeInterval returns the liveness probe period as a duration.
func (c *Config) ExitProbeInterval() time.Duration {
	return time.Duration(c.Scanner.ExitProbeSeconds) * time.Second
}

// StateDir returns the watchdeck state directory, creating it if needed.
func StateDir() (string, error) {
	if dir := os.Getenv("WATCHDECK_HOME"); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return "", fmt.Errorf("config: create state dir: %w", err)
		}
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home: %w", err)
	}
	dir := filepath.Join(home, ".watchdeck")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("config: create state dir: %w", err)
	}
	return dir, nil
}
