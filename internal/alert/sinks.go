package alert

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/watchdeck/watchdeck/internal/proc"
	"github.com/watchdeck/watchdeck/internal/store"
)

// defaultSound is the macOS completion chime. Linux falls back to the
// freedesktop theme sound via canberra.
const defaultSound = "/System/Library/Sounds/Glass.aiff"

// ExecNotifier posts desktop notifications through the platform's native
// command: osascript on macOS, notify-send elsewhere.
type ExecNotifier struct {
	run proc.Runner
}

// NewExecNotifier creates a notifier shelling out to the platform tool.
func NewExecNotifier() *ExecNotifier { return &ExecNotifier{} }

// SetRunner overrides the exec runner (tests only).
func (n *ExecNotifier) SetRunner(run proc.Runner) { n.run = run }

func (n *ExecNotifier) Notify(ctx context.Context, sess store.Session) error {
	title := sess.Project + " finished"
	body := sess.Summary
	if body == "" {
		body = "Session completed in " + sess.WorkingDir
	}

	var name string
	var args []string
	switch runtime.GOOS {
	case "darwin":
		script := fmt.Sprintf("display notification %q with title %q", body, title)
		name = "osascript"
		args = []string{"-e", script}
	default:
		name = "notify-send"
		args = []string{title, body}
	}

	out, err := n.exec(ctx, name, args...)
	if err != nil {
		return fmt.Errorf("alert: notify: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (n *ExecNotifier) exec(ctx context.Context, name string, args ...string) ([]byte, error) {
	if n.run != nil {
		return n.run(ctx, name, args...)
	}
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// ExecSoundPlayer plays the chime with afplay or canberra-gtk-play.
type ExecSoundPlayer struct {
	run proc.Runner
}

// NewExecSoundPlayer creates a player shelling out to the platform tool.
func NewExecSoundPlayer() *ExecSoundPlayer { return &ExecSoundPlayer{} }

// SetRunner overrides the exec runner (tests only).
func (p *ExecSoundPlayer) SetRunner(run proc.Runner) { p.run = run }

func (p *ExecSoundPlayer) Play(ctx context.Context) error {
	var name string
	var args []string
	switch runtime.GOOS {
	case "darwin":
		name = "afplay"
		args = []string{defaultSound}
	default:
		name = "canberra-gtk-play"
		args = []string{"-i", "complete"}
	}

	out, err := p.exec(ctx, name, args...)
	if err != nil {
		return fmt.Errorf("alert: play sound: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (p *ExecSoundPlayer) exec(ctx context.Context, name string, args ...string) ([]byte, error) {
	if p.run != nil {
		return p.run(ctx, name, args...)
	}
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// ExecSpeaker announces text with say or espeak.
type ExecSpeaker struct {
	run proc.Runner
}

// NewExecSpeaker creates a speaker shelling out to the platform tool.
func NewExecSpeaker() *ExecSpeaker { return &ExecSpeaker{} }

// SetRunner overrides the exec runner (tests only).
func (s *ExecSpeaker) SetRunner(run proc.Runner) { s.run = run }

func (s *ExecSpeaker) Speak(ctx context.Context, text string) error {
	var name string
	switch runtime.GOOS {
	case "darwin":
		name = "say"
	default:
		name = "espeak"
	}

	out, err := s.exec(ctx, name, text)
	if err != nil {
		return fmt.Errorf("alert: speak: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (s *ExecSpeaker) exec(ctx context.Context, name string, args ...string) ([]byte, error) {
	if s.run != nil {
		return s.run(ctx, name, args...)
	}
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}
