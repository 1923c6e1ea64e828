package host

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/watchdeck/watchdeck/internal/proc"
)

// Hint keys stored on tmux-hosted sessions.
const (
	HintPaneID      = "tmux_pane"
	HintTmuxSession = "tmux_session"
	HintTTY         = "tty"
)

const tmuxExecTimeout = 5 * time.Second

// TmuxResolver matches sessions running inside tmux panes and activates them
// by switching the client to the exact pane.
type TmuxResolver struct {
	runner proc.Runner
}

// NewTmuxResolver creates a tmux resolver. A nil runner uses real commands.
func NewTmuxResolver(r proc.Runner) *TmuxResolver {
	return &TmuxResolver{runner: r}
}

func (t *TmuxResolver) Name() string { return "tmux" }

// Matches reports true when any ancestor is a tmux server or client.
func (t *TmuxResolver) Matches(c proc.Candidate, chain []proc.Info) bool {
	for _, info := range chain {
		cmd := strings.ToLower(info.Command)
		if cmd == "tmux" || strings.HasPrefix(cmd, "tmux:") {
			return true
		}
	}
	return false
}

// ExtractMetadata maps the candidate's tty to its tmux pane and session.
func (t *TmuxResolver) ExtractMetadata(ctx context.Context, c proc.Candidate) map[string]string {
	hints := map[string]string{HintTTY: c.TTY}

	out, err := t.run(ctx, "tmux", "list-panes", "-a", "-F", "#{pane_tty}|#{pane_id}|#{session_name}")
	if err != nil {
		return hints
	}

	pane, sess := matchPaneByTTY(string(out), c.TTY)
	if pane != "" {
		hints[HintPaneID] = pane
		hints[HintTmuxSession] = sess
	}
	return hints
}

// matchPaneByTTY finds the pane whose tty matches the candidate's. ps reports
// ttys without the /dev/ prefix; tmux reports the full device path.
func matchPaneByTTY(out, tty string) (paneID, sessionName string) {
	want := tty
	if !strings.HasPrefix(want, "/dev/") {
		want = "/dev/" + want
	}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		parts := strings.SplitN(line, "|", 3)
		if len(parts) != 3 {
			continue
		}
		if parts[0] == want {
			return parts[1], parts[2]
		}
	}
	return "", ""
}

// Activate switches the attached tmux client to the session's pane.
func (t *TmuxResolver) Activate(ctx context.Context, sc SessionContext) error {
	pane := sc.Hints[HintPaneID]
	if pane == "" {
		return fmt.Errorf("host: no tmux pane hint recorded")
	}
	if _, err := t.run(ctx, "tmux", "switch-client", "-t", pane); err != nil {
		// Detached client: fall back to selecting the window so the next
		// attach lands on the right pane.
		if _, selErr := t.run(ctx, "tmux", "select-window", "-t", pane); selErr != nil {
			return fmt.Errorf("host: tmux activate pane %s: %w", pane, err)
		}
	}
	return nil
}

func (t *TmuxResolver) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if t.runner != nil {
		return t.runner(ctx, name, args...)
	}
	return runCommand(ctx, name, args...)
}

// runCommand is the shared bounded exec helper for this package.
func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, tmuxExecTimeout)
	defer cancel()
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}
