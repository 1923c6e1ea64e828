package host

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchdeck/watchdeck/internal/proc"
)

func TestAppResolverMatchesAncestor(t *testing.T) {
	r := NewAppResolver("iTerm2", "iterm2")
	cand := proc.Candidate{PID: 100, TTY: "ttys001"}

	chain := []proc.Info{
		{PID: 100, PPID: 90, Command: "zsh"},
		{PID: 90, PPID: 1, Command: "iTerm2"},
	}
	assert.True(t, r.Matches(cand, chain))

	other := []proc.Info{
		{PID: 100, PPID: 90, Command: "zsh"},
		{PID: 90, PPID: 1, Command: "Terminal"},
	}
	assert.False(t, r.Matches(cand, other))
}

func TestRegistryFirstMatchWins(t *testing.T) {
	tmux := NewTmuxResolver(nil)
	iterm := NewAppResolver("iTerm2", "iterm2")
	reg := NewRegistryWith(tmux, iterm, &FallbackResolver{})
	reg.SetRunner(fakePSRunner(map[int]string{
		100: "   90 zsh",
		90:  "   80 tmux",
		80:  "    1 iTerm2",
	}))

	// tmux is ahead of iTerm2 in priority even though both match the chain.
	res, hints := reg.Resolve(context.Background(), proc.Candidate{PID: 100, TTY: "ttys001"})
	assert.Equal(t, "tmux", res.Name())
	assert.Equal(t, "ttys001", hints[HintTTY])
}

func TestRegistryFallsBackToGeneric(t *testing.T) {
	reg := NewRegistryWith(NewAppResolver("iTerm2", "iterm2"), &FallbackResolver{})
	reg.SetRunner(fakePSRunner(map[int]string{
		100: "    1 login",
	}))

	res, hints := reg.Resolve(context.Background(), proc.Candidate{PID: 100, TTY: "ttys007"})
	assert.Equal(t, "Terminal", res.Name())
	assert.Equal(t, "ttys007", hints["tty"])
}

func TestMatchPaneByTTY(t *testing.T) {
	out := "/dev/ttys001|%3|work\n/dev/ttys002|%7|scratch\n"

	pane, sess := matchPaneByTTY(out, "ttys002")
	assert.Equal(t, "%7", pane)
	assert.Equal(t, "scratch", sess)

	// Already-prefixed ttys match too.
	pane, _ = matchPaneByTTY(out, "/dev/ttys001")
	assert.Equal(t, "%3", pane)

	pane, sess = matchPaneByTTY(out, "ttys099")
	assert.Empty(t, pane)
	assert.Empty(t, sess)
}

func TestTmuxResolverExtractMetadata(t *testing.T) {
	res := NewTmuxResolver(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte("/dev/ttys005|%12|api\n"), nil
	})

	hints := res.ExtractMetadata(context.Background(), proc.Candidate{PID: 42, TTY: "ttys005"})
	assert.Equal(t, "%12", hints[HintPaneID])
	assert.Equal(t, "api", hints[HintTmuxSession])
	assert.Equal(t, "ttys005", hints[HintTTY])
}

func TestTmuxResolverActivateWithoutPaneHint(t *testing.T) {
	res := NewTmuxResolver(nil)
	err := res.Activate(context.Background(), SessionContext{HostApp: "tmux", Hints: map[string]string{}})
	assert.Error(t, err)
}

func TestFallbackActivateUsesHostApp(t *testing.T) {
	var activated string
	fb := &FallbackResolver{activate: func(ctx context.Context, app string) error {
		activated = app
		return nil
	}}

	err := fb.Activate(context.Background(), SessionContext{HostApp: "Ghostty"})
	require.NoError(t, err)
	assert.Equal(t, "Ghostty", activated)

	err = fb.Activate(context.Background(), SessionContext{})
	require.NoError(t, err)
	assert.Equal(t, "Terminal", activated)
}

// fakePSRunner serves `ps -o ppid=,comm= -p <pid>` lookups from a table.
func fakePSRunner(table map[int]string) proc.Runner {
	return func(ctx context.Context, name string, args ...string) ([]byte, error) {
		pid := args[len(args)-1]
		for p, row := range table {
			if fmt.Sprintf("%d", p) == pid {
				return []byte(row + "\n"), nil
			}
		}
		return nil, fmt.Errorf("no such process")
	}
}
