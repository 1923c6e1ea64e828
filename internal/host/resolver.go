// Package host maps candidate processes to the terminal or IDE application
// hosting them, and knows how to bring that application back to the front.
// Resolvers are an ordered strategy list; the first match wins.
package host

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"

	"github.com/watchdeck/watchdeck/internal/logging"
	"github.com/watchdeck/watchdeck/internal/proc"
)

var hostLog = logging.ForComponent(logging.CompHost)

// maxParentDepth bounds the ancestor walk during resolution.
const maxParentDepth = 12

// SessionContext is the navigation state a resolver needs to focus a session.
// Hints are the metadata captured at session creation, stored verbatim.
type SessionContext struct {
	HostApp string
	Hints   map[string]string
}

// Resolver is one host-application strategy.
type Resolver interface {
	// Name is the host-application label stored on sessions this resolver claims.
	Name() string

	// Matches reports whether the candidate runs under this host. chain is
	// the candidate's ancestor processes, nearest first.
	Matches(c proc.Candidate, chain []proc.Info) bool

	// Activate brings the session's terminal to the foreground.
	Activate(ctx context.Context, sc SessionContext) error

	// ExtractMetadata captures host-specific navigation hints at session
	// creation time. The core stores them without interpretation.
	ExtractMetadata(ctx context.Context, c proc.Candidate) map[string]string
}

// Registry holds resolvers in priority order.
type Registry struct {
	resolvers []Resolver
	runner    proc.Runner
}

// NewRegistry builds the default resolver chain: tmux first (most specific),
// then known desktop applications, then the generic fallback.
func NewRegistry() *Registry {
	return &Registry{
		resolvers: []Resolver{
			NewTmuxResolver(nil),
			NewAppResolver("iTerm2", "iterm2", "iTerm2"),
			NewAppResolver("Terminal", "terminal", "Terminal", "Apple_Terminal"),
			NewAppResolver("Visual Studio Code", "code", "Code Helper", "Code Helper (Plugin)", "Electron"),
			NewAppResolver("Cursor", "cursor", "Cursor Helper", "Cursor Helper (Plugin)"),
			NewAppResolver("Ghostty", "ghostty"),
			NewAppResolver("Alacritty", "alacritty"),
			NewAppResolver("kitty", "kitty"),
			&FallbackResolver{},
		},
	}
}

// NewRegistryWith builds a registry from an explicit resolver list (tests and
// custom configurations).
func NewRegistryWith(resolvers ...Resolver) *Registry {
	return &Registry{resolvers: resolvers}
}

// SetRunner overrides the ps runner used for parent walks (tests only).
func (r *Registry) SetRunner(run proc.Runner) {
	r.runner = run
}

// Resolve walks the candidate's ancestry once and returns the first matching
// resolver plus its extracted metadata. The fallback guarantees a non-nil
// result.
func (r *Registry) Resolve(ctx context.Context, c proc.Candidate) (Resolver, map[string]string) {
	chain := proc.ParentChain(ctx, r.runner, c.PID, maxParentDepth)

	for _, res := range r.resolvers {
		if !res.Matches(c, chain) {
			continue
		}
		hints := res.ExtractMetadata(ctx, c)
		hostLog.Debug("candidate_resolved",
			slog.Int("pid", c.PID),
			slog.String("host", res.Name()))
		return res, hints
	}

	// Unreachable with a fallback installed, but never return nil.
	fb := &FallbackResolver{}
	return fb, fb.ExtractMetadata(ctx, c)
}

// Describe resolves a candidate to its host-application label and metadata.
// This is the creation-time entry point the scan loop uses.
func (r *Registry) Describe(ctx context.Context, c proc.Candidate) (string, map[string]string) {
	res, hints := r.Resolve(ctx, c)
	return res.Name(), hints
}

// ByName returns the resolver with the given host label, or the fallback.
func (r *Registry) ByName(name string) Resolver {
	for _, res := range r.resolvers {
		if res.Name() == name {
			return res
		}
	}
	return &FallbackResolver{}
}

// AppResolver matches by ancestor process name and activates the application
// by name. Covers plain desktop terminals and IDEs with no pane addressing.
type AppResolver struct {
	name     string
	procs    []string
	activate ActivateFunc
}

// ActivateFunc focuses an application; swappable in tests.
type ActivateFunc func(ctx context.Context, app string) error

// NewAppResolver creates a resolver for app name matching any of the given
// ancestor process names (case-insensitive).
func NewAppResolver(name string, procs ...string) *AppResolver {
	return &AppResolver{name: name, procs: procs, activate: activateByName}
}

// SetActivate overrides the activation function (tests only).
func (a *AppResolver) SetActivate(fn ActivateFunc) { a.activate = fn }

func (a *AppResolver) Name() string { return a.name }

func (a *AppResolver) Matches(c proc.Candidate, chain []proc.Info) bool {
	for _, info := range chain {
		for _, p := range a.procs {
			if strings.EqualFold(info.Command, p) {
				return true
			}
		}
	}
	return false
}

func (a *AppResolver) Activate(ctx context.Context, sc SessionContext) error {
	return a.activate(ctx, a.name)
}

func (a *AppResolver) ExtractMetadata(ctx context.Context, c proc.Candidate) map[string]string {
	return map[string]string{
		"tty": c.TTY,
	}
}

// FallbackResolver claims any candidate and can only activate by name.
type FallbackResolver struct {
	activate ActivateFunc
}

func (f *FallbackResolver) Name() string { return "Terminal" }

func (f *FallbackResolver) Matches(c proc.Candidate, chain []proc.Info) bool { return true }

func (f *FallbackResolver) Activate(ctx context.Context, sc SessionContext) error {
	fn := f.activate
	if fn == nil {
		fn = activateByName
	}
	app := sc.HostApp
	if app == "" {
		app = f.Name()
	}
	return fn(ctx, app)
}

func (f *FallbackResolver) ExtractMetadata(ctx context.Context, c proc.Candidate) map[string]string {
	return map[string]string{
		"tty": c.TTY,
	}
}

// activateByName focuses an application by name using the platform's
// scripting facility. Linux desktops vary too much to do better than wmctrl.
func activateByName(ctx context.Context, app string) error {
	var name string
	var args []string
	switch runtime.GOOS {
	case "darwin":
		name = "osascript"
		args = []string{"-e", fmt.Sprintf("tell application %q to activate", app)}
	case "linux":
		name = "wmctrl"
		args = []string{"-a", app}
	default:
		return fmt.Errorf("host: activation unsupported on %s", runtime.GOOS)
	}

	out, err := runCommand(ctx, name, args...)
	if err != nil {
		return fmt.Errorf("host: activate %s: %w (%s)", app, err, strings.TrimSpace(string(out)))
	}
	return nil
}
