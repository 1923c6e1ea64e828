// Package proc is the OS process query layer: candidate enumeration,
// working-directory lookup, parent walks, and liveness probes. It only reads
// external state; all mutation of tracked sessions happens elsewhere.
package proc

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/watchdeck/watchdeck/internal/logging"
)

var procLog = logging.ForComponent(logging.CompProc)

// execTimeout bounds every helper command spawn.
const execTimeout = 5 * time.Second

// Candidate is one live process that looks like a trackable session.
type Candidate struct {
	PID        int
	PPID       int
	TTY        string
	Command    string // base command name, e.g. "claude"
	Args       string // full command line
	WorkingDir string // empty when the lookup failed this cycle
}

// Source enumerates candidate processes. The scan loop depends on this
// interface so tests can substitute a fake process table.
type Source interface {
	Candidates(ctx context.Context) ([]Candidate, error)
}

// Runner executes a helper command and returns its stdout. Swappable in tests.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func defaultRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()
	return exec.CommandContext(ctx, name, args...).Output()
}

// PSSource enumerates processes via ps(1) and matches them against a set of
// trackable command names.
type PSSource struct {
	names  map[string]bool
	runner Runner
}

// NewPSSource creates a source that reports processes whose command base name
// is in names.
func NewPSSource(names []string) *PSSource {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[strings.ToLower(n)] = true
	}
	return &PSSource{names: set, runner: defaultRunner}
}

// SetRunner overrides the command runner (tests only).
func (s *PSSource) SetRunner(r Runner) {
	s.runner = r
}

// Candidates lists matching live processes with their working directories.
// Per-pid cwd lookup failures are logged and leave WorkingDir empty; the
// enumeration itself failing returns an error the caller treats as an empty
// cycle.
func (s *PSSource) Candidates(ctx context.Context) ([]Candidate, error) {
	out, err := s.runner(ctx, "ps", "-axo", "pid=,ppid=,tty=,comm=,args=")
	if err != nil {
		return nil, fmt.Errorf("proc: ps enumeration: %w", err)
	}

	cands := parsePS(string(out), s.names)
	for i := range cands {
		cwd, err := s.workingDir(ctx, cands[i].PID)
		if err != nil {
			procLog.Debug("cwd_lookup_failed",
				slog.Int("pid", cands[i].PID),
				slog.String("error", err.Error()))
			continue
		}
		cands[i].WorkingDir = cwd
	}
	return cands, nil
}

// parsePS parses `ps -axo pid=,ppid=,tty=,comm=,args=` output, keeping rows
// whose command base name is in names.
func parsePS(out string, names map[string]bool) []Candidate {
	var cands []Candidate
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		ppid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		tty := fields[2]
		if tty == "??" || tty == "?" {
			// Not attached to a terminal: never an interactive session.
			continue
		}
		comm := baseCommand(fields[3])
		if !names[strings.ToLower(comm)] {
			continue
		}
		args := ""
		if len(fields) > 4 {
			args = strings.Join(fields[4:], " ")
		}
		cands = append(cands, Candidate{
			PID:     pid,
			PPID:    ppid,
			TTY:     tty,
			Command: comm,
			Args:    args,
		})
	}
	return cands
}

// baseCommand reduces a comm field like "/usr/local/bin/claude" to "claude".
func baseCommand(comm string) string {
	return filepath.Base(strings.TrimSpace(comm))
}

// workingDir resolves a pid's current working directory.
func (s *PSSource) workingDir(ctx context.Context, pid int) (string, error) {
	if runtime.GOOS == "linux" {
		cwd, err := os.Readlink(fmt.Sprintf("/proc/%d/cwd", pid))
		if err != nil {
			return "", fmt.Errorf("proc: readlink cwd: %w", err)
		}
		return cwd, nil
	}

	// Darwin and friends: lsof -Fn prints "p<pid>" then "n<path>".
	out, err := s.runner(ctx, "lsof", "-a", "-p", strconv.Itoa(pid), "-d", "cwd", "-Fn")
	if err != nil {
		return "", fmt.Errorf("proc: lsof cwd: %w", err)
	}
	return parseLsofCwd(string(out))
}

// parseLsofCwd extracts the path from lsof -Fn output.
func parseLsofCwd(out string) (string, error) {
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "n") && len(line) > 1 {
			return strings.TrimSpace(line[1:]), nil
		}
	}
	return "", fmt.Errorf("proc: no cwd record in lsof output")
}

// Info is a single process record used for parent walks.
type Info struct {
	PID     int
	PPID    int
	Command string
}

// Lookup reads one process's name and parent pid.
func Lookup(ctx context.Context, r Runner, pid int) (Info, error) {
	if r == nil {
		r = defaultRunner
	}
	out, err := r(ctx, "ps", "-o", "ppid=,comm=", "-p", strconv.Itoa(pid))
	if err != nil {
		return Info{}, fmt.Errorf("proc: lookup pid %d: %w", pid, err)
	}
	fields := strings.Fields(strings.TrimSpace(string(out)))
	if len(fields) < 2 {
		return Info{}, fmt.Errorf("proc: lookup pid %d: short ps output", pid)
	}
	ppid, err := strconv.Atoi(fields[0])
	if err != nil {
		return Info{}, fmt.Errorf("proc: lookup pid %d: bad ppid: %w", pid, err)
	}
	return Info{PID: pid, PPID: ppid, Command: baseCommand(strings.Join(fields[1:], " "))}, nil
}

// ParentChain walks up from pid collecting ancestor command names, nearest
// first, until init or maxDepth.
func ParentChain(ctx context.Context, r Runner, pid, maxDepth int) []Info {
	var chain []Info
	cur := pid
	for i := 0; i < maxDepth; i++ {
		info, err := Lookup(ctx, r, cur)
		if err != nil || info.PPID <= 1 {
			if err == nil {
				chain = append(chain, info)
			}
			break
		}
		chain = append(chain, info)
		cur = info.PPID
	}
	return chain
}

// Alive reports whether pid refers to a live process (signal-0 probe).
// EPERM counts as alive: the process exists but belongs to someone else.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}

// Terminate sends SIGTERM to pid.
func Terminate(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("proc: invalid pid %d", pid)
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("proc: terminate pid %d: %w", pid, err)
	}
	return nil
}
