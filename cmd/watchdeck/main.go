package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/watchdeck/watchdeck/internal/config"
	"github.com/watchdeck/watchdeck/internal/journal"
	"github.com/watchdeck/watchdeck/internal/logging"
	"github.com/watchdeck/watchdeck/internal/store"
	"github.com/watchdeck/watchdeck/internal/tracker"
)

const Version = "0.3.0"

// Table column widths for list output
const (
	tableColProject = 20
	tableColStatus  = 12
	tableColHost    = 14
	tableColPath    = 40
)

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printHelp()
		return
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("watchdeck v%s\n", Version)
	case "help", "--help", "-h":
		printHelp()
	case "run":
		handleRun(args[1:])
	case "list", "ls":
		handleList(args[1:])
	case "events":
		handleEvents(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		printHelp()
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Print(`watchdeck - session tracker for CLI coding agents

Usage:
  watchdeck run [-debug]     Run the tracker daemon
  watchdeck list [-json]     List tracked sessions
  watchdeck events [-n N]    Show recent journal events
  watchdeck version          Print version

State lives in ~/.watchdeck (override with WATCHDECK_HOME).
`)
}

// handleRun starts the daemon: scanner, exit watchers, hook listener, alert
// scheduler, settings watcher. Blocks until SIGINT/SIGTERM.
func handleRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(args)

	dir, err := config.StateDir()
	if err != nil {
		fatalf("resolve state dir: %v", err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		fatalf("load config: %v", err)
	}

	level := cfg.Logs.Level
	if *debug {
		level = "debug"
	}
	logging.Init(logging.Config{
		LogDir:     dir,
		Level:      level,
		Format:     cfg.Logs.Format,
		MaxSizeMB:  cfg.Logs.MaxSizeMB,
		MaxBackups: cfg.Logs.MaxBackups,
		Debug:      *debug,
	})
	defer logging.Shutdown()

	mainLog := logging.ForComponent(logging.CompMain)
	mainLog.Info("starting",
		slog.String("version", Version),
		slog.String("dir", dir),
		slog.Int("pid", os.Getpid()))

	tr, err := tracker.New(dir, cfg)
	if err != nil {
		fatalf("start tracker: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = tr.Run(ctx)
	tr.Close()
	if err != nil {
		fatalf("tracker: %v", err)
	}
	mainLog.Info("stopped")
}

// handleList prints the persisted session snapshot. Reads sessions.json
// directly so it works alongside a running daemon without opening the store.
func handleList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "emit JSON")
	_ = fs.Parse(args)

	dir, err := config.StateDir()
	if err != nil {
		fatalf("resolve state dir: %v", err)
	}

	var sessions []store.Session
	data, err := os.ReadFile(filepath.Join(dir, "sessions.json"))
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No sessions tracked yet.")
			return
		}
		fatalf("read sessions: %v", err)
	}
	if err := json.Unmarshal(data, &sessions); err != nil {
		fatalf("parse sessions: %v", err)
	}

	if *asJSON {
		out, _ := json.MarshalIndent(sessions, "", "  ")
		fmt.Println(string(out))
		return
	}

	fmt.Printf("%-*s %-*s %-*s %-*s\n",
		tableColProject, "PROJECT",
		tableColStatus, "STATUS",
		tableColHost, "HOST",
		tableColPath, "PATH")
	for _, sess := range sessions {
		fmt.Printf("%-*s %-*s %-*s %-*s\n",
			tableColProject, truncate(sess.Project, tableColProject),
			tableColStatus, string(sess.Status),
			tableColHost, truncate(sess.HostApp, tableColHost),
			tableColPath, truncate(sess.WorkingDir, tableColPath))
	}
}

// handleEvents prints recent journal rows, newest first.
func handleEvents(args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	limit := fs.Int("n", 20, "number of events")
	_ = fs.Parse(args)

	dir, err := config.StateDir()
	if err != nil {
		fatalf("resolve state dir: %v", err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		fatalf("load config: %v", err)
	}

	j, err := journal.Open(filepath.Join(dir, journal.FileName), cfg.Journal.MaxEvents)
	if err != nil {
		fatalf("open journal: %v", err)
	}
	defer j.Close()

	events, err := j.Recent(*limit)
	if err != nil {
		fatalf("read journal: %v", err)
	}
	if len(events) == 0 {
		fmt.Println("No events recorded.")
		return
	}
	for _, ev := range events {
		line := fmt.Sprintf("%s  %-20s %s", ev.At.Format(time.RFC3339), ev.Kind, ev.Project)
		if ev.Detail != "" {
			line += " (" + ev.Detail + ")"
		}
		fmt.Println(line)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
