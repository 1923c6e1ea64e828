// Package journal keeps an append-only SQLite log of session transitions and
// alert deliveries. It exists for postmortems ("did the notification for that
// run ever fire?"), so writes are best-effort: a journal failure is logged
// and never blocks or fails the transition that produced it.
package journal

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/watchdeck/watchdeck/internal/logging"
)

var journalLog = logging.ForComponent(logging.CompJournal)

// FileName is the journal database inside the state directory.
const FileName = "journal.db"

// Event kinds recorded by the tracker.
const (
	KindDetected     = "session_detected"
	KindCompleted    = "session_completed"
	KindAcknowledged = "session_acknowledged"
	KindRemoved      = "session_removed"
	KindReminder     = "reminder_fired"
)

// Event is one journal row.
type Event struct {
	At        time.Time
	Kind      string
	SessionID string
	Project   string
	Detail    string
}

// Journal wraps the SQLite event log. Record is non-blocking: events are
// queued and written by a single background goroutine; when the queue is
// full the event is dropped with a log line rather than stalling the caller.
type Journal struct {
	db        *sql.DB
	maxEvents int
	queue     chan Event
	done      chan struct{}
}

// queueSize bounds in-flight events before Record starts dropping.
const queueSize = 256

// Open creates or opens the journal database at dbPath with WAL mode and
// busy timeout, runs migrations, and starts the writer.
func Open(dbPath string, maxEvents int) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("journal: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}

	// WAL lets readers (Recent) run while the writer inserts.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: wal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: busy timeout: %w", err)
	}

	j := &Journal{
		db:        db,
		maxEvents: maxEvents,
		queue:     make(chan Event, queueSize),
		done:      make(chan struct{}),
	}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	go j.writer()
	return j, nil
}

func (j *Journal) migrate() error {
	_, err := j.db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			at         INTEGER NOT NULL,
			kind       TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			project    TEXT NOT NULL DEFAULT '',
			detail     TEXT NOT NULL DEFAULT ''
		)
	`)
	if err != nil {
		return fmt.Errorf("journal: create events: %w", err)
	}
	return nil
}

// Record queues one event. Never blocks; a full queue drops the event.
func (j *Journal) Record(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case j.queue <- ev:
	default:
		journalLog.Warn("event_dropped", slog.String("kind", ev.Kind))
	}
}

// writer drains the queue until Close.
func (j *Journal) writer() {
	defer close(j.done)
	for ev := range j.queue {
		if err := j.insert(ev); err != nil {
			journalLog.Warn("write_failed",
				slog.String("kind", ev.Kind),
				slog.String("error", err.Error()))
		}
	}
}

func (j *Journal) insert(ev Event) error {
	res, err := j.db.Exec(
		`INSERT INTO events (at, kind, session_id, project, detail) VALUES (?, ?, ?, ?, ?)`,
		ev.At.UnixMilli(), ev.Kind, ev.SessionID, ev.Project, ev.Detail,
	)
	if err != nil {
		return err
	}

	// Watermark trim: keep the newest maxEvents rows. AUTOINCREMENT ids are
	// monotonic so everything at or below lastID-maxEvents is expendable.
	if j.maxEvents > 0 {
		if lastID, err := res.LastInsertId(); err == nil {
			_, _ = j.db.Exec(`DELETE FROM events WHERE id <= ?`, lastID-int64(j.maxEvents))
		}
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (j *Journal) Recent(limit int) ([]Event, error) {
	rows, err := j.db.Query(
		`SELECT at, kind, session_id, project, detail FROM events ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("journal: query recent: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var at int64
		if err := rows.Scan(&at, &ev.Kind, &ev.SessionID, &ev.Project, &ev.Detail); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		ev.At = time.UnixMilli(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Close flushes queued events, checkpoints WAL, and closes the database.
func (j *Journal) Close() error {
	close(j.queue)
	<-j.done
	_, _ = j.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return j.db.Close()
}
