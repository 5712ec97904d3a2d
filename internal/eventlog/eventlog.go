// Package eventlog journals drowsiness events in a local sqlite database.
package eventlog

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/e7canasta/orion-drowsiness/internal/pipeline"
)

// schema.sql creates the events table and its indexes.
//
//go:embed schema.sql
var schemaSQL string

// ErrClosed is returned after Close.
var ErrClosed = errors.New("eventlog: closed")

// Log is the event journal. Safe for concurrent use.
type Log struct {
	mu sync.RWMutex
	db *sql.DB
}

func (l *Log) conn() (*sql.DB, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.db == nil {
		return nil, ErrClosed
	}
	return l.db, nil
}

// Open opens (or creates) the journal at path, creating its directory.
// Use ":memory:" in tests.
func Open(path string) (*Log, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create event log directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	// a :memory: database lives and dies with its connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize event log schema: %w", err)
	}

	slog.Info("event log opened", "path", path)
	return &Log{db: db}, nil
}

// Record stores e. Recording the same event ID twice is a no-op.
func (l *Log) Record(ctx context.Context, e pipeline.Event) error {
	db, err := l.conn()
	if err != nil {
		return err
	}
	const query = `
		INSERT OR IGNORE INTO events (id, kind, occurred_ns, seq, ear, total_events, alert_count, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = db.ExecContext(ctx, query,
		e.ID, string(e.Kind), e.Time.UnixNano(), int64(e.Seq), e.EAR,
		int64(e.TotalEvents), int64(e.AlertCount), e.Detail)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// Recent returns the newest n events, newest first.
func (l *Log) Recent(ctx context.Context, n int) ([]pipeline.Event, error) {
	db, err := l.conn()
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		n = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, kind, occurred_ns, seq, ear, total_events, alert_count, detail
		FROM events ORDER BY occurred_ns DESC, rowid DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []pipeline.Event
	for rows.Next() {
		var (
			e                        pipeline.Event
			kind                     string
			ns, seq, total, alertCnt int64
		)
		if err := rows.Scan(&e.ID, &kind, &ns, &seq, &e.EAR, &total, &alertCnt, &e.Detail); err != nil {
			return nil, err
		}
		e.Kind = pipeline.EventKind(kind)
		e.Time = time.Unix(0, ns)
		e.Seq = uint64(seq)
		e.TotalEvents = uint64(total)
		e.AlertCount = uint64(alertCnt)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// Summary aggregates the journal.
type Summary struct {
	Total      int64                        `json:"total"`
	ByKind     map[pipeline.EventKind]int64 `json:"by_kind"`
	First      time.Time                    `json:"first,omitempty"`
	Last       time.Time                    `json:"last,omitempty"`
	MinEAR     float64                      `json:"min_ear"` // lowest EAR at an episode start
	LastAlerts int64                        `json:"last_alert_count"`
}

// Summary counts events per kind and reports the time span.
func (l *Log) Summary(ctx context.Context) (Summary, error) {
	s := Summary{ByKind: make(map[pipeline.EventKind]int64)}
	db, err := l.conn()
	if err != nil {
		return s, err
	}

	rows, err := db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM events GROUP BY kind`)
	if err != nil {
		return s, fmt.Errorf("failed to summarize events: %w", err)
	}
	for rows.Next() {
		var (
			kind string
			n    int64
		)
		if err := rows.Scan(&kind, &n); err != nil {
			rows.Close()
			return s, err
		}
		s.ByKind[pipeline.EventKind(kind)] = n
		s.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return s, err
	}
	if s.Total == 0 {
		return s, nil
	}

	var first, last int64
	err = db.QueryRowContext(ctx, `SELECT MIN(occurred_ns), MAX(occurred_ns) FROM events`).Scan(&first, &last)
	if err != nil {
		return s, fmt.Errorf("failed to summarize events: %w", err)
	}
	s.First, s.Last = time.Unix(0, first), time.Unix(0, last)

	var minEAR sql.NullFloat64
	err = db.QueryRowContext(ctx, `SELECT MIN(ear) FROM events WHERE kind = ?`, string(pipeline.EpisodeStarted)).Scan(&minEAR)
	if err != nil {
		return s, fmt.Errorf("failed to summarize events: %w", err)
	}
	s.MinEAR = minEAR.Float64

	err = db.QueryRowContext(ctx, `SELECT alert_count FROM events ORDER BY occurred_ns DESC, rowid DESC LIMIT 1`).Scan(&s.LastAlerts)
	if err != nil {
		return s, fmt.Errorf("failed to summarize events: %w", err)
	}
	return s, nil
}

// Prune deletes events older than before and returns how many went.
func (l *Log) Prune(ctx context.Context, before time.Time) (int64, error) {
	db, err := l.conn()
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, `DELETE FROM events WHERE occurred_ns < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database. Idempotent.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}
