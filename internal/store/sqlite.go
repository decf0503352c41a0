package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/tripwire/dirwatch/internal/event"
)

// SQLiteStore is a WAL-mode SQLite event store. It implements eventlog.Sink
// and Querier and is safe for concurrent use.
//
// Cycles are keyed by their ID and events by (cycle_id, seq), and inserts
// ignore existing keys, so appending the same cycle twice stores it once.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (or creates) the database at path and migrates it to the
// latest schema. ":memory:" opens a private in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: create directory for %q: %w", path, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}

	// One writer at a time; every call serialises through this connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
		`PRAGMA foreign_keys = ON`,
		`PRAGMA busy_timeout = 5000`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// Name implements eventlog.Sink.
func (s *SQLiteStore) Name() string { return "sqlite" }

// Append implements eventlog.Sink. The cycle and its events are written in
// one transaction.
func (s *SQLiteStore) Append(ctx context.Context, c event.Cycle) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO cycles (id, target, root, ts, event_count)
		 VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Target, c.Root, formatTime(c.Timestamp), len(c.Events),
	); err != nil {
		return fmt.Errorf("store: insert cycle %s: %w", c.ID, err)
	}

	if len(c.Events) > 0 {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT OR IGNORE INTO events
			     (cycle_id, seq, target, ts, kind, reason, entry_name, before_summary, after_summary)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("store: prepare event insert: %w", err)
		}
		defer stmt.Close()

		for _, r := range rowsFor(c) {
			if _, err := stmt.ExecContext(ctx,
				r.CycleID, r.Seq, r.Target, formatTime(r.Timestamp),
				r.Kind, r.Reason, r.Name, r.Before, r.After,
			); err != nil {
				return fmt.Errorf("store: insert event %s/%d: %w", r.CycleID, r.Seq, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit cycle %s: %w", c.ID, err)
	}
	return nil
}

// QueryEvents returns matching events, newest first.
func (s *SQLiteStore) QueryEvents(ctx context.Context, q EventQuery) ([]EventRow, error) {
	var (
		where []string
		args  []any
	)
	if q.Target != "" {
		where = append(where, "target = ?")
		args = append(args, q.Target)
	}
	if q.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, q.Kind)
	}
	if q.Name != "" {
		where = append(where, "entry_name = ?")
		args = append(args, q.Name)
	}
	if !q.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, formatTime(q.Since))
	}

	query := `SELECT cycle_id, seq, target, ts, kind, reason, entry_name, before_summary, after_summary
	          FROM   events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC, cycle_id, seq LIMIT ?"
	args = append(args, q.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query events: %w", err)
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var (
			r  EventRow
			ts string
		)
		if err := rows.Scan(&r.CycleID, &r.Seq, &r.Target, &ts,
			&r.Kind, &r.Reason, &r.Name, &r.Before, &r.After); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		if r.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: event rows: %w", err)
	}
	return out, nil
}

// QueryCycles returns the most recent cycles, optionally for one target.
func (s *SQLiteStore) QueryCycles(ctx context.Context, target string, limit int) ([]CycleRow, error) {
	query := `SELECT id, target, root, ts, event_count FROM cycles`
	var args []any
	if target != "" {
		query += ` WHERE target = ?`
		args = append(args, target)
	}
	query += ` ORDER BY ts DESC, id LIMIT ?`
	args = append(args, clampLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query cycles: %w", err)
	}
	defer rows.Close()

	var out []CycleRow
	for rows.Next() {
		var (
			c  CycleRow
			ts string
		)
		if err := rows.Scan(&c.ID, &c.Target, &c.Root, &ts, &c.EventCount); err != nil {
			return nil, fmt.Errorf("store: scan cycle: %w", err)
		}
		if c.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: cycle rows: %w", err)
	}
	return out, nil
}

// SchemaVersion returns the applied migration version.
func (s *SQLiteStore) SchemaVersion() (uint, error) {
	version, dirty, err := schemaVersion(s.db)
	if err != nil {
		return 0, err
	}
	if dirty {
		return version, fmt.Errorf("store: schema version %d is dirty", version)
	}
	return version, nil
}

// Close implements eventlog.Sink.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close %q: %w", s.path, err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: parse timestamp %q: %w", s, err)
	}
	return t, nil
}
