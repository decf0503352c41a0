package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tripwire/dirwatch/internal/event"
)

// DefaultConnectTimeout bounds the retries of ConnectPostgres.
const DefaultConnectTimeout = 30 * time.Second

// postgresDDL creates the shared schema. It is idempotent.
const postgresDDL = `
CREATE TABLE IF NOT EXISTS dirwatch_cycles (
    id          TEXT        PRIMARY KEY,
    target      TEXT        NOT NULL,
    root        TEXT        NOT NULL,
    ts          TIMESTAMPTZ NOT NULL,
    event_count INTEGER     NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS dirwatch_events (
    cycle_id       TEXT        NOT NULL REFERENCES dirwatch_cycles (id),
    seq            INTEGER     NOT NULL,
    target         TEXT        NOT NULL,
    ts             TIMESTAMPTZ NOT NULL,
    kind           TEXT        NOT NULL,
    reason         TEXT        NOT NULL DEFAULT '',
    entry_name     TEXT        NOT NULL,
    before_summary TEXT        NOT NULL DEFAULT '',
    after_summary  TEXT        NOT NULL DEFAULT '',
    PRIMARY KEY (cycle_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_dirwatch_events_target_ts ON dirwatch_events (target, ts DESC);
`

// PostgresStore records cycles in PostgreSQL. Every cycle is sent as one
// pgx.Batch inside a transaction; conflicting rows are ignored so re-delivery
// is harmless.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// ConnectPostgres opens a pool for dsn, retrying with exponential backoff
// until the database answers a ping or timeout elapses, then applies the
// schema.
func ConnectPostgres(ctx context.Context, dsn string, timeout time.Duration, logger *slog.Logger) (*PostgresStore, error) {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: pgxpool.New: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = timeout

	ping := func() error {
		err := pool.Ping(ctx)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("store: postgres not reachable, retrying",
			slog.Any("error", err),
			slog.Duration("after", wait))
	}
	if err := backoff.RetryNotify(ping, backoff.WithContext(b, ctx), notify); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: apply postgres schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Name implements eventlog.Sink.
func (s *PostgresStore) Name() string { return "postgres" }

// Append implements eventlog.Sink.
func (s *PostgresStore) Append(ctx context.Context, c event.Cycle) error {
	rows := rowsFor(c)
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		b.Queue(`
			INSERT INTO dirwatch_cycles (id, target, root, ts, event_count)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT DO NOTHING`,
			c.ID, c.Target, c.Root, c.Timestamp.UTC(), len(c.Events))
		for _, r := range rows {
			b.Queue(`
				INSERT INTO dirwatch_events
					(cycle_id, seq, target, ts, kind, reason, entry_name, before_summary, after_summary)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				ON CONFLICT DO NOTHING`,
				r.CycleID, r.Seq, r.Target, r.Timestamp, r.Kind, r.Reason, r.Name, r.Before, r.After)
		}

		br := tx.SendBatch(ctx, b)
		for i := 0; i < b.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("store: postgres batch exec cycle %s: %w", c.ID, err)
			}
		}
		return br.Close()
	})
}

// QueryEvents implements Querier.
func (s *PostgresStore) QueryEvents(ctx context.Context, q EventQuery) ([]EventRow, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if q.Target != "" {
		add("target = $%d", q.Target)
	}
	if q.Kind != "" {
		add("kind = $%d", q.Kind)
	}
	if q.Name != "" {
		add("entry_name = $%d", q.Name)
	}
	if !q.Since.IsZero() {
		add("ts >= $%d", q.Since.UTC())
	}

	sql := `SELECT cycle_id, seq, target, ts, kind, reason, entry_name, before_summary, after_summary
	        FROM   dirwatch_events`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, q.limit())
	sql += fmt.Sprintf(" ORDER BY ts DESC, cycle_id, seq LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query postgres events: %w", err)
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var r EventRow
		if err := rows.Scan(&r.CycleID, &r.Seq, &r.Target, &r.Timestamp,
			&r.Kind, &r.Reason, &r.Name, &r.Before, &r.After); err != nil {
			return nil, fmt.Errorf("store: scan postgres event: %w", err)
		}
		r.Timestamp = r.Timestamp.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// QueryCycles implements Querier.
func (s *PostgresStore) QueryCycles(ctx context.Context, target string, limit int) ([]CycleRow, error) {
	sql := `SELECT id, target, root, ts, event_count FROM dirwatch_cycles`
	args := []any{clampLimit(limit)}
	if target != "" {
		sql += ` WHERE target = $2`
		args = append(args, target)
	}
	sql += ` ORDER BY ts DESC, id LIMIT $1`

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query postgres cycles: %w", err)
	}
	defer rows.Close()

	var out []CycleRow
	for rows.Next() {
		var c CycleRow
		if err := rows.Scan(&c.ID, &c.Target, &c.Root, &c.Timestamp, &c.EventCount); err != nil {
			return nil, fmt.Errorf("store: scan postgres cycle: %w", err)
		}
		c.Timestamp = c.Timestamp.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// Close implements eventlog.Sink.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
