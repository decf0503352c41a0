package monitor

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/tripwire/dirwatch/internal/config"
	"github.com/tripwire/dirwatch/internal/eventlog"
	"github.com/tripwire/dirwatch/internal/notify"
	"github.com/tripwire/dirwatch/internal/snapshot"
	"github.com/tripwire/dirwatch/internal/store"
)

// Build wires a Monitor from a validated cfg. Each target gets a Walker, a
// Fanout of spooled sinks and, when enabled, a notification trigger. The
// database stores are shared by every target and closed after the target
// sinks. Each of extra is delivered every target's cycles like a store but
// is owned and closed by the caller. q is the SQLite store when one is
// configured and nil otherwise.
//
// Build fails if any sink cannot be opened; everything opened so far is
// closed again.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, rec Recorder,
	extra ...eventlog.Sink) (m *Monitor, q store.Querier, err error) {
	var targetClosers, storeClosers []io.Closer
	defer func() {
		if err == nil {
			return
		}
		for _, c := range append(targetClosers, storeClosers...) {
			_ = c.Close()
		}
	}()

	var shared []eventlog.Sink
	if path := cfg.Store.SQLitePath; path != "" {
		db, err := store.OpenSQLite(path)
		if err != nil {
			return nil, nil, fmt.Errorf("monitor: open sqlite store: %w", err)
		}
		storeClosers = append(storeClosers, db)
		shared = append(shared, db)
		q = db
		logger.Info("sqlite event store opened", slog.String("path", path))
	}
	if dsn := cfg.Store.PostgresDSN; dsn != "" {
		pg, err := store.ConnectPostgres(ctx, dsn, cfg.Store.ConnectTimeout(), logger)
		if err != nil {
			return nil, nil, fmt.Errorf("monitor: connect postgres store: %w", err)
		}
		storeClosers = append(storeClosers, pg)
		shared = append(shared, pg)
	}
	shared = append(shared, extra...)

	var schedulers []*Scheduler
	for _, t := range cfg.Targets {
		s, closers, err := buildTarget(t, cfg.SpoolSize, shared, logger, rec)
		targetClosers = append(targetClosers, closers...)
		if err != nil {
			return nil, nil, fmt.Errorf("monitor: target %q: %w", t.Name, err)
		}
		schedulers = append(schedulers, s)
	}

	m = New(logger,
		WithSchedulers(schedulers...),
		WithClosers(targetClosers...),
		WithClosers(storeClosers...),
	)
	return m, q, nil
}

// buildTarget returns the target's scheduler and the resources it owns. The
// closers are returned even on error so the caller can release them.
func buildTarget(t config.Target, spoolSize int, shared []eventlog.Sink, logger *slog.Logger,
	rec Recorder) (*Scheduler, []io.Closer, error) {
	tlog := logger.With(slog.String("target", t.Name))

	walker, err := snapshot.NewWalker(t.RootDirectory, snapshot.Options{
		Recursive: t.Recursive,
		Ignore:    t.Ignore,
		Workers:   t.Workers,
	}, tlog)
	if err != nil {
		return nil, nil, err
	}

	var sinks []eventlog.Sink
	add := func(s eventlog.Sink, err error) error {
		if err != nil {
			return err
		}
		sinks = append(sinks, eventlog.NewSpool(s, spoolSize, tlog))
		return nil
	}
	closers := []io.Closer{closerFunc(func() error { return eventlog.NewFanout(sinks...).Close() })}

	fsync := t.FsyncEnabled()
	if err := add(eventlog.OpenStructured(t.StructuredLogPath, fsync)); err != nil {
		return nil, closers, fmt.Errorf("structured log: %w", err)
	}
	if err := add(eventlog.OpenNarrative(t.NarrativeLogPath, fsync)); err != nil {
		return nil, closers, fmt.Errorf("narrative log: %w", err)
	}
	if t.JournalPath != "" {
		if err := add(eventlog.OpenJournal(t.JournalPath, fsync)); err != nil {
			return nil, closers, fmt.Errorf("journal: %w", err)
		}
	}
	for _, s := range shared {
		_ = add(eventlog.Shared(s), nil)
	}
	fanout := eventlog.NewFanout(sinks...)

	opts := []SchedulerOption{WithBaseline(Baseline(t.InitialBaseline))}
	if rec != nil {
		opts = append(opts, WithRecorder(rec))
	}
	if t.Notify {
		tr, err := notify.New(t.RootDirectory, notify.Options{Recursive: t.Recursive}, tlog)
		if err != nil {
			return nil, closers, fmt.Errorf("notify: %w", err)
		}
		closers = append(closers, tr)
		opts = append(opts, WithTrigger(tr.C()), WithAfterCycle(tr.Refresh))
	}

	return NewScheduler(t.Name, walker, fanout, t.PollInterval(), logger, opts...), closers, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
