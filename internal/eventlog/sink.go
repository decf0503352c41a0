// Package eventlog persists poll cycles to append-only sinks.
//
// Three file formats are provided: a CSV structured log with one row per
// event, a human-readable narrative log with one block per cycle, and a
// SHA-256 hash-chained JSON-lines journal. Every sink appends a whole cycle
// with a single write and repairs a torn trailing record when reopened, so
// after a crash each file holds only complete records.
//
// Spool wraps a sink with a bounded retry queue and Fanout delivers one cycle
// to several sinks, reporting failures as a *WriteError.
package eventlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/tripwire/dirwatch/internal/event"
)

// Sink is a destination for completed poll cycles.
type Sink interface {
	// Name identifies the sink in logs, metrics and errors.
	Name() string
	// Append durably records every event of c, or the no-change marker when
	// c has no events. It either records the whole cycle or nothing.
	Append(ctx context.Context, c event.Cycle) error
	// Close flushes and releases the sink.
	Close() error
}

// WriteError reports a sink that failed to record a cycle. The cycle stays
// pending in the sink's Spool, when it has one, and is retried on the next
// Append.
type WriteError struct {
	Sink    string
	CycleID string
	// Pending is the number of cycles still queued for the sink.
	Pending int
	Err     error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("eventlog: sink %s: append cycle %s (%d pending): %v",
		e.Sink, e.CycleID, e.Pending, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Fanout delivers each cycle to every wrapped sink. A failing sink does not
// stop delivery to the others.
type Fanout struct {
	sinks []Sink
}

// NewFanout returns a Fanout over sinks in the given order.
func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks}
}

// Name implements Sink.
func (f *Fanout) Name() string { return "fanout" }

// Sinks returns the wrapped sinks.
func (f *Fanout) Sinks() []Sink { return f.sinks }

// Append implements Sink. The returned error joins one *WriteError per
// failing sink.
func (f *Fanout) Append(ctx context.Context, c event.Cycle) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Append(ctx, c); err != nil {
			var we *WriteError
			if !errors.As(err, &we) {
				err = &WriteError{Sink: s.Name(), CycleID: c.ID, Err: err}
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Pending sums the queued cycles of every wrapped Spool.
func (f *Fanout) Pending() int {
	n := 0
	for _, s := range f.sinks {
		if p, ok := s.(interface{ Pending() int }); ok {
			n += p.Pending()
		}
	}
	return n
}

// Close implements Sink and closes every wrapped sink.
func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Shared wraps a sink that several fanouts deliver to. Closing the wrapper
// leaves the underlying sink open; its owner closes it once.
func Shared(s Sink) Sink { return sharedSink{s} }

type sharedSink struct{ Sink }

func (sharedSink) Close() error { return nil }
