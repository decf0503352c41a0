package eventlog

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tripwire/dirwatch/internal/event"
)

// DefaultSpoolSize is the number of undelivered cycles a Spool keeps before
// discarding the oldest.
const DefaultSpoolSize = 1024

// Spool keeps cycles a sink failed to record and re-delivers them, oldest
// first, ahead of the next cycle. Because the file sinks roll back a failed
// write, re-delivery never duplicates records.
type Spool struct {
	sink   Sink
	max    int
	logger *slog.Logger

	mu      sync.Mutex
	pending []event.Cycle
	dropped int64
}

// NewSpool wraps sink. A non-positive max selects DefaultSpoolSize.
func NewSpool(sink Sink, max int, logger *slog.Logger) *Spool {
	if max <= 0 {
		max = DefaultSpoolSize
	}
	return &Spool{sink: sink, max: max, logger: logger}
}

// Name implements Sink.
func (s *Spool) Name() string { return s.sink.Name() }

// Append implements Sink. It queues c behind any pending cycles and flushes
// the queue until it is empty or the wrapped sink fails.
func (s *Spool) Append(ctx context.Context, c event.Cycle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = append(s.pending, c)
	if over := len(s.pending) - s.max; over > 0 {
		s.logger.Error("eventlog: spool full, discarding oldest cycles",
			slog.String("sink", s.sink.Name()),
			slog.Int("discarded", over),
			slog.String("oldest_cycle", s.pending[0].ID),
		)
		s.dropped += int64(over)
		s.pending = append([]event.Cycle(nil), s.pending[over:]...)
	}
	return s.flushLocked(ctx)
}

// Flush retries pending cycles without adding a new one.
func (s *Spool) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(ctx)
}

func (s *Spool) flushLocked(ctx context.Context) error {
	for len(s.pending) > 0 {
		next := s.pending[0]
		if err := s.sink.Append(ctx, next); err != nil {
			return &WriteError{
				Sink:    s.sink.Name(),
				CycleID: next.ID,
				Pending: len(s.pending),
				Err:     err,
			}
		}
		s.pending[0] = event.Cycle{}
		s.pending = s.pending[1:]
	}
	s.pending = nil
	return nil
}

// Pending returns the number of cycles awaiting delivery.
func (s *Spool) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Dropped returns the number of cycles discarded because the spool was full.
func (s *Spool) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close makes a final delivery attempt and closes the wrapped sink.
func (s *Spool) Close() error {
	flushErr := s.Flush(context.Background())
	if flushErr != nil {
		s.logger.Error("eventlog: undelivered cycles at close",
			slog.String("sink", s.sink.Name()),
			slog.Int("pending", s.Pending()),
			slog.Any("error", flushErr),
		)
	}
	if err := s.sink.Close(); err != nil {
		return err
	}
	return flushErr
}
