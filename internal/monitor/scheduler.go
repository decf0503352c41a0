package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tripwire/dirwatch/internal/diff"
	"github.com/tripwire/dirwatch/internal/event"
	"github.com/tripwire/dirwatch/internal/eventlog"
	"github.com/tripwire/dirwatch/internal/snapshot"
)

// State is the lifecycle state of a Scheduler.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Baseline selects what the first successful snapshot is compared against.
type Baseline string

const (
	// BaselineSnapshot adopts the first snapshot as the baseline without
	// reporting anything.
	BaselineSnapshot Baseline = "snapshot"
	// BaselineEmpty compares the first snapshot against an empty one, so every
	// existing entry is reported as Created.
	BaselineEmpty Baseline = "empty"
)

// ErrAlreadyStarted is returned by Run on a Scheduler that has run before.
var ErrAlreadyStarted = errors.New("monitor: scheduler already started")

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Recorder receives per-cycle measurements. The metrics package provides the
// Prometheus implementation.
type Recorder interface {
	CycleCompleted(target string, c event.Cycle, entries, skipped int, took time.Duration)
	SnapshotFailed(target string)
	SinkFailed(target string)
}

type nopRecorder struct{}

func (nopRecorder) CycleCompleted(string, event.Cycle, int, int, time.Duration) {}
func (nopRecorder) SnapshotFailed(string)                                      {}
func (nopRecorder) SinkFailed(string)                                          {}

// Scheduler runs the poll loop for one target: wait, snapshot, diff, append,
// then replace the previous snapshot. The previous snapshot is owned by the
// goroutine calling Run or Poll and is never shared.
type Scheduler struct {
	name     string
	source   snapshot.Source
	sink     eventlog.Sink
	interval time.Duration
	logger   *slog.Logger

	baseline   Baseline
	trigger    <-chan struct{}
	afterCycle func()
	clock      Clock
	newID      func() string
	recorder   Recorder

	state    atomic.Int32
	previous *snapshot.Snapshot
	missing  bool

	mu     sync.RWMutex
	status TargetStatus
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithBaseline selects the baseline policy. The default is BaselineSnapshot.
func WithBaseline(b Baseline) SchedulerOption {
	return func(s *Scheduler) { s.baseline = b }
}

// WithTrigger makes every receive on ch start a cycle immediately.
func WithTrigger(ch <-chan struct{}) SchedulerOption {
	return func(s *Scheduler) { s.trigger = ch }
}

// WithAfterCycle registers fn to run after every attempted cycle.
func WithAfterCycle(fn func()) SchedulerOption {
	return func(s *Scheduler) { s.afterCycle = fn }
}

// WithClock replaces the wall clock used for cycle timestamps.
func WithClock(c Clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = c }
}

// WithIDGenerator replaces the cycle ID generator.
func WithIDGenerator(fn func() string) SchedulerOption {
	return func(s *Scheduler) { s.newID = fn }
}

// WithRecorder registers a metrics recorder.
func WithRecorder(r Recorder) SchedulerOption {
	return func(s *Scheduler) { s.recorder = r }
}

// NewScheduler returns an idle Scheduler for the target called name.
func NewScheduler(name string, src snapshot.Source, sink eventlog.Sink, interval time.Duration,
	logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		name:     name,
		source:   src,
		sink:     sink,
		interval: interval,
		logger:   logger.With(slog.String("target", name)),
		baseline: BaselineSnapshot,
		clock:    systemClock{},
		newID:    uuid.NewString,
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.baseline == BaselineEmpty {
		s.previous = snapshot.Empty("", time.Time{})
	}
	s.status = TargetStatus{Name: name, State: StateIdle.String()}
	return s
}

// Name returns the target name.
func (s *Scheduler) Name() string { return s.name }

// State returns the current lifecycle state.
func (s *Scheduler) State() State { return State(s.state.Load()) }

// Run moves the scheduler to Running, polls once immediately and then once
// per interval (or per trigger) until ctx is cancelled. It returns nil on
// cancellation. A Scheduler can be run only once.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return ErrAlreadyStarted
	}
	s.setState(StateRunning)
	defer s.setState(StateTerminated)

	s.logger.Info("monitor: target running",
		slog.Duration("interval", s.interval),
		slog.String("baseline", string(s.baseline)),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			s.logger.Info("monitor: target terminated")
			return nil
		}
		// Errors are logged and recorded in the status by Poll.
		_, _, _ = s.Poll(ctx)

		select {
		case <-ctx.Done():
			s.logger.Info("monitor: target terminated")
			return nil
		case <-ticker.C:
		case <-s.trigger:
			s.logger.Debug("monitor: early wake")
		}
	}
}

// Poll performs one cycle. ok is false when no cycle was produced: either
// the call established the baseline or the snapshot failed. Poll must not
// run concurrently with Run or another Poll.
//
// The append is not interrupted by cancellation of ctx. The previous snapshot
// advances even when a sink fails, because the spooled sinks retry the cycle.
func (s *Scheduler) Poll(ctx context.Context) (c event.Cycle, ok bool, err error) {
	if s.afterCycle != nil {
		defer s.afterCycle()
	}
	start := s.clock.Now()

	current, err := s.source.Snapshot(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			s.logger.Debug("monitor: snapshot interrupted by shutdown")
			return event.Cycle{}, false, ctxErr
		}
		s.recorder.SnapshotFailed(s.name)
		s.logger.Warn("monitor: snapshot failed, cycle skipped", slog.Any("error", err))
		s.recordError(err)
		return event.Cycle{}, false, fmt.Errorf("monitor: %s: %w", s.name, err)
	}
	s.noteRoot(current)

	if s.previous == nil {
		s.previous = current
		s.logger.Info("monitor: baseline established", slog.Int("entries", current.Len()))
		s.mu.Lock()
		s.status.Entries = current.Len()
		s.status.LastError = ""
		s.mu.Unlock()
		return event.Cycle{}, false, nil
	}

	at := s.clock.Now()
	c = event.Cycle{
		ID:        s.newID(),
		Target:    s.name,
		Root:      current.Root(),
		Timestamp: at,
		Events:    diff.Diff(s.previous, current, at),
	}

	appendErr := s.sink.Append(context.WithoutCancel(ctx), c)
	s.previous = current

	took := s.clock.Now().Sub(start)
	s.recorder.CycleCompleted(s.name, c, current.Len(), current.Skipped(), took)

	s.mu.Lock()
	s.status.Cycles++
	s.status.LastCycleAt = at
	s.status.LastCycleID = c.ID
	s.status.LastEvents = len(c.Events)
	s.status.Entries = current.Len()
	s.status.Skipped = current.Skipped()
	s.status.LastError = ""
	s.mu.Unlock()

	if appendErr != nil {
		s.recorder.SinkFailed(s.name)
		s.logger.Warn("monitor: cycle not fully recorded, will retry",
			slog.String("cycle", c.ID),
			slog.Any("error", appendErr),
		)
		s.recordError(appendErr)
		return c, true, appendErr
	}

	if c.NoChanges() {
		s.logger.Debug("monitor: no changes", slog.String("cycle", c.ID))
	} else {
		s.logger.Info("monitor: changes detected",
			slog.String("cycle", c.ID),
			slog.Int("created", len(c.ByKind(event.Created))),
			slog.Int("deleted", len(c.ByKind(event.Deleted))),
			slog.Int("modified", len(c.ByKind(event.Modified))),
			slog.Duration("took", took),
		)
	}
	return c, true, nil
}

// Status returns a copy of the scheduler's health record.
func (s *Scheduler) Status() TargetStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.status
	if p, ok := s.sink.(interface{ Pending() int }); ok {
		st.PendingCycles = p.Pending()
	}
	return st
}

func (s *Scheduler) setState(st State) {
	s.state.Store(int32(st))
	s.mu.Lock()
	s.status.State = st.String()
	s.mu.Unlock()
}

func (s *Scheduler) recordError(err error) {
	s.mu.Lock()
	s.status.LastError = err.Error()
	s.mu.Unlock()
}

// noteRoot logs transitions of the root between missing and present.
func (s *Scheduler) noteRoot(current *snapshot.Snapshot) {
	missing := current.RootMissing()
	if missing == s.missing {
		return
	}
	s.missing = missing
	if missing {
		s.logger.Debug("monitor: root directory unavailable", slog.String("root", current.Root()))
	} else {
		s.logger.Debug("monitor: root directory available", slog.String("root", current.Root()))
	}
	s.mu.Lock()
	s.status.RootMissing = missing
	s.mu.Unlock()
}
