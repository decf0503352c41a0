// Package monitor runs the poll loops. A Scheduler owns one target's loop and
// previous snapshot; the Monitor starts every scheduler in its own goroutine,
// stops them together and reports their health.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// TargetStatus is the health record of one target.
type TargetStatus struct {
	Name          string    `json:"name"`
	State         string    `json:"state"`
	Cycles        int64     `json:"cycles"`
	LastCycleAt   time.Time `json:"last_cycle_at,omitzero"`
	LastCycleID   string    `json:"last_cycle_id,omitempty"`
	LastEvents    int       `json:"last_events"`
	Entries       int       `json:"entries"`
	Skipped       int       `json:"skipped"`
	PendingCycles int       `json:"pending_cycles"`
	RootMissing   bool      `json:"root_missing,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

// HealthStatus is the payload returned by the /healthz endpoint. Status is
// "degraded" while any target has undelivered cycles or its last cycle
// failed.
type HealthStatus struct {
	Status  string         `json:"status"`
	UptimeS float64        `json:"uptime_s"`
	Targets []TargetStatus `json:"targets"`
}

// Monitor supervises one Scheduler per target.
type Monitor struct {
	logger     *slog.Logger
	schedulers []*Scheduler
	closers    []io.Closer

	startTime time.Time
	cancel    context.CancelFunc

	mu      sync.RWMutex
	running bool
	wg      sync.WaitGroup
}

// Option is a functional option for Monitor construction.
type Option func(*Monitor)

// WithSchedulers registers target schedulers.
func WithSchedulers(ss ...*Scheduler) Option {
	return func(m *Monitor) { m.schedulers = append(m.schedulers, ss...) }
}

// WithClosers registers resources released by Stop after every scheduler
// has exited, in registration order.
func WithClosers(cs ...io.Closer) Option {
	return func(m *Monitor) { m.closers = append(m.closers, cs...) }
}

// New creates a Monitor.
func New(logger *slog.Logger, opts ...Option) *Monitor {
	m := &Monitor{logger: logger}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches every scheduler. The schedulers stop when Stop is called or
// ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("monitor: already running")
	}
	m.running = true
	m.startTime = time.Now()

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.logger.Info("starting dirwatch monitor", slog.Int("targets", len(m.schedulers)))
	for _, s := range m.schedulers {
		m.wg.Add(1)
		go func(s *Scheduler) {
			defer m.wg.Done()
			if err := s.Run(ctx); err != nil {
				m.logger.Error("monitor: scheduler exited",
					slog.String("target", s.Name()),
					slog.Any("error", err))
			}
		}(s)
	}
	return nil
}

// Stop cancels every scheduler, waits for in-flight cycles to finish, then
// closes the registered resources. It is safe to call Stop more than once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()

	for _, c := range m.closers {
		if err := c.Close(); err != nil {
			m.logger.Warn("monitor: error closing resource", slog.Any("error", err))
		}
	}
	m.closers = nil
	m.logger.Info("dirwatch monitor stopped")
}

// Health returns a snapshot of every target's status.
func (m *Monitor) Health() HealthStatus {
	m.mu.RLock()
	start := m.startTime
	m.mu.RUnlock()

	h := HealthStatus{Status: "ok", Targets: make([]TargetStatus, 0, len(m.schedulers))}
	if !start.IsZero() {
		h.UptimeS = time.Since(start).Seconds()
	}
	for _, s := range m.schedulers {
		st := s.Status()
		if st.PendingCycles > 0 || st.LastError != "" {
			h.Status = "degraded"
		}
		h.Targets = append(h.Targets, st)
	}
	return h
}

// HealthzHandler responds with the health status as JSON: 200 when ok, 503
// when degraded.
func (m *Monitor) HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	h := m.Health()
	code := http.StatusOK
	if h.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		m.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}
