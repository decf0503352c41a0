package monitor_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/tripwire/dirwatch/internal/eventlog"
	"github.com/tripwire/dirwatch/internal/monitor"
)

// closeRecorder appends its name to a shared log when closed.
type closeRecorder struct {
	name string
	mu   *sync.Mutex
	log  *[]string
}

func (c closeRecorder) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	*c.log = append(*c.log, c.name)
	return nil
}

func TestMonitor_StartStop(t *testing.T) {
	var mu sync.Mutex
	var closed []string
	sink := &recordingSink{}
	s := monitor.NewScheduler("docs", &scriptedSource{steps: []step{{snap: snap("a")}}}, sink,
		10*time.Millisecond, noopLogger())
	m := monitor.New(noopLogger(),
		monitor.WithSchedulers(s),
		monitor.WithClosers(closeRecorder{"sinks", &mu, &closed}, closeRecorder{"store", &mu, &closed}),
	)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(context.Background()); err == nil {
		t.Error("second Start succeeded")
	}
	waitFor(t, "first cycle", func() bool { return len(sink.recorded()) >= 1 })

	m.Stop()
	m.Stop()

	if s.State() != monitor.StateTerminated {
		t.Errorf("scheduler state after Stop = %v", s.State())
	}
	mu.Lock()
	defer mu.Unlock()
	if !equalStrings(closed, []string{"sinks", "store"}) {
		t.Errorf("closed = %v, want sinks then store exactly once", closed)
	}
}

func TestMonitor_HealthzOK(t *testing.T) {
	s := newScheduler(&scriptedSource{steps: []step{{snap: snap("a")}}}, &recordingSink{})
	_, _, _ = s.Poll(context.Background())
	_, _, _ = s.Poll(context.Background())
	m := monitor.New(noopLogger(), monitor.WithSchedulers(s))

	rec := httptest.NewRecorder()
	m.HealthzHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var h monitor.HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&h); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if h.Status != "ok" || len(h.Targets) != 1 {
		t.Fatalf("health = %+v", h)
	}
	ts := h.Targets[0]
	if ts.Name != "docs" || ts.State != "idle" || ts.Cycles != 1 || ts.LastCycleID != "c1" || ts.Entries != 1 {
		t.Errorf("target status = %+v", ts)
	}
}

func TestMonitor_HealthDegradedWhileCyclesPending(t *testing.T) {
	spool := eventlog.NewSpool(&recordingSink{failFirst: 100}, 8, noopLogger())
	s := newScheduler(&scriptedSource{steps: []step{{snap: snap("a")}, {snap: snap("a", "b")}}}, spool)
	_, _, _ = s.Poll(context.Background())
	_, _, _ = s.Poll(context.Background())
	m := monitor.New(noopLogger(), monitor.WithSchedulers(s))

	h := m.Health()
	if h.Status != "degraded" {
		t.Errorf("status = %q, want degraded", h.Status)
	}
	if h.Targets[0].PendingCycles != 1 {
		t.Errorf("pending = %d, want 1", h.Targets[0].PendingCycles)
	}

	rec := httptest.NewRecorder()
	m.HealthzHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}
