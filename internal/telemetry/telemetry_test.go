package telemetry_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tripwire/dirwatch/internal/telemetry"
)

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 10}))
}

// stubSampler returns a fixed reading and error.
type stubSampler struct {
	s   telemetry.Sample
	err error
}

func (f stubSampler) Sample(context.Context) (telemetry.Sample, error) { return f.s, f.err }

func TestRecorder_PublishesGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	want := telemetry.Sample{CPUPercent: 12.5, MemoryPercent: 40, DiskPercent: 71, Load1: 0.75, Processes: 200}
	r := telemetry.NewRecorder(stubSampler{s: want}, time.Second, reg, noopLogger())

	if _, ok := r.Last(); ok {
		t.Fatal("Last reports a sample before any was taken")
	}
	r.SampleOnce(context.Background())

	got, ok := r.Last()
	if !ok || got != want {
		t.Errorf("Last = %+v, %v; want %+v", got, ok, want)
	}
	n, err := testutil.GatherAndCount(reg)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("registered series = %d, want 5", n)
	}
}

func TestRecorder_PartialSampleIsStillPublished(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := telemetry.NewRecorder(stubSampler{
		s:   telemetry.Sample{CPUPercent: 3},
		err: errors.New("load: not implemented"),
	}, time.Second, reg, noopLogger())

	r.SampleOnce(context.Background())
	if got, ok := r.Last(); !ok || got.CPUPercent != 3 {
		t.Errorf("Last = %+v, %v", got, ok)
	}
}

func TestRecorder_RunStopsOnCancel(t *testing.T) {
	r := telemetry.NewRecorder(stubSampler{}, 10*time.Millisecond, prometheus.NewRegistry(), noopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestHostSampler_ReadsSomething(t *testing.T) {
	s, err := telemetry.NewHostSampler(os.TempDir()).Sample(context.Background())
	if err != nil {
		t.Logf("partial host sample: %v", err)
	}
	if s.At.IsZero() {
		t.Error("sample has no timestamp")
	}
}
