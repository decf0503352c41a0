// Package telemetry samples host resource usage alongside the poll loops so
// operators can tell a slow cycle caused by a loaded host from one caused by
// a large tree.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Sample is one reading of host resource usage.
type Sample struct {
	At            time.Time `json:"at"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskPercent   float64   `json:"disk_percent"`
	Load1         float64   `json:"load1"`
	Processes     int       `json:"processes"`
}

// Sampler reads host resource usage. A Sampler may return a partially
// filled Sample together with an error describing the fields it could not
// read.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// HostSampler reads the local host through gopsutil.
type HostSampler struct {
	diskPath string
}

// NewHostSampler returns a HostSampler reporting disk usage for the file
// system holding diskPath.
func NewHostSampler(diskPath string) *HostSampler {
	return &HostSampler{diskPath: diskPath}
}

// Sample implements Sampler.
func (h *HostSampler) Sample(ctx context.Context) (Sample, error) {
	s := Sample{At: time.Now()}
	var errs []error

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		errs = append(errs, fmt.Errorf("cpu: %w", err))
	} else if len(pct) > 0 {
		s.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	} else {
		s.MemoryPercent = vm.UsedPercent
	}
	if du, err := disk.UsageWithContext(ctx, h.diskPath); err != nil {
		errs = append(errs, fmt.Errorf("disk %q: %w", h.diskPath, err))
	} else {
		s.DiskPercent = du.UsedPercent
	}
	if avg, err := load.AvgWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("load: %w", err))
	} else {
		s.Load1 = avg.Load1
	}
	if pids, err := process.PidsWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("processes: %w", err))
	} else {
		s.Processes = len(pids)
	}

	if len(errs) > 0 {
		return s, fmt.Errorf("telemetry: %w", errors.Join(errs...))
	}
	return s, nil
}

// Recorder samples on an interval and publishes each reading as gauges.
type Recorder struct {
	sampler  Sampler
	interval time.Duration
	logger   *slog.Logger

	cpu, memory, disk, load1, procs prometheus.Gauge

	mu   sync.RWMutex
	last Sample
	ok   bool
}

// NewRecorder registers the host gauges on reg.
func NewRecorder(s Sampler, interval time.Duration, reg prometheus.Registerer, logger *slog.Logger) *Recorder {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dirwatch",
			Subsystem: "host",
			Name:      name,
			Help:      help,
		})
	}
	r := &Recorder{
		sampler:  s,
		interval: interval,
		logger:   logger,
		cpu:      gauge("cpu_percent", "Host CPU utilisation."),
		memory:   gauge("memory_percent", "Host memory in use."),
		disk:     gauge("disk_percent", "Disk space in use on the sampled file system."),
		load1:    gauge("load1", "One-minute load average."),
		procs:    gauge("processes", "Running processes."),
	}
	reg.MustRegister(r.cpu, r.memory, r.disk, r.load1, r.procs)
	return r
}

// Run samples immediately and then once per interval until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		r.SampleOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SampleOnce takes and publishes one reading.
func (r *Recorder) SampleOnce(ctx context.Context) {
	s, err := r.sampler.Sample(ctx)
	if err != nil {
		r.logger.Debug("telemetry: partial sample", slog.Any("error", err))
	}
	r.cpu.Set(s.CPUPercent)
	r.memory.Set(s.MemoryPercent)
	r.disk.Set(s.DiskPercent)
	r.load1.Set(s.Load1)
	r.procs.Set(float64(s.Processes))

	r.mu.Lock()
	r.last, r.ok = s, true
	r.mu.Unlock()
}

// Last returns the most recent reading.
func (r *Recorder) Last() (Sample, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last, r.ok
}
