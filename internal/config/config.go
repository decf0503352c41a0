// Package config provides YAML and TOML configuration loading and validation
// for dirwatch.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

const (
	DefaultLogLevel            = "info"
	DefaultHealthAddr          = "127.0.0.1:9100"
	DefaultPollIntervalSeconds = 5
	DefaultStructuredLogPath   = "file_activity_log.csv"
	DefaultNarrativeLogPath    = "directory_log.txt"
	DefaultInitialBaseline     = "snapshot"
	DefaultSpoolSize           = 1024
	DefaultTelemetryInterval   = 10
	DefaultTelemetryDiskPath   = "/"
	DefaultConnectTimeout      = 30

	// HealthAddrDisabled turns the ops HTTP server off.
	HealthAddrDisabled = "off"
)

// Config is the top-level configuration structure.
type Config struct {
	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info".
	LogLevel string `yaml:"log_level" toml:"log_level"`

	// HealthAddr is the listen address of the ops HTTP server serving
	// /healthz, /metrics and the events API. "off" disables it.
	HealthAddr string `yaml:"health_addr" toml:"health_addr"`

	// SpoolSize bounds the undelivered cycles kept per sink.
	SpoolSize int `yaml:"spool_size" toml:"spool_size"`

	Store     StoreConfig     `yaml:"store" toml:"store"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`

	// Targets lists the monitored directories. At least one is required.
	Targets []Target `yaml:"targets" toml:"targets"`
}

// StoreConfig selects the optional database sinks.
type StoreConfig struct {
	// SQLitePath enables the local event store that backs the events API.
	SQLitePath string `yaml:"sqlite_path" toml:"sqlite_path"`
	// PostgresDSN enables the shared PostgreSQL sink.
	PostgresDSN string `yaml:"postgres_dsn" toml:"postgres_dsn"`
	// ConnectTimeoutSeconds bounds PostgreSQL connection retries at startup.
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds" toml:"connect_timeout_seconds"`
}

// TelemetryConfig controls host metric sampling.
type TelemetryConfig struct {
	Enabled         bool    `yaml:"enabled" toml:"enabled"`
	IntervalSeconds float64 `yaml:"interval_seconds" toml:"interval_seconds"`
	DiskPath        string  `yaml:"disk_path" toml:"disk_path"`
}

// Target describes one monitored directory and where its logs go.
type Target struct {
	// Name identifies the target in logs, metrics and stored events.
	// Defaults to the base name of RootDirectory.
	Name string `yaml:"name" toml:"name"`

	// RootDirectory is the directory to poll. Required. It need not exist.
	RootDirectory string `yaml:"root_directory" toml:"root_directory"`

	// PollIntervalSeconds is the wait between cycles. Defaults to 5.
	PollIntervalSeconds float64 `yaml:"poll_interval_seconds" toml:"poll_interval_seconds"`

	// Recursive walks the whole tree instead of immediate children.
	Recursive bool `yaml:"recursive" toml:"recursive"`

	StructuredLogPath string `yaml:"structured_log_path" toml:"structured_log_path"`
	NarrativeLogPath  string `yaml:"narrative_log_path" toml:"narrative_log_path"`
	// JournalPath enables the hash-chained journal when set.
	JournalPath string `yaml:"journal_path" toml:"journal_path"`

	// Ignore holds doublestar patterns excluded from snapshots.
	Ignore []string `yaml:"ignore" toml:"ignore"`

	// InitialBaseline is "snapshot" (default) or "empty".
	InitialBaseline string `yaml:"initial_baseline" toml:"initial_baseline"`

	// Notify wakes the poller early on filesystem notifications.
	Notify bool `yaml:"notify" toml:"notify"`

	// Fsync syncs every log append to disk. Defaults to true.
	Fsync *bool `yaml:"fsync" toml:"fsync"`

	// Workers caps concurrent metadata reads; 0 picks a default.
	Workers int `yaml:"workers" toml:"workers"`
}

// PollInterval returns the interval as a duration.
func (t Target) PollInterval() time.Duration {
	return time.Duration(t.PollIntervalSeconds * float64(time.Second))
}

// FsyncEnabled reports whether appends are synced.
func (t Target) FsyncEnabled() bool {
	return t.Fsync == nil || *t.Fsync
}

// Interval returns the sampling interval as a duration.
func (t TelemetryConfig) Interval() time.Duration {
	return time.Duration(t.IntervalSeconds * float64(time.Second))
}

// ConnectTimeout returns the PostgreSQL connect timeout.
func (s StoreConfig) ConnectTimeout() time.Duration {
	return time.Duration(s.ConnectTimeoutSeconds) * time.Second
}

// HTTPEnabled reports whether the ops HTTP server should run.
func (c *Config) HTTPEnabled() bool {
	return c.HealthAddr != HealthAddrDisabled
}

// Error is returned for configuration that cannot be read, parsed or
// validated. Err may join several validation failures.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validBaselines = map[string]bool{
	"snapshot": true,
	"empty":    true,
}

// LoadConfig reads the file at path, decodes it as TOML when the name ends
// in ".toml" and as YAML otherwise, applies defaults and validates the
// result. Unknown keys are rejected. Every failure is returned as *Error.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	cfg, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	return cfg, nil
}

// Parse decodes, defaults and validates configuration bytes.
func Parse(data []byte, isTOML bool) (*Config, error) {
	var cfg Config
	if isTOML {
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return nil, fmt.Errorf("parse toml: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("parse toml: unknown keys %v", undecoded)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields. With several targets the
// default log file names are prefixed with the target name so they stay
// distinct.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = DefaultHealthAddr
	}
	if cfg.SpoolSize == 0 {
		cfg.SpoolSize = DefaultSpoolSize
	}
	if cfg.Store.ConnectTimeoutSeconds == 0 {
		cfg.Store.ConnectTimeoutSeconds = DefaultConnectTimeout
	}
	if cfg.Telemetry.IntervalSeconds == 0 {
		cfg.Telemetry.IntervalSeconds = DefaultTelemetryInterval
	}
	if cfg.Telemetry.DiskPath == "" {
		cfg.Telemetry.DiskPath = DefaultTelemetryDiskPath
	}

	multi := len(cfg.Targets) > 1
	for i := range cfg.Targets {
		t := &cfg.Targets[i]
		if t.Name == "" && t.RootDirectory != "" {
			t.Name = filepath.Base(filepath.Clean(t.RootDirectory))
		}
		if t.PollIntervalSeconds == 0 {
			t.PollIntervalSeconds = DefaultPollIntervalSeconds
		}
		if t.InitialBaseline == "" {
			t.InitialBaseline = DefaultInitialBaseline
		}
		prefix := ""
		if multi {
			prefix = t.Name + "_"
		}
		if t.StructuredLogPath == "" {
			t.StructuredLogPath = prefix + DefaultStructuredLogPath
		}
		if t.NarrativeLogPath == "" {
			t.NarrativeLogPath = prefix + DefaultNarrativeLogPath
		}
	}
}

// maxIntervalSeconds is the largest interval a time.Duration can hold.
var maxIntervalSeconds = float64(math.MaxInt64) / float64(time.Second)

// usableInterval reports whether secs converts to a duration of at least one
// nanosecond. time.NewTicker panics on anything else.
func usableInterval(secs float64) bool {
	if math.IsNaN(secs) || math.IsInf(secs, 0) || secs <= 0 || secs >= maxIntervalSeconds {
		return false
	}
	return time.Duration(secs*float64(time.Second)) > 0
}

// validate checks that all required fields are populated and that enumerated
// fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.SpoolSize < 0 {
		errs = append(errs, fmt.Errorf("spool_size %d must not be negative", cfg.SpoolSize))
	}
	if cfg.Store.ConnectTimeoutSeconds < 0 {
		errs = append(errs, errors.New("store.connect_timeout_seconds must not be negative"))
	}
	if !usableInterval(cfg.Telemetry.IntervalSeconds) {
		errs = append(errs, fmt.Errorf("telemetry.interval_seconds %v must be a positive duration", cfg.Telemetry.IntervalSeconds))
	}
	if len(cfg.Targets) == 0 {
		errs = append(errs, errors.New("at least one target is required"))
	}

	names := make(map[string]int)
	paths := make(map[string]string)
	claim := func(owner, path string) {
		if path == "" {
			return
		}
		key := filepath.Clean(path)
		if abs, err := filepath.Abs(key); err == nil {
			key = abs
		}
		if prev, ok := paths[key]; ok {
			errs = append(errs, fmt.Errorf("%s: path %q is already used by %s", owner, path, prev))
			return
		}
		paths[key] = owner
	}
	claim("store.sqlite_path", cfg.Store.SQLitePath)

	for i, t := range cfg.Targets {
		prefix := fmt.Sprintf("targets[%d]", i)
		if t.RootDirectory == "" {
			errs = append(errs, fmt.Errorf("%s: root_directory is required", prefix))
		}
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		} else if j, dup := names[t.Name]; dup {
			errs = append(errs, fmt.Errorf("%s: name %q duplicates targets[%d]", prefix, t.Name, j))
		} else {
			names[t.Name] = i
		}
		if !usableInterval(t.PollIntervalSeconds) {
			errs = append(errs, fmt.Errorf("%s: poll_interval_seconds %v must be a positive duration", prefix, t.PollIntervalSeconds))
		}
		if !validBaselines[t.InitialBaseline] {
			errs = append(errs, fmt.Errorf("%s: initial_baseline %q must be one of: snapshot, empty", prefix, t.InitialBaseline))
		}
		if t.Workers < 0 {
			errs = append(errs, fmt.Errorf("%s: workers %d must not be negative", prefix, t.Workers))
		}
		for _, p := range t.Ignore {
			if !doublestar.ValidatePattern(p) {
				errs = append(errs, fmt.Errorf("%s: invalid ignore pattern %q", prefix, p))
			}
		}
		claim(prefix+".structured_log_path", t.StructuredLogPath)
		claim(prefix+".narrative_log_path", t.NarrativeLogPath)
		claim(prefix+".journal_path", t.JournalPath)
	}

	return errors.Join(errs...)
}
