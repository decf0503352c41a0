package monitor_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tripwire/dirwatch/internal/config"
	"github.com/tripwire/dirwatch/internal/eventlog"
	"github.com/tripwire/dirwatch/internal/monitor"
	"github.com/tripwire/dirwatch/internal/store"
)

func parseConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml), false)
	if err != nil {
		t.Fatalf("config.Parse: %v", err)
	}
	return cfg
}

func TestBuild_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "docs")
	if err := os.Mkdir(root, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "report.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	csvPath := filepath.Join(dir, "logs", "activity.csv")
	txtPath := filepath.Join(dir, "logs", "directory.txt")
	journalPath := filepath.Join(dir, "logs", "journal.jsonl")

	cfg := parseConfig(t, fmt.Sprintf(`
health_addr: "off"
store:
  sqlite_path: %q
targets:
  - name: docs
    root_directory: %q
    poll_interval_seconds: 0.02
    structured_log_path: %q
    narrative_log_path: %q
    journal_path: %q
    initial_baseline: empty
    fsync: false
`, filepath.Join(dir, "events.db"), root, csvPath, txtPath, journalPath))

	m, q, err := monitor.Build(context.Background(), cfg, noopLogger(), nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if q == nil {
		t.Fatal("Build returned no querier with sqlite_path set")
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "stored event", func() bool {
		rows, err := q.QueryEvents(context.Background(), store.EventQuery{Target: "docs"})
		return err == nil && len(rows) == 1
	})
	m.Stop()

	records, err := eventlog.ReadStructured(csvPath)
	if err != nil {
		t.Fatalf("ReadStructured: %v", err)
	}
	if len(records) == 0 || records[0].Kind != "created" || records[0].Name != "report.txt" {
		t.Errorf("structured records = %+v", records)
	}
	blocks, err := eventlog.ReadNarrative(txtPath)
	if err != nil {
		t.Fatalf("ReadNarrative: %v", err)
	}
	if len(blocks) == 0 || len(blocks[0].Created) != 1 {
		t.Errorf("narrative blocks = %+v", blocks)
	}
	if _, err := eventlog.Verify(journalPath); err != nil {
		t.Errorf("journal: %v", err)
	}
}

func TestBuild_NoStoreMeansNoQuerier(t *testing.T) {
	dir := t.TempDir()
	cfg := parseConfig(t, fmt.Sprintf(`
targets:
  - root_directory: %q
    structured_log_path: %q
    narrative_log_path: %q
`, dir, filepath.Join(dir, "a.csv"), filepath.Join(dir, "a.txt")))

	m, q, err := monitor.Build(context.Background(), cfg, noopLogger(), nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if q != nil {
		t.Errorf("querier = %v, want nil", q)
	}
	if got := m.Health().Targets; len(got) != 1 {
		t.Errorf("targets = %+v", got)
	}
}

func TestBuild_UnopenableSinkFails(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := parseConfig(t, fmt.Sprintf(`
targets:
  - name: docs
    root_directory: %q
    structured_log_path: %q
    narrative_log_path: %q
`, dir, filepath.Join(dir, "ok.csv"), filepath.Join(blocker, "narrative.txt")))

	_, _, err := monitor.Build(context.Background(), cfg, noopLogger(), nil)
	if err == nil {
		t.Fatal("Build succeeded with an unwritable narrative log")
	}
	if !strings.Contains(err.Error(), `target "docs"`) || !strings.Contains(err.Error(), "narrative log") {
		t.Errorf("error = %v", err)
	}
}
