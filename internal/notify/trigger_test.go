package notify_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tripwire/dirwatch/internal/notify"
)

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 10}))
}

func newTrigger(t *testing.T, root string, opts notify.Options) *notify.Trigger {
	t.Helper()
	tr, err := notify.New(root, opts, noopLogger())
	if err != nil {
		t.Fatalf("notify.New: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func waitSignal(t *testing.T, tr *notify.Trigger) {
	t.Helper()
	select {
	case <-tr.C():
	case <-time.After(5 * time.Second):
		t.Fatal("no signal within 5s")
	}
}

func TestTrigger_SignalsAfterWrite(t *testing.T) {
	root := t.TempDir()
	tr := newTrigger(t, root, notify.Options{Debounce: 20 * time.Millisecond})
	if !tr.Armed() {
		t.Fatal("Armed = false for an existing root")
	}

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(filepath.Join(root, "f.txt"), []byte{byte(i)}, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	waitSignal(t, tr)
}

func TestTrigger_MissingRootArmsOnRefresh(t *testing.T) {
	root := filepath.Join(t.TempDir(), "later")
	tr := newTrigger(t, root, notify.Options{Debounce: 20 * time.Millisecond})
	if tr.Armed() {
		t.Fatal("Armed = true for a missing root")
	}

	if err := os.Mkdir(root, 0o755); err != nil {
		t.Fatal(err)
	}
	tr.Refresh()
	if !tr.Armed() {
		t.Fatal("Armed = false after Refresh on an existing root")
	}
	if err := os.WriteFile(filepath.Join(root, "a"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitSignal(t, tr)
}

func TestTrigger_RecursiveWatchesNewSubdirectories(t *testing.T) {
	root := t.TempDir()
	tr := newTrigger(t, root, notify.Options{Recursive: true, Debounce: 20 * time.Millisecond})

	sub := filepath.Join(root, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	waitSignal(t, tr)

	// Give the loop a moment to add the new directory before writing into it.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(sub, "deep.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitSignal(t, tr)
}

func TestTrigger_CloseIsIdempotent(t *testing.T) {
	tr, err := notify.New(t.TempDir(), notify.Options{}, noopLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
