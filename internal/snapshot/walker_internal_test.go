package snapshot

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/tripwire/dirwatch/internal/fsmeta"
)

// failingReader delegates to a real reader except for the names in fail,
// which return the mapped error.
type failingReader struct {
	real *fsmeta.Reader
	fail map[string]error
}

func (r failingReader) Read(root, name string) (fsmeta.EntryMetadata, error) {
	if err, ok := r.fail[name]; ok {
		return fsmeta.EntryMetadata{}, err
	}
	return r.real.Read(root, name)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 10}))
}

func newTestWalker(t *testing.T, root string, fail map[string]error) *Walker {
	t.Helper()
	w, err := NewWalker(root, Options{}, quietLogger())
	if err != nil {
		t.Fatalf("NewWalker: %v", err)
	}
	w.reader = failingReader{real: fsmeta.NewReader(), fail: fail}
	return w
}

func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), []byte(n), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
}

func TestSnapshot_TransientEntryFailuresAreSkipped(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "a.txt", "gone.txt", "locked.txt", "b.txt")

	w := newTestWalker(t, root, map[string]error{
		"gone.txt": &fsmeta.EntryError{
			Path: filepath.Join(root, "gone.txt"), Kind: fsmeta.ErrNotFound, Err: fs.ErrNotExist,
		},
		"locked.txt": &fsmeta.EntryError{
			Path: filepath.Join(root, "locked.txt"), Kind: fsmeta.ErrPermissionDenied, Err: fs.ErrPermission,
		},
	})

	s, err := w.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if got, want := s.Names(), []string{"a.txt", "b.txt"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Names = %v, want %v", got, want)
	}
	if s.Skipped() != 2 {
		t.Errorf("Skipped = %d, want 2", s.Skipped())
	}
	if _, ok := s.Get("gone.txt"); ok {
		t.Error("vanished entry present in snapshot")
	}
}

func TestSnapshot_NonTransientEntryFailureFailsSnapshot(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "a.txt", "bad.txt")

	boom := errors.New("i/o error")
	w := newTestWalker(t, root, map[string]error{"bad.txt": boom})

	if _, err := w.Snapshot(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Snapshot error = %v, want %v", err, boom)
	}
}
