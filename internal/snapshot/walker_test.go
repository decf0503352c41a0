package snapshot_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"testing"
	"time"

	"github.com/tripwire/dirwatch/internal/fsmeta"
	"github.com/tripwire/dirwatch/internal/snapshot"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 10}))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile(%q): %v", path, err)
	}
}

func takeSnapshot(t *testing.T, root string, opts snapshot.Options) *snapshot.Snapshot {
	t.Helper()
	w, err := snapshot.NewWalker(root, opts, noopLogger())
	if err != nil {
		t.Fatalf("NewWalker: %v", err)
	}
	s, err := w.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	return s
}

// ---------------------------------------------------------------------------
// Snapshot value
// ---------------------------------------------------------------------------

func TestNew_NamesSortedAndLastWins(t *testing.T) {
	s := snapshot.New("/r", time.Time{}, []fsmeta.EntryMetadata{
		{Name: "b", Size: 1},
		{Name: "a", Size: 2},
		{Name: "b", Size: 3},
	})
	if got, want := s.Names(), []string{"a", "b"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Names = %v, want %v", got, want)
	}
	if m, _ := s.Get("b"); m.Size != 3 {
		t.Errorf("Get(b).Size = %d, want 3", m.Size)
	}
}

func TestNilSnapshotBehavesAsEmpty(t *testing.T) {
	var s *snapshot.Snapshot
	if s.Len() != 0 || s.Names() != nil || s.Skipped() != 0 {
		t.Error("nil snapshot must be empty")
	}
	if _, ok := s.Get("x"); ok {
		t.Error("Get on nil snapshot must report absent")
	}
}

func TestNames_ReturnsCopy(t *testing.T) {
	s := snapshot.New("/r", time.Time{}, []fsmeta.EntryMetadata{{Name: "a"}})
	names := s.Names()
	names[0] = "mutated"
	if s.Names()[0] != "a" {
		t.Error("callers must not be able to mutate a snapshot")
	}
}

// ---------------------------------------------------------------------------
// Walker
// ---------------------------------------------------------------------------

func TestWalker_MissingRootYieldsEmptySnapshot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "not-yet")
	s := takeSnapshot(t, root, snapshot.Options{})
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0", s.Len())
	}
	if s.Root() != root {
		t.Errorf("Root = %q, want %q", s.Root(), root)
	}
	if !s.RootMissing() {
		t.Error("RootMissing = false for a missing root")
	}
}

func TestWalker_RootIsFileIsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	writeFile(t, path, "x")
	w, err := snapshot.NewWalker(path, snapshot.Options{}, noopLogger())
	if err != nil {
		t.Fatalf("NewWalker: %v", err)
	}
	if _, err := w.Snapshot(context.Background()); err == nil {
		t.Error("expected an error when the root is a regular file")
	}
}

func TestWalker_NonRecursiveListsImmediateChildren(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "0123456789")
	writeFile(t, filepath.Join(root, "sub", "deep.txt"), "x")

	s := takeSnapshot(t, root, snapshot.Options{})
	if got, want := s.Names(), []string{"a.txt", "sub"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Names = %v, want %v", got, want)
	}
	a, _ := s.Get("a.txt")
	if a.Size != 10 || a.Kind != fsmeta.KindFile {
		t.Errorf("a.txt = %+v", a)
	}
	sub, _ := s.Get("sub")
	if sub.Kind != fsmeta.KindDir || sub.Size != 0 {
		t.Errorf("sub = %+v", sub)
	}
}

func TestWalker_RecursiveUsesRelativeSlashNames(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "a")
	writeFile(t, filepath.Join(root, "sub", "deep", "b.txt"), "b")

	s := takeSnapshot(t, root, snapshot.Options{Recursive: true, Workers: 2})
	want := []string{"a.txt", "sub", "sub/deep", "sub/deep/b.txt"}
	if got := s.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names = %v, want %v", got, want)
	}
}

func TestWalker_IgnorePatterns(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "keep.txt"), "k")
	writeFile(t, filepath.Join(root, "scratch.tmp"), "t")
	writeFile(t, filepath.Join(root, "node_modules", "pkg", "index.js"), "j")
	writeFile(t, filepath.Join(root, "docs", "draft.tmp"), "d")
	writeFile(t, filepath.Join(root, "docs", "final.md"), "f")

	s := takeSnapshot(t, root, snapshot.Options{
		Recursive: true,
		Ignore:    []string{"*.tmp", "node_modules", "docs/final.md"},
	})
	want := []string{"docs", "keep.txt"}
	if got := s.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names = %v, want %v", got, want)
	}
}

func TestWalker_InvalidIgnorePattern(t *testing.T) {
	if _, err := snapshot.NewWalker(t.TempDir(), snapshot.Options{Ignore: []string{"[unclosed"}}, noopLogger()); err == nil {
		t.Error("expected an error for a malformed pattern")
	}
}

func TestWalker_SymlinkChildReportedAsLink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "target", "x.txt"), "x")
	if err := os.Symlink(filepath.Join(root, "target"), filepath.Join(root, "link")); err != nil {
		t.Fatalf("Symlink: %v", err)
	}

	s := takeSnapshot(t, root, snapshot.Options{Recursive: true})
	link, ok := s.Get("link")
	if !ok || link.Kind != fsmeta.KindSymlink {
		t.Fatalf("link = %+v (present %v), want symlink", link, ok)
	}
	if _, ok := s.Get("link/x.txt"); ok {
		t.Error("recursive walk must not descend through symlinks")
	}
}

func TestWalker_UsesInjectedClock(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := takeSnapshot(t, t.TempDir(), snapshot.Options{Now: func() time.Time { return at }})
	if !s.TakenAt().Equal(at) {
		t.Errorf("TakenAt = %v, want %v", s.TakenAt(), at)
	}
}

func TestWalker_CancelledContext(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 20; i++ {
		writeFile(t, filepath.Join(root, "d", string(rune('a'+i))+".txt"), "x")
	}
	w, err := snapshot.NewWalker(root, snapshot.Options{Recursive: true}, noopLogger())
	if err != nil {
		t.Fatalf("NewWalker: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := w.Snapshot(ctx); err == nil {
		t.Error("expected an error from a cancelled snapshot")
	}
}

func TestWalker_RecursiveSkipsUnreadableSubdirectory(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("directory permissions are not enforced here")
	}
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "visible.txt"), "v")
	writeFile(t, filepath.Join(root, "locked", "inner.txt"), "i")

	locked := filepath.Join(root, "locked")
	if err := os.Chmod(locked, 0o000); err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(locked, 0o755) })

	s := takeSnapshot(t, root, snapshot.Options{Recursive: true})
	if got, want := s.Names(), []string{"locked", "visible.txt"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Names = %v, want %v", got, want)
	}
	if s.Skipped() != 1 {
		t.Errorf("Skipped = %d, want 1", s.Skipped())
	}
}
