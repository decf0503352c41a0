package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"github.com/tripwire/dirwatch/internal/fsmeta"
)

// DefaultWorkers bounds the number of concurrent metadata reads when Options
// leaves Workers unset.
var DefaultWorkers = runtime.GOMAXPROCS(0) * 2

// Options configures a Walker.
type Options struct {
	// Recursive selects a full tree walk instead of immediate children only.
	Recursive bool
	// Ignore holds doublestar patterns. Patterns without '/' match an entry's
	// base name; patterns containing '/' match its root-relative path. An
	// ignored directory prunes its whole subtree.
	Ignore []string
	// Workers caps concurrent metadata reads. <= 0 uses DefaultWorkers.
	Workers int
	// Now returns the observation instant. Defaults to time.Now.
	Now func() time.Time
}

// entryReader reads one entry's metadata; *fsmeta.Reader in production.
type entryReader interface {
	Read(root, name string) (fsmeta.EntryMetadata, error)
}

// Walker is the polling Source for one root directory.
type Walker struct {
	root   string
	opts   Options
	reader entryReader
	logger *slog.Logger
}

// NewWalker returns a Walker for root. It fails if any ignore pattern is
// malformed.
func NewWalker(root string, opts Options, logger *slog.Logger) (*Walker, error) {
	for _, p := range opts.Ignore {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("snapshot: invalid ignore pattern %q", p)
		}
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Walker{
		root:   root,
		opts:   opts,
		reader: fsmeta.NewReader(),
		logger: logger,
	}, nil
}

// Root returns the monitored directory.
func (w *Walker) Root() string { return w.root }

// Snapshot enumerates the root and reads every entry. A missing root yields
// an empty snapshot so monitoring can begin before the directory exists.
// Entries that vanish or cannot be read are skipped. An unreadable root is
// an error: returning an empty snapshot there would report every entry as
// deleted.
func (w *Walker) Snapshot(ctx context.Context) (*Snapshot, error) {
	takenAt := w.opts.Now()

	base, err := w.resolveRoot()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s := Empty(w.root, takenAt)
			s.missing = true
			return s, nil
		}
		return nil, err
	}

	names, unreadable, err := w.enumerate(ctx, base)
	if err != nil {
		return nil, err
	}

	entries := make([]fsmeta.EntryMetadata, len(names))
	found := make([]bool, len(names))
	var skipped atomic.Int64
	skipped.Add(int64(unreadable))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.Workers)
	for i, name := range names {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			m, err := w.reader.Read(base, name)
			if err != nil {
				if fsmeta.IsTransient(err) {
					skipped.Add(1)
					w.logger.Debug("snapshot: skipping entry",
						slog.String("root", w.root),
						slog.String("entry", name),
						slog.Any("error", err),
					)
					return nil
				}
				return err
			}
			entries[i] = m
			found[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("snapshot: reading entries of %q: %w", w.root, err)
	}

	kept := entries[:0]
	for i := range entries {
		if found[i] {
			kept = append(kept, entries[i])
		}
	}
	s := New(w.root, takenAt, kept)
	s.skipped = int(skipped.Load())
	return s, nil
}

// resolveRoot checks that the root is a directory and returns the path to
// walk. A root that is itself a symlink to a directory is resolved so its
// children are enumerated.
func (w *Walker) resolveRoot() (string, error) {
	info, err := os.Stat(w.root)
	if err != nil {
		return "", fmt.Errorf("snapshot: stat root %q: %w", w.root, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("snapshot: root %q is not a directory", w.root)
	}
	linfo, err := os.Lstat(w.root)
	if err == nil && linfo.Mode()&fs.ModeSymlink != 0 {
		resolved, err := filepath.EvalSymlinks(w.root)
		if err != nil {
			return "", fmt.Errorf("snapshot: resolve root %q: %w", w.root, err)
		}
		return resolved, nil
	}
	return w.root, nil
}

// enumerate lists the names to read, relative to base and slash-separated.
// It also reports how many subdirectories could not be listed.
func (w *Walker) enumerate(ctx context.Context, base string) ([]string, int, error) {
	if !w.opts.Recursive {
		dirents, err := os.ReadDir(base)
		if err != nil {
			return nil, 0, fmt.Errorf("snapshot: read root %q: %w", w.root, err)
		}
		names := make([]string, 0, len(dirents))
		for _, d := range dirents {
			if w.ignored(d.Name()) {
				continue
			}
			names = append(names, d.Name())
		}
		return names, 0, nil
	}

	var names []string
	unreadable := 0
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if p == base {
			return err
		}
		if err != nil {
			// Unreadable subtree: keep what was listed, skip the rest.
			unreadable++
			w.logger.Debug("snapshot: skipping unreadable path",
				slog.String("path", p),
				slog.Any("error", err),
			)
			return nil
		}
		rel, relErr := filepath.Rel(base, p)
		if relErr != nil {
			return nil
		}
		name := filepath.ToSlash(rel)
		if w.ignored(name) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		names = append(names, name)
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("snapshot: walk root %q: %w", w.root, err)
	}
	return names, unreadable, nil
}

// ignored reports whether the relative name matches an ignore pattern.
func (w *Walker) ignored(name string) bool {
	base := name
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		base = name[i+1:]
	}
	for _, p := range w.opts.Ignore {
		target := base
		if strings.Contains(p, "/") {
			target = name
		}
		if ok, _ := doublestar.Match(p, target); ok {
			return true
		}
	}
	return false
}

var _ Source = (*Walker)(nil)
