// Package notify turns filesystem notifications into early-wake signals for
// a poll loop. It never reports changes itself: a signal only means "poll
// now", and the next snapshot decides what changed.
package notify

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// DefaultDebounce coalesces a burst of notifications into one signal.
	DefaultDebounce = 250 * time.Millisecond
	// DefaultMaxWatches caps the directories watched in recursive mode.
	DefaultMaxWatches = 4096
)

// Options configures a Trigger.
type Options struct {
	Recursive  bool
	Debounce   time.Duration
	MaxWatches int
}

// Trigger watches one root and emits at most one pending signal on C after
// each quiet period following a burst of notifications.
type Trigger struct {
	root   string
	opts   Options
	logger *slog.Logger

	fsw *fsnotify.Watcher
	c   chan struct{}

	mu      sync.Mutex
	armed   bool
	watches int

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Trigger for root and starts processing notifications. A
// missing root is not an error; call Refresh to arm the watch once it exists.
func New(root string, opts Options, logger *slog.Logger) (*Trigger, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.MaxWatches <= 0 {
		opts.MaxWatches = DefaultMaxWatches
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	t := &Trigger{
		root:   root,
		opts:   opts,
		logger: logger,
		fsw:    fsw,
		c:      make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	t.Refresh()

	t.wg.Add(1)
	go t.loop()
	return t, nil
}

// C returns the signal channel.
func (t *Trigger) C() <-chan struct{} { return t.c }

// Armed reports whether the root is currently watched.
func (t *Trigger) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

// Refresh arms the watch if the root exists and is not yet watched. It is
// cheap when already armed and is meant to run after every poll cycle.
func (t *Trigger) Refresh() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.armed {
		return
	}
	info, err := os.Stat(t.root)
	if err != nil || !info.IsDir() {
		return
	}
	if err := t.addLocked(t.root); err != nil {
		t.logger.Debug("notify: cannot watch root", slog.String("root", t.root), slog.Any("error", err))
		return
	}
	t.armed = true
	t.logger.Debug("notify: watching root", slog.String("root", t.root))
}

// addLocked watches dir and, in recursive mode, its subdirectories.
func (t *Trigger) addLocked(dir string) error {
	if !t.opts.Recursive {
		if err := t.fsw.Add(dir); err != nil {
			return err
		}
		t.watches++
		return nil
	}
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if t.watches >= t.opts.MaxWatches {
			t.logger.Warn("notify: watch limit reached", slog.Int("max_watches", t.opts.MaxWatches))
			return filepath.SkipAll
		}
		if err := t.fsw.Add(path); err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		t.watches++
		return nil
	})
}

func (t *Trigger) loop() {
	defer t.wg.Done()

	timer := time.NewTimer(t.opts.Debounce)
	timer.Stop()
	pending := false

	for {
		select {
		case <-t.done:
			timer.Stop()
			return
		case ev, ok := <-t.fsw.Events:
			if !ok {
				return
			}
			t.handle(ev)
			if !pending {
				pending = true
				timer.Reset(t.opts.Debounce)
			}
		case err, ok := <-t.fsw.Errors:
			if !ok {
				return
			}
			t.logger.Warn("notify: watcher error", slog.String("root", t.root), slog.Any("error", err))
		case <-timer.C:
			pending = false
			select {
			case t.c <- struct{}{}:
			default:
			}
		}
	}
}

func (t *Trigger) handle(ev fsnotify.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ev.Name == t.root && ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		t.armed = false
		t.watches = 0
		return
	}
	if t.opts.Recursive && ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := t.addLocked(ev.Name); err != nil {
				t.logger.Debug("notify: cannot watch new directory",
					slog.String("dir", ev.Name), slog.Any("error", err))
			}
		}
	}
}

// Close stops the Trigger and releases the underlying watcher.
func (t *Trigger) Close() error {
	var err error
	t.stopOnce.Do(func() {
		close(t.done)
		err = t.fsw.Close()
		t.wg.Wait()
		if errors.Is(err, fsnotify.ErrClosed) {
			err = nil
		}
	})
	return err
}
