// Package snapshot produces immutable point-in-time records of a directory's
// entries. A Walker enumerates the configured root (optionally recursively),
// reads every entry through fsmeta in parallel and merges the results into a
// single Snapshot before returning, so a diff never sees a half-built state.
package snapshot

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/tripwire/dirwatch/internal/fsmeta"
)

// Source produces the current state of one root on demand. Walker is the
// polling implementation; any other backend must return the same Snapshot
// model so the diff engine and sinks stay unchanged.
type Source interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// Snapshot maps entry name to metadata for one root at one instant. It is
// immutable once built; a nil *Snapshot behaves as an empty one.
type Snapshot struct {
	root    string
	takenAt time.Time
	entries map[string]fsmeta.EntryMetadata
	names   []string // sorted
	skipped int
	missing bool
}

// New builds a Snapshot from entries. When two entries share a name the later
// one wins.
func New(root string, takenAt time.Time, entries []fsmeta.EntryMetadata) *Snapshot {
	m := make(map[string]fsmeta.EntryMetadata, len(entries))
	for _, e := range entries {
		m[e.Name] = e
	}
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return &Snapshot{root: root, takenAt: takenAt, entries: m, names: names}
}

// Empty returns a snapshot with no entries, used for a root that does not
// exist yet and for the "empty" baseline policy.
func Empty(root string, takenAt time.Time) *Snapshot {
	return New(root, takenAt, nil)
}

// Root returns the directory the snapshot was taken of.
func (s *Snapshot) Root() string {
	if s == nil {
		return ""
	}
	return s.root
}

// TakenAt returns the instant enumeration started.
func (s *Snapshot) TakenAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.takenAt
}

// Len returns the number of entries.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.names)
}

// Get returns the metadata recorded for name.
func (s *Snapshot) Get(name string) (fsmeta.EntryMetadata, bool) {
	if s == nil {
		return fsmeta.EntryMetadata{}, false
	}
	m, ok := s.entries[name]
	return m, ok
}

// Names returns the entry names in ascending order.
func (s *Snapshot) Names() []string {
	if s == nil {
		return nil
	}
	return slices.Clone(s.names)
}

// Skipped returns how many entries were dropped because of transient read
// failures while the snapshot was taken. A subdirectory that could not be
// listed counts once.
func (s *Snapshot) Skipped() int {
	if s == nil {
		return 0
	}
	return s.skipped
}

// RootMissing reports whether the root did not exist when the snapshot was
// taken. Such a snapshot is always empty.
func (s *Snapshot) RootMissing() bool {
	return s != nil && s.missing
}
