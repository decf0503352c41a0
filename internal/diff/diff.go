// Package diff computes the classified change set between two snapshots.
//
// Events are emitted in three blocks: Created, then Deleted, then Modified.
// Inside a block, entries follow the snapshots' sorted name order, so the
// output is identical for identical inputs.
package diff

import (
	"time"

	"github.com/tripwire/dirwatch/internal/event"
	"github.com/tripwire/dirwatch/internal/fsmeta"
	"github.com/tripwire/dirwatch/internal/snapshot"
)

// Diff compares previous against current and returns the events observed at
// time at. A nil snapshot is treated as empty. An empty result means nothing
// changed; callers still record the cycle.
func Diff(previous, current *snapshot.Snapshot, at time.Time) []event.ChangeEvent {
	var created, deleted, modified []event.ChangeEvent

	for _, name := range current.Names() {
		after, _ := current.Get(name)
		before, existed := previous.Get(name)
		if !existed {
			created = append(created, event.ChangeEvent{
				Timestamp: at,
				Kind:      event.Created,
				Name:      name,
				After:     &after,
			})
			continue
		}
		if reason, changed := Classify(before, after); changed {
			modified = append(modified, event.ChangeEvent{
				Timestamp: at,
				Kind:      event.Modified,
				Name:      name,
				Before:    &before,
				After:     &after,
				Reason:    reason,
			})
		}
	}

	for _, name := range previous.Names() {
		if _, ok := current.Get(name); ok {
			continue
		}
		before, _ := previous.Get(name)
		deleted = append(deleted, event.ChangeEvent{
			Timestamp: at,
			Kind:      event.Deleted,
			Name:      name,
			Before:    &before,
		})
	}

	out := make([]event.ChangeEvent, 0, len(created)+len(deleted)+len(modified))
	out = append(out, created...)
	out = append(out, deleted...)
	return append(out, modified...)
}

// Classify reports whether before and after differ and, if so, why. Size
// beats permissions, which beat a timestamp-only change.
func Classify(before, after fsmeta.EntryMetadata) (event.Reason, bool) {
	switch {
	case before.Equal(after):
		return event.ReasonNone, false
	case before.Size != after.Size:
		return event.SizeChanged, true
	case before.Mode != after.Mode:
		return event.PermissionsChanged, true
	default:
		return event.TimestampOnly, true
	}
}
