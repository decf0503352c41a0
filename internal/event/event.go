// Package event defines the classified change records produced by the diff
// engine and consumed by every event sink.
package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/tripwire/dirwatch/internal/fsmeta"
)

// TimeLayout is the sortable timestamp format used by all persisted records.
const TimeLayout = "2006-01-02T15:04:05Z07:00"

// Kind classifies a change.
type Kind uint8

const (
	// Created marks a name present in the current snapshot only.
	Created Kind = iota + 1
	// Deleted marks a name present in the previous snapshot only.
	Deleted
	// Modified marks a name present in both with unequal metadata.
	Modified
)

// String returns the persisted spelling of the kind.
func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Deleted:
		return "deleted"
	case Modified:
		return "modified"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "created":
		return Created, nil
	case "deleted":
		return Deleted, nil
	case "modified":
		return Modified, nil
	default:
		return 0, fmt.Errorf("event: unknown kind %q", s)
	}
}

// Reason explains a Modified event. Exactly one reason is reported even when
// several attributes changed.
type Reason uint8

const (
	// ReasonNone is used for Created and Deleted events.
	ReasonNone Reason = iota
	// SizeChanged takes precedence over every other reason.
	SizeChanged
	// PermissionsChanged is reported when size is unchanged but mode differs.
	PermissionsChanged
	// TimestampOnly is reported when only the modification time moved.
	TimestampOnly
)

// String returns the persisted spelling of the reason; empty for ReasonNone.
func (r Reason) String() string {
	switch r {
	case SizeChanged:
		return "size_changed"
	case PermissionsChanged:
		return "permissions_changed"
	case TimestampOnly:
		return "timestamp_only"
	default:
		return ""
	}
}

// ChangeEvent is one classified difference between two consecutive
// snapshots. Values are never edited after being logged.
type ChangeEvent struct {
	// Timestamp is when the diff was computed, not the entry's mtime.
	Timestamp time.Time
	Kind      Kind
	Name      string
	// Before is nil for Created events.
	Before *fsmeta.EntryMetadata
	// After is nil for Deleted events.
	After  *fsmeta.EntryMetadata
	Reason Reason
}

// Cycle is the outcome of one poll cycle for one target. An empty Events
// slice is the explicit "no changes" marker.
type Cycle struct {
	ID        string
	Target    string
	Root      string
	Timestamp time.Time
	Events    []ChangeEvent
}

// NoChanges reports whether the cycle observed nothing.
func (c Cycle) NoChanges() bool { return len(c.Events) == 0 }

// ByKind returns the cycle's events of kind k, preserving order.
func (c Cycle) ByKind(k Kind) []ChangeEvent {
	var out []ChangeEvent
	for _, e := range c.Events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

// Summary renders metadata as a single space-separated key=value line for
// the structured sinks. A nil pointer renders as the empty string.
func Summary(m *fsmeta.EntryMetadata) string {
	if m == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "kind=%s size=%d mode=%s mtime=%s",
		m.Kind, m.Size, m.Mode, m.ModTime.UTC().Format(time.RFC3339Nano))
	if m.Owner != "" {
		fmt.Fprintf(&b, " owner=%s", m.Owner)
	}
	if m.Group != "" {
		fmt.Fprintf(&b, " group=%s", m.Group)
	}
	return b.String()
}
