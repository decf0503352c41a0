// Package store persists poll cycles in queryable databases. SQLiteStore is
// the primary local store behind the events API; PostgresStore is an optional
// shared sink. Both implement eventlog.Sink and tolerate re-delivery of a
// cycle they already hold.
package store

import (
	"context"
	"time"

	"github.com/tripwire/dirwatch/internal/event"
)

const (
	// DefaultQueryLimit is used when EventQuery.Limit is not positive.
	DefaultQueryLimit = 100
	// MaxQueryLimit caps EventQuery.Limit.
	MaxQueryLimit = 1000
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// EventRow is one persisted change event.
type EventRow struct {
	CycleID   string    `json:"cycle_id"`
	Seq       int       `json:"seq"`
	Target    string    `json:"target"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Reason    string    `json:"reason,omitempty"`
	Name      string    `json:"entry_name"`
	Before    string    `json:"before_summary,omitempty"`
	After     string    `json:"after_summary,omitempty"`
}

// CycleRow is one persisted poll cycle. EventCount is zero for a cycle that
// observed no changes.
type CycleRow struct {
	ID         string    `json:"id"`
	Target     string    `json:"target"`
	Root       string    `json:"root"`
	Timestamp  time.Time `json:"timestamp"`
	EventCount int       `json:"event_count"`
}

// EventQuery filters QueryEvents. Zero-valued fields do not filter.
type EventQuery struct {
	Target string
	Kind   string
	Name   string
	Since  time.Time
	Limit  int
}

// Querier is the read side of a store, consumed by the HTTP API.
type Querier interface {
	QueryEvents(ctx context.Context, q EventQuery) ([]EventRow, error)
	QueryCycles(ctx context.Context, target string, limit int) ([]CycleRow, error)
}

func (q EventQuery) limit() int {
	return clampLimit(q.Limit)
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultQueryLimit
	case n > MaxQueryLimit:
		return MaxQueryLimit
	default:
		return n
	}
}

// rowsFor flattens c into event rows numbered by position.
func rowsFor(c event.Cycle) []EventRow {
	rows := make([]EventRow, 0, len(c.Events))
	for i, e := range c.Events {
		rows = append(rows, EventRow{
			CycleID:   c.ID,
			Seq:       i,
			Target:    c.Target,
			Timestamp: e.Timestamp.UTC(),
			Kind:      e.Kind.String(),
			Reason:    e.Reason.String(),
			Name:      e.Name,
			Before:    event.Summary(e.Before),
			After:     event.Summary(e.After),
		})
	}
	return rows
}
