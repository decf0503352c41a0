// Package stream pushes every recorded poll cycle to live WebSocket
// subscribers. Hub is an eventlog.Sink whose Append never blocks and never
// fails. Subscribers that fall behind lose messages.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tripwire/dirwatch/internal/event"
	"github.com/tripwire/dirwatch/internal/eventlog"
)

// DefaultBuffer is the per-subscriber queue depth.
const DefaultBuffer = 64

// Message is the JSON envelope sent for each cycle. Type is always "cycle".
type Message struct {
	Type      string               `json:"type"`
	Timestamp time.Time            `json:"timestamp"`
	Cycle     eventlog.CycleRecord `json:"cycle"`
}

// Subscriber receives encoded messages for one connection.
type Subscriber struct {
	id      string
	target  string
	send    chan []byte
	Dropped atomic.Int64
}

// ID returns the subscriber's identifier.
func (s *Subscriber) ID() string { return s.id }

// C delivers encoded messages. It is closed by Unsubscribe and Close.
func (s *Subscriber) C() <-chan []byte { return s.send }

// Hub fans cycles out to subscribers. It is safe for concurrent use.
type Hub struct {
	buffer int
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[string]*Subscriber
	closed bool
}

// NewHub returns a Hub. A non-positive buffer selects DefaultBuffer.
func NewHub(logger *slog.Logger, buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{buffer: buffer, logger: logger, subs: make(map[string]*Subscriber)}
}

// Subscribe registers a subscriber for the named target, or for every target
// when target is empty. On a closed Hub the returned channel is already
// closed.
func (h *Hub) Subscribe(id, target string) *Subscriber {
	s := &Subscriber{id: id, target: target, send: make(chan []byte, h.buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(s.send)
		return s
	}
	h.subs[id] = s
	return s
}

// Unsubscribe removes the subscriber and closes its channel. Unknown ids are
// ignored.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(s.send)
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Name implements eventlog.Sink.
func (h *Hub) Name() string { return "stream" }

// Append implements eventlog.Sink. It always succeeds.
func (h *Hub) Append(_ context.Context, c event.Cycle) error {
	raw, err := json.Marshal(Message{
		Type:      "cycle",
		Timestamp: c.Timestamp.UTC(),
		Cycle:     eventlog.NewCycleRecord(c),
	})
	if err != nil {
		h.logger.Error("stream: marshal cycle", slog.String("cycle", c.ID), slog.Any("error", err))
		return nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if s.target != "" && s.target != c.Target {
			continue
		}
		select {
		case s.send <- raw:
		default:
			s.Dropped.Add(1)
			h.logger.Warn("stream: subscriber behind, dropping cycle",
				slog.String("subscriber", s.id),
				slog.String("cycle", c.ID),
			)
		}
	}
	return nil
}

// Close implements eventlog.Sink. It disconnects every subscriber; later
// Appends are no-ops.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for id, s := range h.subs {
		delete(h.subs, id)
		close(s.send)
	}
	return nil
}
