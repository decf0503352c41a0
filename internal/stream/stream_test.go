package stream_test

import (
	"bufio"
	"context"
	"crypto/sha1" //nolint:gosec // RFC 6455 accept key
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/tripwire/dirwatch/internal/event"
	"github.com/tripwire/dirwatch/internal/stream"
)

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 10}))
}

var at = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func cycle(id, target string, names ...string) event.Cycle {
	c := event.Cycle{ID: id, Target: target, Root: "/srv/" + target, Timestamp: at}
	for _, n := range names {
		c.Events = append(c.Events, event.ChangeEvent{Timestamp: at, Kind: event.Created, Name: n})
	}
	return c
}

func decode(t *testing.T, raw []byte) stream.Message {
	t.Helper()
	var m stream.Message
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return m
}

// --------------------------------------------------------------------------
// Hub
// --------------------------------------------------------------------------

func TestHub_DeliversToMatchingSubscribers(t *testing.T) {
	h := stream.NewHub(noopLogger(), 4)
	all := h.Subscribe("all", "")
	docs := h.Subscribe("docs", "docs")
	logs := h.Subscribe("logs", "logs")

	if err := h.Append(context.Background(), cycle("c1", "docs", "a.txt")); err != nil {
		t.Fatal(err)
	}

	for _, s := range []*stream.Subscriber{all, docs} {
		select {
		case raw := <-s.C():
			m := decode(t, raw)
			if m.Type != "cycle" || m.Cycle.ID != "c1" || len(m.Cycle.Events) != 1 || m.Cycle.Events[0].Name != "a.txt" {
				t.Errorf("%s got %+v", s.ID(), m)
			}
			if !m.Timestamp.Equal(at) {
				t.Errorf("%s timestamp = %v", s.ID(), m.Timestamp)
			}
		default:
			t.Errorf("%s received nothing", s.ID())
		}
	}
	select {
	case raw := <-logs.C():
		t.Errorf("filtered subscriber received %s", raw)
	default:
	}
}

func TestHub_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h := stream.NewHub(noopLogger(), 1)
	s := h.Subscribe("slow", "")
	for i := 0; i < 3; i++ {
		if err := h.Append(context.Background(), cycle("c", "docs")); err != nil {
			t.Fatal(err)
		}
	}
	if got := s.Dropped.Load(); got != 2 {
		t.Errorf("dropped = %d, want 2", got)
	}
}

func TestHub_CloseDisconnectsSubscribers(t *testing.T) {
	h := stream.NewHub(noopLogger(), 1)
	s := h.Subscribe("a", "")
	if h.Subscribers() != 1 {
		t.Fatalf("subscribers = %d", h.Subscribers())
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, ok := <-s.C(); ok {
		t.Error("subscriber channel still open after Close")
	}
	late := h.Subscribe("late", "")
	if _, ok := <-late.C(); ok {
		t.Error("Subscribe on a closed hub returned an open channel")
	}
	if err := h.Append(context.Background(), cycle("c1", "docs")); err != nil {
		t.Errorf("Append after Close = %v", err)
	}
}

// --------------------------------------------------------------------------
// WebSocket handler
// --------------------------------------------------------------------------

func TestHandler_RejectsPlainRequest(t *testing.T) {
	h := stream.NewHandler(stream.NewHub(noopLogger(), 1), noopLogger(), time.Second)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stream", nil))
	if rec.Code != http.StatusUpgradeRequired {
		t.Errorf("expected 426, got %d", rec.Code)
	}
}

func TestHandler_RejectsMissingKey(t *testing.T) {
	h := stream.NewHandler(stream.NewHub(noopLogger(), 1), noopLogger(), time.Second)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/stream", nil)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_StreamsCycles(t *testing.T) {
	hub := stream.NewHub(noopLogger(), 8)
	srv := httptest.NewServer(stream.NewHandler(hub, noopLogger(), 5*time.Second))
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "http://")
	conn, err := net.Dial("tcp", host)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	key := "dGhlIHNhbXBsZSBub25jZQ=="
	req := "GET /api/v1/stream?target=docs HTTP/1.1\r\n" +
		"Host: " + host + "\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: " + key + "\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write upgrade request: %v", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}
	sum := sha1.Sum([]byte(key + "258EAFA5-E914-47DA-95CA-C5AB0DC85B11")) //nolint:gosec
	if got, want := resp.Header.Get("Sec-WebSocket-Accept"), base64.StdEncoding.EncodeToString(sum[:]); got != want {
		t.Errorf("Sec-WebSocket-Accept = %q, want %q", got, want)
	}

	deadline := time.Now().Add(5 * time.Second)
	for hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("viewer never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_ = hub.Append(context.Background(), cycle("skip", "logs", "x"))
	_ = hub.Append(context.Background(), cycle("c1", "docs", strings.Repeat("n", 200)))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	opcode, payload := readFrame(t, br)
	if opcode != 0x1 {
		t.Fatalf("opcode = %#x, want text", opcode)
	}
	if m := decode(t, payload); m.Cycle.ID != "c1" || m.Cycle.Target != "docs" {
		t.Errorf("message = %+v", m)
	}

	if err := hub.Close(); err != nil {
		t.Fatal(err)
	}
	if opcode, _ := readFrame(t, br); opcode != 0x8 {
		t.Errorf("after hub close opcode = %#x, want close", opcode)
	}
}

func readFrame(t *testing.T, r io.Reader) (byte, []byte) {
	t.Helper()
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		t.Fatalf("read frame header: %v", err)
	}
	if hdr[1]&0x80 != 0 {
		t.Fatal("server frame is masked")
	}
	n := uint64(hdr[1] & 0x7F)
	switch n {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			t.Fatal(err)
		}
		n = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			t.Fatal(err)
		}
		n = binary.BigEndian.Uint64(ext[:])
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	return hdr[0] & 0x0F, payload
}
