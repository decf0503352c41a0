package eventlog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/tripwire/dirwatch/internal/event"
)

// StructuredColumns is the fixed column order of the structured log.
var StructuredColumns = []string{
	"timestamp", "event_kind", "reason", "entry_name", "before_summary", "after_summary",
}

// NoChangesKind is the event_kind of the heartbeat row written for a cycle
// without events.
const NoChangesKind = "none"

// ErrHeaderMismatch is returned when an existing structured log starts with
// a different header.
var ErrHeaderMismatch = errors.New("eventlog: structured log header mismatch")

// StructuredSink writes one CSV row per event. The header row is written
// only when the file is empty.
type StructuredSink struct {
	file *appendFile
}

// OpenStructured opens (or creates) the CSV log at path.
func OpenStructured(path string, fsync bool) (*StructuredSink, error) {
	af, err := openAppend(path, []byte{'\n'}, fsync)
	if err != nil {
		return nil, err
	}
	size, err := af.size()
	if err != nil {
		_ = af.close()
		return nil, err
	}

	if size == 0 {
		header, err := encodeRows([][]string{StructuredColumns})
		if err == nil {
			err = af.write(header)
		}
		if err != nil {
			_ = af.close()
			return nil, err
		}
	} else if err := checkHeader(path); err != nil {
		_ = af.close()
		return nil, err
	}
	return &StructuredSink{file: af}, nil
}

// Name implements Sink.
func (s *StructuredSink) Name() string { return "structured" }

// Append implements Sink.
func (s *StructuredSink) Append(_ context.Context, c event.Cycle) error {
	var rows [][]string
	if c.NoChanges() {
		rows = append(rows, []string{formatTime(c.Timestamp), NoChangesKind, "", "", "", ""})
	}
	for _, e := range c.Events {
		rows = append(rows, []string{
			formatTime(e.Timestamp),
			e.Kind.String(),
			e.Reason.String(),
			displayName(e.Name),
			event.Summary(e.Before),
			event.Summary(e.After),
		})
	}
	buf, err := encodeRows(rows)
	if err != nil {
		return err
	}
	return s.file.write(buf)
}

// Close implements Sink.
func (s *StructuredSink) Close() error { return s.file.close() }

// StructuredRecord is one parsed row of the structured log.
type StructuredRecord struct {
	Timestamp time.Time
	Kind      string
	Reason    string
	Name      string
	Before    string
	After     string
}

// ReadStructured parses the structured log at path. A trailing partial line
// is ignored.
func ReadStructured(path string) ([]StructuredRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("eventlog: read %q: %w", path, err)
	}
	r := csv.NewReader(bytes.NewReader(completePrefix(data, []byte{'\n'})))
	r.FieldsPerRecord = len(StructuredColumns)

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("eventlog: parse header of %q: %w", path, err)
	}
	if !slices.Equal(header, StructuredColumns) {
		return nil, fmt.Errorf("%w: %q has %v", ErrHeaderMismatch, path, header)
	}

	var out []StructuredRecord
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("eventlog: parse %q: %w", path, err)
		}
		ts, err := time.Parse(event.TimeLayout, row[0])
		if err != nil {
			return nil, fmt.Errorf("eventlog: parse timestamp in %q: %w", path, err)
		}
		out = append(out, StructuredRecord{
			Timestamp: ts,
			Kind:      row[1],
			Reason:    row[2],
			Name:      row[3],
			Before:    row[4],
			After:     row[5],
		})
	}
}

func checkHeader(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("eventlog: open %q: %w", path, err)
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("eventlog: read header of %q: %w", path, err)
	}
	got := strings.TrimRight(line, "\r\n")
	if want := strings.Join(StructuredColumns, ","); got != want {
		return fmt.Errorf("%w: %q starts with %q", ErrHeaderMismatch, path, got)
	}
	return nil
}

func encodeRows(rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("eventlog: encode rows: %w", err)
	}
	return buf.Bytes(), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(event.TimeLayout)
}

// displayName quotes names containing control characters so that every
// record stays on one line.
func displayName(name string) string {
	if strings.IndexFunc(name, unicode.IsControl) >= 0 {
		return strconv.Quote(name)
	}
	return name
}
