package eventlog

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tripwire/dirwatch/internal/event"
	"github.com/tripwire/dirwatch/internal/fsmeta"
)

const (
	narrativeSeparator = "================================="
	narrativeCheckAt   = "Check at "
	narrativeNoChanges = "No changes detected."
)

var narrativeTerminator = []byte("\n\n")

var narrativeSections = []struct {
	kind    event.Kind
	heading string
}{
	{event.Created, "Created files:"},
	{event.Deleted, "Deleted files:"},
	{event.Modified, "Modified files:"},
}

// NarrativeSink writes one human-readable block per cycle:
//
//	=================================
//	Check at 2026-05-01T09:00:00Z
//	Created files:
//	  report.txt
//	Modified files:
//	  notes.md (size_changed: 10 B -> 2.0 kB)
//
// A cycle without events is written as a "No changes detected." line. Every
// block ends with a blank line.
type NarrativeSink struct {
	file *appendFile
}

// OpenNarrative opens (or creates) the narrative log at path.
func OpenNarrative(path string, fsync bool) (*NarrativeSink, error) {
	af, err := openAppend(path, narrativeTerminator, fsync)
	if err != nil {
		return nil, err
	}
	return &NarrativeSink{file: af}, nil
}

// Name implements Sink.
func (s *NarrativeSink) Name() string { return "narrative" }

// Append implements Sink.
func (s *NarrativeSink) Append(_ context.Context, c event.Cycle) error {
	return s.file.write(RenderNarrative(c))
}

// Close implements Sink.
func (s *NarrativeSink) Close() error { return s.file.close() }

// RenderNarrative returns the narrative block for c.
func RenderNarrative(c event.Cycle) []byte {
	var b bytes.Buffer
	b.WriteString(narrativeSeparator + "\n")
	b.WriteString(narrativeCheckAt + c.Timestamp.UTC().Format(event.TimeLayout) + "\n")

	if c.NoChanges() {
		b.WriteString(narrativeNoChanges + "\n")
	}
	for _, sec := range narrativeSections {
		events := c.ByKind(sec.kind)
		if len(events) == 0 {
			continue
		}
		b.WriteString(sec.heading + "\n")
		for _, e := range events {
			b.WriteString("  " + displayName(e.Name))
			if e.Kind == event.Modified {
				fmt.Fprintf(&b, " (%s: %s -> %s)", e.Reason,
					describe(e.Reason, e.Before), describe(e.Reason, e.After))
			}
			b.WriteByte('\n')
		}
	}
	b.WriteByte('\n')
	return b.Bytes()
}

// describe renders the attribute that changed for reason.
func describe(reason event.Reason, m *fsmeta.EntryMetadata) string {
	if m == nil {
		return "?"
	}
	switch reason {
	case event.SizeChanged:
		return humanize.Bytes(uint64(m.Size))
	case event.PermissionsChanged:
		return m.Mode.String()
	default:
		return m.ModTime.UTC().Format(event.TimeLayout)
	}
}

// NarrativeBlock is one parsed cycle block of the narrative log. Entry lines
// are kept as written, without indentation.
type NarrativeBlock struct {
	CheckAt   time.Time
	NoChanges bool
	Created   []string
	Deleted   []string
	Modified  []string
}

// ReadNarrative parses the narrative log at path. Bytes after the last
// complete block are ignored.
func ReadNarrative(path string) ([]NarrativeBlock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("eventlog: read %q: %w", path, err)
	}
	data = completePrefix(data, narrativeTerminator)

	var out []NarrativeBlock
	for _, raw := range strings.Split(string(data), "\n\n") {
		if raw == "" {
			continue
		}
		block, err := parseBlock(raw)
		if err != nil {
			return nil, fmt.Errorf("eventlog: parse %q block %d: %w", path, len(out)+1, err)
		}
		out = append(out, block)
	}
	return out, nil
}

func parseBlock(raw string) (NarrativeBlock, error) {
	var block NarrativeBlock
	lines := strings.Split(raw, "\n")
	if len(lines) < 2 || lines[0] != narrativeSeparator {
		return block, fmt.Errorf("missing separator")
	}
	ts, ok := strings.CutPrefix(lines[1], narrativeCheckAt)
	if !ok {
		return block, fmt.Errorf("missing %q line", strings.TrimSpace(narrativeCheckAt))
	}
	at, err := time.Parse(event.TimeLayout, ts)
	if err != nil {
		return block, err
	}
	block.CheckAt = at

	var section *[]string
	for _, line := range lines[2:] {
		switch {
		case line == narrativeNoChanges:
			block.NoChanges = true
		case line == "Created files:":
			section = &block.Created
		case line == "Deleted files:":
			section = &block.Deleted
		case line == "Modified files:":
			section = &block.Modified
		case strings.HasPrefix(line, "  ") && section != nil:
			*section = append(*section, strings.TrimPrefix(line, "  "))
		default:
			return block, fmt.Errorf("unexpected line %q", line)
		}
	}
	return block, nil
}
