package eventlog

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tripwire/dirwatch/internal/event"
	"github.com/tripwire/dirwatch/internal/fsmeta"
)

// GenesisHash is the prev_hash of the first journal entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// maxJournalLine bounds one journal line; a cycle with many events produces a
// long line.
const maxJournalLine = 64 * 1024 * 1024

// ErrChainBroken is wrapped by every journal integrity failure.
var ErrChainBroken = errors.New("eventlog: journal chain broken")

// JournalEntry is one line of the journal. EventHash is the SHA-256 of the
// JSON encoding of {seq, ts, cycle, prev_hash}.
type JournalEntry struct {
	Seq       int64       `json:"seq"`
	Timestamp time.Time   `json:"ts"`
	Cycle     CycleRecord `json:"cycle"`
	PrevHash  string      `json:"prev_hash"`
	EventHash string      `json:"event_hash"`
}

type journalContent struct {
	Seq       int64       `json:"seq"`
	Timestamp time.Time   `json:"ts"`
	Cycle     CycleRecord `json:"cycle"`
	PrevHash  string      `json:"prev_hash"`
}

// CycleRecord is the JSON form of a cycle.
type CycleRecord struct {
	ID     string        `json:"id"`
	Target string        `json:"target"`
	Root   string        `json:"root"`
	Events []EventRecord `json:"events"`
}

// EventRecord is the JSON form of a change event.
type EventRecord struct {
	Timestamp time.Time       `json:"ts"`
	Kind      string          `json:"kind"`
	Reason    string          `json:"reason,omitempty"`
	Name      string          `json:"name"`
	Before    *MetadataRecord `json:"before,omitempty"`
	After     *MetadataRecord `json:"after,omitempty"`
}

// MetadataRecord is the JSON form of entry metadata.
type MetadataRecord struct {
	Kind       string    `json:"kind"`
	Size       int64     `json:"size"`
	Mode       string    `json:"mode"`
	ModTime    time.Time `json:"mtime"`
	AccessTime time.Time `json:"atime"`
	CreateTime time.Time `json:"ctime"`
	Owner      string    `json:"owner,omitempty"`
	Group      string    `json:"group,omitempty"`
}

// NewCycleRecord converts c to its JSON form.
func NewCycleRecord(c event.Cycle) CycleRecord {
	rec := CycleRecord{
		ID:     c.ID,
		Target: c.Target,
		Root:   c.Root,
		Events: make([]EventRecord, 0, len(c.Events)),
	}
	for _, e := range c.Events {
		rec.Events = append(rec.Events, EventRecord{
			Timestamp: e.Timestamp.UTC(),
			Kind:      e.Kind.String(),
			Reason:    e.Reason.String(),
			Name:      e.Name,
			Before:    metadataRecord(e.Before),
			After:     metadataRecord(e.After),
		})
	}
	return rec
}

func metadataRecord(m *fsmeta.EntryMetadata) *MetadataRecord {
	if m == nil {
		return nil
	}
	return &MetadataRecord{
		Kind:       m.Kind.String(),
		Size:       m.Size,
		Mode:       m.Mode.String(),
		ModTime:    m.ModTime.UTC(),
		AccessTime: m.AccessTime.UTC(),
		CreateTime: m.CreateTime.UTC(),
		Owner:      m.Owner,
		Group:      m.Group,
	}
}

// JournalSink appends cycles to a tamper-evident JSON-lines file whose
// entries are SHA-256 hash-chained. Opening an existing journal verifies the
// whole chain and resumes it.
type JournalSink struct {
	file     *appendFile
	seq      int64
	prevHash string
}

// OpenJournal opens (or creates) the journal at path. A torn trailing line is
// discarded; any other malformed or unchained entry is an error wrapping
// ErrChainBroken.
func OpenJournal(path string, fsync bool) (*JournalSink, error) {
	if err := repairTail(path, []byte{'\n'}); err != nil {
		return nil, err
	}

	seq, prevHash := int64(0), GenesisHash
	entries, err := Verify(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	case len(entries) > 0:
		last := entries[len(entries)-1]
		seq, prevHash = last.Seq, last.EventHash
	}

	af, err := openAppend(path, []byte{'\n'}, fsync)
	if err != nil {
		return nil, err
	}
	return &JournalSink{file: af, seq: seq, prevHash: prevHash}, nil
}

// Name implements Sink.
func (j *JournalSink) Name() string { return "journal" }

// Append implements Sink. The chain only advances once the line is written.
func (j *JournalSink) Append(_ context.Context, c event.Cycle) error {
	content := journalContent{
		Seq:       j.seq + 1,
		Timestamp: c.Timestamp.UTC(),
		Cycle:     NewCycleRecord(c),
		PrevHash:  j.prevHash,
	}
	hash, err := hashJournalContent(content)
	if err != nil {
		return err
	}
	line, err := json.Marshal(JournalEntry{
		Seq:       content.Seq,
		Timestamp: content.Timestamp,
		Cycle:     content.Cycle,
		PrevHash:  content.PrevHash,
		EventHash: hash,
	})
	if err != nil {
		return fmt.Errorf("eventlog: marshal journal entry: %w", err)
	}
	if err := j.file.write(append(line, '\n')); err != nil {
		return err
	}
	j.seq = content.Seq
	j.prevHash = hash
	return nil
}

// Close implements Sink.
func (j *JournalSink) Close() error { return j.file.close() }

// Verify reads the journal at path and checks the full hash chain, returning
// the entries in order. A trailing line without a newline is ignored.
func Verify(path string) ([]JournalEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open journal %q: %w", path, err)
	}
	defer f.Close()

	var entries []JournalEntry
	prevHash := GenesisHash
	r := bufio.NewReaderSize(f, 64*1024)
	for {
		line, err := readLine(r)
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return nil, fmt.Errorf("eventlog: read journal %q: %w", path, err)
		}
		if len(line) == 0 {
			continue
		}

		var e JournalEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("%w: malformed entry after seq %d: %v", ErrChainBroken, len(entries), err)
		}
		if e.Seq != int64(len(entries))+1 {
			return nil, fmt.Errorf("%w: expected seq %d, got %d", ErrChainBroken, len(entries)+1, e.Seq)
		}
		if e.PrevHash != prevHash {
			return nil, fmt.Errorf("%w: at seq %d: expected prev_hash %q, got %q",
				ErrChainBroken, e.Seq, prevHash, e.PrevHash)
		}
		computed, err := hashJournalContent(journalContent{
			Seq:       e.Seq,
			Timestamp: e.Timestamp,
			Cycle:     e.Cycle,
			PrevHash:  e.PrevHash,
		})
		if err != nil {
			return nil, err
		}
		if computed != e.EventHash {
			return nil, fmt.Errorf("%w: hash mismatch at seq %d: stored %q, computed %q",
				ErrChainBroken, e.Seq, e.EventHash, computed)
		}
		entries = append(entries, e)
		prevHash = e.EventHash
	}
}

// readLine returns the next newline-terminated line without its newline. A
// final unterminated fragment is reported as io.EOF.
func readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxJournalLine {
			return nil, fmt.Errorf("line exceeds %d bytes", maxJournalLine)
		}
		switch {
		case err == nil:
			return line[:len(line)-1], nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return nil, err
		}
	}
}

func hashJournalContent(c journalContent) (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("eventlog: marshal journal content: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
