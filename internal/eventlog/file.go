package eventlog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// tailChunk is the read size used when scanning a log backwards for its last
// record terminator.
const tailChunk = 64 * 1024

// appendFile is an append-only log file shared by the file-backed sinks.
//
// The file is opened with O_APPEND so every write lands at the end. Each
// record batch is handed to a single Write call; if that call fails the file
// is truncated back to its previous size so a retry cannot duplicate a
// partially written batch. On open, a torn trailing record left behind by a
// crash is cut off at the last complete terminator.
type appendFile struct {
	mu    sync.Mutex
	path  string
	f     *os.File
	fsync bool
}

// openAppend opens (or creates) path for appending, first truncating any
// bytes after the last occurrence of terminator.
func openAppend(path string, terminator []byte, fsync bool) (*appendFile, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("eventlog: create directory for %q: %w", path, err)
		}
	}
	if err := repairTail(path, terminator); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open for appending %q: %w", path, err)
	}
	return &appendFile{path: path, f: f, fsync: fsync}, nil
}

// size returns the current file length.
func (a *appendFile) size() (int64, error) {
	info, err := a.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("eventlog: stat %q: %w", a.path, err)
	}
	return info.Size(), nil
}

// write appends p with one Write call and rolls the file back on failure.
func (a *appendFile) write(p []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	before, err := a.size()
	if err != nil {
		return err
	}
	if _, err := a.f.Write(p); err != nil {
		if terr := a.f.Truncate(before); terr != nil {
			return errors.Join(fmt.Errorf("eventlog: write %q: %w", a.path, err),
				fmt.Errorf("eventlog: roll back %q: %w", a.path, terr))
		}
		return fmt.Errorf("eventlog: write %q: %w", a.path, err)
	}
	if a.fsync {
		if err := a.f.Sync(); err != nil {
			return fmt.Errorf("eventlog: sync %q: %w", a.path, err)
		}
	}
	return nil
}

// close syncs and closes the file.
func (a *appendFile) close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.f.Sync(); err != nil {
		_ = a.f.Close()
		return fmt.Errorf("eventlog: sync %q: %w", a.path, err)
	}
	return a.f.Close()
}

// repairTail truncates path right after the last occurrence of terminator.
// A file without any terminator holds no complete record and is emptied. A
// missing file is left alone.
func repairTail(path string, terminator []byte) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("eventlog: open for repair %q: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("eventlog: stat %q: %w", path, err)
	}
	size := info.Size()
	if size == 0 {
		return nil
	}

	end, err := lastTerminatorEnd(f, size, terminator)
	if err != nil {
		return fmt.Errorf("eventlog: scan %q: %w", path, err)
	}
	if end == size {
		return nil
	}
	if err := f.Truncate(end); err != nil {
		return fmt.Errorf("eventlog: truncate torn record in %q: %w", path, err)
	}
	return f.Sync()
}

// lastTerminatorEnd returns the offset just past the last terminator in the
// first size bytes of r, or 0 if there is none. It reads backwards in chunks
// that overlap by len(terminator)-1 bytes so a terminator spanning a chunk
// boundary is still found.
func lastTerminatorEnd(r io.ReaderAt, size int64, terminator []byte) (int64, error) {
	overlap := int64(len(terminator) - 1)
	buf := make([]byte, tailChunk+overlap)
	hi := size
	for hi > 0 {
		lo := hi - tailChunk
		if lo < 0 {
			lo = 0
		}
		readHi := hi + overlap
		if readHi > size {
			readHi = size
		}
		n, err := r.ReadAt(buf[:readHi-lo], lo)
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		if i := bytes.LastIndex(buf[:n], terminator); i >= 0 {
			return lo + int64(i) + int64(len(terminator)), nil
		}
		hi = lo
	}
	return 0, nil
}

// completePrefix returns data up to and including the last terminator.
func completePrefix(data, terminator []byte) []byte {
	i := bytes.LastIndex(data, terminator)
	if i < 0 {
		return nil
	}
	return data[:i+len(terminator)]
}
