// Package fsmeta reads the attributes of a single filesystem entry into a
// normalized EntryMetadata record. It is the leaf of the snapshot pipeline:
// every other component consumes the records it produces.
//
// Symbolic links are never followed. A link is reported with KindSymlink and
// the attributes of the link itself, so broken links and link cycles cannot
// misclassify an entry.
package fsmeta

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Kind classifies a filesystem entry.
type Kind uint8

const (
	// KindFile is a regular file.
	KindFile Kind = iota + 1
	// KindDir is a directory.
	KindDir
	// KindSymlink is a symbolic link, reported without following it.
	KindSymlink
	// KindOther covers devices, sockets, named pipes and anything else.
	KindOther
)

// String returns the lower-case name used in log records and summaries.
func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	case KindSymlink:
		return "symlink"
	case KindOther:
		return "other"
	default:
		return "unknown"
	}
}

// KindOf maps a FileMode to a Kind.
func KindOf(mode fs.FileMode) Kind {
	switch {
	case mode&fs.ModeSymlink != 0:
		return KindSymlink
	case mode.IsDir():
		return KindDir
	case mode.IsRegular():
		return KindFile
	default:
		return KindOther
	}
}

// EntryMetadata is one entry's state at observation time.
//
// Only Size, ModTime and Mode take part in Equal. AccessTime changes on mere
// reads and the identity fields are informational.
type EntryMetadata struct {
	// Name is unique within the snapshot root. In recursive snapshots it is
	// the slash-separated path relative to the root.
	Name string
	Kind Kind
	// Size is the byte count; always 0 for directories.
	Size       int64
	ModTime    time.Time
	AccessTime time.Time
	// CreateTime is the birth time where the platform records one and the
	// inode change time otherwise.
	CreateTime time.Time
	Mode       fs.FileMode
	Owner      string
	Group      string
	UID        int64
	GID        int64
}

// Equal reports whether m and o describe the same observable state.
func (m EntryMetadata) Equal(o EntryMetadata) bool {
	return m.Size == o.Size && m.ModTime.Equal(o.ModTime) && m.Mode == o.Mode
}

var (
	// ErrNotFound marks an entry that vanished between enumeration and stat.
	ErrNotFound = errors.New("entry not found")
	// ErrPermissionDenied marks an entry whose attributes cannot be read.
	ErrPermissionDenied = errors.New("permission denied")
)

// EntryError is the transient, per-entry failure returned by Reader.Read.
// Callers skip the entry and continue; it never aborts a snapshot.
type EntryError struct {
	Path string
	// Kind is ErrNotFound, ErrPermissionDenied, or nil for other failures.
	Kind error
	Err  error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("fsmeta: %s: %v", e.Path, e.Err)
}

// Unwrap exposes both the classification sentinel and the underlying error
// to errors.Is and errors.As.
func (e *EntryError) Unwrap() []error {
	if e.Kind == nil {
		return []error{e.Err}
	}
	return []error{e.Kind, e.Err}
}

// IsTransient reports whether err is a per-entry failure that should be
// skipped rather than propagated.
func IsTransient(err error) bool {
	var ee *EntryError
	return errors.As(err, &ee)
}

// Reader reads entry metadata. It caches uid/gid name lookups and is safe for
// concurrent use.
type Reader struct {
	users  sync.Map // int64 -> string
	groups sync.Map // int64 -> string
}

// NewReader returns a Reader with empty identity caches.
func NewReader() *Reader {
	return &Reader{}
}

// Read stats root/name without following symlinks and returns its metadata
// with Name set to name.
func (r *Reader) Read(root, name string) (EntryMetadata, error) {
	path := filepath.Join(root, filepath.FromSlash(name))
	info, err := os.Lstat(path)
	if err != nil {
		return EntryMetadata{}, classify(path, err)
	}
	return r.FromInfo(name, info), nil
}

// FromInfo builds EntryMetadata from an already obtained Lstat result.
func (r *Reader) FromInfo(name string, info fs.FileInfo) EntryMetadata {
	m := EntryMetadata{
		Name:    name,
		Kind:    KindOf(info.Mode()),
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Mode:    info.Mode(),
		UID:     -1,
		GID:     -1,
	}
	if m.Kind == KindDir {
		m.Size = 0
	}

	st := platformStat(info)
	m.AccessTime = st.atime
	m.CreateTime = st.ctime
	if m.AccessTime.IsZero() {
		m.AccessTime = m.ModTime
	}
	if m.CreateTime.IsZero() {
		m.CreateTime = m.ModTime
	}
	if st.hasIDs {
		m.UID, m.GID = st.uid, st.gid
		m.Owner = r.userName(st.uid)
		m.Group = r.groupName(st.gid)
	}
	return m
}

func (r *Reader) userName(uid int64) string {
	if v, ok := r.users.Load(uid); ok {
		return v.(string)
	}
	id := strconv.FormatInt(uid, 10)
	name := id
	if u, err := user.LookupId(id); err == nil {
		name = u.Username
	}
	r.users.Store(uid, name)
	return name
}

func (r *Reader) groupName(gid int64) string {
	if v, ok := r.groups.Load(gid); ok {
		return v.(string)
	}
	id := strconv.FormatInt(gid, 10)
	name := id
	if g, err := user.LookupGroupId(id); err == nil {
		name = g.Name
	}
	r.groups.Store(gid, name)
	return name
}

// classify wraps a stat error into an EntryError.
func classify(path string, err error) error {
	var kind error
	switch {
	case errors.Is(err, fs.ErrNotExist):
		kind = ErrNotFound
	case errors.Is(err, fs.ErrPermission):
		kind = ErrPermissionDenied
	}
	return &EntryError{Path: path, Kind: kind, Err: err}
}

// statFields carries the platform-specific attributes not exposed by
// fs.FileInfo.
type statFields struct {
	atime  time.Time
	ctime  time.Time
	uid    int64
	gid    int64
	hasIDs bool
}
