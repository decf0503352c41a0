//go:build darwin

package fsmeta

import (
	"io/fs"
	"syscall"
	"time"
)

// platformStat extracts atime, birth time and ownership from a Darwin Stat_t.
func platformStat(info fs.FileInfo) statFields {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return statFields{}
	}
	return statFields{
		atime:  time.Unix(st.Atimespec.Sec, st.Atimespec.Nsec),
		ctime:  time.Unix(st.Birthtimespec.Sec, st.Birthtimespec.Nsec),
		uid:    int64(st.Uid),
		gid:    int64(st.Gid),
		hasIDs: true,
	}
}
