//go:build linux

package fsmeta

import (
	"io/fs"
	"syscall"
	"time"
)

// platformStat extracts atime, ctime and ownership from a Linux Stat_t.
// Linux filesystems do not expose birth time through stat(2), so the inode
// change time stands in for it.
func platformStat(info fs.FileInfo) statFields {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return statFields{}
	}
	return statFields{
		atime:  time.Unix(int64(st.Atim.Sec), int64(st.Atim.Nsec)),
		ctime:  time.Unix(int64(st.Ctim.Sec), int64(st.Ctim.Nsec)),
		uid:    int64(st.Uid),
		gid:    int64(st.Gid),
		hasIDs: true,
	}
}
