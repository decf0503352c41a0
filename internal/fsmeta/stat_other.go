//go:build !linux && !darwin

package fsmeta

import "io/fs"

// platformStat has nothing beyond fs.FileInfo to offer on this platform; the
// caller falls back to ModTime and leaves the identity fields empty.
func platformStat(_ fs.FileInfo) statFields {
	return statFields{}
}
