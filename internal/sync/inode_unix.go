//go:build !windows

package sync

import (
	"io/fs"
	"syscall"
)

// inodeOf extracts the inode number backing info, used by the Classifier to
// pair delete/create events into rename/move candidates. Returns 0 on
// platforms or filesystems that don't expose one.
func inodeOf(info fs.FileInfo) uint64 {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0
	}

	return stat.Ino
}
