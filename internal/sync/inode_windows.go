//go:build windows

package sync

import "io/fs"

// inodeOf has no stable equivalent on Windows through os.FileInfo; rename
// detection degrades to pure path-based diffing (DELETE_AND_CREATE) there.
func inodeOf(info fs.FileInfo) uint64 {
	return 0
}
