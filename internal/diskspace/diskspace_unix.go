//go:build !windows

// Package diskspace answers spec.md §6's get_disk_space command, grounded
// on golang.org/x/sys (promoted here from the teacher's indirect,
// unexercised dependency to direct use) since database/sql and the rest of
// the stdlib have no free-space query.
package diskspace

import (
	"golang.org/x/sys/unix"
)

// Info is the get_disk_space response payload.
type Info struct {
	TotalBytes uint64
	FreeBytes  uint64
	UsedBytes  uint64
}

// Query reports the free/total space of the filesystem containing path.
func Query(path string) (Info, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return Info{}, err
	}
	blockSize := uint64(st.Bsize)
	total := st.Blocks * blockSize
	free := st.Bavail * blockSize
	return Info{TotalBytes: total, FreeBytes: free, UsedBytes: total - free}, nil
}
