//go:build windows

package diskspace

import (
	"golang.org/x/sys/windows"
)

// Info is the get_disk_space response payload.
type Info struct {
	TotalBytes uint64
	FreeBytes  uint64
	UsedBytes  uint64
}

// Query reports the free/total space of the volume containing path.
func Query(path string) (Info, error) {
	var freeAvail, total, free uint64
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return Info{}, err
	}
	if err := windows.GetDiskFreeSpaceEx(p, &freeAvail, &total, &free); err != nil {
		return Info{}, err
	}
	return Info{TotalBytes: total, FreeBytes: free, UsedBytes: total - free}, nil
}
