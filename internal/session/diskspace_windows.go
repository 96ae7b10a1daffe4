//go:build windows

package session

import (
	"golang.org/x/sys/windows"
)

// availableBytes reports free disk space at path, per the storage budget
// check in spec.md section 4.10 step 6.
func availableBytes(path string) (int64, error) {
	var freeAvail, total, totalFree uint64
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}
	if err := windows.GetDiskFreeSpaceEx(p, &freeAvail, &total, &totalFree); err != nil {
		return 0, err
	}
	return int64(freeAvail), nil
}
