//go:build !windows

package session

import "syscall"

// availableBytes reports free disk space at path, per the storage budget
// check in spec.md section 4.10 step 6.
func availableBytes(path string) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}
