//go:build unix || linux || darwin

// statfs(2)-based free-space probe for the disk-space guard worker
// (gc.go's checkDiskSpace).
package silo

import (
	"fmt"
	"syscall"
)

func diskFreeBytes(path string) (free, total uint64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, fmt.Errorf("%w: statfs %s: %v", ErrIOFailure, path, err)
	}
	bsize := uint64(stat.Bsize)
	return uint64(stat.Bavail) * bsize, uint64(stat.Blocks) * bsize, nil
}
