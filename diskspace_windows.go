//go:build windows

// GetDiskFreeSpaceEx-based free-space probe for the disk-space guard
// worker (gc.go's checkDiskSpace). modkernel32 is shared with
// lock_windows.go.
package silo

import (
	"fmt"
	"syscall"
	"unsafe"
)

var procGetDiskFreeSpaceEx = modkernel32.NewProc("GetDiskFreeSpaceExW")

func diskFreeBytes(path string) (free, total uint64, err error) {
	p, perr := syscall.UTF16PtrFromString(path)
	if perr != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrIOFailure, perr)
	}

	var freeAvail, totalBytes, totalFree uint64
	r1, _, callErr := procGetDiskFreeSpaceEx.Call(
		uintptr(unsafe.Pointer(p)),
		uintptr(unsafe.Pointer(&freeAvail)),
		uintptr(unsafe.Pointer(&totalBytes)),
		uintptr(unsafe.Pointer(&totalFree)),
	)
	if r1 == 0 {
		return 0, 0, fmt.Errorf("%w: GetDiskFreeSpaceEx %s: %v", ErrIOFailure, path, callErr)
	}
	return freeAvail, totalBytes, nil
}
