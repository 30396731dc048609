//go:build windows

package buffer

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// mapRegion only reserves address space; append commits pages as the
// write cursor reaches them.
func mapRegion(size int) ([]byte, error) {
	addr, err := windows.VirtualAlloc(0, uintptr(size), windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

func commitPages(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	_, err := windows.VirtualAlloc(uintptr(unsafe.Pointer(unsafe.SliceData(b))), uintptr(len(b)), windows.MEM_COMMIT, windows.PAGE_READWRITE)
	return err
}

func unmapRegion(region []byte) error {
	return windows.VirtualFree(uintptr(unsafe.Pointer(unsafe.SliceData(region))), 0, windows.MEM_RELEASE)
}

func releasePages(b []byte) {
	if len(b) == 0 {
		return
	}
	// MEM_RESET lets the OS drop the pages without decommitting them.
	_, _ = windows.VirtualAlloc(uintptr(unsafe.Pointer(unsafe.SliceData(b))), uintptr(len(b)), windows.MEM_RESET, windows.PAGE_READWRITE)
}
