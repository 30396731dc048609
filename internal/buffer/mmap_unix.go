//go:build unix

package buffer

import "golang.org/x/sys/unix"

func mapRegion(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, mapFlags)
}

// commitPages is a no-op: the kernel backs mapped pages on first touch.
func commitPages([]byte) error { return nil }

func unmapRegion(region []byte) error {
	return unix.Munmap(region)
}

// releasePages drops the physical pages behind b; the range reads back
// as zeroes if touched again.
func releasePages(b []byte) {
	if len(b) == 0 {
		return
	}
	_ = unix.Madvise(b, unix.MADV_DONTNEED)
}
