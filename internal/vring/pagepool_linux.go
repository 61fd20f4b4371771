//go:build linux

package vring

import "golang.org/x/sys/unix"

// allocPages maps anonymous page-aligned memory, matching the alignment
// the host expects for inbound ring buffers.
func allocPages(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
}

func freePages(buf []byte) {
	// Best effort; the mapping dies with the process either way.
	_ = unix.Munmap(buf[:cap(buf)])
}
