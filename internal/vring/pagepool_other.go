//go:build !linux

package vring

func allocPages(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func freePages(buf []byte) {}
