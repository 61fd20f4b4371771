package vring

import (
	"errors"
	"sync"
)

// PageSize is the fixed size of inbound ring buffers.
const PageSize = 4096

// ErrOutOfMemory is returned when a pool's buffer budget is exhausted.
// Not retried internally; callers surface it immediately.
var ErrOutOfMemory = errors.New("vring: out of buffer memory")

// BufferPool hands out fixed-size, page-aligned buffers for inbound ring
// slots. A non-zero limit bounds the number of buffers outstanding at
// once. Returned buffers are cached for reuse; Close releases the cache.
type BufferPool struct {
	bufSize int
	limit   int

	mu          sync.Mutex
	cache       [][]byte
	outstanding int
	closed      bool
}

// NewBufferPool creates a pool of bufSize-byte buffers. bufSize is
// rounded up to a whole number of pages. limit <= 0 means unbounded.
func NewBufferPool(bufSize, limit int) *BufferPool {
	if bufSize <= 0 {
		bufSize = PageSize
	}
	if rem := bufSize % PageSize; rem != 0 {
		bufSize += PageSize - rem
	}
	return &BufferPool{bufSize: bufSize, limit: limit}
}

// BufferSize returns the fixed size of buffers handed out by the pool.
func (p *BufferPool) BufferSize() int { return p.bufSize }

func (p *BufferPool) Get() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("vring: buffer pool closed")
	}
	if p.limit > 0 && p.outstanding >= p.limit {
		return nil, ErrOutOfMemory
	}
	if n := len(p.cache); n > 0 {
		buf := p.cache[n-1]
		p.cache = p.cache[:n-1]
		p.outstanding++
		return buf, nil
	}
	buf, err := allocPages(p.bufSize)
	if err != nil {
		return nil, ErrOutOfMemory
	}
	p.outstanding++
	return buf, nil
}

func (p *BufferPool) Put(buf []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.outstanding == 0 {
		panic("vring: buffer pool put without matching get")
	}
	p.outstanding--
	if p.closed {
		freePages(buf)
		return
	}
	p.cache = append(p.cache, buf[:cap(buf)])
}

// Outstanding returns the number of buffers currently handed out.
func (p *BufferPool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding
}

// Close releases cached buffers. Buffers still outstanding are released
// as they come back.
func (p *BufferPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, buf := range p.cache {
		freePages(buf)
	}
	p.cache = nil
}
