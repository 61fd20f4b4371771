package vring

import "sync"

// MemRing is an in-memory Ring with a host-side view, used by the host
// simulator and by tests. The guest side sees the Ring interface; the
// host side fetches submitted buffers with HostGet, writes results into
// their inbound regions and completes them. Completions are delivered in
// the order the host completes them.
type MemRing struct {
	capacity int

	mu       sync.Mutex
	free     int
	pending  []*HostBuffer
	used     []completion
	broken   bool
	callback func()

	kick chan struct{}
}

type completion struct {
	token  any
	length uint32
}

// HostBuffer is one submitted descriptor pair as seen by the host. Out
// holds the guest's payload; the host writes results into In and calls
// Complete with the number of bytes written.
type HostBuffer struct {
	Out []byte
	In  []byte

	ring      *MemRing
	token     any
	completed bool
}

func NewMemRing(capacity int) *MemRing {
	if capacity <= 0 {
		panic("vring: ring capacity must be positive")
	}
	return &MemRing{
		capacity: capacity,
		free:     capacity,
		kick:     make(chan struct{}, 1),
	}
}

func (r *MemRing) AddBuffers(out, in []byte, token any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.broken {
		return ErrBroken
	}
	if r.free == 0 {
		return ErrRingFull
	}
	r.free--
	r.pending = append(r.pending, &HostBuffer{Out: out, In: in, ring: r, token: token})
	return nil
}

func (r *MemRing) GetBuffer() (any, uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.used) == 0 {
		return nil, 0, false
	}
	c := r.used[0]
	r.used = r.used[1:]
	r.free++
	return c.token, c.length, true
}

func (r *MemRing) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *MemRing) SetCallback(fn func()) {
	r.mu.Lock()
	r.callback = fn
	r.mu.Unlock()
}

func (r *MemRing) NumFree() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.free
}

func (r *MemRing) Capacity() int { return r.capacity }

func (r *MemRing) Broken() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.broken
}

// Outstanding returns the number of buffers submitted but not yet
// retrieved with GetBuffer.
func (r *MemRing) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.capacity - r.free
}

// Host-side view.

// KickCh delivers guest kicks to the host worker.
func (r *MemRing) KickCh() <-chan struct{} { return r.kick }

// HostGet fetches the next submitted buffer, oldest first.
func (r *MemRing) HostGet() (*HostBuffer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return nil, false
	}
	b := r.pending[0]
	r.pending = r.pending[1:]
	return b, true
}

// Break marks the ring broken, simulating a remote reset. Submissions
// fail from here on; the completion callback fires so dispatchers can
// observe the state.
func (r *MemRing) Break() {
	r.mu.Lock()
	r.broken = true
	cb := r.callback
	r.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Complete marks a host buffer done with length result bytes and fires
// the ring's completion callback. Completing a buffer twice panics.
func (b *HostBuffer) Complete(length uint32) {
	r := b.ring
	r.mu.Lock()
	if b.completed {
		r.mu.Unlock()
		panic("vring: double completion of host buffer")
	}
	b.completed = true
	r.used = append(r.used, completion{token: b.token, length: length})
	cb := r.callback
	r.mu.Unlock()
	if cb != nil {
		cb()
	}
}

var _ Ring = (*MemRing)(nil)
