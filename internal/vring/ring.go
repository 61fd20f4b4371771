// Package vring provides the bounded ring transport used to exchange
// command and event buffers with a virtio-style host. A Ring is the raw
// fixed-capacity primitive (descriptor submission, completion retrieval,
// remote notification); Transport layers the submission and drain
// discipline on top of it: per-direction locking, blocking and
// non-blocking submit, batched kicks and slot-freed signaling.
package vring

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrRingFull is returned by a Ring when no descriptor slots remain.
	ErrRingFull = errors.New("vring: ring full")
	// ErrBusy is returned by Submit when the transport is at capacity and
	// the caller requested non-blocking behavior, or when a blocking
	// submit timed out waiting for a slot.
	ErrBusy = errors.New("vring: transport busy")
	// ErrBroken indicates the remote side reset or violated the protocol.
	// All further submissions on the transport fail with this error.
	ErrBroken = errors.New("vring: transport broken")
)

// Ring is the transport primitive negotiated with the host. Capacity is
// fixed at creation. Implementations deliver completions in FIFO order
// relative to submission on the same ring.
type Ring interface {
	// AddBuffers queues an outbound payload and an optional inbound
	// region tagged with an opaque token. Either slice may be nil.
	// Returns ErrRingFull when no slot is free.
	AddBuffers(out, in []byte, token any) error
	// GetBuffer returns the next completed buffer's token and the number
	// of bytes the host wrote. Non-blocking. The slot is free for reuse
	// once GetBuffer has returned it.
	GetBuffer() (token any, length uint32, ok bool)
	// Kick signals the remote side that new buffers are available.
	Kick()
	// SetCallback registers the completion callback. The callback runs in
	// the ring's notification context and must not block; it should only
	// schedule a worker.
	SetCallback(fn func())
	NumFree() int
	Capacity() int
	Broken() bool
}

// slotWaitTimeout bounds how long a blocking Submit waits for a slot to
// free before giving up with ErrBusy.
const slotWaitTimeout = time.Second

// Transport wraps a Ring with the locking and signaling discipline shared
// by both transfer directions. Submit may be called from any goroutine;
// Drain must only be called from the direction's dispatcher worker.
type Transport struct {
	mu    sync.Mutex
	ring  Ring
	freed chan struct{} // closed and replaced when a slot frees
}

func NewTransport(r Ring) *Transport {
	return &Transport{ring: r, freed: make(chan struct{})}
}

func (t *Transport) Capacity() int { return t.ring.Capacity() }

func (t *Transport) Broken() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ring.Broken()
}

// Writable reports whether a submission would currently find a free slot.
func (t *Transport) Writable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ring.NumFree() > 0
}

// Submit queues an outbound payload plus an optional reserved inbound
// region, tagged with token. In blocking mode it waits for a slot to
// free, giving up with ErrBusy if none frees within the wait bound. In
// non-blocking mode it fails fast with ErrBusy.
func (t *Transport) Submit(out, in []byte, token any, block bool) error {
	t.mu.Lock()
	for {
		if t.ring.Broken() {
			t.mu.Unlock()
			return ErrBroken
		}
		err := t.ring.AddBuffers(out, in, token)
		if err == nil {
			t.mu.Unlock()
			return nil
		}
		if !errors.Is(err, ErrRingFull) {
			t.mu.Unlock()
			return err
		}
		if !block {
			t.mu.Unlock()
			return ErrBusy
		}
		wait := t.freed
		t.mu.Unlock()
		select {
		case <-wait:
		case <-time.After(slotWaitTimeout):
			return ErrBusy
		}
		t.mu.Lock()
	}
}

// Notify kicks the remote side. Callers may batch several submissions
// behind a single Notify.
func (t *Transport) Notify() {
	t.ring.Kick()
}

// ReturnInbound hands a consumed inbound buffer back to the ring so the
// host can fill it again. The caller batches the kick.
func (t *Transport) ReturnInbound(buf []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ring.AddBuffers(nil, buf[:cap(buf)], buf)
}

// Drain retrieves all pending completions, invoking fn for each outside
// the transport lock. It returns the number of completions processed and
// wakes any submitters blocked on a free slot. Dispatcher worker only.
func (t *Transport) Drain(fn func(token any, length uint32)) int {
	n := 0
	t.mu.Lock()
	for {
		token, length, ok := t.ring.GetBuffer()
		if !ok {
			break
		}
		t.mu.Unlock()
		fn(token, length)
		n++
		t.mu.Lock()
	}
	t.mu.Unlock()
	if n > 0 {
		t.SlotFreed()
	}
	return n
}

// SlotFreed wakes every goroutine blocked in Submit so it can retry.
func (t *Transport) SlotFreed() {
	t.mu.Lock()
	close(t.freed)
	t.freed = make(chan struct{})
	t.mu.Unlock()
}

// Fill stocks an inbound-direction ring with pool buffers until no slots
// remain. Each buffer is its own token so completions identify it. On
// pool exhaustion the already-queued buffers stay queued and the error is
// returned for the caller to unwind.
func (t *Transport) Fill(pool *BufferPool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.ring.NumFree() > 0 {
		buf, err := pool.Get()
		if err != nil {
			return err
		}
		if err := t.ring.AddBuffers(nil, buf, buf); err != nil {
			pool.Put(buf)
			return err
		}
	}
	return nil
}
