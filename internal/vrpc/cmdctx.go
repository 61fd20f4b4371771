// Package vrpc tracks in-flight commands on a vring transport and
// implements the synchronous call engine and the completion dispatcher.
// A command travels as an opaque byte payload; correlation uses the
// command context itself as the ring token, so no wire-visible sequence
// numbers are needed.
package vrpc

import (
	"fmt"
	"sync/atomic"
)

// CommandContext represents one in-flight or completed request. The
// submitting goroutine holds one reference until it is done with the
// context; the ring holds an implicit reference (taken at submission)
// that the dispatcher drops after completion processing. The buffers are
// released exactly when the last reference goes away, which is what keeps
// the host from completing into freed memory.
type CommandContext struct {
	Out []byte
	In  []byte

	seq       uint64
	async     bool
	refs      atomic.Int32
	done      chan struct{}
	resultLen uint32
	status    error // set before done closes

	pool *Pool
}

// Pool allocates and tracks command contexts. The zero value is usable.
type Pool struct {
	seq atomic.Uint64

	// freeHook, when set, runs once per context as its last reference is
	// dropped. Test instrumentation.
	freeHook func(*CommandContext)
}

// New allocates a context with owned outbound and inbound buffers and a
// reference count of one.
func (p *Pool) New(outSize, inSize int, async bool) *CommandContext {
	cc := &CommandContext{
		seq:   p.seq.Add(1),
		async: async,
		done:  make(chan struct{}),
		pool:  p,
	}
	if outSize > 0 {
		cc.Out = make([]byte, outSize)
	}
	if inSize > 0 {
		cc.In = make([]byte, inSize)
	}
	cc.refs.Store(1)
	return cc
}

// Seq returns the context's process-local sequence number. Diagnostics
// only; never wire-visible.
func (cc *CommandContext) Seq() uint64 { return cc.seq }

// Async reports whether the context is fire-and-forget.
func (cc *CommandContext) Async() bool { return cc.async }

// Done is closed once the dispatcher has observed the completion (or the
// context was force-completed on a broken transport).
func (cc *CommandContext) Done() <-chan struct{} { return cc.done }

// Ref takes an additional reference. Taking a reference on a released
// context is a programming error and panics.
func (cc *CommandContext) Ref() {
	if cc.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("vrpc: ref of released command context (seq %d)", cc.seq))
	}
}

// Unref drops one reference. Dropping the last reference releases both
// buffers; dropping below zero panics.
func (cc *CommandContext) Unref() {
	n := cc.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("vrpc: command context unref underflow (seq %d)", cc.seq))
	}
	if n == 0 {
		cc.Out = nil
		cc.In = nil
		if hook := cc.pool.freeHook; hook != nil {
			hook(cc)
		}
	}
}

// Result returns the inbound buffer sliced to the completed length. Only
// valid after Done; the slice dies with the context's last reference, so
// callers that outlive it must copy.
func (cc *CommandContext) Result() ([]byte, error) {
	if cc.status != nil {
		return nil, cc.status
	}
	n := int(cc.resultLen)
	if n > len(cc.In) {
		n = len(cc.In)
	}
	return cc.In[:n], nil
}

func (cc *CommandContext) complete(length uint32, status error) {
	cc.resultLen = length
	cc.status = status
	close(cc.done)
}
