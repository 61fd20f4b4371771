package guest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/vqwire/vqwire/internal/trace"
	"github.com/vqwire/vqwire/internal/vrpc"
	"github.com/vqwire/vqwire/internal/wire"
)

var (
	// ErrClosed is returned by operations on a closed VFD.
	ErrClosed = errors.New("guest: vfd closed")
	// ErrNotWritable is returned by Send on a VFD created without write
	// access.
	ErrNotWritable = errors.New("guest: vfd not writable")
	// ErrNotReadable is returned by Recv on a VFD created without read
	// access.
	ErrNotReadable = errors.New("guest: vfd not readable")
)

// qentry is one delivered inbound message on a VFD's receive queue. The
// data and ids fields view the ring buffer in buf, which goes back to
// the ring only once both are fully consumed. Partial reads advance the
// offsets.
type qentry struct {
	buf  []byte
	data []byte
	ids  []uint32

	dataOff int
	idOff   int
}

func (e *qentry) consumed() bool {
	return e.dataOff == len(e.data) && e.idOff == len(e.ids)
}

// VFD is one virtual file descriptor: a host-shared resource with a
// device-unique handle, optional shared pages and a queue of inbound
// messages. All blocking waits honor the caller's context.
type VFD struct {
	mu sync.Mutex

	dev   *Device
	id    uint32
	flags uint32
	size  uint32
	pfn   uint64

	// live flips on once the host has acknowledged the handle; lookups
	// skip half-built VFDs.
	live atomic.Bool

	closed bool
	hungup bool
	queue  []*qentry
	ready  chan struct{} // closed and replaced on every state change
}

func newVFD(dev *Device, id, flags uint32) *VFD {
	return &VFD{
		dev:   dev,
		id:    id,
		flags: flags,
		ready: make(chan struct{}),
	}
}

// Lock and Unlock expose the VFD's mutex to the handle table, which
// always takes the table lock first.
func (v *VFD) Lock()   { v.mu.Lock() }
func (v *VFD) Unlock() { v.mu.Unlock() }

func (v *VFD) ID() uint32    { return v.id }
func (v *VFD) Flags() uint32 { return v.flags }

func (v *VFD) Size() uint32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.size
}

// HostIssued reports whether the handle was allocated by the host.
func (v *VFD) HostIssued() bool { return v.id&wire.HostIDBit != 0 }

// HungUp reports whether the host has signaled no further messages will
// arrive. Queued messages remain readable.
func (v *VFD) HungUp() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.hungup
}

// Readable reports whether a Recv would return without waiting: data is
// queued, or a hang-up would yield io.EOF. Poll-style callers use it to
// avoid parking a goroutine.
func (v *VFD) Readable() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.queue) > 0 || v.hungup || v.closed
}

// wakeLocked signals every waiter that queue, hungup or closed changed.
func (v *VFD) wakeLocked() {
	close(v.ready)
	v.ready = make(chan struct{})
}

// pushEntry queues a delivered message and wakes readers. Returns false
// if the VFD raced with a close, in which case the caller still owns the
// ring buffer.
func (v *VFD) pushEntry(e *qentry) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return false
	}
	v.queue = append(v.queue, e)
	v.wakeLocked()
	return true
}

// hangup marks the end of the inbound stream and wakes readers.
func (v *VFD) hangup() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.hungup {
		return
	}
	v.hungup = true
	v.wakeLocked()
}

// Recv copies queued message bytes into p and returns any handles the
// message attached. Attached handles are delivered in full on the first
// read of a message; data may be consumed across several reads. Once the
// stream is hung up and drained Recv returns io.EOF.
func (v *VFD) Recv(ctx context.Context, p []byte) (int, []*VFD, error) {
	if v.flags&wire.FlagRead == 0 {
		return 0, nil, ErrNotReadable
	}

	v.mu.Lock()
	for len(v.queue) == 0 {
		if v.closed {
			v.mu.Unlock()
			return 0, nil, ErrClosed
		}
		if v.hungup {
			v.mu.Unlock()
			return 0, nil, io.EOF
		}
		wait := v.ready
		v.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return 0, nil, fmt.Errorf("guest: recv vfd %#x: %w: %w", v.id, vrpc.ErrInterrupted, ctx.Err())
		}
		v.mu.Lock()
	}

	e := v.queue[0]
	var raw []uint32
	if e.idOff < len(e.ids) {
		raw = e.ids[e.idOff:]
		e.idOff = len(e.ids)
	}
	n := copy(p, e.data[e.dataOff:])
	e.dataOff += n
	var recycle []byte
	if e.consumed() {
		v.queue = v.queue[1:]
		recycle = e.buf
	}
	v.mu.Unlock()

	// Resolve attachments against the handle table outside the VFD lock.
	// Ids that raced with a close are dropped; the host already
	// transferred ownership, so losing one is logged loudly.
	var attached []*VFD
	for _, id := range raw {
		av, ok := v.dev.lookupVFD(id)
		if !ok {
			v.dev.log.Warn("guest: dropping unknown attached handle",
				"device", v.dev.cfg.Name, "vfd", v.id, "attached", id)
			continue
		}
		attached = append(attached, av)
	}

	if recycle != nil {
		v.dev.recycle(recycle)
	}
	trace.Writef("guest.recv", "vfd=%#x n=%d attached=%d", v.id, n, len(attached))
	return n, attached, nil
}

// Send transmits p to the host with the given handles attached. Closed
// attachments are dropped with a warning rather than failing the send.
func (v *VFD) Send(ctx context.Context, p []byte, attach []*VFD) error {
	if v.flags&wire.FlagWrite == 0 {
		return ErrNotWritable
	}
	if !v.live.Load() {
		return ErrClosed
	}

	var ids []uint32
	for _, a := range attach {
		if !a.live.Load() {
			v.dev.log.Warn("guest: dropping closed handle from send",
				"device", v.dev.cfg.Name, "vfd", v.id, "attached", a.id)
			continue
		}
		ids = append(ids, a.id)
	}

	msg := wire.VFDData{
		Hdr:  wire.Header{Type: wire.CmdVFDSend},
		ID:   v.id,
		IDs:  ids,
		Data: p,
	}
	resp, err := v.dev.cmd.Call(ctx, msg.Encode(), wire.HeaderSize)
	if err != nil {
		return fmt.Errorf("guest: send vfd %#x: %w", v.id, err)
	}
	hdr, err := wire.ParseHeader(resp)
	if err != nil {
		return fmt.Errorf("guest: send vfd %#x: %w", v.id, err)
	}
	if err := wire.RespError(hdr.Type); err != nil {
		return fmt.Errorf("guest: send vfd %#x: %w", v.id, err)
	}
	trace.Writef("guest.send", "vfd=%#x n=%d attached=%d", v.id, len(p), len(ids))
	return nil
}

// Close tears the VFD down: the handle is unlinked first so no new
// lookups can reach it, queued buffers go back to the event ring, and
// only then is the host told to release its side. The remote close is
// best effort; a broken transport does not keep local resources alive.
func (v *VFD) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	v.live.Store(false)
	v.wakeLocked()
	v.mu.Unlock()

	v.dev.table.Unlink(v.id)

	v.mu.Lock()
	queue := v.queue
	v.queue = nil
	v.mu.Unlock()
	for _, e := range queue {
		v.dev.recycle(e.buf)
	}

	trace.Writef("guest.close", "vfd=%#x queued=%d", v.id, len(queue))
	return v.dev.sendClose(v.id)
}
