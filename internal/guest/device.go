// Package guest implements the driver side of a paired-queue virtio
// device: a command ring for guest-initiated operations and an event
// ring the host fills with messages. Virtual file descriptors (VFDs)
// are the unit of sharing; a handle table keyed by device-unique ids
// maps wire ids to live resources.
package guest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/vqwire/vqwire/internal/handles"
	"github.com/vqwire/vqwire/internal/trace"
	"github.com/vqwire/vqwire/internal/vring"
	"github.com/vqwire/vqwire/internal/vrpc"
	"github.com/vqwire/vqwire/internal/wire"
)

// ErrDeviceClosed is returned by operations after Close.
var ErrDeviceClosed = errors.New("guest: device closed")

// Device owns both rings of one device instance plus the handle table
// and the workers that service them: the command channel's completion
// worker, the event worker, and the deferred-release worker that closes
// auto-release VFDs off the event path.
type Device struct {
	cfg Config
	log *slog.Logger

	cmdTx *vring.Transport
	evtTx *vring.Transport
	cmd   *vrpc.Channel
	pool  *vring.BufferPool
	table *handles.Table

	evtNotify chan struct{}
	stop      chan struct{}
	wg        sync.WaitGroup

	releaseMu   sync.Mutex
	releaseList []*VFD
	releaseKick chan struct{}

	closed atomic.Bool
}

// Open wires a device over the negotiated rings, stocks the event ring
// with inbound buffers and starts the workers. The rings' callbacks are
// claimed by the device; nothing else may set them afterwards.
func Open(cfg Config, cmdRing, evtRing vring.Ring, log *slog.Logger) (*Device, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	d := &Device{
		cfg:         cfg,
		log:         log,
		cmdTx:       vring.NewTransport(cmdRing),
		evtTx:       vring.NewTransport(evtRing),
		pool:        vring.NewBufferPool(cfg.BufferSize, cfg.InboundBuffers),
		table:       handles.NewTable(),
		evtNotify:   make(chan struct{}, 1),
		stop:        make(chan struct{}),
		releaseKick: make(chan struct{}, 1),
	}
	d.cmd = vrpc.NewChannel(d.cmdTx, new(vrpc.Pool), log)

	cmdRing.SetCallback(d.cmd.Schedule)
	evtRing.SetCallback(d.scheduleEvents)

	if err := d.evtTx.Fill(d.pool); err != nil {
		d.pool.Close()
		return nil, fmt.Errorf("guest: stock event ring: %w", err)
	}
	d.evtTx.Notify()

	d.cmd.Start()
	d.wg.Add(2)
	go d.runEvents()
	go d.runRelease()

	log.Info("guest: device open", "name", cfg.Name,
		"queue_size", cfg.QueueSize, "buffer_size", d.pool.BufferSize())
	return d, nil
}

func (d *Device) scheduleEvents() {
	select {
	case d.evtNotify <- struct{}{}:
	default:
	}
}

// NewVFD allocates a handle, asks the host to back it, and publishes
// the VFD only once the host has acknowledged it. On any failure the
// handle is released again.
func (d *Device) NewVFD(ctx context.Context, flags, size uint32) (*VFD, error) {
	if d.closed.Load() {
		return nil, ErrDeviceClosed
	}

	var v *VFD
	id, err := d.table.Insert(d.cfg.MinHandle, d.cfg.MaxHandle, func(h uint32) handles.Resource {
		v = newVFD(d, h, flags)
		return v
	})
	if err != nil {
		return nil, fmt.Errorf("guest: new vfd: %w", err)
	}

	msg := wire.VFDNew{
		Hdr:   wire.Header{Type: wire.CmdVFDNew},
		ID:    id,
		Flags: flags,
		Size:  size,
	}
	resp, err := d.cmd.Call(ctx, msg.Encode(), wire.VFDNewSize)
	if err != nil {
		d.rollbackNew(v)
		return nil, fmt.Errorf("guest: new vfd: %w", err)
	}
	ack, err := wire.ParseVFDNew(resp)
	if err != nil {
		d.rollbackNew(v)
		return nil, fmt.Errorf("guest: new vfd: %w", err)
	}
	if err := wire.RespError(ack.Hdr.Type); err != nil {
		d.rollbackNew(v)
		return nil, fmt.Errorf("guest: new vfd: %w", err)
	}

	// Publication and close race for the same VFD; whoever set closed
	// first owns the unlink, so a raced acknowledgment gives up here.
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil, ErrDeviceClosed
	}
	v.pfn = ack.PFN
	v.size = ack.Size
	v.mu.Unlock()
	v.live.Store(true)

	trace.Writef("guest.new", "vfd=%#x flags=%#x size=%d pfn=%#x", id, flags, ack.Size, ack.PFN)
	return v, nil
}

// rollbackNew unwinds a handle whose backing NEW command failed. The
// VFD was never published, but a device-wide close may still have
// claimed it in the meantime; only the side that flips closed unlinks.
func (d *Device) rollbackNew(v *VFD) {
	v.mu.Lock()
	claimed := !v.closed
	v.closed = true
	v.wakeLocked()
	v.mu.Unlock()
	if claimed {
		d.table.Unlink(v.id)
	}
}

// Lookup returns the live VFD registered under id.
func (d *Device) Lookup(id uint32) (*VFD, bool) {
	return d.lookupVFD(id)
}

func (d *Device) lookupVFD(id uint32) (*VFD, bool) {
	r, ok := d.table.Lookup(id)
	if !ok {
		return nil, false
	}
	v := r.(*VFD)
	if !v.live.Load() {
		return nil, false
	}
	return v, true
}

// Handles returns a snapshot of registered handle ids.
func (d *Device) Handles() []uint32 { return d.table.Handles() }

// Pending returns the number of commands awaiting host completion.
func (d *Device) Pending() int { return d.cmd.Pending() }

// Broken reports whether the command transport has failed.
func (d *Device) Broken() bool { return d.cmd.Broken() }

// Writable reports whether a send would currently find a free command
// slot. Poll-style counterpart to VFD.Readable.
func (d *Device) Writable() bool { return d.cmdTx.Writable() }

// recycle returns a drained inbound buffer to the event ring. A full or
// broken ring means the buffer goes back to the pool instead.
func (d *Device) recycle(buf []byte) {
	if err := d.evtTx.ReturnInbound(buf); err != nil {
		d.pool.Put(buf)
		return
	}
	d.evtTx.Notify()
}

// runEvents is the event ring worker. Buffers that are fully handled in
// place return to the ring behind one batched kick; buffers queued on a
// VFD stay out until the reader drains them.
func (d *Device) runEvents() {
	defer d.wg.Done()
	for {
		select {
		case <-d.evtNotify:
		case <-d.stop:
			return
		}
		recycled := 0
		d.evtTx.Drain(func(token any, length uint32) {
			buf := token.([]byte)
			if d.handleEvent(buf, length) {
				if err := d.evtTx.ReturnInbound(buf); err != nil {
					d.pool.Put(buf)
				} else {
					recycled++
				}
			}
		})
		if recycled > 0 {
			d.evtTx.Notify()
		}
	}
}

// handleEvent processes one host event. The return value reports
// whether the caller still owns buf and should recycle it.
func (d *Device) handleEvent(buf []byte, length uint32) bool {
	msg := buf[:length]
	hdr, err := wire.ParseHeader(msg)
	if err != nil {
		d.log.Warn("guest: malformed event", "device", d.cfg.Name, "err", err)
		return true
	}

	switch hdr.Type {
	case wire.CmdVFDNew:
		d.eventNew(msg)
		return true

	case wire.CmdVFDRecv:
		return d.eventRecv(buf, msg)

	case wire.CmdVFDHangup:
		d.eventHangup(msg)
		return true

	default:
		d.log.Warn("guest: unknown event type", "device", d.cfg.Name, "type", hdr.Type)
		return true
	}
}

// eventNew registers a host-issued VFD. Host ids must carry the host
// tag bit; anything else is a protocol violation and is dropped.
func (d *Device) eventNew(msg []byte) {
	m, err := wire.ParseVFDNew(msg)
	if err != nil {
		d.log.Warn("guest: malformed vfd new event", "device", d.cfg.Name, "err", err)
		return
	}
	if m.ID&wire.HostIDBit == 0 || m.ID&wire.IllegalSignBit != 0 {
		d.log.Warn("guest: host-issued vfd with bad id", "device", d.cfg.Name, "id", m.ID)
		return
	}

	v := newVFD(d, m.ID, m.Flags)
	v.pfn = m.PFN
	v.size = m.Size
	if err := d.table.InsertID(m.ID, v); err != nil {
		d.log.Warn("guest: host-issued vfd collides", "device", d.cfg.Name, "id", m.ID, "err", err)
		return
	}
	v.live.Store(true)
	trace.Writef("guest.event", "new vfd=%#x flags=%#x size=%d", m.ID, m.Flags, m.Size)
}

// eventRecv queues a delivered message on its VFD. The ring buffer is
// kept until the reader consumes the whole entry.
func (d *Device) eventRecv(buf, msg []byte) bool {
	m, err := wire.ParseVFDData(msg)
	if err != nil {
		d.log.Warn("guest: malformed recv event", "device", d.cfg.Name, "err", err)
		return true
	}
	v, ok := d.lookupVFD(m.ID)
	if !ok {
		d.log.Warn("guest: recv for unknown vfd", "device", d.cfg.Name, "id", m.ID)
		return true
	}
	e := &qentry{buf: buf, data: m.Data, ids: m.IDs}
	if !v.pushEntry(e) {
		// Raced with close; the entry is dropped and the buffer recycled.
		return true
	}
	trace.Writef("guest.event", "recv vfd=%#x n=%d attached=%d", m.ID, len(m.Data), len(m.IDs))
	return false
}

// eventHangup marks the stream done. Auto-release VFDs have no local
// reader to close them, so they go to the release worker; closing them
// here would issue a blocking command from the event path.
func (d *Device) eventHangup(msg []byte) {
	m, err := wire.ParseVFD(msg)
	if err != nil {
		d.log.Warn("guest: malformed hangup event", "device", d.cfg.Name, "err", err)
		return
	}
	v, ok := d.lookupVFD(m.ID)
	if !ok {
		d.log.Warn("guest: hangup for unknown vfd", "device", d.cfg.Name, "id", m.ID)
		return
	}
	v.hangup()
	if v.flags&wire.FlagAutoRelease != 0 {
		d.deferRelease(v)
	}
	trace.Writef("guest.event", "hangup vfd=%#x", m.ID)
}

func (d *Device) deferRelease(v *VFD) {
	d.releaseMu.Lock()
	d.releaseList = append(d.releaseList, v)
	d.releaseMu.Unlock()
	select {
	case d.releaseKick <- struct{}{}:
	default:
	}
}

// runRelease closes hung-up auto-release VFDs away from the event
// worker so their blocking close command cannot stall event dispatch.
func (d *Device) runRelease() {
	defer d.wg.Done()
	for {
		select {
		case <-d.releaseKick:
		case <-d.stop:
			return
		}
		for {
			d.releaseMu.Lock()
			list := d.releaseList
			d.releaseList = nil
			d.releaseMu.Unlock()
			if len(list) == 0 {
				break
			}
			for _, v := range list {
				if err := v.Close(); err != nil {
					d.log.Warn("guest: deferred release failed",
						"device", d.cfg.Name, "vfd", v.id, "err", err)
				}
			}
		}
	}
}

// sendClose tells the host to drop its side of a handle. Best effort: a
// broken transport is reported but never blocks local teardown.
func (d *Device) sendClose(id uint32) error {
	msg := wire.VFD{Hdr: wire.Header{Type: wire.CmdVFDClose}, ID: id}
	resp, err := d.cmd.Call(context.Background(), msg.Encode(), wire.HeaderSize)
	if err != nil {
		if errors.Is(err, vring.ErrBroken) {
			d.log.Warn("guest: close not delivered, transport broken",
				"device", d.cfg.Name, "vfd", id)
			return nil
		}
		return fmt.Errorf("guest: close vfd %#x: %w", id, err)
	}
	hdr, err := wire.ParseHeader(resp)
	if err != nil {
		return fmt.Errorf("guest: close vfd %#x: %w", id, err)
	}
	if err := wire.RespError(hdr.Type); err != nil {
		return fmt.Errorf("guest: close vfd %#x: %w", id, err)
	}
	return nil
}

// Close tears the device down in dependency order: refuse new work,
// close every VFD while the command channel still runs, then stop the
// workers and the channel, and finally release the buffer pool.
func (d *Device) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}

	var firstErr error
	for _, id := range d.table.Handles() {
		r, ok := d.table.Lookup(id)
		if !ok {
			continue
		}
		v := r.(*VFD)
		// A handle whose NEW command is still in flight belongs to its
		// creator; NewVFD unwinds it once the command fails.
		if !v.live.Load() {
			continue
		}
		if err := v.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	close(d.stop)
	d.wg.Wait()
	d.cmd.Close()
	d.pool.Close()

	d.log.Info("guest: device closed", "name", d.cfg.Name)
	return firstErr
}
