// Package hostsim implements an in-process host for the paired-queue
// protocol. It serves guest commands on the command ring and delivers
// events on the event ring, which makes full-stack tests and loopback
// benchmarks possible without a hypervisor.
package hostsim

import (
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/vqwire/vqwire/internal/trace"
	"github.com/vqwire/vqwire/internal/vring"
	"github.com/vqwire/vqwire/internal/wire"
)

// Host serves one device instance over a pair of in-memory rings. In
// echo mode every payload sent on a VFD is delivered straight back to it
// as a receive event.
type Host struct {
	cmd *vring.MemRing
	evt *vring.MemRing
	log *slog.Logger

	echo bool

	mu      sync.Mutex
	vfds    map[uint32]*hostVFD
	routes  map[uint32]uint32 // sender id -> receiver id
	nextID  uint32
	nextPFN uint64
	pending [][]byte // events waiting for a free inbound buffer

	notify chan struct{}
	stop   chan struct{}
	g      errgroup.Group
}

type hostVFD struct {
	id    uint32
	flags uint32
	size  uint32
	pfn   uint64
}

// New creates a host over the given rings. Call Start before the guest
// begins issuing commands.
func New(cmd, evt *vring.MemRing, log *slog.Logger) *Host {
	if log == nil {
		log = slog.Default()
	}
	return &Host{
		cmd:    cmd,
		evt:    evt,
		log:    log,
		vfds:   make(map[uint32]*hostVFD),
		routes: make(map[uint32]uint32),
		nextID: 1,
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
}

// SetEcho makes the host reflect every Send back to the sending VFD as
// a receive event. Start-time option.
func (h *Host) SetEcho(on bool) { h.echo = on }

// Pair routes payloads between two handles in both directions. A route
// takes precedence over echo mode.
func (h *Host) Pair(a, b uint32) {
	h.mu.Lock()
	h.routes[a] = b
	h.routes[b] = a
	h.mu.Unlock()
}

func (h *Host) Start() {
	h.g.Go(h.serveCommands)
	h.g.Go(h.serveEvents)
}

// Close stops both workers. Rings are left intact so the guest can
// finish draining.
func (h *Host) Close() error {
	close(h.stop)
	return h.g.Wait()
}

// Break marks both rings failed, as a device reset would.
func (h *Host) Break() {
	h.cmd.Break()
	h.evt.Break()
}

// VFDCount returns the number of handles the host currently tracks.
func (h *Host) VFDCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.vfds)
}

func (h *Host) serveCommands() error {
	for {
		select {
		case <-h.stop:
			return nil
		case <-h.cmd.KickCh():
		}
		for {
			hb, ok := h.cmd.HostGet()
			if !ok {
				break
			}
			h.handleCommand(hb)
		}
	}
}

func (h *Host) handleCommand(hb *vring.HostBuffer) {
	hdr, err := wire.ParseHeader(hb.Out)
	if err != nil {
		h.log.Warn("hostsim: malformed command", "err", err)
		h.respondStatus(hb, wire.RespErr)
		return
	}

	switch hdr.Type {
	case wire.CmdVFDNew:
		h.cmdNew(hb)
	case wire.CmdVFDClose:
		h.cmdClose(hb)
	case wire.CmdVFDSend:
		h.cmdSend(hb)
	default:
		h.log.Warn("hostsim: unknown command", "type", hdr.Type)
		h.respondStatus(hb, wire.RespInvalidCmd)
	}
}

// respondStatus completes a command with a bare status header.
func (h *Host) respondStatus(hb *vring.HostBuffer, status uint32) {
	if hb.In == nil {
		hb.Complete(0)
		return
	}
	wire.PutHeader(hb.In, wire.Header{Type: status})
	hb.Complete(wire.HeaderSize)
}

func (h *Host) cmdNew(hb *vring.HostBuffer) {
	m, err := wire.ParseVFDNew(hb.Out)
	if err != nil {
		h.respondStatus(hb, wire.RespErr)
		return
	}
	if m.ID&(wire.HostIDBit|wire.IllegalSignBit) != 0 {
		h.respondStatus(hb, wire.RespInvalidID)
		return
	}

	h.mu.Lock()
	if _, exists := h.vfds[m.ID]; exists {
		h.mu.Unlock()
		h.respondStatus(hb, wire.RespInvalidID)
		return
	}
	v := &hostVFD{id: m.ID, flags: m.Flags, size: m.Size}
	if m.Size > 0 {
		h.nextPFN++
		v.pfn = h.nextPFN << 12
	}
	h.vfds[m.ID] = v
	h.mu.Unlock()

	resp := wire.VFDNew{
		Hdr:   wire.Header{Type: wire.RespVFDNew},
		ID:    v.id,
		Flags: v.flags,
		PFN:   v.pfn,
		Size:  v.size,
	}
	n := copy(hb.In, resp.Encode())
	hb.Complete(uint32(n))
	trace.Writef("hostsim", "new vfd=%#x size=%d", v.id, v.size)
}

func (h *Host) cmdClose(hb *vring.HostBuffer) {
	m, err := wire.ParseVFD(hb.Out)
	if err != nil {
		h.respondStatus(hb, wire.RespErr)
		return
	}

	h.mu.Lock()
	_, ok := h.vfds[m.ID]
	delete(h.vfds, m.ID)
	h.mu.Unlock()

	if !ok {
		h.respondStatus(hb, wire.RespInvalidID)
		return
	}
	h.respondStatus(hb, wire.RespOK)
	trace.Writef("hostsim", "close vfd=%#x", m.ID)
}

func (h *Host) cmdSend(hb *vring.HostBuffer) {
	m, err := wire.ParseVFDData(hb.Out)
	if err != nil {
		h.respondStatus(hb, wire.RespErr)
		return
	}

	h.mu.Lock()
	_, ok := h.vfds[m.ID]
	dest, routed := h.routes[m.ID]
	h.mu.Unlock()
	if !ok {
		h.respondStatus(hb, wire.RespInvalidID)
		return
	}

	if !routed {
		if !h.echo {
			// Payload accepted and discarded; nothing listens.
			h.respondStatus(hb, wire.RespOK)
			return
		}
		dest = m.ID
	}
	evt := wire.VFDData{
		Hdr:  wire.Header{Type: wire.CmdVFDRecv},
		ID:   dest,
		IDs:  m.IDs,
		Data: m.Data,
	}
	h.queueEvent(evt.Encode())
	h.respondStatus(hb, wire.RespOK)
}

// InjectNewVFD registers a host-issued handle and announces it to the
// guest. Returns the allocated id.
func (h *Host) InjectNewVFD(flags, size uint32) uint32 {
	h.mu.Lock()
	id := wire.HostIDBit | h.nextID
	h.nextID++
	v := &hostVFD{id: id, flags: flags, size: size}
	if size > 0 {
		h.nextPFN++
		v.pfn = h.nextPFN << 12
	}
	h.vfds[id] = v
	h.mu.Unlock()

	evt := wire.VFDNew{
		Hdr:   wire.Header{Type: wire.CmdVFDNew},
		ID:    id,
		Flags: flags,
		PFN:   v.pfn,
		Size:  size,
	}
	h.queueEvent(evt.Encode())
	return id
}

// InjectRecv delivers data (plus attached handle ids) to vfd id.
func (h *Host) InjectRecv(id uint32, data []byte, attach []uint32) {
	evt := wire.VFDData{
		Hdr:  wire.Header{Type: wire.CmdVFDRecv},
		ID:   id,
		IDs:  attach,
		Data: data,
	}
	h.queueEvent(evt.Encode())
}

// InjectHangup signals end of stream on vfd id.
func (h *Host) InjectHangup(id uint32) {
	evt := wire.VFD{Hdr: wire.Header{Type: wire.CmdVFDHangup}, ID: id}
	h.queueEvent(evt.Encode())
}

// queueEvent appends an encoded event and pokes the delivery worker.
// Events outlive ring pressure: when the guest has no inbound buffers
// posted the event waits in the pending queue.
func (h *Host) queueEvent(b []byte) {
	h.mu.Lock()
	h.pending = append(h.pending, b)
	h.mu.Unlock()
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

// serveEvents pushes pending events into guest-posted buffers, in
// order, whenever an event is queued or the guest restocks the ring.
func (h *Host) serveEvents() error {
	for {
		select {
		case <-h.stop:
			return nil
		case <-h.notify:
		case <-h.evt.KickCh():
		}
		if err := h.deliverPending(); err != nil {
			return err
		}
	}
}

func (h *Host) deliverPending() error {
	for {
		h.mu.Lock()
		if len(h.pending) == 0 {
			h.mu.Unlock()
			return nil
		}
		next := h.pending[0]
		h.mu.Unlock()

		hb, ok := h.evt.HostGet()
		if !ok {
			return nil
		}
		if len(hb.In) < len(next) {
			hb.Complete(0)
			return fmt.Errorf("hostsim: event of %d bytes exceeds %d-byte buffer",
				len(next), len(hb.In))
		}

		h.mu.Lock()
		h.pending = h.pending[1:]
		h.mu.Unlock()

		n := copy(hb.In, next)
		hb.Complete(uint32(n))
	}
}
