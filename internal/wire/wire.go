// Package wire encodes the control messages exchanged with the host.
// Payloads are little-endian with a fixed 8-byte header; the transport
// layers below treat them as opaque bytes.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Control command types. Commands below 0x1000 travel guest-to-host on
// the command ring; New, Recv and Hangup also arrive host-to-guest on
// the event ring.
const (
	CmdVFDNew    uint32 = 0x0100
	CmdVFDClose  uint32 = 0x0101
	CmdVFDSend   uint32 = 0x0102
	CmdVFDRecv   uint32 = 0x0103
	CmdVFDHangup uint32 = 0x0104
)

// Response statuses, written by the host into a command's result region.
const (
	RespOK           uint32 = 0x1000
	RespVFDNew       uint32 = 0x1001
	RespErr          uint32 = 0x1100
	RespOutOfMemory  uint32 = 0x1101
	RespInvalidID    uint32 = 0x1102
	RespInvalidType  uint32 = 0x1103
	RespInvalidFlags uint32 = 0x1104
	RespInvalidCmd   uint32 = 0x1105
)

// VFD flags.
const (
	FlagRead        uint32 = 1 << 0
	FlagWrite       uint32 = 1 << 1
	FlagAutoRelease uint32 = 1 << 2 // hang-up closes the VFD without a local reader
)

// Host-issued handle values carry HostIDBit; the sign bit is never legal.
const (
	HostIDBit      uint32 = 0x40000000
	IllegalSignBit uint32 = 0x80000000
)

var ErrTruncated = errors.New("wire: truncated message")

// Header prefixes every control message.
type Header struct {
	Type  uint32
	Flags uint32
}

const HeaderSize = 8

func PutHeader(b []byte, h Header) {
	binary.LittleEndian.PutUint32(b[0:4], h.Type)
	binary.LittleEndian.PutUint32(b[4:8], h.Flags)
}

func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("wire: header: %w", ErrTruncated)
	}
	return Header{
		Type:  binary.LittleEndian.Uint32(b[0:4]),
		Flags: binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

// VFDNew allocates a VFD (guest-initiated) or announces a host-issued
// one on the event ring. A successful response echoes the message with
// Type RespVFDNew and PFN/Size filled in by the host.
type VFDNew struct {
	Hdr   Header
	ID    uint32
	Flags uint32
	PFN   uint64
	Size  uint32
}

const VFDNewSize = HeaderSize + 4 + 4 + 8 + 4

func (m *VFDNew) Encode() []byte {
	b := make([]byte, VFDNewSize)
	PutHeader(b, m.Hdr)
	binary.LittleEndian.PutUint32(b[8:12], m.ID)
	binary.LittleEndian.PutUint32(b[12:16], m.Flags)
	binary.LittleEndian.PutUint64(b[16:24], m.PFN)
	binary.LittleEndian.PutUint32(b[24:28], m.Size)
	return b
}

func ParseVFDNew(b []byte) (VFDNew, error) {
	if len(b) < VFDNewSize {
		return VFDNew{}, fmt.Errorf("wire: vfd new: %w", ErrTruncated)
	}
	hdr, _ := ParseHeader(b)
	return VFDNew{
		Hdr:   hdr,
		ID:    binary.LittleEndian.Uint32(b[8:12]),
		Flags: binary.LittleEndian.Uint32(b[12:16]),
		PFN:   binary.LittleEndian.Uint64(b[16:24]),
		Size:  binary.LittleEndian.Uint32(b[24:28]),
	}, nil
}

// VFD is the single-handle message used for Close and Hangup.
type VFD struct {
	Hdr Header
	ID  uint32
}

const VFDSize = HeaderSize + 4

func (m *VFD) Encode() []byte {
	b := make([]byte, VFDSize)
	PutHeader(b, m.Hdr)
	binary.LittleEndian.PutUint32(b[8:12], m.ID)
	return b
}

func ParseVFD(b []byte) (VFD, error) {
	if len(b) < VFDSize {
		return VFD{}, fmt.Errorf("wire: vfd: %w", ErrTruncated)
	}
	hdr, _ := ParseHeader(b)
	return VFD{Hdr: hdr, ID: binary.LittleEndian.Uint32(b[8:12])}, nil
}

// VFDData carries payload bytes plus attached handle ids; Send and Recv
// share the layout: header, target id, id count, ids, data.
type VFDData struct {
	Hdr  Header
	ID   uint32
	IDs  []uint32
	Data []byte
}

const vfdDataFixed = HeaderSize + 4 + 4

func (m *VFDData) EncodedSize() int {
	return vfdDataFixed + 4*len(m.IDs) + len(m.Data)
}

func (m *VFDData) Encode() []byte {
	b := make([]byte, m.EncodedSize())
	PutHeader(b, m.Hdr)
	binary.LittleEndian.PutUint32(b[8:12], m.ID)
	binary.LittleEndian.PutUint32(b[12:16], uint32(len(m.IDs)))
	off := vfdDataFixed
	for _, id := range m.IDs {
		binary.LittleEndian.PutUint32(b[off:off+4], id)
		off += 4
	}
	copy(b[off:], m.Data)
	return b
}

// ParseVFDData validates the id count against the payload length before
// slicing, so a corrupt count cannot produce an out-of-range view.
func ParseVFDData(b []byte) (VFDData, error) {
	if len(b) < vfdDataFixed {
		return VFDData{}, fmt.Errorf("wire: vfd data: %w", ErrTruncated)
	}
	hdr, _ := ParseHeader(b)
	count := binary.LittleEndian.Uint32(b[12:16])
	idsEnd := vfdDataFixed + 4*int(count)
	if count > uint32(len(b)) || idsEnd > len(b) {
		return VFDData{}, fmt.Errorf("wire: vfd data claims %d attached ids in %d bytes: %w",
			count, len(b), ErrTruncated)
	}
	ids := make([]uint32, count)
	for i := range ids {
		ids[i] = binary.LittleEndian.Uint32(b[vfdDataFixed+4*i:])
	}
	return VFDData{
		Hdr:  hdr,
		ID:   binary.LittleEndian.Uint32(b[8:12]),
		IDs:  ids,
		Data: b[idsEnd:],
	}, nil
}

// Host error statuses mapped to local errors.
var (
	ErrHost         = errors.New("wire: host reported failure") // device no longer reliable
	ErrOutOfMemory  = errors.New("wire: host out of memory")
	ErrInvalidID    = errors.New("wire: invalid id")
	ErrInvalidType  = errors.New("wire: invalid type")
	ErrInvalidFlags = errors.New("wire: invalid flags")
	ErrInvalidCmd   = errors.New("wire: invalid command")
	ErrProtocol     = errors.New("wire: protocol violation")
)

// RespError translates a response status into a local error; OK statuses
// map to nil.
func RespError(status uint32) error {
	switch status {
	case RespOK, RespVFDNew:
		return nil
	case RespErr:
		return ErrHost
	case RespOutOfMemory:
		return ErrOutOfMemory
	case RespInvalidID:
		return ErrInvalidID
	case RespInvalidType:
		return ErrInvalidType
	case RespInvalidFlags:
		return ErrInvalidFlags
	case RespInvalidCmd:
		return ErrInvalidCmd
	default:
		return fmt.Errorf("%w: unknown response status %#x", ErrProtocol, status)
	}
}
