package wire

import (
	"errors"
	"testing"
)

func TestVFDNewRoundTrip(t *testing.T) {
	in := VFDNew{
		Hdr:   Header{Type: CmdVFDNew, Flags: 0},
		ID:    7,
		Flags: FlagRead | FlagWrite,
		PFN:   0x1234,
		Size:  4096,
	}

	out, err := ParseVFDNew(in.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Fatalf("got %+v, want %+v", out, in)
	}
}

func TestVFDDataRoundTrip(t *testing.T) {
	in := VFDData{
		Hdr:  Header{Type: CmdVFDSend},
		ID:   3,
		IDs:  []uint32{9, HostIDBit | 2},
		Data: []byte("hello"),
	}

	out, err := ParseVFDData(in.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if out.ID != in.ID {
		t.Fatalf("id: got %d, want %d", out.ID, in.ID)
	}
	if len(out.IDs) != 2 || out.IDs[0] != 9 || out.IDs[1] != HostIDBit|2 {
		t.Fatalf("ids: got %v", out.IDs)
	}
	if string(out.Data) != "hello" {
		t.Fatalf("data: got %q", out.Data)
	}
}

func TestVFDDataNoAttachments(t *testing.T) {
	in := VFDData{Hdr: Header{Type: CmdVFDRecv}, ID: 1, Data: []byte{0xab}}
	out, err := ParseVFDData(in.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if len(out.IDs) != 0 || len(out.Data) != 1 || out.Data[0] != 0xab {
		t.Fatalf("got %+v", out)
	}
}

func TestVFDDataBogusCount(t *testing.T) {
	in := VFDData{Hdr: Header{Type: CmdVFDRecv}, ID: 1}
	b := in.Encode()
	// Claim more ids than the buffer can hold.
	b[12] = 0xff
	b[13] = 0xff
	if _, err := ParseVFDData(b); !errors.Is(err, ErrTruncated) {
		t.Fatalf("got %v, want ErrTruncated", err)
	}
}

func TestParseTruncated(t *testing.T) {
	if _, err := ParseHeader([]byte{1, 2}); !errors.Is(err, ErrTruncated) {
		t.Fatalf("header: got %v", err)
	}
	if _, err := ParseVFD(make([]byte, VFDSize-1)); !errors.Is(err, ErrTruncated) {
		t.Fatalf("vfd: got %v", err)
	}
	if _, err := ParseVFDNew(make([]byte, VFDNewSize-1)); !errors.Is(err, ErrTruncated) {
		t.Fatalf("vfd new: got %v", err)
	}
}

func TestRespError(t *testing.T) {
	if err := RespError(RespOK); err != nil {
		t.Fatalf("ok: got %v", err)
	}
	if err := RespError(RespVFDNew); err != nil {
		t.Fatalf("vfd new: got %v", err)
	}
	if err := RespError(RespInvalidID); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("invalid id: got %v", err)
	}
	if err := RespError(RespOutOfMemory); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("oom: got %v", err)
	}
	if err := RespError(0xdead); !errors.Is(err, ErrProtocol) {
		t.Fatalf("unknown: got %v", err)
	}
}
