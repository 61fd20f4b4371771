// Package vqwire implements the driver side of a paired-queue host
// transport: a command queue for guest-initiated operations and an
// event queue the host fills. Virtual file descriptors are the unit of
// sharing between the two sides; each carries a device-unique handle
// and supports message passing with handle attachment.
package vqwire

import (
	"log/slog"

	"github.com/vqwire/vqwire/internal/guest"
	"github.com/vqwire/vqwire/internal/handles"
	"github.com/vqwire/vqwire/internal/hostsim"
	"github.com/vqwire/vqwire/internal/vring"
	"github.com/vqwire/vqwire/internal/vrpc"
	"github.com/vqwire/vqwire/internal/wire"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from the internal packages
// -----------------------------------------------------------------------------

// Device owns a device instance's rings, handle table and workers.
type Device = guest.Device

// VFD is a virtual file descriptor shared with the host.
type VFD = guest.VFD

// Config describes a device instance; see LoadConfig.
type Config = guest.Config

// Ring is the transport primitive a device runs over.
type Ring = vring.Ring

// VFD access flags.
const (
	FlagRead        = wire.FlagRead
	FlagWrite       = wire.FlagWrite
	FlagAutoRelease = wire.FlagAutoRelease
)

// Common sentinel errors.
var (
	ErrBusy         = vring.ErrBusy
	ErrBroken       = vring.ErrBroken
	ErrOutOfMemory  = vring.ErrOutOfMemory
	ErrOutOfHandles = handles.ErrOutOfHandles
	ErrInterrupted  = vrpc.ErrInterrupted
	ErrClosed       = guest.ErrClosed
	ErrDeviceClosed = guest.ErrDeviceClosed
	ErrNotReadable  = guest.ErrNotReadable
	ErrNotWritable  = guest.ErrNotWritable
)

// Open wires a device over a negotiated pair of rings and starts its
// workers. The zero Config takes defaults.
func Open(cfg Config, cmdRing, evtRing Ring, log *slog.Logger) (*Device, error) {
	return guest.Open(cfg, cmdRing, evtRing, log)
}

// LoadConfig reads a device configuration from a YAML file.
func LoadConfig(path string) (Config, error) {
	return guest.LoadConfig(path)
}

// Loopback is an in-process device: an echoing host simulator wired to
// a driver over in-memory rings. Intended for tests and benchmarks.
type Loopback struct {
	Device *Device

	host *hostsim.Host
}

// NewLoopback opens a loopback device. Payloads sent on any VFD are
// delivered back to it as receive events.
func NewLoopback(cfg Config, log *slog.Logger) (*Loopback, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cmdRing := vring.NewMemRing(cfg.QueueSize)
	evtRing := vring.NewMemRing(cfg.QueueSize)

	host := hostsim.New(cmdRing, evtRing, log)
	host.SetEcho(true)
	host.Start()

	dev, err := guest.Open(cfg, cmdRing, evtRing, log)
	if err != nil {
		host.Close()
		return nil, err
	}
	return &Loopback{Device: dev, host: host}, nil
}

func (l *Loopback) Close() error {
	err := l.Device.Close()
	if herr := l.host.Close(); err == nil {
		err = herr
	}
	return err
}
