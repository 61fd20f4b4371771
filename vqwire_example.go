//go:build ignore

// This file demonstrates the public API of the vqwire package.
// It is excluded from the build and serves as a reference and compile-time check.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	vqwire "github.com/vqwire/vqwire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// =========================================================================
	// Loopback - in-process device with an echoing host
	// =========================================================================
	lb, err := vqwire.NewLoopback(vqwire.Config{Name: "demo0"}, nil)
	if err != nil {
		return fmt.Errorf("open loopback: %w", err)
	}
	defer lb.Close()

	dev := lb.Device

	// =========================================================================
	// NewVFD - allocate a handle backed by the host
	// =========================================================================
	v, err := dev.NewVFD(ctx, vqwire.FlagRead|vqwire.FlagWrite, 0)
	if err != nil {
		return fmt.Errorf("new vfd: %w", err)
	}

	_ = v.ID()         // device-unique handle
	_ = v.Flags()      // access flags
	_ = v.Size()       // shared region size, if any
	_ = v.HostIssued() // whether the host allocated the handle
	_ = v.Readable()   // poll-style readiness check
	_ = v.HungUp()     // end-of-stream flag

	// =========================================================================
	// Send / Recv - message passing with handle attachment
	// =========================================================================
	passed, err := dev.NewVFD(ctx, vqwire.FlagRead, 0)
	if err != nil {
		return fmt.Errorf("new vfd: %w", err)
	}

	if err := v.Send(ctx, []byte("hello"), []*vqwire.VFD{passed}); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	buf := make([]byte, 64)
	n, attached, err := v.Recv(ctx, buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("recv: %w", err)
	}
	fmt.Printf("received %q with %d attached handles\n", buf[:n], len(attached))

	// =========================================================================
	// Device accessors
	// =========================================================================
	_ = dev.Handles() // snapshot of registered handle ids
	_ = dev.Pending() // commands awaiting completion
	_ = dev.Broken()  // transport health

	if _, ok := dev.Lookup(v.ID()); !ok {
		return fmt.Errorf("lookup failed")
	}

	// =========================================================================
	// Teardown - VFDs first, then the device
	// =========================================================================
	if err := passed.Close(); err != nil {
		return fmt.Errorf("close vfd: %w", err)
	}
	if err := v.Close(); err != nil {
		return fmt.Errorf("close vfd: %w", err)
	}
	return nil
}
