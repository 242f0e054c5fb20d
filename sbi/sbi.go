// Package sbi models the Supervisor Binary Interface calls a hart uses
// to talk to the platform firmware: setting the next timer interrupt,
// console I/O, shutdown, and starting a secondary hart. The surface is
// an interface rather than inline assembly since this kernel runs its
// harts as goroutines over a host process, not bare metal.
package sbi

import "context"

// Caller is the SBI surface a hart's run loop uses. A real backend would
// issue the corresponding `ecall`; this kernel's only backend is a
// simulated one (see Sim) used by cmd/kernel's boot path and by tests.
type Caller interface {
	// SetTimer arms the next supervisor timer interrupt to fire at the
	// given absolute tick count.
	SetTimer(ctx context.Context, deadline uint64) error
	// ConsolePutchar writes one byte to the console.
	ConsolePutchar(ctx context.Context, c byte) error
	// ConsoleGetchar reads one byte from the console, or ok=false if
	// none is currently available (the SBI call returns -1 in that case).
	ConsoleGetchar(ctx context.Context) (c byte, ok bool, err error)
	// Shutdown powers the platform off. It does not return on success.
	Shutdown(ctx context.Context) error
	// HartStart brings up a secondary hart at startAddr with opaque
	// handed to it as its boot argument, the HSM-extension call shape.
	HartStart(ctx context.Context, hartID int, startAddr uint64, opaque uint64) error
}

// DeviceTree is the subset of platform discovery this kernel needs:
// the hart count and the MMIO windows vm.NewKernel must identity-map.
type DeviceTree interface {
	SMP() int
	MMIOWindows() [][2]uint64
}

// StaticDeviceTree is a DeviceTree backed by fixed values, the
// equivalent of a parsed-once QEMU `virt` machine device tree blob.
type StaticDeviceTree struct {
	HartCount int
	MMIO      [][2]uint64
}

// SMP returns the configured hart count.
func (d StaticDeviceTree) SMP() int { return d.HartCount }

// MMIOWindows returns the configured MMIO ranges.
func (d StaticDeviceTree) MMIOWindows() [][2]uint64 { return d.MMIO }
