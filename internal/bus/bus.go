// Package bus defines the I²C transport the firmware updater talks over,
// and provides both a real Linux ioctl-backed implementation and an
// in-memory fake for tests.
package bus

import "context"

// Bus is the interface a concrete I²C transport must implement. It is
// narrower than periph's conn/i2c.Bus: this updater only ever does a
// blind write or a combined write-then-read against a single slave
// address, and besides Probe never reads without a register selector.
type Bus interface {
	// WriteBytes sends data to addr in a single I²C write transaction.
	WriteBytes(ctx context.Context, addr uint16, data []byte) error

	// ReadBytes writes reg to addr, then reads len(out) bytes back from the
	// same address with a repeated start, filling out in place.
	ReadBytes(ctx context.Context, addr uint16, reg byte, out []byte) error

	// Probe reports whether a device acknowledges its address, without
	// assuming anything about its register layout.
	Probe(ctx context.Context, addr uint16) bool
}

// Closer is a Bus that owns an underlying file descriptor or handle.
type Closer interface {
	Bus
	Close() error
}
