//go:build linux

package bus

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

const (
	i2cRdwrIOCTL = 0x0707 // I2C_RDWR: combined transactions with a repeated start
	i2cMsgRD     = 0x0001 // i2c_msg.flags: read direction
	maxOpsPerSec = 200    // firmware frames are large; keep well under typical bus saturation
)

// i2cMsg mirrors struct i2c_msg from linux/i2c.h.
type i2cMsg struct {
	addr   uint16
	flags  uint16
	length uint16
	_pad   uint16
	buf    uintptr
}

// i2cRdwrData mirrors struct i2c_rdwr_ioctl_data from linux/i2c-dev.h.
type i2cRdwrData struct {
	msgs  uintptr
	nmsgs uint32
}

// LinuxBus talks to a real I²C adapter through /dev/i2c-N using the
// I2C_RDWR ioctl for every transaction, so every read gets the repeated
// start the pi-top MCUs require between writing a register number and
// reading its value.
type LinuxBus struct {
	mu      sync.Mutex
	fd      int
	limiter *rate.Limiter
}

// OpenLinuxBus opens the I²C adapter at devPath (typically "/dev/i2c-1").
func OpenLinuxBus(devPath string) (*LinuxBus, error) {
	fd, err := unix.Open(devPath, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("bus: open %s: %w", devPath, err)
	}
	return &LinuxBus{
		fd:      fd,
		limiter: rate.NewLimiter(rate.Limit(maxOpsPerSec), 4),
	}, nil
}

// Close releases the underlying file descriptor.
func (b *LinuxBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fd < 0 {
		return nil
	}
	err := unix.Close(b.fd)
	b.fd = -1
	return err
}

// WriteBytes sends data to addr as a single I²C_RDWR write message.
func (b *LinuxBus) WriteBytes(ctx context.Context, addr uint16, data []byte) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(data) == 0 {
		return nil
	}
	msgs := [1]i2cMsg{
		{addr: addr, flags: 0, length: uint16(len(data)), buf: uintptr(unsafe.Pointer(&data[0]))},
	}
	return b.doRdwr(msgs[:])
}

// ReadBytes writes reg, then reads len(out) bytes with a repeated start.
func (b *LinuxBus) ReadBytes(ctx context.Context, addr uint16, reg byte, out []byte) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	wbuf := [1]byte{reg}
	if len(out) == 0 {
		return nil
	}
	msgs := [2]i2cMsg{
		{addr: addr, flags: 0, length: 1, buf: uintptr(unsafe.Pointer(&wbuf[0]))},
		{addr: addr, flags: i2cMsgRD, length: uint16(len(out)), buf: uintptr(unsafe.Pointer(&out[0]))},
	}
	return b.doRdwr(msgs[:])
}

// Probe attempts a one-byte read from addr with no register selector; a
// device that acknowledges the address is considered present. Unlike
// WriteBytes and ReadBytes, Probe does not wait on the rate limiter.
func (b *LinuxBus) Probe(ctx context.Context, addr uint16) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	var scratch [1]byte
	msgs := [1]i2cMsg{
		{addr: addr, flags: i2cMsgRD, length: 1, buf: uintptr(unsafe.Pointer(&scratch[0]))},
	}
	return b.doRdwr(msgs[:]) == nil
}

func (b *LinuxBus) doRdwr(msgs []i2cMsg) error {
	if b.fd < 0 {
		return fmt.Errorf("bus: not open")
	}
	rdwr := i2cRdwrData{msgs: uintptr(unsafe.Pointer(&msgs[0])), nmsgs: uint32(len(msgs))}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(b.fd), i2cRdwrIOCTL, uintptr(unsafe.Pointer(&rdwr))); errno != 0 {
		return fmt.Errorf("bus: I2C_RDWR: %w", errno)
	}
	return nil
}
