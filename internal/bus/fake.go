package bus

import (
	"context"
	"fmt"
	"sync"
)

// Op records a single WriteBytes or ReadBytes transaction against a
// FakeBus, for tests that want to assert on exactly what was sent.
type Op struct {
	Addr  uint16
	Reg   byte
	Write []byte
	Read  []byte
}

// FakeBus is an in-memory Bus double modeled on periph's i2ctest.Record:
// it services ReadBytes from a pre-seeded reply queue keyed by (addr, reg)
// and appends every transaction to Ops for later inspection.
type FakeBus struct {
	mu sync.Mutex

	// Replies holds canned responses for ReadBytes, consumed FIFO per key.
	Replies map[replyKey][][]byte

	// Present restricts which addresses Probe acknowledges. A nil map
	// means every address probes true.
	Present map[uint16]bool

	Ops []Op

	// FailNextWrite/FailNextRead let a test inject a single transient bus
	// error, mirroring how real hardware occasionally NACKs.
	FailNextWrite error
	FailNextRead  error
}

type replyKey struct {
	addr uint16
	reg  byte
}

// NewFakeBus returns an empty FakeBus ready to be seeded with replies.
func NewFakeBus() *FakeBus {
	return &FakeBus{Replies: map[replyKey][][]byte{}}
}

// SeedReply queues data to be returned by the next ReadBytes(addr, reg, ...)
// of matching length.
func (f *FakeBus) SeedReply(addr uint16, reg byte, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := replyKey{addr, reg}
	f.Replies[k] = append(f.Replies[k], data)
}

func (f *FakeBus) WriteBytes(ctx context.Context, addr uint16, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailNextWrite != nil {
		err := f.FailNextWrite
		f.FailNextWrite = nil
		return err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.Ops = append(f.Ops, Op{Addr: addr, Write: cp})
	return nil
}

func (f *FakeBus) ReadBytes(ctx context.Context, addr uint16, reg byte, out []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailNextRead != nil {
		err := f.FailNextRead
		f.FailNextRead = nil
		return err
	}
	k := replyKey{addr, reg}
	queue := f.Replies[k]
	if len(queue) == 0 {
		return fmt.Errorf("bus: fake bus has no queued reply for addr=%#x reg=%#x", addr, reg)
	}
	reply := queue[0]
	f.Replies[k] = queue[1:]
	if len(reply) != len(out) {
		return fmt.Errorf("bus: queued reply length %d does not match requested %d", len(reply), len(out))
	}
	copy(out, reply)
	f.Ops = append(f.Ops, Op{Addr: addr, Reg: reg, Read: append([]byte(nil), reply...)})
	return nil
}

func (f *FakeBus) Probe(ctx context.Context, addr uint16) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Present == nil {
		return true
	}
	return f.Present[addr]
}

func (f *FakeBus) Close() error { return nil }
