package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pi-top/pi-top-Firmware-Updater/internal/bus"
	"github.com/pi-top/pi-top-Firmware-Updater/internal/cli"
	"github.com/pi-top/pi-top-Firmware-Updater/internal/firmware"
	"github.com/pi-top/pi-top-Firmware-Updater/internal/packet"
)

const (
	regMCUSoftVersMajor = 0xE0
	regMCUSoftVersMinor = 0xE1
	regSchRevMajor      = 0xE2
	regCheckFwOkay      = 0x03
	regFwUpdateSchema   = 0xE7
)

func seedVersion(fb *bus.FakeBus, addr uint16, major, minor, schematic byte) {
	fb.SeedReply(addr, regMCUSoftVersMajor, []byte{major})
	fb.SeedReply(addr, regMCUSoftVersMinor, []byte{minor})
	fb.SeedReply(addr, regSchRevMajor, []byte{schematic})
}

func writeFirmwareFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestSweepSkipsAbsentDevice(t *testing.T) {
	fb := bus.NewFakeBus()
	fb.Present = map[uint16]bool{0x10: false}
	s := New(fb, []KnownDevice{{Name: firmware.DeviceHub, Addr: 0x10}}, &cli.Engine{})

	s.sweep(context.Background())
	if len(fb.Ops) != 0 {
		t.Fatalf("expected no register traffic for an absent device, got %#v", fb.Ops)
	}
}

func TestSweepClearsBookkeepingOnDisconnect(t *testing.T) {
	fb := bus.NewFakeBus()
	fb.Present = map[uint16]bool{0x10: true}
	s := New(fb, []KnownDevice{{Name: firmware.DeviceHub, Addr: 0x10}}, &cli.Engine{})
	s.entry(firmware.DeviceHub).notifiedThisSession = true

	fb.Present[0x10] = false
	s.sweep(context.Background())

	if _, ok := s.table[firmware.DeviceHub]; ok {
		t.Fatal("expected bookkeeping to be cleared once the device stops answering")
	}
}

type fakeLocker struct {
	locked bool
	err    error
}

func (f fakeLocker) IsLocked() (bool, error) { return f.locked, f.err }

func TestSweepSkipsDeviceWithLockAlreadyHeld(t *testing.T) {
	fb := bus.NewFakeBus()
	fb.Present = map[uint16]bool{0x10: true}
	s := New(fb, []KnownDevice{{Name: firmware.DeviceHub, Addr: 0x10}}, &cli.Engine{})
	s.NewLocker = func(name string) Locker { return fakeLocker{locked: true} }

	s.sweep(context.Background())

	if len(fb.Ops) != 0 {
		t.Fatalf("expected no register traffic for a device whose lock is already held, got %#v", fb.Ops)
	}
	if s.entry(firmware.DeviceHub).notifiedThisSession {
		t.Fatal("expected a lock-skipped device not to be marked notified")
	}
}

func TestSweepProceedsWhenLockIsFree(t *testing.T) {
	fb := bus.NewFakeBus()
	fb.Present = map[uint16]bool{0x10: true}
	seedVersion(fb, 0x10, 5, 0, 1)
	s := New(fb, []KnownDevice{{Name: firmware.DeviceHub, Addr: 0x10}}, &cli.Engine{})
	s.NewLocker = func(name string) Locker { return fakeLocker{locked: false} }
	s.FirmwareRoot = t.TempDir()

	s.sweep(context.Background())

	if len(fb.Ops) == 0 {
		t.Fatal("expected the device to be probed once its lock is reported free")
	}
}

func TestSweepSkipsDeviceAlreadyNotifiedThisSession(t *testing.T) {
	fb := bus.NewFakeBus()
	fb.Present = map[uint16]bool{0x10: true}
	s := New(fb, []KnownDevice{{Name: firmware.DeviceHub, Addr: 0x10}}, &cli.Engine{})
	s.entry(firmware.DeviceHub).notifiedThisSession = true

	s.sweep(context.Background())
	if len(fb.Ops) != 0 {
		t.Fatalf("expected no further work for an already-notified device, got %#v", fb.Ops)
	}
}

func TestSweepTriggersUpdateForNewerFirmware(t *testing.T) {
	fb := bus.NewFakeBus()
	fb.Present = map[uint16]bool{0x10: true}
	seedVersion(fb, 0x10, 5, 0, 1)
	notPending := packet.MakeVerifyReply(false)
	fb.SeedReply(0x10, regCheckFwOkay, notPending[:])

	root := t.TempDir()
	writeFirmwareFile(t, filepath.Join(root, "pt4_hub"), "pt4_hub-v6.0-sch1-release.bin", 10)

	seedVersion(fb, 0x10, 5, 0, 1) // Engine.Run -> Stage's own current-device read
	seedVersion(fb, 0x10, 5, 0, 1) // Engine.Run -> Install's own "before" read
	fb.SeedReply(0x10, regFwUpdateSchema, []byte{0x01})

	s := New(fb, []KnownDevice{{Name: firmware.DeviceHub, Addr: 0x10}}, &cli.Engine{})
	s.FirmwareRoot = root
	s.StagingRoot = t.TempDir()

	s.sweep(context.Background())

	if !s.entry(firmware.DeviceHub).notifiedThisSession {
		t.Fatal("expected the device to be marked notified after a triggered update")
	}
}

func TestSweepDoesNotRetriggerAfterFailedAttemptThisSession(t *testing.T) {
	fb := bus.NewFakeBus()
	fb.Present = map[uint16]bool{0x10: true}
	seedVersion(fb, 0x10, 5, 0, 1)
	// No second seeded batch and no regCheckFwOkay reply: Engine.Run's call
	// into Stage will fail trying to re-read the device's current firmware,
	// so the triggered attempt itself errors out.

	root := t.TempDir()
	writeFirmwareFile(t, filepath.Join(root, "pt4_hub"), "pt4_hub-v6.0-sch1-release.bin", 10)

	s := New(fb, []KnownDevice{{Name: firmware.DeviceHub, Addr: 0x10}}, &cli.Engine{})
	s.FirmwareRoot = root
	s.StagingRoot = t.TempDir()

	s.sweep(context.Background())

	if !s.entry(firmware.DeviceHub).notifiedThisSession {
		t.Fatal("expected notifiedThisSession to be set even when the triggered run errors")
	}
}

func TestWaitForPortalSkipsWhenNotNeeded(t *testing.T) {
	s := &Scheduler{PortalWaitNeeded: func() bool { return false }}
	start := time.Now()
	s.waitForPortalIfRequired(context.Background())
	if time.Since(start) > 50*time.Millisecond {
		t.Fatal("expected an immediate return when PortalWaitNeeded is false")
	}
}

func TestWaitForPortalReturnsOnceReadyBreadcrumbAppears(t *testing.T) {
	dir := t.TempDir()
	ready := filepath.Join(dir, "ready")
	if err := os.WriteFile(ready, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s := &Scheduler{
		PortalWaitNeeded:            func() bool { return true },
		ReadyBreadcrumbPath:         ready,
		ExtendTimeoutBreadcrumbPath: filepath.Join(dir, "extend"),
		WaitTimeout:                 30 * time.Millisecond,
		MaxWaitTimeout:              60 * time.Millisecond,
		PollInterval:                time.Millisecond,
	}
	start := time.Now()
	s.waitForPortalIfRequired(context.Background())
	if time.Since(start) > 50*time.Millisecond {
		t.Fatal("expected the wait to return promptly once the ready breadcrumb exists")
	}
}

func TestWaitForPortalExtendsPastWaitTimeoutWhenExtendBreadcrumbPresent(t *testing.T) {
	dir := t.TempDir()
	ready := filepath.Join(dir, "ready")
	extend := filepath.Join(dir, "extend")
	if err := os.WriteFile(extend, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s := &Scheduler{
		PortalWaitNeeded:            func() bool { return true },
		ReadyBreadcrumbPath:         ready,
		ExtendTimeoutBreadcrumbPath: extend,
		WaitTimeout:                 5 * time.Millisecond,
		MaxWaitTimeout:              40 * time.Millisecond,
		PollInterval:                time.Millisecond,
	}

	go func() {
		time.Sleep(15 * time.Millisecond)
		os.WriteFile(ready, nil, 0o644)
	}()

	start := time.Now()
	s.waitForPortalIfRequired(context.Background())
	elapsed := time.Since(start)
	if elapsed < 15*time.Millisecond {
		t.Fatalf("expected the wait to extend past WaitTimeout, returned after %v", elapsed)
	}
	if elapsed > 40*time.Millisecond {
		t.Fatalf("expected the wait to stop once the ready breadcrumb appeared, took %v", elapsed)
	}
}

func TestRunSinglePassWhenForced(t *testing.T) {
	fb := bus.NewFakeBus()
	fb.Present = map[uint16]bool{0x10: false}
	s := New(fb, []KnownDevice{{Name: firmware.DeviceHub, Addr: 0x10}}, &cli.Engine{})
	s.Force = true

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return promptly in forced single-pass mode")
	}
}
