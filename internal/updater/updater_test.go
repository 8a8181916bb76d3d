package updater

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pi-top/pi-top-Firmware-Updater/internal/bus"
	"github.com/pi-top/pi-top-Firmware-Updater/internal/device"
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

func newFakeDevice(t *testing.T, fb *bus.FakeBus, name firmware.DeviceName) *device.Device {
	t.Helper()
	d := device.New(fb, 0x10, name)
	d.SendPacketInterval = 0
	return d
}

func seedVersion(fb *bus.FakeBus, major, minor, schematic byte) {
	fb.SeedReply(0x10, regMCUSoftVersMajor, []byte{major})
	fb.SeedReply(0x10, regMCUSoftVersMinor, []byte{minor})
	fb.SeedReply(0x10, regSchRevMajor, []byte{schematic})
}

func writeFirmwareFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestStageRejectsNonNewerFirmware(t *testing.T) {
	fb := bus.NewFakeBus()
	seedVersion(fb, 5, 0, 1)
	notPending := packet.MakeVerifyReply(false)
	fb.SeedReply(0x10, regCheckFwOkay, notPending[:])

	dev := newFakeDevice(t, fb, firmware.DeviceHub)
	u := New(dev, t.TempDir())

	path := writeFirmwareFile(t, "pt4_hub-v5.0-sch1-release.bin", []byte{0x01})
	candidate := firmware.FromFile(path)

	err := u.Stage(context.Background(), candidate, false)
	if err == nil {
		t.Fatal("expected Stage to reject a non-newer candidate")
	}
}

func TestStageAcceptsNewerFirmware(t *testing.T) {
	fb := bus.NewFakeBus()
	seedVersion(fb, 5, 0, 1)
	notPending := packet.MakeVerifyReply(false)
	fb.SeedReply(0x10, regCheckFwOkay, notPending[:])

	dev := newFakeDevice(t, fb, firmware.DeviceHub)
	u := New(dev, t.TempDir())

	path := writeFirmwareFile(t, "pt4_hub-v6.0-sch1-release.bin", []byte{0x01, 0x02})
	candidate := firmware.FromFile(path)

	if err := u.Stage(context.Background(), candidate, false); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if !u.HasStagedUpdates() {
		t.Fatal("expected HasStagedUpdates to be true after a successful stage")
	}
}

func TestStageRejectsWhenUpdateAlreadyPending(t *testing.T) {
	fb := bus.NewFakeBus()
	seedVersion(fb, 5, 0, 1)
	pending := packet.MakeVerifyReply(true)
	fb.SeedReply(0x10, regCheckFwOkay, pending[:])

	dev := newFakeDevice(t, fb, firmware.DeviceHub)
	u := New(dev, t.TempDir())

	path := writeFirmwareFile(t, "pt4_hub-v6.0-sch1-release.bin", []byte{0x01})
	candidate := firmware.FromFile(path)

	err := u.Stage(context.Background(), candidate, false)
	if err == nil {
		t.Fatal("expected Stage to refuse staging while an update is pending")
	}
}

func TestStageForceSkipsVerification(t *testing.T) {
	fb := bus.NewFakeBus()
	seedVersion(fb, 9, 0, 1)
	notPending := packet.MakeVerifyReply(false)
	fb.SeedReply(0x10, regCheckFwOkay, notPending[:])

	dev := newFakeDevice(t, fb, firmware.DeviceHub)
	u := New(dev, t.TempDir())

	// Older version than the device, which would fail normal verification.
	path := writeFirmwareFile(t, "pt4_hub-v1.0-sch1-release.bin", []byte{0x01})
	candidate := firmware.FromFile(path)

	if err := u.Stage(context.Background(), candidate, true); err != nil {
		t.Fatalf("Stage with force=true: %v", err)
	}
}

func TestInstallHubDeviceSkipsResetAndRequiresRestart(t *testing.T) {
	fb := bus.NewFakeBus()
	seedVersion(fb, 5, 0, 1) // before-install read
	notPending := packet.MakeVerifyReply(false)
	fb.SeedReply(0x10, regCheckFwOkay, notPending[:])

	dev := newFakeDevice(t, fb, firmware.DeviceHub)
	u := New(dev, t.TempDir())

	path := writeFirmwareFile(t, "pt4_hub-v6.0-sch1-release.bin", make([]byte, 10))
	candidate := firmware.FromFile(path)
	if err := u.Stage(context.Background(), candidate, false); err != nil {
		t.Fatalf("Stage: %v", err)
	}

	seedVersion(fb, 5, 0, 1)                            // Install's own "before" read
	fb.SeedReply(0x10, regFwUpdateSchema, []byte{0x01}) // schema irrelevant: hub always skips reset

	success, requiresRestart, err := u.Install(context.Background(), nil)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if !success || !requiresRestart {
		t.Fatalf("Install = (%v, %v), want (true, true) for a hub device", success, requiresRestart)
	}

	// Hub devices never get reset: only the start register and one data
	// register should have been written. fb.Ops also records reads, so
	// only the write transactions are counted.
	var writes []bus.Op
	for _, op := range fb.Ops {
		if op.Write != nil {
			writes = append(writes, op)
		}
	}
	if len(writes) != 2 {
		t.Fatalf("expected exactly 2 writes (start+1 data frame), got %d: %#v", len(writes), writes)
	}
}

func TestInstallNonHubDeviceResetsAndVerifiesSuccess(t *testing.T) {
	fb := bus.NewFakeBus()
	seedVersion(fb, 1, 0, 2) // before-install read
	notPending := packet.MakeVerifyReply(false)
	fb.SeedReply(0x10, regCheckFwOkay, notPending[:])

	dev := newFakeDevice(t, fb, firmware.DeviceFoundationPlate)
	u := New(dev, t.TempDir())

	path := writeFirmwareFile(t, "pt4_foundation_plate-v1.1-sch2-release.bin", make([]byte, 5))
	candidate := firmware.FromFile(path)
	if err := u.Stage(context.Background(), candidate, false); err != nil {
		t.Fatalf("Stage: %v", err)
	}

	seedVersion(fb, 1, 0, 2)                            // Install's own "before" read
	fb.SeedReply(0x10, regFwUpdateSchema, []byte{0x01}) // non-zero: this device reboots itself
	seedVersion(fb, 1, 1, 2)                            // after-reset read reports the new version

	success, requiresRestart, err := u.Install(context.Background(), nil)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if requiresRestart {
		t.Fatal("expected requiresRestart=false for a self-rebooting device")
	}
	if !success {
		t.Fatal("expected success=true when post-reset version increased")
	}
}

func TestInstallNonHubDeviceDetectsFailure(t *testing.T) {
	fb := bus.NewFakeBus()
	seedVersion(fb, 1, 0, 2)
	notPending := packet.MakeVerifyReply(false)
	fb.SeedReply(0x10, regCheckFwOkay, notPending[:])

	dev := newFakeDevice(t, fb, firmware.DeviceFoundationPlate)
	u := New(dev, t.TempDir())

	path := writeFirmwareFile(t, "pt4_foundation_plate-v1.1-sch2-release.bin", make([]byte, 5))
	candidate := firmware.FromFile(path)
	if err := u.Stage(context.Background(), candidate, false); err != nil {
		t.Fatalf("Stage: %v", err)
	}

	seedVersion(fb, 1, 0, 2) // Install's own "before" read
	fb.SeedReply(0x10, regFwUpdateSchema, []byte{0x01})
	seedVersion(fb, 1, 0, 2) // after-reset version unchanged: update did not take

	success, _, err := u.Install(context.Background(), nil)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if success {
		t.Fatal("expected success=false when post-reset version did not increase")
	}
}

func TestInstallProgressReportsCompletion(t *testing.T) {
	fb := bus.NewFakeBus()
	seedVersion(fb, 5, 0, 1)
	notPending := packet.MakeVerifyReply(false)
	fb.SeedReply(0x10, regCheckFwOkay, notPending[:])

	dev := newFakeDevice(t, fb, firmware.DeviceHub)
	u := New(dev, t.TempDir())

	path := writeFirmwareFile(t, "pt4_hub-v6.0-sch1-release.bin", make([]byte, 3))
	candidate := firmware.FromFile(path)
	if err := u.Stage(context.Background(), candidate, false); err != nil {
		t.Fatalf("Stage: %v", err)
	}

	seedVersion(fb, 5, 0, 1) // Install's own "before" read
	fb.SeedReply(0x10, regFwUpdateSchema, []byte{0x00})

	var last float64
	_, _, err := u.Install(context.Background(), func(p float64) { last = p })
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if last != 100 {
		t.Fatalf("final progress = %v, want 100", last)
	}
}
