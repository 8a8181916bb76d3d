// Package device implements the FwDevice facade: the typed register map
// pi-top firmware-upgradable MCUs expose over I²C, narrowed from periph's
// mmr.Dev8 shape to the handful of registers this updater actually uses.
package device

import (
	"context"
	"fmt"
	"time"

	"github.com/pi-top/pi-top-Firmware-Updater/internal/bus"
	"github.com/pi-top/pi-top-Firmware-Updater/internal/firmware"
)

// Register addresses, lifted from the DeviceInfo register map shared by
// every pi-top v4 firmware-upgradable peripheral.
const (
	// RegUpgradeStart and RegUpgradePacket are exported: internal/updater
	// addresses them directly when driving SendPacket.
	RegUpgradeStart  = 0x01
	RegUpgradePacket = 0x02

	regCheckFwOkay  = 0x03
	regGetFwVersion = 0x04

	regMCUSoftVersMajor = 0xE0
	regMCUSoftVersMinor = 0xE1
	regSchRevMajor      = 0xE2
	// regFwUpdateSchema continues the 0xE0-range ID block; the firmware
	// update schema version was not present in the retrieved register map,
	// so this follows the same numbering pattern as its neighbours.
	regFwUpdateSchema = 0xE7

	// regReset and cmdReset are a dedicated command register/value pair;
	// the real reset mechanism lives in a vendor package this repo doesn't
	// have source for, so this follows the single-byte command-register
	// convention the rest of DeviceInfo uses.
	regReset = 0xF0
	cmdReset = 0x01
)

// defaultSendPacketInterval is the settling delay the original applies
// between writing a register and trusting the MCU has processed it.
const defaultSendPacketInterval = 100 * time.Millisecond

// Device is the register-level facade over one firmware-upgradable MCU
// sitting on an I²C bus, analogous to a narrowed mmr.Dev8.
type Device struct {
	Bus  bus.Bus
	Addr uint16

	// DeviceLabel is the closed-set device name this MCU identifies as;
	// exposed through the Name() method to satisfy
	// firmware.DeviceInfoProvider.
	DeviceLabel firmware.DeviceName

	// SendPacketInterval is the pause after every register write, matching
	// the original's I2CDevice delay configuration.
	SendPacketInterval time.Duration
}

// New returns a Device bound to addr on the given bus.
func New(b bus.Bus, addr uint16, name firmware.DeviceName) *Device {
	return &Device{Bus: b, Addr: addr, DeviceLabel: name, SendPacketInterval: defaultSendPacketInterval}
}

// SendPacket writes a single framed packet (as built by internal/framer)
// to reg, then sleeps for SendPacketInterval to let the MCU catch up.
func (d *Device) SendPacket(ctx context.Context, reg byte, packet []byte) error {
	body := append([]byte{reg}, packet...)
	if err := d.Bus.WriteBytes(ctx, d.Addr, body); err != nil {
		return fmt.Errorf("device: writing to register %#x: %w", reg, err)
	}
	if d.SendPacketInterval > 0 {
		select {
		case <-time.After(d.SendPacketInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// GetCheckFwOkay reads the 8-byte verify reply left by the MCU after a
// transfer, for internal/packet.ParseVerifyReply to interpret.
func (d *Device) GetCheckFwOkay(ctx context.Context) ([8]byte, error) {
	var out [8]byte
	if err := d.Bus.ReadBytes(ctx, d.Addr, regCheckFwOkay, out[:]); err != nil {
		return out, fmt.Errorf("device: reading FW_CHECK_OK: %w", err)
	}
	return out, nil
}

func (d *Device) readUint8(ctx context.Context, reg byte) (uint8, error) {
	var out [1]byte
	if err := d.Bus.ReadBytes(ctx, d.Addr, reg, out[:]); err != nil {
		return 0, fmt.Errorf("device: reading register %#x: %w", reg, err)
	}
	return out[0], nil
}

// MCUSoftwareVersionMajor reads the running firmware's major version byte.
func (d *Device) MCUSoftwareVersionMajor(ctx context.Context) (uint8, error) {
	return d.readUint8(ctx, regMCUSoftVersMajor)
}

// MCUSoftwareVersionMinor reads the running firmware's minor version byte.
func (d *Device) MCUSoftwareVersionMinor(ctx context.Context) (uint8, error) {
	return d.readUint8(ctx, regMCUSoftVersMinor)
}

// SchematicVersionMajorReg reads the board's schematic revision register.
func (d *Device) SchematicVersionMajorReg(ctx context.Context) (uint8, error) {
	return d.readUint8(ctx, regSchRevMajor)
}

// FirmwareVersion assembles the two version registers into a
// firmware.Version, implementing firmware.DeviceInfoProvider.
func (d *Device) FirmwareVersion() (firmware.Version, error) {
	ctx := context.Background()
	major, err := d.MCUSoftwareVersionMajor(ctx)
	if err != nil {
		return firmware.Version{}, err
	}
	minor, err := d.MCUSoftwareVersionMinor(ctx)
	if err != nil {
		return firmware.Version{}, err
	}
	return firmware.Version{Major: int(major), Minor: int(minor)}, nil
}

// Name implements firmware.DeviceInfoProvider.
func (d *Device) Name() firmware.DeviceName { return d.DeviceLabel }

// SchematicVersionMajor implements firmware.DeviceInfoProvider.
func (d *Device) SchematicVersionMajor() (int, error) {
	v, err := d.SchematicVersionMajorReg(context.Background())
	return int(v), err
}

// HasExtendedBuildInfo reports false: this register map, grounded on
// DeviceInfo in the original firmware_device.py, never exposed the
// is-release/build-timestamp registers some newer MCU firmware carries.
func (d *Device) HasExtendedBuildInfo() bool { return false }

// IsReleaseBuild is unreachable while HasExtendedBuildInfo is false.
func (d *Device) IsReleaseBuild() (bool, error) {
	return false, fmt.Errorf("device: %s does not expose extended build info", d.DeviceLabel)
}

// RawBuildTimestamp is unreachable while HasExtendedBuildInfo is false.
func (d *Device) RawBuildTimestamp() (uint64, error) {
	return 0, fmt.Errorf("device: %s does not expose extended build info", d.DeviceLabel)
}

// FwVersionUpdateSchema reports which generation of the update protocol
// the MCU implements; schema 0 devices never reboot on their own after a
// transfer, so the updater must treat a successful transfer as the whole
// story rather than waiting for a version bump.
func (d *Device) FwVersionUpdateSchema(ctx context.Context) (int, error) {
	v, err := d.readUint8(ctx, regFwUpdateSchema)
	return int(v), err
}

// Reset asks the MCU to restart, applying the staged firmware.
func (d *Device) Reset(ctx context.Context) error {
	if err := d.Bus.WriteBytes(ctx, d.Addr, []byte{regReset, cmdReset}); err != nil {
		return fmt.Errorf("device: resetting %s: %w", d.DeviceLabel, err)
	}
	return nil
}
