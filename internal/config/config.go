// Package config collects the process-wide tunables both binaries share:
// roots, timeouts, and the privilege/host checks spec.md §6 requires
// before any update work starts. Grounded on pt_fw_updater/__main__.py's
// handle_exit_cases and on jacobsalmela-ex-bootstrap's pattern of
// unmarshalling an optional YAML file on top of flag-seeded defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pi-top/pi-top-Firmware-Updater/internal/firmware"
)

// Defaults, per spec.md §6.
const (
	DefaultFirmwareRoot       = "/lib/firmware/pi-top/"
	DefaultStagingRoot        = "/tmp/pt-firmware-updater/bin/"
	DefaultSendPacketInterval = 100 * time.Millisecond
	DefaultLoopTime           = 3 * time.Second
	DefaultWaitTimeout        = 300 * time.Second
	DefaultMaxWaitTimeout     = 3600 * time.Second
)

// supportedHostModel is the device-tree model string this updater's
// hardware targets apply to; device_type() in the original reads the same
// identifier from a vendor package this repo has no source for, so this
// reads /proc/device-tree/model directly, the usual place that string
// comes from on Raspberry Pi derived boards.
const supportedHostModel = "pi-top [4]"

const deviceTreeModelPath = "/proc/device-tree/model"

// Config carries the tunable values from the defaults and the optional
// overlay. The cmd/ entrypoints bind their flags into their own flags
// structs, not into Config; from Config they read only FirmwareRoot and
// StagingRoot (the checker also stores its --force value in Force). The
// timing fields are not read by either entrypoint.
type Config struct {
	FirmwareRoot       string        `yaml:"firmware_root"`
	StagingRoot        string        `yaml:"staging_root"`
	SendPacketInterval time.Duration `yaml:"send_packet_interval"`
	LoopTime           time.Duration `yaml:"loop_time"`
	WaitTimeout        time.Duration `yaml:"wait_timeout"`
	MaxWaitTimeout     time.Duration `yaml:"max_wait_timeout"`
	Force              bool          `yaml:"-"`
}

// Default returns a Config populated with spec.md §6's defaults.
func Default() Config {
	return Config{
		FirmwareRoot:       DefaultFirmwareRoot,
		StagingRoot:        DefaultStagingRoot,
		SendPacketInterval: DefaultSendPacketInterval,
		LoopTime:           DefaultLoopTime,
		WaitTimeout:        DefaultWaitTimeout,
		MaxWaitTimeout:     DefaultMaxWaitTimeout,
	}
}

// yamlDuration accepts the same strings time.ParseDuration does (e.g.
// "5s", "100ms"); yaml.v3 has no built-in notion of time.Duration and
// would otherwise only accept a bare integer nanosecond count.
type yamlDuration time.Duration

func (d *yamlDuration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = yamlDuration(parsed)
	return nil
}

// overlay is the on-disk shape accepted at OverlayPath; it mirrors Config
// but every field stays optional, so a partial file only touches the keys
// it mentions.
type overlay struct {
	FirmwareRoot       *string       `yaml:"firmware_root"`
	StagingRoot        *string       `yaml:"staging_root"`
	SendPacketInterval *yamlDuration `yaml:"send_packet_interval"`
	LoopTime           *yamlDuration `yaml:"loop_time"`
	WaitTimeout        *yamlDuration `yaml:"wait_timeout"`
	MaxWaitTimeout     *yamlDuration `yaml:"max_wait_timeout"`
}

// OverlayPath is where a site-wide override file may live. A missing file
// is not an error; a malformed one is.
const OverlayPath = "/etc/pi-top/fw-updater.yaml"

// LoadOverlay reads path (OverlayPath by default when path is empty) and
// merges any keys it sets onto cfg, returning the merged result. A
// missing file returns cfg unchanged and a nil error.
func LoadOverlay(cfg Config, path string) (Config, error) {
	if path == "" {
		path = OverlayPath
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var ov overlay
	if err := yaml.Unmarshal(raw, &ov); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if ov.FirmwareRoot != nil {
		cfg.FirmwareRoot = *ov.FirmwareRoot
	}
	if ov.StagingRoot != nil {
		cfg.StagingRoot = *ov.StagingRoot
	}
	if ov.SendPacketInterval != nil {
		cfg.SendPacketInterval = time.Duration(*ov.SendPacketInterval)
	}
	if ov.LoopTime != nil {
		cfg.LoopTime = time.Duration(*ov.LoopTime)
	}
	if ov.WaitTimeout != nil {
		cfg.WaitTimeout = time.Duration(*ov.WaitTimeout)
	}
	if ov.MaxWaitTimeout != nil {
		cfg.MaxWaitTimeout = time.Duration(*ov.MaxWaitTimeout)
	}
	return cfg, nil
}

// IsRoot reports whether the current process has uid 0, per spec.md §6's
// "must run as uid 0" requirement.
func IsRoot() bool {
	return os.Geteuid() == 0
}

// HostSupported reports whether the current machine identifies itself as
// the hardware this updater targets.
func HostSupported() bool {
	raw, err := os.ReadFile(deviceTreeModelPath)
	if err != nil {
		return false
	}
	return strings.Contains(strings.TrimRight(string(raw), "\x00\n"), supportedHostModel)
}

// DeviceAddress is the fixed I²C address a known device answers on. The
// real table lives in FirmwareDevice.device_info, a vendor package this
// repo has no source for; these follow the same low 0x1x range every
// other pi-top peripheral in the retrieved examples uses.
var DeviceAddress = map[firmware.DeviceName]uint16{
	firmware.DeviceHub:             0x10,
	firmware.DeviceFoundationPlate: 0x11,
	firmware.DeviceExpansionPlate:  0x12,
}

// OrderedDeviceNames lists every known device in a fixed, deterministic
// order, for building a scheduler's device table and for flag validation.
var OrderedDeviceNames = []firmware.DeviceName{
	firmware.DeviceHub,
	firmware.DeviceFoundationPlate,
	firmware.DeviceExpansionPlate,
}
