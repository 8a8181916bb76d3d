// Package firmware parses and compares firmware file descriptors: the
// metadata a staged binary (or a connected device) carries about what it
// is and whether it is newer than what is already running.
package firmware

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DeviceName identifies one of the closed set of firmware-upgradable
// peripherals this updater knows about.
type DeviceName string

// The full set of recognised device names. Unlike periph's driver
// registry, this set is fixed at compile time: pi-top hardware does not
// grow new device classes without a new release of this binary.
const (
	DeviceHub             DeviceName = "pt4_hub"
	DeviceFoundationPlate DeviceName = "pt4_foundation_plate"
	DeviceExpansionPlate  DeviceName = "pt4_expansion_plate"
)

// knownDeviceNames mirrors FirmwareDeviceID._member_names_ in the Python
// original: a filename whose device field isn't in this set is rejected.
var knownDeviceNames = map[DeviceName]bool{
	DeviceHub:             true,
	DeviceFoundationPlate: true,
	DeviceExpansionPlate:  true,
}

// IsKnownDeviceName reports whether name is one of the enumerated device
// ids this updater recognises. Exported for flag validation in cmd/.
func IsKnownDeviceName(name DeviceName) bool {
	return knownDeviceNames[name]
}

// Version is a two-component firmware version, major.minor.
type Version struct {
	Major int
	Minor int
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Compare returns -1, 0 or 1 as v is less than, equal to, or greater than
// other.
func (v Version) Compare(other Version) int {
	if v.Major != other.Major {
		if v.Major < other.Major {
			return -1
		}
		return 1
	}
	if v.Minor != other.Minor {
		if v.Minor < other.Minor {
			return -1
		}
		return 1
	}
	return 0
}

// Descriptor describes one firmware image, either a staged file on disk or
// the firmware currently running on a connected device. A zero-value
// Descriptor with Error set to true carries no usable version information.
type Descriptor struct {
	Path             string
	Error            bool
	ErrorString      string
	DeviceName       DeviceName
	FirmwareVersion  Version
	SchematicVersion int
	IsRelease        *bool
	Timestamp        *uint64
}

func errDescriptor(path string, msg string) Descriptor {
	return Descriptor{Path: path, Error: true, ErrorString: msg}
}

// FromFile parses a firmware binary's filename against the grammar
//
//	<device_name>-v<major>.<minor>-sch<n>-<release|preview>[-<timestamp>].bin
//
// and returns a Descriptor describing it. A Descriptor with Error set is
// returned, never an error, for any malformed filename: callers that want
// to skip bad files inspect Error/ErrorString rather than handling a Go
// error, matching the tolerant, log-and-continue style of the device
// scanning loop this feeds.
func FromFile(path string) Descriptor {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return errDescriptor(path, "No file found")
	}

	if !strings.HasSuffix(path, ".bin") {
		return errDescriptor(path, "Not a .bin file")
	}

	base := filepath.Base(path)
	fields := strings.Split(strings.TrimSuffix(base, ".bin"), "-")
	if len(fields) < 4 {
		return errDescriptor(path, "Less than 4 dash-separated fields in filename")
	}

	deviceName := DeviceName(fields[0])
	if !knownDeviceNames[deviceName] {
		return errDescriptor(path, fmt.Sprintf("Invalid device name string: %s", fields[0]))
	}

	versionStr := strings.TrimPrefix(fields[1], "v")
	version, err := parseVersion(versionStr)
	if err != nil {
		return errDescriptor(path, fmt.Sprintf("Invalid firmware version string: %s", versionStr))
	}

	schStr := strings.TrimPrefix(fields[2], "sch")
	schematic, err := strconv.Atoi(schStr)
	if err != nil || schStr == "" || !isAllDigits(schStr) {
		return errDescriptor(path, fmt.Sprintf("Invalid schematic version string: %s", schStr))
	}

	releaseTypeStr := fields[3]
	if releaseTypeStr != "release" && releaseTypeStr != "preview" {
		return errDescriptor(path, fmt.Sprintf("Invalid release type string: %s", releaseTypeStr))
	}
	isRelease := releaseTypeStr == "release"

	var timestamp *uint64
	if len(fields) >= 5 {
		if !isAllDigits(fields[4]) {
			return errDescriptor(path, fmt.Sprintf("Invalid timestamp string: %s", fields[4]))
		}
		ts, err := strconv.ParseUint(fields[4], 10, 64)
		if err != nil {
			return errDescriptor(path, fmt.Sprintf("Invalid timestamp string: %s", fields[4]))
		}
		timestamp = &ts
	}

	return Descriptor{
		Path:             path,
		Error:            false,
		DeviceName:       deviceName,
		FirmwareVersion:  version,
		SchematicVersion: schematic,
		IsRelease:        &isRelease,
		Timestamp:        timestamp,
	}
}

// DeviceInfoProvider is the minimal view of a connected device needed to
// build a Descriptor describing its currently running firmware.
type DeviceInfoProvider interface {
	Name() DeviceName
	FirmwareVersion() (Version, error)
	SchematicVersionMajor() (int, error)
	HasExtendedBuildInfo() bool
	IsReleaseBuild() (bool, error)
	RawBuildTimestamp() (uint64, error)
}

// FromDevice builds a Descriptor from a connected device's own
// self-reported version registers; IsRelease and Timestamp stay nil on
// devices whose firmware predates the extended build-info registers.
func FromDevice(dev DeviceInfoProvider) (Descriptor, error) {
	version, err := dev.FirmwareVersion()
	if err != nil {
		return Descriptor{}, fmt.Errorf("firmware: reading device firmware version: %w", err)
	}
	schematic, err := dev.SchematicVersionMajor()
	if err != nil {
		return Descriptor{}, fmt.Errorf("firmware: reading device schematic version: %w", err)
	}

	d := Descriptor{
		DeviceName:       dev.Name(),
		FirmwareVersion:  version,
		SchematicVersion: schematic,
	}

	if dev.HasExtendedBuildInfo() {
		isRelease, err := dev.IsReleaseBuild()
		if err != nil {
			return Descriptor{}, fmt.Errorf("firmware: reading device release flag: %w", err)
		}
		ts, err := dev.RawBuildTimestamp()
		if err != nil {
			return Descriptor{}, fmt.Errorf("firmware: reading device build timestamp: %w", err)
		}
		d.IsRelease = &isRelease
		d.Timestamp = &ts
	}

	return d, nil
}

// Verify reports whether this descriptor is a usable candidate firmware
// for a device of the given name and schematic revision: it must have
// parsed cleanly and match both fields exactly.
func (d Descriptor) Verify(deviceName DeviceName, schematicVersion int) bool {
	if d.Error {
		return false
	}
	if d.DeviceName != deviceName {
		return false
	}
	if d.SchematicVersion != schematicVersion {
		return false
	}
	return true
}

// ErrUncomparable names the "cannot tell" case of comparing a descriptor
// that carries a parse error. Nothing in this module returns it: IsNewer
// folds that case into a false return, matching the Python original's tri-state
// None-as-unknown collapsing to a skip further up the call chain.
var ErrUncomparable = errors.New("firmware: descriptor carries a parse error")

// IsNewer reports whether candidate is a newer firmware than reference.
// reference is normally the descriptor for what a device is currently
// running; candidate is a staged file being considered for install.
//
// The comparison ladder, in order:
//
//  1. Either descriptor missing or carrying a parse error: not newer.
//  2. Higher major.minor version: newer. Lower: not newer.
//  3. Equal version, both carry a release flag, candidate is a release
//     build and reference is not: newer (promotions from a preview to a
//     release of the same version count as an upgrade).
//  4. Equal version, both carry a build timestamp and the candidate's is
//     strictly greater: newer. This step also applies when either has no
//     release flag.
//
// Anything not matched by the ladder is not newer.
func IsNewer(reference, candidate Descriptor) bool {
	if reference.Error || candidate.Error {
		return false
	}

	switch reference.FirmwareVersion.Compare(candidate.FirmwareVersion) {
	case -1:
		return true
	case 1:
		return false
	}

	if reference.IsRelease != nil {
		if candidate.IsRelease != nil && *candidate.IsRelease && !*reference.IsRelease {
			return true
		}
	}

	if reference.Timestamp != nil && candidate.Timestamp != nil {
		if *candidate.Timestamp > *reference.Timestamp {
			return true
		}
	}

	return false
}

// NewestCandidate scans dir for firmware files that verify against
// reference's device name and schematic version and are strictly newer
// than it, returning the newest one found. skip, if non-nil, is consulted
// with each file's path before it is parsed; a true result excludes that
// path without reconsidering it — the scheduler passes its per-device set
// of paths already evaluated since the device was last seen connected
// through skip so a candidate it has already rejected (or already queued)
// isn't re-parsed every sweep.
//
// Grounded on check.py's find_latest_firmware: scan a directory, verify
// each entry against the device's own identity, and keep the newest one
// that beats the device's current version.
func NewestCandidate(dir string, reference Descriptor, skip func(path string) bool) (Descriptor, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Descriptor{}, false
	}

	var best Descriptor
	found := false
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if skip != nil && skip(path) {
			continue
		}
		candidate := FromFile(path)
		if !candidate.Verify(reference.DeviceName, reference.SchematicVersion) {
			continue
		}
		if !IsNewer(reference, candidate) {
			continue
		}
		if !found || IsNewer(best, candidate) {
			best = candidate
			found = true
		}
	}
	return best, found
}

func parseVersion(s string) (Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 {
		return Version{}, fmt.Errorf("firmware: %q is not major.minor", s)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return Version{}, err
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return Version{}, err
	}
	return Version{Major: major, Minor: minor}, nil
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
