// Package scheduler implements the top-level detection loop: wait for an
// external readiness gate, then repeatedly probe known device addresses,
// look for newer firmware, and hand off to internal/cli for any device
// that needs updating. Grounded on pt_fw_updater/check.py.
package scheduler

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pi-top/pi-top-Firmware-Updater/internal/bus"
	"github.com/pi-top/pi-top-Firmware-Updater/internal/cli"
	"github.com/pi-top/pi-top-Firmware-Updater/internal/device"
	"github.com/pi-top/pi-top-Firmware-Updater/internal/firmware"
)

const (
	readyBreadcrumb         = "/tmp/.com.pi-top.pt-os-web-portal.pt-firmware-updater.ready"
	extendTimeoutBreadcrumb = "/tmp/.com.pi-top.pt-os-web-portal.pt-firmware-updater.extend-timeout"

	pollInterval = time.Second
)

// KnownDevice pairs a device identity with the I²C address it is expected
// to answer on, mirroring FirmwareDevice.device_info.
type KnownDevice struct {
	Name firmware.DeviceName
	Addr uint16
}

// Locker is the non-blocking probe half of *lock.Locker: just enough for
// the Scheduler to check whether another process already owns a device
// before doing any work, mirroring PTLock.is_locked() in check.py.
type Locker interface {
	IsLocked() (bool, error)
}

// bookkeeping is one device's entry in the SchedulerTable from spec.md §3:
// the session-lifetime notified flag and the set of firmware paths already
// evaluated (and thus never re-parsed) this connection.
type bookkeeping struct {
	notifiedThisSession bool
	seenPaths           map[string]bool
	cachedDevice        *device.Device
}

// Scheduler owns SchedulerTable bookkeeping as fields of a single
// long-lived value, per spec.md §9 ("process-wide caches... become fields
// of a single long-lived scheduler value").
type Scheduler struct {
	Bus          bus.Bus
	Devices      []KnownDevice
	FirmwareRoot string
	StagingRoot  string

	LoopTime         time.Duration
	WaitTimeout      time.Duration
	MaxWaitTimeout   time.Duration
	Force            bool
	PortalWaitNeeded func() bool // nil means "never wait"

	// NewLocker builds the per-device lock probe checkAndUpdate consults
	// before doing any work, per PTLock(device_enum.name) in check.py; nil
	// skips the check, so no device is ever skipped for a held lock.
	NewLocker func(name string) Locker

	// ReadyBreadcrumbPath/ExtendTimeoutBreadcrumbPath override the default
	// breadcrumb locations; tests substitute a private directory instead
	// of touching the real /tmp paths pt-os-web-portal uses.
	ReadyBreadcrumbPath         string
	ExtendTimeoutBreadcrumbPath string

	// PollInterval overrides the 1 Hz portal-wait polling cadence; tests
	// shrink it so a multi-hundred-"second" wait scenario runs fast.
	PollInterval time.Duration

	Engine *cli.Engine
	Logger *slog.Logger

	table map[firmware.DeviceName]*bookkeeping
}

// New returns a Scheduler ready to Run. Engine must be non-nil; it is
// what actually carries out a device's stage/install/notify sequence.
func New(b bus.Bus, devices []KnownDevice, engine *cli.Engine) *Scheduler {
	return &Scheduler{
		Bus:     b,
		Devices: devices,
		Engine:  engine,
		table:   make(map[firmware.DeviceName]*bookkeeping),
	}
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Scheduler) entry(name firmware.DeviceName) *bookkeeping {
	e, ok := s.table[name]
	if !ok {
		e = &bookkeeping{seenPaths: map[string]bool{}}
		s.table[name] = e
	}
	return e
}

// Run executes the scheduler's main loop: an optional portal-ready wait,
// then repeated probe/stage/trigger sweeps every LoopTime, until ctx is
// canceled. When Force is set it performs exactly one sweep and returns.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.Force {
		s.waitForPortalIfRequired(ctx)
	}

	for {
		s.sweep(ctx)
		if s.Force {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.loopTime()):
		}
	}
}

func (s *Scheduler) loopTime() time.Duration {
	if s.LoopTime <= 0 {
		return 30 * time.Second
	}
	return s.LoopTime
}

// waitForPortalIfRequired blocks, polling at 1 Hz, until the ready
// breadcrumb appears or the (possibly extended) timeout elapses. It never
// returns an error: a timed-out wait is logged and the scheduler proceeds
// anyway, matching spec.md §7's TimedOut policy.
func (s *Scheduler) waitForPortalIfRequired(ctx context.Context) {
	if s.PortalWaitNeeded == nil || !s.PortalWaitNeeded() {
		s.logger().Info("nothing to wait for, continuing")
		return
	}

	logger := s.logger()
	var waited time.Duration
	wasExtended := breadcrumbExists(s.extendTimeoutBreadcrumbPath())

	for waited <= s.maxWaitTimeout() {
		isExtended := breadcrumbExists(s.extendTimeoutBreadcrumbPath())
		if isExtended && !wasExtended {
			logger.Info("extending timeout: using max-wait-timeout, not wait-timeout")
		}

		if waited <= s.waitTimeout() || isExtended {
			if breadcrumbExists(s.readyBreadcrumbPath()) {
				logger.Info("found ready breadcrumb", "waited", waited)
				return
			}
		} else {
			logger.Info("wait time expired and no extend-timeout breadcrumb was set")
			return
		}

		wasExtended = isExtended
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.pollInterval()):
		}
		waited += s.pollInterval()
	}
	logger.Info("portal did not report ready before timing out")
}

func (s *Scheduler) pollInterval() time.Duration {
	if s.PollInterval <= 0 {
		return pollInterval
	}
	return s.PollInterval
}

func (s *Scheduler) readyBreadcrumbPath() string {
	if s.ReadyBreadcrumbPath == "" {
		return readyBreadcrumb
	}
	return s.ReadyBreadcrumbPath
}

func (s *Scheduler) extendTimeoutBreadcrumbPath() string {
	if s.ExtendTimeoutBreadcrumbPath == "" {
		return extendTimeoutBreadcrumb
	}
	return s.ExtendTimeoutBreadcrumbPath
}

func (s *Scheduler) waitTimeout() time.Duration {
	if s.WaitTimeout <= 0 {
		return 300 * time.Second
	}
	return s.WaitTimeout
}

func (s *Scheduler) maxWaitTimeout() time.Duration {
	if s.MaxWaitTimeout <= 0 {
		return 3600 * time.Second
	}
	return s.MaxWaitTimeout
}

func breadcrumbExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// sweep performs one pass over every known device: probe, skip rules,
// discover-and-trigger. Per-device errors are logged at warning level and
// never abort the sweep.
func (s *Scheduler) sweep(ctx context.Context) {
	for _, known := range s.Devices {
		logger := s.logger().With("device", known.Name)
		present := s.Bus.Probe(ctx, known.Addr)
		if !present {
			s.forgetDevice(known.Name)
			continue
		}

		entry := s.entry(known.Name)
		if entry.notifiedThisSession {
			continue
		}

		if err := s.checkAndUpdate(ctx, known, entry); err != nil {
			logger.Warn("check and update failed", "err", err)
		}
	}
}

// forgetDevice clears a device's bookkeeping the moment it stops
// answering on the bus, per spec.md §9's disconnect-reset design note.
func (s *Scheduler) forgetDevice(name firmware.DeviceName) {
	delete(s.table, name)
}

func (s *Scheduler) checkAndUpdate(ctx context.Context, known KnownDevice, entry *bookkeeping) error {
	if locker := s.locker(known.Name); locker != nil {
		locked, err := locker.IsLocked()
		if err != nil {
			return err
		}
		if locked {
			s.logger().With("device", known.Name).Warn("already running an operation on this device, skipping")
			return nil
		}
	}

	if entry.cachedDevice == nil {
		entry.cachedDevice = device.New(s.Bus, known.Addr, known.Name)
	}
	dev := entry.cachedDevice

	current, err := firmware.FromDevice(dev)
	if err != nil {
		return err
	}

	dir := filepath.Join(s.firmwareRoot(), string(known.Name))
	candidate, found := firmware.NewestCandidate(dir, current, func(path string) bool {
		return entry.seenPaths[path]
	})
	// NewestCandidate only considers unseen paths, but every path it
	// examined (accepted or not) should count as evaluated so a
	// rejected file is never re-parsed on the next sweep.
	s.markDirSeen(dir, entry)
	if !found {
		return nil
	}

	_, _, err = s.Engine.Run(ctx, dev, cli.Options{
		Device:       known.Name,
		Path:         candidate.Path,
		FirmwareRoot: s.firmwareRoot(),
		StagingRoot:  s.StagingRoot,
		Force:        s.Force,
		// A forced pass (e.g. a one-shot "--force" invocation) installs
		// immediately; the normal polling loop asks first, matching
		// check.py's forced flow omitting --notify-user.
		NotifyUser: !s.Force,
	})
	// A triggered run counts against this session regardless of outcome,
	// matching run_firmware_updater's unconditional bookkeeping append:
	// a failed attempt is retried on the next disconnect/reconnect, not
	// on the next sweep of the same session.
	entry.notifiedThisSession = true
	return err
}

func (s *Scheduler) markDirSeen(dir string, entry *bookkeeping) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		entry.seenPaths[filepath.Join(dir, e.Name())] = true
	}
}

func (s *Scheduler) locker(name firmware.DeviceName) Locker {
	if s.NewLocker == nil {
		return nil
	}
	return s.NewLocker(string(name))
}

func (s *Scheduler) firmwareRoot() string {
	if s.FirmwareRoot == "" {
		return "/lib/firmware/pi-top/"
	}
	return s.FirmwareRoot
}
