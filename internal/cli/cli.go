// Package cli implements the single-device update orchestration shared by
// the scheduler daemon and the standalone updater binary: stage a
// candidate, prompt for confirmation, take the device lock, install, and
// report the outcome through a Notifier. Grounded on
// pt_fw_updater/update.py::main, collapsed from a subordinate-process
// invocation into a direct in-process call per SPEC_FULL.md §4's C8/C9
// addition.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pi-top/pi-top-Firmware-Updater/internal/device"
	"github.com/pi-top/pi-top-Firmware-Updater/internal/firmware"
	"github.com/pi-top/pi-top-Firmware-Updater/internal/notify"
	"github.com/pi-top/pi-top-Firmware-Updater/internal/updater"
)

// ErrNoValidCandidate is returned by Run when auto-discovery finds no
// firmware file in FirmwareRoot that is both valid for the device and
// newer than what it is currently running.
var ErrNoValidCandidate = errors.New("cli: no valid candidate firmware found")

const defaultFirmwareRoot = "/lib/firmware/pi-top/"

// Locker is the subset of *lock.Locker this package needs, narrowed so
// tests can substitute an in-memory stand-in instead of real flock(2)
// files.
type Locker interface {
	Acquire() error
	Release() error
}

// ConfirmFunc asks the user whether to proceed with a staged update and
// reports their answer. It stands in for the original's blocking
// NotificationManager.notify_user(PROMPT, ...) round-trip, named only for
// its interface per spec.md §1's "Desktop-notification bus" collaborator.
// A nil ConfirmFunc always proceeds, matching a headless run where there
// is nobody to ask.
type ConfirmFunc func(ctx context.Context, device firmware.DeviceName) (bool, error)

// Options configures a single Run invocation.
type Options struct {
	Device             firmware.DeviceName
	Path               string // explicit firmware file; empty auto-discovers under FirmwareRoot
	FirmwareRoot       string
	StagingRoot        string
	Force              bool
	NotifyUser         bool
	SendPacketInterval time.Duration
}

// Engine wires together the collaborators a Run call needs: per-device
// locking, notification dispatch, and an optional interactive confirm
// step. A zero-value Engine runs with no locking and no notifications,
// which is useful for tests exercising just the staging/install path.
type Engine struct {
	NewLocker func(name string) Locker
	Notifier  *notify.Notifier
	Confirm   ConfirmFunc
	Logger    *slog.Logger
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Run stages, optionally confirms, locks, installs, and reports on an
// update for dev. It returns the same (success, requiresRestart) pair
// spec.md §6 documents as the process's exit-status encoding.
func (e *Engine) Run(ctx context.Context, dev *device.Device, opts Options) (success bool, requiresRestart bool, err error) {
	logger := e.logger().With("device", opts.Device)

	if opts.SendPacketInterval > 0 {
		dev.SendPacketInterval = opts.SendPacketInterval
	}

	path, err := e.resolvePath(dev, opts)
	if err != nil {
		return false, false, err
	}

	u := updater.New(dev, opts.StagingRoot)
	candidate := firmware.FromFile(path)
	if err := u.Stage(ctx, candidate, opts.Force); err != nil {
		return false, false, err
	}

	if opts.NotifyUser {
		accepted, err := e.promptAndWait(ctx, opts.Device)
		if err != nil {
			return false, false, fmt.Errorf("cli: prompting for confirmation: %w", err)
		}
		if !accepted {
			logger.Info("user declined update")
			return false, false, nil
		}
		e.notify(ctx, logger, notify.Ongoing, opts.Device)
	}

	locker := e.locker(opts.Device)
	if locker != nil {
		if err := locker.Acquire(); err != nil {
			return false, false, fmt.Errorf("cli: acquiring lock for %s: %w", opts.Device, err)
		}
		defer func() {
			if rerr := locker.Release(); rerr != nil {
				logger.Warn("releasing lock", "err", rerr)
			}
		}()
	}

	if !u.HasStagedUpdates() {
		return true, false, nil
	}

	success, requiresRestart, err = u.Install(ctx, nil)

	if opts.NotifyUser {
		kind := notify.Failure
		switch {
		case success && requiresRestart:
			kind = notify.SuccessRequiresRestart
		case success:
			kind = notify.Success
		}
		e.notify(ctx, logger, kind, opts.Device)
	}

	if err != nil {
		logger.Error("install failed", "err", err)
	}
	return success, requiresRestart, err
}

func (e *Engine) resolvePath(dev *device.Device, opts Options) (string, error) {
	if opts.Path != "" {
		if _, err := os.Stat(opts.Path); err != nil {
			return "", fmt.Errorf("cli: %s is not a valid file: %w", opts.Path, err)
		}
		return opts.Path, nil
	}

	root := opts.FirmwareRoot
	if root == "" {
		root = defaultFirmwareRoot
	}
	current, err := firmware.FromDevice(dev)
	if err != nil {
		return "", fmt.Errorf("cli: reading current device firmware: %w", err)
	}
	candidate, ok := firmware.NewestCandidate(filepath.Join(root, string(opts.Device)), current, nil)
	if !ok {
		return "", fmt.Errorf("%w for %s", ErrNoValidCandidate, opts.Device)
	}
	return candidate.Path, nil
}

func (e *Engine) promptAndWait(ctx context.Context, dev firmware.DeviceName) (bool, error) {
	e.notify(ctx, e.logger().With("device", dev), notify.Prompt, dev)
	if e.Confirm == nil {
		return true, nil
	}
	return e.Confirm(ctx, dev)
}

func (e *Engine) notify(ctx context.Context, logger *slog.Logger, kind notify.Kind, dev firmware.DeviceName) {
	if e.Notifier == nil {
		return
	}
	if err := e.Notifier.Notify(ctx, kind, dev); err != nil {
		logger.Warn("notification failed", "kind", kind, "err", err)
	}
}

func (e *Engine) locker(dev firmware.DeviceName) Locker {
	if e.NewLocker == nil {
		return nil
	}
	return e.NewLocker(string(dev))
}
