// pt-firmware-updater updates a single named peripheral on an operator's
// request. pt-firmware-checker does not run this binary: its scheduler
// calls the same internal/cli.Engine in-process.
// Grounded on pt_fw_updater/update.py::main for the flag surface and
// control flow; the actual stage/prompt/lock/install sequence lives in
// internal/cli.Engine.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pi-top/pi-top-Firmware-Updater/internal/bus"
	"github.com/pi-top/pi-top-Firmware-Updater/internal/cli"
	"github.com/pi-top/pi-top-Firmware-Updater/internal/config"
	"github.com/pi-top/pi-top-Firmware-Updater/internal/device"
	"github.com/pi-top/pi-top-Firmware-Updater/internal/firmware"
	"github.com/pi-top/pi-top-Firmware-Updater/internal/lock"
	"github.com/pi-top/pi-top-Firmware-Updater/internal/notify"
)

const i2cDevicePath = "/dev/i2c-1"

var flags struct {
	force      bool
	interval   float64
	path       string
	notifyUser bool
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pt-firmware-updater <device>",
		Short: "Update firmware on a single pi-top peripheral",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(firmware.DeviceName(args[0]))
		},
	}
	cmd.Flags().BoolVar(&flags.force, "force", false, "install even if the candidate is not newer than the running firmware")
	cmd.Flags().Float64Var(&flags.interval, "interval", 0.1, "seconds to pause between wire packets")
	cmd.Flags().StringVar(&flags.path, "path", "", "firmware file to install; empty auto-discovers under the firmware root")
	cmd.Flags().BoolVar(&flags.notifyUser, "notify-user", false, "prompt and report progress through desktop notifications")
	return cmd
}

func run(name firmware.DeviceName) error {
	if !firmware.IsKnownDeviceName(name) {
		return fmt.Errorf("unknown device %q", name)
	}
	if !config.HostSupported() {
		fmt.Fprintln(os.Stderr, "pt-firmware-updater: unsupported host, nothing to do")
		return nil
	}
	if !config.IsRoot() {
		return fmt.Errorf("must run as root")
	}

	cfg, err := config.LoadOverlay(config.Default(), "")
	if err != nil {
		return fmt.Errorf("loading config overlay: %w", err)
	}

	addr, ok := config.DeviceAddress[name]
	if !ok {
		return fmt.Errorf("no known I²C address for %s", name)
	}

	b, err := bus.OpenLinuxBus(i2cDevicePath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", i2cDevicePath, err)
	}
	defer b.Close()

	if !b.Probe(context.Background(), addr) {
		return fmt.Errorf("%s did not respond at address %#x", name, addr)
	}

	dev := device.New(b, addr, name)

	var notifier *notify.Notifier
	var confirm cli.ConfirmFunc
	if flags.notifyUser {
		notifier = notify.New(notify.NewDesktopSink("notify-send"))
		confirm = promptViaStdin
	}

	engine := &cli.Engine{
		NewLocker: func(n string) cli.Locker { return lock.New(n) },
		Notifier:  notifier,
		Confirm:   confirm,
	}

	opts := cli.Options{
		Device:       name,
		Path:         flags.path,
		FirmwareRoot: cfg.FirmwareRoot,
		StagingRoot:  cfg.StagingRoot,
		Force:        flags.force,
		NotifyUser:   flags.notifyUser,
	}
	if flags.interval > 0 {
		opts.SendPacketInterval = time.Duration(flags.interval * float64(time.Second))
	}

	success, _, err := engine.Run(context.Background(), dev, opts)
	if err != nil {
		return err
	}
	if !success {
		return fmt.Errorf("update did not complete")
	}
	return nil
}

// promptViaStdin is the headless-terminal stand-in for the desktop
// notification's own accept/decline action: it is only reached when
// --notify-user is set and nobody wired a richer Confirm.
func promptViaStdin(ctx context.Context, dev firmware.DeviceName) (bool, error) {
	fmt.Printf("Update available for %s. Proceed? [y/N] ", dev)
	var answer string
	fmt.Scanln(&answer)
	return answer == "y" || answer == "Y", nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pt-firmware-updater: %s\n", err)
		os.Exit(1)
	}
}
