// pt-firmware-checker runs the scheduler daemon: it periodically probes
// every known firmware-upgradable peripheral, looks for newer firmware
// under the firmware root, and drives an update in-process when one is
// found. Grounded on pt_fw_updater/__main__.py (flag surface, exit-code
// policy) and pt_fw_updater/check.py (the loop itself, via
// internal/scheduler). The cobra command shape follows
// yunpub-munifying/cmd and jacobsalmela-ex-bootstrap/cmd; the
// run()-returns-error split mirrors google-periph's cmd/i2c-list.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pi-top/pi-top-Firmware-Updater/internal/bus"
	"github.com/pi-top/pi-top-Firmware-Updater/internal/cli"
	"github.com/pi-top/pi-top-Firmware-Updater/internal/config"
	"github.com/pi-top/pi-top-Firmware-Updater/internal/lock"
	"github.com/pi-top/pi-top-Firmware-Updater/internal/notify"
	"github.com/pi-top/pi-top-Firmware-Updater/internal/scheduler"
)

const i2cDevicePath = "/dev/i2c-1"

// portalUnit is the systemd unit whose active/enabled state decides
// whether the scheduler should wait for its readiness breadcrumb at all.
const portalUnit = "pt-os-web-portal"

// portalServiceActiveOrEnabled reports whether the web portal unit is
// active or enabled, exactly as wait_for_pt_web_portal_if_required checks
// before deciding there is anything to wait for at all. A host with the
// portal never installed (systemctl erroring, not just reporting
// inactive) has nothing to wait for either.
func portalServiceActiveOrEnabled() bool {
	return systemctlStateIs("is-active", "active") || systemctlStateIs("is-enabled", "enabled")
}

func systemctlStateIs(query, want string) bool {
	out, _ := exec.Command("systemctl", query, portalUnit).Output()
	return strings.TrimSpace(string(out)) == want
}

var flags struct {
	force          bool
	loopTime       int
	waitTimeout    int
	maxWaitTimeout int
	verbose        bool
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pt-firmware-checker",
		Short: "Watch pi-top peripherals for newer firmware and update them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	cmd.Flags().BoolVar(&flags.force, "force", false, "run a single pass immediately, skipping the portal-ready wait and user prompt")
	cmd.Flags().IntVar(&flags.loopTime, "loop-time", 3, "seconds between sweeps (1-300)")
	cmd.Flags().IntVar(&flags.waitTimeout, "wait-timeout", 300, "seconds to wait for the portal-ready breadcrumb before proceeding (0-999)")
	cmd.Flags().IntVar(&flags.maxWaitTimeout, "max-wait-timeout", 3600, "seconds to wait when the extend-timeout breadcrumb is present (0-9999)")
	cmd.Flags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")
	return cmd
}

func run() error {
	if flags.verbose {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	// Host check first: an unsupported host exits 0 regardless of uid,
	// matching handle_exit_cases's ordering in the original.
	if !config.HostSupported() {
		fmt.Fprintln(os.Stderr, "pt-firmware-checker: unsupported host, nothing to do")
		return nil
	}
	if !config.IsRoot() {
		return fmt.Errorf("must run as root")
	}

	cfg, err := config.LoadOverlay(config.Default(), "")
	if err != nil {
		return fmt.Errorf("loading config overlay: %w", err)
	}
	cfg.Force = flags.force

	b, err := bus.OpenLinuxBus(i2cDevicePath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", i2cDevicePath, err)
	}
	defer b.Close()

	devices := make([]scheduler.KnownDevice, 0, len(config.OrderedDeviceNames))
	for _, name := range config.OrderedDeviceNames {
		devices = append(devices, scheduler.KnownDevice{Name: name, Addr: config.DeviceAddress[name]})
	}

	engine := &cli.Engine{
		NewLocker: func(name string) cli.Locker { return lock.New(name) },
		Notifier:  notify.New(notify.NewDesktopSink("notify-send")),
	}

	s := scheduler.New(b, devices, engine)
	s.FirmwareRoot = cfg.FirmwareRoot
	s.StagingRoot = cfg.StagingRoot
	s.Force = cfg.Force
	s.LoopTime = time.Duration(flags.loopTime) * time.Second
	s.WaitTimeout = time.Duration(flags.waitTimeout) * time.Second
	s.MaxWaitTimeout = time.Duration(flags.maxWaitTimeout) * time.Second
	s.NewLocker = func(name string) scheduler.Locker { return lock.New(name) }
	s.PortalWaitNeeded = portalServiceActiveOrEnabled

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pt-firmware-checker: %s\n", err)
		os.Exit(1)
	}
}
