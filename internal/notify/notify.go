// Package notify turns an update state transition into a user-facing
// message and an optional set of actions, and dispatches it through a
// Sink. It is grounded on NotificationManager/MESSAGE_DATA in the
// original implementation: the message text and action table are
// reproduced as a pure function instead of a class-level dict.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/pi-top/pi-top-Firmware-Updater/internal/firmware"
)

// Kind enumerates the five update-lifecycle events a device can notify a
// user about.
type Kind int

const (
	Prompt Kind = iota
	Ongoing
	Success
	SuccessRequiresRestart
	Failure
)

func (k Kind) String() string {
	switch k {
	case Prompt:
		return "PROMPT"
	case Ongoing:
		return "ONGOING"
	case Success:
		return "SUCCESS"
	case SuccessRequiresRestart:
		return "SUCCESS_REQUIRES_RESTART"
	case Failure:
		return "FAILURE"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Title is the fixed title every notification is sent under.
const Title = "Firmware Device Update"

// Action is one call-to-action a user can trigger from a notification.
type Action struct {
	Text    string
	Command string
}

const (
	hubRebootCmd = "touch /tmp/.com.pi-top.pi-topd.pt-poweroff.reboot-on-shutdown && env SUDO_ASKPASS=/usr/lib/pt-firmware-updater/pwdptfu.sh sudo -A shutdown -h now"
	rebootCmd    = "env SUDO_ASKPASS=/usr/lib/pt-firmware-updater/pwdptfu.sh sudo -A reboot"
	fwUpdateCmd  = "echo OK"
)

var friendlyNames = map[firmware.DeviceName]string{
	firmware.DeviceHub:             "pi-top Hub",
	firmware.DeviceFoundationPlate: "Foundation Plate",
	firmware.DeviceExpansionPlate:  "Expansion Plate",
}

func friendlyName(device firmware.DeviceName) string {
	if n, ok := friendlyNames[device]; ok {
		return n
	}
	return string(device)
}

// Message renders the notification body for kind on device, matching the
// original's per-kind templates exactly.
func Message(kind Kind, device firmware.DeviceName) string {
	name := friendlyName(device)
	switch kind {
	case Success:
		return fmt.Sprintf("Your %s has been updated and is ready to use.", name)
	case SuccessRequiresRestart:
		if device == firmware.DeviceHub {
			return fmt.Sprintf("Reboot your %s to apply changes.", name)
		}
		return fmt.Sprintf("Disconnect and reconnect your\n%s to apply changes.", name)
	case Prompt:
		return fmt.Sprintf("There's a firmware update available\nfor your %s.", name)
	case Failure:
		return fmt.Sprintf(
			"A problem was encountered while attempting\n"+
				"to update your %s.\n"+
				"Please reboot and try again.\n"+
				"If you are repeatedly experiencing\n"+
				"this issue, please contact pi-top support.", name)
	case Ongoing:
		return fmt.Sprintf("Updating your %s.\nPlease wait for this to finish before\ncontinuing to use your device!", name)
	default:
		return ""
	}
}

// Icon returns the icon name the original's MESSAGE_DATA table pairs with
// kind.
func Icon(kind Kind) string {
	switch kind {
	case Success, SuccessRequiresRestart:
		return "vcs-normal"
	case Failure:
		return "messagebox_critical"
	default:
		return "messagebox_info"
	}
}

// Actions returns the actions a notification of this kind should offer on
// this device. Prompt offers "Update Now" on every device; a hub's
// SuccessRequiresRestart offers "Reboot Now" via a shutdown (the hub is
// the device the Pi itself plugs into, so a reboot of the Pi is how the
// hub re-applies firmware); every device's Failure offers a plain reboot.
func Actions(kind Kind, device firmware.DeviceName) []Action {
	switch kind {
	case Prompt:
		return []Action{{Text: "Update Now", Command: fwUpdateCmd}}
	case SuccessRequiresRestart:
		if device == firmware.DeviceHub {
			return []Action{{Text: "Reboot Now", Command: hubRebootCmd}}
		}
		return nil
	case Failure:
		return []Action{{Text: "Reboot Now", Command: rebootCmd}}
	default:
		return nil
	}
}

// CapturesID reports whether a sink should remember the notification ID
// returned for this kind, so a later kind for the same device can replace
// it in place rather than stacking a new toast.
func CapturesID(kind Kind) bool {
	switch kind {
	case Failure, Success, SuccessRequiresRestart:
		return false
	default:
		return true
	}
}

// Sink dispatches a rendered notification somewhere: a log, a desktop
// notification daemon, a test spy.
type Sink interface {
	Notify(ctx context.Context, kind Kind, device firmware.DeviceName, replaceID int) (id int, err error)
}

// Notifier renders and dispatches notifications through a Sink, tracking
// the last notification ID issued per device so repeated notifications of
// the same prompt replace rather than duplicate it — the
// __notification_ids bookkeeping from the original, keyed the same way.
// A terminal kind (success or failure) clears the device's tracked ID.
type Notifier struct {
	sink Sink
	ids  map[firmware.DeviceName]int
}

// New returns a Notifier dispatching through sink.
func New(sink Sink) *Notifier {
	return &Notifier{sink: sink, ids: map[firmware.DeviceName]int{}}
}

// Notify renders and sends a notification of kind for device.
func (n *Notifier) Notify(ctx context.Context, kind Kind, device firmware.DeviceName) error {
	replaceID, ok := n.ids[device]
	if !ok {
		replaceID = -1
	}
	id, err := n.sink.Notify(ctx, kind, device, replaceID)
	if err != nil {
		return fmt.Errorf("notify: %s for %s: %w", kind, device, err)
	}
	if CapturesID(kind) {
		n.ids[device] = id
	} else {
		delete(n.ids, device)
	}
	return nil
}

// LogSink renders notifications into structured log lines via log/slog.
// It never actually reaches a desktop: useful for headless runs and for
// the scheduler's own audit trail alongside whatever desktop sink is
// also wired in.
type LogSink struct {
	Logger *slog.Logger
}

// NewLogSink returns a LogSink writing through logger, or slog.Default()
// if logger is nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{Logger: logger}
}

func (s *LogSink) Notify(ctx context.Context, kind Kind, device firmware.DeviceName, replaceID int) (int, error) {
	s.Logger.Info("notifying user",
		"device", device,
		"kind", kind.String(),
		"message", Message(kind, device),
		"icon", Icon(kind),
		"actions", len(Actions(kind, device)),
	)
	return replaceID, nil
}

// DesktopSink shells out to a system notification sender, attaching any
// actions as clickable buttons. It is a thin adapter: the real message
// bus integration (D-Bus, a notify-send-alike) lives behind the
// configurable runCommand so tests never launch a process.
type DesktopSink struct {
	// BinaryPath is the external notifier to invoke, e.g. "notify-send".
	BinaryPath string
	runCommand func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewDesktopSink returns a DesktopSink invoking binaryPath via the real
// OS process exec path.
func NewDesktopSink(binaryPath string) *DesktopSink {
	return &DesktopSink{
		BinaryPath: binaryPath,
		runCommand: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		},
	}
}

func (s *DesktopSink) Notify(ctx context.Context, kind Kind, device firmware.DeviceName, replaceID int) (int, error) {
	args := []string{
		"--app-name", Title,
		"--icon", Icon(kind),
	}
	if replaceID >= 0 {
		args = append(args, "--replace-id", fmt.Sprintf("%d", replaceID))
	}
	for _, action := range Actions(kind, device) {
		args = append(args, "--action", fmt.Sprintf("%s=%s", action.Text, action.Command))
	}
	args = append(args, Title, Message(kind, device))

	out, err := s.runCommand(ctx, s.BinaryPath, args...)
	if err != nil {
		return -1, fmt.Errorf("notify: running %s: %w", s.BinaryPath, err)
	}
	return parseNotificationID(out), nil
}

func parseNotificationID(out []byte) int {
	var id int
	if _, err := fmt.Sscanf(string(out), "%d", &id); err != nil {
		return -1
	}
	return id
}
