package qemu

import (
	"context"
	"net"
	"time"

	"github.com/digitalocean/go-qemu/qemu"
	"github.com/digitalocean/go-qemu/qmp"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// Status represents the VM status
type Status int

const (
	StatusUnknown Status = iota
	StatusRunning
	StatusShutdown
	StatusPaused
	StatusSaved
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusShutdown:
		return "shutdown"
	case StatusPaused:
		return "paused"
	case StatusSaved:
		return "saved"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrNoMonitor is returned for VMs whose launch script has no -qmp socket.
var ErrNoMonitor = errors.Base("vm has no QMP monitor socket")

// MonitorTimeout bounds the dial and the handshake with a QMP socket.
var MonitorTimeout = 2 * time.Second

// IsSocketActive reports whether something is listening on socketPath.
func IsSocketActive(socketPath string) bool {
	conn, err := net.DialTimeout("unix", socketPath, MonitorTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func connect(ctx context.Context, socketPath string) (*qemu.Domain, error) {
	monitor, err := qmp.NewSocketMonitor("unix", socketPath, MonitorTimeout)
	if err != nil {
		return nil, errors.Errorf("creating QMP monitor: %w", err)
	}

	if err := monitor.Connect(); err != nil {
		return nil, errors.Errorf("connecting to QMP: %w", err)
	}

	domain, err := qemu.NewDomain(monitor, socketPath)
	if err != nil {
		monitor.Disconnect()
		return nil, errors.Errorf("creating domain: %w", err)
	}

	zerolog.Ctx(ctx).Debug().Str("socket", socketPath).Msg("connected to QMP")
	return domain, nil
}

// ProbeStatus asks the emulator behind socketPath for its run state. A socket
// nobody listens on means the VM is not running.
func ProbeStatus(ctx context.Context, socketPath string) (Status, error) {
	if socketPath == "" {
		return StatusUnknown, errors.WithStack(ErrNoMonitor)
	}
	if !IsSocketActive(socketPath) {
		return StatusStopped, nil
	}

	domain, err := connect(ctx, socketPath)
	if err != nil {
		return StatusUnknown, err
	}
	defer domain.Close()

	st, err := domain.Status()
	if err != nil {
		return StatusUnknown, errors.Errorf("querying status: %w", err)
	}
	return fromRunState(st), nil
}

func fromRunState(st qemu.Status) Status {
	switch st {
	case qemu.StatusRunning:
		return StatusRunning
	case qemu.StatusPaused, qemu.StatusSuspended, qemu.StatusDebug, qemu.StatusPreLaunch:
		return StatusPaused
	case qemu.StatusShutdown, qemu.StatusGuestPanicked, qemu.StatusInternalError, qemu.StatusIOError:
		return StatusShutdown
	case qemu.StatusSaveVM, qemu.StatusRestoreVM, qemu.StatusPostMigrate, qemu.StatusFinishMigrate:
		return StatusSaved
	default:
		return StatusUnknown
	}
}

// Powerdown sends an ACPI power button press to the guest.
func Powerdown(ctx context.Context, socketPath string) error {
	if socketPath == "" {
		return errors.WithStack(ErrNoMonitor)
	}

	domain, err := connect(ctx, socketPath)
	if err != nil {
		return err
	}
	defer domain.Close()

	if err := domain.SystemPowerdown(); err != nil {
		return errors.Errorf("sending powerdown: %w", err)
	}
	zerolog.Ctx(ctx).Info().Str("socket", socketPath).Msg("powerdown requested")
	return nil
}
