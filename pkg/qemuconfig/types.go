package qemuconfig

import (
	"fmt"
	"strconv"
	"strings"

	"gitlab.com/tozd/go/errors"
)

// QemuConfig is the structured view of one VM's launch script. It is rebuilt
// from scratch on every discovery pass; RawScript is the source of truth.
type QemuConfig struct {
	Emulator     Emulator       `json:"emulator"`
	MemoryMB     uint32         `json:"memory_mb"`
	CPUCores     uint32         `json:"cpu_cores"`
	CPUModel     string         `json:"cpu_model,omitempty"` // empty when the script has no -cpu
	Machine      string         `json:"machine,omitempty"`   // empty when the script has no -M/-machine
	VGA          VgaType        `json:"vga"`
	AudioDevices []AudioDevice  `json:"audio_devices"`
	EnableKVM    bool           `json:"enable_kvm"`
	UEFI         bool           `json:"uefi"`
	TPM          bool           `json:"tpm"`
	Disks        []DiskConfig   `json:"disks"`
	Network      *NetworkConfig `json:"network"` // nil when the script has no NIC flags at all
	ExtraArgs    []string       `json:"extra_args,omitempty"`

	// MonitorSocket is the resolved path of a "-qmp unix:" monitor, if any.
	MonitorSocket string `json:"monitor_socket,omitempty"`

	RawScript string `json:"-"`
}

// Default returns the values a field keeps when its flag is absent.
func Default() QemuConfig {
	return QemuConfig{
		Emulator: EmulatorX86_64,
		MemoryMB: 512,
		CPUCores: 1,
		VGA:      VgaStd,
	}
}

// PrimaryDisk returns the first disk in script order.
func (c *QemuConfig) PrimaryDisk() (DiskConfig, bool) {
	if len(c.Disks) == 0 {
		return DiskConfig{}, false
	}
	return c.Disks[0], true
}

// SupportsSnapshots reports whether the primary disk can hold snapshots.
func (c *QemuConfig) SupportsSnapshots() bool {
	d, ok := c.PrimaryDisk()
	return ok && d.Format.SupportsSnapshots()
}

// HasAudio reports whether dev is attached.
func (c *QemuConfig) HasAudio(dev AudioDevice) bool {
	for _, d := range c.AudioDevices {
		if d == dev {
			return true
		}
	}
	return false
}

// DiskConfig is one disk attached through -hdX or -drive.
type DiskConfig struct {
	Path      string     `json:"path"`
	Format    DiskFormat `json:"format"`
	Interface string     `json:"interface"`
}

// NetworkConfig describes the guest NIC.
type NetworkConfig struct {
	Model        string        `json:"model,omitempty"`
	UserNet      bool          `json:"user_net"`
	Bridge       string        `json:"bridge,omitempty"`
	Backend      NetBackend    `json:"backend"`
	PortForwards []PortForward `json:"port_forwards,omitempty"`
}

// DefaultNetwork is what a bare NIC flag with no backend marker means to QEMU.
func DefaultNetwork() NetworkConfig {
	return NetworkConfig{
		Backend: NetUser,
		UserNet: true,
	}
}

// PortForward maps a host port to a guest port.
type PortForward struct {
	Protocol  PortProtocol `json:"protocol"`
	HostPort  uint16       `json:"host_port"`
	GuestPort uint16       `json:"guest_port"`
}

func (p PortForward) String() string {
	return fmt.Sprintf("%s %d -> %d", p.Protocol, p.HostPort, p.GuestPort)
}

// ParsePortForward reads a preset name ("ssh") or "proto:host:guest"; the
// protocol may be left out and defaults to tcp.
func ParsePortForward(s string) (PortForward, error) {
	s = strings.TrimSpace(s)
	if pf, ok := PortForwardPresets[strings.ToLower(s)]; ok {
		return pf, nil
	}
	parts := strings.Split(s, ":")
	proto := ProtocolTCP
	switch len(parts) {
	case 2:
	case 3:
		p, ok := PortProtocols.LookupFold(parts[0])
		if !ok {
			return PortForward{}, errors.Errorf("port forward %q: unknown protocol %q", s, parts[0])
		}
		proto, parts = p, parts[1:]
	default:
		return PortForward{}, errors.Errorf("port forward %q: want proto:host:guest or a preset", s)
	}
	host, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil || host == 0 {
		return PortForward{}, errors.Errorf("port forward %q: bad host port", s)
	}
	guest, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil || guest == 0 {
		return PortForward{}, errors.Errorf("port forward %q: bad guest port", s)
	}
	return PortForward{Protocol: proto, HostPort: uint16(host), GuestPort: uint16(guest)}, nil
}
