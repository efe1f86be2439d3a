package qemuconfig

import (
	"path/filepath"
	"strings"
)

// VgaType is the graphics adapter selected with -vga.
type VgaType string

const (
	VgaUnknown VgaType = ""
	VgaStd     VgaType = "std"
	VgaCirrus  VgaType = "cirrus"
	VgaVMware  VgaType = "vmware"
	VgaQXL     VgaType = "qxl"
	VgaVirtio  VgaType = "virtio"
	VgaNone    VgaType = "none"
)

var VgaTypes = NewTokenTable(
	TokenEntry[VgaType]{Value: VgaStd, Token: "std"},
	TokenEntry[VgaType]{Value: VgaCirrus, Token: "cirrus"},
	TokenEntry[VgaType]{Value: VgaVMware, Token: "vmware"},
	TokenEntry[VgaType]{Value: VgaQXL, Token: "qxl"},
	TokenEntry[VgaType]{Value: VgaVirtio, Token: "virtio"},
	TokenEntry[VgaType]{Value: VgaNone, Token: "none"},
)

func (v VgaType) String() string {
	if v == VgaUnknown {
		return "unknown"
	}
	return string(v)
}

// ParseVgaType maps a -vga argument to its variant; anything else is VgaUnknown.
func ParseVgaType(s string) VgaType {
	if v, ok := VgaTypes.Lookup(s); ok {
		return v
	}
	return VgaUnknown
}

// AudioDevice is a sound card family. A VM may carry several.
type AudioDevice string

const (
	AudioSB16   AudioDevice = "sb16"
	AudioAC97   AudioDevice = "ac97"
	AudioHDA    AudioDevice = "hda"
	AudioES1370 AudioDevice = "es1370"
)

// AudioDevices holds the -device names written for each family; aliases are
// the substrings the extractor looks for.
var AudioDevices = NewTokenTable(
	TokenEntry[AudioDevice]{Value: AudioSB16, Token: "sb16", Aliases: []string{"SB16"}},
	TokenEntry[AudioDevice]{Value: AudioAC97, Token: "AC97", Aliases: []string{"ac97"}},
	TokenEntry[AudioDevice]{Value: AudioHDA, Token: "intel-hda", Aliases: []string{"hda-duplex"}},
	TokenEntry[AudioDevice]{Value: AudioES1370, Token: "ES1370", Aliases: []string{"es1370"}},
)

// DeviceClauses returns the -device clauses that attach the card.
func (a AudioDevice) DeviceClauses() []string {
	if a == AudioHDA {
		return []string{"-device intel-hda", "-device hda-duplex"}
	}
	tok, ok := AudioDevices.Token(a)
	if !ok {
		return nil
	}
	return []string{"-device " + tok}
}

// DiskFormat is a disk image format.
type DiskFormat string

const (
	DiskQcow2 DiskFormat = "qcow2"
	DiskRaw   DiskFormat = "raw"
	DiskVMDK  DiskFormat = "vmdk"
	DiskVDI   DiskFormat = "vdi"
	DiskVPC   DiskFormat = "vpc"
)

// DiskFormats maps formats to their format= token; aliases are file extensions.
var DiskFormats = NewTokenTable(
	TokenEntry[DiskFormat]{Value: DiskQcow2, Token: "qcow2", Aliases: []string{"qcow"}},
	TokenEntry[DiskFormat]{Value: DiskRaw, Token: "raw", Aliases: []string{"img", "iso", "bin"}},
	TokenEntry[DiskFormat]{Value: DiskVMDK, Token: "vmdk"},
	TokenEntry[DiskFormat]{Value: DiskVDI, Token: "vdi"},
	TokenEntry[DiskFormat]{Value: DiskVPC, Token: "vpc", Aliases: []string{"vhd", "vhdx"}},
)

// DiskFormatFromPath infers the format from the file extension, defaulting to raw.
func DiskFormatFromPath(path string) DiskFormat {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if f, ok := DiskFormats.LookupFold(ext); ok {
		return f
	}
	return DiskRaw
}

// SupportsSnapshots reports whether qemu-img can keep internal snapshots in the image.
func (f DiskFormat) SupportsSnapshots() bool {
	return f == DiskQcow2
}

// NetBackend is how the guest NIC reaches the outside.
type NetBackend string

const (
	NetUser   NetBackend = "user"
	NetBridge NetBackend = "bridge"
	NetPasst  NetBackend = "passt"
	NetNone   NetBackend = "none"
)

var NetBackends = NewTokenTable(
	TokenEntry[NetBackend]{Value: NetUser, Token: "user"},
	TokenEntry[NetBackend]{Value: NetBridge, Token: "bridge", Aliases: []string{"tap"}},
	TokenEntry[NetBackend]{Value: NetPasst, Token: "passt"},
	TokenEntry[NetBackend]{Value: NetNone, Token: "none"},
)

// DefaultBridge is used when a bridged backend is selected without a name.
const DefaultBridge = "qemubr0"

// NetworkModels lists the adapter models offered for editing.
var NetworkModels = []string{"virtio", "e1000", "rtl8139", "ne2k_pci", "pcnet"}

// PortProtocol is the transport of a forwarding rule.
type PortProtocol string

const (
	ProtocolTCP PortProtocol = "tcp"
	ProtocolUDP PortProtocol = "udp"
)

var PortProtocols = NewTokenTable(
	TokenEntry[PortProtocol]{Value: ProtocolTCP, Token: "tcp"},
	TokenEntry[PortProtocol]{Value: ProtocolUDP, Token: "udp"},
)

// PortForwardPresets are the common rules offered by the network editor.
var PortForwardPresets = map[string]PortForward{
	"ssh":   {Protocol: ProtocolTCP, HostPort: 2222, GuestPort: 22},
	"rdp":   {Protocol: ProtocolTCP, HostPort: 13389, GuestPort: 3389},
	"http":  {Protocol: ProtocolTCP, HostPort: 8080, GuestPort: 80},
	"https": {Protocol: ProtocolTCP, HostPort: 8443, GuestPort: 443},
	"vnc":   {Protocol: ProtocolTCP, HostPort: 15900, GuestPort: 5900},
}
