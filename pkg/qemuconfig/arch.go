package qemuconfig

import "strings"

// Emulator is the QEMU system emulator a launch script invokes.
type Emulator string

const (
	EmulatorUnknown Emulator = ""
	EmulatorX86_64  Emulator = "x86_64"
	EmulatorI386    Emulator = "i386"
	EmulatorPPC     Emulator = "ppc"
	EmulatorM68K    Emulator = "m68k"
	EmulatorARM     Emulator = "arm"
	EmulatorAArch64 Emulator = "aarch64"
)

// Emulators maps each architecture to its binary. Order matters when a line
// names more than one binary: the first entry found wins.
var Emulators = NewTokenTable(
	TokenEntry[Emulator]{Value: EmulatorX86_64, Token: "qemu-system-x86_64"},
	TokenEntry[Emulator]{Value: EmulatorI386, Token: "qemu-system-i386"},
	TokenEntry[Emulator]{Value: EmulatorPPC, Token: "qemu-system-ppc"},
	TokenEntry[Emulator]{Value: EmulatorM68K, Token: "qemu-system-m68k"},
	TokenEntry[Emulator]{Value: EmulatorARM, Token: "qemu-system-arm"},
	TokenEntry[Emulator]{Value: EmulatorAArch64, Token: "qemu-system-aarch64"},
)

func (e Emulator) String() string {
	if e == EmulatorUnknown {
		return "unknown"
	}
	return string(e)
}

// Binary returns the emulator executable name, or "" for an unknown emulator.
func (e Emulator) Binary() string {
	bin, _ := Emulators.Token(e)
	return bin
}

// EmulatorFromCommand maps a command word such as "/usr/bin/qemu-system-ppc"
// to its architecture.
func EmulatorFromCommand(cmd string) Emulator {
	base := cmd
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	if e, ok := Emulators.Lookup(base); ok {
		return e
	}
	return EmulatorUnknown
}

// FirmwarePath returns the UEFI image written when firmware boot is enabled.
func (e Emulator) FirmwarePath() string {
	switch e {
	case EmulatorAArch64, EmulatorARM:
		return "/usr/share/qemu-efi-aarch64/QEMU_EFI.fd"
	default:
		return "/usr/share/ovmf/OVMF.fd"
	}
}
