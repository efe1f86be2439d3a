package launchscript

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alessio/shellescape"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/vm-curator/pkg/qemuconfig"
)

// Change is one field edit understood by Rewrite.
type Change interface {
	Field() string
	apply(ed *editor, cur qemuconfig.QemuConfig) error
	satisfiedBy(cfg qemuconfig.QemuConfig) bool
}

type SetMemory struct {
	MB uint32
}

func (SetMemory) Field() string { return "memory" }

func (m SetMemory) apply(ed *editor, _ qemuconfig.QemuConfig) error {
	if m.MB == 0 {
		return ed.fail("", ErrInvalidValue)
	}
	if c, ok := ed.firstClauseWithArg(flagMemory); ok {
		arg := ed.arg(c)
		if s, e, ok := memorySpan(arg); ok {
			ed.apply(edit{line: c.line, start: c.argStart + s, end: c.argStart + e, text: formatMemory(m.MB, arg[s:e])})
			return nil
		}
		ed.apply(replaceArg(c, formatMemory(m.MB, "")))
		return nil
	}
	return ed.insert(flagMemory + " " + formatMemory(m.MB, ""))
}

func (m SetMemory) satisfiedBy(cfg qemuconfig.QemuConfig) bool { return cfg.MemoryMB == m.MB }

// formatMemory writes mb so that it reads back unchanged. A gigabyte suffix
// in the value being replaced is kept when mb is a whole number of gigabytes.
func formatMemory(mb uint32, old string) string {
	unit := ""
	if old != "" {
		unit = strings.TrimLeft(old, "0123456789")
	}
	switch {
	case (unit == "G" || unit == "g") && mb%1024 == 0:
		return strconv.FormatUint(uint64(mb/1024), 10) + unit
	case unit == "M" || unit == "m":
		return strconv.FormatUint(uint64(mb), 10) + unit
	case mb < 64:
		return strconv.FormatUint(uint64(mb), 10) + "M"
	default:
		return strconv.FormatUint(uint64(mb), 10)
	}
}

type SetCPUCores struct {
	Cores uint32
}

func (SetCPUCores) Field() string { return "cpu_cores" }

func (s SetCPUCores) apply(ed *editor, _ qemuconfig.QemuConfig) error {
	if s.Cores == 0 {
		return ed.fail("", ErrInvalidValue)
	}
	n := strconv.FormatUint(uint64(s.Cores), 10)
	c, ok := ed.firstClauseWithArg(flagSMP)
	if !ok {
		return ed.insert(flagSMP + " " + n)
	}
	if st, e, ok := smpSpan(ed.arg(c)); ok {
		ed.apply(edit{line: c.line, start: c.argStart + st, end: c.argStart + e, text: n})
		return nil
	}
	ed.apply(edit{line: c.line, start: c.argStart, end: c.argStart, text: n + ","})
	return nil
}

func (s SetCPUCores) satisfiedBy(cfg qemuconfig.QemuConfig) bool { return cfg.CPUCores == s.Cores }

// SetCPUModel sets -cpu. An empty Model removes the flag.
type SetCPUModel struct {
	Model string
}

func (SetCPUModel) Field() string { return "cpu_model" }

func (s SetCPUModel) apply(ed *editor, _ qemuconfig.QemuConfig) error {
	if s.Model == "" {
		ed.apply(ed.clausesWhere(func(clause, []attr) bool { return true }, flagCPU)...)
		return nil
	}
	word := shellescape.Quote(s.Model)
	if c, ok := ed.firstClauseWithArg(flagCPU); ok {
		ed.apply(replaceArg(c, word))
		return nil
	}
	return ed.insert(flagCPU + " " + word)
}

func (s SetCPUModel) satisfiedBy(cfg qemuconfig.QemuConfig) bool { return cfg.CPUModel == s.Model }

// SetMachine sets the machine type, keeping any other -machine properties.
// An empty Machine removes the flag.
type SetMachine struct {
	Machine string
}

func (SetMachine) Field() string { return "machine" }

func (s SetMachine) apply(ed *editor, _ qemuconfig.QemuConfig) error {
	if s.Machine == "" {
		ed.apply(ed.clausesWhere(func(clause, []attr) bool { return true }, flagMachineM, flagMachine)...)
		return nil
	}
	if strings.ContainsAny(s.Machine, ", \t") {
		return ed.fail("", ErrInvalidValue)
	}
	word := shellescape.Quote(s.Machine)
	c, ok := ed.firstClauseWithArg(flagMachineM, flagMachine)
	if !ok {
		return ed.insert(flagMachine + " " + word)
	}
	if st, e, ok := machineSpan(ed.arg(c)); ok {
		ed.apply(edit{line: c.line, start: c.argStart + st, end: c.argStart + e, text: word})
		return nil
	}
	ed.apply(edit{line: c.line, start: c.argStart, end: c.argStart, text: word + ","})
	return nil
}

func (s SetMachine) satisfiedBy(cfg qemuconfig.QemuConfig) bool { return cfg.Machine == s.Machine }

// SetVGA rewrites the effective (last) -vga flag.
type SetVGA struct {
	VGA qemuconfig.VgaType
}

func (SetVGA) Field() string { return "vga" }

func (s SetVGA) apply(ed *editor, _ qemuconfig.QemuConfig) error {
	tok, ok := qemuconfig.VgaTypes.Token(s.VGA)
	if !ok {
		return ed.fail(s.VGA.String(), ErrNoToken)
	}
	var last *clause
	for _, c := range ed.clauses(flagVGA) {
		if c.hasArg() {
			c := c
			last = &c
		}
	}
	if last == nil {
		return ed.insert(flagVGA + " " + tok)
	}
	ed.apply(replaceArg(*last, tok))
	return nil
}

func (s SetVGA) satisfiedBy(cfg qemuconfig.QemuConfig) bool { return cfg.VGA == s.VGA }

// SetAudio replaces every sound card with Devices.
type SetAudio struct {
	Devices []qemuconfig.AudioDevice
}

func (SetAudio) Field() string { return "audio" }

func (s SetAudio) apply(ed *editor, cur qemuconfig.QemuConfig) error {
	want := map[qemuconfig.AudioDevice]bool{}
	for _, d := range s.Devices {
		if _, ok := qemuconfig.AudioDevices.Token(d); !ok {
			return ed.fail(string(d), ErrNoToken)
		}
		want[d] = true
	}
	if sameAudio(cur, s.Devices) {
		return nil
	}

	ed.apply(ed.clausesWhere(func(c clause, attrs []attr) bool {
		if c.flag == flagSoundHW {
			return true
		}
		return len(qemuconfig.AudioDevices.Contains(kind(attrs))) > 0
	}, flagDevice, flagSoundHW)...)

	var clauses []string
	for _, e := range qemuconfig.AudioDevices.Entries() {
		if want[e.Value] {
			clauses = append(clauses, e.Value.DeviceClauses()...)
		}
	}
	if len(clauses) == 0 {
		return nil
	}
	return ed.insert(strings.Join(clauses, " "))
}

func (s SetAudio) satisfiedBy(cfg qemuconfig.QemuConfig) bool {
	return sameAudio(cfg, s.Devices)
}

// Feature is one of the boolean launch features.
type Feature string

const (
	FeatureKVM  Feature = "kvm"
	FeatureUEFI Feature = "uefi"
	FeatureTPM  Feature = "tpm"
)

var Features = qemuconfig.NewTokenTable(
	qemuconfig.TokenEntry[Feature]{Value: FeatureKVM, Token: "kvm", Aliases: []string{"enable_kvm", "accel"}},
	qemuconfig.TokenEntry[Feature]{Value: FeatureUEFI, Token: "uefi", Aliases: []string{"efi"}},
	qemuconfig.TokenEntry[Feature]{Value: FeatureTPM, Token: "tpm"},
)

// tpmClauses attach a software TPM listening on the swtpm socket.
const tpmClauses = "-chardev socket,id=chrtpm,path=/tmp/tpm-socket -tpmdev emulator,id=tpm0,chardev=chrtpm -device tpm-tis,tpmdev=tpm0"

type SetFeature struct {
	Feature Feature
	Enabled bool
}

func (s SetFeature) Field() string { return string(s.Feature) }

func (s SetFeature) apply(ed *editor, cur qemuconfig.QemuConfig) error {
	if s.Enabled == s.value(cur) {
		return nil
	}
	switch s.Feature {
	case FeatureKVM:
		if s.Enabled {
			return ed.insert(flagEnableKVM)
		}
		ed.apply(ed.kvmEdits()...)
	case FeatureUEFI:
		if s.Enabled {
			return ed.insert(flagBIOS + " " + shellescape.Quote(cur.Emulator.FirmwarePath()))
		}
		ed.apply(ed.clausesWhere(func(c clause, attrs []attr) bool {
			if c.flag != flagDrive {
				return true
			}
			arg := ed.arg(c)
			return strings.Contains(arg, "if=pflash") || strings.Contains(arg, "OVMF") || strings.Contains(arg, "edk2-")
		}, flagBIOS, flagPflash, flagDrive)...)
	case FeatureTPM:
		if s.Enabled {
			return ed.insert(tpmClauses)
		}
		ed.apply(ed.clausesWhere(func(c clause, attrs []attr) bool {
			switch c.flag {
			case flagDevice:
				return strings.HasPrefix(kind(attrs), "tpm-")
			case flagChardev:
				return c.hasArg() && strings.Contains(ed.arg(c), "tpm")
			default:
				return true
			}
		}, flagTPMDev, flagDevice, flagChardev)...)
	default:
		return ed.fail(string(s.Feature), ErrNoToken)
	}
	return nil
}

func (ed *editor) kvmEdits() []edit {
	edits := ed.clausesWhere(func(c clause, attrs []attr) bool {
		return c.flag == flagEnableKVM || kind(attrs) == "kvm"
	}, flagEnableKVM, flagAccel)
	for _, c := range ed.clauses(flagMachineM, flagMachine) {
		if !c.hasArg() {
			continue
		}
		arg := ed.arg(c)
		for _, a := range splitAttrs(arg) {
			if a.key == "accel" && a.value == "kvm" {
				edits = append(edits, removeAttr(c, arg, a))
			}
		}
	}
	return edits
}

func (s SetFeature) value(cfg qemuconfig.QemuConfig) bool {
	switch s.Feature {
	case FeatureKVM:
		return cfg.EnableKVM
	case FeatureUEFI:
		return cfg.UEFI
	case FeatureTPM:
		return cfg.TPM
	}
	return false
}

func (s SetFeature) satisfiedBy(cfg qemuconfig.QemuConfig) bool { return s.value(cfg) == s.Enabled }

// AddDisk attaches another -drive. Adding a disk that is already attached
// leaves the script alone.
type AddDisk struct {
	Path      string
	Format    qemuconfig.DiskFormat
	Interface string
}

func (AddDisk) Field() string { return "disks" }

func (d AddDisk) normalized() AddDisk {
	if d.Format == "" {
		d.Format = qemuconfig.DiskFormatFromPath(d.Path)
	}
	if d.Interface == "" {
		d.Interface = "ide"
	}
	return d
}

func (d AddDisk) apply(ed *editor, cur qemuconfig.QemuConfig) error {
	if d.Path == "" || strings.ContainsAny(d.Interface, ", \t") {
		return ed.fail("", ErrInvalidValue)
	}
	if d.satisfiedBy(cur) {
		return nil
	}
	d = d.normalized()
	tok, ok := qemuconfig.DiskFormats.Token(d.Format)
	if !ok {
		return ed.fail(string(d.Format), ErrNoToken)
	}
	text := fmt.Sprintf("%s file=%s,format=%s,if=%s", flagDrive, quotePath(d.Path), tok, d.Interface)

	// after the last attached disk, so the primary disk stays first
	if disks := ed.clauses(append([]string{flagDrive}, legacyDiskFlags...)...); len(disks) > 0 {
		ed.insertAfter(disks[len(disks)-1], text)
		return nil
	}
	return ed.insert(text)
}

func (d AddDisk) satisfiedBy(cfg qemuconfig.QemuConfig) bool {
	want := resolvePath(d.Path, verifyDir)
	for _, disk := range cfg.Disks {
		if disk.Path == want {
			return true
		}
	}
	return false
}

// quotePath quotes p for the shell. Paths that use a directory placeholder
// are double quoted so the shell still expands it.
func quotePath(p string) string {
	if !strings.Contains(p, "$") {
		return shellescape.Quote(p)
	}
	if !strings.ContainsAny(p, " \t\"'`\\,") {
		return p
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "`", "\\`")
	return `"` + r.Replace(p) + `"`
}

// ParseChange builds a scalar change from a field name and its textual value,
// as typed on the command line or sent by a tool call.
func ParseChange(field, value string) (Change, error) {
	switch strings.ToLower(field) {
	case "memory", "mem", "m":
		mb, ok := parseMemoryInput(value)
		if !ok {
			return nil, errors.Errorf("parsing memory %q: %w", value, ErrInvalidValue)
		}
		return SetMemory{MB: mb}, nil
	case "cpu_cores", "cores", "smp":
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return nil, errors.Errorf("parsing cores %q: %w", value, ErrInvalidValue)
		}
		return SetCPUCores{Cores: uint32(n)}, nil
	case "cpu_model", "cpu":
		return SetCPUModel{Model: value}, nil
	case "machine":
		return SetMachine{Machine: value}, nil
	case "vga":
		v := qemuconfig.ParseVgaType(value)
		if v == qemuconfig.VgaUnknown {
			return nil, errors.Errorf("parsing vga %q: %w", value, ErrNoToken)
		}
		return SetVGA{VGA: v}, nil
	case "audio":
		var devs []qemuconfig.AudioDevice
		for _, f := range strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == ' ' }) {
			if f == "none" {
				continue
			}
			d, ok := qemuconfig.AudioDevices.LookupFold(f)
			if !ok {
				d = qemuconfig.AudioDevice(strings.ToLower(f))
				if _, known := qemuconfig.AudioDevices.Token(d); !known {
					return nil, errors.Errorf("parsing audio device %q: %w", f, ErrNoToken)
				}
			}
			devs = append(devs, d)
		}
		return SetAudio{Devices: devs}, nil
	}
	if f, ok := Features.LookupFold(field); ok {
		on, err := parseSwitch(value)
		if err != nil {
			return nil, errors.Errorf("parsing %s %q: %w", field, value, err)
		}
		return SetFeature{Feature: f, Enabled: on}, nil
	}
	return nil, errors.Errorf("unknown field %q", field)
}

// parseMemoryInput reads a user-supplied size. Unlike script values, a bare
// number is always megabytes here.
func parseMemoryInput(v string) (uint32, bool) {
	v = strings.TrimSpace(v)
	d := leadingDigits(v)
	if d == "" {
		return 0, false
	}
	switch unit := v[len(d):]; {
	case unit == "":
		v += "M"
	case len(unit) > 1 || !strings.Contains("GgMmTt", unit):
		return 0, false
	}
	mb, ok := parseMemory(v)
	return mb, ok && mb > 0
}

func parseSwitch(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "on", "yes", "enable", "enabled":
		return true, nil
	case "off", "no", "disable", "disabled":
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, ErrInvalidValue
	}
	return b, nil
}
