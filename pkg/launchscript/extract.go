package launchscript

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/vm-curator/pkg/qemuconfig"
)

// ScriptName is the file a VM directory must hold to be discovered.
const ScriptName = "launch.sh"

// Result is the outcome of one extraction. Success is false only when the
// extraction could not run at all; Config then carries the defaults.
type Result struct {
	Config  qemuconfig.QemuConfig
	Success bool
	Error   string
}

func failed(err error, raw string) Result {
	cfg := qemuconfig.Default()
	cfg.RawScript = raw
	return Result{Config: cfg, Success: false, Error: err.Error()}
}

// ExtractFile reads scriptPath and extracts it.
func ExtractFile(ctx context.Context, scriptPath string) Result {
	content, err := os.ReadFile(scriptPath)
	if err != nil {
		err = errors.Errorf("reading launch script: %w", err)
		zerolog.Ctx(ctx).Warn().Err(err).Str("path", scriptPath).Msg("launch script unreadable")
		return failed(err, "")
	}
	return Extract(ctx, scriptPath, string(content))
}

// Extract builds a best-effort QemuConfig from a launch script. Relative disk
// and socket paths are resolved against the directory of scriptPath. It never
// panics; unrecognized flags simply leave their field at the default.
func Extract(ctx context.Context, scriptPath, content string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = failed(errors.Errorf("extracting %s: %v", scriptPath, r), content)
			zerolog.Ctx(ctx).Error().Str("path", scriptPath).Interface("panic", r).Msg("extraction aborted")
		}
	}()

	b := newConfigBuilder(scriptDir(scriptPath), content)
	cfg := b.build()

	zerolog.Ctx(ctx).Debug().
		Str("path", scriptPath).
		Str("emulator", cfg.Emulator.String()).
		Uint32("memory_mb", cfg.MemoryMB).
		Int("disks", len(cfg.Disks)).
		Bool("network", cfg.Network != nil).
		Msg("extracted launch script")

	return Result{Config: cfg, Success: true}
}

func scriptDir(scriptPath string) string {
	dir := filepath.Dir(scriptPath)
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return dir
}

// configBuilder accumulates fields read from a script. Each read step touches
// only its own fields; build runs them once and hands back the result.
type configBuilder struct {
	s   *script
	dir string
	cfg qemuconfig.QemuConfig
}

func newConfigBuilder(dir, content string) *configBuilder {
	cfg := qemuconfig.Default()
	cfg.RawScript = content
	return &configBuilder{s: parseScript(content), dir: dir, cfg: cfg}
}

func (b *configBuilder) build() qemuconfig.QemuConfig {
	b.readEmulator()
	b.readMemory()
	b.readCPU()
	b.readMachine()
	b.readVGA()
	b.readAudio()
	b.readFeatures()
	b.readDisks()
	b.readNetwork()
	b.readExtraArgs()
	b.readMonitor()
	return b.cfg
}

func (b *configBuilder) readEmulator() {
	if inv, ok := b.s.findLaunch(); ok {
		b.cfg.Emulator = inv.emulator
		return
	}
	if inv, ok := b.s.findInvocation(); ok {
		b.cfg.Emulator = inv.emulator
		return
	}
	if b.s.containsAny("qemu-system-") {
		b.cfg.Emulator = qemuconfig.EmulatorUnknown
	}
}

func (b *configBuilder) readMemory() {
	c, ok := b.s.firstClauseWithArg(flagMemory)
	if !ok {
		return
	}
	arg := b.s.arg(c)
	start, end, ok := memorySpan(arg)
	if !ok {
		return
	}
	if mb, ok := parseMemory(arg[start:end]); ok {
		b.cfg.MemoryMB = mb
	}
}

// memorySpan locates the size (digits plus an optional unit letter) inside a
// -m argument such as "2G", "size=4096" or "'512M'".
func memorySpan(arg string) (int, int, bool) {
	i := 0
	for i < len(arg) && (arg[i] == '"' || arg[i] == '\'') {
		i++
	}
	if strings.HasPrefix(arg[i:], "size=") {
		i += len("size=")
	}
	d := leadingDigits(arg[i:])
	if d == "" {
		return 0, 0, false
	}
	end := i + len(d)
	if end < len(arg) && strings.IndexByte("GgMmTt", arg[end]) >= 0 {
		end++
	}
	return i, end, true
}

// parseMemory converts a size to megabytes. A bare number under 64 is read as
// gigabytes, so "-m 4" is 4096. An explicit M suffix always means megabytes.
func parseMemory(v string) (uint32, bool) {
	d := leadingDigits(v)
	n, err := strconv.ParseUint(d, 10, 64)
	if err != nil {
		return 0, false
	}
	switch unit := strings.ToUpper(v[len(d):]); {
	case unit == "T":
		n *= 1024 * 1024
	case unit == "G":
		n *= 1024
	case unit == "M":
		// explicit megabytes skip the under-64 rule so "-m 32M" stays 32
	case n < 64:
		n *= 1024
	}
	if n > math.MaxUint32 {
		return 0, false
	}
	return uint32(n), true
}

func (b *configBuilder) readCPU() {
	if c, ok := b.s.firstClauseWithArg(flagSMP); ok {
		arg := b.s.arg(c)
		if start, end, ok := smpSpan(arg); ok {
			if n, err := strconv.ParseUint(arg[start:end], 10, 32); err == nil {
				b.cfg.CPUCores = uint32(n)
			}
		}
	}
	if c, ok := b.s.firstClauseWithArg(flagCPU); ok {
		b.cfg.CPUModel = unquote(b.s.arg(c))
	}
}

// smpSpan locates the core count in an -smp argument: the leading number, or
// the value of cpus=.
func smpSpan(arg string) (int, int, bool) {
	i := 0
	for i < len(arg) && (arg[i] == '"' || arg[i] == '\'') {
		i++
	}
	if d := leadingDigits(arg[i:]); d != "" {
		return i, i + len(d), true
	}
	if a, ok := findAttr(splitAttrs(arg), "cpus"); ok {
		if d := leadingDigits(arg[a.valStart:a.valEnd]); d != "" {
			return a.valStart, a.valStart + len(d), true
		}
	}
	return 0, 0, false
}

func (b *configBuilder) readMachine() {
	c, ok := b.s.firstClauseWithArg(flagMachineM, flagMachine)
	if !ok {
		return
	}
	arg := b.s.arg(c)
	if start, end, ok := machineSpan(arg); ok {
		b.cfg.Machine = unquote(arg[start:end])
	}
}

// machineSpan locates the machine type in "-machine q35,accel=kvm" or
// "-machine type=q35,...".
func machineSpan(arg string) (int, int, bool) {
	attrs := splitAttrs(arg)
	if len(attrs) > 0 && !attrs[0].hasValue() && attrs[0].key != "" {
		s, e := trimOuterQuotes(arg, attrs[0].start, attrs[0].end)
		return s, e, true
	}
	if a, ok := findAttr(attrs, "type"); ok {
		return a.valStart, a.valEnd, true
	}
	return 0, 0, false
}

func (b *configBuilder) readVGA() {
	var last *clause
	for _, c := range b.s.clauses(flagVGA) {
		if c.hasArg() {
			c := c
			last = &c
		}
	}
	if last != nil {
		b.cfg.VGA = qemuconfig.ParseVgaType(unquote(b.s.arg(*last)))
	}
}

func (b *configBuilder) readAudio() {
	found := map[qemuconfig.AudioDevice]bool{}
	for _, i := range b.s.codeLines() {
		for _, dev := range qemuconfig.AudioDevices.Contains(b.s.lines[i]) {
			found[dev] = true
		}
	}
	for _, e := range qemuconfig.AudioDevices.Entries() {
		if found[e.Value] {
			b.cfg.AudioDevices = append(b.cfg.AudioDevices, e.Value)
		}
	}
}

func (b *configBuilder) readFeatures() {
	b.cfg.EnableKVM = hasKVM(b.s)
	b.cfg.UEFI = hasUEFI(b.s)
	b.cfg.TPM = hasTPM(b.s)
}

var (
	kvmTriggers  = []string{flagEnableKVM, "-accel kvm", "accel=kvm"}
	uefiTriggers = []string{"OVMF", "edk2-", "if=pflash"}
	tpmTriggers  = []string{flagTPMDev, "swtpm"}
)

func hasKVM(s *script) bool {
	return s.containsAny(kvmTriggers...)
}

func hasUEFI(s *script) bool {
	if s.containsAny(uefiTriggers...) {
		return true
	}
	if !s.containsAny(flagBIOS) {
		return false
	}
	for _, i := range s.codeLines() {
		if strings.Contains(strings.ToLower(s.lines[i]), "efi") {
			return true
		}
	}
	return false
}

func hasTPM(s *script) bool {
	return s.containsAny(tpmTriggers...)
}

func (b *configBuilder) readDisks() {
	for _, c := range b.s.clauses(append([]string{flagDrive}, legacyDiskFlags...)...) {
		if !c.hasArg() {
			continue
		}
		if d, ok := diskFromClause(b.s, c, b.dir); ok {
			b.cfg.Disks = append(b.cfg.Disks, d)
		}
	}
}

func diskFromClause(s *script, c clause, dir string) (qemuconfig.DiskConfig, bool) {
	arg := s.arg(c)
	if c.flag != flagDrive {
		path := resolvePath(unquote(arg), dir)
		return qemuconfig.DiskConfig{Path: path, Format: qemuconfig.DiskFormatFromPath(path), Interface: "ide"}, true
	}

	attrs := splitAttrs(arg)
	file, ok := findAttr(attrs, "file")
	if !ok || file.value == "" {
		return qemuconfig.DiskConfig{}, false
	}
	d := qemuconfig.DiskConfig{Interface: "ide"}
	if a, ok := findAttr(attrs, "if"); ok && a.value != "" {
		d.Interface = a.value
	}
	if d.Interface == "pflash" {
		return qemuconfig.DiskConfig{}, false
	}
	d.Path = resolvePath(file.value, dir)
	d.Format = qemuconfig.DiskFormatFromPath(d.Path)
	if a, ok := findAttr(attrs, "format"); ok {
		if f, ok := qemuconfig.DiskFormats.Lookup(a.value); ok {
			d.Format = f
		}
	}
	return d, true
}

// resolvePath substitutes the script-directory placeholders and makes the
// result absolute relative to dir.
func resolvePath(p, dir string) string {
	for _, ph := range dirPlaceholders {
		p = strings.ReplaceAll(p, ph, dir)
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(dir, p)
	}
	return filepath.Clean(p)
}

func (b *configBuilder) readNetwork() {
	b.cfg.Network = readNetwork(b.s)
}

func (b *configBuilder) readExtraArgs() {
	if c, ok := b.s.firstClauseWithArg(flagDisplay); ok {
		b.cfg.ExtraArgs = append(b.cfg.ExtraArgs, flagDisplay+" "+b.s.arg(c))
	}
	if len(b.s.clauses(flagUSB)) > 0 {
		b.cfg.ExtraArgs = append(b.cfg.ExtraArgs, flagUSB)
	}
	for _, c := range b.s.clauses(flagRTC) {
		if c.hasArg() && strings.Contains(b.s.arg(c), "base=localtime") {
			b.cfg.ExtraArgs = append(b.cfg.ExtraArgs, flagRTC+" "+b.s.arg(c))
			break
		}
	}
}

func (b *configBuilder) readMonitor() {
	c, ok := b.s.firstClauseWithArg(flagQMP)
	if !ok {
		return
	}
	v := unquote(b.s.arg(c))
	if !strings.HasPrefix(v, "unix:") {
		return
	}
	path, _, _ := strings.Cut(strings.TrimPrefix(v, "unix:"), ",")
	if path != "" {
		b.cfg.MonitorSocket = resolvePath(path, b.dir)
	}
}
