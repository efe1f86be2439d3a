package launchscript

import (
	"sort"
	"strings"

	"github.com/walteh/vm-curator/pkg/qemuconfig"
)

// Flags the extractor and the rewriter both understand.
const (
	flagMemory    = "-m"
	flagSMP       = "-smp"
	flagCPU       = "-cpu"
	flagMachineM  = "-M"
	flagMachine   = "-machine"
	flagVGA       = "-vga"
	flagDrive     = "-drive"
	flagNIC       = "-nic"
	flagNet       = "-net"
	flagNetdev    = "-netdev"
	flagDevice    = "-device"
	flagSoundHW   = "-soundhw"
	flagEnableKVM = "-enable-kvm"
	flagAccel     = "-accel"
	flagBIOS      = "-bios"
	flagPflash    = "-pflash"
	flagTPMDev    = "-tpmdev"
	flagChardev   = "-chardev"
	flagDisplay   = "-display"
	flagUSB       = "-usb"
	flagRTC       = "-rtc"
	flagQMP       = "-qmp"
)

var legacyDiskFlags = []string{"-hda", "-hdb", "-hdc", "-hdd"}

var networkFlags = []string{flagNIC, flagNet, flagNetdev}

// bare flags never consume the following word
var bareFlags = map[string]bool{
	flagEnableKVM: true,
	flagUSB:       true,
}

// placeholders that stand for the directory holding the script
var dirPlaceholders = []string{"${DIR}", "$DIR", "$(dirname $0)"}

// script is a launch script split into physical lines. Joining the lines with
// "\n" reproduces the input byte for byte.
type script struct {
	lines []string
}

func parseScript(content string) *script {
	return &script{lines: strings.Split(content, "\n")}
}

func (s *script) String() string {
	return strings.Join(s.lines, "\n")
}

func isComment(line string) bool {
	return strings.HasPrefix(strings.TrimLeft(line, " \t"), "#")
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r'
}

func continues(line string) bool {
	return strings.HasSuffix(strings.TrimSuffix(line, "\r"), "\\")
}

// codeLines yields the index of every non-comment line.
func (s *script) codeLines() []int {
	out := make([]int, 0, len(s.lines))
	for i, l := range s.lines {
		if !isComment(l) {
			out = append(out, i)
		}
	}
	return out
}

// containsAny reports whether any non-comment line contains one of subs.
func (s *script) containsAny(subs ...string) bool {
	for _, i := range s.codeLines() {
		for _, sub := range subs {
			if strings.Contains(s.lines[i], sub) {
				return true
			}
		}
	}
	return false
}

// clause is one flag word and, when it takes one, the argument word after it.
type clause struct {
	line     int
	flag     string
	start    int
	argStart int
	argEnd   int
}

func (c clause) hasArg() bool {
	return c.argEnd > c.argStart
}

func (c clause) end() int {
	if c.hasArg() {
		return c.argEnd
	}
	return c.start + len(c.flag)
}

func (s *script) arg(c clause) string {
	return s.lines[c.line][c.argStart:c.argEnd]
}

// flagOffsets returns every position where flag stands alone as a word.
func flagOffsets(line, flag string) []int {
	var out []int
	for from := 0; from < len(line); {
		j := strings.Index(line[from:], flag)
		if j < 0 {
			break
		}
		pos := from + j
		end := pos + len(flag)
		if (pos == 0 || isSpace(line[pos-1])) && (end == len(line) || isSpace(line[end])) {
			out = append(out, pos)
		}
		from = pos + 1
	}
	return out
}

// wordEnd scans a shell word starting at i. Quoted sections are skipped as a
// unit; an unquoted word stops at whitespace or a backslash.
func wordEnd(line string, i int) int {
	for i < len(line) {
		c := line[i]
		switch {
		case c == '"' || c == '\'':
			j := strings.IndexByte(line[i+1:], c)
			if j < 0 {
				return len(line)
			}
			i += j + 2
		case isSpace(c) || c == '\\':
			return i
		default:
			i++
		}
	}
	return i
}

func (s *script) clausesOn(i int, flags ...string) []clause {
	line := s.lines[i]
	var out []clause
	for _, flag := range flags {
		for _, pos := range flagOffsets(line, flag) {
			c := clause{line: i, flag: flag, start: pos}
			a := pos + len(flag)
			for a < len(line) && isSpace(line[a]) {
				a++
			}
			c.argStart, c.argEnd = a, a
			if !bareFlags[flag] && a < len(line) && line[a] != '\\' && line[a] != '-' {
				c.argEnd = wordEnd(line, a)
			}
			out = append(out, c)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].start < out[b].start })
	return out
}

// clauses returns every occurrence of flags on non-comment lines in script
// order.
func (s *script) clauses(flags ...string) []clause {
	var out []clause
	for _, i := range s.codeLines() {
		out = append(out, s.clausesOn(i, flags...)...)
	}
	return out
}

func (s *script) firstClauseWithArg(flags ...string) (clause, bool) {
	for _, c := range s.clauses(flags...) {
		if c.hasArg() {
			return c, true
		}
	}
	return clause{}, false
}

// invocation is the emulator command: the line naming the binary through the
// last line it continues onto.
type invocation struct {
	emulator qemuconfig.Emulator
	first    int
	last     int
	binStart int
	binEnd   int
}

func (s *script) invocationAt(i int, e qemuconfig.Emulator, start, end int) invocation {
	inv := invocation{emulator: e, first: i, last: i, binStart: start, binEnd: end}
	for inv.last < len(s.lines)-1 && continues(s.lines[inv.last]) {
		inv.last++
	}
	return inv
}

// findInvocation returns the first code line that mentions an emulator binary
// anywhere. It answers which emulator a script uses, not where it runs.
func (s *script) findInvocation() (invocation, bool) {
	for _, i := range s.codeLines() {
		line := s.lines[i]
		for _, e := range qemuconfig.Emulators.Entries() {
			pos := strings.Index(line, e.Token)
			if pos < 0 {
				continue
			}
			end := pos + len(e.Token)
			for end < len(line) && !isSpace(line[end]) && line[end] != '\\' {
				end++
			}
			return s.invocationAt(i, e.Value, pos, end), true
		}
	}
	return invocation{}, false
}

// knownFlags is every flag the extractor reads.
var knownFlags = append([]string{
	flagMemory, flagSMP, flagCPU, flagMachineM, flagMachine, flagVGA, flagDrive,
	flagNIC, flagNet, flagNetdev, flagDevice, flagSoundHW, flagEnableKVM, flagAccel,
	flagBIOS, flagPflash, flagTPMDev, flagChardev, flagDisplay, flagUSB, flagRTC, flagQMP,
}, legacyDiskFlags...)

// commandWord returns the span of the word a line runs, skipping exec, env
// and leading VAR=value assignments.
func commandWord(line string) (int, int, bool) {
	afterEnv := false
	for i := 0; i < len(line); {
		for i < len(line) && isSpace(line[i]) {
			i++
		}
		if i == len(line) || line[i] == '\\' {
			return 0, 0, false
		}
		end := wordEnd(line, i)
		word := line[i:end]
		switch {
		case word == "exec" || word == "env":
			afterEnv = afterEnv || word == "env"
		case afterEnv && strings.HasPrefix(word, "-"):
		case isAssignment(word):
		default:
			return i, end, true
		}
		i = end
	}
	return 0, 0, false
}

func isAssignment(word string) bool {
	eq := strings.IndexByte(word, '=')
	if eq <= 0 {
		return false
	}
	for j := 0; j < eq; j++ {
		c := word[j]
		if !(c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (j > 0 && c >= '0' && c <= '9')) {
			return false
		}
	}
	return true
}

// findLaunch returns the command that starts the emulator: a line whose
// command word is an emulator binary. When several lines qualify, the first
// one carrying flags the extractor knows wins.
func (s *script) findLaunch() (invocation, bool) {
	var candidates []invocation
	for _, i := range s.codeLines() {
		start, end, ok := commandWord(s.lines[i])
		if !ok {
			continue
		}
		e := qemuconfig.EmulatorFromCommand(unquote(s.lines[i][start:end]))
		if e == qemuconfig.EmulatorUnknown {
			continue
		}
		candidates = append(candidates, s.invocationAt(i, e, start, end))
	}
	for _, inv := range candidates {
		for l := inv.first; l <= inv.last; l++ {
			if len(s.clausesOn(l, knownFlags...)) > 0 {
				return inv, true
			}
		}
	}
	if len(candidates) > 0 {
		return candidates[0], true
	}
	return invocation{}, false
}

// unquote drops shell quote characters, keeping what they enclose.
func unquote(word string) string {
	var b strings.Builder
	var q byte
	for i := 0; i < len(word); i++ {
		c := word[i]
		switch {
		case q == 0 && (c == '"' || c == '\''):
			q = c
		case q != 0 && c == q:
			q = 0
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// attr is one comma-separated field of an option argument such as
// "user,id=n0,hostfwd=tcp::2222-:22". Offsets are relative to the argument.
type attr struct {
	key      string
	value    string
	start    int
	end      int
	valStart int
	valEnd   int
}

func (a attr) hasValue() bool {
	return a.valStart >= 0
}

func splitAttrs(arg string) []attr {
	var out []attr
	var q byte
	start := 0
	flush := func(end int) {
		raw := arg[start:end]
		a := attr{start: start, end: end, valStart: -1, valEnd: -1}
		if eq := strings.IndexByte(raw, '='); eq >= 0 {
			a.key = unquote(raw[:eq])
			a.valStart, a.valEnd = trimOuterQuotes(arg, start+eq+1, end)
			a.value = unquote(raw[eq+1:])
		} else {
			a.key = unquote(raw)
		}
		out = append(out, a)
	}
	for i := 0; i < len(arg); i++ {
		c := arg[i]
		switch {
		case q == 0 && (c == '"' || c == '\''):
			q = c
		case q != 0 && c == q:
			q = 0
		case q == 0 && c == ',':
			flush(i)
			start = i + 1
		}
	}
	flush(len(arg))
	return out
}

// trimOuterQuotes narrows [s,e) so a quote that opens or closes the whole
// word is not treated as part of one field's value.
func trimOuterQuotes(word string, s, e int) (int, int) {
	for _, q := range []byte{'"', '\''} {
		if s < e && word[s] == q && strings.Count(word[s:e], string(q))%2 == 1 {
			s++
		}
		if s < e && word[e-1] == q && strings.Count(word[s:e], string(q))%2 == 1 {
			e--
		}
	}
	return s, e
}

func findAttr(attrs []attr, key string) (attr, bool) {
	for _, a := range attrs {
		if a.key == key && a.hasValue() {
			return a, true
		}
	}
	return attr{}, false
}

// kind is the leading field of an option argument, e.g. "user" in "user,id=n0".
func kind(attrs []attr) string {
	if len(attrs) == 0 || attrs[0].hasValue() {
		return ""
	}
	return attrs[0].key
}

func leadingDigits(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return s[:i]
}
