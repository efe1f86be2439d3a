package launchscript

import (
	"context"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/walteh/vm-curator/pkg/qemuconfig"
)

// verifyDir is the directory relative paths are resolved against when a
// rewritten script is read back for verification.
var verifyDir = string(filepath.Separator)

// Rewrite applies change to a launch script and returns the new text. Every
// byte outside the edited spans is preserved. The result is read back and
// compared with the requested value before it is returned; on any error the
// returned string is empty and content should be left as it is.
func Rewrite(ctx context.Context, content string, change Change) (string, error) {
	logger := zerolog.Ctx(ctx)

	cur := newConfigBuilder(verifyDir, content).build()
	ed := &editor{script: parseScript(content), field: change.Field()}
	if err := change.apply(ed, cur); err != nil {
		logger.Debug().Err(err).Str("field", change.Field()).Msg("rewrite failed")
		return "", err
	}

	out := ed.String()
	got := newConfigBuilder(verifyDir, out).build()
	if !change.satisfiedBy(got) {
		return "", rewriteError(change.Field(), "result", ErrUnverified)
	}

	logger.Debug().Str("field", change.Field()).Bool("changed", out != content).Msg("rewrote launch script")
	return out, nil
}

// edit replaces [start,end) of one line. A clause edit with empty text also
// eats the whitespace in front of the clause and drops the line if nothing
// but a continuation marker is left.
type edit struct {
	line   int
	start  int
	end    int
	text   string
	clause bool
}

func cutClause(c clause) edit {
	return edit{line: c.line, start: c.start, end: c.end(), clause: true}
}

func replaceArg(c clause, text string) edit {
	return edit{line: c.line, start: c.argStart, end: c.argEnd, text: text}
}

type editor struct {
	*script
	field string
}

func (ed *editor) fail(anchor string, err error) error {
	return rewriteError(ed.field, anchor, err)
}

// apply performs edits back to front so earlier offsets stay valid.
func (ed *editor) apply(edits ...edit) {
	sort.SliceStable(edits, func(i, j int) bool {
		if edits[i].line != edits[j].line {
			return edits[i].line > edits[j].line
		}
		return edits[i].start > edits[j].start
	})
	for _, e := range edits {
		if e.clause && e.text == "" {
			ed.cut(e.line, e.start, e.end)
			continue
		}
		l := ed.lines[e.line]
		ed.lines[e.line] = l[:e.start] + e.text + l[e.end:]
	}
}

func (ed *editor) cut(i, start, end int) {
	l := ed.lines[i]
	s, e := start, end
	for s > 0 && isSpace(l[s-1]) {
		s--
	}
	if s == 0 {
		s = start
		for e < len(l) && (l[e] == ' ' || l[e] == '\t') {
			e++
		}
	}
	l = l[:s] + l[e:]
	ed.lines[i] = l

	rest := strings.TrimSpace(l)
	if rest != "" && rest != "\\" {
		return
	}
	ed.lines = slices.Delete(ed.lines, i, i+1)
	if rest == "" && i > 0 && continues(ed.lines[i-1]) {
		ed.lines[i-1] = stripContinuation(ed.lines[i-1])
	}
}

func stripContinuation(l string) string {
	eol := ""
	if strings.HasSuffix(l, "\r") {
		eol = "\r"
		l = strings.TrimSuffix(l, "\r")
	}
	return strings.TrimRight(strings.TrimSuffix(l, "\\"), " \t") + eol
}

// insert places text in the command that launches the emulator: right after
// the binary for a one-line command, otherwise as its own continuation line in
// front of the line that ends the command. A line that only mentions the
// binary, such as a guard or an assignment, is never an anchor.
func (ed *editor) insert(text string) error {
	inv, ok := ed.findLaunch()
	if !ok {
		return ed.fail("emulator invocation", ErrAnchorNotFound)
	}
	if inv.first == inv.last {
		l := ed.lines[inv.first]
		ed.lines[inv.first] = l[:inv.binEnd] + " " + text + l[inv.binEnd:]
		return nil
	}
	term := ed.lines[inv.last]
	indent := term[:len(term)-len(strings.TrimLeft(term, " \t"))]
	eol := ""
	if strings.HasSuffix(term, "\r") {
		eol = "\r"
	}
	ed.lines = slices.Insert(ed.lines, inv.last, indent+text+" \\"+eol)
	return nil
}

// insertAfter places text right behind clause c. When c's line continues,
// text gets a continuation line of its own below it.
func (ed *editor) insertAfter(c clause, text string) {
	l := ed.lines[c.line]
	if !continues(l) {
		ed.lines[c.line] = l[:c.end()] + " " + text + l[c.end():]
		return
	}
	ref := l
	if c.line+1 < len(ed.lines) {
		ref = ed.lines[c.line+1]
	}
	indent := ref[:len(ref)-len(strings.TrimLeft(ref, " \t"))]
	eol := ""
	if strings.HasSuffix(l, "\r") {
		eol = "\r"
	}
	ed.lines = slices.Insert(ed.lines, c.line+1, indent+text+" \\"+eol)
}

// removeAttr returns the edit that deletes one field of c's argument along
// with its separating comma.
func removeAttr(c clause, arg string, a attr) edit {
	start, end := a.start, a.end
	if start > 0 {
		start--
	} else if end < len(arg) && arg[end] == ',' {
		end++
	}
	return edit{line: c.line, start: c.argStart + start, end: c.argStart + end}
}

func (ed *editor) clausesWhere(keep func(c clause, attrs []attr) bool, flags ...string) []edit {
	var out []edit
	for _, c := range ed.clauses(flags...) {
		var attrs []attr
		if c.hasArg() {
			attrs = splitAttrs(ed.arg(c))
		}
		if keep(c, attrs) {
			out = append(out, cutClause(c))
		}
	}
	return out
}

func sameAudio(cfg qemuconfig.QemuConfig, devs []qemuconfig.AudioDevice) bool {
	want := qemuconfig.QemuConfig{AudioDevices: devs}
	for _, d := range devs {
		if !cfg.HasAudio(d) {
			return false
		}
	}
	for _, d := range cfg.AudioDevices {
		if !want.HasAudio(d) {
			return false
		}
	}
	return true
}
