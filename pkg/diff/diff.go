package diff

import (
	"strings"

	"github.com/fatih/color"
	"github.com/pmezard/go-difflib/difflib"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Unified returns a unified diff of a script before and after a rewrite, or
// "" when they are equal.
func Unified(name, before, after string) string {
	if before == after {
		return ""
	}
	diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: "a/" + name,
		ToFile:   "b/" + name,
		Context:  3,
	})
	return diff
}

// Pretty renders the change from before to after for a terminal, with the
// edited part of each changed line highlighted.
func Pretty(name, before, after string) (string, error) {
	unified := Unified(name, before, after)
	if unified == "" {
		return "", nil
	}
	ud, err := ParseUnifiedDiff(unified)
	if err != nil {
		return "", err
	}
	return ud.PrettyPrint(), nil
}

// InlineDiff is a one line rendering for short values such as a single flag.
// Without color, removed text is written as [-x-] and added text as {+x+}.
func InlineDiff(before, after string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(before, after, false))

	var b strings.Builder
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			if color.NoColor {
				b.WriteString("[-" + d.Text + "-]")
			} else {
				b.WriteString(color.New(color.FgRed).Sprint(d.Text))
			}
		case diffmatchpatch.DiffInsert:
			if color.NoColor {
				b.WriteString("{+" + d.Text + "+}")
			} else {
				b.WriteString(color.New(color.FgGreen).Sprint(d.Text))
			}
		default:
			b.WriteString(d.Text)
		}
	}
	return b.String()
}

// formatStartingWhitespace makes leading indentation visible:
// "    \thello" renders as "····→   hello".
func formatStartingWhitespace(s string, colord *color.Color) string {
	out := color.New(color.Bold).Sprint(" | ")
	for j, char := range s {
		switch char {
		case ' ':
			out += color.New(color.Faint, color.FgHiGreen).Sprint("∙")
		case '\t':
			out += color.New(color.Faint, color.FgHiGreen).Sprint("→   ")
		default:
			return out + colord.Sprint(s[j:])
		}
	}
	return out
}
