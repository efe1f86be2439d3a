package diff

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/sourcegraph/go-diff/diff"
	"gitlab.com/tozd/go/errors"
)

type UnifiedDiff struct {
	FileDiff *diff.FileDiff
}

// Stat counts the lines a diff touches.
type Stat struct {
	Added   int32 `json:"added"`
	Changed int32 `json:"changed"`
	Deleted int32 `json:"deleted"`
}

// highlightChanges renders newLine with the inserted runs in bold.
func highlightChanges(oldLine, newLine string, lineColor *color.Color) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(oldLine, newLine, false))

	var result strings.Builder
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			result.WriteString(color.New(color.FgGreen, color.Bold).Sprint(d.Text))
		case diffmatchpatch.DiffEqual:
			result.WriteString(lineColor.Sprint(d.Text))
		}
	}
	return result.String()
}

// highlightDeletedText renders oldLine with the deleted runs in bold.
func highlightDeletedText(oldLine, newLine string, lineColor *color.Color) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(oldLine, newLine, false))

	var result strings.Builder
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			result.WriteString(color.New(color.FgRed, color.Bold).Sprint(d.Text))
		case diffmatchpatch.DiffEqual:
			result.WriteString(lineColor.Sprint(d.Text))
		}
	}
	return result.String()
}

func ParseUnifiedDiff(diffStr string) (*UnifiedDiff, error) {
	if diffStr == "" {
		return nil, errors.New("empty diff string")
	}

	fileDiff, err := diff.ParseFileDiff([]byte(diffStr))
	if err != nil {
		return nil, errors.Errorf("parsing unified diff: %w", err)
	}

	return &UnifiedDiff{FileDiff: fileDiff}, nil
}

func (ud *UnifiedDiff) Stat() Stat {
	if ud == nil || ud.FileDiff == nil {
		return Stat{}
	}
	s := ud.FileDiff.Stat()
	return Stat{Added: s.Added, Changed: s.Changed, Deleted: s.Deleted}
}

func (ud *UnifiedDiff) PrettyPrint() string {
	if ud == nil || ud.FileDiff == nil {
		return ""
	}

	removedPrefix := fmt.Sprintf("[%s] %s", color.New(color.Bold, color.FgRed).Sprint("old"), color.New(color.Faint).Sprint("-"))
	addedPrefix := fmt.Sprintf("[%s] %s", color.New(color.FgGreen, color.Bold).Sprint("new"), color.New(color.Faint).Sprint("+"))
	contextPrefix := strings.Repeat(" ", 7)

	var result []string

	if ud.FileDiff.OrigName != "" {
		result = append(result, fmt.Sprintf("%s %s", color.New(color.Faint).Sprint("---"), color.New(color.FgRed).Sprint(ud.FileDiff.OrigName)))
	}
	if ud.FileDiff.NewName != "" {
		result = append(result, fmt.Sprintf("%s %s", color.New(color.Faint).Sprint("+++"), color.New(color.FgGreen).Sprint(ud.FileDiff.NewName)))
	}

	for _, hunk := range ud.FileDiff.Hunks {
		result = append(result, color.New(color.Faint).Sprintf("@@ -%d,%d +%d,%d @@%s",
			hunk.OrigStartLine, hunk.OrigLines,
			hunk.NewStartLine, hunk.NewLines,
			hunk.Section))

		for _, group := range groupRelatedChanges(strings.Split(string(hunk.Body), "\n")) {
			for _, line := range group.contextLines {
				result = append(result, contextPrefix+formatStartingWhitespace(line, color.New(color.Faint)))
			}

			red, green := color.New(color.FgRed), color.New(color.FgGreen)
			if len(group.oldLines) == 1 && len(group.newLines) == 1 {
				oldLine, newLine := group.oldLines[0], group.newLines[0]
				result = append(result, removedPrefix+formatStartingWhitespace(highlightDeletedText(oldLine, newLine, red), red))
				result = append(result, addedPrefix+formatStartingWhitespace(highlightChanges(oldLine, newLine, green), green))
				continue
			}
			for _, line := range group.oldLines {
				result = append(result, removedPrefix+formatStartingWhitespace(line, red))
			}
			for _, line := range group.newLines {
				result = append(result, addedPrefix+formatStartingWhitespace(line, green))
			}
		}

		result = append(result, "")
	}

	return strings.Join(result, "\n")
}

// lineGroup is a run of context lines followed by the removals and additions
// that replace them.
type lineGroup struct {
	contextLines []string
	oldLines     []string
	newLines     []string
}

// groupRelatedChanges pairs removed and added lines so a one line edit can be
// highlighted character by character.
func groupRelatedChanges(lines []string) []lineGroup {
	var groups []lineGroup
	var current lineGroup

	flush := func() {
		if len(current.contextLines) > 0 || len(current.oldLines) > 0 || len(current.newLines) > 0 {
			groups = append(groups, current)
			current = lineGroup{}
		}
	}

	inChange := false
	for _, line := range lines {
		if line == "" {
			continue
		}
		switch line[0] {
		case '-':
			inChange = true
			current.oldLines = append(current.oldLines, line[1:])
		case '+':
			inChange = true
			current.newLines = append(current.newLines, line[1:])
		case '\\':
			// "\ No newline at end of file"
		default:
			if inChange {
				flush()
				inChange = false
			}
			current.contextLines = append(current.contextLines, line[1:])
		}
	}
	flush()

	return groups
}
