package approval

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// DiffLine is one line of a spec diff.
type DiffLine struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	OldLine int    `json:"old_line,omitempty"`
	NewLine int    `json:"new_line,omitempty"`
}

const (
	LineContext = "context"
	LineAdded   = "added"
	LineRemoved = "removed"
)

// SpecDiff returns a line diff from the previous spec to the regenerated
// one.
func SpecDiff(prev, next string) []DiffLine {
	dmp := diffmatchpatch.New()
	prevChars, nextChars, lineArray := dmp.DiffLinesToChars(prev, next)
	diffs := dmp.DiffMain(prevChars, nextChars, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var lines []DiffLine
	oldLine, newLine := 1, 1
	for _, d := range diffs {
		chunk := strings.Split(d.Text, "\n")
		if len(chunk) > 0 && chunk[len(chunk)-1] == "" {
			chunk = chunk[:len(chunk)-1]
		}
		for _, text := range chunk {
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				lines = append(lines, DiffLine{Type: LineContext, Text: text, OldLine: oldLine, NewLine: newLine})
				oldLine++
				newLine++
			case diffmatchpatch.DiffDelete:
				lines = append(lines, DiffLine{Type: LineRemoved, Text: text, OldLine: oldLine})
				oldLine++
			case diffmatchpatch.DiffInsert:
				lines = append(lines, DiffLine{Type: LineAdded, Text: text, NewLine: newLine})
				newLine++
			}
		}
	}
	return lines
}

// Changed reports whether a diff contains any added or removed line.
func Changed(lines []DiffLine) bool {
	for _, l := range lines {
		if l.Type != LineContext {
			return true
		}
	}
	return false
}
