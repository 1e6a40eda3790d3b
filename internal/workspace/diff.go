package workspace

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const maxDiffPreviewLines = 40

// DiffSummary counts changed lines between two versions of a file.
type DiffSummary struct {
	Added   int      `json:"added"`
	Removed int      `json:"removed"`
	Preview []string `json:"preview,omitempty"`
	// Truncated is set when Preview omits changed lines.
	Truncated bool `json:"truncated,omitempty"`
}

// LineDiff compares before and after line by line.
func LineDiff(before, after string) DiffSummary {
	dmp := diffmatchpatch.New()
	beforeChars, afterChars, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(beforeChars, afterChars, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var summary DiffSummary
	for _, d := range diffs {
		if d.Type == diffmatchpatch.DiffEqual {
			continue
		}
		lines := strings.Split(d.Text, "\n")
		if len(lines) > 0 && lines[len(lines)-1] == "" {
			lines = lines[:len(lines)-1]
		}
		prefix := "+"
		if d.Type == diffmatchpatch.DiffDelete {
			prefix = "-"
		}
		for _, line := range lines {
			if prefix == "+" {
				summary.Added++
			} else {
				summary.Removed++
			}
			if len(summary.Preview) < maxDiffPreviewLines {
				summary.Preview = append(summary.Preview, prefix+line)
			} else {
				summary.Truncated = true
			}
		}
	}
	return summary
}

// String renders the summary as a short header followed by the preview.
func (s DiffSummary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "+%d -%d", s.Added, s.Removed)
	for _, line := range s.Preview {
		b.WriteString("\n")
		b.WriteString(line)
	}
	if s.Truncated {
		b.WriteString("\n...")
	}
	return b.String()
}
