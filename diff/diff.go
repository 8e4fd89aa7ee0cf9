// Package diff compares two versions of a page's extracted text and
// decides whether the difference is worth reporting.
package diff

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Classification thresholds. A change below MinChangeRatio, or one that
// adds fewer than MinAddedChars new characters, is considered churn. A
// change above MaxChangeRatio usually means the page broke or was
// replaced wholesale; it is still reported so a replaced page is never
// silently missed.
const (
	MinChangeRatio = 0.01
	MaxChangeRatio = 0.95
	MinAddedChars  = 20
)

// initialPreview caps how much of a first fetch goes into the diff text.
const initialPreview = 1000

// Result describes the comparison of two text versions.
type Result struct {
	Changed      bool
	ChangeRatio  float64
	AddedLines   int
	RemovedLines int
	AddedChars   int
	Unified      string
}

// Compute diffs prev against curr. Empty prev means a first fetch.
func Compute(prev, curr string) *Result {
	if prev == curr {
		return &Result{}
	}
	if prev == "" && curr == "" {
		return &Result{}
	}
	if prev == "" {
		return &Result{
			Changed:     true,
			ChangeRatio: 1,
			AddedLines:  countLines(curr),
			AddedChars:  countNonSpace(curr),
			Unified:     Initial(curr),
		}
	}
	if curr == "" {
		return &Result{
			Changed:      true,
			ChangeRatio:  1,
			RemovedLines: countLines(prev),
			Unified:      "--- content removed\n",
		}
	}

	unified, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(prev),
		B:        difflib.SplitLines(curr),
		FromFile: "previous",
		ToFile:   "current",
		Context:  3,
	})
	if err != nil {
		// SplitLines output cannot make the writer fail, but keep the
		// result usable if it ever does.
		unified = ""
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(prev, curr, false)

	res := &Result{
		Changed:     true,
		ChangeRatio: changeRatio(dmp, diffs, prev, curr),
		Unified:     unified,
	}
	// AddedChars is character-level: a reworded line counts only its new
	// characters, not the whole line, so the churn threshold holds.
	for _, d := range diffs {
		if d.Type == diffmatchpatch.DiffInsert {
			res.AddedChars += countNonSpace(d.Text)
		}
	}
	for _, line := range strings.Split(unified, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			res.AddedLines++
		case strings.HasPrefix(line, "-"):
			res.RemovedLines++
		}
	}
	return res
}

// Initial renders the diff text recorded for a site's first fetch.
func Initial(curr string) string {
	preview := curr
	if len(preview) > initialPreview {
		preview = preview[:initialPreview]
	}
	return "+++ Initial fetch\n" + preview
}

// Meaningful reports whether r warrants a change report. The checks are
// ordered: a sub-MinChangeRatio change is never meaningful, a change
// above MaxChangeRatio always is, and anything in between still needs at
// least MinAddedChars new characters.
func (r *Result) Meaningful() bool {
	if !r.Changed {
		return false
	}
	if r.ChangeRatio < MinChangeRatio {
		return false
	}
	if r.ChangeRatio > MaxChangeRatio {
		return true
	}
	if r.AddedChars < MinAddedChars {
		return false
	}
	return true
}

// Summary renders a one-line human description of the change.
func (r *Result) Summary() string {
	if !r.Changed {
		return "No changes detected"
	}
	return fmt.Sprintf("%.1f%% changed, +%d lines, -%d lines",
		r.ChangeRatio*100, r.AddedLines, r.RemovedLines)
}

// changeRatio is the normalized edit distance between the two texts.
func changeRatio(dmp *diffmatchpatch.DiffMatchPatch, diffs []diffmatchpatch.Diff, prev, curr string) float64 {
	longer := len(prev)
	if len(curr) > longer {
		longer = len(curr)
	}
	if longer == 0 {
		return 0
	}
	dist := dmp.DiffLevenshtein(diffs)
	ratio := float64(dist) / float64(longer)
	if ratio > 1 {
		ratio = 1
	}
	return ratio
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}

func countNonSpace(s string) int {
	n := 0
	for _, r := range s {
		if !strings.ContainsRune(" \t\n\r", r) {
			n++
		}
	}
	return n
}
