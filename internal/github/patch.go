package github

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lucasnoah/watchman/internal/models"
)

// Drift records an edit whose old_code did not match the lines it replaced.
// The edit is still applied; line numbers are authoritative.
type Drift struct {
	File      string `json:"file"`
	LineStart int    `json:"line_start"`
	LineEnd   int    `json:"line_end"`
	Expected  string `json:"expected"`
	Actual    string `json:"actual"`
}

// ApplyLineChanges replaces each change's 1-indexed inclusive line range
// with its new code. Ranges must lie within the file and must not overlap.
// Edits are applied bottom-up so earlier line numbers stay valid, and a
// trailing newline on the input is preserved.
func ApplyLineChanges(content string, changes []models.LineChange) (string, []Drift, error) {
	if len(changes) == 0 {
		return content, nil, nil
	}
	trailing := strings.HasSuffix(content, "\n")
	body := strings.TrimSuffix(content, "\n")
	var lines []string
	if body != "" || trailing {
		lines = strings.Split(body, "\n")
	}

	sorted := append([]models.LineChange(nil), changes...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].LineStart < sorted[j].LineStart })

	for i, c := range sorted {
		start, end := int(c.LineStart), int(c.LineEnd)
		if start < 1 || end < start || end > len(lines) {
			return "", nil, fmt.Errorf("invalid line range %d-%d for %d-line file", start, end, len(lines))
		}
		if i > 0 && start <= int(sorted[i-1].LineEnd) {
			return "", nil, fmt.Errorf("line range %d-%d overlaps %d-%d", start, end, sorted[i-1].LineStart, sorted[i-1].LineEnd)
		}
	}

	var drift []Drift
	for i := len(sorted) - 1; i >= 0; i-- {
		c := sorted[i]
		start, end := int(c.LineStart), int(c.LineEnd)
		actual := strings.Join(lines[start-1:end], "\n")
		if c.OldCode != "" && strings.TrimSpace(actual) != strings.TrimSpace(c.OldCode) {
			drift = append(drift, Drift{LineStart: start, LineEnd: end, Expected: c.OldCode, Actual: actual})
		}

		var repl []string
		if nc := strings.TrimSuffix(c.NewCode, "\n"); c.NewCode != "" {
			repl = strings.Split(nc, "\n")
		}
		next := make([]string, 0, len(lines)-(end-start+1)+len(repl))
		next = append(next, lines[:start-1]...)
		next = append(next, repl...)
		next = append(next, lines[end:]...)
		lines = next
	}

	out := strings.Join(lines, "\n")
	if trailing && len(lines) > 0 {
		out += "\n"
	}
	// Report drift top-down.
	for i, j := 0, len(drift)-1; i < j; i, j = i+1, j-1 {
		drift[i], drift[j] = drift[j], drift[i]
	}
	return out, drift, nil
}
