package scanner

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/lucasnoah/watchman/internal/models"
)

type semgrepOutput struct {
	Results []semgrepResult `json:"results"`
}

type semgrepResult struct {
	CheckID string `json:"check_id"`
	Path    string `json:"path"`
	Start   struct {
		Line int `json:"line"`
	} `json:"start"`
	Extra struct {
		Message  string `json:"message"`
		Severity string `json:"severity"`
		Lines    string `json:"lines"`
		Metadata struct {
			CWE   stringList `json:"cwe"`
			OWASP stringList `json:"owasp"`
		} `json:"metadata"`
	} `json:"extra"`
}

// stringList accepts either a JSON string or an array of strings; rule
// metadata uses both.
type stringList []string

func (l *stringList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		if one == "" {
			*l = nil
		} else {
			*l = []string{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		*l = nil
		return nil
	}
	*l = many
	return nil
}

// ParseSemgrep converts semgrep --json output into findings. Paths are
// made relative to the scanned directory.
func ParseSemgrep(data []byte) ([]models.Finding, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("parse scanner output: empty output")
	}
	var out semgrepOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse scanner output: %w", err)
	}

	findings := make([]models.Finding, 0, len(out.Results))
	for _, r := range out.Results {
		findings = append(findings, models.Finding{
			RuleID:      r.CheckID,
			Severity:    models.ParseSeverity(strings.ToUpper(r.Extra.Severity)),
			File:        cleanPath(r.Path),
			Line:        r.Start.Line,
			Message:     r.Extra.Message,
			CodeSnippet: r.Extra.Lines,
			CWE:         []string(r.Extra.Metadata.CWE),
			OWASP:       []string(r.Extra.Metadata.OWASP),
		})
	}
	return findings, nil
}

func cleanPath(p string) string {
	p = filepath.ToSlash(filepath.Clean(p))
	return strings.TrimPrefix(p, "./")
}
