package models

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Analysis is the triage produced by the model or by the count-based fallback.
type Analysis struct {
	ExecutiveSummary   string           `json:"executive_summary"`
	CriticalIssues     []CriticalIssue  `json:"critical_issues"`
	RecommendedActions []string         `json:"recommended_actions"`
	ToolsToUse         []ToolSuggestion `json:"tools_to_use"`
	RawResponse        string           `json:"raw_response,omitempty"`
	Fallback           bool             `json:"fallback"`
}

// HasCriticalIssues reports whether the triage surfaced anything to file.
func (a *Analysis) HasCriticalIssues() bool {
	return a != nil && len(a.CriticalIssues) > 0
}

// CriticalIssue is one item the model (or fallback) flagged for action.
type CriticalIssue struct {
	Title             string   `json:"title"`
	Severity          string   `json:"severity"`
	File              string   `json:"file"`
	Line              FlexInt  `json:"line"`
	Description       string   `json:"description"`
	BusinessImpact    string   `json:"business_impact"`
	RecommendedFix    string   `json:"recommended_fix"`
	ComplianceMapping []string `json:"compliance_mapping"`
}

// ToolSuggestion is a follow-up action the model recommends.
type ToolSuggestion struct {
	Tool     string  `json:"tool"`
	Priority FlexInt `json:"priority"`
}

// CodeFixes is the line-edit patch set produced by fix generation.
type CodeFixes struct {
	Summary         string           `json:"summary"`
	FileChanges     []FileChange     `json:"file_changes"`
	AdditionalFiles []AdditionalFile `json:"additional_files"`
	CommitMessage   string           `json:"commit_message"`
	RawResponse     string           `json:"raw_response,omitempty"`
}

// FileChange groups the edits for a single existing file.
type FileChange struct {
	FilePath    string       `json:"file_path"`
	IssueType   string       `json:"issue_type"`
	Description string       `json:"description"`
	Changes     []LineChange `json:"changes"`
}

// LineChange replaces the 1-indexed inclusive range [LineStart, LineEnd] with NewCode.
type LineChange struct {
	LineStart   FlexInt `json:"line_start"`
	LineEnd     FlexInt `json:"line_end"`
	OldCode     string  `json:"old_code"`
	NewCode     string  `json:"new_code"`
	Explanation string  `json:"explanation"`
}

// AdditionalFile is a wholly new file to add alongside the edits.
type AdditionalFile struct {
	FilePath string `json:"file_path"`
	Content  string `json:"content"`
	Purpose  string `json:"purpose"`
}

// FlexInt decodes JSON numbers and numeric strings; anything else becomes 0.
// Model output is not reliable about quoting.
type FlexInt int

func (f *FlexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = 0
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		if i, err := n.Int64(); err == nil {
			*f = FlexInt(i)
			return nil
		}
		if fl, err := n.Float64(); err == nil {
			*f = FlexInt(int(fl))
			return nil
		}
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			*f = FlexInt(i)
			return nil
		}
	}
	*f = 0
	return nil
}
