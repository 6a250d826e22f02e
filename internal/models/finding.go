// Package models holds the domain types passed between pipeline stages.
package models

import (
	"fmt"
	"sort"
)

// Severity is the scanner's severity level.
type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

// Severities lists buckets in descending order of importance.
var Severities = []Severity{SeverityError, SeverityWarning, SeverityInfo}

// ParseSeverity maps a scanner severity string to a bucket. Unknown values land in INFO.
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityError, SeverityWarning:
		return Severity(s)
	default:
		return SeverityInfo
	}
}

// Presentation returns the label used in issues and e-mails.
func (s Severity) Presentation() string {
	switch s {
	case SeverityError:
		return "CRITICAL"
	case SeverityWarning:
		return "HIGH"
	default:
		return "LOW"
	}
}

// Finding is one scanner hit.
type Finding struct {
	RuleID      string   `json:"rule_id"`
	Severity    Severity `json:"severity"`
	File        string   `json:"file"`
	Line        int      `json:"line"`
	Message     string   `json:"message"`
	CodeSnippet string   `json:"code_snippet"`
	CWE         []string `json:"cwe"`
	OWASP       []string `json:"owasp"`
}

// SeverityCounts holds per-bucket finding counts.
type SeverityCounts struct {
	Error   int `json:"error"`
	Warning int `json:"warning"`
	Info    int `json:"info"`
}

// Total is the sum of all buckets.
func (c SeverityCounts) Total() int { return c.Error + c.Warning + c.Info }

// ScanResult is the scanner's output for one working copy.
type ScanResult struct {
	TotalFindings int                    `json:"total_findings"`
	BySeverity    map[Severity][]Finding `json:"by_severity"`
	Summary       string                 `json:"summary"`
}

// NewScanResult buckets findings and derives the total and summary.
func NewScanResult(findings []Finding) *ScanResult {
	r := &ScanResult{BySeverity: make(map[Severity][]Finding, len(Severities))}
	for _, s := range Severities {
		r.BySeverity[s] = []Finding{}
	}
	for _, f := range findings {
		f.Severity = ParseSeverity(string(f.Severity))
		r.BySeverity[f.Severity] = append(r.BySeverity[f.Severity], f)
	}
	r.TotalFindings = len(findings)
	c := r.Counts()
	r.Summary = fmt.Sprintf("Found %d critical, %d warnings, %d info", c.Error, c.Warning, c.Info)
	return r
}

// Counts returns the number of findings per bucket.
func (r *ScanResult) Counts() SeverityCounts {
	if r == nil {
		return SeverityCounts{}
	}
	return SeverityCounts{
		Error:   len(r.BySeverity[SeverityError]),
		Warning: len(r.BySeverity[SeverityWarning]),
		Info:    len(r.BySeverity[SeverityInfo]),
	}
}

// Flatten returns every finding, most severe bucket first, then by file and line.
func (r *ScanResult) Flatten() []Finding {
	if r == nil {
		return nil
	}
	out := make([]Finding, 0, r.TotalFindings)
	for _, s := range Severities {
		bucket := append([]Finding(nil), r.BySeverity[s]...)
		sort.SliceStable(bucket, func(i, j int) bool {
			if bucket[i].File != bucket[j].File {
				return bucket[i].File < bucket[j].File
			}
			return bucket[i].Line < bucket[j].Line
		})
		out = append(out, bucket...)
	}
	return out
}

// RepoContext identifies what is being scanned.
type RepoContext struct {
	RepoName  string `json:"repo_name"`
	Branch    string `json:"branch"`
	CommitSHA string `json:"commit_sha"`
}
