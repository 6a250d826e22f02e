// Package analysis turns scanner findings into a prioritized triage and
// synthesizes line-level code fixes, using a language model when one is
// reachable and deterministic fallbacks when it is not.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/lucasnoah/watchman/internal/logging"
	"github.com/lucasnoah/watchman/internal/models"
)

// DefaultMaxFixIssues caps how many critical issues are sent to fix generation.
const DefaultMaxFixIssues = 3

const (
	maxFallbackIssues = 3
	maxSourceBytes    = 64 << 10
	defaultCommitMsg  = "security: fix vulnerabilities"
	defaultFixSummary = "Code fixes generated"
)

// FallbackActions are the recommended actions of a fallback analysis.
var FallbackActions = []string{
	"Review all critical security findings",
	"Implement recommended security fixes",
	"Run additional security tests",
	"Consider manual security review",
}

// Client produces analyses and code fixes.
type Client struct {
	llm          Completer
	log          logrus.FieldLogger
	maxFixIssues int
}

// NewClient creates a Client. maxFixIssues <= 0 uses DefaultMaxFixIssues.
func NewClient(llm Completer, log logrus.FieldLogger, maxFixIssues int) *Client {
	if maxFixIssues <= 0 {
		maxFixIssues = DefaultMaxFixIssues
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Client{llm: llm, log: log, maxFixIssues: maxFixIssues}
}

// Fallback derives an analysis from finding counts alone: the first three
// ERROR findings become CRITICAL issues.
func Fallback(scan *models.ScanResult) *models.Analysis {
	c := scan.Counts()
	a := &models.Analysis{
		ExecutiveSummary: fmt.Sprintf("Automated fallback analysis: Found %d critical issues and %d warnings requiring attention.",
			c.Error, c.Warning),
		CriticalIssues:     []models.CriticalIssue{},
		RecommendedActions: append([]string(nil), FallbackActions...),
		ToolsToUse: []models.ToolSuggestion{
			{Tool: "create_github_issue", Priority: 1},
			{Tool: "log_compliance_event", Priority: 2},
		},
		Fallback: true,
	}
	if scan == nil {
		return a
	}
	for _, f := range scan.BySeverity[models.SeverityError] {
		if len(a.CriticalIssues) == maxFallbackIssues {
			break
		}
		file := f.File
		if file == "" {
			file = "unknown"
		}
		title := f.RuleID
		if title == "" {
			title = "Security Issue"
		}
		desc := f.Message
		if desc == "" {
			desc = "Security vulnerability detected"
		}
		a.CriticalIssues = append(a.CriticalIssues, models.CriticalIssue{
			Title:             title,
			Severity:          "CRITICAL",
			File:              file,
			Line:              models.FlexInt(f.Line),
			Description:       desc,
			BusinessImpact:    "Potential security risk requiring immediate attention",
			RecommendedFix:    "Review and remediate the identified security issue according to best practices",
			ComplianceMapping: []string{"OWASP", "SOC 2"},
		})
	}
	return a
}

// Analyze triages a scan. It never fails: model errors and unusable output
// produce the fallback, and keys the model leaves out are filled from it.
func (c *Client) Analyze(ctx context.Context, scan *models.ScanResult, repo models.RepoContext) *models.Analysis {
	if scan == nil {
		scan = models.NewScanResult(nil)
	}
	fb := Fallback(scan)
	log := c.log.WithField("repo", repo.RepoName)

	if scan.TotalFindings == 0 {
		fb.ExecutiveSummary = "No security findings detected."
		fb.RecommendedActions = []string{}
		fb.ToolsToUse = []models.ToolSuggestion{}
		return fb
	}
	if c.llm == nil {
		log.Warn("no model configured, using fallback analysis")
		return fb
	}

	prompt, err := BuildAnalysisPrompt(scan, repo)
	if err != nil {
		log.WithError(err).Warn("build analysis prompt failed, using fallback analysis")
		return fb
	}
	text, err := c.llm.Complete(ctx, prompt)
	if err != nil {
		log.WithError(err).Warn("model call failed, using fallback analysis")
		return fb
	}

	var a models.Analysis
	if err := decodeJSONObject(text, &a); err != nil {
		log.WithError(err).Warn("model output unusable, using fallback analysis")
		fb.RawResponse = text
		return fb
	}
	a.RawResponse = text
	fillAnalysis(&a, fb, scan.Counts().Error > 0)
	return &a
}

func fillAnalysis(a, fb *models.Analysis, hasErrors bool) {
	if strings.TrimSpace(a.ExecutiveSummary) == "" {
		a.ExecutiveSummary = fb.ExecutiveSummary
	}
	if a.CriticalIssues == nil {
		a.CriticalIssues = fb.CriticalIssues
	}
	if a.RecommendedActions == nil {
		a.RecommendedActions = fb.RecommendedActions
	}
	if a.ToolsToUse == nil {
		a.ToolsToUse = fb.ToolsToUse
	}
	for i := range a.CriticalIssues {
		sev := strings.ToUpper(strings.TrimSpace(a.CriticalIssues[i].Severity))
		if sev == "" {
			sev = "CRITICAL"
		}
		a.CriticalIssues[i].Severity = sev
	}
	// ERROR findings must always surface as at least one CRITICAL issue.
	if hasErrors && !hasSeverity(a.CriticalIssues, "CRITICAL") {
		a.CriticalIssues = append(fb.CriticalIssues, a.CriticalIssues...)
	}
}

func hasSeverity(issues []models.CriticalIssue, sev string) bool {
	for _, i := range issues {
		if i.Severity == sev {
			return true
		}
	}
	return false
}

// SourceFunc reads a repository file by its repo-relative path.
type SourceFunc func(path string) (string, error)

// DirSource reads files from a working copy, refusing paths that escape it.
func DirSource(dir string) SourceFunc {
	return func(path string) (string, error) {
		if !filepath.IsLocal(path) {
			return "", fmt.Errorf("path %q escapes working copy", path)
		}
		data, err := os.ReadFile(filepath.Join(dir, path))
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

// ErrNoFixes is returned when the model produced nothing applicable.
var ErrNoFixes = errors.New("no code fixes generated")

// GenerateFixes asks the model for line edits addressing the first
// maxFixIssues critical issues. read, if non-nil, supplies current file
// contents so the model can cite correct line numbers.
func (c *Client) GenerateFixes(ctx context.Context, issues []models.CriticalIssue, repo models.RepoContext, read SourceFunc) (*models.CodeFixes, error) {
	if c.llm == nil {
		return nil, fmt.Errorf("generate fixes: no model configured")
	}
	if len(issues) == 0 {
		return nil, fmt.Errorf("generate fixes: %w", ErrNoFixes)
	}
	if len(issues) > c.maxFixIssues {
		issues = issues[:c.maxFixIssues]
	}

	sources := map[string]string{}
	if read != nil {
		for _, is := range issues {
			if is.File == "" || sources[is.File] != "" {
				continue
			}
			src, err := read(is.File)
			if err != nil || len(src) > maxSourceBytes {
				continue
			}
			sources[is.File] = numberLines(src)
		}
	}

	prompt, err := BuildFixPrompt(issues, repo, sources)
	if err != nil {
		return nil, err
	}
	text, err := c.llm.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("generate fixes: %w", err)
	}

	var fixes models.CodeFixes
	if err := decodeJSONObject(text, &fixes); err != nil {
		return nil, fmt.Errorf("parse fix response: %w", err)
	}
	fixes.RawResponse = text
	if fixes.FileChanges == nil {
		fixes.FileChanges = []models.FileChange{}
	}
	if fixes.AdditionalFiles == nil {
		fixes.AdditionalFiles = []models.AdditionalFile{}
	}
	if strings.TrimSpace(fixes.Summary) == "" {
		fixes.Summary = defaultFixSummary
	}
	if strings.TrimSpace(fixes.CommitMessage) == "" {
		fixes.CommitMessage = defaultCommitMsg
	}
	if len(fixes.FileChanges) == 0 && len(fixes.AdditionalFiles) == 0 {
		return &fixes, fmt.Errorf("generate fixes: %w", ErrNoFixes)
	}
	return &fixes, nil
}

// decodeJSONObject parses model output into v. It accepts bare JSON, JSON
// in a code fence, or JSON embedded in prose (first '{' to last '}').
func decodeJSONObject(text string, v interface{}) error {
	trimmed := strings.TrimSpace(text)
	if err := json.Unmarshal([]byte(trimmed), v); err == nil {
		return nil
	}
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in model output")
	}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), v); err != nil {
		return fmt.Errorf("decode JSON object: %w", err)
	}
	return nil
}
