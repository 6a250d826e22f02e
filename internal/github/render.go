package github

import (
	"fmt"
	"strings"
	"time"

	"github.com/lucasnoah/watchman/internal/models"
)

// IssueMeta is the scan context shown in an issue body.
type IssueMeta struct {
	Branch    string
	CommitSHA string
	ScannedAt time.Time
}

// PRMeta is the context shown in a fix PR body.
type PRMeta struct {
	IssueNumber int
	SourceSHA   string
	Branch      string
}

// IssueTitle summarizes a triage for an issue title.
func IssueTitle(a *models.Analysis, totalFindings int) string {
	n := 0
	if a != nil {
		n = len(a.CriticalIssues)
	}
	if n > 0 {
		return fmt.Sprintf("Security Alert: %d Critical Issues Found (%d total findings)", n, totalFindings)
	}
	return fmt.Sprintf("Security Review: %d Security Issues Detected", totalFindings)
}

func shortSHA(sha string) string {
	if sha == "" {
		return "unknown"
	}
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// IssueBody renders the markdown report filed as a remediation issue.
func IssueBody(a *models.Analysis, meta IssueMeta) string {
	if a == nil {
		a = &models.Analysis{}
	}
	var b strings.Builder
	b.WriteString("## Watchman Security Scan Report\n\n")
	fmt.Fprintf(&b, "**Scan Date:** %s\n", meta.ScannedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	fmt.Fprintf(&b, "**Branch:** `%s`\n", orDefault(meta.Branch, "unknown"))
	fmt.Fprintf(&b, "**Commit:** `%s`\n", shortSHA(meta.CommitSHA))
	b.WriteString("**Analyzer:** Semgrep + LLM triage\n")
	if a.Fallback {
		b.WriteString("\n> The model was unavailable; this report was derived from finding counts.\n")
	}
	b.WriteString("\n---\n\n## Executive Summary\n\n")
	b.WriteString(orDefault(a.ExecutiveSummary, "Security analysis completed"))
	b.WriteString("\n\n")

	if len(a.CriticalIssues) > 0 {
		b.WriteString("## Critical Issues\n\n")
		for i, is := range a.CriticalIssues {
			line := "N/A"
			if is.Line > 0 {
				line = fmt.Sprintf("%d", is.Line)
			}
			fmt.Fprintf(&b, "### %d. %s\n\n", i+1, orDefault(is.Title, "Security Issue"))
			fmt.Fprintf(&b, "**File:** `%s`\n", orDefault(is.File, "unknown"))
			fmt.Fprintf(&b, "**Line:** %s\n", line)
			fmt.Fprintf(&b, "**Severity:** %s\n\n", orDefault(is.Severity, "MEDIUM"))
			fmt.Fprintf(&b, "**Description:**\n%s\n\n", orDefault(is.Description, "Security vulnerability detected"))
			fmt.Fprintf(&b, "**Business Impact:**\n%s\n\n", orDefault(is.BusinessImpact, "Potential security risk"))
			fmt.Fprintf(&b, "**Recommended Fix:**\n```\n%s\n```\n\n", orDefault(is.RecommendedFix, "Review and remediate according to best practices"))
			if len(is.ComplianceMapping) > 0 {
				fmt.Fprintf(&b, "**Compliance Standards:** %s\n\n", strings.Join(is.ComplianceMapping, ", "))
			}
			b.WriteString("---\n\n")
		}
	}

	if len(a.RecommendedActions) > 0 {
		b.WriteString("## Recommended Actions\n\n")
		for i, act := range a.RecommendedActions {
			fmt.Fprintf(&b, "%d. %s\n", i+1, act)
		}
		b.WriteString("\n")
	}

	if len(a.ToolsToUse) > 0 {
		b.WriteString("## Suggested Follow-ups\n\n")
		for _, t := range a.ToolsToUse {
			fmt.Fprintf(&b, "- **%s** (Priority: %d)\n", orDefault(t.Tool, "unknown"), t.Priority)
		}
		b.WriteString("\n")
	}

	b.WriteString("---\n\n")
	b.WriteString("This issue was filed automatically by Watchman.\n\n")
	b.WriteString("**Next Steps:**\n")
	b.WriteString("1. Review each critical issue\n")
	b.WriteString("2. Implement the recommended fixes\n")
	b.WriteString("3. Re-run the security scan to verify\n")
	return b.String()
}

// PRBody renders the description of a fix pull request.
func PRBody(fixes *models.CodeFixes, meta PRMeta, drift []Drift) string {
	if fixes == nil {
		fixes = &models.CodeFixes{}
	}
	var b strings.Builder
	b.WriteString("## Automated Security Fixes\n\n")
	b.WriteString(orDefault(fixes.Summary, "Code fixes generated"))
	b.WriteString("\n\n")
	if meta.IssueNumber > 0 {
		fmt.Fprintf(&b, "Addresses #%d.\n\n", meta.IssueNumber)
	}
	if meta.SourceSHA != "" {
		fmt.Fprintf(&b, "Generated from scan of `%s`.\n\n", shortSHA(meta.SourceSHA))
	}

	if len(fixes.FileChanges) > 0 {
		b.WriteString("### Changes\n\n")
		for _, fc := range fixes.FileChanges {
			fmt.Fprintf(&b, "- `%s`", fc.FilePath)
			if fc.IssueType != "" {
				fmt.Fprintf(&b, " (%s)", fc.IssueType)
			}
			if fc.Description != "" {
				fmt.Fprintf(&b, ": %s", fc.Description)
			}
			b.WriteString("\n")
			for _, c := range fc.Changes {
				if c.Explanation != "" {
					fmt.Fprintf(&b, "  - lines %d-%d: %s\n", c.LineStart, c.LineEnd, c.Explanation)
				}
			}
		}
		b.WriteString("\n")
	}

	if len(fixes.AdditionalFiles) > 0 {
		b.WriteString("### New Files\n\n")
		for _, f := range fixes.AdditionalFiles {
			fmt.Fprintf(&b, "- `%s`", f.FilePath)
			if f.Purpose != "" {
				fmt.Fprintf(&b, ": %s", f.Purpose)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if len(drift) > 0 {
		b.WriteString("### Review Carefully\n\n")
		b.WriteString("The following edits replaced lines that differ from what the model expected:\n\n")
		for _, d := range drift {
			fmt.Fprintf(&b, "- `%s` lines %d-%d\n", d.File, d.LineStart, d.LineEnd)
		}
		b.WriteString("\n")
	}

	b.WriteString("---\n\n")
	b.WriteString("These changes were generated automatically. Review them and run the test suite before merging.\n")
	return b.String()
}

// PRComment is posted on the remediation issue once a fix PR exists.
func PRComment(number int, url string) string {
	return fmt.Sprintf("**Automated Fix Available**\n\nA pull request with automated fixes for the issues in this scan is open:\n\n**PR #%d**: %s\n\nReview the proposed changes carefully before merging.", number, url)
}

// ClosingComment is posted on an issue when it is closed.
func ClosingComment(reason string) string {
	return fmt.Sprintf("Security issues have been resolved. Issue closed by Watchman.\n\nReason: %s", orDefault(reason, "completed"))
}
