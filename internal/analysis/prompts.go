package analysis

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/lucasnoah/watchman/internal/models"
)

var analysisTmpl = template.Must(template.New("analysis").Funcs(funcMap).Parse(`You are a senior DevSecOps security analyst. Analyze the following security scan results and provide actionable recommendations.

Repository Information:
- Name: {{.Repo.RepoName}}
- Branch: {{.Repo.Branch}}
- Commit: {{short .Repo.CommitSHA}}

Scan Results Summary:
- Total Findings: {{.Scan.TotalFindings}}
- Critical (ERROR): {{.Counts.Error}}
- Warnings: {{.Counts.Warning}}
- Info: {{.Counts.Info}}

Critical Security Issues:
{{toJSON .Errors}}

Top Warnings (first 5):
{{toJSON .Warnings}}

Provide your analysis as JSON with exactly this structure:
{
  "executive_summary": "2-3 sentence summary of findings",
  "critical_issues": [
    {
      "title": "Short descriptive title",
      "severity": "CRITICAL|HIGH|MEDIUM|LOW",
      "file": "file path",
      "line": 0,
      "description": "Clear description of the vulnerability",
      "business_impact": "Business impact explanation",
      "recommended_fix": "Specific code fix recommendation",
      "compliance_mapping": ["OWASP", "SOC 2"]
    }
  ],
  "recommended_actions": ["Prioritized list of actions to take"],
  "tools_to_use": [{"tool": "tool_name", "priority": 1}]
}

Focus on:
1. The most critical security issues (top 3)
2. Actionable, developer-friendly recommendations
3. Business impact and compliance implications
4. Specific code fixes where possible

Respond ONLY with the JSON, no additional text or formatting.
`))

var fixTmpl = template.Must(template.New("fix").Funcs(funcMap).Parse(`You are an expert software security engineer. Generate specific code fixes for the following security vulnerabilities.

Repository: {{.Repo.RepoName}}
Branch: {{.Repo.Branch}}

Security Issues to Fix:
{{range $i, $issue := .Issues}}
Issue #{{inc $i}}:
- File: {{$issue.File}}
- Line: {{$issue.Line}}
- Vulnerability: {{$issue.Title}}
- Description: {{$issue.Description}}
- Recommended Fix: {{$issue.RecommendedFix}}
{{end}}
{{- if .Sources}}
Current file contents (line numbers are 1-indexed and shown before each line):
{{range $path, $src := .Sources}}
--- {{$path}}
{{$src}}
{{end}}
{{- end}}
Return your response as JSON in this format:
{
  "summary": "Brief summary of fixes applied",
  "file_changes": [
    {
      "file_path": "path/to/file.py",
      "issue_type": "sql-injection|xss|hardcoded-secrets|etc",
      "description": "What this fix addresses",
      "changes": [
        {
          "line_start": 10,
          "line_end": 15,
          "old_code": "exact old code here",
          "new_code": "exact new secure code here",
          "explanation": "why this fix works"
        }
      ]
    }
  ],
  "additional_files": [
    {
      "file_path": "new/security/config.py",
      "content": "complete file content if a new file is needed",
      "purpose": "what this new file does"
    }
  ],
  "commit_message": "security: fix vulnerabilities in authentication and input validation"
}

Requirements:
1. line_start and line_end are 1-indexed and inclusive; new_code replaces exactly those lines
2. Provide exact code replacements with proper indentation
3. Do not produce overlapping changes within a file
4. Ensure fixes do not break existing functionality
5. The commit message must start with "security:"

Respond ONLY with valid JSON, no additional text.
`))

var funcMap = template.FuncMap{
	"toJSON": func(v interface{}) string {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return "[]"
		}
		return string(data)
	},
	"short": func(sha string) string {
		if len(sha) > 8 {
			return sha[:8]
		}
		if sha == "" {
			return "N/A"
		}
		return sha
	},
	"inc": func(i int) int { return i + 1 },
}

type analysisData struct {
	Repo     models.RepoContext
	Scan     *models.ScanResult
	Counts   models.SeverityCounts
	Errors   []models.Finding
	Warnings []models.Finding
}

// BuildAnalysisPrompt renders the triage prompt for a scan.
func BuildAnalysisPrompt(scan *models.ScanResult, repo models.RepoContext) (string, error) {
	warnings := scan.BySeverity[models.SeverityWarning]
	if len(warnings) > 5 {
		warnings = warnings[:5]
	}
	errs := scan.BySeverity[models.SeverityError]
	if errs == nil {
		errs = []models.Finding{}
	}
	if warnings == nil {
		warnings = []models.Finding{}
	}
	var b strings.Builder
	err := analysisTmpl.Execute(&b, analysisData{
		Repo:     repo,
		Scan:     scan,
		Counts:   scan.Counts(),
		Errors:   errs,
		Warnings: warnings,
	})
	if err != nil {
		return "", fmt.Errorf("render analysis prompt: %w", err)
	}
	return b.String(), nil
}

type fixData struct {
	Repo    models.RepoContext
	Issues  []models.CriticalIssue
	Sources map[string]string
}

// BuildFixPrompt renders the fix-generation prompt. sources maps file
// paths to line-numbered contents.
func BuildFixPrompt(issues []models.CriticalIssue, repo models.RepoContext, sources map[string]string) (string, error) {
	var b strings.Builder
	if err := fixTmpl.Execute(&b, fixData{Repo: repo, Issues: issues, Sources: sources}); err != nil {
		return "", fmt.Errorf("render fix prompt: %w", err)
	}
	return b.String(), nil
}

// numberLines prefixes each line with its 1-indexed number.
func numberLines(src string) string {
	lines := strings.Split(strings.TrimSuffix(src, "\n"), "\n")
	var b strings.Builder
	for i, l := range lines {
		fmt.Fprintf(&b, "%5d| %s\n", i+1, l)
	}
	return b.String()
}
