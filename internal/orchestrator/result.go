package orchestrator

import (
	"github.com/google/uuid"

	"github.com/lucasnoah/watchman/internal/github"
	"github.com/lucasnoah/watchman/internal/models"
	"github.com/lucasnoah/watchman/internal/notify"
)

// Run states recorded in the run_events trace.
const (
	StateCreated        = "CREATED"
	StateCloning        = "CLONING"
	StateScanning       = "SCANNING"
	StateAnalyzing      = "ANALYZING"
	StateIssueFiling    = "ISSUE_FILING"
	StateFixGenerating  = "FIX_GENERATING"
	StatePROpening      = "PR_OPENING"
	StateNotifying      = "NOTIFYING"
	StateFinalized      = "FINALIZED"
	StateFailed         = "FAILED"
	stateStepFailed     = "STEP_FAILED"
	stateCleanupFailure = "CLEANUP_FAILED"
)

// Outcome of an optional step.
type Outcome string

const (
	NotAttempted Outcome = "not_attempted"
	Succeeded    Outcome = "succeeded"
	Failed       Outcome = "failed"
	Skipped      Outcome = "skipped"
)

// FindingsSummary is the per-severity tally of a scan.
type FindingsSummary struct {
	Total    int `json:"total"`
	Critical int `json:"critical"`
	Warnings int `json:"warnings"`
	Info     int `json:"info"`
}

func summarize(c models.SeverityCounts) *FindingsSummary {
	return &FindingsSummary{Total: c.Total(), Critical: c.Error, Warnings: c.Warning, Info: c.Info}
}

// IssueStep is the outcome of issue filing.
type IssueStep struct {
	Outcome Outcome `json:"outcome"`
	Number  int     `json:"issue_number,omitempty"`
	URL     string  `json:"issue_url,omitempty"`
	Title   string  `json:"title,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// FixStep is the outcome of fix generation.
type FixStep struct {
	Outcome       Outcome `json:"outcome"`
	FilesProposed int     `json:"files_proposed,omitempty"`
	Summary       string  `json:"summary,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// PRStep is the outcome of opening the fix pull request.
type PRStep struct {
	Outcome      Outcome               `json:"outcome"`
	Number       int                   `json:"pr_number,omitempty"`
	URL          string                `json:"pr_url,omitempty"`
	Branch       string                `json:"branch_name,omitempty"`
	FilesChanged []string              `json:"files_changed,omitempty"`
	FailedFiles  []github.FailedChange `json:"failed_files,omitempty"`
	Drift        []github.Drift        `json:"drift,omitempty"`
	Linked       bool                  `json:"linked_to_issue"`
	Error        string                `json:"error,omitempty"`
}

// Result is the outcome of one invocation. A skipped or ignored invocation
// is successful and has no RunID.
type Result struct {
	Success         bool              `json:"success"`
	Skipped         bool              `json:"skipped,omitempty"`
	SkipReason      string            `json:"skip_reason,omitempty"`
	Ignored         bool              `json:"ignored,omitempty"`
	Message         string            `json:"message,omitempty"`
	WorkflowID      string            `json:"workflow_id"`
	RunID           int64             `json:"scan_run_id,omitempty"`
	Repo            string            `json:"repo_name,omitempty"`
	Branch          string            `json:"branch,omitempty"`
	CommitSHA       string            `json:"commit_sha,omitempty"`
	DurationSeconds float64           `json:"duration_seconds"`
	Findings        *FindingsSummary  `json:"findings,omitempty"`
	AnalysisSummary string            `json:"analysis_summary,omitempty"`
	FallbackUsed    bool              `json:"fallback_analysis,omitempty"`
	Issue           IssueStep         `json:"github_issue"`
	Fix             FixStep           `json:"code_fixes"`
	PR              PRStep            `json:"security_fix_pr"`
	Notifications   []notify.Delivery `json:"notifications,omitempty"`
	FailedStep      string            `json:"failed_step,omitempty"`
	Error           string            `json:"error,omitempty"`
}

func newResult(t Trigger) *Result {
	return &Result{
		WorkflowID: uuid.NewString(),
		Repo:       t.Repo,
		Branch:     t.Branch,
		CommitSHA:  t.CommitSHA,
		Issue:      IssueStep{Outcome: NotAttempted},
		Fix:        FixStep{Outcome: NotAttempted},
		PR:         PRStep{Outcome: NotAttempted},
	}
}
