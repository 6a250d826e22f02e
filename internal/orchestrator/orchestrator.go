// Package orchestrator drives a scan run end to end: loop prevention,
// clone, scan, triage, remediation, notification and finalization.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lucasnoah/watchman/internal/analysis"
	"github.com/lucasnoah/watchman/internal/db"
	"github.com/lucasnoah/watchman/internal/github"
	"github.com/lucasnoah/watchman/internal/logging"
	"github.com/lucasnoah/watchman/internal/metrics"
	"github.com/lucasnoah/watchman/internal/models"
	"github.com/lucasnoah/watchman/internal/notify"
	"github.com/lucasnoah/watchman/internal/webhook"
	"github.com/lucasnoah/watchman/internal/worktree"
)

// Cloner acquires and releases working copies.
type Cloner interface {
	Clone(ctx context.Context, repo, branch string) (*worktree.Checkout, error)
	Remove(path string) error
}

// Scanner runs the static analyzer over a working copy.
type Scanner interface {
	Scan(ctx context.Context, dir string) (*models.ScanResult, error)
}

// Analyzer triages findings and synthesizes fixes.
type Analyzer interface {
	Analyze(ctx context.Context, scan *models.ScanResult, repo models.RepoContext) *models.Analysis
	GenerateFixes(ctx context.Context, issues []models.CriticalIssue, repo models.RepoContext, read analysis.SourceFunc) (*models.CodeFixes, error)
}

// Remediator files issues and opens fix pull requests.
type Remediator interface {
	CreateIssue(ctx context.Context, opts github.IssueOpts) (*github.IssueResult, error)
	AddComment(ctx context.Context, repo string, number int, body string) (string, error)
	CloseIssue(ctx context.Context, repo string, number int, reason string) error
	CreateFixPR(ctx context.Context, opts github.FixPROpts) (*github.FixPRResult, error)
}

// Deps are the collaborators of an Orchestrator. Notifier and Metrics may
// be nil.
type Deps struct {
	Store      *db.DB
	Cloner     Cloner
	Scanner    Scanner
	Analyzer   Analyzer
	Remediator Remediator
	Notifier   *notify.Notifier
	Metrics    *metrics.Metrics
	Log        logrus.FieldLogger
}

// Options tune pipeline behavior.
type Options struct {
	Guard      webhook.Guard
	Compliance bool
	Frameworks []string
	Now        func() time.Time
}

// DefaultFrameworks tag compliance events when none are configured.
var DefaultFrameworks = []string{"SOC 2", "NIST", "OWASP"}

// Orchestrator runs pipelines. It holds no per-run state and is safe for
// concurrent use.
type Orchestrator struct {
	store      *db.DB
	cloner     Cloner
	scanner    Scanner
	analyzer   Analyzer
	remediator Remediator
	notifier   *notify.Notifier
	metrics    *metrics.Metrics
	log        logrus.FieldLogger
	opts       Options
}

// New creates an Orchestrator, failing if a required collaborator is missing.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("orchestrator: store is required")
	case deps.Cloner == nil:
		return nil, fmt.Errorf("orchestrator: cloner is required")
	case deps.Scanner == nil:
		return nil, fmt.Errorf("orchestrator: scanner is required")
	case deps.Analyzer == nil:
		return nil, fmt.Errorf("orchestrator: analyzer is required")
	case deps.Remediator == nil:
		return nil, fmt.Errorf("orchestrator: remediator is required")
	}
	if opts.Guard.BranchPrefix == "" && opts.Guard.CommitPrefix == "" {
		return nil, fmt.Errorf("orchestrator: loop prevention needs a branch or commit prefix")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if len(opts.Frameworks) == 0 {
		opts.Frameworks = DefaultFrameworks
	}
	log := deps.Log
	if log == nil {
		log = logging.Discard()
	}
	return &Orchestrator{
		store:      deps.Store,
		cloner:     deps.Cloner,
		scanner:    deps.Scanner,
		analyzer:   deps.Analyzer,
		remediator: deps.Remediator,
		notifier:   deps.Notifier,
		metrics:    deps.Metrics,
		log:        log,
		opts:       opts,
	}, nil
}

// Trigger identifies what to scan.
type Trigger struct {
	Repo          string `json:"repo"`
	Branch        string `json:"branch"`
	CommitSHA     string `json:"commit_sha"`
	CommitMessage string `json:"commit_message"`
	Pusher        string `json:"pusher,omitempty"`
}

// HandleEvent runs the pipeline for a normalized event. Non-push events
// and branch deletions are acknowledged without running anything.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev webhook.Event) *Result {
	if ev.Type != webhook.TypePush {
		msg := "event ignored: " + ev.Type
		if ev.Error != "" {
			msg += ": " + ev.Error
		}
		return &Result{Success: true, Ignored: true, WorkflowID: uuid.NewString(), Message: msg}
	}
	if webhook.IsBranchDeletion(ev) {
		return &Result{Success: true, Ignored: true, WorkflowID: uuid.NewString(), Repo: ev.RepoFullName, Branch: ev.Branch,
			Message: "branch deletion ignored"}
	}
	return o.Process(ctx, Trigger{
		Repo:          ev.RepoFullName,
		Branch:        ev.Branch,
		CommitSHA:     ev.CommitSHA,
		CommitMessage: ev.CommitMessage,
		Pusher:        ev.Pusher,
	})
}

// ProcessManual runs the pipeline for an operator-requested scan.
func (o *Orchestrator) ProcessManual(ctx context.Context, repo, branch string) *Result {
	return o.HandleEvent(ctx, webhook.ManualEvent(repo, branch))
}

// Process runs one pipeline invocation. It never returns nil, and only a
// clone or scan failure (or a panic) produces an unsuccessful result.
func (o *Orchestrator) Process(ctx context.Context, t Trigger) (res *Result) {
	res = newResult(t)
	log := o.log.WithFields(logrus.Fields{
		"workflow_id": res.WorkflowID,
		"repo":        t.Repo,
		"branch":      t.Branch,
	})

	if d := o.opts.Guard.Check(t.Branch, t.CommitMessage); d.Skip {
		o.metrics.RunSkipped(d.Reason)
		log.WithField("reason", d.Reason).Info("skipping self-triggered push")
		res.Success = true
		res.Skipped = true
		res.SkipReason = d.Reason
		res.Message = "skipped: " + d.Reason
		return res
	}

	r := &run{o: o, ctx: ctx, res: res, trigger: t, start: o.opts.Now(), log: log}
	id, err := o.store.CreateScanRun(ctx, t.Repo, t.Branch, t.CommitSHA)
	if err != nil {
		log.WithError(err).Error("create scan run failed")
		res.Error = fmt.Sprintf("create scan run: %v", err)
		return res
	}
	res.RunID = id
	r.log = log.WithField("run_id", id)
	o.metrics.RunStarted()

	defer func() {
		if p := recover(); p != nil {
			r.log.WithField("panic", p).Error("pipeline panicked")
			// A finalized run keeps the outcome its row records.
			if !r.finished {
				r.fail("panic", fmt.Errorf("panic: %v", p))
			}
		}
	}()

	r.execute()
	return res
}

// RunStatus is a persisted run with its children summarized.
type RunStatus struct {
	Run               *db.ScanRun          `json:"scan_run"`
	FindingsCount     int                  `json:"findings_count"`
	AnalysisAvailable bool                 `json:"analysis_available"`
	Issue             *db.RemediationIssue `json:"issue,omitempty"`
	Events            []db.RunEvent        `json:"events"`
}

// Status reports a run by id. It returns db.ErrNotFound for unknown ids.
func (o *Orchestrator) Status(ctx context.Context, id int64) (*RunStatus, error) {
	run, err := o.store.GetScanRun(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get scan run: %w", err)
	}
	if run == nil {
		return nil, fmt.Errorf("scan run %d: %w", id, db.ErrNotFound)
	}
	st := &RunStatus{Run: run}
	if st.FindingsCount, err = o.store.CountFindings(ctx, id); err != nil {
		return nil, fmt.Errorf("count findings: %w", err)
	}
	a, err := o.store.GetAnalysis(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get analysis: %w", err)
	}
	st.AnalysisAvailable = a != nil
	if st.Issue, err = o.store.GetRemediationIssue(ctx, id); err != nil {
		return nil, fmt.Errorf("get remediation issue: %w", err)
	}
	if st.Events, err = o.store.ListRunEvents(ctx, id); err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	return st, nil
}

// Limits for RecentScans.
const (
	DefaultRecentLimit = 10
	MaxRecentLimit     = 100
)

// RecentScans lists runs newest first, optionally for one repository.
func (o *Orchestrator) RecentScans(ctx context.Context, repo string, limit int) ([]db.ScanRun, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	if limit > MaxRecentLimit {
		limit = MaxRecentLimit
	}
	return o.store.RecentScanRuns(ctx, repo, limit)
}

// SystemStats reports aggregate counts over all runs.
func (o *Orchestrator) SystemStats(ctx context.Context) (*db.Stats, error) {
	return o.store.Stats(ctx)
}

// ErrNoIssue is returned by CloseIssue when a run filed no issue.
var ErrNoIssue = errors.New("run has no remediation issue")

// CloseIssue closes the remediation issue filed by a run.
func (o *Orchestrator) CloseIssue(ctx context.Context, runID int64, reason string) (*db.RemediationIssue, error) {
	issue, err := o.store.GetRemediationIssue(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("get remediation issue: %w", err)
	}
	if issue == nil {
		return nil, fmt.Errorf("run %d: %w", runID, ErrNoIssue)
	}
	if issue.Status == "closed" {
		return issue, nil
	}
	if err := o.remediator.CloseIssue(ctx, issue.RepoName, issue.IssueNumber, reason); err != nil {
		return nil, err
	}
	if err := o.store.CloseRemediationIssue(ctx, runID); err != nil {
		return nil, fmt.Errorf("mark issue closed: %w", err)
	}
	_ = o.store.LogRunEvent(ctx, runID, "ISSUE_CLOSED", reason)
	return o.store.GetRemediationIssue(ctx, runID)
}
