package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lucasnoah/watchman/internal/analysis"
	"github.com/lucasnoah/watchman/internal/db"
	"github.com/lucasnoah/watchman/internal/github"
	"github.com/lucasnoah/watchman/internal/models"
	"github.com/lucasnoah/watchman/internal/notify"
	"github.com/lucasnoah/watchman/internal/worktree"
)

// run carries the state of one pipeline invocation after its ScanRun row
// exists.
type run struct {
	o        *Orchestrator
	ctx      context.Context
	res      *Result
	trigger  Trigger
	start    time.Time
	log      logrus.FieldLogger
	finished bool
}

func (r *run) execute() {
	o, res := r.o, r.res
	r.event(StateCreated, "")
	r.compliance("scan_started", map[string]interface{}{
		"repo_name": res.Repo, "branch": res.Branch, "commit_sha": res.CommitSHA, "workflow_id": res.WorkflowID,
	})

	r.event(StateCloning, "")
	var co *worktree.Checkout
	if err := r.timed("clone", func() (err error) {
		co, err = o.cloner.Clone(r.ctx, r.trigger.Repo, r.trigger.Branch)
		return err
	}); err != nil {
		r.fail("clone", err)
		return
	}
	defer func() {
		if err := o.cloner.Remove(co.Path); err != nil {
			r.log.WithError(err).Warn("remove working copy failed")
			r.event(stateCleanupFailure, err.Error())
		}
	}()

	repo := models.RepoContext{RepoName: res.Repo, Branch: res.Branch, CommitSHA: res.CommitSHA}
	if co.HeadSHA != "" {
		repo.CommitSHA = co.HeadSHA
	}

	r.event(StateScanning, "")
	var scan *models.ScanResult
	if err := r.timed("scan", func() (err error) {
		scan, err = o.scanner.Scan(r.ctx, co.Path)
		return err
	}); err != nil {
		r.fail("scan", err)
		return
	}
	counts := scan.Counts()
	res.Findings = summarize(counts)
	for _, s := range models.Severities {
		o.metrics.AddFindings(string(s), len(scan.BySeverity[s]))
	}
	r.log.WithFields(logrus.Fields{"total": counts.Total(), "errors": counts.Error, "warnings": counts.Warning}).Info("scan complete")
	r.attempt("persist_findings", func() error {
		return o.store.InsertFindings(r.ctx, res.RunID, scan.Flatten())
	})
	if counts.Total() > 0 {
		r.compliance("findings_detected", map[string]interface{}{
			"total": counts.Total(), "critical": counts.Error, "warnings": counts.Warning, "info": counts.Info,
		})
	}

	r.event(StateAnalyzing, "")
	var a *models.Analysis
	_ = r.timed("analyze", func() error {
		a = o.analyzer.Analyze(r.ctx, scan, repo)
		return nil
	})
	if a == nil {
		a = analysis.Fallback(scan)
	}
	res.AnalysisSummary = a.ExecutiveSummary
	res.FallbackUsed = a.Fallback
	r.attempt("persist_analysis", func() error {
		return o.store.InsertAnalysis(r.ctx, res.RunID, a)
	})

	if counts.Total() > 0 {
		r.event(StateIssueFiling, "")
		r.fileIssue(scan, a)
	}

	if a.HasCriticalIssues() {
		r.event(StateFixGenerating, "")
		if fixes := r.generateFixes(a, repo, co.Path); fixes != nil {
			r.event(StatePROpening, "")
			r.openPR(fixes, co.Path, repo.CommitSHA)
		}
	}

	duration := o.opts.Now().Sub(r.start)
	r.event(StateNotifying, "")
	r.notify(func() notify.Delivery {
		return o.notifier.ScanSummary(r.ctx, notify.Summary{
			WorkflowID:  res.WorkflowID,
			RunID:       res.RunID,
			Repo:        res.Repo,
			Branch:      res.Branch,
			Status:      db.StatusCompleted,
			Counts:      counts,
			Duration:    duration,
			IssueNumber: res.Issue.Number,
			IssueURL:    res.Issue.URL,
			PRNumber:    res.PR.Number,
			PRURL:       res.PR.URL,
		})
	})

	r.finish(db.RunFinish{Status: db.StatusCompleted, Counts: counts, Total: counts.Total(), Duration: duration})
	res.Success = true
	res.Message = fmt.Sprintf("scan completed: %d findings", counts.Total())
	r.compliance("summary", map[string]interface{}{
		"status": db.StatusCompleted, "total": counts.Total(), "duration_seconds": duration.Seconds(),
		"issue_filed": res.Issue.Outcome == Succeeded, "pr_opened": res.PR.Outcome == Succeeded,
	})
	r.log.WithField("duration", duration.String()).Info("pipeline completed")
}

func (r *run) fileIssue(scan *models.ScanResult, a *models.Analysis) {
	o, res := r.o, r.res
	title := github.IssueTitle(a, scan.TotalFindings)
	body := github.IssueBody(a, github.IssueMeta{Branch: res.Branch, CommitSHA: res.CommitSHA, ScannedAt: r.start})

	var issue *github.IssueResult
	err := r.timed("create_issue", func() (err error) {
		issue, err = o.remediator.CreateIssue(r.ctx, github.IssueOpts{Repo: res.Repo, Title: title, Body: body})
		return err
	})
	if err != nil {
		res.Issue = IssueStep{Outcome: Failed, Title: title, Error: err.Error()}
		r.stepFailed("create_issue", err)
		return
	}
	res.Issue = IssueStep{Outcome: Succeeded, Number: issue.Number, URL: issue.URL, Title: issue.Title}
	r.log.WithField("issue", issue.Number).Info("remediation issue filed")

	r.attempt("persist_issue", func() error {
		return o.store.InsertRemediationIssue(r.ctx, res.RunID, res.Repo, issue.Number, issue.URL, issue.Title)
	})
	r.compliance("remediation_initiated", map[string]interface{}{
		"action": "github_issue", "issue_number": issue.Number, "issue_url": issue.URL,
	})
	r.notify(func() notify.Delivery {
		return o.notifier.SecurityIssue(r.ctx, notify.IssueNotice{
			WorkflowID:    res.WorkflowID,
			Repo:          res.Repo,
			Branch:        res.Branch,
			CommitSHA:     res.CommitSHA,
			IssueNumber:   issue.Number,
			IssueURL:      issue.URL,
			TotalFindings: scan.TotalFindings,
			Analysis:      a,
		})
	})
}

func (r *run) generateFixes(a *models.Analysis, repo models.RepoContext, dir string) *models.CodeFixes {
	var fixes *models.CodeFixes
	err := r.timed("generate_fixes", func() (err error) {
		fixes, err = r.o.analyzer.GenerateFixes(r.ctx, a.CriticalIssues, repo, analysis.DirSource(dir))
		return err
	})
	switch {
	case errors.Is(err, analysis.ErrNoFixes):
		r.res.Fix = FixStep{Outcome: Skipped, Error: err.Error()}
		r.res.PR = PRStep{Outcome: Skipped, Error: "no file changes to propose"}
		r.log.Info("fix generation produced no changes, skipping PR")
		return nil
	case err != nil:
		r.res.Fix = FixStep{Outcome: Failed, Error: err.Error()}
		r.stepFailed("generate_fixes", err)
		return nil
	}
	r.res.Fix = FixStep{
		Outcome:       Succeeded,
		FilesProposed: len(fixes.FileChanges) + len(fixes.AdditionalFiles),
		Summary:       fixes.Summary,
	}
	return fixes
}

func (r *run) openPR(fixes *models.CodeFixes, dir, sourceSHA string) {
	o, res := r.o, r.res
	var pr *github.FixPRResult
	err := r.timed("open_pr", func() (err error) {
		pr, err = o.remediator.CreateFixPR(r.ctx, github.FixPROpts{
			Repo:        res.Repo,
			Dir:         dir,
			BaseBranch:  res.Branch,
			Fixes:       fixes,
			IssueNumber: res.Issue.Number,
			SourceSHA:   sourceSHA,
		})
		return err
	})
	if pr != nil {
		res.PR.Branch = pr.Branch
		res.PR.FilesChanged = pr.FilesChanged
		res.PR.FailedFiles = pr.Failed
		res.PR.Drift = pr.Drift
		for _, d := range pr.Drift {
			r.log.WithFields(logrus.Fields{"file": d.File, "line_start": d.LineStart, "line_end": d.LineEnd}).
				Warn("fix replaced lines that differ from the expected code")
		}
	}
	if err != nil {
		res.PR.Outcome = Failed
		res.PR.Error = err.Error()
		r.stepFailed("open_pr", err)
		return
	}
	res.PR.Outcome = Succeeded
	res.PR.Number = pr.Number
	res.PR.URL = pr.URL
	r.log.WithFields(logrus.Fields{"pr": pr.Number, "files": len(pr.FilesChanged)}).Info("fix pull request opened")

	if res.Issue.Outcome == Succeeded {
		res.PR.Linked = r.attempt("link_pr", func() error {
			_, err := o.remediator.AddComment(r.ctx, res.Repo, res.Issue.Number, github.PRComment(pr.Number, pr.URL))
			return err
		})
	}
	r.notify(func() notify.Delivery {
		return o.notifier.PRCreated(r.ctx, notify.PRNotice{
			WorkflowID: res.WorkflowID,
			Repo:       res.Repo,
			Branch:     res.Branch,
			FixBranch:  pr.Branch,
			Number:     pr.Number,
			URL:        pr.URL,
			Files:      pr.FilesChanged,
			Fixes:      fixes,
		})
	})
}

// fail finalizes the run as failed and sends a failure summary. Later steps
// do not run.
func (r *run) fail(step string, err error) {
	res := r.res
	duration := r.o.opts.Now().Sub(r.start)
	res.Success = false
	res.FailedStep = step
	res.Error = fmt.Sprintf("%s failed: %v", step, err)
	res.DurationSeconds = duration.Seconds()
	r.o.metrics.StepFailed(step)
	r.log.WithError(err).WithField("step", step).Error("pipeline failed")

	var counts models.SeverityCounts
	if res.Findings != nil {
		counts = models.SeverityCounts{Error: res.Findings.Critical, Warning: res.Findings.Warnings, Info: res.Findings.Info}
	}
	r.finish(db.RunFinish{Status: db.StatusFailed, Counts: counts, Total: counts.Total(), Duration: duration, Error: res.Error})
	r.compliance("scan_failed", map[string]interface{}{"step": step, "error": err.Error()})
	r.notify(func() notify.Delivery {
		return r.o.notifier.ScanSummary(r.ctx, notify.Summary{
			WorkflowID: res.WorkflowID,
			RunID:      res.RunID,
			Repo:       res.Repo,
			Branch:     res.Branch,
			Status:     db.StatusFailed,
			Counts:     counts,
			Duration:   duration,
			Error:      res.Error,
		})
	})
}

// finish writes the terminal row state exactly once.
func (r *run) finish(fin db.RunFinish) {
	if r.finished {
		return
	}
	r.finished = true
	r.res.DurationSeconds = fin.Duration.Seconds()
	if err := r.o.store.FinishScanRun(context.WithoutCancel(r.ctx), r.res.RunID, fin); err != nil {
		r.log.WithError(err).Error("finalize scan run failed")
	}
	state := StateFinalized
	if fin.Status == db.StatusFailed {
		state = StateFailed
	}
	r.event(state, fin.Error)
	r.o.metrics.RunFinished(fin.Status, fin.Duration)
}

// attempt runs a best-effort step: failure, including a panic, is logged and
// counted, never propagated.
func (r *run) attempt(step string, fn func() error) bool {
	if err := r.timed(step, fn); err != nil {
		r.stepFailed(step, err)
		return false
	}
	return true
}

func (r *run) stepFailed(step string, err error) {
	r.o.metrics.StepFailed(step)
	r.log.WithError(err).WithField("step", step).Warn("step failed, continuing")
	r.event(stateStepFailed, step+": "+err.Error())
}

// timed runs one step and records its duration. A panic in fn is returned
// as the step's error.
func (r *run) timed(step string, fn func() error) (err error) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.log.WithFields(logrus.Fields{"step": step, "panic": p}).Error("step panicked")
			err = fmt.Errorf("panic: %v", p)
		}
		r.o.metrics.ObserveStep(step, time.Since(start))
	}()
	return fn()
}

// notify sends one notification when a notifier is configured.
func (r *run) notify(send func() notify.Delivery) {
	if !r.o.notifier.Enabled() {
		return
	}
	var d notify.Delivery
	if err := r.timed("notify", func() error {
		d = send()
		return nil
	}); err != nil {
		d = notify.Delivery{Error: err.Error()}
		r.stepFailed("notify", err)
	}
	r.res.Notifications = append(r.res.Notifications, d)
	if !d.Success && d.EmailType != "" {
		r.o.metrics.StepFailed("notify_" + d.EmailType)
	}
}

// event appends to the run trace; failures are logged only.
func (r *run) event(state, detail string) {
	if err := r.o.store.LogRunEvent(context.WithoutCancel(r.ctx), r.res.RunID, state, detail); err != nil {
		r.log.WithError(err).WithField("state", state).Warn("record run event failed")
	}
}

func (r *run) compliance(eventType string, payload map[string]interface{}) {
	if !r.o.opts.Compliance {
		return
	}
	payload["workflow_id"] = r.res.WorkflowID
	if err := r.o.store.LogComplianceEvent(context.WithoutCancel(r.ctx), r.res.RunID, eventType, r.o.opts.Frameworks, payload); err != nil {
		r.log.WithError(err).WithField("event", eventType).Warn("record compliance event failed")
	}
}
