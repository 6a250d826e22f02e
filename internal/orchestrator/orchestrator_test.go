package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/watchman/internal/analysis"
	"github.com/lucasnoah/watchman/internal/db"
	"github.com/lucasnoah/watchman/internal/github"
	"github.com/lucasnoah/watchman/internal/metrics"
	"github.com/lucasnoah/watchman/internal/models"
	"github.com/lucasnoah/watchman/internal/notify"
	"github.com/lucasnoah/watchman/internal/webhook"
	"github.com/lucasnoah/watchman/internal/worktree"
)

// --- Fakes ---

type fakeCloner struct {
	base        string
	err         error
	removePanic string
	clones      []string
	removed     []string
	last        string
}

func (f *fakeCloner) Clone(_ context.Context, repo, branch string) (*worktree.Checkout, error) {
	f.clones = append(f.clones, repo+"@"+branch)
	if f.err != nil {
		return nil, f.err
	}
	dir, err := os.MkdirTemp(f.base, "wc-")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "app.py"), []byte("import db\nq = 'SELECT ' + uid\n"), 0o644); err != nil {
		return nil, err
	}
	f.last = dir
	return &worktree.Checkout{Repo: repo, Branch: branch, Path: dir, HeadSHA: "feedfacecafebeef"}, nil
}

func (f *fakeCloner) Remove(path string) error {
	f.removed = append(f.removed, path)
	if f.removePanic != "" {
		panic(f.removePanic)
	}
	return os.RemoveAll(path)
}

type fakeScanner struct {
	result   *models.ScanResult
	err      error
	panicMsg string
	dirs     []string
}

func (f *fakeScanner) Scan(_ context.Context, dir string) (*models.ScanResult, error) {
	f.dirs = append(f.dirs, dir)
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeAnalyzer struct {
	analysis     *models.Analysis
	panicMsg     string
	fixes        *models.CodeFixes
	fixErr       error
	analyzeCalls int
	fixCalls     [][]models.CriticalIssue
	sourceRead   string
}

func (f *fakeAnalyzer) Analyze(_ context.Context, scan *models.ScanResult, _ models.RepoContext) *models.Analysis {
	f.analyzeCalls++
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.analysis != nil {
		return f.analysis
	}
	return analysis.Fallback(scan)
}

func (f *fakeAnalyzer) GenerateFixes(_ context.Context, issues []models.CriticalIssue, _ models.RepoContext, read analysis.SourceFunc) (*models.CodeFixes, error) {
	f.fixCalls = append(f.fixCalls, issues)
	if read != nil {
		f.sourceRead, _ = read("app.py")
	}
	return f.fixes, f.fixErr
}

type fakeRemediator struct {
	issueErr   error
	prErr      error
	prResult   *github.FixPRResult
	commentErr error
	issues     []github.IssueOpts
	prs        []github.FixPROpts
	comments   []string
	closed     []int
}

func (f *fakeRemediator) CreateIssue(_ context.Context, opts github.IssueOpts) (*github.IssueResult, error) {
	f.issues = append(f.issues, opts)
	if f.issueErr != nil {
		return nil, f.issueErr
	}
	return &github.IssueResult{Number: 42, URL: "https://github.com/" + opts.Repo + "/issues/42", Title: opts.Title}, nil
}

func (f *fakeRemediator) AddComment(_ context.Context, _ string, number int, body string) (string, error) {
	f.comments = append(f.comments, fmt.Sprintf("#%d: %s", number, body))
	return "", f.commentErr
}

func (f *fakeRemediator) CloseIssue(_ context.Context, _ string, number int, _ string) error {
	f.closed = append(f.closed, number)
	return nil
}

func (f *fakeRemediator) CreateFixPR(_ context.Context, opts github.FixPROpts) (*github.FixPRResult, error) {
	f.prs = append(f.prs, opts)
	if f.prErr != nil {
		return f.prResult, f.prErr
	}
	if f.prResult != nil {
		return f.prResult, nil
	}
	return &github.FixPRResult{
		Branch: "security-fixes-20250101-000000", Number: 7,
		URL: "https://github.com/" + opts.Repo + "/pull/7", FilesChanged: []string{"app.py"},
	}, nil
}

type mockMailer struct {
	subjects []string
	panicMsg string
}

func (m *mockMailer) Send(_ context.Context, msg *notify.Message) error {
	m.subjects = append(m.subjects, msg.Subject)
	if m.panicMsg != "" {
		panic(m.panicMsg)
	}
	return nil
}

// --- Helpers ---

type testEnv struct {
	orch     *Orchestrator
	store    *db.DB
	cloner   *fakeCloner
	scanner  *fakeScanner
	analyzer *fakeAnalyzer
	remed    *fakeRemediator
	mailer   *mockMailer
}

func setupTest(t *testing.T, scan *models.ScanResult) *testEnv {
	t.Helper()
	store, err := db.Open(db.DriverSQLite, filepath.Join(t.TempDir(), "watchman.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	env := &testEnv{
		store:    store,
		cloner:   &fakeCloner{base: t.TempDir()},
		scanner:  &fakeScanner{result: scan},
		analyzer: &fakeAnalyzer{fixes: &models.CodeFixes{FileChanges: []models.FileChange{{FilePath: "app.py"}}}},
		remed:    &fakeRemediator{},
		mailer:   &mockMailer{},
	}
	notifier := notify.New(notify.Config{SenderEmail: "w@example.com", Recipients: []string{"dev@example.com"}}, env.mailer, nil)
	env.orch, err = New(Deps{
		Store:      store,
		Cloner:     env.cloner,
		Scanner:    env.scanner,
		Analyzer:   env.analyzer,
		Remediator: env.remed,
		Notifier:   notifier,
		Metrics:    metrics.New(false),
	}, Options{
		Guard:      webhook.Guard{BranchPrefix: "security-fixes-", CommitPrefix: "security:"},
		Compliance: true,
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return env
}

func findings(errs, warns int) *models.ScanResult {
	var fs []models.Finding
	for i := 0; i < errs; i++ {
		fs = append(fs, models.Finding{RuleID: "python.sql-injection", Severity: models.SeverityError, File: "app.py", Line: 2})
	}
	for i := 0; i < warns; i++ {
		fs = append(fs, models.Finding{RuleID: "python.weak-hash", Severity: models.SeverityWarning, File: "util.py", Line: i + 1})
	}
	return models.NewScanResult(fs)
}

func trigger() Trigger {
	return Trigger{Repo: "acme/api", Branch: "main", CommitSHA: "0123456789abcdef", CommitMessage: "Add login"}
}

func (e *testEnv) runRow(t *testing.T, id int64) *db.ScanRun {
	t.Helper()
	run, err := e.store.GetScanRun(context.Background(), id)
	if err != nil || run == nil {
		t.Fatalf("get scan run %d: %v", id, err)
	}
	return run
}

func (e *testEnv) states(t *testing.T, id int64) []string {
	t.Helper()
	events, err := e.store.ListRunEvents(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	for _, ev := range events {
		out = append(out, ev.State)
	}
	return out
}

func assertRemoved(t *testing.T, c *fakeCloner) {
	t.Helper()
	if len(c.removed) != 1 || c.removed[0] != c.last {
		t.Fatalf("expected working copy %s removed, got %v", c.last, c.removed)
	}
	if _, err := os.Stat(c.last); !os.IsNotExist(err) {
		t.Errorf("working copy still present: %v", err)
	}
}

// --- Tests ---

func TestNew_RequiresCollaborators(t *testing.T) {
	env := setupTest(t, findings(0, 0))
	full := Deps{Store: env.store, Cloner: env.cloner, Scanner: env.scanner, Analyzer: env.analyzer, Remediator: env.remed}
	guard := Options{Guard: webhook.Guard{BranchPrefix: "security-fixes-"}}

	if _, err := New(full, guard); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for name, mutate := range map[string]func(d *Deps){
		"store":      func(d *Deps) { d.Store = nil },
		"cloner":     func(d *Deps) { d.Cloner = nil },
		"scanner":    func(d *Deps) { d.Scanner = nil },
		"analyzer":   func(d *Deps) { d.Analyzer = nil },
		"remediator": func(d *Deps) { d.Remediator = nil },
	} {
		d := full
		mutate(&d)
		if _, err := New(d, guard); err == nil || !strings.Contains(err.Error(), name) {
			t.Errorf("expected error naming %s, got %v", name, err)
		}
	}
	if _, err := New(full, Options{}); err == nil {
		t.Error("expected error without loop prevention prefixes")
	}
}

func TestProcess_LoopPrevention(t *testing.T) {
	tests := []struct {
		branch, message, reason string
	}{
		{"security-fixes-20240101-000000", "anything", webhook.ReasonFixBranch},
		{"main", "security: fix vulnerabilities", webhook.ReasonFixCommit},
		{"main", "  SECURITY: Fix XSS", webhook.ReasonFixCommit},
	}
	for _, tt := range tests {
		t.Run(tt.branch+"/"+tt.message, func(t *testing.T) {
			env := setupTest(t, findings(1, 0))
			res := env.orch.Process(context.Background(), Trigger{Repo: "acme/api", Branch: tt.branch, CommitSHA: "abc", CommitMessage: tt.message})

			if !res.Success || !res.Skipped || res.SkipReason != tt.reason {
				t.Fatalf("expected skip with %s, got %+v", tt.reason, res)
			}
			if res.WorkflowID == "" || res.RunID != 0 {
				t.Errorf("skip should carry a workflow id and no run id: %+v", res)
			}
			runs, _ := env.store.RecentScanRuns(context.Background(), "", 10)
			if len(runs) != 0 {
				t.Errorf("skip must not create rows, found %d", len(runs))
			}
			if len(env.cloner.clones) != 0 || len(env.remed.issues) != 0 || len(env.mailer.subjects) != 0 {
				t.Error("skip must not cause side effects")
			}
		})
	}
}

func TestHandleEvent_Ignored(t *testing.T) {
	env := setupTest(t, findings(0, 0))
	ctx := context.Background()

	res := env.orch.HandleEvent(ctx, webhook.Event{Type: webhook.TypeUnknown})
	if !res.Success || !res.Ignored {
		t.Errorf("unknown event should be ignored, got %+v", res)
	}
	res = env.orch.HandleEvent(ctx, webhook.Event{Type: webhook.TypePush, RepoFullName: "a/b", Branch: "x", CommitSHA: "0000000000000000000000000000000000000000"})
	if !res.Success || !res.Ignored {
		t.Errorf("branch deletion should be ignored, got %+v", res)
	}
	if len(env.cloner.clones) != 0 {
		t.Error("ignored events must not clone")
	}
}

func TestProcess_CleanRepo(t *testing.T) {
	env := setupTest(t, findings(0, 0))
	res := env.orch.Process(context.Background(), trigger())

	if !res.Success || res.RunID == 0 {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Issue.Outcome != NotAttempted || res.Fix.Outcome != NotAttempted || res.PR.Outcome != NotAttempted {
		t.Errorf("expected nothing attempted, got issue=%s fix=%s pr=%s", res.Issue.Outcome, res.Fix.Outcome, res.PR.Outcome)
	}
	if len(env.remed.issues) != 0 || len(env.analyzer.fixCalls) != 0 {
		t.Error("clean repo must not file issues or generate fixes")
	}
	if len(env.mailer.subjects) != 1 || !strings.Contains(env.mailer.subjects[0], "No issues found") {
		t.Errorf("expected one no-issues summary, got %v", env.mailer.subjects)
	}

	run := env.runRow(t, res.RunID)
	if run.Status != db.StatusCompleted || run.TotalFindings != 0 {
		t.Errorf("unexpected run row %+v", run)
	}
	want := []string{StateCreated, StateCloning, StateScanning, StateAnalyzing, StateNotifying, StateFinalized}
	if got := env.states(t, res.RunID); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("states = %v, want %v", got, want)
	}
	assertRemoved(t, env.cloner)
}

func TestProcess_WarningsOnly(t *testing.T) {
	env := setupTest(t, findings(0, 1))
	res := env.orch.Process(context.Background(), trigger())

	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Issue.Outcome != Succeeded || res.Issue.Number != 42 {
		t.Errorf("expected issue filed, got %+v", res.Issue)
	}
	if !strings.HasPrefix(env.remed.issues[0].Title, "Security Review: 1") {
		t.Errorf("expected non-critical framing, got %q", env.remed.issues[0].Title)
	}
	if res.Fix.Outcome != NotAttempted || res.PR.Outcome != NotAttempted {
		t.Errorf("no fix should be attempted without critical issues: fix=%s pr=%s", res.Fix.Outcome, res.PR.Outcome)
	}
	issue, _ := env.store.GetRemediationIssue(context.Background(), res.RunID)
	if issue == nil || issue.IssueNumber != 42 || issue.Status != "open" {
		t.Errorf("expected persisted issue, got %+v", issue)
	}
	if len(env.mailer.subjects) != 2 || !strings.Contains(env.mailer.subjects[1], "1 issues found") {
		t.Errorf("expected issue and summary mails, got %v", env.mailer.subjects)
	}
}

func TestProcess_CriticalFindings(t *testing.T) {
	env := setupTest(t, findings(1, 2))
	res := env.orch.Process(context.Background(), trigger())

	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Findings == nil || res.Findings.Total != 3 || res.Findings.Critical != 1 || res.Findings.Warnings != 2 {
		t.Errorf("unexpected findings summary %+v", res.Findings)
	}
	if !res.FallbackUsed || !strings.Contains(res.AnalysisSummary, "1 critical") {
		t.Errorf("expected fallback analysis summary, got %q", res.AnalysisSummary)
	}
	if res.Issue.Outcome != Succeeded || !strings.HasPrefix(res.Issue.Title, "Security Alert: 1 Critical") {
		t.Errorf("unexpected issue %+v", res.Issue)
	}
	if len(env.analyzer.fixCalls) != 1 || env.analyzer.fixCalls[0][0].Severity != "CRITICAL" {
		t.Fatalf("expected fix generation for critical issues, got %v", env.analyzer.fixCalls)
	}
	if !strings.Contains(env.analyzer.sourceRead, "SELECT") {
		t.Error("fix generation should read sources from the working copy")
	}
	if res.Fix.Outcome != Succeeded || res.PR.Outcome != Succeeded || res.PR.Number != 7 || !res.PR.Linked {
		t.Errorf("unexpected fix/pr %+v %+v", res.Fix, res.PR)
	}

	pr := env.remed.prs[0]
	if pr.Dir != env.cloner.last || pr.BaseBranch != "main" || pr.IssueNumber != 42 || pr.SourceSHA != "feedfacecafebeef" {
		t.Errorf("unexpected PR options %+v", pr)
	}
	if len(env.remed.comments) != 1 || !strings.HasPrefix(env.remed.comments[0], "#42:") || !strings.Contains(env.remed.comments[0], "PR #7") {
		t.Errorf("expected cross-link comment, got %v", env.remed.comments)
	}
	if len(env.mailer.subjects) != 3 {
		t.Errorf("expected issue, PR and summary mails, got %v", env.mailer.subjects)
	}

	run := env.runRow(t, res.RunID)
	if run.Status != db.StatusCompleted || run.TotalFindings != 3 || run.ErrorCount != 1 || run.WarningCount != 2 {
		t.Errorf("unexpected run row %+v", run)
	}
	n, _ := env.store.CountFindings(context.Background(), res.RunID)
	if n != 3 {
		t.Errorf("expected 3 persisted findings, got %d", n)
	}
	a, _ := env.store.GetAnalysis(context.Background(), res.RunID)
	if a == nil || !a.Fallback {
		t.Errorf("expected persisted fallback analysis, got %+v", a)
	}

	want := []string{StateCreated, StateCloning, StateScanning, StateAnalyzing, StateIssueFiling,
		StateFixGenerating, StatePROpening, StateNotifying, StateFinalized}
	if got := env.states(t, res.RunID); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("states = %v, want %v", got, want)
	}

	logs, _ := env.store.ListComplianceEvents(context.Background(), res.RunID)
	var types []string
	for _, l := range logs {
		types = append(types, l.EventType)
	}
	if strings.Join(types, ",") != "scan_started,findings_detected,remediation_initiated,summary" {
		t.Errorf("unexpected compliance events %v", types)
	}
	assertRemoved(t, env.cloner)
}

func TestProcess_CloneFailure(t *testing.T) {
	env := setupTest(t, findings(1, 0))
	env.cloner.err = errors.New("repository not found")
	res := env.orch.Process(context.Background(), trigger())

	if res.Success || res.FailedStep != "clone" || !strings.Contains(res.Error, "repository not found") {
		t.Fatalf("expected clone failure, got %+v", res)
	}
	if res.RunID == 0 || res.Repo != "acme/api" || res.Branch != "main" {
		t.Errorf("failure should carry partial identifiers: %+v", res)
	}
	run := env.runRow(t, res.RunID)
	if run.Status != db.StatusFailed || !strings.Contains(run.ErrorMessage, "repository not found") {
		t.Errorf("unexpected run row %+v", run)
	}
	if len(env.cloner.removed) != 0 || len(env.scanner.dirs) != 0 {
		t.Error("nothing should run after a clone failure")
	}
	if got := env.states(t, res.RunID); got[len(got)-1] != StateFailed {
		t.Errorf("expected FAILED as last state, got %v", got)
	}
	if len(env.mailer.subjects) != 1 || env.mailer.subjects[0] != "Security Scan Failed: acme/api" {
		t.Errorf("expected one failure summary, got %v", env.mailer.subjects)
	}
	if len(res.Notifications) != 1 || !res.Notifications[0].Success || res.Notifications[0].EmailType != notify.TypeScanSummary {
		t.Errorf("unexpected notifications %+v", res.Notifications)
	}
}

func TestProcess_ScanFailureCleansUp(t *testing.T) {
	env := setupTest(t, nil)
	env.scanner.err = errors.New("semgrep timed out")
	res := env.orch.Process(context.Background(), trigger())

	if res.Success || res.FailedStep != "scan" {
		t.Fatalf("expected scan failure, got %+v", res)
	}
	if env.analyzer.analyzeCalls != 0 || len(env.remed.issues) != 0 {
		t.Error("no later step should run after a scan failure")
	}
	if len(env.mailer.subjects) != 1 || !strings.HasPrefix(env.mailer.subjects[0], "Security Scan Failed") {
		t.Errorf("expected only a failure summary, got %v", env.mailer.subjects)
	}
	if env.runRow(t, res.RunID).Status != db.StatusFailed {
		t.Error("expected failed run row")
	}
	assertRemoved(t, env.cloner)
}

func TestProcess_PanicMarksRunFailed(t *testing.T) {
	env := setupTest(t, findings(1, 0))
	env.scanner.panicMsg = "nil map"
	res := env.orch.Process(context.Background(), trigger())

	if res.Success || res.FailedStep != "scan" || !strings.Contains(res.Error, "panic: nil map") {
		t.Fatalf("expected scan failure from panic, got %+v", res)
	}
	if env.runRow(t, res.RunID).Status != db.StatusFailed {
		t.Error("expected failed run row after panic")
	}
	assertRemoved(t, env.cloner)
}

func TestProcess_AnalyzerPanicUsesFallback(t *testing.T) {
	env := setupTest(t, findings(1, 0))
	env.analyzer.panicMsg = "nil map"
	res := env.orch.Process(context.Background(), trigger())

	if !res.Success || !res.FallbackUsed {
		t.Fatalf("expected fallback analysis after panic, got %+v", res)
	}
	if res.Issue.Outcome != Succeeded || res.PR.Outcome != Succeeded {
		t.Errorf("pipeline should continue, got issue=%s pr=%s", res.Issue.Outcome, res.PR.Outcome)
	}
	if env.runRow(t, res.RunID).Status != db.StatusCompleted {
		t.Error("expected completed run row")
	}
}

func TestProcess_NotifierPanicContinues(t *testing.T) {
	env := setupTest(t, findings(1, 0))
	env.mailer.panicMsg = "smtp client"
	res := env.orch.Process(context.Background(), trigger())

	if !res.Success || res.FailedStep != "" {
		t.Fatalf("a notification panic must not fail the run: %+v", res)
	}
	if res.Issue.Outcome != Succeeded || res.PR.Outcome != Succeeded || !res.PR.Linked {
		t.Errorf("later steps should still run, got %+v %+v", res.Issue, res.PR)
	}
	if len(res.Notifications) != 3 {
		t.Fatalf("expected 3 notification attempts, got %+v", res.Notifications)
	}
	for _, n := range res.Notifications {
		if n.Success || !strings.Contains(n.Error, "panic: smtp client") {
			t.Errorf("unexpected delivery %+v", n)
		}
	}
	if env.runRow(t, res.RunID).Status != db.StatusCompleted {
		t.Error("expected completed run row")
	}
}

func TestProcess_PanicAfterFinalizeKeepsOutcome(t *testing.T) {
	env := setupTest(t, findings(0, 0))
	env.cloner.removePanic = "busy"
	res := env.orch.Process(context.Background(), trigger())

	if !res.Success || res.FailedStep != "" || res.Error != "" {
		t.Fatalf("result should match the completed row, got %+v", res)
	}
	if env.runRow(t, res.RunID).Status != db.StatusCompleted {
		t.Error("expected completed run row")
	}
	if got := env.states(t, res.RunID); got[len(got)-1] != StateFinalized {
		t.Errorf("expected FINALIZED as last state, got %v", got)
	}
}

func TestProcess_IssueFailureContinues(t *testing.T) {
	env := setupTest(t, findings(1, 0))
	env.remed.issueErr = errors.New("HTTP 403")
	res := env.orch.Process(context.Background(), trigger())

	if !res.Success {
		t.Fatalf("issue failure must not fail the run: %+v", res)
	}
	if res.Issue.Outcome != Failed || !strings.Contains(res.Issue.Error, "403") {
		t.Errorf("expected failed issue step, got %+v", res.Issue)
	}
	if res.PR.Outcome != Succeeded || res.PR.Linked || len(env.remed.comments) != 0 {
		t.Errorf("PR should open without a cross-link, got %+v", res.PR)
	}
	if env.remed.prs[0].IssueNumber != 0 {
		t.Error("PR should not reference a missing issue")
	}
	if env.runRow(t, res.RunID).Status != db.StatusCompleted {
		t.Error("expected completed run row")
	}
}

func TestProcess_NoFixesSkipsPR(t *testing.T) {
	env := setupTest(t, findings(1, 0))
	env.analyzer.fixes = nil
	env.analyzer.fixErr = fmt.Errorf("generate fixes: %w", analysis.ErrNoFixes)
	res := env.orch.Process(context.Background(), trigger())

	if !res.Success || res.Fix.Outcome != Skipped || res.PR.Outcome != Skipped {
		t.Fatalf("expected skipped fix and PR, got %+v %+v", res.Fix, res.PR)
	}
	if len(env.remed.prs) != 0 {
		t.Error("no PR should be opened")
	}
}

func TestProcess_FixGenerationFailure(t *testing.T) {
	env := setupTest(t, findings(1, 0))
	env.analyzer.fixErr = errors.New("model timeout")
	res := env.orch.Process(context.Background(), trigger())

	if !res.Success || res.Fix.Outcome != Failed || res.PR.Outcome != NotAttempted {
		t.Fatalf("expected failed fix and unattempted PR, got %+v %+v", res.Fix, res.PR)
	}
}

func TestProcess_PRFailureContinues(t *testing.T) {
	env := setupTest(t, findings(1, 0))
	env.remed.prErr = fmt.Errorf("create fix PR: %w", github.ErrNoFilesChanged)
	env.remed.prResult = &github.FixPRResult{Branch: "security-fixes-x", FilesChanged: []string{},
		Failed: []github.FailedChange{{File: "app.py", Error: "invalid line range"}}}
	res := env.orch.Process(context.Background(), trigger())

	if !res.Success {
		t.Fatalf("PR failure must not fail the run: %+v", res)
	}
	if res.PR.Outcome != Failed || len(res.PR.FailedFiles) != 1 || res.PR.Branch != "security-fixes-x" {
		t.Errorf("expected failed PR step with details, got %+v", res.PR)
	}
	if len(env.remed.comments) != 0 {
		t.Error("no cross-link without a PR")
	}
	if len(env.mailer.subjects) != 2 {
		t.Errorf("expected issue and summary mails only, got %v", env.mailer.subjects)
	}
}

func TestProcess_ComplianceDisabled(t *testing.T) {
	env := setupTest(t, findings(1, 0))
	env.orch.opts.Compliance = false
	res := env.orch.Process(context.Background(), trigger())

	logs, _ := env.store.ListComplianceEvents(context.Background(), res.RunID)
	if len(logs) != 0 {
		t.Errorf("expected no compliance events, got %d", len(logs))
	}
}

func TestProcessManual(t *testing.T) {
	env := setupTest(t, findings(0, 0))
	res := env.orch.ProcessManual(context.Background(), "acme/api", "develop")

	if !res.Success || res.CommitSHA != webhook.ManualCommitSHA {
		t.Fatalf("unexpected result %+v", res)
	}
	if env.cloner.clones[0] != "acme/api@develop" {
		t.Errorf("unexpected clone %v", env.cloner.clones)
	}
}

func TestStatusAndQueries(t *testing.T) {
	env := setupTest(t, findings(0, 2))
	ctx := context.Background()
	first := env.orch.Process(ctx, trigger())
	env.orch.Process(ctx, Trigger{Repo: "acme/web", Branch: "main", CommitSHA: "x"})

	st, err := env.orch.Status(ctx, first.RunID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Run.ID != first.RunID || st.FindingsCount != 2 || !st.AnalysisAvailable || st.Issue == nil || len(st.Events) == 0 {
		t.Errorf("unexpected status %+v", st)
	}
	if _, err := env.orch.Status(ctx, 9999); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	all, _ := env.orch.RecentScans(ctx, "", 0)
	if len(all) != 2 || all[0].RepoName != "acme/web" {
		t.Errorf("expected newest first, got %+v", all)
	}
	scoped, _ := env.orch.RecentScans(ctx, "acme/api", 5)
	if len(scoped) != 1 {
		t.Errorf("expected 1 run for acme/api, got %d", len(scoped))
	}

	stats, err := env.orch.SystemStats(ctx)
	if err != nil || stats.TotalScans != 2 || stats.TotalFindings != 4 || stats.StatusCounts[db.StatusCompleted] != 2 {
		t.Errorf("unexpected stats %+v, %v", stats, err)
	}
}

func TestCloseIssue(t *testing.T) {
	env := setupTest(t, findings(0, 1))
	ctx := context.Background()
	res := env.orch.Process(ctx, trigger())

	issue, err := env.orch.CloseIssue(ctx, res.RunID, "completed")
	if err != nil {
		t.Fatalf("close issue: %v", err)
	}
	if issue.Status != "closed" || issue.ClosedAt == nil || len(env.remed.closed) != 1 || env.remed.closed[0] != 42 {
		t.Errorf("unexpected close outcome %+v %v", issue, env.remed.closed)
	}

	// Closing again is a no-op.
	if _, err := env.orch.CloseIssue(ctx, res.RunID, "completed"); err != nil || len(env.remed.closed) != 1 {
		t.Errorf("second close should be a no-op: %v", err)
	}

	env.scanner.result = findings(0, 0)
	clean := env.orch.Process(ctx, Trigger{Repo: "acme/api", Branch: "dev", CommitSHA: "y"})
	if _, err := env.orch.CloseIssue(ctx, clean.RunID, "completed"); !errors.Is(err, ErrNoIssue) {
		t.Errorf("expected ErrNoIssue, got %v", err)
	}
}

func TestResultDurationUsesClock(t *testing.T) {
	env := setupTest(t, findings(0, 0))
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	calls := 0
	env.orch.opts.Now = func() time.Time {
		calls++
		return start.Add(time.Duration(calls-1) * 2 * time.Second)
	}
	res := env.orch.Process(context.Background(), trigger())
	if res.DurationSeconds != 2 {
		t.Errorf("expected 2s duration, got %v", res.DurationSeconds)
	}
}
