package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lucasnoah/watchman/internal/models"
)

// Run statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

var (
	// ErrNotFound is returned when an update targets a row that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrRunFinalized is returned when a finished run is finished again.
	ErrRunFinalized = errors.New("scan run already finalized")
)

// ScanRun represents a row in the scan_runs table.
type ScanRun struct {
	ID              int64   `db:"id" json:"id"`
	RepoName        string  `db:"repo_name" json:"repo_name"`
	Branch          string  `db:"branch" json:"branch"`
	CommitSHA       string  `db:"commit_sha" json:"commit_sha"`
	Status          string  `db:"status" json:"status"`
	TotalFindings   int     `db:"total_findings" json:"total_findings"`
	ErrorCount      int     `db:"error_count" json:"error_count"`
	WarningCount    int     `db:"warning_count" json:"warning_count"`
	InfoCount       int     `db:"info_count" json:"info_count"`
	DurationSeconds float64 `db:"duration_seconds" json:"duration_seconds"`
	ErrorMessage    string  `db:"error_message" json:"error_message,omitempty"`
	CreatedAt       string  `db:"created_at" json:"created_at"`
	UpdatedAt       string  `db:"updated_at" json:"updated_at"`
}

// RunFinish carries the values written when a run ends.
type RunFinish struct {
	Status   string
	Counts   models.SeverityCounts
	Total    int
	Duration time.Duration
	Error    string
}

// FindingRow represents a row in the findings table.
type FindingRow struct {
	ID              int64  `db:"id" json:"id"`
	RunID           int64  `db:"run_id" json:"run_id"`
	RuleID          string `db:"rule_id" json:"rule_id"`
	Severity        string `db:"severity" json:"severity"`
	FilePath        string `db:"file_path" json:"file_path"`
	LineNumber      int    `db:"line_number" json:"line_number"`
	Message         string `db:"message" json:"message"`
	CodeSnippet     string `db:"code_snippet" json:"code_snippet"`
	CWEIDs          string `db:"cwe_ids" json:"cwe_ids"`
	OWASPCategories string `db:"owasp_categories" json:"owasp_categories"`
	Status          string `db:"status" json:"status"`
	CreatedAt       string `db:"created_at" json:"created_at"`
}

// AnalysisRow represents a row in the analyses table.
type AnalysisRow struct {
	ID                 int64  `db:"id" json:"id"`
	RunID              int64  `db:"run_id" json:"run_id"`
	ExecutiveSummary   string `db:"executive_summary" json:"executive_summary"`
	CriticalIssues     string `db:"critical_issues" json:"critical_issues"`
	RecommendedActions string `db:"recommended_actions" json:"recommended_actions"`
	ToolsToUse         string `db:"tools_to_use" json:"tools_to_use"`
	RawResponse        string `db:"raw_response" json:"raw_response"`
	Fallback           bool   `db:"fallback" json:"fallback"`
	CreatedAt          string `db:"created_at" json:"created_at"`
}

// Analysis decodes the stored JSON columns back into a models.Analysis.
func (r *AnalysisRow) Analysis() (*models.Analysis, error) {
	a := &models.Analysis{
		ExecutiveSummary: r.ExecutiveSummary,
		RawResponse:      r.RawResponse,
		Fallback:         r.Fallback,
	}
	if err := json.Unmarshal([]byte(r.CriticalIssues), &a.CriticalIssues); err != nil {
		return nil, fmt.Errorf("decode critical issues: %w", err)
	}
	if err := json.Unmarshal([]byte(r.RecommendedActions), &a.RecommendedActions); err != nil {
		return nil, fmt.Errorf("decode recommended actions: %w", err)
	}
	if err := json.Unmarshal([]byte(r.ToolsToUse), &a.ToolsToUse); err != nil {
		return nil, fmt.Errorf("decode tools: %w", err)
	}
	return a, nil
}

// RemediationIssue represents a row in the remediation_issues table.
type RemediationIssue struct {
	ID          int64   `db:"id" json:"id"`
	RunID       int64   `db:"run_id" json:"run_id"`
	RepoName    string  `db:"repo_name" json:"repo_name"`
	IssueNumber int     `db:"issue_number" json:"issue_number"`
	IssueURL    string  `db:"issue_url" json:"issue_url"`
	Title       string  `db:"title" json:"title"`
	Status      string  `db:"status" json:"status"`
	CreatedAt   string  `db:"created_at" json:"created_at"`
	ClosedAt    *string `db:"closed_at" json:"closed_at,omitempty"`
}

// RunEvent represents a row in the run_events table.
type RunEvent struct {
	ID        int64  `db:"id" json:"id"`
	RunID     int64  `db:"run_id" json:"run_id"`
	State     string `db:"state" json:"state"`
	Detail    string `db:"detail" json:"detail"`
	CreatedAt string `db:"created_at" json:"created_at"`
}

// ComplianceLog represents a row in the compliance_logs table.
type ComplianceLog struct {
	ID         int64  `db:"id" json:"id"`
	RunID      *int64 `db:"run_id" json:"run_id,omitempty"`
	EventType  string `db:"event_type" json:"event_type"`
	Frameworks string `db:"frameworks" json:"frameworks"`
	Payload    string `db:"payload" json:"payload"`
	CreatedAt  string `db:"created_at" json:"created_at"`
}

// Stats is the system-wide aggregate served by the stats endpoint.
type Stats struct {
	TotalScans     int            `json:"total_scans"`
	StatusCounts   map[string]int `json:"status_counts"`
	RecentScans7d  int            `json:"recent_scans_7d"`
	TotalFindings  int            `json:"total_findings"`
	SeverityCounts map[string]int `json:"severity_counts"`
}

func (d *DB) insertReturningID(ctx context.Context, query string, args ...interface{}) (int64, error) {
	var id int64
	err := d.conn.QueryRowxContext(ctx, d.conn.Rebind(query+" RETURNING id"), args...).Scan(&id)
	return id, err
}

func marshalJSON(v interface{}, empty string) string {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return empty
	}
	return string(data)
}

// CreateScanRun inserts a new run in the running state and returns its id.
func (d *DB) CreateScanRun(ctx context.Context, repo, branch, commitSHA string) (int64, error) {
	now := d.timestamp()
	id, err := d.insertReturningID(ctx,
		`INSERT INTO scan_runs (repo_name, branch, commit_sha, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		repo, branch, commitSHA, StatusRunning, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("create scan run: %w", err)
	}
	return id, nil
}

// FinishScanRun records the terminal status, counts and duration of a run.
// A run can only be finished once.
func (d *DB) FinishScanRun(ctx context.Context, id int64, fin RunFinish) error {
	if fin.Status != StatusCompleted && fin.Status != StatusFailed {
		return fmt.Errorf("finish scan run %d: invalid terminal status %q", id, fin.Status)
	}
	res, err := d.conn.ExecContext(ctx, d.conn.Rebind(
		`UPDATE scan_runs SET status = ?, total_findings = ?, error_count = ?, warning_count = ?, info_count = ?,
		 duration_seconds = ?, error_message = ?, updated_at = ?
		 WHERE id = ? AND status IN ('pending', 'running')`),
		fin.Status, fin.Total, fin.Counts.Error, fin.Counts.Warning, fin.Counts.Info,
		fin.Duration.Seconds(), fin.Error, d.timestamp(), id,
	)
	if err != nil {
		return fmt.Errorf("finish scan run %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish scan run %d: %w", id, err)
	}
	if n > 0 {
		return nil
	}
	run, err := d.GetScanRun(ctx, id)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("finish scan run %d: %w", id, ErrNotFound)
	}
	return fmt.Errorf("finish scan run %d: %w", id, ErrRunFinalized)
}

// GetScanRun returns a run by id, or nil if it does not exist.
func (d *DB) GetScanRun(ctx context.Context, id int64) (*ScanRun, error) {
	var run ScanRun
	err := d.conn.GetContext(ctx, &run, d.conn.Rebind(`SELECT * FROM scan_runs WHERE id = ?`), id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get scan run %d: %w", id, err)
	}
	return &run, nil
}

// RecentScanRuns returns runs newest first, optionally limited to one repository.
func (d *DB) RecentScanRuns(ctx context.Context, repo string, limit int) ([]ScanRun, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `SELECT * FROM scan_runs ORDER BY created_at DESC, id DESC LIMIT ?`
	args := []interface{}{limit}
	if repo != "" {
		query = `SELECT * FROM scan_runs WHERE repo_name = ? ORDER BY created_at DESC, id DESC LIMIT ?`
		args = []interface{}{repo, limit}
	}
	runs := []ScanRun{}
	if err := d.conn.SelectContext(ctx, &runs, d.conn.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("recent scan runs: %w", err)
	}
	return runs, nil
}

// InsertFindings stores a run's findings in one transaction.
func (d *DB) InsertFindings(ctx context.Context, runID int64, findings []models.Finding) error {
	if len(findings) == 0 {
		return nil
	}
	tx, err := d.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert findings: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(
		`INSERT INTO findings (run_id, rule_id, severity, file_path, line_number, message, code_snippet, cwe_ids, owasp_categories, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'open', ?)`))
	if err != nil {
		return fmt.Errorf("insert findings: prepare: %w", err)
	}
	defer stmt.Close()

	now := d.timestamp()
	for _, f := range findings {
		if _, err := stmt.ExecContext(ctx, runID, f.RuleID, string(f.Severity), f.File, f.Line, f.Message,
			f.CodeSnippet, marshalJSON(f.CWE, "[]"), marshalJSON(f.OWASP, "[]"), now); err != nil {
			return fmt.Errorf("insert finding %s: %w", f.RuleID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert findings: commit: %w", err)
	}
	return nil
}

// ListFindings returns a run's findings in insertion order.
func (d *DB) ListFindings(ctx context.Context, runID int64) ([]FindingRow, error) {
	rows := []FindingRow{}
	if err := d.conn.SelectContext(ctx, &rows, d.conn.Rebind(`SELECT * FROM findings WHERE run_id = ? ORDER BY id`), runID); err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	return rows, nil
}

// CountFindings returns how many findings a run stored.
func (d *DB) CountFindings(ctx context.Context, runID int64) (int, error) {
	var n int
	if err := d.conn.GetContext(ctx, &n, d.conn.Rebind(`SELECT COUNT(*) FROM findings WHERE run_id = ?`), runID); err != nil {
		return 0, fmt.Errorf("count findings: %w", err)
	}
	return n, nil
}

// InsertAnalysis stores the triage for a run. Each run has at most one.
func (d *DB) InsertAnalysis(ctx context.Context, runID int64, a *models.Analysis) error {
	if a == nil {
		return fmt.Errorf("insert analysis: nil analysis")
	}
	_, err := d.insertReturningID(ctx,
		`INSERT INTO analyses (run_id, executive_summary, critical_issues, recommended_actions, tools_to_use, raw_response, fallback, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, a.ExecutiveSummary, marshalJSON(a.CriticalIssues, "[]"), marshalJSON(a.RecommendedActions, "[]"),
		marshalJSON(a.ToolsToUse, "[]"), a.RawResponse, a.Fallback, d.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}
	return nil
}

// GetAnalysis returns the stored analysis for a run, or nil if none.
func (d *DB) GetAnalysis(ctx context.Context, runID int64) (*AnalysisRow, error) {
	var row AnalysisRow
	err := d.conn.GetContext(ctx, &row, d.conn.Rebind(`SELECT * FROM analyses WHERE run_id = ?`), runID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get analysis: %w", err)
	}
	return &row, nil
}

// InsertRemediationIssue records the issue filed for a run.
func (d *DB) InsertRemediationIssue(ctx context.Context, runID int64, repo string, number int, url, title string) error {
	_, err := d.insertReturningID(ctx,
		`INSERT INTO remediation_issues (run_id, repo_name, issue_number, issue_url, title, status, created_at)
		 VALUES (?, ?, ?, ?, ?, 'open', ?)`,
		runID, repo, number, url, title, d.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("insert remediation issue: %w", err)
	}
	return nil
}

// GetRemediationIssue returns the issue filed for a run, or nil if none.
func (d *DB) GetRemediationIssue(ctx context.Context, runID int64) (*RemediationIssue, error) {
	var issue RemediationIssue
	err := d.conn.GetContext(ctx, &issue, d.conn.Rebind(`SELECT * FROM remediation_issues WHERE run_id = ?`), runID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get remediation issue: %w", err)
	}
	return &issue, nil
}

// CloseRemediationIssue marks a run's issue closed.
func (d *DB) CloseRemediationIssue(ctx context.Context, runID int64) error {
	res, err := d.conn.ExecContext(ctx, d.conn.Rebind(
		`UPDATE remediation_issues SET status = 'closed', closed_at = ? WHERE run_id = ? AND status = 'open'`),
		d.timestamp(), runID,
	)
	if err != nil {
		return fmt.Errorf("close remediation issue: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("close remediation issue for run %d: %w", runID, ErrNotFound)
	}
	return nil
}

// LogRunEvent appends a state transition to a run's trace.
func (d *DB) LogRunEvent(ctx context.Context, runID int64, state, detail string) error {
	_, err := d.conn.ExecContext(ctx, d.conn.Rebind(
		`INSERT INTO run_events (run_id, state, detail, created_at) VALUES (?, ?, ?, ?)`),
		runID, state, detail, d.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("log run event: %w", err)
	}
	return nil
}

// ListRunEvents returns a run's trace in order.
func (d *DB) ListRunEvents(ctx context.Context, runID int64) ([]RunEvent, error) {
	events := []RunEvent{}
	if err := d.conn.SelectContext(ctx, &events, d.conn.Rebind(`SELECT * FROM run_events WHERE run_id = ? ORDER BY id`), runID); err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	return events, nil
}

// LogComplianceEvent records an audit event. A zero runID stores NULL.
func (d *DB) LogComplianceEvent(ctx context.Context, runID int64, eventType string, frameworks []string, payload interface{}) error {
	var rid sql.NullInt64
	if runID > 0 {
		rid = sql.NullInt64{Int64: runID, Valid: true}
	}
	_, err := d.conn.ExecContext(ctx, d.conn.Rebind(
		`INSERT INTO compliance_logs (run_id, event_type, frameworks, payload, created_at) VALUES (?, ?, ?, ?, ?)`),
		rid, eventType, marshalJSON(frameworks, "[]"), marshalJSON(payload, "{}"), d.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("log compliance event: %w", err)
	}
	return nil
}

// ListComplianceEvents returns the audit events for a run in order.
func (d *DB) ListComplianceEvents(ctx context.Context, runID int64) ([]ComplianceLog, error) {
	logs := []ComplianceLog{}
	if err := d.conn.SelectContext(ctx, &logs, d.conn.Rebind(`SELECT * FROM compliance_logs WHERE run_id = ? ORDER BY id`), runID); err != nil {
		return nil, fmt.Errorf("list compliance events: %w", err)
	}
	return logs, nil
}

// Stats aggregates totals across all runs. Runs created after now-7d count as recent.
func (d *DB) Stats(ctx context.Context) (*Stats, error) {
	s := &Stats{
		StatusCounts:   map[string]int{},
		SeverityCounts: map[string]int{},
	}

	if err := d.conn.GetContext(ctx, &s.TotalScans, `SELECT COUNT(*) FROM scan_runs`); err != nil {
		return nil, fmt.Errorf("stats total: %w", err)
	}

	var statusRows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := d.conn.SelectContext(ctx, &statusRows, `SELECT status, COUNT(*) AS n FROM scan_runs GROUP BY status`); err != nil {
		return nil, fmt.Errorf("stats status: %w", err)
	}
	for _, r := range statusRows {
		s.StatusCounts[r.Status] = r.N
	}

	cutoff := formatTime(d.now().Add(-7 * 24 * time.Hour))
	if err := d.conn.GetContext(ctx, &s.RecentScans7d, d.conn.Rebind(`SELECT COUNT(*) FROM scan_runs WHERE created_at >= ?`), cutoff); err != nil {
		return nil, fmt.Errorf("stats recent: %w", err)
	}

	var sevRows []struct {
		Severity string `db:"severity"`
		N        int    `db:"n"`
	}
	if err := d.conn.SelectContext(ctx, &sevRows, `SELECT severity, COUNT(*) AS n FROM findings GROUP BY severity`); err != nil {
		return nil, fmt.Errorf("stats severity: %w", err)
	}
	for _, r := range sevRows {
		s.SeverityCounts[r.Severity] = r.N
		s.TotalFindings += r.N
	}
	return s, nil
}

// PruneScanRuns deletes runs created before the cutoff along with their
// children, returning the number of runs removed.
func (d *DB) PruneScanRuns(ctx context.Context, before time.Time) (int64, error) {
	cutoff := formatTime(before)
	tx, err := d.conn.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("prune: begin: %w", err)
	}
	defer tx.Rollback()

	for _, child := range []string{"compliance_logs", "run_events", "remediation_issues", "analyses", "findings"} {
		q := tx.Rebind(`DELETE FROM ` + child + ` WHERE run_id IN (SELECT id FROM scan_runs WHERE created_at < ?)`)
		if _, err := tx.ExecContext(ctx, q, cutoff); err != nil {
			return 0, fmt.Errorf("prune %s: %w", child, err)
		}
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM scan_runs WHERE created_at < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune scan_runs: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("prune: commit: %w", err)
	}
	return n, nil
}
