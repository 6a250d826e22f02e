// Package notify renders and delivers e-mail notifications. A nil
// *Notifier is valid and every method on it is a no-op, so callers can
// hold one unconditionally.
package notify

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lucasnoah/watchman/internal/logging"
	"github.com/lucasnoah/watchman/internal/models"
)

// E-mail types reported in Delivery.
const (
	TypeSecurityIssue = "security_issue"
	TypePRCreated     = "pr_created"
	TypeScanSummary   = "scan_summary"
)

// ErrNoRecipients is returned when no recipient is configured for a message.
var ErrNoRecipients = errors.New("no recipients configured")

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.New("").Funcs(template.FuncMap{
	"short": func(sha string) string {
		if len(sha) > 8 {
			return sha[:8]
		}
		if sha == "" {
			return "unknown"
		}
		return sha
	},
	"severityColor": func(sev string) string {
		switch strings.ToUpper(sev) {
		case "CRITICAL":
			return "#dc2626"
		case "HIGH":
			return "#ea580c"
		case "MEDIUM":
			return "#ca8a04"
		case "LOW":
			return "#16a34a"
		}
		return "#6b7280"
	},
}).ParseFS(templateFS, "templates/*.html"))

// Config holds sender and recipient settings.
type Config struct {
	SMTPHost        string
	SMTPPort        int
	Username        string
	Password        string
	SenderEmail     string
	SenderName      string
	Recipients      []string
	AdminRecipients []string
}

// Message is a rendered e-mail ready for delivery.
type Message struct {
	FromName string
	From     string
	To       []string
	Subject  string
	HTML     string
}

// Mailer delivers a rendered message. Interface for testing.
type Mailer interface {
	Send(ctx context.Context, msg *Message) error
}

// Delivery is the outcome of one notification attempt.
type Delivery struct {
	Success    bool     `json:"success"`
	Recipients []string `json:"recipients,omitempty"`
	EmailType  string   `json:"email_type"`
	Error      string   `json:"error,omitempty"`
}

// Notifier sends the three notification types.
type Notifier struct {
	cfg    Config
	mailer Mailer
	log    logrus.FieldLogger
}

// New returns a Notifier, or nil when no sender is configured. A nil mailer
// means SMTP delivery with cfg's credentials.
func New(cfg Config, mailer Mailer, log logrus.FieldLogger) *Notifier {
	if cfg.SenderEmail == "" || (mailer == nil && cfg.SMTPHost == "") {
		return nil
	}
	if cfg.SenderName == "" {
		cfg.SenderName = "Watchman Security Scanner"
	}
	if mailer == nil {
		mailer = NewSMTPMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.Username, cfg.Password)
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Notifier{cfg: cfg, mailer: mailer, log: log}
}

// Enabled reports whether notifications will be sent.
func (n *Notifier) Enabled() bool {
	return n != nil
}

// frame carries the shared header fields; WorkflowID for the footer comes
// from the embedded notice.
type frame struct {
	Title   string
	Heading string
	Color   string
}

type issueRow struct {
	Title    string
	Severity string
	File     string
	Line     int
}

// IssueNotice describes a filed remediation issue.
type IssueNotice struct {
	WorkflowID    string
	Repo          string
	Branch        string
	CommitSHA     string
	IssueNumber   int
	IssueURL      string
	TotalFindings int
	Analysis      *models.Analysis
}

type issueView struct {
	frame
	IssueNotice
	Summary string
	Issues  []issueRow
}

// SecurityIssue notifies default recipients that an issue was filed.
func (n *Notifier) SecurityIssue(ctx context.Context, notice IssueNotice) Delivery {
	if n == nil {
		return disabled(TypeSecurityIssue)
	}
	view := issueView{
		frame:       frame{Title: "Security Alert - " + notice.Repo, Heading: "Security Alert", Color: "#dc2626"},
		IssueNotice: notice,
		Summary:     "Security vulnerabilities detected",
	}
	if a := notice.Analysis; a != nil {
		if a.ExecutiveSummary != "" {
			view.Summary = a.ExecutiveSummary
		}
		for i, is := range a.CriticalIssues {
			if i == 5 {
				break
			}
			view.Issues = append(view.Issues, issueRow{Title: is.Title, Severity: is.Severity, File: is.File, Line: int(is.Line)})
		}
	}
	subject := fmt.Sprintf("Security Alert: New vulnerabilities found in %s", notice.Repo)
	return n.send(ctx, TypeSecurityIssue, n.cfg.Recipients, subject, "security_issue.html", view)
}

// PRNotice describes an opened fix pull request.
type PRNotice struct {
	WorkflowID string
	Repo       string
	Branch     string
	FixBranch  string
	Number     int
	URL        string
	Files      []string
	Fixes      *models.CodeFixes
}

type prView struct {
	frame
	PRNotice
	Summary string
}

// PRCreated notifies default and admin recipients that a fix PR is open.
func (n *Notifier) PRCreated(ctx context.Context, notice PRNotice) Delivery {
	if n == nil {
		return disabled(TypePRCreated)
	}
	view := prView{
		frame:    frame{Title: "Security Fix PR - " + notice.Repo, Heading: "Automated Fix Created", Color: "#16a34a"},
		PRNotice: notice,
		Summary:  "Code fixes generated",
	}
	if notice.Fixes != nil && notice.Fixes.Summary != "" {
		view.Summary = notice.Fixes.Summary
	}
	to := mergeRecipients(n.cfg.Recipients, n.cfg.AdminRecipients)
	subject := fmt.Sprintf("Automated Fix: Security PR created for %s", notice.Repo)
	return n.send(ctx, TypePRCreated, to, subject, "pr_created.html", view)
}

// Summary describes a finished run.
type Summary struct {
	WorkflowID  string
	RunID       int64
	Repo        string
	Branch      string
	Status      string
	Counts      models.SeverityCounts
	Duration    time.Duration
	IssueNumber int
	IssueURL    string
	PRNumber    int
	PRURL       string
	Error       string
}

type summaryView struct {
	frame
	Summary
	StatusText      string
	DurationSeconds float64
}

// ScanSummary sends the end-of-run report.
func (n *Notifier) ScanSummary(ctx context.Context, s Summary) Delivery {
	if n == nil {
		return disabled(TypeScanSummary)
	}
	total := s.Counts.Total()
	view := summaryView{Summary: s, DurationSeconds: s.Duration.Seconds()}
	view.frame = frame{Title: "Security Scan Summary - " + s.Repo, Heading: "Scan Complete"}
	switch {
	case s.Error != "":
		view.Color, view.StatusText, view.Heading = "#dc2626", "Scan Failed", "Scan Failed"
	case total == 0:
		view.Color, view.StatusText = "#16a34a", "Clean"
	case s.Counts.Error > 0:
		view.Color, view.StatusText = "#dc2626", "Critical Issues Found"
	default:
		view.Color, view.StatusText = "#ea580c", "Issues Found"
	}
	var subject string
	switch {
	case s.Error != "":
		subject = fmt.Sprintf("Security Scan Failed: %s", s.Repo)
	case total > 0:
		subject = fmt.Sprintf("Security Scan Complete: %d issues found in %s", total, s.Repo)
	default:
		subject = fmt.Sprintf("Security Scan Complete: No issues found in %s", s.Repo)
	}
	return n.send(ctx, TypeScanSummary, n.cfg.Recipients, subject, "scan_summary.html", view)
}

func (n *Notifier) send(ctx context.Context, emailType string, to []string, subject, tmpl string, data interface{}) Delivery {
	d := Delivery{EmailType: emailType, Recipients: to}
	log := n.log.WithFields(logrus.Fields{"email_type": emailType, "recipients": len(to)})
	if len(to) == 0 {
		d.Error = ErrNoRecipients.Error()
		log.Warn("notification skipped: no recipients")
		return d
	}
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, tmpl, data); err != nil {
		d.Error = fmt.Sprintf("render %s: %v", tmpl, err)
		log.WithError(err).Error("render notification failed")
		return d
	}
	msg := &Message{FromName: n.cfg.SenderName, From: n.cfg.SenderEmail, To: to, Subject: subject, HTML: buf.String()}
	if err := n.mailer.Send(ctx, msg); err != nil {
		d.Error = err.Error()
		log.WithError(err).Warn("notification delivery failed")
		return d
	}
	d.Success = true
	log.Info("notification sent")
	return d
}

func disabled(emailType string) Delivery {
	return Delivery{EmailType: emailType, Error: "notifications disabled"}
}

func mergeRecipients(lists ...[]string) []string {
	seen := map[string]bool{}
	var out []string
	for _, l := range lists {
		for _, r := range l {
			key := strings.ToLower(strings.TrimSpace(r))
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, strings.TrimSpace(r))
		}
	}
	return out
}
