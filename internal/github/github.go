// Package github files remediation issues and opens fix pull requests.
// API calls go through the gh CLI; working-copy changes go through git.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/lucasnoah/watchman/internal/logging"
	"github.com/lucasnoah/watchman/internal/models"
	"github.com/lucasnoah/watchman/internal/webhook"
)

// CmdRunner provides gh command execution. Interface for testing.
type CmdRunner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// GitRunner provides git command execution. Interface for testing.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecRunner runs gh commands via exec. Token, if set, is passed as GH_TOKEN.
type ExecRunner struct {
	Token string
}

func (r *ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Env = os.Environ()
	if r.Token != "" {
		cmd.Env = append(cmd.Env, "GH_TOKEN="+r.Token)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		// Field values carry whole issue bodies; name only the endpoint.
		head := args
		if len(head) > 4 {
			head = head[:4]
		}
		msg := fmt.Sprintf("gh %s: %s", strings.Join(head, " "), strings.TrimSpace(string(out)))
		return strings.TrimSpace(string(out)), fmt.Errorf("%s: %w", logging.MaskCredentials(msg), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// ErrNoFilesChanged is returned when a patch set modifies nothing.
var ErrNoFilesChanged = errors.New("no files changed")

// Options configures a Client.
type Options struct {
	AuthorName  string
	AuthorEmail string
	Labels      []string
	Guard       webhook.Guard
	Now         func() time.Time
}

// DefaultLabels are applied to remediation issues.
var DefaultLabels = []string{"security", "watchman-scan", "needs-triage"}

// Client provides GitHub operations.
type Client struct {
	cmd  CmdRunner
	git  GitRunner
	opts Options
}

// NewClient creates a GitHub client.
func NewClient(cmd CmdRunner, git GitRunner, opts Options) *Client {
	if opts.AuthorName == "" {
		opts.AuthorName = "Watchman"
	}
	if opts.AuthorEmail == "" {
		opts.AuthorEmail = "watchman@localhost"
	}
	if opts.Labels == nil {
		opts.Labels = DefaultLabels
	}
	if opts.Guard.BranchPrefix == "" {
		opts.Guard.BranchPrefix = "security-fixes-"
	}
	if opts.Guard.CommitPrefix == "" {
		opts.Guard.CommitPrefix = "security:"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Client{cmd: cmd, git: git, opts: opts}
}

// ValidateIssueNumber checks that an issue number is positive.
func ValidateIssueNumber(n int) error {
	if n <= 0 {
		return fmt.Errorf("invalid issue number %d: must be positive", n)
	}
	return nil
}

type apiObject struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
	Title   string `json:"title"`
}

func (c *Client) api(ctx context.Context, method, path string, fields ...string) (*apiObject, error) {
	args := []string{"api", "--method", method, path}
	for _, f := range fields {
		args = append(args, "-f", f)
	}
	out, err := c.cmd.Run(ctx, args...)
	if err != nil {
		return nil, err
	}
	var obj apiObject
	if err := json.Unmarshal([]byte(out), &obj); err != nil {
		return nil, fmt.Errorf("parse %s %s response: %w", method, path, err)
	}
	return &obj, nil
}

// IssueOpts describes a remediation issue.
type IssueOpts struct {
	Repo  string
	Title string
	Body  string
}

// IssueResult is a created issue.
type IssueResult struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	Title  string `json:"title"`
}

// CreateIssue files an issue with the configured labels.
func (c *Client) CreateIssue(ctx context.Context, opts IssueOpts) (*IssueResult, error) {
	if opts.Repo == "" || opts.Title == "" {
		return nil, fmt.Errorf("create issue: repo and title are required")
	}
	fields := []string{"title=" + opts.Title, "body=" + opts.Body}
	for _, l := range c.opts.Labels {
		fields = append(fields, "labels[]="+l)
	}
	obj, err := c.api(ctx, "POST", "repos/"+opts.Repo+"/issues", fields...)
	if err != nil {
		return nil, fmt.Errorf("create issue: %w", err)
	}
	if obj.Number <= 0 {
		return nil, fmt.Errorf("create issue: response has no issue number")
	}
	return &IssueResult{Number: obj.Number, URL: obj.HTMLURL, Title: opts.Title}, nil
}

// AddComment posts a comment on an issue or pull request and returns its URL.
func (c *Client) AddComment(ctx context.Context, repo string, number int, body string) (string, error) {
	if err := ValidateIssueNumber(number); err != nil {
		return "", err
	}
	obj, err := c.api(ctx, "POST", fmt.Sprintf("repos/%s/issues/%d/comments", repo, number), "body="+body)
	if err != nil {
		return "", fmt.Errorf("comment on #%d: %w", number, err)
	}
	return obj.HTMLURL, nil
}

// CloseIssue comments with the reason and closes the issue.
func (c *Client) CloseIssue(ctx context.Context, repo string, number int, reason string) error {
	if err := ValidateIssueNumber(number); err != nil {
		return err
	}
	if _, err := c.AddComment(ctx, repo, number, ClosingComment(reason)); err != nil {
		return err
	}
	fields := []string{"state=closed"}
	if reason == "completed" || reason == "not_planned" {
		fields = append(fields, "state_reason="+reason)
	}
	if _, err := c.api(ctx, "PATCH", fmt.Sprintf("repos/%s/issues/%d", repo, number), fields...); err != nil {
		return fmt.Errorf("close issue #%d: %w", number, err)
	}
	return nil
}

// PushBranch pushes a branch to the remote.
func (c *Client) PushBranch(ctx context.Context, dir, branch string) error {
	if c.git == nil {
		return fmt.Errorf("git runner not configured")
	}
	if strings.HasPrefix(branch, "-") {
		return fmt.Errorf("invalid branch name %q: must not start with -", branch)
	}
	if _, err := c.git.Run(ctx, dir, "push", "-u", "origin", branch); err != nil {
		return fmt.Errorf("push branch: %w", err)
	}
	return nil
}

// FixPROpts describes a fix pull request built from a working copy.
type FixPROpts struct {
	Repo        string
	Dir         string
	BaseBranch  string
	Fixes       *models.CodeFixes
	IssueNumber int
	SourceSHA   string
}

// FailedChange is a file whose edits could not be applied.
type FailedChange struct {
	File  string `json:"file"`
	Error string `json:"error"`
}

// FixPRResult is the outcome of CreateFixPR.
type FixPRResult struct {
	Branch        string         `json:"branch"`
	Number        int            `json:"pr_number,omitempty"`
	URL           string         `json:"pr_url,omitempty"`
	Title         string         `json:"title"`
	CommitMessage string         `json:"commit_message"`
	FilesChanged  []string       `json:"files_changed"`
	Failed        []FailedChange `json:"failed,omitempty"`
	Drift         []Drift        `json:"drift,omitempty"`
}

// BranchName returns the fix branch name for t.
func (c *Client) BranchName(t time.Time) string {
	return c.opts.Guard.BranchPrefix + t.UTC().Format("20060102-150405")
}

// CreateFixPR applies fixes on a new branch in the working copy, commits,
// pushes, and opens a pull request against BaseBranch. Files whose edits
// fail are skipped and reported; if nothing changed, ErrNoFilesChanged is
// returned along with the partial result.
func (c *Client) CreateFixPR(ctx context.Context, opts FixPROpts) (*FixPRResult, error) {
	if c.git == nil {
		return nil, fmt.Errorf("git runner not configured")
	}
	if opts.Fixes == nil {
		return nil, fmt.Errorf("create fix PR: no fixes")
	}
	if opts.Repo == "" || opts.Dir == "" || opts.BaseBranch == "" {
		return nil, fmt.Errorf("create fix PR: repo, dir and base branch are required")
	}

	res := &FixPRResult{
		Branch:        c.BranchName(c.opts.Now()),
		CommitMessage: c.opts.Guard.CommitMessage(opts.Fixes.CommitMessage),
		FilesChanged:  []string{},
	}
	if _, err := c.git.Run(ctx, opts.Dir, "checkout", "-b", res.Branch); err != nil {
		return nil, fmt.Errorf("create branch: %w", err)
	}

	for _, fc := range opts.Fixes.FileChanges {
		drift, err := applyFileChange(opts.Dir, fc)
		if err != nil {
			res.Failed = append(res.Failed, FailedChange{File: fc.FilePath, Error: err.Error()})
			continue
		}
		res.Drift = append(res.Drift, drift...)
		res.FilesChanged = appendUnique(res.FilesChanged, fc.FilePath)
	}
	for _, af := range opts.Fixes.AdditionalFiles {
		if err := writeRepoFile(opts.Dir, af.FilePath, af.Content); err != nil {
			res.Failed = append(res.Failed, FailedChange{File: af.FilePath, Error: err.Error()})
			continue
		}
		res.FilesChanged = appendUnique(res.FilesChanged, af.FilePath)
	}
	if len(res.FilesChanged) == 0 {
		return res, fmt.Errorf("create fix PR: %w", ErrNoFilesChanged)
	}

	addArgs := append([]string{"add", "--"}, res.FilesChanged...)
	if _, err := c.git.Run(ctx, opts.Dir, addArgs...); err != nil {
		return res, fmt.Errorf("stage fixes: %w", err)
	}
	if _, err := c.git.Run(ctx, opts.Dir,
		"-c", "user.name="+c.opts.AuthorName,
		"-c", "user.email="+c.opts.AuthorEmail,
		"commit", "-m", res.CommitMessage); err != nil {
		return res, fmt.Errorf("commit fixes: %w", err)
	}
	if err := c.PushBranch(ctx, opts.Dir, res.Branch); err != nil {
		return res, err
	}

	res.Title = c.opts.Guard.CommitMessage(fmt.Sprintf("Automated fixes for %d file(s)", len(res.FilesChanged)))
	body := PRBody(opts.Fixes, PRMeta{IssueNumber: opts.IssueNumber, SourceSHA: opts.SourceSHA, Branch: res.Branch}, res.Drift)
	obj, err := c.api(ctx, "POST", "repos/"+opts.Repo+"/pulls",
		"title="+res.Title, "body="+body, "head="+res.Branch, "base="+opts.BaseBranch)
	if err != nil {
		return res, fmt.Errorf("open pull request: %w", err)
	}
	res.Number = obj.Number
	res.URL = obj.HTMLURL
	return res, nil
}

func applyFileChange(dir string, fc models.FileChange) ([]Drift, error) {
	path, err := repoPath(dir, fc.FilePath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", fc.FilePath, err)
	}
	out, drift, err := ApplyLineChanges(string(data), fc.Changes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fc.FilePath, err)
	}
	if out == string(data) {
		return nil, fmt.Errorf("%s: edits produced no change", fc.FilePath)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(out), info.Mode().Perm()); err != nil {
		return nil, fmt.Errorf("write %s: %w", fc.FilePath, err)
	}
	for i := range drift {
		drift[i].File = fc.FilePath
	}
	return drift, nil
}

func writeRepoFile(dir, rel, content string) error {
	path, err := repoPath(dir, rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", rel, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return nil
}

// repoPath resolves a repo-relative path, refusing anything outside dir
// or inside .git.
func repoPath(dir, rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if rel == "" || !filepath.IsLocal(clean) {
		return "", fmt.Errorf("path %q escapes working copy", rel)
	}
	if first := strings.SplitN(filepath.ToSlash(clean), "/", 2)[0]; first == ".git" {
		return "", fmt.Errorf("path %q is inside .git", rel)
	}
	return filepath.Join(dir, clean), nil
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
