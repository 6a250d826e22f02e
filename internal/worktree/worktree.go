// Package worktree manages the disposable working copies a pipeline run
// scans and patches.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/lucasnoah/watchman/internal/logging"
)

// GitRunner provides git commands. Interface for testing.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecGit implements GitRunner using exec.CommandContext.
type ExecGit struct{}

func (g *ExecGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := fmt.Sprintf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(out)))
		return strings.TrimSpace(string(out)), fmt.Errorf("%s: %w", logging.MaskCredentials(msg), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Manager clones repositories into throwaway directories under baseDir.
type Manager struct {
	git     GitRunner
	baseDir string
	baseURL string
	token   string
}

// NewManager creates a Manager. baseURL is the host root (https://github.com);
// token, if set, is embedded in clone URLs so pushes from the copy authenticate.
func NewManager(git GitRunner, baseDir, baseURL, token string) *Manager {
	return &Manager{git: git, baseDir: baseDir, baseURL: strings.TrimSuffix(baseURL, "/"), token: token}
}

// Checkout is a cloned working copy.
type Checkout struct {
	Repo    string `json:"repo"`
	Branch  string `json:"branch"`
	Path    string `json:"path"`
	HeadSHA string `json:"head_sha,omitempty"`
}

var validRepo = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)

// ValidateRepo checks that repo is an owner/name pair.
func ValidateRepo(repo string) error {
	if !validRepo.MatchString(repo) || strings.Contains(repo, "..") {
		return fmt.Errorf("invalid repository %q: must be owner/name", repo)
	}
	return nil
}

// ValidateBranch rejects branch names git would parse as options.
func ValidateBranch(branch string) error {
	if branch == "" {
		return fmt.Errorf("branch is required")
	}
	if strings.HasPrefix(branch, "-") {
		return fmt.Errorf("invalid branch name %q: must not start with -", branch)
	}
	return nil
}

// CloneURL returns the URL git clones repo from.
func (m *Manager) CloneURL(repo string) (string, error) {
	u, err := url.Parse(m.baseURL + "/" + repo + ".git")
	if err != nil {
		return "", fmt.Errorf("clone url for %s: %w", repo, err)
	}
	if m.token != "" {
		u.User = url.UserPassword("x-access-token", m.token)
	}
	return u.String(), nil
}

// Clone makes a shallow, single-branch clone of repo at branch in a new
// directory. The caller owns the directory and must Remove it.
func (m *Manager) Clone(ctx context.Context, repo, branch string) (*Checkout, error) {
	if err := ValidateRepo(repo); err != nil {
		return nil, err
	}
	if err := ValidateBranch(branch); err != nil {
		return nil, err
	}
	cloneURL, err := m.CloneURL(repo)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}
	dir, err := os.MkdirTemp(m.baseDir, sanitizeName(repo+"-"+branch)+"-")
	if err != nil {
		return nil, fmt.Errorf("create working copy dir: %w", err)
	}

	if _, err := m.git.Run(ctx, "", "clone", "--depth", "1", "--single-branch", "--branch", branch, cloneURL, dir); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("clone %s@%s: %w", repo, branch, err)
	}

	co := &Checkout{Repo: repo, Branch: branch, Path: dir}
	if sha, err := m.git.Run(ctx, dir, "rev-parse", "HEAD"); err == nil {
		co.HeadSHA = sha
	}
	return co, nil
}

// Remove deletes a working copy. Paths outside the workspace are refused.
func (m *Manager) Remove(path string) error {
	if path == "" {
		return nil
	}
	base, err := filepath.Abs(m.baseDir)
	if err != nil {
		return fmt.Errorf("resolve workspace dir: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve working copy: %w", err)
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil || rel == "." || !filepath.IsLocal(rel) {
		return fmt.Errorf("refusing to remove %s: not inside %s", path, m.baseDir)
	}
	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("remove working copy: %w", err)
	}
	return nil
}

// Entry is a working copy present on disk.
type Entry struct {
	Path    string    `json:"path"`
	ModTime time.Time `json:"mod_time"`
}

// List returns the working copies under the workspace, oldest first. A
// missing workspace is empty.
func (m *Manager) List() ([]Entry, error) {
	dirents, err := os.ReadDir(m.baseDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read workspace dir: %w", err)
	}
	var entries []Entry
	for _, d := range dirents {
		if !d.IsDir() {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{Path: filepath.Join(m.baseDir, d.Name()), ModTime: info.ModTime()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ModTime.Before(entries[j].ModTime) })
	return entries, nil
}

// Prune removes working copies last modified before cutoff and returns
// their paths. Runs remove their own copies; this catches the ones a
// failed cleanup left behind.
func (m *Manager) Prune(cutoff time.Time) ([]string, error) {
	entries, err := m.List()
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, e := range entries {
		if !e.ModTime.Before(cutoff) {
			continue
		}
		if err := m.Remove(e.Path); err != nil {
			return removed, err
		}
		removed = append(removed, e.Path)
	}
	return removed, nil
}

var nonAlphaNum = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// sanitizeName turns repo and branch names into a safe directory prefix.
func sanitizeName(name string) string {
	s := nonAlphaNum.ReplaceAllString(name, "-")
	s = strings.Trim(s, "-")
	if len(s) > 60 {
		s = s[:60]
	}
	return s
}
