// Package scanner runs the static-analysis scanner over a working copy and
// buckets its findings by severity.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/lucasnoah/watchman/internal/models"
)

// DefaultRules are the rule packs scanned when none are configured.
var DefaultRules = []string{"p/security-audit", "p/owasp-top-ten", "p/cwe-top-25"}

// DefaultTimeout bounds a single scan.
const DefaultTimeout = 300 * time.Second

// ErrTimeout is returned when the scanner exceeds its deadline.
var ErrTimeout = errors.New("scan timed out")

// CommandRunner abstracts command execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, dir string, name string, args ...string) (stdout string, stderr string, exitCode int, err error)
}

// ExecRunner implements CommandRunner with os/exec.
type ExecRunner struct{}

func (e *ExecRunner) Run(ctx context.Context, dir string, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.WaitDelay = 5 * time.Second

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			exitCode = exitErr.ExitCode()
		} else {
			return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("exec %s: %w", name, err)
		}
	}
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// Options configures a Scanner.
type Options struct {
	Binary  string
	Rules   []string
	Timeout time.Duration
}

// Scanner invokes semgrep and parses its JSON output.
type Scanner struct {
	cmd     CommandRunner
	binary  string
	rules   []string
	timeout time.Duration
}

// New creates a Scanner. Zero-valued options fall back to defaults.
func New(cmd CommandRunner, opts Options) *Scanner {
	s := &Scanner{cmd: cmd, binary: opts.Binary, rules: opts.Rules, timeout: opts.Timeout}
	if s.binary == "" {
		s.binary = "semgrep"
	}
	if len(s.rules) == 0 {
		s.rules = DefaultRules
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	return s
}

// Args returns the scanner argument list for a target path.
func (s *Scanner) Args(target string) []string {
	args := make([]string, 0, 2*len(s.rules)+7)
	for _, r := range s.rules {
		args = append(args, "--config", r)
	}
	args = append(args, "--json", "--metrics", "off",
		"--timeout", strconv.Itoa(int(s.timeout.Seconds())), target)
	return args
}

// Scan runs the scanner over dir. Exit codes 0 (clean) and 1 (findings)
// are success; anything else, a timeout, or unparseable output is an error.
func (s *Scanner) Scan(ctx context.Context, dir string) (*models.ScanResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stdout, stderr, exitCode, err := s.cmd.Run(ctx, dir, s.binary, s.Args(".")...)
	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("%w after %s", ErrTimeout, s.timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("run scanner: %w", err)
	}
	if exitCode != 0 && exitCode != 1 {
		return nil, fmt.Errorf("scanner exited with code %d: %s", exitCode, tail(stderr, 500))
	}

	findings, err := ParseSemgrep([]byte(stdout))
	if err != nil {
		return nil, err
	}
	return models.NewScanResult(findings), nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
