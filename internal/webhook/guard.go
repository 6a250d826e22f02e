package webhook

import "strings"

// Skip reasons reported when a trigger is suppressed.
const (
	ReasonFixBranch = "security_fix_branch"
	ReasonFixCommit = "security_fix_commit"
)

// Guard recognizes pushes produced by Watchman's own remediation so they
// do not trigger another run. False positives are acceptable; false
// negatives are not.
type Guard struct {
	BranchPrefix string
	CommitPrefix string
}

// Decision is the outcome of Guard.Check.
type Decision struct {
	Skip   bool   `json:"skip"`
	Reason string `json:"reason,omitempty"`
}

// Check returns a skip decision for a branch and commit message. The
// branch check is an exact prefix match; the commit check ignores case
// and leading whitespace.
func (g Guard) Check(branch, commitMessage string) Decision {
	if g.BranchPrefix != "" && strings.HasPrefix(branch, g.BranchPrefix) {
		return Decision{Skip: true, Reason: ReasonFixBranch}
	}
	if g.CommitPrefix != "" {
		msg := strings.ToLower(strings.TrimSpace(commitMessage))
		if strings.HasPrefix(msg, strings.ToLower(g.CommitPrefix)) {
			return Decision{Skip: true, Reason: ReasonFixCommit}
		}
	}
	return Decision{}
}

// CommitMessage ensures msg carries the remediation prefix.
func (g Guard) CommitMessage(msg string) string {
	msg = strings.TrimSpace(msg)
	if g.Check("", msg).Skip {
		return msg
	}
	if msg == "" {
		return g.CommitPrefix + " fix vulnerabilities"
	}
	return g.CommitPrefix + " " + msg
}
