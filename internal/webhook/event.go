// Package webhook turns raw repository-host deliveries into a normalized
// event and decides whether an event was caused by Watchman itself.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
)

// Event types produced by Normalize.
const (
	TypePush    = "push"
	TypeUnknown = "unknown"
	TypeError   = "error"
)

// Values used for operator-triggered scans.
const (
	ManualCommitSHA     = "manual_scan"
	ManualCommitMessage = "Manual security scan"
	ManualPusher        = "manual"
)

// Event is the normalized form of a delivery.
type Event struct {
	Type          string          `json:"event_type"`
	RepoFullName  string          `json:"repo_full_name,omitempty"`
	Branch        string          `json:"branch,omitempty"`
	CommitSHA     string          `json:"commit_sha,omitempty"`
	CommitMessage string          `json:"commit_message,omitempty"`
	Pusher        string          `json:"pusher,omitempty"`
	CommitsCount  int             `json:"commits_count"`
	Deleted       bool            `json:"deleted,omitempty"`
	Error         string          `json:"error,omitempty"`
	Raw           json.RawMessage `json:"raw_payload,omitempty"`
}

type pushPayload struct {
	Ref     string `json:"ref"`
	After   string `json:"after"`
	Deleted bool   `json:"deleted"`
	Commits []struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	} `json:"commits"`
	HeadCommit *struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	} `json:"head_commit"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Pusher struct {
		Name string `json:"name"`
	} `json:"pusher"`
}

// Normalize extracts the fields the pipeline needs from a raw payload. It
// never fails: a push (a payload with both "ref" and "commits") becomes a
// push event, any other readable object becomes an unknown event carrying
// the raw payload, and anything unreadable becomes an error event.
func Normalize(raw []byte) Event {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return Event{Type: TypeError, Error: "unreadable payload: " + err.Error()}
	}
	_, hasRef := keys["ref"]
	_, hasCommits := keys["commits"]
	if !hasRef || !hasCommits {
		return Event{Type: TypeUnknown, Raw: json.RawMessage(raw)}
	}

	var p pushPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Event{Type: TypeError, Error: "unreadable push payload: " + err.Error()}
	}

	ev := Event{
		Type:         TypePush,
		RepoFullName: p.Repository.FullName,
		Branch:       strings.TrimPrefix(p.Ref, "refs/heads/"),
		CommitSHA:    p.After,
		Pusher:       p.Pusher.Name,
		CommitsCount: len(p.Commits),
		Deleted:      p.Deleted,
	}
	switch {
	case p.HeadCommit != nil:
		ev.CommitMessage = p.HeadCommit.Message
	case len(p.Commits) > 0:
		ev.CommitMessage = p.Commits[len(p.Commits)-1].Message
	}
	return ev
}

// IsBranchDeletion reports whether a push deleted its branch. The host
// signals this with an all-zero "after" SHA.
func IsBranchDeletion(ev Event) bool {
	if ev.Deleted {
		return true
	}
	return ev.CommitSHA != "" && strings.Trim(ev.CommitSHA, "0") == ""
}

// ManualEvent synthesizes the event for an operator-triggered scan.
func ManualEvent(repo, branch string) Event {
	return Event{
		Type:          TypePush,
		RepoFullName:  repo,
		Branch:        branch,
		CommitSHA:     ManualCommitSHA,
		CommitMessage: ManualCommitMessage,
		Pusher:        ManualPusher,
	}
}

// ErrBadSignature is returned when a delivery's HMAC does not match.
var ErrBadSignature = errors.New("webhook signature mismatch")

// VerifySignature checks an X-Hub-Signature-256 header ("sha256=<hex>")
// against the payload.
func VerifySignature(secret, header string, payload []byte) error {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return ErrBadSignature
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}
