package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lucasnoah/watchman/internal/db"
	"github.com/lucasnoah/watchman/internal/orchestrator"
	"github.com/lucasnoah/watchman/internal/webhook"
	"github.com/lucasnoah/watchman/internal/worktree"
)

const repoScansDefaultLimit = 5

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error":     http.StatusText(status),
		"message":   msg,
		"path":      r.URL.Path,
		"timestamp": timestamp(),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "Watchman Security Scanner",
		"version": s.opts.Version,
		"status":  "running",
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"endpoints": map[string]string{
			"webhook":      "/webhook/github",
			"manual_scan":  "/scan/manual",
			"scan_status":  "/scan/{scan_id}",
			"recent_scans": "/scans",
			"repo_scans":   "/repos/{owner}/{repo}/scans",
			"health":       "/health",
			"stats":        "/stats",
		},
		"timestamp": timestamp(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.store.Ping(ctx); err != nil {
		s.log.WithError(err).Warn("health check: database unreachable")
		writeError(w, r, http.StatusServiceUnavailable, "Health check failed: database unreachable")
		return
	}
	stats, err := s.pipeline.SystemStats(ctx)
	if err != nil {
		s.log.WithError(err).Warn("health check: stats query failed")
		writeError(w, r, http.StatusServiceUnavailable, "Health check failed: stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"database":    "connected",
		"total_scans": stats.TotalScans,
		"timestamp":   timestamp(),
	})
}

// handleWebhook acknowledges a delivery and schedules the pipeline. It
// answers 202 once a run is scheduled and 200 for deliveries that are
// deliberately not processed.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, "could not read payload")
		return
	}

	var sigErr error
	if s.opts.WebhookSecret != "" {
		sigErr = webhook.VerifySignature(s.opts.WebhookSecret, r.Header.Get("X-Hub-Signature-256"), payload)
	}
	verified := s.opts.WebhookSecret != "" && sigErr == nil
	if !verified && !s.webhookLimit.allow(clientIPFromRequest(r)) {
		s.metrics.WebhookEvent("unverified", "rate_limited")
		s.webhookLimit.reject(w, r)
		return
	}
	if sigErr != nil {
		s.metrics.WebhookEvent("unverified", "rejected")
		writeError(w, r, http.StatusUnauthorized, "invalid webhook signature")
		return
	}

	if kind := r.Header.Get("X-GitHub-Event"); kind != "" && kind != webhook.TypePush {
		s.metrics.WebhookEvent(kind, "ignored")
		s.ignored(w, kind, fmt.Sprintf("Ignored %s event", kind))
		return
	}

	ev := webhook.Normalize(payload)
	switch ev.Type {
	case webhook.TypeError:
		s.metrics.WebhookEvent(ev.Type, "ignored")
		s.log.WithField("error", ev.Error).Warn("ignoring unreadable webhook payload")
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"message":    "Ignored error event",
			"event_type": ev.Type,
			"status":     "ignored",
			"error":      ev.Error,
			"timestamp":  timestamp(),
		})
		return
	case webhook.TypeUnknown:
		s.metrics.WebhookEvent(ev.Type, "ignored")
		s.ignored(w, ev.Type, "Ignored unknown event")
		return
	}
	if ev.RepoFullName == "" || ev.Branch == "" {
		s.metrics.WebhookEvent(ev.Type, "rejected")
		writeError(w, r, http.StatusBadRequest, "Missing repository name or branch in webhook payload")
		return
	}
	if webhook.IsBranchDeletion(ev) {
		s.metrics.WebhookEvent(ev.Type, "ignored")
		s.ignored(w, ev.Type, "Ignored branch deletion event for "+ev.Branch)
		return
	}
	if d := s.opts.Guard.Check(ev.Branch, ev.CommitMessage); d.Skip {
		s.metrics.WebhookEvent(ev.Type, "skipped")
		s.metrics.RunSkipped(d.Reason)
		s.log.WithFields(logrus.Fields{"repo": ev.RepoFullName, "branch": ev.Branch, "reason": d.Reason}).
			Info("skipping self-triggered push")
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"message":     "Skipped remediation push for " + ev.RepoFullName + ":" + ev.Branch,
			"status":      "skipped",
			"skip_reason": d.Reason,
			"timestamp":   timestamp(),
		})
		return
	}

	log := s.log.WithFields(logrus.Fields{"repo": ev.RepoFullName, "branch": ev.Branch})
	if err := s.dispatcher.Dispatch("webhook", func(ctx context.Context) {
		s.logResult(log, s.pipeline.HandleEvent(ctx, ev))
	}); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "server is shutting down")
		return
	}
	s.metrics.WebhookEvent(ev.Type, "accepted")
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"message":   fmt.Sprintf("Webhook received, processing scan for %s:%s", ev.RepoFullName, ev.Branch),
		"repo":      ev.RepoFullName,
		"branch":    ev.Branch,
		"commit":    shortCommit(ev.CommitSHA),
		"status":    "processing",
		"timestamp": timestamp(),
	})
}

func (s *Server) ignored(w http.ResponseWriter, eventType, msg string) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":    msg,
		"event_type": eventType,
		"status":     "ignored",
		"timestamp":  timestamp(),
	})
}

type manualScanRequest struct {
	RepoName string `json:"repo_name"`
	Branch   string `json:"branch"`
}

func (s *Server) handleManualScan(w http.ResponseWriter, r *http.Request) {
	var req manualScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Branch == "" {
		req.Branch = "main"
	}
	if err := worktree.ValidateRepo(req.RepoName); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := worktree.ValidateBranch(req.Branch); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	log := s.log.WithFields(logrus.Fields{"repo": req.RepoName, "branch": req.Branch, "trigger": "manual"})
	if err := s.dispatcher.Dispatch("manual_scan", func(ctx context.Context) {
		s.logResult(log, s.pipeline.ProcessManual(ctx, req.RepoName, req.Branch))
	}); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "server is shutting down")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"success":   true,
		"message":   fmt.Sprintf("Manual scan started for %s:%s", req.RepoName, req.Branch),
		"repo_name": req.RepoName,
		"branch":    req.Branch,
		"status":    "processing",
		"timestamp": timestamp(),
	})
}

func (s *Server) logResult(log logrus.FieldLogger, res *orchestrator.Result) {
	entry := log.WithFields(logrus.Fields{"workflow_id": res.WorkflowID, "run_id": res.RunID})
	switch {
	case !res.Success:
		entry.WithField("failed_step", res.FailedStep).Error("background scan failed: " + res.Error)
	case res.Skipped || res.Ignored:
		entry.Info(res.Message)
	default:
		entry.Info("background scan completed")
	}
}

func (s *Server) handleScanStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, http.StatusBadRequest, "scan id must be a positive integer")
		return
	}
	st, err := s.pipeline.Status(r.Context(), id)
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeError(w, r, http.StatusNotFound, fmt.Sprintf("Scan run %d not found", id))
		return
	case err != nil:
		s.log.WithError(err).WithField("run_id", id).Error("scan status query failed")
		writeError(w, r, http.StatusInternalServerError, "Failed to get scan status")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleScans(w http.ResponseWriter, r *http.Request) {
	repo := r.URL.Query().Get("repo_name")
	if repo == "" {
		repo = r.URL.Query().Get("repo")
	}
	s.recentScans(w, r, repo, orchestrator.DefaultRecentLimit)
}

func (s *Server) handleRepoScans(w http.ResponseWriter, r *http.Request) {
	s.recentScans(w, r, r.PathValue("owner")+"/"+r.PathValue("repo"), repoScansDefaultLimit)
}

func (s *Server) recentScans(w http.ResponseWriter, r *http.Request, repo string, limit int) {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := s.pipeline.RecentScans(r.Context(), repo, limit)
	if err != nil {
		s.log.WithError(err).Error("recent scans query failed")
		writeError(w, r, http.StatusInternalServerError, "Failed to get scans")
		return
	}
	if runs == nil {
		runs = []db.ScanRun{}
	}
	var filter interface{}
	if repo != "" {
		filter = repo
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"scans":            runs,
		"count":            len(runs),
		"filtered_by_repo": filter,
		"timestamp":        timestamp(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.pipeline.SystemStats(r.Context())
	if err != nil {
		s.log.WithError(err).Error("stats query failed")
		writeError(w, r, http.StatusInternalServerError, "Failed to get stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"statistics": stats,
		"timestamp":  timestamp(),
	})
}

func shortCommit(sha string) string {
	if sha == "" {
		return "unknown"
	}
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
