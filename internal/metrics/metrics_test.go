package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRunLifecycle(t *testing.T) {
	m := New(false)
	m.RunStarted()
	if got := testutil.ToFloat64(m.inFlight); got != 1 {
		t.Errorf("expected 1 in flight, got %v", got)
	}
	m.RunFinished("completed", 3*time.Second)
	if got := testutil.ToFloat64(m.inFlight); got != 0 {
		t.Errorf("expected 0 in flight, got %v", got)
	}
	if got := testutil.ToFloat64(m.runs.WithLabelValues("completed")); got != 1 {
		t.Errorf("expected 1 completed run, got %v", got)
	}
}

func TestCounters(t *testing.T) {
	m := New(false)
	m.RunSkipped("security_fix_branch")
	m.RunSkipped("security_fix_branch")
	m.StepFailed("issue")
	m.AddFindings("ERROR", 4)
	m.AddFindings("INFO", 0)
	m.WebhookEvent("push", "accepted")

	if got := testutil.ToFloat64(m.skips.WithLabelValues("security_fix_branch")); got != 2 {
		t.Errorf("expected 2 skips, got %v", got)
	}
	if got := testutil.ToFloat64(m.stepFailures.WithLabelValues("issue")); got != 1 {
		t.Errorf("expected 1 step failure, got %v", got)
	}
	if got := testutil.ToFloat64(m.findings.WithLabelValues("ERROR")); got != 4 {
		t.Errorf("expected 4 findings, got %v", got)
	}
	if got := testutil.ToFloat64(m.webhookEvents.WithLabelValues("push", "accepted")); got != 1 {
		t.Errorf("expected 1 webhook event, got %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RunStarted()
	m.RunFinished("failed", time.Second)
	m.RunSkipped("x")
	m.StepFailed("x")
	m.ObserveStep("x", time.Second)
	m.AddFindings("ERROR", 1)
	m.WebhookEvent("push", "accepted")
	if m.Registry() != nil {
		t.Error("expected nil registry")
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New(false)
	m.RunSkipped("security_fix_commit")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `watchman_runs_skipped_total{reason="security_fix_commit"} 1`) {
		t.Errorf("metric not exposed:\n%s", body)
	}
}
