package models

import (
	"encoding/json"
	"testing"
)

func TestNewScanResult_BucketsAndSummary(t *testing.T) {
	r := NewScanResult([]Finding{
		{RuleID: "a", Severity: "ERROR", File: "b.py", Line: 3},
		{RuleID: "b", Severity: "ERROR", File: "a.py", Line: 9},
		{RuleID: "c", Severity: "WARNING", File: "a.py", Line: 1},
		{RuleID: "d", Severity: "INFO"},
		{RuleID: "e", Severity: "EXPERIMENT"},
	})

	if r.TotalFindings != 5 {
		t.Errorf("expected 5 findings, got %d", r.TotalFindings)
	}
	c := r.Counts()
	if c.Error != 2 || c.Warning != 1 || c.Info != 2 {
		t.Errorf("unexpected counts %+v", c)
	}
	if c.Total() != r.TotalFindings {
		t.Errorf("bucket total %d != total %d", c.Total(), r.TotalFindings)
	}
	if r.Summary != "Found 2 critical, 1 warnings, 2 info" {
		t.Errorf("unexpected summary %q", r.Summary)
	}
}

func TestNewScanResult_Empty(t *testing.T) {
	r := NewScanResult(nil)
	if r.TotalFindings != 0 {
		t.Errorf("expected 0, got %d", r.TotalFindings)
	}
	for _, s := range Severities {
		if r.BySeverity[s] == nil {
			t.Errorf("bucket %s should be empty, not nil", s)
		}
	}
	if r.Summary != "Found 0 critical, 0 warnings, 0 info" {
		t.Errorf("unexpected summary %q", r.Summary)
	}
}

func TestFlatten_Order(t *testing.T) {
	r := NewScanResult([]Finding{
		{RuleID: "info", Severity: "INFO", File: "a.go"},
		{RuleID: "err-b", Severity: "ERROR", File: "b.go", Line: 1},
		{RuleID: "err-a2", Severity: "ERROR", File: "a.go", Line: 20},
		{RuleID: "err-a1", Severity: "ERROR", File: "a.go", Line: 2},
		{RuleID: "warn", Severity: "WARNING", File: "z.go"},
	})
	var got []string
	for _, f := range r.Flatten() {
		got = append(got, f.RuleID)
	}
	want := []string{"err-a1", "err-a2", "err-b", "warn", "info"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestSeverityPresentation(t *testing.T) {
	if SeverityError.Presentation() != "CRITICAL" {
		t.Error("ERROR should present as CRITICAL")
	}
	if SeverityWarning.Presentation() != "HIGH" {
		t.Error("WARNING should present as HIGH")
	}
	if SeverityInfo.Presentation() != "LOW" {
		t.Error("INFO should present as LOW")
	}
}

func TestFlexInt(t *testing.T) {
	var v struct {
		A FlexInt `json:"a"`
		B FlexInt `json:"b"`
		C FlexInt `json:"c"`
		D FlexInt `json:"d"`
		E FlexInt `json:"e"`
	}
	err := json.Unmarshal([]byte(`{"a": 12, "b": "34", "c": "N/A", "d": null, "e": 5.0}`), &v)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.A != 12 || v.B != 34 || v.C != 0 || v.D != 0 || v.E != 5 {
		t.Errorf("unexpected values %+v", v)
	}
}

func TestHasCriticalIssues(t *testing.T) {
	var nilAnalysis *Analysis
	if nilAnalysis.HasCriticalIssues() {
		t.Error("nil analysis has no issues")
	}
	a := &Analysis{CriticalIssues: []CriticalIssue{{Title: "x"}}}
	if !a.HasCriticalIssues() {
		t.Error("expected critical issues")
	}
}
