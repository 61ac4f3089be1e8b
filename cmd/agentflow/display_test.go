package main

import (
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/steveyegge/agentflow/internal/session"
	"github.com/steveyegge/agentflow/internal/types"
)

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		input    int
		expected string
	}{
		{0, "0"},
		{42, "42"},
		{999, "999"},
		{1000, "1,000"},
		{99999, "99,999"},
		{999999, "999,999"},
		{1000000, "1,000,000"},
		{1234567890, "1,234,567,890"},
		{-1, "-1"},
		{-1234567, "-1,234,567"},
	}

	for _, tt := range tests {
		if got := formatNumber(tt.input); got != tt.expected {
			t.Errorf("formatNumber(%d) = %s; want %s", tt.input, got, tt.expected)
		}
	}
}

func TestTruncateString(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello world", 6, "hello…"},
		{"héllo wörld", 4, "hél…"},
		{"abc", 1, "…"},
		{"abc", 0, ""},
	}
	for _, tt := range tests {
		if got := truncateString(tt.in, tt.n); got != tt.want {
			t.Errorf("truncateString(%q, %d) = %q; want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestSeverityCounts(t *testing.T) {
	color.NoColor = true
	findings := []*types.Finding{
		{Severity: types.SeverityLow},
		{Severity: types.SeverityCritical},
		{Severity: types.SeverityLow},
		{},
	}
	got := strings.Join(severityCounts(findings), ", ")
	if want := "1 critical, 2 low, 1 none"; got != want {
		t.Errorf("severityCounts = %q; want %q", got, want)
	}
}

func TestRenderSnapshot(t *testing.T) {
	snap := &session.Snapshot{
		SessionID:         "s-1",
		Status:            types.SessionFailed,
		Reason:            "required capability documenter failed: boom",
		TotalCapabilities: 2,
		Failed:            1,
		Skipped:           1,
		Progress:          100,
		FilesTotal:        3,
		FilesProcessed:    3,
		Runs: []session.RunProgress{
			{Capability: types.CapabilityDocumenter, Required: true, Status: types.RunFailed, Error: "boom", Duration: 1500 * time.Millisecond},
			{Capability: types.CapabilityTester, Status: types.RunSkipped, Error: "dependency documenter failed"},
		},
	}

	out := renderSnapshot(snap)
	for _, want := range []string{
		"s-1",
		"failed",
		"required capability documenter failed: boom",
		"files 3/3",
		"documenter",
		"tester?",
		"skipped",
		"1.5s",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("snapshot output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderSessions(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)
	out := renderSessions([]*types.Session{
		{ID: "a", Status: types.SessionCompleted, FilesTotal: 12, CreatedAt: created},
		{ID: "b", Status: types.SessionFailed, Reason: "interrupted", CreatedAt: created},
	})

	lines := strings.Split(out, "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and 2 rows, got %d lines:\n%s", len(lines), out)
	}
	if !strings.Contains(lines[1], "completed") || !strings.Contains(lines[1], "12") {
		t.Errorf("unexpected row: %q", lines[1])
	}
	if !strings.Contains(lines[2], "interrupted") || !strings.Contains(lines[2], "2026-03-01 12:00:00") {
		t.Errorf("unexpected row: %q", lines[2])
	}
}
