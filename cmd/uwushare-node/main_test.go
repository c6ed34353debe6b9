package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"uwushare/internal/metrics"
	"uwushare/internal/store"
)

func TestHelp(t *testing.T) {
	var out bytes.Buffer
	code := run([]string{"--help"}, &out, &out)
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out.String(), "uwushare-node") {
		t.Fatalf("expected help output to mention uwushare-node")
	}
}

func TestUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"bogus"}, &out, &errOut); code == 0 {
		t.Fatalf("expected failure for unknown command")
	}
	if !strings.Contains(errOut.String(), "unknown command: bogus") {
		t.Fatalf("unexpected stderr: %q", errOut.String())
	}
}

func TestRunRejectsBadRole(t *testing.T) {
	var out, errOut bytes.Buffer
	code := run([]string{"run", "--role", "tracker"}, &out, &errOut)
	if code != 2 {
		t.Fatalf("expected exit code 2, got %d (stderr %q)", code, errOut.String())
	}
}

func TestStatusMissingSnapshot(t *testing.T) {
	var out, errOut bytes.Buffer
	path := filepath.Join(t.TempDir(), "none.json")
	if code := run([]string{"status", "--role", "peer", "--metrics", path}, &out, &errOut); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "no snapshot") {
		t.Fatalf("unexpected stderr: %q", errOut.String())
	}
}

func TestStatusPrintsSnapshot(t *testing.T) {
	m := metrics.New()
	m.IncAccepted()
	m.IncRecvByAction("register")
	m.IncDropByReason("rate")
	m.SetDirectory(3, 2, 4)
	path := filepath.Join(t.TempDir(), "directory-metrics.json")
	if err := store.WriteJSONAtomic(path, m.Snapshot()); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	var out, errOut bytes.Buffer
	if code := run([]string{"status", "--role", "directory", "--metrics", path}, &out, &errOut); code != 0 {
		t.Fatalf("status failed: %d %s", code, errOut.String())
	}
	got := out.String()
	for _, want := range []string{"directory node", "CONNECTIONS ACCEPTED", "register", "rate"} {
		if !strings.Contains(strings.ToUpper(got), strings.ToUpper(want)) {
			t.Fatalf("status output missing %q:\n%s", want, got)
		}
	}
}

func TestPrintStatusEmpty(t *testing.T) {
	var out bytes.Buffer
	printStatus(&out, "peer", metrics.Snapshot{GeneratedAt: time.Unix(0, 0)})
	if strings.Contains(out.String(), "COUNTER") {
		t.Fatalf("counter table should be omitted without counters:\n%s", out.String())
	}
}
