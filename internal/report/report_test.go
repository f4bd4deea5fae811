package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rcourtman/ipcrawler-sub000/internal/finding"
	"github.com/rcourtman/ipcrawler-sub000/internal/task"
)

func TestAssembleCountsLatestAttemptOnly(t *testing.T) {
	t1 := task.NewTask("1", "toolA", "t1", nil, 0)
	t1.MarkTerminal(task.StatusFailed, time.Now(), 1, true, 10, 0, task.FailureNonZeroExit)
	t2 := task.NewTask("2", "toolA", "t1", nil, 1)
	t2.MarkTerminal(task.StatusSucceeded, time.Now(), 0, true, 20, 0, task.FailureNone)

	r := Assemble("default", []string{"t1"}, time.Now(), time.Now(), []*task.Task{t1, t2}, nil)

	if len(r.Tasks) != 1 {
		t.Fatalf("expected one logical task record, got %d", len(r.Tasks))
	}
	if r.Tasks[0].Status != task.StatusSucceeded {
		t.Fatalf("status = %s, want Succeeded (latest attempt)", r.Tasks[0].Status)
	}
	if r.Tasks[0].Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", r.Tasks[0].Attempts)
	}
}

func TestAssembleSummarizesFindingsBySeverityAndSourceKind(t *testing.T) {
	findings := []finding.Finding{
		{SourceKind: "port-scanner", Severity: finding.SeverityHigh},
		{SourceKind: "port-scanner", Severity: finding.SeverityInfo},
		{SourceKind: "web-scanner", Severity: finding.SeverityHigh},
	}
	r := Assemble("", nil, time.Now(), time.Now(), nil, findings)

	if r.Summary.BySeverity[finding.SeverityHigh] != 2 {
		t.Fatalf("expected 2 High findings, got %d", r.Summary.BySeverity[finding.SeverityHigh])
	}
	if r.Summary.BySourceKind["port-scanner"] != 2 {
		t.Fatalf("expected 2 port-scanner findings, got %d", r.Summary.BySourceKind["port-scanner"])
	}
}

func TestWriteAtomicProducesValidJSONAndNoTempLeftover(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.json")
	r := Assemble("p", []string{"t1"}, time.Now(), time.Now(), nil, nil)

	if err := WriteAtomic(r, path); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var decoded Report
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("report.json is not valid JSON: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != "report.json" {
			t.Fatalf("unexpected leftover file %q after WriteAtomic", e.Name())
		}
	}
}
