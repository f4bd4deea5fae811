package ipcrawler

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rcourtman/ipcrawler-sub000/internal/config"
	"github.com/rcourtman/ipcrawler-sub000/internal/metrics"
	"github.com/rcourtman/ipcrawler-sub000/internal/registry"
	"github.com/rcourtman/ipcrawler-sub000/internal/report"
	"github.com/rcourtman/ipcrawler-sub000/internal/streaming"
)

func mustRegistry(t *testing.T, toolDefs ...string) *registry.Registry {
	t.Helper()
	dir := t.TempDir()
	for i, body := range toolDefs {
		name := filepath.Join(dir, string(rune('a'+i))+".yaml")
		if err := os.WriteFile(name, []byte(body), 0o644); err != nil {
			t.Fatalf("write tool def: %v", err)
		}
	}
	reg, err := registry.Load(dir, registry.WithPrivilege(false))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return reg
}

func mustProfile(t *testing.T, reg *registry.Registry, body string) config.Profile {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	profile, err := config.LoadProfile(path, reg)
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	return profile
}

func TestRunProducesReportAndRunDirectoryLayout(t *testing.T) {
	reg := mustRegistry(t, `
name: greeter
command_template: "/bin/echo hello"
timeout_seconds: 5
metadata:
  source_kind: greeter-tool
output:
  kind: regex
  patterns:
    - name: word
      regex: "(\\w+)"
`)
	profile := mustProfile(t, reg, "tools:\n  - name: greeter\nglobals:\n  max_concurrent: 2\n")

	base := filepath.Join(t.TempDir(), "t1_run")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	promReg := prometheus.NewRegistry()
	collector := metrics.NewCollector(promReg)
	hub := streaming.NewHub()

	rpt, err := Run(ctx, RunInput{
		Registry: reg,
		Profile:  profile,
		Targets:  []string{"t1"},
		BaseDir:  base,
		Hub:      hub,
		Metrics:  collector,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rpt == nil {
		t.Fatalf("expected a non-nil report")
	}
	if len(rpt.Tasks) != 1 || rpt.Tasks[0].Status != "Succeeded" {
		t.Fatalf("expected one Succeeded task record, got %+v", rpt.Tasks)
	}
	if len(rpt.Findings) == 0 {
		t.Fatalf("expected at least one finding from the regex pattern")
	}

	for _, sub := range []string{"raw", "errors", "logs"} {
		if _, err := os.Stat(filepath.Join(base, sub)); err != nil {
			t.Fatalf("expected run directory subpath %q to exist: %v", sub, err)
		}
	}
	for _, file := range []string{"report.json", "report.md", "report.html", filepath.Join("logs", "execution.log")} {
		if _, err := os.Stat(filepath.Join(base, file)); err != nil {
			t.Fatalf("expected run artifact %q to exist: %v", file, err)
		}
	}

	data, err := os.ReadFile(filepath.Join(base, "report.json"))
	if err != nil {
		t.Fatalf("read report.json: %v", err)
	}
	var decoded report.Report
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("report.json is not valid JSON: %v", err)
	}
}

func TestRunSkipsUnranTasksDuringParsing(t *testing.T) {
	reg := mustRegistry(t, `
name: probe
command_template: "/bin/false"
timeout_seconds: 5
output:
  kind: regex
`, `
name: follow_up
command_template: "/bin/echo followed"
timeout_seconds: 5
output:
  kind: regex
`)
	profile := mustProfile(t, reg, `
tools:
  - name: probe
  - name: follow_up
chains:
  - from: probe
    to: follow_up
    condition: exit_success
`)

	base := filepath.Join(t.TempDir(), "t1_run")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rpt, err := Run(ctx, RunInput{
		Registry: reg,
		Profile:  profile,
		Targets:  []string{"t1"},
		BaseDir:  base,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var sawSkipped bool
	for _, tr := range rpt.Tasks {
		if tr.ToolName == "follow_up" {
			sawSkipped = true
			if tr.Status != "Skipped" {
				t.Fatalf("follow_up status = %s, want Skipped", tr.Status)
			}
		}
	}
	if !sawSkipped {
		t.Fatalf("expected a follow_up task record in the report")
	}
	for _, f := range rpt.Findings {
		if f.SourceTool == "follow_up" {
			t.Fatalf("skipped follow_up must not be parsed, got finding %+v", f)
		}
	}
}
