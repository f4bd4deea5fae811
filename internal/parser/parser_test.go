package parser

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rcourtman/ipcrawler-sub000/internal/finding"
	"github.com/rcourtman/ipcrawler-sub000/internal/registry"
	"github.com/rcourtman/ipcrawler-sub000/internal/task"
)

func writeStdout(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tool.out")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write stdout: %v", err)
	}
	return path
}

func taskWithOutput(tool registry.Tool, stdoutPath string) *task.Task {
	tk := task.NewTask("id", tool.Name, "t1", nil, 0)
	tk.Tool = tool
	tk.StdoutPath = stdoutPath
	tk.StderrPath = stdoutPath + ".err"
	return tk
}

func TestParseRegexProducesOneFindingPerMatch(t *testing.T) {
	tool := registry.Tool{
		Name: "toolA",
		Output: registry.Output{
			Kind: registry.OutputKindRegex,
			Patterns: []registry.Pattern{
				{Name: "match", Regex: `(\w+)`},
			},
		},
	}
	stdout := writeStdout(t, "alpha\n")
	tk := taskWithOutput(tool, stdout)

	buf := finding.NewBuffer()
	Parse(tk, buf)

	findings := buf.All()
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}
	if findings[0].Title != "match" || findings[0].Evidence != "alpha" {
		t.Fatalf("unexpected finding: %+v", findings[0])
	}
	if findings[0].Severity != finding.SeverityInfo {
		t.Fatalf("severity = %s, want Info (default)", findings[0].Severity)
	}
}

func TestParseJSONMalformedProducesInfoFinding(t *testing.T) {
	tool := registry.Tool{
		Name:   "toolJ",
		Output: registry.Output{Kind: registry.OutputKindJSON},
	}
	stdout := writeStdout(t, "not json at all")
	tk := taskWithOutput(tool, stdout)

	buf := finding.NewBuffer()
	Parse(tk, buf)

	findings := buf.All()
	if len(findings) != 1 || findings[0].Title != "parser.malformed_json" {
		t.Fatalf("expected one parser.malformed_json finding, got %+v", findings)
	}
}

func TestParseJSONValidFindings(t *testing.T) {
	tool := registry.Tool{
		Name:   "toolJ",
		Output: registry.Output{Kind: registry.OutputKindJSON},
	}
	stdout := writeStdout(t, `{"findings":[{"severity":"High","title":"open port","description":"found"}]}`)
	tk := taskWithOutput(tool, stdout)

	buf := finding.NewBuffer()
	Parse(tk, buf)

	findings := buf.All()
	if len(findings) != 1 || findings[0].Severity != finding.SeverityHigh {
		t.Fatalf("unexpected findings: %+v", findings)
	}
}

func TestParseMarkerCapturesStderrRegion(t *testing.T) {
	tool := registry.Tool{
		Name: "toolM",
		Output: registry.Output{
			Kind:        registry.OutputKindMarker,
			BeginMarker: "BEGIN",
			EndMarker:   "END",
		},
	}
	stdout := writeStdout(t, `{"findings":[]}`)
	tk := taskWithOutput(tool, stdout)
	if err := os.WriteFile(tk.StderrPath, []byte("noise BEGIN captured content END noise"), 0o644); err != nil {
		t.Fatalf("write stderr: %v", err)
	}

	buf := finding.NewBuffer()
	Parse(tk, buf)

	findings := buf.All()
	if len(findings) != 1 || findings[0].Evidence != "captured content" {
		t.Fatalf("unexpected findings: %+v", findings)
	}
}

func TestDeduplicationPrefersHigherSeverityAndIsIdempotent(t *testing.T) {
	buf := finding.NewBuffer()
	port := 80
	buf.Add(finding.Finding{SourceKind: "port-scanner", Target: "t1", Port: &port, Severity: finding.SeverityMedium, Title: "Open Port 80"})
	buf.Add(finding.Finding{SourceKind: "port-scanner", Target: "t1", Port: &port, Severity: finding.SeverityHigh, Title: "open   port 80 "})

	first := buf.All()
	second := buf.All()

	if len(first) != 1 {
		t.Fatalf("expected dedup to collapse to 1 finding, got %d", len(first))
	}
	if first[0].Severity != finding.SeverityHigh {
		t.Fatalf("survivor severity = %s, want High", first[0].Severity)
	}
	if len(second) != len(first) || second[0].Severity != first[0].Severity {
		t.Fatal("dedup pass is not idempotent")
	}
}

func TestNormalizeTitleLowercasesAndCollapsesWhitespace(t *testing.T) {
	got := finding.NormalizeTitle("  Open   PORT 80  ")
	if got != "open port 80" {
		t.Fatalf("NormalizeTitle = %q, want %q", got, "open port 80")
	}
}
