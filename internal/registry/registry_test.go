package registry

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTool(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write tool file: %v", err)
	}
}

const alphaTool = `
name: alpha
description: echoes alpha
command_template: "/bin/echo alpha"
timeout_seconds: 5
output:
  kind: regex
  patterns:
    - name: match
      regex: "(\\w+)"
`

func TestLoadValidRegistry(t *testing.T) {
	dir := t.TempDir()
	writeTool(t, dir, "alpha.yaml", alphaTool)

	reg, err := Load(dir, WithPrivilege(false))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	tool, err := reg.Get("alpha")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tool.TimeoutSeconds != 5 {
		t.Fatalf("timeout = %d, want 5", tool.TimeoutSeconds)
	}
}

func TestLoadRejectsDuplicateNames(t *testing.T) {
	dir := t.TempDir()
	writeTool(t, dir, "a.yaml", alphaTool)
	writeTool(t, dir, "b.yaml", alphaTool)

	if _, err := Load(dir); err == nil {
		t.Fatal("expected duplicate-name ConfigError")
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	dir := t.TempDir()
	writeTool(t, dir, "bad.yaml", alphaTool+"\nbogus_field: true\n")

	if _, err := Load(dir); err == nil {
		t.Fatal("expected strict-parse ConfigError for unknown field")
	}
}

func TestLoadRejectsZeroTimeout(t *testing.T) {
	dir := t.TempDir()
	writeTool(t, dir, "bad.yaml", `
name: bad
command_template: "/bin/echo hi"
timeout_seconds: 0
output:
  kind: regex
`)
	if _, err := Load(dir); err == nil {
		t.Fatal("expected ConfigError for non-positive timeout")
	}
}

func TestLoadRejectsUnknownPlaceholder(t *testing.T) {
	dir := t.TempDir()
	writeTool(t, dir, "bad.yaml", `
name: bad
command_template: "/bin/echo {bogus}"
timeout_seconds: 5
output:
  kind: regex
`)
	if _, err := Load(dir); err == nil {
		t.Fatal("expected ConfigError for unknown placeholder token")
	}
}

func TestLoadRejectsMissingCommandTemplates(t *testing.T) {
	dir := t.TempDir()
	writeTool(t, dir, "bad.yaml", `
name: bad
timeout_seconds: 5
output:
  kind: regex
`)
	if _, err := Load(dir); err == nil {
		t.Fatal("expected ConfigError for missing command templates")
	}
}

func TestGetUnknownTool(t *testing.T) {
	dir := t.TempDir()
	writeTool(t, dir, "alpha.yaml", alphaTool)
	reg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := reg.Get("missing"); err == nil {
		t.Fatal("expected UnknownTool error")
	}
}

func TestSelectTemplateUsesPrivilegedVariantWhenElevated(t *testing.T) {
	dir := t.TempDir()
	writeTool(t, dir, "dual.yaml", `
name: dual
command_template: "/bin/echo standard"
privileged_command_template: "/bin/echo privileged"
timeout_seconds: 5
output:
  kind: regex
`)
	reg, err := Load(dir, WithPrivilege(true))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	tool, _ := reg.Get("dual")
	if got := reg.SelectTemplate(tool); got != "/bin/echo privileged" {
		t.Fatalf("template = %q, want privileged variant", got)
	}

	regUnpriv, err := Load(dir, WithPrivilege(false))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	toolUnpriv, _ := regUnpriv.Get("dual")
	if got := regUnpriv.SelectTemplate(toolUnpriv); got != "/bin/echo standard" {
		t.Fatalf("template = %q, want standard variant", got)
	}
}

func TestFilePatternOnlySelectsMatchingFiles(t *testing.T) {
	dir := t.TempDir()
	writeTool(t, dir, "alpha.yaml", alphaTool)
	writeTool(t, dir, "README.md", "not a tool definition")

	reg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(reg.All()) != 1 {
		t.Fatalf("expected exactly one tool loaded, got %d", len(reg.All()))
	}
}
