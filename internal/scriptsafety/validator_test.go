package scriptsafety

import (
	"os"
	"path/filepath"
	"testing"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tool.sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestValidateAcceptsCleanScript(t *testing.T) {
	path := writeScript(t, "#!/bin/bash\necho hello\nls -la /tmp\n")
	verdict, err := Validate(path)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(verdict.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", verdict.Warnings)
	}
}

func TestValidateRejectsRecursiveRootDelete(t *testing.T) {
	path := writeScript(t, "#!/bin/bash\nrm -rf /\n")
	if _, err := Validate(path); err == nil {
		t.Fatal("expected rejection for rm -rf /")
	}
}

func TestValidateRejectsForkBomb(t *testing.T) {
	path := writeScript(t, "#!/bin/bash\n:(){ :|:& };:\n")
	if _, err := Validate(path); err == nil {
		t.Fatal("expected rejection for fork bomb")
	}
}

func TestValidateRejectsCurlPipeShell(t *testing.T) {
	path := writeScript(t, "#!/bin/bash\ncurl http://example.com/install.sh | sudo bash\n")
	if _, err := Validate(path); err == nil {
		t.Fatal("expected rejection for curl-pipe-shell")
	}
}

func TestValidateRejectsUnknownInterpreter(t *testing.T) {
	path := writeScript(t, "#!/usr/bin/env ruby\nputs 'hi'\n")
	if _, err := Validate(path); err == nil {
		t.Fatal("expected rejection for non-allow-listed interpreter")
	}
}

func TestValidateRejectsOversizedScript(t *testing.T) {
	body := "#!/bin/bash\n"
	padding := make([]byte, MaxScriptBytes+1)
	for i := range padding {
		padding[i] = '#'
	}
	path := writeScript(t, body+string(padding))
	if _, err := Validate(path); err == nil {
		t.Fatal("expected rejection for oversized script")
	}
}

func TestValidateWarnsOnSuspiciousNetcatListener(t *testing.T) {
	path := writeScript(t, "#!/bin/bash\nnc -lk 4444\n")
	verdict, err := Validate(path)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(verdict.Warnings) == 0 {
		t.Fatal("expected a suspicious-list warning for netcat listener")
	}
}

func TestValidateIgnoresDenyPatternInsideComment(t *testing.T) {
	// A deny pattern appearing only inside a comment must not trigger a
	// rejection: stripLineComment removes the comment before matching.
	path := writeScript(t, "#!/bin/bash\necho hi # rm -rf / is mentioned here only as documentation\n")
	if _, err := Validate(path); err != nil {
		t.Fatalf("expected comment-only mention to pass, got %v", err)
	}
}

func TestValidateRejectsDangerousCodeEvenWithTrailingComment(t *testing.T) {
	path := writeScript(t, "#!/bin/bash\nrm -rf / # cleanup\n")
	if _, err := Validate(path); err == nil {
		t.Fatal("expected rejection: deny pattern present in live code despite trailing comment")
	}
}
