package registry

import "testing"

func TestRenderSubstitutesKnownTokens(t *testing.T) {
	cmd, err := Render("/usr/bin/nmap -p {port} {target}", Context{"port": "80", "target": "10.0.0.1"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	want := []string{"/usr/bin/nmap", "-p", "80", "10.0.0.1"}
	if len(cmd.Argv) != len(want) {
		t.Fatalf("argv = %v, want %v", cmd.Argv, want)
	}
	for i := range want {
		if cmd.Argv[i] != want[i] {
			t.Fatalf("argv[%d] = %q, want %q", i, cmd.Argv[i], want[i])
		}
	}
}

func TestRenderMissingTokenIsTemplateError(t *testing.T) {
	_, err := Render("/bin/echo {target}", Context{})
	var tmplErr *TemplateError
	if err == nil {
		t.Fatal("expected TemplateError")
	}
	if !isTemplateError(err, &tmplErr) {
		t.Fatalf("expected *TemplateError, got %T", err)
	}
}

func TestRenderRejectsShellMetacharacters(t *testing.T) {
	cases := []string{"1.2.3.4; rm -rf /", "1.2.3.4 && whoami", "$(whoami)", "`whoami`", "1.2.3.4|cat"}
	for _, target := range cases {
		if _, err := Render("/bin/echo {target}", Context{"target": target}); err == nil {
			t.Fatalf("expected rejection for target %q", target)
		}
	}
}

func TestRenderNeverIntroducesMetacharactersAbsentFromTemplate(t *testing.T) {
	// Invariant 7 (spec.md §8): rendering a command never introduces
	// unescaped shell metacharacters that were not already present in the
	// literal spans of the template.
	cmd, err := Render("/bin/echo {target}", Context{"target": "example.com"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	for _, arg := range cmd.Argv {
		for _, marker := range unsafeShellMetacharacters {
			if marker == "\n" || marker == "\r" {
				continue
			}
			if containsUnsafeMetacharacter(arg) {
				t.Fatalf("argument %q introduced unsafe metacharacter %q", arg, marker)
			}
		}
	}
}

func TestExtractTokensUnterminatedPlaceholder(t *testing.T) {
	if _, err := extractTokens("/bin/echo {target"); err == nil {
		t.Fatal("expected error for unterminated placeholder")
	}
}

func isTemplateError(err error, target **TemplateError) bool {
	te, ok := err.(*TemplateError)
	if !ok {
		return false
	}
	*target = te
	return true
}
