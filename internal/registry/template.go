package registry

import (
	"fmt"
	"strings"
	"unicode"
)

// KnownTokens is the exhaustive placeholder token set from spec.md §6.
// Any token referenced by a command template that is not in this set is a
// hard error at load time; tokens in this set that a template never uses
// are silently permitted.
var KnownTokens = map[string]bool{
	"target":           true,
	"port":             true,
	"output_file":      true,
	"wordlist":         true,
	"discovered_ports": true,
}

type span struct {
	literal     string
	placeholder string // empty for a literal span
}

// tokenize splits a command template into literal and placeholder spans.
func tokenize(template string) ([]span, error) {
	var spans []span
	rest := template
	for {
		start := strings.IndexByte(rest, '{')
		if start == -1 {
			spans = append(spans, span{literal: rest})
			break
		}
		end := strings.IndexByte(rest[start:], '}')
		if end == -1 {
			return nil, fmt.Errorf("unterminated placeholder in template %q", template)
		}
		end += start
		if start > 0 {
			spans = append(spans, span{literal: rest[:start]})
		}
		token := rest[start+1 : end]
		if token == "" {
			return nil, fmt.Errorf("empty placeholder in template %q", template)
		}
		spans = append(spans, span{placeholder: token})
		rest = rest[end+1:]
	}
	return spans, nil
}

func extractTokens(template string) ([]string, error) {
	spans, err := tokenize(template)
	if err != nil {
		return nil, err
	}
	var tokens []string
	for _, s := range spans {
		if s.placeholder != "" {
			tokens = append(tokens, s.placeholder)
		}
	}
	return tokens, nil
}

// unsafeShellMetacharacters are rejected from rendered placeholder values.
// Rendering produces an argument vector handed directly to the program,
// never a shell string, so this is a defense against a malicious or
// malformed context value smuggling shell syntax into a downstream script
// invocation, not a shell-injection vector in the rendered command itself.
var unsafeShellMetacharacters = []string{";", "&", "|", "`", "$(", "\n", "\r"}

// TemplateError is returned by Render when a required token is missing
// from the context or a context value contains rejected metacharacters.
type TemplateError struct {
	Template string
	Token    string
	Reason   string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("template %q: token {%s}: %s", e.Template, e.Token, e.Reason)
}

// Context supplies placeholder values for Render. A key is only consulted
// if the corresponding token appears in the template.
type Context map[string]string

// CommandLine is a rendered command: an argument vector, never a shell
// string. argv[0] is the program to exec directly (no shell is invoked).
// A tool that declares a script_path is rendered the same way: no
// interpreter is inserted, argv is exactly the rendered template.
type CommandLine struct {
	Argv []string
}

// Render substitutes placeholder tokens in template with values from ctx.
// Substitution is textual but structured: tokenize first, then replace
// each placeholder span after rejecting unsafe metacharacters in the
// substituted value. The literal spans (including the program name and
// fixed flags) are split on whitespace to build the resulting argv.
func Render(template string, ctx Context) (CommandLine, error) {
	spans, err := tokenize(template)
	if err != nil {
		return CommandLine{}, err
	}

	// argv is built span-by-span rather than by joining everything into
	// one string and splitting on whitespace afterward: a placeholder
	// value containing a space (not itself a rejected metacharacter, e.g.
	// a target hostname passed through unchanged) must stay one argv
	// element, not fragment into extra ones.
	var argv []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			argv = append(argv, current.String())
			current.Reset()
		}
	}
	for _, s := range spans {
		if s.placeholder == "" {
			for _, r := range s.literal {
				if unicode.IsSpace(r) {
					flush()
				} else {
					current.WriteRune(r)
				}
			}
			continue
		}
		value, ok := ctx[s.placeholder]
		if !ok {
			return CommandLine{}, &TemplateError{Template: template, Token: s.placeholder, Reason: "missing from context"}
		}
		if containsUnsafeMetacharacter(value) {
			return CommandLine{}, &TemplateError{Template: template, Token: s.placeholder, Reason: "rendered value contains rejected shell metacharacters"}
		}
		current.WriteString(value)
	}
	flush()

	if len(argv) == 0 {
		return CommandLine{}, &TemplateError{Template: template, Reason: "rendered to an empty command"}
	}
	return CommandLine{Argv: argv}, nil
}

func containsUnsafeMetacharacter(value string) bool {
	for _, marker := range unsafeShellMetacharacters {
		if strings.Contains(value, marker) {
			return true
		}
	}
	return false
}
