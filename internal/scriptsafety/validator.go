// Package scriptsafety statically rejects dangerous shell scripts before
// any tool that bundles one is executed (spec.md §4.2). It is
// intentionally conservative: literal-string and regex matching against
// the source text, not an attempt to prove semantic safety.
package scriptsafety

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
)

// MaxScriptBytes is the size cap a script must be under to be considered
// for validation at all.
const MaxScriptBytes = 1 << 20 // 1 MiB

// AllowedInterpreters lists the interpreter directives a script's first
// line may declare. Matched with glob semantics (go-wildcard) against the
// shebang line so deployments can extend the allow-list (e.g.
// "#!/usr/bin/env *sh") without a code change.
var AllowedInterpreters = []string{
	"#!/bin/bash",
	"#!/bin/sh",
}

// Rejected is returned when a script fails validation. It is task-fatal
// but never run-fatal (spec.md §7).
type Rejected struct {
	Path   string
	Reason string
}

func (e *Rejected) Error() string {
	return fmt.Sprintf("script %s rejected: %s", e.Path, e.Reason)
}

// Verdict is the outcome of validating one script.
type Verdict struct {
	Warnings []string // suspicious-list matches; the script still runs
}

// DenyPatterns are compiled once and shared across validations. Grounded
// on the deny-list categories from spec.md §4.2: recursive filesystem
// destruction, mass-format, shutdown/reboot, account mutation, privilege
// escalation, eval/exec of untrusted data, fork bombs, unrestricted
// chmod, raw disk device paths.
var DenyPatterns = compileNamed(map[string]string{
	"recursive_root_delete":  `rm\s+(-[a-z]*r[a-z]*f[a-z]*|-[a-z]*f[a-z]*r[a-z]*)\s+/(\s|$|\*)`,
	"no_preserve_root":       `rm\s+--no-preserve-root`,
	"mass_format":            `\bmkfs(\.\w+)?\b`,
	"wipe_disk_device":       `\bdd\s+.*of=/dev/(sd|nvme|hd)`,
	"raw_disk_redirect":      `>\s*/dev/(sd|nvme|hd)`,
	"shutdown_reboot":        `\b(shutdown|reboot|poweroff|halt|init\s+0)\b`,
	"useradd_userdel":        `\b(useradd|userdel|usermod|passwd)\s`,
	"privilege_escalation":   `\b(chmod\s+(\+s|u\+s|4[0-7]{3})|setuid|setcap\s+.*\+ep)\b`,
	"unrestricted_chmod":     `chmod\s+(-R\s+)?777`,
	"fork_bomb":              `:\(\)\s*\{\s*:\s*\|\s*:\s*&?\s*\}\s*;?\s*:`,
	"eval_untrusted":         `\beval\s+"?\$\(`,
	"curl_pipe_shell":        `(curl|wget)[^\n]*\|\s*(sudo\s+)?(ba)?sh`,
})

// SuspiciousPatterns produce a Warning, not a rejection: the validator
// accepts the script but surfaces the concern for operator review.
var SuspiciousPatterns = compileNamed(map[string]string{
	"base64_pipe_interpreter": `base64\s+(-d|--decode)[^\n]*\|\s*(ba)?sh`,
	"raw_tcp_udp_redirect":    `/dev/(tcp|udp)/`,
	"netcat_listener":         `\bnc\s+(-l|-lk|-lp)\b`,
	"inline_interpreter_eval": `\b(python3?|perl)\s+(-c|-e)\s`,
})

type namedPattern struct {
	name string
	re   *regexp.Regexp
}

func compileNamed(patterns map[string]string) []namedPattern {
	out := make([]namedPattern, 0, len(patterns))
	for name, pattern := range patterns {
		out = append(out, namedPattern{name: name, re: regexp.MustCompile(pattern)})
	}
	return out
}

// Validate reads path and checks it against the size cap, interpreter
// allow-list, deny-list and suspicious-list. It returns *Rejected on any
// deny-list match or structural violation (size, missing/unknown
// interpreter); otherwise a Verdict carrying any suspicious-list matches
// as warnings.
func Validate(path string) (Verdict, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Verdict{}, &Rejected{Path: path, Reason: fmt.Sprintf("cannot stat script: %v", err)}
	}
	if info.Size() > MaxScriptBytes {
		return Verdict{}, &Rejected{Path: path, Reason: fmt.Sprintf("script exceeds %d byte cap", MaxScriptBytes)}
	}

	f, err := os.Open(path)
	if err != nil {
		return Verdict{}, &Rejected{Path: path, Reason: fmt.Sprintf("cannot open script: %v", err)}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxScriptBytes)

	if !scanner.Scan() {
		return Verdict{}, &Rejected{Path: path, Reason: "script is empty"}
	}
	shebang := scanner.Text()
	if !allowedInterpreter(shebang) {
		return Verdict{}, &Rejected{Path: path, Reason: fmt.Sprintf("interpreter directive %q is not in the allow-list", shebang)}
	}

	var body strings.Builder
	body.WriteString(shebang)
	body.WriteByte('\n')
	for scanner.Scan() {
		body.WriteString(stripLineComment(scanner.Text()))
		body.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return Verdict{}, &Rejected{Path: path, Reason: fmt.Sprintf("failed reading script: %v", err)}
	}

	source := body.String()
	for _, p := range DenyPatterns {
		if p.re.MatchString(source) {
			return Verdict{}, &Rejected{Path: path, Reason: fmt.Sprintf("matched deny-list pattern %q", p.name)}
		}
	}

	var verdict Verdict
	for _, p := range SuspiciousPatterns {
		if p.re.MatchString(source) {
			verdict.Warnings = append(verdict.Warnings, p.name)
		}
	}
	return verdict, nil
}

func allowedInterpreter(shebang string) bool {
	for _, allowed := range AllowedInterpreters {
		if wildcard.Match(allowed, shebang) || shebang == allowed {
			return true
		}
	}
	return false
}

// stripLineComment removes a trailing "# ..." comment from a shell script
// line while preserving string literals, so a pattern embedded inside a
// quoted string is not accidentally hidden from matching by treating the
// line as fully commented, and a real comment doesn't falsely trip a
// deny-list match meant for live code. Best-effort: does not handle
// nested quoting or escaped quotes inside a string.
func stripLineComment(line string) string {
	inSingle, inDouble := false, false
	for i, r := range line {
		switch r {
		case '\'':
			if !inDouble {
				inSingle = !inSingle
			}
		case '"':
			if !inSingle {
				inDouble = !inDouble
			}
		case '#':
			if !inSingle && !inDouble {
				return line[:i]
			}
		}
	}
	return line
}
