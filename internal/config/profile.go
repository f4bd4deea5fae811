// Package config loads and validates Profile definitions: the per-run
// configuration naming which registry tools are enabled, how they chain,
// and the global concurrency/retry/logging knobs (spec.md §3/§6).
package config

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"github.com/rcourtman/ipcrawler-sub000/internal/registry"
	"gopkg.in/yaml.v3"
)

// Condition is a chain's gating predicate over a predecessor's terminal
// outcome (spec.md §4.3). Represented as a parsed, typed value rather than
// the raw string so the planner never re-parses it per evaluation.
type Condition struct {
	Kind    ConditionKind
	Literal string // for Contains
	MinSize int64  // for FileSizeAtLeast
}

// ConditionKind enumerates the chain condition families from spec.md §4.3.
type ConditionKind string

const (
	ConditionHasOutput       ConditionKind = "has_output"
	ConditionExitSuccess     ConditionKind = "exit_success"
	ConditionFileSizeAtLeast ConditionKind = "file_size_at_least"
	ConditionContains        ConditionKind = "contains"
)

// ToolRef is a profile's per-run override for one registry tool.
type ToolRef struct {
	Name    string `yaml:"name"`
	Enabled *bool  `yaml:"enabled,omitempty"`
	Timeout int    `yaml:"timeout,omitempty"`
}

// IsEnabled reports whether this reference is active, defaulting to true
// when the profile does not override it.
func (r ToolRef) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// chainYAML is the on-disk shape of a Chain before its condition string is
// parsed into a typed Condition.
type chainYAML struct {
	From      string `yaml:"from"`
	To        string `yaml:"to"`
	Condition string `yaml:"condition"`
}

// Chain is a declarative edge between two tools within a Profile.
type Chain struct {
	From      string
	To        string
	Condition Condition
}

// Globals holds the profile-wide scheduling knobs (spec.md §3).
type Globals struct {
	MaxConcurrent int    `yaml:"max_concurrent"`
	MaxRetries    int    `yaml:"max_retries"`
	LogLevel      string `yaml:"log_level"`
}

// DefaultGlobals matches spec.md §4.4's stated default concurrency.
func DefaultGlobals() Globals {
	return Globals{MaxConcurrent: 5, MaxRetries: 0, LogLevel: "info"}
}

type profileYAML struct {
	Metadata map[string]string `yaml:"metadata,omitempty"`
	Tools    []ToolRef         `yaml:"tools"`
	Chains   []chainYAML       `yaml:"chains,omitempty"`
	Globals  *Globals          `yaml:"globals,omitempty"`
}

// Profile is a fully parsed, validated run configuration.
type Profile struct {
	Metadata map[string]string
	Tools    []ToolRef
	Chains   []Chain
	Globals  Globals
}

// EnabledTools returns the profile's tool references that are active,
// sorted by name for deterministic plan expansion.
func (p Profile) EnabledTools() []ToolRef {
	out := make([]ToolRef, 0, len(p.Tools))
	for _, t := range p.Tools {
		if t.IsEnabled() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ChainsFrom returns the chains whose predecessor is toolName, sorted by
// successor name for deterministic task-graph expansion.
func (p Profile) ChainsFrom(toolName string) []Chain {
	var out []Chain
	for _, c := range p.Chains {
		if c.From == toolName {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].To < out[j].To })
	return out
}

// LoadProfile reads and validates a profile file against reg: every tool
// reference and chain endpoint must name a tool present in reg, and the
// chain graph must be acyclic.
func LoadProfile(path string, reg *registry.Registry) (Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, &ProfileError{Path: path, Reason: "cannot read profile", Err: err}
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	// Globals starts from DefaultGlobals so that a globals block overrides
	// only the keys it sets.
	defaults := DefaultGlobals()
	doc := profileYAML{Globals: &defaults}
	if err := dec.Decode(&doc); err != nil {
		return Profile{}, &ProfileError{Path: path, Reason: "malformed or strict-parse rejected profile", Err: err}
	}

	globals := DefaultGlobals()
	if doc.Globals != nil {
		globals = *doc.Globals
	}
	if globals.MaxConcurrent <= 0 {
		return Profile{}, &ProfileError{Path: path, Reason: "globals.max_concurrent must be positive"}
	}
	if globals.MaxRetries < 0 {
		return Profile{}, &ProfileError{Path: path, Reason: "globals.max_retries must be non-negative"}
	}

	seen := make(map[string]bool, len(doc.Tools))
	enabled := make(map[string]bool, len(doc.Tools))
	for _, ref := range doc.Tools {
		if _, err := reg.Get(ref.Name); err != nil {
			return Profile{}, &ProfileError{Path: path, Reason: fmt.Sprintf("tool reference %q not found in registry", ref.Name)}
		}
		if seen[ref.Name] {
			return Profile{}, &ProfileError{Path: path, Reason: fmt.Sprintf("duplicate tool reference %q", ref.Name)}
		}
		seen[ref.Name] = true
		if ref.IsEnabled() {
			enabled[ref.Name] = true
		}
	}

	chains := make([]Chain, 0, len(doc.Chains))
	for _, c := range doc.Chains {
		if !enabled[c.From] {
			return Profile{}, &ProfileError{Path: path, Reason: fmt.Sprintf("chain references unknown or disabled tool %q as predecessor", c.From)}
		}
		if !enabled[c.To] {
			return Profile{}, &ProfileError{Path: path, Reason: fmt.Sprintf("chain references unknown or disabled tool %q as successor", c.To)}
		}
		cond, err := parseCondition(c.Condition)
		if err != nil {
			return Profile{}, &ProfileError{Path: path, Reason: fmt.Sprintf("chain %s->%s: %v", c.From, c.To, err)}
		}
		chains = append(chains, Chain{From: c.From, To: c.To, Condition: cond})
	}

	if cycle := detectCycle(chains); cycle != "" {
		return Profile{}, &ProfileError{Path: path, Reason: "chain graph contains a cycle through " + cycle}
	}

	return Profile{
		Metadata: doc.Metadata,
		Tools:    doc.Tools,
		Chains:   chains,
		Globals:  globals,
	}, nil
}

func detectCycle(chains []Chain) string {
	adj := make(map[string][]string)
	for _, c := range chains {
		adj[c.From] = append(adj[c.From], c.To)
	}
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int)
	var visit func(node string) string
	visit = func(node string) string {
		state[node] = visiting
		for _, next := range adj[node] {
			switch state[next] {
			case visiting:
				return next
			case unvisited:
				if cyc := visit(next); cyc != "" {
					return cyc
				}
			}
		}
		state[node] = done
		return ""
	}
	for node := range adj {
		if state[node] == unvisited {
			if cyc := visit(node); cyc != "" {
				return cyc
			}
		}
	}
	return ""
}
