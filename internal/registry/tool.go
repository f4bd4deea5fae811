// Package registry loads declarative tool definitions, validates them
// against the tool schema, and renders command templates into argument
// vectors.
package registry

import "fmt"

// OutputKind selects the parsing strategy applied to a tool's captured
// output. Dispatch on this field, never on the tool's name, is a firm
// architectural rule (see internal/parser).
type OutputKind string

const (
	OutputKindRegex  OutputKind = "regex"
	OutputKindJSON   OutputKind = "json"
	OutputKindXML    OutputKind = "xml"
	OutputKindMarker OutputKind = "marker"
)

// Pattern describes one extraction rule within a tool's output descriptor.
// Its fields are interpreted differently depending on OutputKind: for
// "regex" it is a named capturing regular expression; for "xml" it is an
// XPath-like selector mapped onto Finding fields.
type Pattern struct {
	Name     string `yaml:"name"`
	Regex    string `yaml:"regex,omitempty"`
	Selector string `yaml:"selector,omitempty"`
	Field    string `yaml:"field,omitempty"`
}

// Output is a tool's declarative output descriptor.
type Output struct {
	Kind         OutputKind        `yaml:"kind"`
	Patterns     []Pattern         `yaml:"patterns,omitempty"`
	SeverityMap  map[string]string `yaml:"severity_map,omitempty"`
	BeginMarker  string            `yaml:"begin_marker,omitempty"`
	EndMarker    string            `yaml:"end_marker,omitempty"`
}

// Tool is one declarative tool definition, loaded from a single file under
// a Registry source directory. See spec.md §3 for the invariants this type
// must satisfy before it is admitted into a Registry.
type Tool struct {
	Name                      string            `yaml:"name"`
	Description               string            `yaml:"description"`
	CommandTemplate           string            `yaml:"command_template"`
	PrivilegedCommandTemplate string            `yaml:"privileged_command_template,omitempty"`
	Installer                 map[string]string `yaml:"installer,omitempty"`
	TimeoutSeconds            int               `yaml:"timeout_seconds"`
	Output                    Output            `yaml:"output"`
	ScriptPath                string            `yaml:"script_path,omitempty"`
	RequiresPort              bool              `yaml:"requires_port"`
	Metadata                  map[string]string `yaml:"metadata,omitempty"`

	// sourcePath is the file the tool was loaded from, kept for error
	// messages and for hot-reload change detection. Not part of the schema.
	sourcePath string
}

// SourcePath returns the file this tool definition was loaded from.
func (t Tool) SourcePath() string { return t.sourcePath }

// Produces reports the metadata-declared kind of discovered-data this tool
// emits for chain propagation (see planner port propagation), or "" if it
// declares none. Driven entirely by metadata, never by tool identity.
func (t Tool) Produces() string {
	return t.Metadata["produces"]
}

// SourceKind is the metadata-declared category used for Finding dedup
// identity (spec.md §3/§4.5), e.g. "port-scanner", "web-scanner". Falls
// back to "unspecified" rather than the tool's literal name.
func (t Tool) SourceKind() string {
	if kind := t.Metadata["source_kind"]; kind != "" {
		return kind
	}
	return "unspecified"
}

func (t Tool) validate(knownTokens map[string]bool) error {
	if t.Name == "" {
		return fmt.Errorf("tool %s: name is required", t.sourcePath)
	}
	if t.CommandTemplate == "" && t.PrivilegedCommandTemplate == "" {
		return fmt.Errorf("tool %q: at least one of command_template or privileged_command_template is required", t.Name)
	}
	if t.TimeoutSeconds <= 0 {
		return fmt.Errorf("tool %q: timeout_seconds must be a positive integer", t.Name)
	}
	switch t.Output.Kind {
	case OutputKindRegex, OutputKindJSON, OutputKindXML, OutputKindMarker:
	case "":
		return fmt.Errorf("tool %q: output.kind is required", t.Name)
	default:
		return fmt.Errorf("tool %q: unknown output.kind %q", t.Name, t.Output.Kind)
	}
	for _, tmpl := range []string{t.CommandTemplate, t.PrivilegedCommandTemplate} {
		if tmpl == "" {
			continue
		}
		tokens, err := extractTokens(tmpl)
		if err != nil {
			return fmt.Errorf("tool %q: %w", t.Name, err)
		}
		for _, tok := range tokens {
			if !knownTokens[tok] {
				return fmt.Errorf("tool %q: unknown placeholder token {%s}", t.Name, tok)
			}
		}
	}
	return nil
}
