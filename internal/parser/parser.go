// Package parser turns a task's captured output into Findings, dispatched
// purely on the owning Tool's output.kind — never on tool identity
// (spec.md §4.5/§9).
package parser

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/rcourtman/ipcrawler-sub000/internal/finding"
	"github.com/rcourtman/ipcrawler-sub000/internal/registry"
	"github.com/rcourtman/ipcrawler-sub000/internal/task"
	"github.com/rs/zerolog/log"
)

// malformedJSONEvidenceCap is the "raw first 1 KiB" cap spec.md §4.5
// names for the json parser's malformed-input fallback Finding.
const malformedJSONEvidenceCap = 1024

// Parse reads t's captured stdout and dispatches to the strategy named by
// t.Tool.Output.Kind, appending every resulting Finding into buf. A
// parser failure never poisons other tasks: it is caught here and turned
// into a single parser.error Info-Finding for this task (spec.md §4.5).
func Parse(t *task.Task, buf *finding.Buffer) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("tool", t.ToolName).Msg("Parser panicked; recording parser.error finding")
			buf.Add(errorFinding(t, "parser panicked while processing output"))
		}
	}()

	data, err := os.ReadFile(t.StdoutPath)
	if err != nil {
		buf.Add(errorFinding(t, "could not read captured stdout: "+err.Error()))
		return
	}

	switch t.Tool.Output.Kind {
	case registry.OutputKindRegex:
		parseRegex(t, data, buf)
	case registry.OutputKindJSON:
		parseJSON(t, data, buf)
	case registry.OutputKindXML:
		parseXML(t, data, buf)
	case registry.OutputKindMarker:
		parseMarker(t, data, buf)
	default:
		buf.Add(errorFinding(t, "unknown output.kind "+string(t.Tool.Output.Kind)))
	}
}

func errorFinding(t *task.Task, reason string) finding.Finding {
	return finding.Finding{
		SourceTool:   t.ToolName,
		SourceKind:   t.Tool.SourceKind(),
		Target:       t.Target,
		Port:         t.Port,
		Severity:     finding.SeverityInfo,
		Title:        "parser.error",
		Description:  reason,
		DiscoveredAt: time.Now(),
	}
}

// parseRegex scans stdout line-by-line; every Pattern capture produces
// one Finding (spec.md §4.5's regex row).
func parseRegex(t *task.Task, data []byte, buf *finding.Buffer) {
	compiled := make([]*regexp.Regexp, len(t.Tool.Output.Patterns))
	for i, p := range t.Tool.Output.Patterns {
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			log.Warn().Err(err).Str("tool", t.ToolName).Str("pattern", p.Name).Msg("Skipping pattern with invalid regex")
			continue
		}
		compiled[i] = re
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		for i, p := range t.Tool.Output.Patterns {
			re := compiled[i]
			if re == nil {
				continue
			}
			matches := re.FindAllString(line, -1)
			for _, m := range matches {
				buf.Add(finding.Finding{
					SourceTool:   t.ToolName,
					SourceKind:   t.Tool.SourceKind(),
					Target:       t.Target,
					Port:         t.Port,
					Severity:     severityFor(t.Tool.Output.SeverityMap, p.Name),
					Title:        p.Name,
					Evidence:     m,
					DiscoveredAt: time.Now(),
				})
			}
		}
	}
}

func severityFor(severityMap map[string]string, patternName string) finding.Severity {
	if severityMap == nil {
		return finding.SeverityInfo
	}
	if sev, ok := severityMap[patternName]; ok {
		return finding.Severity(sev)
	}
	return finding.SeverityInfo
}

// jsonFindingSchema is the declared shape of a json-kind tool's
// "findings" array (spec.md §4.5's json row). Sibling fields are ignored.
type jsonFindingSchema struct {
	Severity    string `json:"severity"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Port        *int   `json:"port,omitempty"`
}

type jsonOutputSchema struct {
	Findings []jsonFindingSchema `json:"findings"`
}

func parseJSON(t *task.Task, data []byte, buf *finding.Buffer) {
	var doc jsonOutputSchema
	if err := json.Unmarshal(data, &doc); err != nil {
		evidence := data
		if len(evidence) > malformedJSONEvidenceCap {
			evidence = evidence[:malformedJSONEvidenceCap]
		}
		buf.Add(finding.Finding{
			SourceTool:   t.ToolName,
			SourceKind:   t.Tool.SourceKind(),
			Target:       t.Target,
			Port:         t.Port,
			Severity:     finding.SeverityInfo,
			Title:        "parser.malformed_json",
			Evidence:     string(evidence),
			DiscoveredAt: time.Now(),
		})
		return
	}

	for _, f := range doc.Findings {
		port := t.Port
		if f.Port != nil {
			port = f.Port
		}
		buf.Add(finding.Finding{
			SourceTool:   t.ToolName,
			SourceKind:   t.Tool.SourceKind(),
			Target:       t.Target,
			Port:         port,
			Severity:     finding.Severity(f.Severity),
			Title:        f.Title,
			Description:  f.Description,
			DiscoveredAt: time.Now(),
		})
	}
}

// parseXML applies a declarative selector-to-field mapping from
// output.patterns (spec.md §4.5's xml row). Unreferenced elements are
// ignored; this is a lightweight tag-text extractor, not a full XPath
// engine, matching the spec's framing of "XPath-like selectors".
func parseXML(t *task.Task, data []byte, buf *finding.Buffer) {
	text := string(data)
	for _, p := range t.Tool.Output.Patterns {
		if p.Selector == "" {
			continue
		}
		values := extractTagText(text, p.Selector)
		for _, v := range values {
			f := finding.Finding{
				SourceTool:   t.ToolName,
				SourceKind:   t.Tool.SourceKind(),
				Target:       t.Target,
				Port:         t.Port,
				Severity:     severityFor(t.Tool.Output.SeverityMap, p.Name),
				Title:        p.Name,
				DiscoveredAt: time.Now(),
			}
			switch p.Field {
			case "description":
				f.Description = v
			default:
				f.Evidence = v
			}
			buf.Add(f)
		}
	}
}

// extractTagText returns the text content of every <tag>...</tag> in s.
func extractTagText(s, tag string) []string {
	open, closeTag := "<"+tag+">", "</"+tag+">"
	var out []string
	rest := s
	for {
		start := strings.Index(rest, open)
		if start == -1 {
			break
		}
		rest = rest[start+len(open):]
		end := strings.Index(rest, closeTag)
		if end == -1 {
			break
		}
		out = append(out, strings.TrimSpace(rest[:end]))
		rest = rest[end+len(closeTag):]
	}
	return out
}

// parseMarker extracts a JSON payload from stdout and preserves the text
// between configured begin/end markers in stderr verbatim as evidence
// (spec.md §4.5's marker row), without further parsing that span.
func parseMarker(t *task.Task, data []byte, buf *finding.Buffer) {
	var doc jsonOutputSchema
	if err := json.Unmarshal(data, &doc); err == nil {
		for _, f := range doc.Findings {
			port := t.Port
			if f.Port != nil {
				port = f.Port
			}
			buf.Add(finding.Finding{
				SourceTool:   t.ToolName,
				SourceKind:   t.Tool.SourceKind(),
				Target:       t.Target,
				Port:         port,
				Severity:     finding.Severity(f.Severity),
				Title:        f.Title,
				Description:  f.Description,
				DiscoveredAt: time.Now(),
			})
		}
	}

	begin, end := t.Tool.Output.BeginMarker, t.Tool.Output.EndMarker
	if begin == "" || end == "" {
		return
	}
	stderrData, err := os.ReadFile(t.StderrPath)
	if err != nil {
		return
	}
	text := string(stderrData)
	start := strings.Index(text, begin)
	if start == -1 {
		return
	}
	start += len(begin)
	stop := strings.Index(text[start:], end)
	if stop == -1 {
		return
	}
	buf.Add(finding.Finding{
		SourceTool:   t.ToolName,
		SourceKind:   t.Tool.SourceKind(),
		Target:       t.Target,
		Port:         t.Port,
		Severity:     finding.SeverityInfo,
		Title:        "marker.captured_region",
		Evidence:     strings.TrimSpace(text[start : start+stop]),
		DiscoveredAt: time.Now(),
	})
}
