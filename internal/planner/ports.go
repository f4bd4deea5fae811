package planner

import (
	"fmt"
	"os"
	"regexp"

	"github.com/rcourtman/ipcrawler-sub000/internal/registry"
)

// ProducesDiscoveredPorts is the metadata.produces value a tool declares
// to mark itself as a port source for chain propagation (spec.md §4.3).
const ProducesDiscoveredPorts = "discovered_ports"

// defaultPortPatternName is used when a port-producing tool does not
// declare metadata.port_pattern explicitly.
const defaultPortPatternName = "port"

// discoveredPorts reads predecessor's captured stdout file and extracts
// the port list using the regex Pattern the tool names in its own
// output.patterns (via metadata.port_pattern, or "port" by default) —
// reusing the same declarative extraction machinery as finding parsing,
// never a hardcoded tool identity switch.
func discoveredPorts(tool registry.Tool, stdoutPath string) ([]string, error) {
	if tool.Produces() != ProducesDiscoveredPorts {
		return nil, nil
	}

	patternName := tool.Metadata["port_pattern"]
	if patternName == "" {
		patternName = defaultPortPatternName
	}

	var pattern *registry.Pattern
	for i := range tool.Output.Patterns {
		if tool.Output.Patterns[i].Name == patternName {
			pattern = &tool.Output.Patterns[i]
			break
		}
	}
	if pattern == nil {
		return nil, fmt.Errorf("tool %q declares produces=%s but has no output pattern named %q", tool.Name, ProducesDiscoveredPorts, patternName)
	}

	re, err := regexp.Compile(pattern.Regex)
	if err != nil {
		return nil, fmt.Errorf("tool %q: invalid port pattern regex: %w", tool.Name, err)
	}

	data, err := os.ReadFile(stdoutPath)
	if err != nil {
		return nil, nil
	}

	seen := make(map[string]bool)
	var ports []string
	for _, match := range re.FindAllStringSubmatch(string(data), -1) {
		if len(match) < 2 {
			continue
		}
		port := match[1]
		if seen[port] {
			continue
		}
		seen[port] = true
		ports = append(ports, port)
	}
	return ports, nil
}
