package registry

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"sync"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// DefaultFilePattern is the glob applied (via go-wildcard, metadata-driven rather
// than a fixed extension check) to select which files under a source
// directory are tool definitions. A source can tune this per deployment
// (e.g. to co-locate READMEs or fixtures beside tool YAML without the
// loader choking on them).
const DefaultFilePattern = "*.yaml"

// Registry is the read-only-after-load collection of Tool definitions for
// a run. Loading, validation and rendering are its three operations
// (spec.md §4.1). After Load returns, the only mutation is a Watcher
// reload replacing the tool set (see swap).
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]Tool
	privileged bool
	sourceDir string
	pattern   string
}

// Option configures Load.
type Option func(*loadOptions)

type loadOptions struct {
	pattern    string
	privileged *bool
}

// WithFilePattern overrides DefaultFilePattern for selecting tool
// definition files within a source directory.
func WithFilePattern(pattern string) Option {
	return func(o *loadOptions) { o.pattern = pattern }
}

// WithPrivilege forces the privilege flag instead of auto-detecting it.
// Used by tests and by callers that already know the effective
// privilege level for the run.
func WithPrivilege(privileged bool) Option {
	return func(o *loadOptions) { o.privileged = &privileged }
}

// Load reads every matching file under source, parses it with strict YAML
// decoding (unknown fields are an error), validates it against the Tool
// schema, and returns a Registry. Privilege is detected once, here, and
// frozen for the registry's lifetime (spec.md §4.1).
func Load(source string, opts ...Option) (*Registry, error) {
	options := loadOptions{pattern: DefaultFilePattern}
	for _, opt := range opts {
		opt(&options)
	}

	entries, err := os.ReadDir(source)
	if err != nil {
		return nil, &ConfigError{Path: source, Reason: "cannot read registry source directory", Err: err}
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !wildcard.Match(options.pattern, entry.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(source, entry.Name()))
	}
	sort.Strings(paths)

	tools := make(map[string]Tool, len(paths))
	for _, path := range paths {
		tool, err := loadOne(path)
		if err != nil {
			return nil, err
		}
		if err := tool.validate(KnownTokens); err != nil {
			return nil, &ConfigError{Path: path, Reason: err.Error()}
		}
		if _, exists := tools[tool.Name]; exists {
			return nil, &ConfigError{Path: path, Reason: "duplicate tool name " + tool.Name}
		}
		tools[tool.Name] = tool
	}

	privileged := options.privileged != nil && *options.privileged
	if options.privileged == nil {
		privileged = detectPrivilege()
	}

	log.Info().
		Str("source", source).
		Int("tool_count", len(tools)).
		Bool("privileged", privileged).
		Msg("Loaded tool registry")

	return &Registry{
		tools:      tools,
		privileged: privileged,
		sourceDir:  source,
		pattern:    options.pattern,
	}, nil
}

func loadOne(path string) (Tool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Tool{}, &ConfigError{Path: path, Reason: "cannot read tool definition", Err: err}
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var tool Tool
	if err := dec.Decode(&tool); err != nil {
		return Tool{}, &ConfigError{Path: path, Reason: "malformed or strict-parse rejected tool definition", Err: err}
	}
	tool.sourcePath = path
	return tool, nil
}

// Get returns the Tool registered under name, or UnknownTool if absent.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return Tool{}, &UnknownTool{Name: name}
	}
	return tool, nil
}

// All returns every tool in the registry, sorted by name for deterministic
// iteration order (the planner's expansion order depends on this).
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Privileged reports whether the run started with elevated privileges,
// detected once at Load time.
func (r *Registry) Privileged() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.privileged
}

// SelectTemplate returns the command template to render for tool given
// the registry's frozen privilege level: the privileged variant if present
// and the run is privileged, otherwise the standard template.
func (r *Registry) SelectTemplate(tool Tool) string {
	if r.Privileged() && tool.PrivilegedCommandTemplate != "" {
		return tool.PrivilegedCommandTemplate
	}
	return tool.CommandTemplate
}

// Render renders tool's selected command template against ctx.
func (r *Registry) Render(tool Tool, ctx Context) (CommandLine, error) {
	return Render(r.SelectTemplate(tool), ctx)
}

// swap atomically replaces the tool set, used by the hot-reload watcher.
// Privilege is never re-detected mid-run: it is copied from the prior
// snapshot, matching spec.md §4.1 ("does not change mid-run").
func (r *Registry) swap(tools map[string]Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = tools
}
