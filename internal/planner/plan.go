// Package planner expands a Profile and target list into a Task graph,
// evaluates chain conditions as predecessors terminate, and streams newly
// Ready tasks to the executor (spec.md §4.3).
package planner

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rcourtman/ipcrawler-sub000/internal/config"
	"github.com/rcourtman/ipcrawler-sub000/internal/registry"
	"github.com/rcourtman/ipcrawler-sub000/internal/task"
	"github.com/rs/zerolog/log"
)

// Options configures Build with the externally-supplied inputs the core
// deliberately does not own: a resolved port list (a wordlist/port-range
// catalog is an out-of-scope collaborator per spec.md §1) and a logical
// wordlist-name-to-path mapping for the {wordlist} token.
type Options struct {
	BaseDir   string
	Ports     []int
	Wordlists map[string]string
}

// Plan is the live task graph for one run: the set of tasks created so
// far (growing as chains propagate) and the stream of tasks that have
// become Ready.
type Plan struct {
	profile config.Profile
	reg     *registry.Registry
	opts    Options

	mu          sync.Mutex
	tasks       []*task.Task
	outstanding int
	ready       chan *task.Task
	closeOnce   sync.Once
}

// Build expands profile into the initial Task graph for targets. Tools
// that are the successor ("to") of some chain are never expanded at plan
// time: their tasks are synthesized only when their predecessor reaches a
// terminal state and the chain condition is evaluated, since a
// port-consuming successor's task count is not knowable until the
// predecessor's discovered ports are known (spec.md §4.3).
func Build(profile config.Profile, reg *registry.Registry, targets []string, opts Options) (*Plan, error) {
	p := &Plan{
		profile: profile,
		reg:     reg,
		opts:    opts,
		ready:   make(chan *task.Task, 4096),
	}

	chainSuccessors := make(map[string]bool)
	for _, c := range profile.Chains {
		chainSuccessors[c.To] = true
	}

	for _, ref := range profile.EnabledTools() {
		if chainSuccessors[ref.Name] {
			continue
		}
		tool, err := reg.Get(ref.Name)
		if err != nil {
			return nil, err
		}
		timeout := resolveTimeout(tool, ref)

		for _, target := range targets {
			if tool.RequiresPort {
				if len(opts.Ports) == 0 {
					log.Warn().Str("tool", tool.Name).Str("target", target).Msg("Tool requires a port but no ports were supplied; no root task created")
					continue
				}
				for _, port := range opts.Ports {
					port := port
					t, err := p.newTask(tool, target, &port, 0, timeout, "")
					if err != nil {
						return nil, err
					}
					t.TransitionTo(task.StatusReady)
					p.ready <- t
				}
			} else {
				t, err := p.newTask(tool, target, nil, 0, timeout, "")
				if err != nil {
					return nil, err
				}
				t.TransitionTo(task.StatusReady)
				p.ready <- t
			}
		}
	}

	if p.outstanding == 0 {
		close(p.ready)
	}
	return p, nil
}

func resolveTimeout(tool registry.Tool, ref config.ToolRef) time.Duration {
	seconds := tool.TimeoutSeconds
	if ref.Timeout > 0 {
		seconds = ref.Timeout
	}
	return time.Duration(seconds) * time.Second
}

// Ready returns the channel of tasks that have become runnable. It is
// closed once every task reachable from the plan has resolved to a
// terminal state and no further tasks can be synthesized.
func (p *Plan) Ready() <-chan *task.Task {
	return p.ready
}

// Tasks returns every task created so far, sorted by creation for
// deterministic report ordering. Safe to call after Ready() closes.
func (p *Plan) Tasks() []*task.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*task.Task, len(p.tasks))
	copy(out, p.tasks)
	return out
}

func (p *Plan) newTask(tool registry.Tool, target string, port *int, attempt int, timeout time.Duration, discoveredPortsCSV string) (*task.Task, error) {
	ctx := registry.Context{"target": target}
	if port != nil {
		ctx["port"] = strconv.Itoa(*port)
	} else if tool.RequiresPort {
		// Only skipped successor records reach here without a port; they
		// are never spawned, so an empty value just lets them render.
		ctx["port"] = ""
	}
	if discoveredPortsCSV != "" {
		ctx["discovered_ports"] = discoveredPortsCSV
	} else {
		ctx["discovered_ports"] = ""
	}

	suffix := ""
	if port != nil {
		suffix = "_" + strconv.Itoa(*port)
	}
	stdoutPath := filepath.Join(p.opts.BaseDir, "raw", tool.Name+suffix+".out")
	stderrPath := filepath.Join(p.opts.BaseDir, "errors", tool.Name+suffix+".err")
	ctx["output_file"] = stdoutPath
	if name, ok := tool.Metadata["wordlist"]; ok {
		ctx["wordlist"] = p.opts.Wordlists[name]
	} else {
		ctx["wordlist"] = ""
	}

	cmd, err := p.reg.Render(tool, ctx)
	if err != nil {
		return nil, fmt.Errorf("rendering tool %q for target %q: %w", tool.Name, target, err)
	}

	t := task.NewTask(uuid.NewString(), tool.Name, target, port, attempt)
	t.Tool = tool
	t.Command = cmd
	t.WorkDir = p.opts.BaseDir
	t.Timeout = timeout
	t.StdoutPath = stdoutPath
	t.StderrPath = stderrPath

	p.mu.Lock()
	p.tasks = append(p.tasks, t)
	p.outstanding++
	p.mu.Unlock()

	return t, nil
}

// CloneForRetry produces a new Task instance for another attempt at the
// same logical (tool, target, port), sharing the raw file paths so
// retries overwrite rather than fragment the task's captured output
// (spec.md §4.4: "each attempt produces a distinct Task instance").
func (p *Plan) CloneForRetry(original *task.Task) *task.Task {
	clone := task.NewTask(uuid.NewString(), original.ToolName, original.Target, original.Port, original.AttemptIndex+1)
	clone.Tool = original.Tool
	clone.Command = original.Command
	clone.WorkDir = original.WorkDir
	clone.Timeout = original.Timeout
	clone.StdoutPath = original.StdoutPath
	clone.StderrPath = original.StderrPath
	clone.TransitionTo(task.StatusReady)

	// The original task's outstanding slot covers the whole retry chain;
	// NotifyTerminal is only called once per logical task, on the final
	// attempt, so it must not be incremented again here.
	p.mu.Lock()
	p.tasks = append(p.tasks, clone)
	p.mu.Unlock()

	return clone
}

// NotifyTerminal is called by the executor exactly once per logical task,
// using the final attempt's terminal snapshot, after all retries (if any)
// are exhausted. It evaluates every chain whose predecessor is t's tool
// and synthesizes successor tasks accordingly.
func (p *Plan) NotifyTerminal(t *task.Task) {
	p.resolveSuccessors(t)
	p.finishOne()
}

func (p *Plan) resolveSuccessors(predecessor *task.Task) {
	var newlyReady []*task.Task

	for _, chain := range p.profile.ChainsFrom(predecessor.ToolName) {
		successorTool, err := p.reg.Get(chain.To)
		if err != nil {
			log.Error().Err(err).Str("chain_to", chain.To).Msg("Chain successor tool vanished from registry")
			continue
		}

		ok, err := evaluateCondition(chain.Condition, predecessor)
		if err != nil {
			log.Warn().Err(err).Str("from", predecessor.ToolName).Str("to", chain.To).Msg("Chain condition evaluation failed; treating as unmet")
			ok = false
		}

		if !ok {
			skipped, err := p.newTask(successorTool, predecessor.Target, nil, 0, 0, "")
			if err != nil {
				log.Error().Err(err).Msg("Failed to synthesize skipped successor task")
				continue
			}
			skipped.MarkSkipped(task.SkipReasonChainConditionUnmet)
			p.resolveSuccessors(skipped)
			p.finishOne()
			continue
		}

		ref := findRef(p.profile, successorTool.Name)
		timeout := resolveTimeout(successorTool, ref)

		if successorTool.RequiresPort {
			ports, err := discoveredPorts(predecessor.Tool, predecessor.StdoutPath)
			if err != nil {
				log.Warn().Err(err).Str("tool", predecessor.ToolName).Msg("Failed to extract discovered ports")
			}
			if len(ports) == 0 {
				skipped, err := p.newTask(successorTool, predecessor.Target, nil, 0, 0, "")
				if err != nil {
					log.Error().Err(err).Msg("Failed to synthesize skipped successor task")
					continue
				}
				skipped.MarkSkipped("no_discovered_ports")
				p.resolveSuccessors(skipped)
				p.finishOne()
				continue
			}
			csv := strings.Join(ports, ",")
			for _, portStr := range ports {
				port, convErr := strconv.Atoi(portStr)
				if convErr != nil {
					continue
				}
				nt, err := p.newTask(successorTool, predecessor.Target, &port, 0, timeout, csv)
				if err != nil {
					log.Error().Err(err).Msg("Failed to synthesize chained successor task")
					continue
				}
				nt.TransitionTo(task.StatusReady)
				newlyReady = append(newlyReady, nt)
			}
		} else {
			nt, err := p.newTask(successorTool, predecessor.Target, nil, 0, timeout, "")
			if err != nil {
				log.Error().Err(err).Msg("Failed to synthesize chained successor task")
				continue
			}
			nt.TransitionTo(task.StatusReady)
			newlyReady = append(newlyReady, nt)
		}
	}

	for _, nt := range newlyReady {
		p.ready <- nt
	}
}

func findRef(profile config.Profile, toolName string) config.ToolRef {
	for _, ref := range profile.Tools {
		if ref.Name == toolName {
			return ref
		}
	}
	return config.ToolRef{Name: toolName}
}

func (p *Plan) finishOne() {
	p.mu.Lock()
	p.outstanding--
	done := p.outstanding == 0
	p.mu.Unlock()
	if done {
		p.closeOnce.Do(func() { close(p.ready) })
	}
}
