// Package ipcrawler is the core's single entry point: it wires the
// registry, planner, executor, parser and report packages into one
// invocation and owns nothing the driver doesn't hand it (spec.md §6,
// "Invocation surface"). The TUI, LLM enrichment, notifications and
// wordlist/port catalogs are explicitly out of scope and reach the core
// only through the RunInput fields below.
package ipcrawler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rcourtman/ipcrawler-sub000/internal/config"
	"github.com/rcourtman/ipcrawler-sub000/internal/executor"
	"github.com/rcourtman/ipcrawler-sub000/internal/finding"
	"github.com/rcourtman/ipcrawler-sub000/internal/metrics"
	"github.com/rcourtman/ipcrawler-sub000/internal/parser"
	"github.com/rcourtman/ipcrawler-sub000/internal/planner"
	"github.com/rcourtman/ipcrawler-sub000/internal/registry"
	"github.com/rcourtman/ipcrawler-sub000/internal/report"
	"github.com/rcourtman/ipcrawler-sub000/internal/streaming"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RunInput is everything one invocation of the core needs. Registry,
// Profile, Targets and BaseDir are the entry point named in spec.md §6;
// Ports and Wordlists are the resolved output of the out-of-scope
// wordlist/port catalog collaborator, passed in rather than looked up by
// the core itself (spec.md §1's non-goals: "does not itself probe
// networks, does not parse the target list"). Hub and Metrics are
// optional ambient observers; a driver that doesn't need live streaming
// or Prometheus export can leave them nil.
type RunInput struct {
	Registry  *registry.Registry
	Profile   config.Profile
	Targets   []string
	BaseDir   string
	Ports     []int
	Wordlists map[string]string

	Hub     *streaming.Hub
	Metrics *metrics.Collector
}

// Run builds the task graph for in.Profile/in.Targets, executes it to
// completion (or until ctx is cancelled), parses every task that ran
// into Findings, and assembles and persists the structured report into
// in.BaseDir. It returns the assembled report even when individual tasks
// failed — per spec.md §6, a run that completes with task failures
// still exits 0 at the driver layer; only run-scoped errors (building
// the plan, persisting the report) are returned here.
func Run(ctx context.Context, in RunInput) (*report.Report, error) {
	startedAt := time.Now()

	if err := prepareRunDirectory(in.BaseDir); err != nil {
		return nil, err
	}

	logFile, err := os.OpenFile(filepath.Join(in.BaseDir, "logs", "execution.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open execution log: %w", err)
	}
	defer logFile.Close()

	restoreLogger := log.Logger
	log.Logger = log.Output(zerolog.MultiLevelWriter(os.Stderr, logFile)).With().
		Str("base_dir", in.BaseDir).
		Logger()
	defer func() { log.Logger = restoreLogger }()

	plan, err := planner.Build(in.Profile, in.Registry, in.Targets, planner.Options{
		BaseDir:   in.BaseDir,
		Ports:     in.Ports,
		Wordlists: in.Wordlists,
	})
	if err != nil {
		return nil, fmt.Errorf("build task plan: %w", err)
	}

	var observers []executor.TerminalObserver
	if in.Hub != nil {
		observers = append(observers, in.Hub)
	}
	if in.Metrics != nil {
		observers = append(observers, in.Metrics)
	}

	exec := executor.New(plan, in.Profile.Globals, observers...)
	if in.Metrics != nil {
		exec.OnRetry(in.Metrics.ObserveRetry)
	}
	exec.Run(ctx)

	tasks := plan.Tasks()

	buf := finding.NewBuffer()
	for _, t := range tasks {
		snap := t.Snapshot()
		if snap.StartedAt.IsZero() {
			// Skipped or cancelled before spawn: never produced output.
			continue
		}
		parser.Parse(t, buf)
	}
	findings := buf.All()
	if in.Metrics != nil {
		for _, f := range findings {
			in.Metrics.ObserveFinding(f)
		}
	}
	if in.Hub != nil {
		for _, f := range findings {
			in.Hub.Broadcast(streaming.Event{Kind: "finding", Timestamp: time.Now(), Payload: f})
		}
	}

	finishedAt := time.Now()
	rpt := report.Assemble(profileName(in.Profile), in.Targets, startedAt, finishedAt, tasks, findings)

	if err := report.WriteAtomic(rpt, filepath.Join(in.BaseDir, "report.json")); err != nil {
		return &rpt, fmt.Errorf("persist report: %w", err)
	}

	// report.md / report.html are unstyled renderings of the same content
	// model; only report.json is the structured report the core contract
	// names (spec.md §6's layout lists them as out-of-scope content-wise).
	writeBestEffortSummary(rpt, filepath.Join(in.BaseDir, "report.md"), renderMarkdownSummary)
	writeBestEffortSummary(rpt, filepath.Join(in.BaseDir, "report.html"), renderHTMLSummary)

	return &rpt, nil
}

func profileName(p config.Profile) string {
	if p.Metadata == nil {
		return ""
	}
	return p.Metadata["name"]
}

// prepareRunDirectory creates the fixed RunDirectory subpaths from
// spec.md §6 before any task writes into them.
func prepareRunDirectory(baseDir string) error {
	for _, sub := range []string{"raw", "errors", "logs"} {
		if err := os.MkdirAll(filepath.Join(baseDir, sub), 0o755); err != nil {
			return fmt.Errorf("create run directory %q: %w", sub, err)
		}
	}
	return nil
}
