package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcourtman/ipcrawler-sub000/internal/config"
	"github.com/rcourtman/ipcrawler-sub000/internal/metrics"
	"github.com/rcourtman/ipcrawler-sub000/internal/registry"
	"github.com/rcourtman/ipcrawler-sub000/internal/streaming"
	"github.com/rcourtman/ipcrawler-sub000/pkg/ipcrawler"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type runFlags struct {
	targets       []string
	outputDir     string
	profilePath   string
	registryDir   string
	ports         []int
	wordlists     []string
	verbose       bool
	dryRun        bool
	watchRegistry bool
	metricsAddr   string
	streamAddr    string
}

var flags runFlags

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a profile against one or more targets",
	RunE: func(cmd *cobra.Command, args []string) error {
		return doRun(cmd.Context(), flags)
	},
}

func init() {
	f := runCmd.Flags()
	f.StringArrayVarP(&flags.targets, "target", "t", nil, "target to scan (repeatable)")
	f.StringVarP(&flags.outputDir, "output", "o", "./runs", "base directory under which the run directory is created")
	f.StringVarP(&flags.profilePath, "profile", "p", "", "path to the profile YAML file (required)")
	f.StringVarP(&flags.registryDir, "registry", "r", "./tools", "path to the tool registry directory")
	f.IntSliceVar(&flags.ports, "port", nil, "port supplied to requires_port tools (repeatable)")
	f.StringArrayVar(&flags.wordlists, "wordlist", nil, "name=path wordlist mapping for the {wordlist} token (repeatable)")
	f.BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")
	f.BoolVar(&flags.dryRun, "dry-run", false, "print the enabled tools per target and the chains without executing anything")
	f.BoolVar(&flags.watchRegistry, "watch-registry", false, "hot-reload the tool registry on filesystem changes during the run")
	f.StringVar(&flags.metricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address for the run's duration")
	f.StringVar(&flags.streamAddr, "stream-addr", "", "if set, serve a live task-event WebSocket at /ws on this address for the run's duration")
	_ = runCmd.MarkFlagRequired("profile")
}

// runErrorKind lets exitCodeFor map a driver-level failure back to one of
// spec.md §6's exit codes without the core needing to know about exit
// codes at all.
type runErrorKind int

const (
	kindConfig runErrorKind = iota
	kindFilesystem
	kindInterrupted
)

type driverError struct {
	kind runErrorKind
	err  error
}

func (e *driverError) Error() string { return e.err.Error() }
func (e *driverError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	var de *driverError
	if errors.As(err, &de) {
		switch de.kind {
		case kindConfig:
			return exitConfigError
		case kindFilesystem:
			return exitFilesystemErr
		case kindInterrupted:
			return exitInterrupted
		}
	}
	return exitConfigError
}

func doRun(parentCtx context.Context, f runFlags) error {
	if f.verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if len(f.targets) == 0 {
		return &driverError{kind: kindConfig, err: fmt.Errorf("at least one --target is required")}
	}

	reg, err := registry.Load(f.registryDir)
	if err != nil {
		return &driverError{kind: kindConfig, err: fmt.Errorf("loading tool registry: %w", err)}
	}

	profile, err := config.LoadProfile(f.profilePath, reg)
	if err != nil {
		return &driverError{kind: kindConfig, err: fmt.Errorf("loading profile: %w", err)}
	}

	wordlists, err := parseWordlists(f.wordlists)
	if err != nil {
		return &driverError{kind: kindConfig, err: err}
	}

	runDir, err := newRunDirectory(f.outputDir, f.targets)
	if err != nil {
		return &driverError{kind: kindFilesystem, err: fmt.Errorf("creating run directory: %w", err)}
	}

	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if f.dryRun {
		printDryRun(profile, f.targets)
		return nil
	}

	if f.watchRegistry {
		watcher, err := registry.NewWatcher(reg)
		if err != nil {
			log.Warn().Err(err).Msg("Could not start registry watcher; continuing without hot-reload")
		} else {
			watcher.OnError(func(err error) {
				log.Warn().Err(err).Msg("Registry reload rejected")
			})
			go watcher.Run(ctx)
		}
	}

	promReg := prometheus.NewRegistry()
	collector := metrics.NewCollector(promReg)
	if f.metricsAddr != "" {
		go serveMetrics(ctx, f.metricsAddr, promReg)
	}

	hub := streaming.NewHub()
	defer hub.Shutdown()
	if f.streamAddr != "" {
		go serveStream(ctx, f.streamAddr, hub)
	}

	rpt, err := ipcrawler.Run(ctx, ipcrawler.RunInput{
		Registry:  reg,
		Profile:   profile,
		Targets:   f.targets,
		BaseDir:   runDir,
		Ports:     f.ports,
		Wordlists: wordlists,
		Hub:       hub,
		Metrics:   collector,
	})
	if err != nil {
		return &driverError{kind: classifyRunError(err), err: fmt.Errorf("run failed: %w", err)}
	}

	if ctx.Err() != nil {
		fmt.Fprintf(os.Stderr, "run interrupted; partial report written to %s\n", runDir)
		return &driverError{kind: kindInterrupted, err: ctx.Err()}
	}

	fmt.Printf("run complete: %d task(s), %d finding(s) — report at %s\n", len(rpt.Tasks), len(rpt.Findings), filepath.Join(runDir, "report.json"))
	return nil
}

// classifyRunError distinguishes the two failure modes ipcrawler.Run can
// return: building the task plan fails on a bad tool/template reference
// (a configuration problem, exit 2), while persisting the report fails
// on a filesystem problem (exit 3).
func classifyRunError(err error) runErrorKind {
	var unknownTool *registry.UnknownTool
	var templateErr *registry.TemplateError
	if errors.As(err, &unknownTool) || errors.As(err, &templateErr) {
		return kindConfig
	}
	return kindFilesystem
}

func parseWordlists(raw []string) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	for _, entry := range raw {
		name, path, ok := strings.Cut(entry, "=")
		if !ok || name == "" || path == "" {
			return nil, fmt.Errorf("invalid --wordlist %q, expected name=path", entry)
		}
		out[name] = path
	}
	return out, nil
}

// newRunDirectory creates <base>/<target_sanitized>_<id>/ per spec.md §6's
// run directory layout. A ULID suffix (rather than a bare timestamp) keeps
// concurrent runs against the same target collision-free while remaining
// lexicographically sortable by creation time.
func newRunDirectory(base string, targets []string) (string, error) {
	sanitized := sanitizeForPath(targets[0])
	id := ulid.Make().String()
	dir := filepath.Join(base, fmt.Sprintf("%s_%s", sanitized, id))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func sanitizeForPath(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "target"
	}
	return b.String()
}

func printDryRun(profile config.Profile, targets []string) {
	fmt.Printf("profile: tools=%d chains=%d max_concurrent=%d max_retries=%d\n",
		len(profile.EnabledTools()), len(profile.Chains), profile.Globals.MaxConcurrent, profile.Globals.MaxRetries)
	for _, ref := range profile.EnabledTools() {
		for _, target := range targets {
			fmt.Printf("  would run: %s against %s\n", ref.Name, target)
		}
	}
	for _, c := range profile.Chains {
		fmt.Printf("  chain: %s -> %s (%s)\n", c.From, c.To, c.Condition.Kind)
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Warn().Err(err).Str("addr", addr).Msg("Metrics server stopped")
	}
}

func serveStream(ctx context.Context, addr string, hub *streaming.Hub) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWebSocket)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Warn().Err(err).Str("addr", addr).Msg("Streaming server stopped")
	}
}
