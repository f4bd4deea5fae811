// Package executor runs Ready tasks as subprocesses under bounded
// parallelism, enforcing timeouts, streaming captured output, applying
// retries with backoff, and publishing terminal state back to the
// planner (spec.md §4.4/§5).
package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rcourtman/ipcrawler-sub000/internal/config"
	"github.com/rcourtman/ipcrawler-sub000/internal/planner"
	"github.com/rcourtman/ipcrawler-sub000/internal/scriptsafety"
	"github.com/rcourtman/ipcrawler-sub000/internal/task"
	"github.com/rs/zerolog/log"
)

// gracePeriod is the wait between a graceful termination signal and a
// force-kill, for both per-task timeouts and run cancellation (spec.md
// §4.4/§5).
const gracePeriod = 5 * time.Second

const retryBaseDelay = 2 * time.Second

// TerminalObserver is notified whenever a task reaches a terminal state,
// before the planner evaluates its successors. The streaming broadcaster
// and metrics collector both implement this to stay decoupled from the
// executor's control flow.
type TerminalObserver interface {
	ObserveTerminal(snapshot task.Snapshot)
}

// Executor runs a Plan to completion: pulling Ready tasks, bounding
// in-flight subprocesses to MaxConcurrent, and feeding terminal
// transitions back into the plan.
type Executor struct {
	plan       *planner.Plan
	globals    config.Globals
	sem        chan struct{} // counting semaphore, capacity MaxConcurrent
	observers  []TerminalObserver
	onRetry    func()
	runningMu  sync.Mutex
	runningSet map[string]*runningProcess
}

type runningProcess struct {
	cmd *exec.Cmd
}

// New constructs an Executor bound to plan with globals' concurrency and
// retry policy. Modeled on the teacher's buffered-channel semaphore idiom
// (cmd/pulse-sensor-proxy/throttle.go's globalSem) rather than
// golang.org/x/sync/semaphore.
func New(plan *planner.Plan, globals config.Globals, observers ...TerminalObserver) *Executor {
	return &Executor{
		plan:       plan,
		globals:    globals,
		sem:        make(chan struct{}, globals.MaxConcurrent),
		observers:  observers,
		runningSet: make(map[string]*runningProcess),
	}
}

// OnRetry registers a callback invoked once per retry attempt, used to
// feed the metrics collector's retry counter without the executor
// importing it directly.
func (e *Executor) OnRetry(fn func()) {
	e.onRetry = fn
}

// Run drains the plan's Ready channel, launching a goroutine per task
// (each immediately blocking on the semaphore), until the channel closes
// and every launched task has finished. ctx cancellation triggers the
// run-wide cancel semantics from spec.md §5: readiness intake stops,
// every running subprocess is signalled, unstarted tasks are marked
// Cancelled.
func (e *Executor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	cancelled := make(chan struct{})
	var cancelOnce sync.Once

	go func() {
		select {
		case <-ctx.Done():
			cancelOnce.Do(func() { close(cancelled) })
			e.cancelRunning()
		case <-cancelled:
		}
	}()

	for {
		select {
		case t, ok := <-e.plan.Ready():
			if !ok {
				wg.Wait()
				cancelOnce.Do(func() { close(cancelled) })
				return
			}
			select {
			case <-cancelled:
				t.MarkTerminal(task.StatusCancelled, time.Now(), 0, false, 0, 0, task.FailureNone)
				e.notifyTerminal(t)
				continue
			default:
			}
			wg.Add(1)
			go func(t *task.Task) {
				defer wg.Done()
				e.runWithRetries(t, cancelled)
			}(t)
		case <-cancelled:
			// Drain whatever is still buffered in Ready rather than
			// returning immediately: those tasks were never started and
			// must still reach the Cancelled terminal state (spec §5
			// cancellation clause (d), §8 Invariant 1).
			e.drainCancelled()
			wg.Wait()
			return
		}
	}
}

// drainCancelled consumes every task still buffered in the plan's Ready
// channel after a cancellation, marking each Cancelled without spawning
// it. It returns once the channel is closed (NotifyTerminal's decrement
// for each drained task is what allows that close to happen).
func (e *Executor) drainCancelled() {
	for t := range e.plan.Ready() {
		t.MarkTerminal(task.StatusCancelled, time.Now(), 0, false, 0, 0, task.FailureNone)
		e.notifyTerminal(t)
	}
}

func (e *Executor) cancelRunning() {
	e.runningMu.Lock()
	defer e.runningMu.Unlock()
	for _, rp := range e.runningSet {
		terminateProcessGroup(rp.cmd, gracePeriod)
	}
}

// runWithRetries executes t, retrying on NonZeroExit up to
// globals.MaxRetries with exponential backoff (spec.md §4.4). Timeouts
// and script rejections are never retried.
func (e *Executor) runWithRetries(t *task.Task, cancelled <-chan struct{}) {
	current := t
	attempt := 0
	delay := retryBaseDelay

	for {
		outcome := e.runOne(current, cancelled)

		if outcome.status != task.StatusFailed || outcome.reason != task.FailureNonZeroExit || attempt >= e.globals.MaxRetries {
			e.notifyTerminal(current)
			return
		}

		select {
		case <-cancelled:
			e.notifyTerminal(current)
			return
		case <-time.After(delay):
		}

		attempt++
		delay *= 2
		current = e.plan.CloneForRetry(current)
		if e.onRetry != nil {
			e.onRetry()
		}
		log.Info().Str("tool", current.ToolName).Str("target", current.Target).Int("attempt", attempt).Msg("Retrying failed task")
	}
}

type runOutcome struct {
	status task.Status
	reason task.FailureReason
}

// runOne executes a single attempt: script validation (if applicable),
// spawn, concurrent stream capture, timeout/exit race, and terminal
// state recording. The permit is held for the full subprocess lifetime.
func (e *Executor) runOne(t *task.Task, cancelled <-chan struct{}) runOutcome {
	select {
	case e.sem <- struct{}{}:
	case <-cancelled:
		t.MarkTerminal(task.StatusCancelled, time.Now(), 0, false, 0, 0, task.FailureNone)
		return runOutcome{status: task.StatusCancelled}
	}
	defer func() { <-e.sem }()

	if t.Tool.ScriptPath != "" {
		verdict, err := scriptsafety.Validate(t.Tool.ScriptPath)
		if err != nil {
			e.writeScriptRejection(t, err)
			t.MarkTerminal(task.StatusFailed, time.Now(), 0, false, 0, 0, task.FailureScriptRejected)
			return runOutcome{status: task.StatusFailed, reason: task.FailureScriptRejected}
		}
		for _, w := range verdict.Warnings {
			log.Warn().Str("tool", t.ToolName).Str("script", t.Tool.ScriptPath).Str("warning", w).Msg("Suspicious script pattern")
		}
	}

	if err := os.MkdirAll(parentDir(t.StdoutPath), 0o755); err != nil {
		return e.failSpawn(t, err)
	}
	if err := os.MkdirAll(parentDir(t.StderrPath), 0o755); err != nil {
		return e.failSpawn(t, err)
	}

	stdoutFile, err := os.Create(t.StdoutPath)
	if err != nil {
		return e.failSpawn(t, err)
	}
	defer stdoutFile.Close()
	stderrFile, err := os.Create(t.StderrPath)
	if err != nil {
		return e.failSpawn(t, err)
	}
	defer stderrFile.Close()

	if len(t.Command.Argv) == 0 {
		return e.failSpawn(t, fmt.Errorf("empty command"))
	}

	cmd := exec.Command(t.Command.Argv[0], t.Command.Argv[1:]...)
	cmd.Dir = t.WorkDir
	configureProcessGroup(cmd)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return e.failSpawn(t, err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return e.failSpawn(t, err)
	}

	if err := cmd.Start(); err != nil {
		return e.failSpawn(t, err)
	}

	t.MarkRunning(time.Now())
	e.trackRunning(t.ID, cmd)
	defer e.untrackRunning(t.ID)

	var wg sync.WaitGroup
	var stdoutBytes, stderrBytes int64
	wg.Add(2)
	go func() {
		defer wg.Done()
		stdoutBytes = streamToSinks(stdoutPipe, stdoutFile, newRingBuffer(ringBufferCapacity))
	}()
	go func() {
		defer wg.Done()
		stderrBytes = streamToSinks(stderrPipe, stderrFile, newRingBuffer(ringBufferCapacity))
	}()

	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- cmd.Wait()
	}()

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 0
	}
	var timer *time.Timer
	var timerC <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		timerC = timer.C
		defer timer.Stop()
	}

	select {
	case err := <-done:
		exitCode, hasExitCode := exitCodeOf(err)
		if err == nil || (hasExitCode && exitCode == 0) {
			t.MarkTerminal(task.StatusSucceeded, time.Now(), 0, true, stdoutBytes, stderrBytes, task.FailureNone)
			return runOutcome{status: task.StatusSucceeded}
		}
		t.MarkTerminal(task.StatusFailed, time.Now(), exitCode, hasExitCode, stdoutBytes, stderrBytes, task.FailureNonZeroExit)
		return runOutcome{status: task.StatusFailed, reason: task.FailureNonZeroExit}

	case <-timerC:
		terminateProcessGroup(cmd, gracePeriod)
		<-done
		t.MarkTerminal(task.StatusTimedOut, time.Now(), 0, false, stdoutBytes, stderrBytes, task.FailureNone)
		return runOutcome{status: task.StatusTimedOut}

	case <-cancelled:
		terminateProcessGroup(cmd, gracePeriod)
		<-done
		t.MarkTerminal(task.StatusCancelled, time.Now(), 0, false, stdoutBytes, stderrBytes, task.FailureNone)
		return runOutcome{status: task.StatusCancelled}
	}
}

func (e *Executor) failSpawn(t *task.Task, err error) runOutcome {
	log.Error().Err(err).Str("tool", t.ToolName).Msg("Failed to spawn task subprocess")
	t.MarkTerminal(task.StatusFailed, time.Now(), 0, false, 0, 0, task.FailureSpawnError)
	return runOutcome{status: task.StatusFailed, reason: task.FailureSpawnError}
}

func (e *Executor) writeScriptRejection(t *task.Task, err error) {
	if f, openErr := os.Create(t.StderrPath); openErr == nil {
		_, _ = f.WriteString(err.Error() + "\n")
		_ = f.Close()
	}
	log.Warn().Err(err).Str("tool", t.ToolName).Msg("Script rejected; task failed without spawning")
}

func (e *Executor) trackRunning(id string, cmd *exec.Cmd) {
	e.runningMu.Lock()
	defer e.runningMu.Unlock()
	e.runningSet[id] = &runningProcess{cmd: cmd}
}

func (e *Executor) untrackRunning(id string) {
	e.runningMu.Lock()
	defer e.runningMu.Unlock()
	delete(e.runningSet, id)
}

func (e *Executor) notifyTerminal(t *task.Task) {
	snap := t.Snapshot()
	for _, obs := range e.observers {
		obs.ObserveTerminal(snap)
	}
	e.plan.NotifyTerminal(t)
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

func exitCodeOf(err error) (int, bool) {
	if err == nil {
		return 0, true
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return exitErr.ExitCode(), true
	}
	return 0, false
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if !ok {
		return false
	}
	*target = ee
	return true
}
