// Package task defines the unit of execution synthesized by the planner
// and mutated by the executor (spec.md §3).
package task

import (
	"sync"
	"time"

	"github.com/rcourtman/ipcrawler-sub000/internal/registry"
)

// Status is a Task's lifecycle state. Tasks never leave a terminal state
// once reached (spec.md §3/§8 Invariant 1).
type Status string

const (
	StatusQueued    Status = "Queued"
	StatusReady     Status = "Ready"
	StatusRunning   Status = "Running"
	StatusSucceeded Status = "Succeeded"
	StatusFailed    Status = "Failed"
	StatusTimedOut  Status = "TimedOut"
	StatusSkipped   Status = "Skipped"
	StatusCancelled Status = "Cancelled"
)

// IsTerminal reports whether s is one of the five terminal states named
// in the glossary.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusSkipped, StatusCancelled:
		return true
	default:
		return false
	}
}

// FailureReason names why a task ended in Failed, distinguishing the
// error kinds from spec.md §7 that collapse onto the same terminal state.
type FailureReason string

const (
	FailureNone           FailureReason = ""
	FailureScriptRejected FailureReason = "ScriptRejected"
	FailureSpawnError     FailureReason = "SpawnError"
	FailureNonZeroExit    FailureReason = "NonZeroExit"
)

// SkipReason names why a task ended Skipped.
const SkipReasonChainConditionUnmet = "chain_condition_unmet"

// Task is one planned invocation: (tool, target, port?, attempt).
type Task struct {
	ID           string
	ToolName     string
	Target       string
	Port         *int // nil if the tool does not require a port
	AttemptIndex int

	Tool    registry.Tool
	Command registry.CommandLine
	WorkDir string
	Timeout time.Duration

	StdoutPath string
	StderrPath string

	// Predecessors is not set or read by the planner: it synthesizes a
	// chain successor only after its predecessor is terminal (see
	// planner.Plan.NotifyTerminal), so readiness is not gated through it.
	Predecessors []*Dependency

	mu          sync.Mutex
	status      Status
	startedAt   time.Time
	finishedAt  time.Time
	exitCode    int
	hasExitCode bool
	bytesStdout int64
	bytesStderr int64
	failReason  FailureReason
	skipReason  string
}

// Dependency pairs a predecessor Task with the condition gating this
// task's readiness on it.
type Dependency struct {
	Predecessor *Task
	ConditionID string // opaque identifier; no planner code sets or resolves it
}

// NewTask constructs a Task in Queued state.
func NewTask(id, toolName, target string, port *int, attempt int) *Task {
	return &Task{
		ID:           id,
		ToolName:     toolName,
		Target:       target,
		Port:         port,
		AttemptIndex: attempt,
		status:       StatusQueued,
	}
}

// Status returns the task's current state under the state lock.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// TransitionTo moves the task to a new status. Callers (the executor and
// planner) are the only writers; this is the supervisor-only mutation
// point named in spec.md §9.
func (t *Task) TransitionTo(status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = status
}

// MarkRunning records the start time and transitions to Running.
func (t *Task) MarkRunning(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusRunning
	t.startedAt = at
}

// MarkTerminal records the finish time, exit code, byte counts and
// terminal status in one locked section.
func (t *Task) MarkTerminal(status Status, at time.Time, exitCode int, hasExitCode bool, bytesStdout, bytesStderr int64, reason FailureReason) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = status
	t.finishedAt = at
	t.exitCode = exitCode
	t.hasExitCode = hasExitCode
	t.bytesStdout = bytesStdout
	t.bytesStderr = bytesStderr
	t.failReason = reason
}

// MarkSkipped transitions directly to Skipped with a reason, used by the
// planner when a chain condition is unmet.
func (t *Task) MarkSkipped(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusSkipped
	t.skipReason = reason
}

// Snapshot is an immutable copy of a Task's mutable state, safe to read
// without holding the task's lock (used by the report model).
type Snapshot struct {
	ID           string
	ToolName     string
	Target       string
	Port         *int
	AttemptIndex int
	Status       Status
	StartedAt    time.Time
	FinishedAt   time.Time
	ExitCode     int
	HasExitCode  bool
	BytesStdout  int64
	BytesStderr  int64
	FailReason   FailureReason
	SkipReason   string
}

// Snapshot returns a consistent point-in-time copy of t's mutable fields.
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		ID:           t.ID,
		ToolName:     t.ToolName,
		Target:       t.Target,
		Port:         t.Port,
		AttemptIndex: t.AttemptIndex,
		Status:       t.status,
		StartedAt:    t.startedAt,
		FinishedAt:   t.finishedAt,
		ExitCode:     t.exitCode,
		HasExitCode:  t.hasExitCode,
		BytesStdout:  t.bytesStdout,
		BytesStderr:  t.bytesStderr,
		FailReason:   t.failReason,
		SkipReason:   t.skipReason,
	}
}

// Duration returns FinishedAt - StartedAt for a terminal snapshot.
func (s Snapshot) Duration() time.Duration {
	if s.StartedAt.IsZero() || s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}
