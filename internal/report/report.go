// Package report assembles the final structured report and persists run
// artifacts (spec.md §4.6).
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rcourtman/ipcrawler-sub000/internal/finding"
	"github.com/rcourtman/ipcrawler-sub000/internal/task"
)

// TaskRecord is one task's entry in the structured report.
type TaskRecord struct {
	ToolName     string        `json:"tool_name"`
	Target       string        `json:"target"`
	Port         *int          `json:"port,omitempty"`
	Status       task.Status   `json:"status"`
	ExitCode     int           `json:"exit_code,omitempty"`
	HasExitCode  bool          `json:"has_exit_code"`
	Attempts     int           `json:"attempts"`
	DurationMS   int64         `json:"duration_ms"`
	BytesStdout  int64         `json:"bytes_stdout"`
	BytesStderr  int64         `json:"bytes_stderr"`
	FailReason   task.FailureReason `json:"fail_reason,omitempty"`
	SkipReason   string        `json:"skip_reason,omitempty"`
}

// Summary aggregates counts across the run (spec.md §4.6).
type Summary struct {
	BySeverity   map[finding.Severity]int `json:"by_severity"`
	BySourceKind map[string]int           `json:"by_source_kind"`
	ByStatus     map[task.Status]int      `json:"by_status"`
}

// Report is the run's assembled structured content model.
type Report struct {
	ProfileName string       `json:"profile_name,omitempty"`
	Targets     []string     `json:"targets"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`
	DurationMS  int64        `json:"duration_ms"`
	Tasks       []TaskRecord `json:"tasks"`
	Findings    []finding.Finding `json:"findings"`
	Summary     Summary      `json:"summary"`
}

// Assemble builds the Report content model from the final task set and
// finding buffer. Tasks are recorded by logical identity (tool, target,
// port): among multiple attempts of the same logical task, the record
// reflects the final attempt and counts total attempts made.
func Assemble(profileName string, targets []string, startedAt, finishedAt time.Time, tasks []*task.Task, findings []finding.Finding) Report {
	type logicalKey struct {
		tool   string
		target string
		port   int
		hasPort bool
	}
	latest := make(map[logicalKey]*task.Task)
	attempts := make(map[logicalKey]int)

	for _, t := range tasks {
		key := logicalKey{tool: t.ToolName, target: t.Target, hasPort: t.Port != nil}
		if t.Port != nil {
			key.port = *t.Port
		}
		attempts[key]++
		if existing, ok := latest[key]; !ok || t.AttemptIndex >= existing.AttemptIndex {
			latest[key] = t
		}
	}

	records := make([]TaskRecord, 0, len(latest))
	byStatus := make(map[task.Status]int)
	for key, t := range latest {
		snap := t.Snapshot()
		records = append(records, TaskRecord{
			ToolName:    snap.ToolName,
			Target:      snap.Target,
			Port:        snap.Port,
			Status:      snap.Status,
			ExitCode:    snap.ExitCode,
			HasExitCode: snap.HasExitCode,
			Attempts:    attempts[key],
			DurationMS:  snap.Duration().Milliseconds(),
			BytesStdout: snap.BytesStdout,
			BytesStderr: snap.BytesStderr,
			FailReason:  snap.FailReason,
			SkipReason:  snap.SkipReason,
		})
		byStatus[snap.Status]++
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].ToolName != records[j].ToolName {
			return records[i].ToolName < records[j].ToolName
		}
		return records[i].Target < records[j].Target
	})

	bySeverity := make(map[finding.Severity]int)
	bySourceKind := make(map[string]int)
	for _, f := range findings {
		bySeverity[f.Severity]++
		bySourceKind[f.SourceKind]++
	}

	return Report{
		ProfileName: profileName,
		Targets:     targets,
		StartedAt:   startedAt,
		FinishedAt:  finishedAt,
		DurationMS:  finishedAt.Sub(startedAt).Milliseconds(),
		Tasks:       records,
		Findings:    findings,
		Summary: Summary{
			BySeverity:   bySeverity,
			BySourceKind: bySourceKind,
			ByStatus:     byStatus,
		},
	}
}

// WriteAtomic serializes r as indented JSON and writes it to path using
// the write-temp-fsync-rename pattern (spec.md §4.6's persistence order),
// so a crash mid-write never leaves a truncated report.json behind.
func WriteAtomic(r Report, path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".report-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp report file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp report file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp report file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp report file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp report file into place: %w", err)
	}
	return nil
}
