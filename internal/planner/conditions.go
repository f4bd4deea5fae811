package planner

import (
	"os"
	"strings"

	"github.com/rcourtman/ipcrawler-sub000/internal/config"
	"github.com/rcourtman/ipcrawler-sub000/internal/task"
)

// evaluateCondition implements spec.md §4.3's four condition kinds against
// a predecessor's terminal snapshot and its designated output file (the
// task's captured stdout file, matching the "predecessor's stdout file"
// wording used for has_output and contains).
func evaluateCondition(cond config.Condition, predecessor *task.Task) (bool, error) {
	snap := predecessor.Snapshot()

	switch cond.Kind {
	case config.ConditionExitSuccess:
		return snap.HasExitCode && snap.ExitCode == 0, nil

	case config.ConditionHasOutput:
		info, err := os.Stat(predecessor.StdoutPath)
		if err != nil {
			return false, nil
		}
		return info.Size() > 0, nil

	case config.ConditionFileSizeAtLeast:
		if cond.MinSize <= 0 {
			return true, nil
		}
		info, err := os.Stat(predecessor.StdoutPath)
		if err != nil {
			return false, nil
		}
		return info.Size() >= cond.MinSize, nil

	case config.ConditionContains:
		data, err := os.ReadFile(predecessor.StdoutPath)
		if err != nil {
			return false, nil
		}
		return strings.Contains(string(data), cond.Literal), nil

	default:
		return false, nil
	}
}
