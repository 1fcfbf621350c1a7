package workflow

import (
	"math"
	"sort"
	"strings"
	"time"

	"a2a-coordinator/internal/domain"
)

// CheckpointPercentages are the progress points verified during execution.
var CheckpointPercentages = []float64{0.25, 0.5, 0.75, 1.0}

// ParallelGroups groups tasks whose dependency lists are identical once
// sorted. Only groups with more than one task are returned, in the order of
// their first task. This is not DAG scheduling: tasks with overlapping but
// different dependencies never share a group.
func ParallelGroups(tasks []domain.WorkflowTask) [][]string {
	seen := make(map[string]int) // dependency key → index in groups
	var groups [][]string
	for _, t := range tasks {
		key := dependencyKey(t.Dependencies)
		if i, ok := seen[key]; ok {
			groups[i] = append(groups[i], t.ID)
			continue
		}
		seen[key] = len(groups)
		groups = append(groups, []string{t.ID})
	}

	out := groups[:0]
	for _, g := range groups {
		if len(g) > 1 {
			out = append(out, g)
		}
	}
	return out
}

func dependencyKey(deps []string) string {
	sorted := append([]string(nil), deps...)
	sort.Strings(sorted)
	return strings.Join(sorted, "\x00")
}

// Checkpoints places a verification point at each percentage of the task
// list. The task index is the last task expected done by then; points whose
// index falls before the first task are skipped.
func Checkpoints(taskCount int, predicted time.Duration, start time.Time) []domain.Checkpoint {
	var out []domain.Checkpoint
	for _, pct := range CheckpointPercentages {
		idx := int(math.Floor(float64(taskCount)*pct)) - 1
		if idx < 0 || idx >= taskCount {
			continue
		}
		out = append(out, domain.Checkpoint{
			Percentage:        pct,
			TaskIndex:         idx,
			TimeoutMultiplier: 1 + 0.5*pct,
			DueAt:             start.Add(time.Duration(float64(predicted) * pct)),
		})
	}
	return out
}

// CombinedScore blends live performance with workflow experience,
// normalized by the weight sum.
func CombinedScore(performance, experience float64) float64 {
	return (0.6*performance + 0.3*experience) / 0.9
}

// ShouldNotify reports whether an assignment earns a notification.
func ShouldNotify(combined, load float64) bool {
	return combined > 0.6 && load < 0.8
}

// Behind reports whether actual progress lags expected by more than 20%.
func Behind(actual, expected float64) bool {
	return actual < 0.8*expected
}
