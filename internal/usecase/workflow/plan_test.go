package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"a2a-coordinator/internal/domain"
)

func TestParallelGroups(t *testing.T) {
	tests := []struct {
		name  string
		tasks []domain.WorkflowTask
		want  [][]string
	}{
		{
			name: "independent tasks share the empty dependency set",
			tasks: []domain.WorkflowTask{
				{ID: "fetch"}, {ID: "load"}, {ID: "report", Dependencies: []string{"fetch"}},
			},
			want: [][]string{{"fetch", "load"}},
		},
		{
			name: "dependency order does not matter",
			tasks: []domain.WorkflowTask{
				{ID: "a"}, {ID: "b"},
				{ID: "c", Dependencies: []string{"a", "b"}},
				{ID: "d", Dependencies: []string{"b", "a"}},
			},
			want: [][]string{{"a", "b"}, {"c", "d"}},
		},
		{
			name: "partial overlap is not grouped",
			tasks: []domain.WorkflowTask{
				{ID: "a"},
				{ID: "b", Dependencies: []string{"a"}},
				{ID: "c", Dependencies: []string{"a", "b"}},
			},
			want: [][]string{},
		},
		{name: "empty", want: [][]string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParallelGroups(tt.tasks)
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheckpoints(t *testing.T) {
	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	cps := Checkpoints(8, time.Minute, start)
	if len(cps) != 4 {
		t.Fatalf("checkpoints = %d, want 4", len(cps))
	}
	wantIdx := []int{1, 3, 5, 7}
	for i, cp := range cps {
		assert.Equal(t, wantIdx[i], cp.TaskIndex)
		assert.InDelta(t, 1+0.5*cp.Percentage, cp.TimeoutMultiplier, 1e-9)
		assert.Equal(t, start.Add(time.Duration(float64(time.Minute)*cp.Percentage)), cp.DueAt)
	}

	// With two tasks the 25% point lands before the first task.
	cps = Checkpoints(2, time.Minute, start)
	assert.Len(t, cps, 3)
	assert.Equal(t, 0.5, cps[0].Percentage)

	assert.Empty(t, Checkpoints(0, time.Minute, start))
}

func TestCombinedScoreAndNotify(t *testing.T) {
	assert.InDelta(t, 1.0, CombinedScore(1, 1), 1e-9)
	assert.InDelta(t, 0.5, CombinedScore(0.5, 0.5), 1e-9)
	assert.InDelta(t, (0.6*0.9+0.3*0.5)/0.9, CombinedScore(0.9, 0.5), 1e-9)

	assert.True(t, ShouldNotify(0.61, 0.79))
	assert.False(t, ShouldNotify(0.6, 0.1))
	assert.False(t, ShouldNotify(0.9, 0.8))
}

func TestBehind(t *testing.T) {
	assert.True(t, Behind(0.1, 0.25))
	assert.False(t, Behind(0.2, 0.25))
	assert.False(t, Behind(0.5, 0.5))
}
