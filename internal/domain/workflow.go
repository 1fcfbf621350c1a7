package domain

import (
	"encoding/json"
	"time"
)

// WorkflowTask is one step of a workflow definition.
type WorkflowTask struct {
	ID           string   `json:"id" yaml:"id"`
	Name         string   `json:"name,omitempty" yaml:"name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// WorkflowDefinition is loaded from YAML or the "workflows" Store table.
type WorkflowDefinition struct {
	ID               string          `json:"workflow_id" yaml:"id"`
	Name             string          `json:"name,omitempty" yaml:"name,omitempty"`
	Description      string          `json:"description,omitempty" yaml:"description,omitempty"`
	Tasks            []WorkflowTask  `json:"tasks" yaml:"tasks"`
	AssociatedAgents []string        `json:"associated_agents,omitempty" yaml:"associated_agents,omitempty"`
	InputSchema      json.RawMessage `json:"input_schema,omitempty" yaml:"-"`
}

// WorkflowTrigger is the payload of a workflow_trigger message.
type WorkflowTrigger struct {
	WorkflowID  string          `json:"workflow_id"`
	TriggerData json.RawMessage `json:"trigger_data,omitempty"`
}

// ExecutionStatus is the workflow execution state machine position.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionTimeout   ExecutionStatus = "timeout"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool { return s != ExecutionRunning }

// AgentAssignment is one agent's place in an execution plan.
type AgentAssignment struct {
	AgentID       string  `json:"agent_id"`
	CombinedScore float64 `json:"combined_score"`
	Performance   float64 `json:"performance"`
	Experience    float64 `json:"experience"`
	Load          float64 `json:"load"`
	Notify        bool    `json:"notify"`
}

// Checkpoint is a scheduled progress verification point.
type Checkpoint struct {
	Percentage        float64   `json:"percentage"`
	TaskIndex         int       `json:"task_index"`
	TimeoutMultiplier float64   `json:"timeout_multiplier"`
	DueAt             time.Time `json:"due_at"`
	Checked           bool      `json:"checked"`
	OnTrack           bool      `json:"on_track"`
}

// ExecutionPlan is built once per trigger.
type ExecutionPlan struct {
	AgentAssignments  []AgentAssignment `json:"agent_assignments"`
	ParallelGroups    [][]string        `json:"parallel_groups"`
	Checkpoints       []Checkpoint      `json:"checkpoints"`
	PredictedDuration time.Duration     `json:"predicted_duration"`
}

// StepResult records one completed task.
type StepResult struct {
	TaskID      string    `json:"task_id"`
	AgentID     string    `json:"agent_id,omitempty"`
	Success     bool      `json:"success"`
	CompletedAt time.Time `json:"completed_at"`
}

// WorkflowExecution is a snapshot of a running or finished execution.
type WorkflowExecution struct {
	ExecutionID    string          `json:"execution_id"`
	WorkflowID     string          `json:"workflow_id"`
	TriggerData    json.RawMessage `json:"trigger_data,omitempty"`
	Plan           ExecutionPlan   `json:"plan"`
	Status         ExecutionStatus `json:"status"`
	CompletedSteps []StepResult    `json:"completed_steps"`
	TotalSteps     int             `json:"total_steps"`
	Reinforcements []string        `json:"reinforcements,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     time.Time       `json:"finished_at,omitempty"`
}

// Progress returns completed/total, 0 for an empty workflow.
func (e WorkflowExecution) Progress() float64 {
	if e.TotalSteps == 0 {
		return 0
	}
	return float64(len(e.CompletedSteps)) / float64(e.TotalSteps)
}

// TaskProgress is the payload of a task_progress message.
type TaskProgress struct {
	ExecutionID string `json:"execution_id"`
	TaskID      string `json:"task_id"`
	Success     *bool  `json:"success,omitempty"` // nil means success
}
