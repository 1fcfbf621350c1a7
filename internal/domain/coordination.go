package domain

import (
	"strings"
	"time"
)

// CoordinationStatus is the lifecycle position of a coordination.
type CoordinationStatus string

const (
	CoordinationInProgress CoordinationStatus = "in_progress"
	CoordinationCompleted  CoordinationStatus = "completed"
	CoordinationTimeout    CoordinationStatus = "timeout"
)

// Terminal reports whether the coordination has finished.
func (s CoordinationStatus) Terminal() bool { return s != CoordinationInProgress }

// CoordinationTask describes the work to split across agents.
type CoordinationTask struct {
	Type                 string   `json:"type"`
	Description          string   `json:"description,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
}

// RequiresData reports whether the task type mentions data handling.
func (t CoordinationTask) RequiresData() bool { return strings.Contains(t.Type, "data") }

// RequiresAnalysis reports whether the task type mentions analysis.
func (t CoordinationTask) RequiresAnalysis() bool { return strings.Contains(t.Type, "analysis") }

// CoordinationRequest is the payload of a coordination_request message.
type CoordinationRequest struct {
	CoordinationID string           `json:"coordination_id,omitempty"`
	AgentsInvolved []string         `json:"agents_involved"`
	Task           CoordinationTask `json:"task"`
	Priority       Priority         `json:"priority,omitempty"`
}

// CoordinationResponse is the payload of a coordination_response message.
type CoordinationResponse struct {
	CoordinationID string `json:"coordination_id"`
	Success        *bool  `json:"success,omitempty"` // nil means success
}

// Coordination complexity levels.
const (
	ComplexityLow    = "low"
	ComplexityMedium = "medium"
	ComplexityHigh   = "high"
)

// Coordination approaches.
const (
	ApproachParallel            = "parallel"
	ApproachSequentialOptimized = "sequential_optimized"
)

// CoordinationPattern summarizes how a group of agents is expected to behave.
type CoordinationPattern struct {
	ExpectedDuration time.Duration `json:"expected_duration"`
	BottleneckRisks  []string      `json:"bottleneck_risks"`
	Complexity       string        `json:"complexity"`
	Approach         string        `json:"approach"`
}

// Distribution roles.
const (
	RoleDataProcessor = "data_processor"
	RoleAnalyzer      = "analyzer"
	RoleDecisionMaker = "decision_maker"
	RoleExecutor      = "executor"
	RoleParticipant   = "participant"
)

// TaskShare is one agent's slice of a coordinated task.
type TaskShare struct {
	AgentID    string  `json:"agent_id"`
	Role       string  `json:"role"`
	Allocation float64 `json:"allocation"` // percent of the task
	Score      float64 `json:"score"`
	Priority   string  `json:"priority"` // "primary" or "secondary"
}

// Coordination is a snapshot of one coordination round.
type Coordination struct {
	CoordinationID string                   `json:"coordination_id"`
	Initiator      string                   `json:"initiator"`
	Task           CoordinationTask         `json:"task"`
	Pattern        CoordinationPattern      `json:"pattern"`
	Distribution   []TaskShare              `json:"distribution"`
	Responses      map[string]time.Duration `json:"responses"`
	Status         CoordinationStatus       `json:"status"`
	StartedAt      time.Time                `json:"started_at"`
	TimeoutAt      time.Time                `json:"timeout_at"`
	FinishedAt     time.Time                `json:"finished_at,omitempty"`
	NonResponsive  []string                 `json:"non_responsive,omitempty"`
}

// Participants returns the agent IDs that received a share, in distribution order.
func (c Coordination) Participants() []string {
	out := make([]string, len(c.Distribution))
	for i, s := range c.Distribution {
		out[i] = s.AgentID
	}
	return out
}

// Performance query types.
const (
	QueryAgentPerformance          = "agent_performance"
	QuerySystemPerformance         = "system_performance"
	QueryCoordinationAnalytics     = "coordination_analytics"
	QueryOptimizationOpportunities = "optimization_opportunities"
)

// PerformanceQuery is the payload of a performance_query message.
type PerformanceQuery struct {
	QueryType string `json:"query_type"`
	AgentID   string `json:"agent_id,omitempty"`
	TimeRange int    `json:"time_range,omitempty"` // samples of history to include
}
