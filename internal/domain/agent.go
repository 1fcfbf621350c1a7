package domain

import (
	"strings"
	"time"
)

// HealthStatus is the liveness state of a worker agent.
type HealthStatus string

const (
	HealthActive   HealthStatus = "active"
	HealthInactive HealthStatus = "inactive"
	HealthError    HealthStatus = "error"
)

// Capability strength categories.
const (
	StrengthDataProcessing = "data_processing"
	StrengthAnalysis       = "analysis"
	StrengthDecisionMaking = "decision_making"
	StrengthExecution      = "execution"
)

// MessageCount records one message seen by an agent.
type MessageCount struct {
	Direction string    `json:"direction"` // "incoming" or "outgoing"
	At        time.Time `json:"at"`
}

// PerformanceMetrics is a copy of an agent's bounded performance history.
type PerformanceMetrics struct {
	ResponseTimes []float64      `json:"response_times"` // milliseconds
	SuccessRates  []float64      `json:"success_rates"`  // 1 or 0 per attempt
	ErrorRates    []float64      `json:"error_rates"`    // 1 or 0 per attempt
	MessageCounts []MessageCount `json:"message_counts"`
}

// AgentProfile is a point-in-time snapshot of a registered agent.
type AgentProfile struct {
	AgentID             string             `json:"agent_id"`
	AgentType           string             `json:"agent_type,omitempty"`
	Capabilities        []string           `json:"capabilities"`
	CapabilityStrengths []string           `json:"capability_strengths,omitempty"`
	HealthStatus        HealthStatus       `json:"health_status"`
	LastSeen            time.Time          `json:"last_seen"`
	CurrentWorkload     float64            `json:"current_workload"`
	WorkloadCapacity    float64            `json:"workload_capacity"`
	VotingPower         float64            `json:"voting_power"`
	CoordinationScore   float64            `json:"coordination_score"`
	Endpoint            string             `json:"endpoint,omitempty"`
	Metrics             PerformanceMetrics `json:"performance_metrics"`
}

// Utilization returns currentWorkload/workloadCapacity, 1 when capacity is zero.
func (p AgentProfile) Utilization() float64 {
	if p.WorkloadCapacity <= 0 {
		return 1
	}
	return p.CurrentWorkload / p.WorkloadCapacity
}

// IsActive reports whether the agent can be selected.
func (p AgentProfile) IsActive() bool { return p.HealthStatus == HealthActive }

// HasStrength reports whether the agent has the given capability strength.
func (p AgentProfile) HasStrength(s string) bool {
	for _, v := range p.CapabilityStrengths {
		if v == s {
			return true
		}
	}
	return false
}

// AgentRecord is the discovery shape of an agent in the Store "agents" table.
type AgentRecord struct {
	AgentID          string   `json:"agent_id"`
	AgentType        string   `json:"agent_type,omitempty"`
	Status           string   `json:"status"`
	Capabilities     []string `json:"capabilities"`
	WorkloadCapacity float64  `json:"workload_capacity,omitempty"`
	VotingPower      float64  `json:"voting_power,omitempty"`
	Endpoint         string   `json:"endpoint,omitempty"`
}

// CapabilityStrengths groups capabilities into strength categories by substring.
// A capability may count toward several categories. A category is a strength
// when more than three capabilities fall into it.
func CapabilityStrengths(caps []string) []string {
	categories := []struct {
		name     string
		keywords []string
	}{
		{StrengthDataProcessing, []string{"data", "ingestion"}},
		{StrengthAnalysis, []string{"analysis", "calculation"}},
		{StrengthDecisionMaking, []string{"decision", "consensus"}},
		{StrengthExecution, []string{"execution", "action"}},
	}
	var out []string
	for _, cat := range categories {
		n := 0
		for _, c := range caps {
			for _, kw := range cat.keywords {
				if strings.Contains(c, kw) {
					n++
					break
				}
			}
		}
		if n > 3 {
			out = append(out, cat.name)
		}
	}
	return out
}
