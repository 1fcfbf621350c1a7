package domain

import (
	"context"
	"time"
)

// AnomalyType names an observed irregularity.
type AnomalyType string

const (
	AnomalyPerformanceDrop      AnomalyType = "performance_drop"
	AnomalyCommunicationFailure AnomalyType = "communication_failure"
	AnomalyConsensusDelay       AnomalyType = "consensus_delay"
	AnomalyWorkflowDelay        AnomalyType = "workflow_delay"
	AnomalyCoordinationTimeout  AnomalyType = "coordination_timeout"
	AnomalyNoEligibleAgent      AnomalyType = "no_eligible_agent"
	AnomalyWorkflowTimeout      AnomalyType = "workflow_timeout"
)

// Severity of an anomaly.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Anomaly is an observational record. It never alters control flow beyond
// the remediation paths that emit it.
type Anomaly struct {
	ID             string         `json:"id"`
	Type           AnomalyType    `json:"type"`
	Severity       Severity       `json:"severity"`
	Subject        string         `json:"subject,omitempty"` // agent, proposal or execution ID
	Details        map[string]any `json:"details,omitempty"`
	Recommendation string         `json:"recommendation,omitempty"`
	DetectedAt     time.Time      `json:"detected_at"`
}

// AnomalyRecorder accepts anomalies from any component.
type AnomalyRecorder interface {
	Record(ctx context.Context, a Anomaly)
}
