package domain

import (
	"context"
	"encoding/json"
	"time"
)

// MessageType classifies an agent-to-agent message.
type MessageType string

const (
	MsgCoordinationRequest  MessageType = "coordination_request"
	MsgCoordinationResponse MessageType = "coordination_response"
	MsgWorkflowTrigger      MessageType = "workflow_trigger"
	MsgTaskProgress         MessageType = "task_progress"
	MsgConsensusProposal    MessageType = "consensus_proposal"
	MsgConsensusVote        MessageType = "consensus_vote"
	MsgPerformanceQuery     MessageType = "performance_query"
	MsgHealthCheck          MessageType = "health_check"
	MsgDataRequest          MessageType = "data_request"
	MsgAnalysisRequest      MessageType = "analysis_request"

	// Outbound message types emitted by the coordinator.
	MsgTaskAssignment       MessageType = "intelligent_task_assignment"
	MsgWorkflowAssignment   MessageType = "workflow_assignment"
	MsgWorkflowReinforce    MessageType = "workflow_reinforcement"
	MsgVoteRequest          MessageType = "consensus_vote_request"
	MsgConsensusResult      MessageType = "consensus_result"
	MsgPerformanceReport    MessageType = "performance_report"
	MsgHealthReport         MessageType = "health_report"
	MsgLoadTransferRequest  MessageType = "load_transfer_request"
	MsgVotingReminder       MessageType = "voting_reminder"
)

// Priority of a message; only "high" changes routing behavior.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// BroadcastTarget asks the router to pick a recipient.
const BroadcastTarget = "broadcast"

// Message is the envelope exchanged between agents.
type Message struct {
	ID          string          `json:"id,omitempty"`
	FromAgent   string          `json:"from_agent"`
	ToAgent     string          `json:"to_agent,omitempty"` // agent ID, "broadcast" or empty
	MessageType MessageType     `json:"message_type"`
	Priority    Priority        `json:"priority,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// NeedsSelection reports whether the router must choose a recipient.
func (m Message) NeedsSelection() bool {
	return m.ToAgent == "" || m.ToAgent == BroadcastTarget
}

// Routing reasons.
const (
	ReasonPerformanceOptimization = "performance_optimization"
	ReasonIntelligentSelection    = "intelligent_selection"
	ReasonDirectRouting           = "direct_routing"
	ReasonNoEligibleAgent         = "no_eligible_agent"
)

// RoutingDecision is the outcome of one routing call. It is not persisted.
type RoutingDecision struct {
	OriginalAgent string             `json:"original_agent"`
	SelectedAgent string             `json:"selected_agent"`
	Reason        string             `json:"reason"`
	Scores        map[string]float64 `json:"scores,omitempty"`
}

// Rerouted reports whether the selected agent differs from the declared target.
func (d RoutingDecision) Rerouted() bool { return d.SelectedAgent != d.OriginalAgent }

// Transport delivers coordinator messages to agents.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, msg Message) error

func (f TransportFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }
