package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventAgentDiscovered EventType = "agent.discovered"
	EventAgentUpdated    EventType = "agent.updated"
	EventAgentInactive   EventType = "agent.inactive"

	EventMessageRouted    EventType = "message.routed"
	EventMessageDelivered EventType = "message.delivered"

	EventProposalCreated   EventType = "consensus.proposal.created"
	EventVoteRecorded      EventType = "consensus.vote.recorded"
	EventProposalFinalized EventType = "consensus.proposal.finalized"

	EventWorkflowStarted      EventType = "workflow.started"
	EventWorkflowCheckpoint   EventType = "workflow.checkpoint"
	EventWorkflowRemediation  EventType = "workflow.remediation"
	EventWorkflowCompleted    EventType = "workflow.completed"
	EventWorkflowFailed       EventType = "workflow.failed"
	EventWorkflowTimedOut     EventType = "workflow.timeout"
	EventCoordinationStarted  EventType = "coordination.started"
	EventCoordinationFinished EventType = "coordination.finished"

	EventAnomalyRecorded EventType = "anomaly.recorded"
	EventBreakerChanged  EventType = "gateway.breaker.changed"

	// EventStoreChanged carries a ChangeEvent from a Store adapter.
	EventStoreChanged EventType = "store.changed"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Subject   string          `json:"subject,omitempty"` // agent, proposal or execution ID
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an Event with a JSON-encoded payload. Encoding failures
// produce an event without payload.
func NewEvent(t EventType, subject string, at time.Time, payload any) Event {
	ev := Event{Type: t, Timestamp: at, Subject: subject}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.Payload = data
		}
	}
	return ev
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
