package multiagent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"a2a-coordinator/internal/domain"
)

// DeliveryResult describes one routed delivery.
type DeliveryResult struct {
	Message  domain.Message         `json:"message"`
	Decision domain.RoutingDecision `json:"decision"`
	Duration time.Duration          `json:"duration"`
}

// Broker routes messages and hands them to the transport, feeding the
// observed latency and outcome back into the router.
type Broker struct {
	registry  *Registry
	router    *Router
	transport domain.Transport
	bus       domain.EventBus
	selfID    string
	logger    *slog.Logger
}

// NewBroker creates a Broker. selfID is the coordinator's own agent ID, used
// as the sender of coordinator-originated messages.
func NewBroker(registry *Registry, router *Router, transport domain.Transport, bus domain.EventBus, selfID string, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = discardLogger()
	}
	return &Broker{
		registry:  registry,
		router:    router,
		transport: transport,
		bus:       bus,
		selfID:    selfID,
		logger:    logger,
	}
}

// SelfID returns the coordinator's agent ID.
func (b *Broker) SelfID() string { return b.selfID }

// Deliver routes msg and sends it to the selected agent. A routing decision
// without a concrete recipient yields ErrNoEligibleAgent.
func (b *Broker) Deliver(ctx context.Context, msg domain.Message) (*DeliveryResult, error) {
	b.stamp(&msg)
	decision := b.router.Route(ctx, msg)
	res := &DeliveryResult{Decision: decision}

	if decision.SelectedAgent == "" || decision.SelectedAgent == domain.BroadcastTarget {
		res.Message = msg
		return res, domain.NewSubSystemError("registry", "Broker.Deliver", domain.ErrNoEligibleAgent, string(msg.MessageType))
	}
	msg.ToAgent = decision.SelectedAgent
	res.Message = msg

	b.registry.TrackMessage(msg.FromAgent, msg.ToAgent)

	start := time.Now()
	err := b.transport.Send(ctx, msg)
	res.Duration = time.Since(start)
	b.router.RecordOutcome(msg.ToAgent, res.Duration, err == nil)

	if err != nil {
		b.logger.Warn("delivery failed", "agent_id", msg.ToAgent, "message_id", msg.ID, "error", err)
		return res, fmt.Errorf("broker: deliver to %q: %w", msg.ToAgent, err)
	}
	b.publish(ctx, msg)
	return res, nil
}

// Send delivers a coordinator-originated message to a fixed recipient without
// routing.
func (b *Broker) Send(ctx context.Context, to string, t domain.MessageType, priority domain.Priority, payload any) error {
	msg, err := b.NewMessage(to, t, priority, payload)
	if err != nil {
		return err
	}
	b.registry.TrackMessage(msg.FromAgent, msg.ToAgent)
	if err := b.transport.Send(ctx, msg); err != nil {
		b.logger.Warn("send failed", "agent_id", to, "message_type", string(t), "error", err)
		return fmt.Errorf("broker: send %s to %q: %w", t, to, err)
	}
	b.publish(ctx, msg)
	return nil
}

// NewMessage builds a coordinator-originated message.
func (b *Broker) NewMessage(to string, t domain.MessageType, priority domain.Priority, payload any) (domain.Message, error) {
	rec, err := domain.NewRecord("", payload, time.Time{})
	if err != nil {
		return domain.Message{}, err
	}
	msg := domain.Message{
		FromAgent:   b.selfID,
		ToAgent:     to,
		MessageType: t,
		Priority:    priority,
		Payload:     rec.Data,
	}
	b.stamp(&msg)
	return msg, nil
}

func (b *Broker) stamp(msg *domain.Message) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.registry.clock.Now()
	}
	if msg.Priority == "" {
		msg.Priority = domain.PriorityNormal
	}
}

func (b *Broker) publish(ctx context.Context, msg domain.Message) {
	if b.bus == nil {
		return
	}
	b.bus.Publish(ctx, domain.NewEvent(domain.EventMessageDelivered, msg.ToAgent, msg.Timestamp, msg))
}
