package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"a2a-coordinator/internal/domain"
)

// MessageTransport delivers messages by writing them to the messages table,
// where recipients pick them up from the change feed.
type MessageTransport struct {
	store domain.Store
	clock domain.Clock
}

// NewMessageTransport wraps s as a domain.Transport.
func NewMessageTransport(s domain.Store, clock domain.Clock) *MessageTransport {
	return &MessageTransport{store: s, clock: domain.ClockOrSystem(clock)}
}

// Send upserts msg keyed by its ID. Resending a message with the same ID is an
// update, so the coordinator does not see its own re-deliveries as inserts.
func (t *MessageTransport) Send(ctx context.Context, msg domain.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = t.clock.Now()
	}
	rec, err := domain.NewRecord(msg.ID, msg, msg.Timestamp)
	if err != nil {
		return err
	}
	if err := t.store.Upsert(ctx, domain.TableMessages, rec); err != nil {
		return fmt.Errorf("transport: send %s to %q: %w", msg.MessageType, msg.ToAgent, err)
	}
	return nil
}
