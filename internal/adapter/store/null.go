package store

import (
	"context"

	"a2a-coordinator/internal/domain"
)

// NullStore accepts writes and returns nothing. It backs a coordinator that
// runs without persistence.
type NullStore struct{}

// Upsert discards rec.
func (NullStore) Upsert(context.Context, string, domain.Record) error { return nil }

// Query always returns no records.
func (NullStore) Query(context.Context, string, domain.Filter) ([]domain.Record, error) {
	return nil, nil
}

// Subscribe returns a channel that closes when ctx is done.
func (NullStore) Subscribe(ctx context.Context, _ string, _ domain.ChangeOp) (<-chan domain.ChangeEvent, error) {
	ch := make(chan domain.ChangeEvent)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

// Close is a no-op.
func (NullStore) Close() error { return nil }
