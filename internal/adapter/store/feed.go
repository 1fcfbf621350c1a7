// Package store provides the domain.Store adapters: a no-op store, an
// in-memory store with optional JSON snapshots, and a SQLite store.
package store

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"a2a-coordinator/internal/domain"
)

// subscriptionBuffer is the per-subscriber channel capacity.
const subscriptionBuffer = 256

type subscription struct {
	table string
	op    domain.ChangeOp
	ch    chan domain.ChangeEvent
}

func (s *subscription) wants(ev domain.ChangeEvent) bool {
	if s.table != ev.Table {
		return false
	}
	return s.op == "" || s.op == domain.ChangeAny || s.op == ev.Op
}

// feed fans change events out to Subscribe callers and the event bus.
type feed struct {
	mu     sync.Mutex
	subs   map[uint64]*subscription
	next   uint64
	closed bool

	bus    domain.EventBus
	clock  domain.Clock
	logger *slog.Logger
}

func newFeed(bus domain.EventBus, clock domain.Clock, logger *slog.Logger) *feed {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &feed{
		subs:   make(map[uint64]*subscription),
		bus:    bus,
		clock:  domain.ClockOrSystem(clock),
		logger: logger,
	}
}

func (f *feed) subscribe(ctx context.Context, table string, op domain.ChangeOp) (<-chan domain.ChangeEvent, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, domain.ErrStoreUnavailable
	}
	id := f.next
	f.next++
	sub := &subscription{table: table, op: op, ch: make(chan domain.ChangeEvent, subscriptionBuffer)}
	f.subs[id] = sub
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(sub.ch)
		}
	}()
	return sub.ch, nil
}

// emit delivers ev without blocking; a full subscriber misses the event.
func (f *feed) emit(ctx context.Context, ev domain.ChangeEvent) {
	f.mu.Lock()
	for _, s := range f.subs {
		if !s.wants(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			f.logger.Warn("store subscriber full, change dropped", "table", ev.Table, "id", ev.Record.ID)
		}
	}
	f.mu.Unlock()

	if f.bus != nil {
		f.bus.Publish(ctx, domain.NewEvent(domain.EventStoreChanged, ev.Table, f.clock.Now(), ev))
	}
}

func (f *feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, s := range f.subs {
		delete(f.subs, id)
		close(s.ch)
	}
}
