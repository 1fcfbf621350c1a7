// Package eventbus is the in-process fan-out for coordinator events. Store
// change feeds, gateway websocket subscribers and status counters all read
// from it.
package eventbus

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"a2a-coordinator/internal/domain"
)

// DefaultStreamBuffer is the channel capacity used by Stream when none is given.
const DefaultStreamBuffer = 64

type handlerSub struct {
	id      uint64
	handler domain.EventHandler
}

type streamSub struct {
	id    uint64
	types map[domain.EventType]struct{} // empty means every type
	ch    chan domain.Event
}

func (s *streamSub) wants(t domain.EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Bus is a goroutine-safe publish/subscribe hub. Handlers run in their own
// goroutine; streams receive events in publish order.
type Bus struct {
	mu      sync.RWMutex
	typed   map[domain.EventType][]handlerSub
	allSubs []handlerSub
	streams map[uint64]*streamSub

	nextID  atomic.Uint64
	dropped atomic.Uint64
	closed  atomic.Bool
	wg      sync.WaitGroup
	logger  *slog.Logger
}

// New creates an event bus. A nil logger discards.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bus{
		typed:   make(map[domain.EventType][]handlerSub),
		streams: make(map[uint64]*streamSub),
		logger:  logger,
	}
}

// Publish fans out an event to handlers and streams. A full stream drops the
// event rather than blocking the publisher.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	handlers := make([]handlerSub, 0, len(b.typed[event.Type])+len(b.allSubs))
	handlers = append(handlers, b.typed[event.Type]...)
	handlers = append(handlers, b.allSubs...)
	for _, s := range b.streams {
		if !s.wants(event.Type) {
			continue
		}
		select {
		case s.ch <- event:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event stream full, dropping event",
				"event", string(event.Type), "stream_id", s.id)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(ctx, event, h)
	}
}

func (b *Bus) dispatch(ctx context.Context, event domain.Event, sub handlerSub) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("event handler panicked",
					"event", string(event.Type),
					"panic", r,
				)
			}
		}()
		sub.handler(ctx, event)
	}()
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.typed[eventType] = append(b.typed[eventType], handlerSub{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.typed[eventType] = removeSub(b.typed[eventType], id)
	}
}

// SubscribeAll registers a handler that receives every event.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.allSubs = append(b.allSubs, handlerSub{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.allSubs = removeSub(b.allSubs, id)
	}
}

// Stream returns a channel of events of the given types (all types when none
// are given). The channel is closed when ctx is done or the bus closes.
func (b *Bus) Stream(ctx context.Context, buffer int, types ...domain.EventType) <-chan domain.Event {
	if buffer <= 0 {
		buffer = DefaultStreamBuffer
	}
	s := &streamSub{
		id:    b.nextID.Add(1),
		types: make(map[domain.EventType]struct{}, len(types)),
		ch:    make(chan domain.Event, buffer),
	}
	for _, t := range types {
		s.types[t] = struct{}{}
	}

	if b.closed.Load() {
		close(s.ch)
		return s.ch
	}

	b.mu.Lock()
	b.streams[s.id] = s
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.removeStream(s.id)
	}()
	return s.ch
}

func (b *Bus) removeStream(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.streams[id]; ok {
		delete(b.streams, id)
		close(s.ch)
	}
}

// Dropped reports how many stream deliveries were discarded.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close prevents new publishes, closes all streams and waits for in-flight
// handlers. It is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.mu.Lock()
	for id, s := range b.streams {
		delete(b.streams, id)
		close(s.ch)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func removeSub(subs []handlerSub, id uint64) []handlerSub {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}
