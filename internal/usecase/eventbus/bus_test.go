package eventbus

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"a2a-coordinator/internal/domain"
)

func newTestBus() *Bus {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newEvent(t domain.EventType) domain.Event {
	return domain.Event{Type: t, Timestamp: time.Now()}
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventMessageRouted, func(_ context.Context, e domain.Event) {
		if e.Type == domain.EventMessageRouted {
			got.Add(1)
		}
	})

	bus.Publish(context.Background(), newEvent(domain.EventMessageRouted))
	bus.Publish(context.Background(), newEvent(domain.EventVoteRecorded))
	bus.Close()
	if got.Load() != 1 {
		t.Fatalf("expected 1, got %d", got.Load())
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventMessageRouted))
	bus.Publish(context.Background(), newEvent(domain.EventWorkflowStarted))
	bus.Close()

	if got.Load() != 2 {
		t.Fatalf("expected 2, got %d", got.Load())
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	unsub := bus.Subscribe(domain.EventMessageRouted, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})
	unsub()

	bus.Publish(context.Background(), newEvent(domain.EventMessageRouted))
	bus.Close()
	if got.Load() != 0 {
		t.Fatalf("expected no delivery after unsubscribe, got %d", got.Load())
	}
}

func TestConcurrentPublish(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventMessageRouted, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(context.Background(), newEvent(domain.EventMessageRouted))
		}()
	}
	wg.Wait()
	bus.Close()

	if got.Load() != 100 {
		t.Fatalf("expected 100, got %d", got.Load())
	}
}

func TestPanicRecovery(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventMessageRouted, func(_ context.Context, _ domain.Event) {
		panic("boom")
	})
	bus.Subscribe(domain.EventMessageRouted, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventMessageRouted))
	bus.Close()

	if got.Load() != 1 {
		t.Fatalf("expected 1 (second handler), got %d", got.Load())
	}
}

func TestStreamOrderAndFilter(t *testing.T) {
	bus := newTestBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := bus.Stream(ctx, 8, domain.EventVoteRecorded, domain.EventProposalFinalized)

	bus.Publish(ctx, domain.Event{Type: domain.EventVoteRecorded, Subject: "1"})
	bus.Publish(ctx, domain.Event{Type: domain.EventMessageRouted, Subject: "skip"})
	bus.Publish(ctx, domain.Event{Type: domain.EventProposalFinalized, Subject: "2"})

	first := <-ch
	second := <-ch
	assert.Equal(t, "1", first.Subject)
	assert.Equal(t, "2", second.Subject)
	assert.Empty(t, ch)
}

func TestStreamClosesOnCancel(t *testing.T) {
	bus := newTestBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch := bus.Stream(ctx, 0)
	cancel()

	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("stream not closed after cancel")
	}
}

func TestStreamDropsWhenFull(t *testing.T) {
	bus := newTestBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := bus.Stream(ctx, 1)

	bus.Publish(ctx, newEvent(domain.EventMessageRouted))
	bus.Publish(ctx, newEvent(domain.EventMessageRouted))

	assert.Len(t, ch, 1)
	assert.Equal(t, uint64(1), bus.Dropped())
}

func TestCloseDrainsAndRejectsNew(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventMessageRouted, func(_ context.Context, _ domain.Event) {
		time.Sleep(50 * time.Millisecond)
		got.Add(1)
	})
	ch := bus.Stream(context.Background(), 4)

	bus.Publish(context.Background(), newEvent(domain.EventMessageRouted))
	bus.Close()

	if got.Load() != 1 {
		t.Fatalf("expected handler to have run, got %d", got.Load())
	}
	<-ch
	_, ok := <-ch
	assert.False(t, ok, "stream should be closed by Close")

	bus.Publish(context.Background(), newEvent(domain.EventMessageRouted))
	time.Sleep(20 * time.Millisecond)
	if got.Load() != 1 {
		t.Fatalf("expected no delivery after close, got %d", got.Load())
	}
}
