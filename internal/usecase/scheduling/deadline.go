package scheduling

import (
	"container/heap"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"a2a-coordinator/internal/domain"
)

// DeadlineFunc runs when its deadline passes. Callbacks must be idempotent
// against the entity having reached a terminal state already.
type DeadlineFunc func(ctx context.Context)

type deadline struct {
	key   string
	due   time.Time
	fn    DeadlineFunc
	index int
}

type deadlineHeap []*deadline

func (h deadlineHeap) Len() int { return len(h) }
func (h deadlineHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].key < h[j].key
	}
	return h[i].due.Before(h[j].due)
}
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *deadlineHeap) Push(x any) {
	d := x.(*deadline)
	d.index = len(*h)
	*h = append(*h, d)
}
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	d := old[n-1]
	old[n-1] = nil
	d.index = -1
	*h = old[:n-1]
	return d
}

const defaultFireWorkers = 8

// DeadlineQueue is a keyed min-heap of wall-clock deadlines. Consensus
// timeouts, workflow checkpoints and coordination timeouts are scheduled
// here and fired by a periodic sweep.
type DeadlineQueue struct {
	mu      sync.Mutex
	h       deadlineHeap
	byKey   map[string]*deadline
	clock   domain.Clock
	workers int
}

// NewDeadlineQueue creates an empty queue reading time from clock.
func NewDeadlineQueue(clock domain.Clock) *DeadlineQueue {
	return &DeadlineQueue{
		byKey:   make(map[string]*deadline),
		clock:   domain.ClockOrSystem(clock),
		workers: defaultFireWorkers,
	}
}

// SetWorkers bounds how many entities Fire serves at once. n <= 0 keeps the
// current value.
func (q *DeadlineQueue) SetWorkers(n int) {
	if n <= 0 {
		return
	}
	q.mu.Lock()
	q.workers = n
	q.mu.Unlock()
}

// Schedule registers fn to run at due. An existing deadline with the same key
// is replaced.
func (q *DeadlineQueue) Schedule(key string, due time.Time, fn DeadlineFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if d, ok := q.byKey[key]; ok {
		d.due = due
		d.fn = fn
		heap.Fix(&q.h, d.index)
		return
	}
	d := &deadline{key: key, due: due, fn: fn}
	heap.Push(&q.h, d)
	q.byKey[key] = d
}

// Cancel removes a pending deadline. It reports whether one was pending.
func (q *DeadlineQueue) Cancel(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	d, ok := q.byKey[key]
	if !ok {
		return false
	}
	heap.Remove(&q.h, d.index)
	delete(q.byKey, key)
	return true
}

// CancelPrefix removes every pending deadline whose key starts with prefix.
func (q *DeadlineQueue) CancelPrefix(prefix string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for key, d := range q.byKey {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			heap.Remove(&q.h, d.index)
			delete(q.byKey, key)
			n++
		}
	}
	return n
}

// Pending reports whether key is scheduled.
func (q *DeadlineQueue) Pending(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byKey[key]
	return ok
}

// Len returns the number of pending deadlines.
func (q *DeadlineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// Fire runs every deadline that is due and returns how many ran. Deadlines
// of one entity run earliest first; distinct entities run concurrently on at
// most the configured number of workers. Callbacks run without the queue
// lock held and may reschedule. Deadlines not started before ctx is done go
// back on the queue.
func (q *DeadlineQueue) Fire(ctx context.Context) int {
	now := q.clock.Now()
	var groups [][]*deadline
	index := make(map[string]int)

	q.mu.Lock()
	for len(q.h) > 0 && !q.h[0].due.After(now) {
		d := heap.Pop(&q.h).(*deadline)
		delete(q.byKey, d.key)
		e := entityOf(d.key)
		i, ok := index[e]
		if !ok {
			i = len(groups)
			index[e] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], d)
	}
	workers := q.workers
	q.mu.Unlock()

	var (
		ran atomic.Int64
		wg  sync.WaitGroup
	)
	sem := make(chan struct{}, workers)
	for _, g := range groups {
		wg.Add(1)
		go func(g []*deadline) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				q.requeue(g)
				return
			}
			for i, d := range g {
				if ctx.Err() != nil {
					q.requeue(g[i:])
					return
				}
				d.fn(ctx)
				ran.Add(1)
			}
		}(g)
	}
	wg.Wait()
	return int(ran.Load())
}

// requeue puts unstarted deadlines back unless their key was scheduled again
// meanwhile.
func (q *DeadlineQueue) requeue(ds []*deadline) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, d := range ds {
		if _, ok := q.byKey[d.key]; ok {
			continue
		}
		heap.Push(&q.h, d)
		q.byKey[d.key] = d
	}
}

// entityOf is the first two segments of a deadline key: "workflow/<id>" for
// "workflow/<id>/checkpoint/2".
func entityOf(key string) string {
	parts := strings.SplitN(key, "/", 3)
	if len(parts) < 2 {
		return key
	}
	return parts[0] + "/" + parts[1]
}
