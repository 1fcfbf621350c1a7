package multiagent

// DefaultHistorySize bounds every per-agent performance buffer.
const DefaultHistorySize = 100

// ring is a fixed-capacity FIFO that evicts its oldest entry when full.
// It is not safe for concurrent use; agentState guards it.
type ring[T any] struct {
	buf   []T
	start int
	n     int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = v
		r.n++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring[T]) len() int { return r.n }

// last returns up to n most recent entries, oldest first.
func (r *ring[T]) last(n int) []T {
	if n > r.n {
		n = r.n
	}
	out := make([]T, n)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.start+r.n-n+i)%len(r.buf)]
	}
	return out
}

func (r *ring[T]) values() []T { return r.last(r.n) }
