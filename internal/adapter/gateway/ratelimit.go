package gateway

import (
	"strings"
	"sync"
	"time"

	"a2a-coordinator/internal/domain"
)

// Limiter classes.
const (
	LimiterDefault   = "default"
	LimiterFunctions = "functions"
	LimiterAgents    = "agents"
	LimiterDiscovery = "discovery"
)

// LimitConfig is the allowance of one limiter class.
type LimitConfig struct {
	Limit  int
	Window time.Duration
}

// DefaultLimits returns the stock limiter classes.
func DefaultLimits() map[string]LimitConfig {
	return map[string]LimitConfig{
		LimiterDefault:   {Limit: 100, Window: time.Minute},
		LimiterFunctions: {Limit: 200, Window: time.Minute},
		LimiterAgents:    {Limit: 100, Window: time.Minute},
		LimiterDiscovery: {Limit: 50, Window: time.Minute},
	}
}

// LimiterClass picks the limiter class for a request path.
func LimiterClass(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/functions/"):
		return LimiterFunctions
	case strings.HasPrefix(path, "/api/agents/"):
		return LimiterAgents
	case strings.Contains(path, "discovery"), strings.Contains(path, "registry"):
		return LimiterDiscovery
	}
	return LimiterDefault
}

// RateDecision is the outcome of one admission check.
type RateDecision struct {
	Allowed   bool      `json:"allowed"`
	Class     string    `json:"class"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"reset_time"`
}

type clientWindow struct {
	mu    sync.Mutex
	times []time.Time
	dead  bool // reaped; Allow must fetch a fresh window
}

// prune drops timestamps at or before cutoff. Callers hold w.mu.
func (w *clientWindow) prune(cutoff time.Time) {
	i := 0
	for i < len(w.times) && !w.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}
}

type limiterClass struct {
	cfg     LimitConfig
	clients sync.Map // client ID -> *clientWindow
}

// RateLimiter keeps a sliding window of request timestamps per client and
// limiter class. Each client window has its own lock.
type RateLimiter struct {
	classes map[string]*limiterClass
	clock   domain.Clock
}

// NewRateLimiter builds a limiter. Classes missing from limits take the stock
// allowance; the default class always exists.
func NewRateLimiter(limits map[string]LimitConfig, clock domain.Clock) *RateLimiter {
	rl := &RateLimiter{classes: make(map[string]*limiterClass), clock: domain.ClockOrSystem(clock)}
	for name, cfg := range DefaultLimits() {
		if override, ok := limits[name]; ok {
			if override.Limit > 0 {
				cfg.Limit = override.Limit
			}
			if override.Window > 0 {
				cfg.Window = override.Window
			}
		}
		rl.classes[name] = &limiterClass{cfg: cfg}
	}
	for name, cfg := range limits {
		if _, ok := rl.classes[name]; !ok && cfg.Limit > 0 && cfg.Window > 0 {
			rl.classes[name] = &limiterClass{cfg: cfg}
		}
	}
	return rl
}

// Allow admits the request iff the client's count in the window is below the
// class limit. Admitted requests are recorded.
func (rl *RateLimiter) Allow(class, clientID string) RateDecision {
	lc, ok := rl.classes[class]
	if !ok {
		class = LimiterDefault
		lc = rl.classes[class]
	}
	for {
		v, _ := lc.clients.LoadOrStore(clientID, &clientWindow{})
		if dec, ok := admit(lc, v.(*clientWindow), class, rl.clock.Now()); ok {
			return dec
		}
	}
}

// admit checks and records one request against w. It reports false when w
// was reaped after the caller loaded it.
func admit(lc *limiterClass, w *clientWindow, class string, now time.Time) (RateDecision, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dead {
		return RateDecision{}, false
	}
	w.prune(now.Add(-lc.cfg.Window))

	if len(w.times) >= lc.cfg.Limit {
		return RateDecision{
			Class: class,
			Limit: lc.cfg.Limit,
			Reset: w.times[0].Add(lc.cfg.Window),
		}, true
	}
	w.times = append(w.times, now)
	return RateDecision{
		Allowed:   true,
		Class:     class,
		Limit:     lc.cfg.Limit,
		Remaining: lc.cfg.Limit - len(w.times),
		Reset:     now.Add(lc.cfg.Window),
	}, true
}

// Reap drops expired timestamps and forgets idle clients. It returns the
// number of clients removed.
func (rl *RateLimiter) Reap() int {
	now := rl.clock.Now()
	removed := 0
	for _, lc := range rl.classes {
		cutoff := now.Add(-lc.cfg.Window)
		lc.clients.Range(func(key, value any) bool {
			w := value.(*clientWindow)
			w.mu.Lock()
			defer w.mu.Unlock()
			w.prune(cutoff)
			if len(w.times) == 0 && !w.dead {
				w.dead = true
				lc.clients.CompareAndDelete(key, w)
				removed++
			}
			return true
		})
	}
	return removed
}

// TrackedClients counts clients with a live window across all classes.
func (rl *RateLimiter) TrackedClients() int {
	n := 0
	for _, lc := range rl.classes {
		lc.clients.Range(func(_, _ any) bool {
			n++
			return true
		})
	}
	return n
}

// Classes returns the configured allowance per class.
func (rl *RateLimiter) Classes() map[string]LimitConfig {
	out := make(map[string]LimitConfig, len(rl.classes))
	for name, lc := range rl.classes {
		out[name] = lc.cfg
	}
	return out
}
