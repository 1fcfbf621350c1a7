package gateway

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"a2a-coordinator/internal/domain"
)

// BreakerConfig configures the per-route circuit breakers.
type BreakerConfig struct {
	Threshold uint32        // consecutive failures before the circuit opens
	CoolDown  time.Duration // open → half-open
}

// DefaultBreakerConfig returns the stock breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 5, CoolDown: time.Minute}
}

// BreakerSet holds one two-step circuit breaker per route. Half-open admits a
// single probe; its success closes the circuit and its failure reopens it.
type BreakerSet struct {
	cfg      BreakerConfig
	mu       sync.Mutex
	breakers map[string]*gobreaker.TwoStepCircuitBreaker[struct{}]
	bus      domain.EventBus
	logger   *slog.Logger
}

// NewBreakerSet creates an empty set. Zero config fields take defaults.
func NewBreakerSet(cfg BreakerConfig, bus domain.EventBus, logger *slog.Logger) *BreakerSet {
	d := DefaultBreakerConfig()
	if cfg.Threshold == 0 {
		cfg.Threshold = d.Threshold
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = d.CoolDown
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &BreakerSet{
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker[struct{}]),
		bus:      bus,
		logger:   logger,
	}
}

func (s *BreakerSet) get(route string) *gobreaker.TwoStepCircuitBreaker[struct{}] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[route]; ok {
		return cb
	}
	threshold := s.cfg.Threshold
	cb := gobreaker.NewTwoStepCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        route,
		MaxRequests: 1,
		Timeout:     s.cfg.CoolDown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: s.onStateChange,
	})
	s.breakers[route] = cb
	return cb
}

func (s *BreakerSet) onStateChange(name string, from, to gobreaker.State) {
	s.logger.Warn("circuit breaker state change", "route", name, "from", from.String(), "to", to.String())
	if s.bus == nil {
		return
	}
	s.bus.Publish(context.Background(), domain.NewEvent(domain.EventBreakerChanged, name, time.Now(), map[string]string{
		"route": name,
		"from":  from.String(),
		"to":    to.String(),
	}))
}

// Allow asks the route's breaker for admission. The returned done func must
// be called with the outcome of the forwarded request.
func (s *BreakerSet) Allow(route string) (func(success bool), error) {
	done, err := s.get(route).Allow()
	if err != nil {
		return nil, domain.NewSubSystemError("gateway", "BreakerSet.Allow", domain.ErrCircuitOpen, route)
	}
	return done, nil
}

// State returns the breaker state of a route; routes never seen are closed.
func (s *BreakerSet) State(route string) gobreaker.State {
	s.mu.Lock()
	cb, ok := s.breakers[route]
	s.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

// States snapshots every known breaker.
func (s *BreakerSet) States() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.breakers))
	for route, cb := range s.breakers {
		out[route] = cb.State().String()
	}
	return out
}
