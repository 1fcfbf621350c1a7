package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"a2a-coordinator/internal/domain"
)

// GuardConfig bounds calls to a provider.
type GuardConfig struct {
	MaxFailures uint32        // consecutive failures before the circuit opens
	OpenTimeout time.Duration // open → half-open
	RatePerMin  float64       // admitted calls per minute, 0 means unlimited
	Burst       int
	CallTimeout time.Duration
}

// DefaultGuardConfig returns the stock provider limits.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		MaxFailures: 5,
		OpenTimeout: 30 * time.Second,
		RatePerMin:  30,
		Burst:       5,
		CallTimeout: 20 * time.Second,
	}
}

// Guard wraps a provider with a circuit breaker, a non-blocking rate limit
// and a per-call timeout. Rejections never wait.
type Guard struct {
	inner   domain.TextAnalysis
	breaker *gobreaker.CircuitBreaker[string]
	limiter *rate.Limiter
	timeout time.Duration
}

// NewGuard wraps inner. Zero config fields take defaults.
func NewGuard(inner domain.TextAnalysis, cfg GuardConfig, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	d := DefaultGuardConfig()
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = d.MaxFailures
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = d.OpenTimeout
	}
	if cfg.Burst <= 0 {
		cfg.Burst = d.Burst
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = d.CallTimeout
	}

	limit := rate.Inf
	if cfg.RatePerMin > 0 {
		limit = rate.Limit(cfg.RatePerMin / 60)
	}
	maxFailures := cfg.MaxFailures
	cb := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "analysis:" + inner.Name(),
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &Guard{
		inner:   inner,
		breaker: cb,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		timeout: cfg.CallTimeout,
	}
}

func (g *Guard) Name() string { return g.inner.Name() }

// State reports the breaker state ("closed", "half-open" or "open").
func (g *Guard) State() string { return g.breaker.State().String() }

// Analyze implements domain.TextAnalysis.
func (g *Guard) Analyze(ctx context.Context, prompt string, opts domain.AnalysisOptions) (string, error) {
	if !g.limiter.Allow() {
		return "", fmt.Errorf("%w: rate limited", domain.ErrAnalysisUnavailable)
	}
	out, err := g.breaker.Execute(func() (string, error) {
		cctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return g.inner.Analyze(cctx, prompt, opts)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", fmt.Errorf("%w: provider %q circuit open", domain.ErrAnalysisUnavailable, g.inner.Name())
	}
	return out, err
}
