// Package analysis adapts language-model APIs to domain.TextAnalysis and
// turns their replies into structured insights.
package analysis

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"a2a-coordinator/internal/domain"
)

// ProviderConfig selects and configures a TextAnalysis provider.
type ProviderConfig struct {
	Provider string // "openai", "anthropic" or "" for none
	Model    string
	APIKey   string
	BaseURL  string
	Timeout  time.Duration
}

// NewProvider builds the configured provider. An empty provider or missing
// API key yields Unavailable so callers fall back to heuristics.
func NewProvider(cfg ProviderConfig, logger *slog.Logger) (domain.TextAnalysis, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	switch strings.ToLower(cfg.Provider) {
	case "", "none":
		return Unavailable{Reason: "no analysis provider configured"}, nil
	case "openai":
		if cfg.APIKey == "" && cfg.BaseURL == "" {
			logger.Warn("openai analysis provider has no api key, analysis disabled")
			return Unavailable{Reason: "openai api key missing"}, nil
		}
		return NewOpenAI(cfg), nil
	case "anthropic":
		if cfg.APIKey == "" && cfg.BaseURL == "" {
			logger.Warn("anthropic analysis provider has no api key, analysis disabled")
			return Unavailable{Reason: "anthropic api key missing"}, nil
		}
		return NewAnthropic(cfg), nil
	default:
		return nil, fmt.Errorf("unknown analysis provider %q", cfg.Provider)
	}
}

// Unavailable always fails. It stands in when no provider is configured.
type Unavailable struct {
	Reason string
}

func (u Unavailable) Name() string { return "unavailable" }

func (u Unavailable) Analyze(context.Context, string, domain.AnalysisOptions) (string, error) {
	return "", fmt.Errorf("%w: %s", domain.ErrAnalysisUnavailable, u.Reason)
}
