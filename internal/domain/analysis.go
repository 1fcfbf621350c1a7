package domain

import "context"

// AnalysisOptions tunes one TextAnalysis call.
type AnalysisOptions struct {
	MaxTokens   int
	Temperature float64
	System      string
}

// TextAnalysis produces free-form text for a prompt. Implementations may fail
// at any time; callers fall back to heuristics.
type TextAnalysis interface {
	Name() string
	Analyze(ctx context.Context, prompt string, opts AnalysisOptions) (string, error)
}

// Insight is the structured form of an analysis response.
type Insight struct {
	Outcome         string   `json:"outcome,omitempty"`
	Confidence      float64  `json:"confidence"`
	Summary         string   `json:"summary,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// InsightSource turns a prompt into a structured Insight. Any failure,
// including an unparseable response, is reported as ErrAnalysisUnavailable.
type InsightSource interface {
	Insight(ctx context.Context, prompt string, opts AnalysisOptions) (*Insight, error)
}
