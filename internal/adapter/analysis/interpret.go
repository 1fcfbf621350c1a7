package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonschema"

	"a2a-coordinator/internal/domain"
)

const insightSchema = `{
  "type": "object",
  "properties": {
    "outcome": {"type": "string"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "summary": {"type": "string"},
    "recommendations": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["confidence"]
}`

var compiledInsightSchema = mustCompile(insightSchema)

func mustCompile(schema string) *jsonschema.Schema {
	s, err := jsonschema.NewCompiler().Compile([]byte(schema))
	if err != nil {
		panic(fmt.Sprintf("analysis: compile insight schema: %v", err))
	}
	return s
}

// Result is the outcome of one interpretation. Exactly one of Insight and
// Unavailable is set.
type Result struct {
	Insight     *domain.Insight
	Unavailable string
}

// Interpret asks ta for a JSON insight and validates it. Provider errors,
// empty replies and replies that fail the schema all yield Unavailable.
func Interpret(ctx context.Context, ta domain.TextAnalysis, prompt string, opts domain.AnalysisOptions) Result {
	if ta == nil {
		return Result{Unavailable: "no analysis provider"}
	}
	text, err := ta.Analyze(ctx, prompt, opts)
	if err != nil {
		return Result{Unavailable: err.Error()}
	}
	insight, err := parseInsight(text)
	if err != nil {
		return Result{Unavailable: err.Error()}
	}
	return Result{Insight: insight}
}

// codeFenceRe matches markdown code fences wrapping JSON.
var codeFenceRe = regexp.MustCompile("(?si)^```(?:json)?\\s*(.*?)\\s*```$")

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if m := codeFenceRe.FindStringSubmatch(s); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return s
}

func parseInsight(text string) (*domain.Insight, error) {
	body := stripCodeFences(text)
	if body == "" {
		return nil, fmt.Errorf("empty analysis response")
	}
	var raw any
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, fmt.Errorf("analysis response is not JSON: %w", err)
	}
	if result := compiledInsightSchema.Validate(raw); !result.IsValid() {
		return nil, fmt.Errorf("analysis response failed validation: %s", result.Error())
	}
	var in domain.Insight
	if err := json.Unmarshal([]byte(body), &in); err != nil {
		return nil, err
	}
	return &in, nil
}

// Source adapts a TextAnalysis to domain.InsightSource.
type Source struct {
	TA domain.TextAnalysis
}

// Insight implements domain.InsightSource.
func (s Source) Insight(ctx context.Context, prompt string, opts domain.AnalysisOptions) (*domain.Insight, error) {
	r := Interpret(ctx, s.TA, prompt, opts)
	if r.Insight == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrAnalysisUnavailable, r.Unavailable)
	}
	return r.Insight, nil
}
