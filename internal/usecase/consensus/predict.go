package consensus

import (
	"context"
	"encoding/json"
	"fmt"

	"a2a-coordinator/internal/domain"
)

const predictionSystemPrompt = "You are an expert in consensus prediction and multi-agent decision making. " +
	`Reply with JSON only: {"outcome":"approve|reject","confidence":0-1,"summary":"...","recommendations":["..."]}.`

// predictAsync asks the insight source for an outcome prediction and, if one
// arrives while the proposal is still open, replaces the heuristic one. It
// never affects the vote itself.
func (e *Engine) predictAsync(ctx context.Context, id string) {
	if e.deps.Insights == nil {
		return
	}
	st, err := e.get(id)
	if err != nil {
		return
	}
	st.mu.Lock()
	prompt := predictionPrompt(st.p.ProposalType, st.p.Data, e.history.stats()[st.p.ProposalType])
	st.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PredictionTimeout)
		defer cancel()

		insight, err := e.deps.Insights.Insight(pctx, prompt, predictionOptions())
		if err != nil {
			e.deps.Logger.Debug("consensus prediction unavailable", "proposal_id", id, "error", err)
			return
		}
		st.mu.Lock()
		defer st.mu.Unlock()
		if st.p.Status.Terminal() {
			return
		}
		st.p.Prediction = insight
		e.deps.Logger.Debug("consensus prediction attached",
			"proposal_id", id, "outcome", insight.Outcome, "confidence", insight.Confidence)
	}()
}

func predictionPrompt(proposalType string, data json.RawMessage, stats TypeStats) string {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	hist, _ := json.Marshal(stats)
	return fmt.Sprintf(`Analyze this consensus proposal and predict the outcome.

Proposal Type: %s
Proposal Data: %s
Historical Patterns: %s

Provide the likely outcome (approve/reject), a confidence level between 0 and 1,
the key factors influencing the decision and potential objections.`, proposalType, data, hist)
}

func predictionOptions() domain.AnalysisOptions {
	return domain.AnalysisOptions{MaxTokens: 500, Temperature: 0.2, System: predictionSystemPrompt}
}
