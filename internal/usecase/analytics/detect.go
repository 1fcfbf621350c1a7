package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"a2a-coordinator/internal/domain"
	"a2a-coordinator/internal/infra/tracer"
)

// Research is the result of asking the insight source about critical anomalies.
type Research struct {
	At        time.Time       `json:"at"`
	Anomalies []string        `json:"anomalies"`
	Insight   *domain.Insight `json:"insight"`
}

// DetectAnomalies rescores every agent and scans for performance drops,
// communication failures and overdue proposals. Found anomalies are recorded,
// severe ones remediated, and critical ones researched.
func (a *Analyzer) DetectAnomalies(ctx context.Context) []domain.Anomaly {
	ctx, span := tracer.StartSpan(ctx, "analytics.detect")
	defer span.End()

	var found []domain.Anomaly
	found = append(found, a.performanceDrops()...)
	found = append(found, a.communicationFailures()...)
	found = append(found, a.consensusDelays()...)

	now := a.deps.Clock.Now()
	for i := range found {
		found[i].DetectedAt = now
		found[i].ID = domain.NewID("anom_", now)
		a.deps.Anomalies.Record(ctx, found[i])
	}
	if len(found) == 0 {
		return nil
	}
	a.deps.Logger.Info("coordination anomalies detected", "count", len(found))

	a.remediate(ctx, found)

	var critical []domain.Anomaly
	for _, an := range found {
		if an.Severity == domain.SeverityCritical {
			critical = append(critical, an)
		}
	}
	if len(critical) > 0 {
		a.researchSolutions(ctx, critical)
	}
	return found
}

func (a *Analyzer) performanceDrops() []domain.Anomaly {
	var out []domain.Anomaly
	for _, p := range a.deps.Registry.Profiles() {
		prev, cur, err := a.deps.Registry.Rescore(p.AgentID)
		if err != nil || prev-cur <= a.cfg.PerformanceDrop {
			continue
		}
		out = append(out, domain.Anomaly{
			Type:     domain.AnomalyPerformanceDrop,
			Severity: domain.SeverityHigh,
			Subject:  p.AgentID,
			Details: map[string]any{
				"previous_score":  prev,
				"current_score":   cur,
				"drop_percentage": fmt.Sprintf("%.1f", (prev-cur)/prev*100),
			},
			Recommendation: "investigate recent failures and slow responses of this agent",
		})
	}
	return out
}

func (a *Analyzer) communicationFailures() []domain.Anomaly {
	var out []domain.Anomaly
	for _, p := range a.deps.Registry.Profiles() {
		recent := tail(p.Metrics.ErrorRates, a.cfg.ErrorWindow)
		if len(recent) == 0 {
			continue
		}
		rate := avg(recent)
		if rate <= a.cfg.ErrorRate {
			continue
		}
		severity := domain.SeverityMedium
		if rate > a.cfg.CriticalErrorRate {
			severity = domain.SeverityCritical
		}
		out = append(out, domain.Anomaly{
			Type:     domain.AnomalyCommunicationFailure,
			Severity: severity,
			Subject:  p.AgentID,
			Details: map[string]any{
				"error_rate":    rate,
				"recent_errors": tail(p.Metrics.ErrorRates, 5),
			},
			Recommendation: "check connectivity to the agent",
		})
	}
	return out
}

// consensusDelays reports voting proposals running past their estimate. A
// proposal is reported again only when its severity escalates.
func (a *Analyzer) consensusDelays() []domain.Anomaly {
	if a.deps.Proposals == nil {
		return nil
	}
	now := a.deps.Clock.Now()
	open := a.deps.Proposals.List(domain.ProposalVoting)

	a.mu.Lock()
	defer a.mu.Unlock()
	seen := make(map[string]bool, len(open))
	var out []domain.Anomaly
	for _, p := range open {
		seen[p.ProposalID] = true
		expected := p.EstimatedTime
		if expected <= 0 {
			expected = a.cfg.DefaultConsensusTime
		}
		elapsed := now.Sub(p.CreatedAt)
		if float64(elapsed) <= float64(expected)*a.cfg.ConsensusDelayFactor {
			continue
		}
		severity := domain.SeverityMedium
		if elapsed > 2*expected {
			severity = domain.SeverityHigh
		}
		if prev, ok := a.delayReported[p.ProposalID]; ok && (prev == severity || prev == domain.SeverityHigh) {
			continue
		}
		a.delayReported[p.ProposalID] = severity
		out = append(out, domain.Anomaly{
			Type:     domain.AnomalyConsensusDelay,
			Severity: severity,
			Subject:  p.ProposalID,
			Details: map[string]any{
				"elapsed_ms":           elapsed.Milliseconds(),
				"expected_ms":          expected.Milliseconds(),
				"delay_factor":         fmt.Sprintf("%.2f", float64(elapsed)/float64(expected)),
				"participating_agents": len(p.VotingAgents),
			},
			Recommendation: "remind outstanding voters",
		})
	}
	for id := range a.delayReported {
		if !seen[id] {
			delete(a.delayReported, id)
		}
	}
	return out
}

// remediate sends health checks to failing agents and voting reminders for
// badly delayed proposals.
func (a *Analyzer) remediate(ctx context.Context, found []domain.Anomaly) {
	for _, an := range found {
		switch {
		case an.Type == domain.AnomalyCommunicationFailure && an.Severity == domain.SeverityCritical:
			a.send(ctx, an.Subject, domain.MsgHealthCheck, domain.PriorityHigh, map[string]string{
				"reason":      "communication_failure_detected",
				"remediation": "connection_reset",
			})
		case an.Type == domain.AnomalyConsensusDelay && an.Severity == domain.SeverityHigh:
			a.remindVoters(ctx, an.Subject)
		}
	}
}

func (a *Analyzer) remindVoters(ctx context.Context, proposalID string) {
	for _, p := range a.deps.Proposals.List(domain.ProposalVoting) {
		if p.ProposalID != proposalID {
			continue
		}
		for _, voter := range p.VotingAgents {
			if _, voted := p.Votes[voter]; voted {
				continue
			}
			a.send(ctx, voter, domain.MsgVotingReminder, domain.PriorityHigh, map[string]any{
				"proposal_id":          proposalID,
				"urgency":              "high",
				"deadline_approaching": true,
			})
		}
		return
	}
}

func (a *Analyzer) researchSolutions(ctx context.Context, critical []domain.Anomaly) {
	if a.deps.Insights == nil {
		return
	}
	type summary struct {
		Type     domain.AnomalyType `json:"type"`
		Severity domain.Severity    `json:"severity"`
		Details  map[string]any     `json:"details,omitempty"`
	}
	sums := make([]summary, len(critical))
	ids := make([]string, len(critical))
	for i, an := range critical {
		sums[i] = summary{Type: an.Type, Severity: an.Severity, Details: an.Details}
		ids[i] = an.ID
	}
	body, _ := json.MarshalIndent(sums, "", "  ")

	var b strings.Builder
	b.WriteString("Suggest remediation for these multi-agent coordination anomalies:\n\n")
	b.Write(body)
	b.WriteString("\n\nCover immediate steps and long-term prevention. Respond with JSON: ")
	b.WriteString(`{"summary": string, "confidence": number 0..1, "recommendations": [string]}`)

	ctx, cancel := context.WithTimeout(ctx, a.cfg.ResearchTimeout)
	defer cancel()
	in, err := a.deps.Insights.Insight(ctx, b.String(), domain.AnalysisOptions{MaxTokens: 2000, Temperature: 0.1})
	if err != nil {
		a.deps.Logger.Debug("anomaly research unavailable", "error", err)
		return
	}

	a.mu.Lock()
	a.research = &Research{
		At:        a.deps.Clock.Now(),
		Anomalies: ids,
		Insight:   in,
	}
	a.mu.Unlock()
	a.deps.Logger.Info("anomaly research completed", "anomalies", len(ids), "recommendations", len(in.Recommendations))
}

// LastResearch returns the most recent research result, nil if none.
func (a *Analyzer) LastResearch() *Research {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.research == nil {
		return nil
	}
	r := *a.research
	return &r
}
