// Package consensus runs weighted-threshold voting rounds among agents.
//
// A proposal moves from voting to approved, rejected or timeout exactly once.
// Finalization happens when every selected voter has voted or when the
// proposal's deadline fires, whichever comes first; a late deadline after an
// early finalization is a no-op.
package consensus

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"a2a-coordinator/internal/domain"
	"a2a-coordinator/internal/infra/tracer"
	"a2a-coordinator/internal/usecase/multiagent"
	"a2a-coordinator/internal/usecase/scheduling"
)

// Config tunes proposal defaults and voter selection.
type Config struct {
	DefaultThreshold     float64
	MaxVoters            int
	DefaultEstimatedTime time.Duration
	TimeoutFactor        float64 // deadline = created + estimated × factor
	DelayFactor          float64 // consensus_delay anomaly when elapsed exceeds estimated × factor
	InfluencerScore      float64
	InfluencerPower      float64
	FastResponse         time.Duration
	PredictionTimeout    time.Duration
}

// DefaultConfig returns the stock consensus settings.
func DefaultConfig() Config {
	return Config{
		DefaultThreshold:     0.67,
		MaxVoters:            20,
		DefaultEstimatedTime: 2 * time.Minute,
		TimeoutFactor:        1.2,
		DelayFactor:          1.5,
		InfluencerScore:      0.8,
		InfluencerPower:      1,
		FastResponse:         time.Second,
		PredictionTimeout:    30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DefaultThreshold <= 0 || c.DefaultThreshold > 1 {
		c.DefaultThreshold = d.DefaultThreshold
	}
	if c.MaxVoters <= 0 {
		c.MaxVoters = d.MaxVoters
	}
	if c.DefaultEstimatedTime <= 0 {
		c.DefaultEstimatedTime = d.DefaultEstimatedTime
	}
	if c.TimeoutFactor <= 0 {
		c.TimeoutFactor = d.TimeoutFactor
	}
	if c.DelayFactor <= 0 {
		c.DelayFactor = d.DelayFactor
	}
	if c.InfluencerScore <= 0 {
		c.InfluencerScore = d.InfluencerScore
	}
	if c.InfluencerPower <= 0 {
		c.InfluencerPower = d.InfluencerPower
	}
	if c.FastResponse <= 0 {
		c.FastResponse = d.FastResponse
	}
	if c.PredictionTimeout <= 0 {
		c.PredictionTimeout = d.PredictionTimeout
	}
	return c
}

// Notifier sends coordinator messages to agents.
type Notifier interface {
	Send(ctx context.Context, to string, t domain.MessageType, priority domain.Priority, payload any) error
}

// Deps are the collaborators of an Engine. Registry and Deadlines are
// required; everything else may be nil.
type Deps struct {
	Registry  *multiagent.Registry
	Deadlines *scheduling.DeadlineQueue
	Notifier  Notifier
	Store     domain.Store
	Insights  domain.InsightSource
	Anomalies domain.AnomalyRecorder
	Bus       domain.EventBus
	Clock     domain.Clock
	Logger    *slog.Logger
}

type proposalState struct {
	mu sync.Mutex
	p  domain.ConsensusProposal
}

// Engine owns all proposals. Each proposal has its own lock so votes on
// different proposals never contend.
type Engine struct {
	cfg  Config
	deps Deps

	mu        sync.RWMutex
	proposals map[string]*proposalState

	history *typeHistory
	wg      sync.WaitGroup
}

// NewEngine creates a consensus engine.
func NewEngine(cfg Config, deps Deps) *Engine {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	deps.Clock = domain.ClockOrSystem(deps.Clock)
	return &Engine{
		cfg:       cfg.withDefaults(),
		deps:      deps,
		proposals: make(map[string]*proposalState),
		history:   newTypeHistory(),
	}
}

func deadlineKey(id string) string { return "consensus/" + id }

// Propose opens a voting round and sends vote requests to the selected voters.
func (e *Engine) Propose(ctx context.Context, req domain.ProposalRequest) (domain.ConsensusProposal, error) {
	ctx, span := tracer.StartSpan(ctx, "consensus.propose")
	defer span.End()

	if strings.TrimSpace(req.ProposalType) == "" {
		err := domain.NewSubSystemError("consensus", "Consensus.Propose", domain.ErrInvalidInput, "proposal_type is required")
		tracer.RecordError(span, err)
		return domain.ConsensusProposal{}, err
	}

	now := e.deps.Clock.Now()
	id := req.ProposalID
	if id == "" {
		id = domain.NewID("prop_", now)
	}
	threshold := req.Threshold
	if threshold <= 0 || threshold > 1 {
		threshold = e.cfg.DefaultThreshold
	}
	estimated := req.EstimatedTime
	if estimated <= 0 {
		estimated = e.history.avgTime(req.ProposalType, e.cfg.DefaultEstimatedTime)
	}

	voters, influencers := e.SelectVoters(req.ProposalType)
	st := &proposalState{p: domain.ConsensusProposal{
		ProposalID:    id,
		ProposalType:  req.ProposalType,
		Data:          req.ProposalData,
		Proposer:      req.Proposer,
		VotingAgents:  voters,
		Votes:         make(map[string]domain.Vote),
		Threshold:     threshold,
		CreatedAt:     now,
		TimeoutAt:     now.Add(time.Duration(float64(estimated) * e.cfg.TimeoutFactor)),
		EstimatedTime: estimated,
		Status:        domain.ProposalVoting,
		Prediction:    e.heuristicPrediction(req.ProposalType, threshold),
	}}

	e.mu.Lock()
	if _, exists := e.proposals[id]; exists {
		e.mu.Unlock()
		err := domain.NewSubSystemError("consensus", "Consensus.Propose", domain.ErrDuplicate, id)
		tracer.RecordError(span, err)
		return domain.ConsensusProposal{}, err
	}
	e.proposals[id] = st
	e.mu.Unlock()

	span.SetAttributes(tracer.StringAttr("proposal_id", id), tracer.IntAttr("voters", len(voters)))
	e.deps.Logger.Info("consensus proposal created",
		"proposal_id", id, "proposal_type", req.ProposalType, "voters", len(voters), "timeout_at", st.p.TimeoutAt)

	st.mu.Lock()
	snap := snapshot(&st.p)
	st.mu.Unlock()
	e.persist(ctx, snap)
	e.publish(ctx, domain.EventProposalCreated, snap)

	if len(voters) == 0 {
		e.deps.Logger.Warn("no eligible voters", "proposal_id", id)
		e.recordAnomaly(ctx, domain.Anomaly{
			Type:     domain.AnomalyNoEligibleAgent,
			Severity: domain.SeverityMedium,
			Subject:  id,
			Details:  map[string]any{"proposal_type": req.ProposalType, "stage": "voter_selection"},
		})
		final, _ := e.finalize(ctx, id, false)
		tracer.SetOK(span)
		return final, nil
	}

	e.deps.Deadlines.Schedule(deadlineKey(id), st.p.TimeoutAt, func(ctx context.Context) {
		e.finalize(ctx, id, true)
	})
	e.requestVotes(ctx, snap, influencers)
	e.predictAsync(ctx, id)

	tracer.SetOK(span)
	return snap, nil
}

// SelectVoters picks key influencers first, then fills up to MaxVoters by
// descending voting score. It returns the voters and the influencer subset.
func (e *Engine) SelectVoters(proposalType string) (voters []string, influencers map[string]bool) {
	type candidate struct {
		id    string
		score float64
	}
	influencers = make(map[string]bool)
	var candidates []candidate
	for _, s := range e.deps.Registry.ScoreActive() {
		p := s.Profile
		if p.VotingPower <= 0 {
			continue
		}
		if p.VotingPower > e.cfg.InfluencerPower && s.Score > e.cfg.InfluencerScore {
			influencers[p.AgentID] = true
			voters = append(voters, p.AgentID)
		}
		candidates = append(candidates, candidate{id: p.AgentID, score: e.votingScore(p, s.Score, proposalType)})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].id < candidates[j].id
	})
	for _, c := range candidates {
		if len(voters) >= e.cfg.MaxVoters {
			break
		}
		if influencers[c.id] {
			continue
		}
		voters = append(voters, c.id)
	}
	return voters, influencers
}

// votingScore boosts the composite score for relevance, voting power and speed.
func (e *Engine) votingScore(p domain.AgentProfile, score float64, proposalType string) float64 {
	if strings.Contains(proposalType, "technical") && p.HasStrength(domain.StrengthAnalysis) {
		score += 0.1
	}
	score += min(p.VotingPower*0.1, 0.2)
	var avg float64
	if n := len(p.Metrics.ResponseTimes); n > 0 {
		for _, rt := range p.Metrics.ResponseTimes {
			avg += rt
		}
		avg /= float64(n)
	}
	if avg < float64(e.cfg.FastResponse.Milliseconds()) {
		score += 0.1
	}
	return min(score, 1)
}

// Vote records a ballot. A repeated vote from the same voter replaces the
// earlier one. The proposal finalizes as soon as every voter has voted.
func (e *Engine) Vote(ctx context.Context, sub domain.VoteSubmission) (domain.ConsensusProposal, error) {
	const op = "Consensus.Vote"
	if !sub.Decision.Valid() {
		return domain.ConsensusProposal{}, domain.NewSubSystemError("consensus", op, domain.ErrInvalidDecision, string(sub.Decision))
	}
	st, err := e.get(sub.ProposalID)
	if err != nil {
		return domain.ConsensusProposal{}, err
	}

	weight := sub.Weight
	if weight <= 0 {
		weight = 1
		if p, err := e.deps.Registry.Profile(sub.VoterID); err == nil && p.VotingPower > 0 {
			weight = p.VotingPower
		}
	}

	st.mu.Lock()
	if st.p.Status.Terminal() {
		st.mu.Unlock()
		return domain.ConsensusProposal{}, domain.NewSubSystemError("consensus", op, domain.ErrProposalClosed, sub.ProposalID)
	}
	if !contains(st.p.VotingAgents, sub.VoterID) {
		st.mu.Unlock()
		return domain.ConsensusProposal{}, domain.NewSubSystemError("consensus", op, domain.ErrNotEligibleVoter, sub.VoterID)
	}
	st.p.Votes[sub.VoterID] = domain.Vote{Decision: sub.Decision, Weight: weight, Timestamp: e.deps.Clock.Now()}
	complete := len(st.p.Votes) >= len(st.p.VotingAgents)
	snap := snapshot(&st.p)
	st.mu.Unlock()

	e.deps.Logger.Debug("vote recorded",
		"proposal_id", sub.ProposalID, "voter_id", sub.VoterID, "decision", string(sub.Decision), "weight", weight)
	e.publish(ctx, domain.EventVoteRecorded, snap)

	if complete {
		if final, done := e.finalize(ctx, sub.ProposalID, false); done {
			return final, nil
		}
	}
	return snap, nil
}

// finalize moves a proposal to its terminal status. It reports false when the
// proposal was already terminal.
func (e *Engine) finalize(ctx context.Context, id string, byDeadline bool) (domain.ConsensusProposal, bool) {
	st, err := e.get(id)
	if err != nil {
		return domain.ConsensusProposal{}, false
	}
	now := e.deps.Clock.Now()

	st.mu.Lock()
	if st.p.Status.Terminal() {
		snap := snapshot(&st.p)
		st.mu.Unlock()
		return snap, false
	}
	_, _, ratio := domain.Tally(st.p.Votes)
	st.p.ApprovalRatio = ratio
	st.p.FinalizedAt = now
	st.p.Status = Decide(len(st.p.Votes), ratio, st.p.Threshold, byDeadline)
	snap := snapshot(&st.p)
	st.mu.Unlock()

	if !byDeadline {
		e.deps.Deadlines.Cancel(deadlineKey(id))
	}

	elapsed := now.Sub(snap.CreatedAt)
	e.history.record(snap.ProposalType, ratio, elapsed, snap.Status == domain.ProposalApproved)
	e.checkDelay(ctx, snap, elapsed)

	e.deps.Logger.Info("consensus finalized",
		"proposal_id", id, "status", string(snap.Status), "approval_ratio", ratio,
		"votes", len(snap.Votes), "voters", len(snap.VotingAgents), "by_deadline", byDeadline)

	e.persist(ctx, snap)
	e.publish(ctx, domain.EventProposalFinalized, snap)
	e.announce(ctx, snap)
	return snap, true
}

// Decide applies the finalization rules. With every vote in, the ratio
// decides approved or rejected. At the deadline no votes means rejected, a
// ratio at or above threshold still approves, and anything else times out.
func Decide(votes int, ratio, threshold float64, byDeadline bool) domain.ProposalStatus {
	switch {
	case votes == 0:
		return domain.ProposalRejected
	case ratio >= threshold:
		return domain.ProposalApproved
	case byDeadline:
		return domain.ProposalTimeout
	default:
		return domain.ProposalRejected
	}
}

func (e *Engine) checkDelay(ctx context.Context, p domain.ConsensusProposal, elapsed time.Duration) {
	expected := p.EstimatedTime
	if expected <= 0 || float64(elapsed) <= float64(expected)*e.cfg.DelayFactor {
		return
	}
	severity := domain.SeverityMedium
	if elapsed > 2*expected {
		severity = domain.SeverityHigh
	}
	e.recordAnomaly(ctx, domain.Anomaly{
		Type:     domain.AnomalyConsensusDelay,
		Severity: severity,
		Subject:  p.ProposalID,
		Details: map[string]any{
			"expected_ms": expected.Milliseconds(),
			"actual_ms":   elapsed.Milliseconds(),
			"status":      string(p.Status),
		},
	})
}

// Get returns a snapshot of a proposal.
func (e *Engine) Get(id string) (domain.ConsensusProposal, error) {
	st, err := e.get(id)
	if err != nil {
		return domain.ConsensusProposal{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return snapshot(&st.p), nil
}

// List returns proposals, optionally restricted to one status, oldest first.
func (e *Engine) List(status domain.ProposalStatus) []domain.ConsensusProposal {
	e.mu.RLock()
	states := make([]*proposalState, 0, len(e.proposals))
	for _, st := range e.proposals {
		states = append(states, st)
	}
	e.mu.RUnlock()

	var out []domain.ConsensusProposal
	for _, st := range states {
		st.mu.Lock()
		if status == "" || st.p.Status == status {
			out = append(out, snapshot(&st.p))
		}
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ProposalID < out[j].ProposalID
	})
	return out
}

// Reap forgets terminal proposals finalized longer than retention ago.
func (e *Engine) Reap(retention time.Duration) int {
	now := e.deps.Clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for id, st := range e.proposals {
		st.mu.Lock()
		old := st.p.Status.Terminal() && now.Sub(st.p.FinalizedAt) > retention
		st.mu.Unlock()
		if old {
			delete(e.proposals, id)
			n++
		}
	}
	return n
}

// Efficiency is the mean approval ratio of every finalized proposal, 0 when
// none have finalized.
func (e *Engine) Efficiency() float64 { return e.history.efficiency() }

// History returns per-type statistics.
func (e *Engine) History() map[string]TypeStats { return e.history.stats() }

// Wait blocks until background predictions finish.
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) get(id string) (*proposalState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.proposals[id]
	if !ok {
		return nil, domain.NewSubSystemError("consensus", "Consensus.Get", domain.ErrProposalNotFound, id)
	}
	return st, nil
}

func (e *Engine) requestVotes(ctx context.Context, p domain.ConsensusProposal, influencers map[string]bool) {
	if e.deps.Notifier == nil {
		return
	}
	for _, voter := range p.VotingAgents {
		influence := "normal"
		if influencers[voter] {
			influence = "high"
		}
		payload := map[string]any{
			"proposal_id":     p.ProposalID,
			"proposal_type":   p.ProposalType,
			"proposal_data":   p.Data,
			"voting_deadline": p.TimeoutAt,
			"threshold":       p.Threshold,
			"your_influence":  influence,
		}
		if err := e.deps.Notifier.Send(ctx, voter, domain.MsgVoteRequest, domain.PriorityHigh, payload); err != nil {
			e.deps.Logger.Warn("vote request failed", "proposal_id", p.ProposalID, "agent_id", voter, "error", err)
		}
	}
}

func (e *Engine) announce(ctx context.Context, p domain.ConsensusProposal) {
	if e.deps.Notifier == nil {
		return
	}
	recipients := append([]string(nil), p.VotingAgents...)
	if p.Proposer != "" && !contains(recipients, p.Proposer) {
		recipients = append(recipients, p.Proposer)
	}
	payload := map[string]any{
		"proposal_id":    p.ProposalID,
		"status":         p.Status,
		"approval_ratio": p.ApprovalRatio,
		"votes":          len(p.Votes),
	}
	for _, to := range recipients {
		if err := e.deps.Notifier.Send(ctx, to, domain.MsgConsensusResult, domain.PriorityNormal, payload); err != nil {
			e.deps.Logger.Debug("consensus result not delivered", "proposal_id", p.ProposalID, "agent_id", to, "error", err)
		}
	}
}

func (e *Engine) persist(ctx context.Context, p domain.ConsensusProposal) {
	if e.deps.Store == nil {
		return
	}
	rec, err := domain.NewRecord(p.ProposalID, p, e.deps.Clock.Now())
	if err == nil {
		err = e.deps.Store.Upsert(ctx, domain.TableProposals, rec)
	}
	if err != nil {
		e.deps.Logger.Warn("persist proposal failed", "proposal_id", p.ProposalID, "error", err)
	}
}

func (e *Engine) publish(ctx context.Context, t domain.EventType, p domain.ConsensusProposal) {
	if e.deps.Bus == nil {
		return
	}
	e.deps.Bus.Publish(ctx, domain.NewEvent(t, p.ProposalID, e.deps.Clock.Now(), p))
}

func (e *Engine) recordAnomaly(ctx context.Context, a domain.Anomaly) {
	if e.deps.Anomalies != nil {
		e.deps.Anomalies.Record(ctx, a)
	}
}

func snapshot(p *domain.ConsensusProposal) domain.ConsensusProposal {
	out := *p
	out.VotingAgents = append([]string(nil), p.VotingAgents...)
	out.Votes = make(map[string]domain.Vote, len(p.Votes))
	for k, v := range p.Votes {
		out.Votes[k] = v
	}
	if p.Prediction != nil {
		pred := *p.Prediction
		out.Prediction = &pred
	}
	return out
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func (e *Engine) heuristicPrediction(proposalType string, threshold float64) *domain.Insight {
	rate := e.history.approvalRate(proposalType, 0.72)
	outcome := string(domain.DecisionApprove)
	if rate < threshold {
		outcome = string(domain.DecisionReject)
	}
	return &domain.Insight{
		Outcome:    outcome,
		Confidence: 0.75,
		Summary:    fmt.Sprintf("historical approval rate %.2f", rate),
	}
}
