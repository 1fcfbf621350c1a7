package multiagent

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"a2a-coordinator/internal/domain"
)

// agentState is the mutable record for one agent. Its mutex serializes
// updates to that agent only; the Registry lock guards the map.
type agentState struct {
	mu sync.Mutex

	id          string
	agentType   string
	caps        []string
	strengths   []string
	health      domain.HealthStatus
	lastSeen    time.Time
	workload    float64
	capacity    float64
	votingPower float64
	score       float64
	endpoint    string

	responseTimes *ring[float64]
	successRates  *ring[float64]
	errorRates    *ring[float64]
	messageCounts *ring[domain.MessageCount]
}

func (s *agentState) snapshot() domain.AgentProfile {
	return domain.AgentProfile{
		AgentID:             s.id,
		AgentType:           s.agentType,
		Capabilities:        append([]string(nil), s.caps...),
		CapabilityStrengths: append([]string(nil), s.strengths...),
		HealthStatus:        s.health,
		LastSeen:            s.lastSeen,
		CurrentWorkload:     s.workload,
		WorkloadCapacity:    s.capacity,
		VotingPower:         s.votingPower,
		CoordinationScore:   s.score,
		Endpoint:            s.endpoint,
		Metrics: domain.PerformanceMetrics{
			ResponseTimes: s.responseTimes.values(),
			SuccessRates:  s.successRates.values(),
			ErrorRates:    s.errorRates.values(),
			MessageCounts: s.messageCounts.values(),
		},
	}
}

func (s *agentState) setWorkload(v float64) {
	s.workload = math.Max(0, math.Min(v, s.capacity))
}

// Registry holds agent profiles and their bounded performance history, and
// computes composite scores from them.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*agentState

	scoring ScoringConfig
	clock   domain.Clock
	bus     domain.EventBus
	logger  *slog.Logger
}

// NewRegistry creates an empty registry. bus may be nil.
func NewRegistry(cfg ScoringConfig, clock domain.Clock, bus domain.EventBus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = discardLogger()
	}
	return &Registry{
		agents:  make(map[string]*agentState),
		scoring: cfg.withDefaults(),
		clock:   domain.ClockOrSystem(clock),
		bus:     bus,
		logger:  logger,
	}
}

// Scoring returns the effective scoring configuration.
func (r *Registry) Scoring() ScoringConfig { return r.scoring }

// UpsertProfile creates or refreshes an agent from a discovery record. It
// reports whether the agent was new.
func (r *Registry) UpsertProfile(ctx context.Context, rec domain.AgentRecord) bool {
	now := r.clock.Now()
	health := healthFromStatus(rec.Status)

	r.mu.Lock()
	st, exists := r.agents[rec.AgentID]
	if !exists {
		capacity := rec.WorkloadCapacity
		if capacity <= 0 {
			capacity = r.scoring.DefaultCapacity
		}
		votingPower := rec.VotingPower
		if votingPower <= 0 {
			votingPower = 1
		}
		st = &agentState{
			id:            rec.AgentID,
			capacity:      capacity,
			votingPower:   votingPower,
			score:         InitialScore(rec.Capabilities, votingPower),
			responseTimes: newRing[float64](r.scoring.HistorySize),
			successRates:  newRing[float64](r.scoring.HistorySize),
			errorRates:    newRing[float64](r.scoring.HistorySize),
			messageCounts: newRing[domain.MessageCount](r.scoring.HistorySize),
		}
		r.agents[rec.AgentID] = st
	}
	r.mu.Unlock()

	st.mu.Lock()
	st.agentType = rec.AgentType
	st.caps = append([]string(nil), rec.Capabilities...)
	st.strengths = domain.CapabilityStrengths(rec.Capabilities)
	st.health = health
	st.lastSeen = now
	st.endpoint = rec.Endpoint
	if exists {
		if rec.WorkloadCapacity > 0 {
			st.capacity = rec.WorkloadCapacity
			st.setWorkload(st.workload)
		}
		if rec.VotingPower > 0 {
			st.votingPower = rec.VotingPower
		}
	}
	profile := st.snapshot()
	st.mu.Unlock()

	evType := domain.EventAgentUpdated
	if !exists {
		evType = domain.EventAgentDiscovered
		r.logger.Info("agent registered", "agent_id", rec.AgentID,
			"capabilities", len(rec.Capabilities), "initial_score", profile.CoordinationScore)
	}
	r.publish(ctx, evType, rec.AgentID, profile)
	return !exists
}

func healthFromStatus(status string) domain.HealthStatus {
	switch domain.HealthStatus(status) {
	case domain.HealthInactive:
		return domain.HealthInactive
	case domain.HealthError:
		return domain.HealthError
	}
	return domain.HealthActive
}

func (r *Registry) get(agentID string) (*agentState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.agents[agentID]
	if !ok {
		return nil, domain.NewSubSystemError("registry", "Registry.Get", domain.ErrAgentNotFound, agentID)
	}
	return st, nil
}

// Profile returns a snapshot of one agent.
func (r *Registry) Profile(agentID string) (domain.AgentProfile, error) {
	st, err := r.get(agentID)
	if err != nil {
		return domain.AgentProfile{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snapshot(), nil
}

// Has reports whether the agent is registered.
func (r *Registry) Has(agentID string) bool {
	_, err := r.get(agentID)
	return err == nil
}

func (r *Registry) states() []*agentState {
	r.mu.RLock()
	out := make([]*agentState, 0, len(r.agents))
	for _, st := range r.agents {
		out = append(out, st)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Profiles returns snapshots of every agent, sorted by ID.
func (r *Registry) Profiles() []domain.AgentProfile {
	states := r.states()
	out := make([]domain.AgentProfile, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		out = append(out, st.snapshot())
		st.mu.Unlock()
	}
	return out
}

// Active returns snapshots of agents whose health is active.
func (r *Registry) Active() []domain.AgentProfile {
	all := r.Profiles()
	out := all[:0]
	for _, p := range all {
		if p.IsActive() {
			out = append(out, p)
		}
	}
	return out
}

// Count returns total and active agent counts.
func (r *Registry) Count() (total, active int) {
	for _, p := range r.Profiles() {
		total++
		if p.IsActive() {
			active++
		}
	}
	return total, active
}

// RecordOutcome appends one attempt to the agent's history.
func (r *Registry) RecordOutcome(agentID string, responseTime time.Duration, success bool) error {
	st, err := r.get(agentID)
	if err != nil {
		return err
	}
	ok := 0.0
	if success {
		ok = 1
	}
	st.mu.Lock()
	st.responseTimes.push(float64(responseTime) / float64(time.Millisecond))
	st.successRates.push(ok)
	st.errorRates.push(1 - ok)
	if success {
		st.lastSeen = r.clock.Now()
	}
	st.mu.Unlock()
	return nil
}

// RecordMissedResponse penalizes an agent that never answered.
func (r *Registry) RecordMissedResponse(agentID string) error {
	st, err := r.get(agentID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	st.errorRates.push(1)
	st.successRates.push(0)
	st.mu.Unlock()
	return nil
}

// TrackMessage counts a message for sender and receiver. The receiver's
// workload grows by one, capped at capacity. Unknown agents are skipped.
func (r *Registry) TrackMessage(from, to string) {
	now := r.clock.Now()
	if st, err := r.get(from); err == nil {
		st.mu.Lock()
		st.messageCounts.push(domain.MessageCount{Direction: "outgoing", At: now})
		st.lastSeen = now
		st.mu.Unlock()
	}
	if to == "" || to == from {
		return
	}
	if st, err := r.get(to); err == nil {
		st.mu.Lock()
		st.messageCounts.push(domain.MessageCount{Direction: "incoming", At: now})
		st.setWorkload(st.workload + 1)
		st.mu.Unlock()
	}
}

// AdjustWorkload adds delta to the agent's workload, clamped to [0, capacity],
// and returns the new value.
func (r *Registry) AdjustWorkload(agentID string, delta float64) (float64, error) {
	st, err := r.get(agentID)
	if err != nil {
		return 0, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.setWorkload(st.workload + delta)
	return st.workload, nil
}

// SetHealth changes an agent's health status.
func (r *Registry) SetHealth(ctx context.Context, agentID string, h domain.HealthStatus) error {
	st, err := r.get(agentID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	changed := st.health != h
	st.health = h
	st.mu.Unlock()
	if changed && h == domain.HealthInactive {
		r.logger.Info("agent marked inactive", "agent_id", agentID)
		r.publish(ctx, domain.EventAgentInactive, agentID, nil)
	}
	return nil
}

// MarkStale marks active agents unseen for longer than window as inactive and
// returns their IDs. Profiles are kept, only excluded from selection.
func (r *Registry) MarkStale(ctx context.Context, window time.Duration) []string {
	now := r.clock.Now()
	var stale []string
	for _, st := range r.states() {
		st.mu.Lock()
		if st.health == domain.HealthActive && now.Sub(st.lastSeen) > window {
			st.health = domain.HealthInactive
			stale = append(stale, st.id)
		}
		st.mu.Unlock()
	}
	for _, id := range stale {
		r.logger.Info("agent marked inactive", "agent_id", id, "window", window)
		r.publish(ctx, domain.EventAgentInactive, id, nil)
	}
	return stale
}

// Score recomputes the composite score for one agent and writes it back to
// the profile.
func (r *Registry) Score(agentID string) (float64, error) {
	_, score, err := r.Rescore(agentID)
	return score, err
}

// Rescore is Score that also returns the previously stored score.
func (r *Registry) Rescore(agentID string) (previous, current float64, err error) {
	st, err := r.get(agentID)
	if err != nil {
		return 0, 0, err
	}
	now := r.clock.Now()
	st.mu.Lock()
	defer st.mu.Unlock()
	b := r.scoring.Compute(ScoreInputs{
		ResponseTimes:    st.responseTimes.values(),
		SuccessFlags:     st.successRates.values(),
		SinceLastSeen:    now.Sub(st.lastSeen),
		CurrentWorkload:  st.workload,
		WorkloadCapacity: st.capacity,
	})
	previous = st.score
	st.score = b.Composite
	return previous, st.score, nil
}

// Breakdown returns the score components without writing anything back.
func (r *Registry) Breakdown(agentID string) (ScoreBreakdown, error) {
	st, err := r.get(agentID)
	if err != nil {
		return ScoreBreakdown{}, err
	}
	now := r.clock.Now()
	st.mu.Lock()
	defer st.mu.Unlock()
	return r.scoring.Compute(ScoreInputs{
		ResponseTimes:    st.responseTimes.values(),
		SuccessFlags:     st.successRates.values(),
		SinceLastSeen:    now.Sub(st.lastSeen),
		CurrentWorkload:  st.workload,
		WorkloadCapacity: st.capacity,
	}), nil
}

// Scored pairs a profile with a freshly computed score.
type Scored struct {
	Profile domain.AgentProfile
	Score   float64
}

// ScoreActive rescores every active agent and returns them by descending
// score, ties broken by agent ID.
func (r *Registry) ScoreActive() []Scored {
	var out []Scored
	for _, p := range r.Active() {
		score, err := r.Score(p.AgentID)
		if err != nil {
			continue
		}
		p.CoordinationScore = score
		out = append(out, Scored{Profile: p, Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Profile.AgentID < out[j].Profile.AgentID
	})
	return out
}

// Prune forgets agents inactive for longer than retention.
func (r *Registry) Prune(retention time.Duration) []string {
	now := r.clock.Now()
	var removed []string
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, st := range r.agents {
		st.mu.Lock()
		gone := st.health != domain.HealthActive && now.Sub(st.lastSeen) > retention
		st.mu.Unlock()
		if gone {
			delete(r.agents, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

func (r *Registry) publish(ctx context.Context, t domain.EventType, subject string, payload any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(ctx, domain.NewEvent(t, subject, r.clock.Now(), payload))
}
