package coordinator

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"a2a-coordinator/internal/domain"
	"a2a-coordinator/internal/infra/tracer"
	"a2a-coordinator/internal/usecase/multiagent"
)

type coordState struct {
	mu sync.Mutex
	c  domain.Coordination
}

func deadlineKey(id string) string { return "coordination/" + id }

// Coordinate analyzes the involved agents, splits the task between them,
// sends each participant an assignment and arms the timeout. Unknown agents
// are skipped; when nobody can take a share a no_eligible_agent anomaly is
// recorded and ErrNoEligibleAgent returned.
func (c *Coordinator) Coordinate(ctx context.Context, req domain.CoordinationRequest, initiator string) (domain.Coordination, error) {
	ctx, span := tracer.StartSpan(ctx, "coordinator.coordinate")
	defer span.End()

	var agents []domain.AgentProfile
	for _, id := range req.AgentsInvolved {
		if p, err := c.deps.Registry.Profile(id); err == nil {
			agents = append(agents, p)
		}
	}
	pattern := c.AnalyzePattern(agents)
	dist := c.Distribute(agents, req.Task)
	if len(dist) == 0 {
		c.deps.Analyzer.Anomalies().Record(ctx, domain.Anomaly{
			Type:     domain.AnomalyNoEligibleAgent,
			Severity: domain.SeverityMedium,
			Subject:  initiator,
			Details: map[string]any{
				"task_type":        req.Task.Type,
				"agents_requested": req.AgentsInvolved,
			},
			Recommendation: "register agents with free capacity for this task",
		})
		err := domain.NewSubSystemError("registry", "Coordinator.Coordinate", domain.ErrNoEligibleAgent, req.Task.Type)
		tracer.RecordError(span, err)
		return domain.Coordination{}, err
	}

	now := c.deps.Clock.Now()
	id := req.CoordinationID
	if id == "" {
		id = domain.NewID("coord_", now)
	}
	co := domain.Coordination{
		CoordinationID: id,
		Initiator:      initiator,
		Task:           req.Task,
		Pattern:        pattern,
		Distribution:   dist,
		Responses:      make(map[string]time.Duration),
		Status:         domain.CoordinationInProgress,
		StartedAt:      now,
		TimeoutAt:      now.Add(time.Duration(float64(pattern.ExpectedDuration) * c.cfg.TimeoutFactor)),
	}

	c.mu.Lock()
	if old, ok := c.coordinations[id]; ok {
		old.mu.Lock()
		running := !old.c.Status.Terminal()
		old.mu.Unlock()
		if running {
			c.mu.Unlock()
			err := domain.NewSubSystemError("coordinator", "Coordinator.Coordinate", domain.ErrDuplicate, id)
			tracer.RecordError(span, err)
			return domain.Coordination{}, err
		}
	}
	c.coordinations[id] = &coordState{c: co}
	c.mu.Unlock()
	span.SetAttributes(tracer.StringAttr("coordination_id", id), tracer.IntAttr("participants", len(dist)))

	peers := co.Participants()
	for _, s := range dist {
		priority := domain.PriorityNormal
		if s.Priority == "primary" {
			priority = domain.PriorityHigh
		}
		c.send(ctx, s.AgentID, domain.MsgTaskAssignment, priority, map[string]any{
			"coordination_id":       id,
			"task":                  req.Task,
			"role":                  s.Role,
			"allocation":            s.Allocation,
			"priority":              s.Priority,
			"expected_duration_ms":  pattern.ExpectedDuration.Milliseconds(),
			"coordination_approach": pattern.Approach,
			"peers":                 peers,
		})
	}
	c.deps.Deadlines.Schedule(deadlineKey(id), co.TimeoutAt, func(ctx context.Context) { c.expire(ctx, id) })

	c.persist(ctx, domain.TableCoordinations, id, co)
	c.publish(ctx, domain.EventCoordinationStarted, id, co)
	c.deps.Logger.Info("coordination started",
		"coordination_id", id,
		"initiator", initiator,
		"participants", len(dist),
		"approach", pattern.Approach,
		"expected_ms", pattern.ExpectedDuration.Milliseconds(),
	)
	tracer.SetOK(span)
	return cloneCoordination(co), nil
}

// AnalyzePattern estimates duration, bottleneck risks and complexity for a
// group of agents.
func (c *Coordinator) AnalyzePattern(agents []domain.AgentProfile) domain.CoordinationPattern {
	p := domain.CoordinationPattern{
		ExpectedDuration: c.cfg.DefaultExpected,
		BottleneckRisks:  []string{},
		Complexity:       domain.ComplexityMedium,
		Approach:         domain.ApproachParallel,
	}
	var slowest time.Duration
	for _, a := range agents {
		rt := c.averageResponse(a)
		if rt > slowest {
			slowest = rt
		}
		if rt > c.cfg.SlowAgent {
			p.BottleneckRisks = append(p.BottleneckRisks, a.AgentID)
		}
	}
	if len(agents) > 0 {
		p.ExpectedDuration = time.Duration(float64(slowest) * c.cfg.ExpectedFactor)
	}
	switch {
	case len(agents) < 3:
		p.Complexity = domain.ComplexityLow
	case len(agents) > 5:
		p.Complexity = domain.ComplexityHigh
	}
	if len(p.BottleneckRisks) > 0 {
		p.Approach = domain.ApproachSequentialOptimized
	}
	return p
}

func (c *Coordinator) averageResponse(p domain.AgentProfile) time.Duration {
	rts := p.Metrics.ResponseTimes
	if len(rts) == 0 {
		return c.cfg.DefaultResponse
	}
	if len(rts) > 10 {
		rts = rts[len(rts)-10:]
	}
	return time.Duration(stat.Mean(rts, nil) * float64(time.Millisecond))
}

// Distribute splits a task across agents in descending order of
// 0.6·score + 0.4·task capability match. Each share is capped by the score
// and by the agent's free capacity; allocation stops at 100%.
func (c *Coordinator) Distribute(agents []domain.AgentProfile, task domain.CoordinationTask) []domain.TaskShare {
	type candidate struct {
		p     domain.AgentProfile
		score float64
	}
	cands := make([]candidate, 0, len(agents))
	for _, p := range agents {
		perf, err := c.deps.Registry.Score(p.AgentID)
		if err != nil {
			perf = p.CoordinationScore
		}
		match := 0.5
		if len(task.RequiredCapabilities) > 0 {
			match = multiagent.CapabilityMatch(task.RequiredCapabilities, p.Capabilities)
		}
		cands = append(cands, candidate{p: p, score: 0.6*perf + 0.4*match})
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return cands[i].p.AgentID < cands[j].p.AgentID
	})

	remaining := 100.0
	var out []domain.TaskShare
	for _, cd := range cands {
		if remaining <= 0 {
			break
		}
		free := math.Max(0, cd.p.WorkloadCapacity-cd.p.CurrentWorkload)
		alloc := math.Min(remaining, math.Min(math.Floor(cd.score*40), free*10))
		if alloc <= 0 {
			continue
		}
		remaining -= alloc
		priority := "secondary"
		if cd.score > 0.8 {
			priority = "primary"
		}
		out = append(out, domain.TaskShare{
			AgentID:    cd.p.AgentID,
			Role:       roleFor(cd.p, task),
			Allocation: alloc,
			Score:      cd.score,
			Priority:   priority,
		})
	}
	return out
}

func roleFor(p domain.AgentProfile, task domain.CoordinationTask) string {
	switch {
	case p.HasStrength(domain.StrengthDataProcessing) && task.RequiresData():
		return domain.RoleDataProcessor
	case p.HasStrength(domain.StrengthAnalysis) && task.RequiresAnalysis():
		return domain.RoleAnalyzer
	case p.HasStrength(domain.StrengthDecisionMaking):
		return domain.RoleDecisionMaker
	case p.HasStrength(domain.StrengthExecution):
		return domain.RoleExecutor
	}
	return domain.RoleParticipant
}

// Respond records a participant's response. The response time feeds the
// router; the round completes once every participant has answered. Responses
// to a finished round are ignored.
func (c *Coordinator) Respond(ctx context.Context, resp domain.CoordinationResponse, agentID string) (domain.Coordination, error) {
	st, err := c.get(resp.CoordinationID)
	if err != nil {
		return domain.Coordination{}, err
	}
	now := c.deps.Clock.Now()

	st.mu.Lock()
	if st.c.Status.Terminal() {
		snap := cloneCoordination(st.c)
		st.mu.Unlock()
		c.deps.Logger.Debug("late coordination response", "coordination_id", resp.CoordinationID, "agent_id", agentID)
		return snap, nil
	}
	if !contains(st.c.Participants(), agentID) {
		st.mu.Unlock()
		return domain.Coordination{}, domain.NewSubSystemError("coordinator", "Coordinator.Respond", domain.ErrInvalidInput,
			agentID+" is not part of "+resp.CoordinationID)
	}
	rt := now.Sub(st.c.StartedAt)
	st.c.Responses[agentID] = rt
	done := len(st.c.Responses) == len(st.c.Distribution)
	if done {
		st.c.Status = domain.CoordinationCompleted
		st.c.FinishedAt = now
	}
	snap := cloneCoordination(st.c)
	st.mu.Unlock()

	c.deps.Router.RecordOutcome(agentID, rt, resp.Success == nil || *resp.Success)
	if done {
		c.deps.Deadlines.Cancel(deadlineKey(snap.CoordinationID))
		c.persist(ctx, domain.TableCoordinations, snap.CoordinationID, snap)
		c.publish(ctx, domain.EventCoordinationFinished, snap.CoordinationID, snap)
		c.deps.Logger.Info("coordination completed",
			"coordination_id", snap.CoordinationID,
			"duration_ms", now.Sub(snap.StartedAt).Milliseconds(),
		)
	}
	return snap, nil
}

// expire times out a round still in progress. Participants that never
// answered are penalized with a missed response.
func (c *Coordinator) expire(ctx context.Context, id string) {
	st, err := c.get(id)
	if err != nil {
		return
	}
	now := c.deps.Clock.Now()

	st.mu.Lock()
	if st.c.Status.Terminal() {
		st.mu.Unlock()
		return
	}
	var silent, slow []string
	limit := time.Duration(0.8 * float64(st.c.Pattern.ExpectedDuration))
	for _, agentID := range st.c.Participants() {
		rt, ok := st.c.Responses[agentID]
		switch {
		case !ok:
			silent = append(silent, agentID)
		case rt > limit:
			slow = append(slow, agentID)
		}
	}
	st.c.Status = domain.CoordinationTimeout
	st.c.FinishedAt = now
	st.c.NonResponsive = silent
	snap := cloneCoordination(st.c)
	st.mu.Unlock()

	for _, agentID := range silent {
		if err := c.deps.Registry.RecordMissedResponse(agentID); err != nil {
			c.deps.Logger.Debug("missed response for unknown agent", "agent_id", agentID)
		}
	}
	severity := domain.SeverityMedium
	if len(snap.Responses) == 0 {
		severity = domain.SeverityHigh
	}
	c.deps.Analyzer.Anomalies().Record(ctx, domain.Anomaly{
		Type:     domain.AnomalyCoordinationTimeout,
		Severity: severity,
		Subject:  id,
		Details: map[string]any{
			"non_responsive": silent,
			"slow_agents":    slow,
			"expected_ms":    snap.Pattern.ExpectedDuration.Milliseconds(),
			"elapsed_ms":     now.Sub(snap.StartedAt).Milliseconds(),
		},
		Recommendation: "check the non-responsive agents and rebalance their load",
	})
	c.persist(ctx, domain.TableCoordinations, id, snap)
	c.publish(ctx, domain.EventCoordinationFinished, id, snap)
	c.deps.Logger.Warn("coordination timed out", "coordination_id", id, "non_responsive", silent)
}

// Coordination returns a snapshot of one round.
func (c *Coordinator) Coordination(id string) (domain.Coordination, error) {
	st, err := c.get(id)
	if err != nil {
		return domain.Coordination{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return cloneCoordination(st.c), nil
}

// Coordinations lists rounds with the given status, all when status is
// empty, oldest first.
func (c *Coordinator) Coordinations(status domain.CoordinationStatus) []domain.Coordination {
	c.mu.Lock()
	states := make([]*coordState, 0, len(c.coordinations))
	for _, st := range c.coordinations {
		states = append(states, st)
	}
	c.mu.Unlock()

	var out []domain.Coordination
	for _, st := range states {
		st.mu.Lock()
		if status == "" || st.c.Status == status {
			out = append(out, cloneCoordination(st.c))
		}
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// reap drops finished rounds older than retention.
func (c *Coordinator) reap(retention time.Duration) int {
	cutoff := c.deps.Clock.Now().Add(-retention)
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, st := range c.coordinations {
		st.mu.Lock()
		old := st.c.Status.Terminal() && st.c.FinishedAt.Before(cutoff)
		st.mu.Unlock()
		if old {
			delete(c.coordinations, id)
			n++
		}
	}
	return n
}

func (c *Coordinator) get(id string) (*coordState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.coordinations[id]
	if !ok {
		return nil, domain.NewSubSystemError("coordinator", "Coordinator.get", domain.ErrNoCoordination, id)
	}
	return st, nil
}

func cloneCoordination(co domain.Coordination) domain.Coordination {
	out := co
	out.Distribution = append([]domain.TaskShare(nil), co.Distribution...)
	out.NonResponsive = append([]string(nil), co.NonResponsive...)
	out.Pattern.BottleneckRisks = append([]string{}, co.Pattern.BottleneckRisks...)
	out.Responses = make(map[string]time.Duration, len(co.Responses))
	for k, v := range co.Responses {
		out.Responses[k] = v
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
