package multiagent

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"a2a-coordinator/internal/domain"
	"a2a-coordinator/internal/infra/tracer"
)

// discardLogger returns a no-op logger for components created without one.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// RouterConfig tunes rerouting and selection.
type RouterConfig struct {
	RerouteBelow       float64       // target score below which alternatives are considered
	MinCapabilityMatch float64       // alternatives must cover this share of the target's capabilities
	CapabilityWeight   float64       // weight of capability match in the reroute score
	PerformanceWeight  float64       // weight of the alternative's score in the reroute score
	LoadBalanceTopN    int           // candidates considered for normal-priority selection
	EfficiencyAlpha    float64       // smoothing factor of per-target efficiency
	ResponseCeiling    time.Duration // duration at or above which an attempt has zero efficiency
}

// DefaultRouterConfig returns the stock routing thresholds.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		RerouteBelow:       0.5,
		MinCapabilityMatch: 0.7,
		CapabilityWeight:   0.4,
		PerformanceWeight:  0.6,
		LoadBalanceTopN:    3,
		EfficiencyAlpha:    0.1,
		ResponseCeiling:    5 * time.Second,
	}
}

func (c RouterConfig) withDefaults() RouterConfig {
	d := DefaultRouterConfig()
	if c.RerouteBelow <= 0 {
		c.RerouteBelow = d.RerouteBelow
	}
	if c.MinCapabilityMatch <= 0 {
		c.MinCapabilityMatch = d.MinCapabilityMatch
	}
	if c.CapabilityWeight+c.PerformanceWeight <= 0 {
		c.CapabilityWeight, c.PerformanceWeight = d.CapabilityWeight, d.PerformanceWeight
	}
	if c.LoadBalanceTopN <= 0 {
		c.LoadBalanceTopN = d.LoadBalanceTopN
	}
	if c.EfficiencyAlpha <= 0 || c.EfficiencyAlpha > 1 {
		c.EfficiencyAlpha = d.EfficiencyAlpha
	}
	if c.ResponseCeiling <= 0 {
		c.ResponseCeiling = d.ResponseCeiling
	}
	return c
}

// requiredCapabilities maps message types to capability keywords; an agent
// is eligible when any of its capabilities contains any keyword.
var requiredCapabilities = map[domain.MessageType][]string{
	domain.MsgCoordinationRequest: {"coordination", "message_handling"},
	domain.MsgWorkflowTrigger:     {"workflow_execution", "process_management"},
	domain.MsgConsensusProposal:   {"consensus_participation", "voting"},
	domain.MsgDataRequest:         {"data_processing", "data_retrieval"},
	domain.MsgAnalysisRequest:     {"analysis", "calculation"},
}

var defaultRequired = []string{"message_handling"}

// RequiredCapabilities returns the capability keywords a message type needs.
func RequiredCapabilities(t domain.MessageType) []string {
	if caps, ok := requiredCapabilities[t]; ok {
		return caps
	}
	return defaultRequired
}

// Router selects the agent that should receive each message.
type Router struct {
	registry  *Registry
	cfg       RouterConfig
	anomalies domain.AnomalyRecorder
	bus       domain.EventBus
	clock     domain.Clock
	logger    *slog.Logger

	effMu      sync.Mutex
	efficiency map[string]float64 // target agent → smoothed efficiency
}

// NewRouter creates a router over registry. anomalies and bus may be nil.
func NewRouter(registry *Registry, cfg RouterConfig, anomalies domain.AnomalyRecorder, bus domain.EventBus) *Router {
	return NewRouterWithLogger(registry, cfg, anomalies, bus, discardLogger())
}

// NewRouterWithLogger creates a Router with debug logging.
func NewRouterWithLogger(registry *Registry, cfg RouterConfig, anomalies domain.AnomalyRecorder, bus domain.EventBus, logger *slog.Logger) *Router {
	if logger == nil {
		logger = discardLogger()
	}
	return &Router{
		registry:   registry,
		cfg:        cfg.withDefaults(),
		anomalies:  anomalies,
		bus:        bus,
		clock:      registry.clock,
		logger:     logger,
		efficiency: make(map[string]float64),
	}
}

// Route decides where msg goes. It never fails: when no agent qualifies the
// declared target is kept and an anomaly is recorded.
func (r *Router) Route(ctx context.Context, msg domain.Message) domain.RoutingDecision {
	ctx, span := tracer.StartSpan(ctx, "router.route")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("message_type", string(msg.MessageType)),
		tracer.StringAttr("to_agent", msg.ToAgent),
	)

	var d domain.RoutingDecision
	switch {
	case msg.NeedsSelection():
		d = r.selectOptimal(ctx, msg)
	default:
		d = r.checkTarget(msg)
	}

	span.SetAttributes(
		tracer.StringAttr("selected_agent", d.SelectedAgent),
		tracer.StringAttr("reason", d.Reason),
	)
	tracer.SetOK(span)

	r.logger.Debug("message routed",
		"from_agent", msg.FromAgent,
		"original_agent", d.OriginalAgent,
		"selected_agent", d.SelectedAgent,
		"reason", d.Reason,
	)
	if r.bus != nil {
		r.bus.Publish(ctx, domain.NewEvent(domain.EventMessageRouted, d.SelectedAgent, r.clock.Now(), d))
	}
	return d
}

// checkTarget keeps a declared target unless it scores poorly and a capable
// alternative exists.
func (r *Router) checkTarget(msg domain.Message) domain.RoutingDecision {
	d := domain.RoutingDecision{
		OriginalAgent: msg.ToAgent,
		SelectedAgent: msg.ToAgent,
		Reason:        domain.ReasonDirectRouting,
		Scores:        map[string]float64{},
	}

	target, err := r.registry.Profile(msg.ToAgent)
	if err != nil {
		return d
	}
	score, _ := r.registry.Score(msg.ToAgent)
	d.Scores[msg.ToAgent] = score
	if score >= r.cfg.RerouteBelow {
		return d
	}

	best, bestCombined := "", math.Inf(-1)
	for _, alt := range r.registry.ScoreActive() {
		id := alt.Profile.AgentID
		if id == msg.ToAgent {
			continue
		}
		match := CapabilityMatch(target.Capabilities, alt.Profile.Capabilities)
		if match < r.cfg.MinCapabilityMatch {
			continue
		}
		combined := r.cfg.CapabilityWeight*match + r.cfg.PerformanceWeight*alt.Score
		d.Scores[id] = combined
		if combined > bestCombined {
			best, bestCombined = id, combined
		}
	}
	if best != "" {
		d.SelectedAgent = best
		d.Reason = domain.ReasonPerformanceOptimization
	}
	return d
}

// selectOptimal picks a recipient for broadcast or untargeted messages.
func (r *Router) selectOptimal(ctx context.Context, msg domain.Message) domain.RoutingDecision {
	d := domain.RoutingDecision{
		OriginalAgent: msg.ToAgent,
		SelectedAgent: msg.ToAgent,
		Reason:        domain.ReasonNoEligibleAgent,
		Scores:        map[string]float64{},
	}

	needles := RequiredCapabilities(msg.MessageType)
	var candidates []Scored
	for _, s := range r.registry.ScoreActive() {
		if s.Profile.AgentID == msg.FromAgent {
			continue
		}
		if !hasAnySubstring(s.Profile.Capabilities, needles) {
			continue
		}
		candidates = append(candidates, s)
		d.Scores[s.Profile.AgentID] = s.Score
	}

	if len(candidates) == 0 {
		r.logger.Warn("no eligible agent", "message_type", string(msg.MessageType), "from_agent", msg.FromAgent)
		if r.anomalies != nil {
			r.anomalies.Record(ctx, domain.Anomaly{
				Type:     domain.AnomalyNoEligibleAgent,
				Severity: domain.SeverityMedium,
				Subject:  msg.FromAgent,
				Details: map[string]any{
					"message_type":          string(msg.MessageType),
					"required_capabilities": needles,
				},
			})
		}
		return d
	}

	d.Reason = domain.ReasonIntelligentSelection
	if msg.Priority == domain.PriorityHigh {
		d.SelectedAgent = candidates[0].Profile.AgentID
		return d
	}

	top := candidates
	if len(top) > r.cfg.LoadBalanceTopN {
		top = top[:r.cfg.LoadBalanceTopN]
	}
	sort.SliceStable(top, func(i, j int) bool {
		return top[i].Profile.CurrentWorkload < top[j].Profile.CurrentWorkload
	})
	d.SelectedAgent = top[0].Profile.AgentID
	return d
}

// RecordOutcome feeds a delivery result back into the target's history and
// the per-target efficiency.
func (r *Router) RecordOutcome(agentID string, duration time.Duration, success bool) {
	if agentID == "" {
		return
	}
	if err := r.registry.RecordOutcome(agentID, duration, success); err != nil {
		r.logger.Debug("outcome for unknown agent", "agent_id", agentID)
	}

	sample := 0.0
	if success {
		sample = math.Max(0, 1-float64(duration)/float64(r.cfg.ResponseCeiling))
	}

	r.effMu.Lock()
	eff, ok := r.efficiency[agentID]
	if !ok {
		eff = 1
	}
	r.efficiency[agentID] = (1-r.cfg.EfficiencyAlpha)*eff + r.cfg.EfficiencyAlpha*sample
	r.effMu.Unlock()
}

// Efficiency returns the smoothed efficiency for a target, 1 when unseen.
func (r *Router) Efficiency(agentID string) float64 {
	r.effMu.Lock()
	defer r.effMu.Unlock()
	if eff, ok := r.efficiency[agentID]; ok {
		return eff
	}
	return 1
}

// AverageEfficiency averages efficiency across all targets seen, 0 when none.
func (r *Router) AverageEfficiency() float64 {
	r.effMu.Lock()
	defer r.effMu.Unlock()
	if len(r.efficiency) == 0 {
		return 0
	}
	var sum float64
	for _, e := range r.efficiency {
		sum += e
	}
	return sum / float64(len(r.efficiency))
}

// Efficiencies returns a copy of the per-target efficiency values.
func (r *Router) Efficiencies() map[string]float64 {
	r.effMu.Lock()
	defer r.effMu.Unlock()
	out := make(map[string]float64, len(r.efficiency))
	for id, e := range r.efficiency {
		out[id] = e
	}
	return out
}
