package analytics

import (
	"context"
	"math"
	"sort"
	"strconv"
	"time"

	"gonum.org/v1/gonum/stat"

	"a2a-coordinator/internal/domain"
)

// Bottleneck is one agent metric past its threshold.
type Bottleneck struct {
	Type     string          `json:"type"` // workload, response_time or success_rate
	AgentID  string          `json:"agent_id"`
	Severity domain.Severity `json:"severity"`
	Metric   float64         `json:"metric"`
}

// Underutilized describes an active agent with spare capacity.
type Underutilized struct {
	AgentID           string  `json:"agent_id"`
	Utilization       float64 `json:"current_utilization"`
	AvailableCapacity float64 `json:"available_capacity"`
	Score             float64 `json:"performance_score"`
}

// Performer is an entry in the top or underperformer lists.
type Performer struct {
	AgentID   string   `json:"agent_id"`
	Score     float64  `json:"score"`
	AgentType string   `json:"specialization,omitempty"`
	Issues    []string `json:"issues,omitempty"`
}

// Traffic counts the messages an agent has sent and received.
type Traffic struct {
	AgentID  string `json:"agent_id"`
	Incoming int    `json:"incoming"`
	Outgoing int    `json:"outgoing"`
}

// CommunicationPatterns summarizes message flow across agents.
type CommunicationPatterns struct {
	TotalPatterns int       `json:"total_patterns"`
	HighTraffic   []Traffic `json:"high_traffic_agents"`
}

// Opportunity is a suggested system-level optimization.
type Opportunity struct {
	Type              string          `json:"type"`
	Description       string          `json:"description"`
	Recommendation    string          `json:"recommendation"`
	Priority          domain.Severity `json:"priority"`
	AffectedAgents    []string        `json:"affected_agents,omitempty"`
	AvailableCapacity float64         `json:"available_capacity,omitempty"`
}

// Trend is the direction of a system metric.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDegrading Trend = "degrading"
)

// Trends holds the latest metric directions.
type Trends struct {
	ResponseTime Trend     `json:"response_time_trend"`
	SuccessRate  Trend     `json:"success_rate_trend"`
	LastAnalysis time.Time `json:"last_analysis,omitempty"`
}

// Optimization is an agent-level suggestion.
type Optimization struct {
	Type                string `json:"type"`
	Recommendation      string `json:"recommendation"`
	ExpectedImprovement string `json:"expected_improvement"`
}

// AgentReport is the per-agent performance summary.
type AgentReport struct {
	AgentID           string           `json:"agent_id"`
	CoordinationScore float64          `json:"coordination_score"`
	AvgResponseMs     float64          `json:"avg_response_time"`
	SuccessRate       float64          `json:"success_rate"`
	ErrorRate         float64          `json:"error_rate"`
	CurrentWorkload   float64          `json:"current_workload"`
	WorkloadCapacity  float64          `json:"workload_capacity"`
	Strengths         []string         `json:"capability_strengths,omitempty"`
	RecentAnomalies   []domain.Anomaly `json:"recent_anomalies,omitempty"`
	Optimizations     []Optimization   `json:"optimization_recommendations,omitempty"`
}

// SystemSnapshot is the population-wide part of a system performance report.
type SystemSnapshot struct {
	TotalAgents     int         `json:"total_agents"`
	ActiveAgents    int         `json:"active_agents"`
	AvgScore        float64     `json:"avg_coordination_score"`
	AvgResponseMs   float64     `json:"avg_response_time"`
	SystemHealth    float64     `json:"system_health"`
	WorkloadSpread  float64     `json:"workload_spread"`
	Trends          Trends      `json:"performance_trends"`
	TopPerformers   []Performer `json:"top_performers"`
	Underperformers []Performer `json:"underperformers"`
}

var severityRank = map[domain.Severity]int{
	domain.SeverityCritical: 0,
	domain.SeverityHigh:     1,
	domain.SeverityMedium:   2,
	domain.SeverityLow:      3,
}

// recentResponse is the mean of the last ten response times, 1000ms when the
// agent has none.
func recentResponse(p domain.AgentProfile) float64 {
	if len(p.Metrics.ResponseTimes) == 0 {
		return 1000
	}
	return avg(tail(p.Metrics.ResponseTimes, 10))
}

// Bottlenecks lists agents with high utilization, slow responses or low
// success, most severe first. Agents without attempts are not judged on
// success rate.
func (a *Analyzer) Bottlenecks() []Bottleneck {
	var out []Bottleneck
	for _, p := range a.deps.Registry.Profiles() {
		if u := p.Utilization(); u > a.cfg.Overloaded {
			out = append(out, Bottleneck{Type: "workload", AgentID: p.AgentID, Severity: domain.SeverityHigh, Metric: u})
		}
		if rt := recentResponse(p); rt > ms(a.cfg.SlowResponse) {
			sev := domain.SeverityMedium
			if rt > ms(a.cfg.CriticalResponse) {
				sev = domain.SeverityCritical
			}
			out = append(out, Bottleneck{Type: "response_time", AgentID: p.AgentID, Severity: sev, Metric: rt})
		}
		if recent := tail(p.Metrics.SuccessRates, a.cfg.ErrorWindow); len(recent) > 0 {
			if sr := avg(recent); sr < a.cfg.LowSuccess {
				sev := domain.SeverityMedium
				if sr < a.cfg.CriticalSuccess {
					sev = domain.SeverityCritical
				}
				out = append(out, Bottleneck{Type: "success_rate", AgentID: p.AgentID, Severity: sev, Metric: sr})
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return severityRank[out[i].Severity] < severityRank[out[j].Severity]
	})
	return out
}

// AgentIssues names what is wrong with one agent: slow_response,
// low_success_rate or overloaded.
func (a *Analyzer) AgentIssues(p domain.AgentProfile) []string {
	var issues []string
	if avg(p.Metrics.ResponseTimes) > ms(a.cfg.SlowResponse) {
		issues = append(issues, "slow_response")
	}
	if len(p.Metrics.SuccessRates) > 0 && avg(p.Metrics.SuccessRates) < a.cfg.LowSuccess {
		issues = append(issues, "low_success_rate")
	}
	if p.Utilization() > 0.9 {
		issues = append(issues, "overloaded")
	}
	return issues
}

// UnderutilizedAgents lists active agents below the underloaded threshold.
func (a *Analyzer) UnderutilizedAgents() []Underutilized {
	var out []Underutilized
	for _, p := range a.deps.Registry.Active() {
		if u := p.Utilization(); u < a.cfg.Underloaded {
			out = append(out, Underutilized{
				AgentID:           p.AgentID,
				Utilization:       u,
				AvailableCapacity: p.WorkloadCapacity - p.CurrentWorkload,
				Score:             p.CoordinationScore,
			})
		}
	}
	return out
}

// TopPerformers returns up to n agents by descending stored score.
func (a *Analyzer) TopPerformers(n int) []Performer {
	profiles := a.deps.Registry.Profiles()
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].CoordinationScore > profiles[j].CoordinationScore
	})
	var out []Performer
	for _, p := range profiles {
		if len(out) == n {
			break
		}
		out = append(out, Performer{AgentID: p.AgentID, Score: p.CoordinationScore, AgentType: p.AgentType})
	}
	return out
}

// Underperformers returns up to n agents scoring below the underperformer
// threshold, worst first, with their issues.
func (a *Analyzer) Underperformers(n int) []Performer {
	var low []domain.AgentProfile
	for _, p := range a.deps.Registry.Profiles() {
		if p.CoordinationScore < a.cfg.Underperformer {
			low = append(low, p)
		}
	}
	sort.SliceStable(low, func(i, j int) bool {
		return low[i].CoordinationScore < low[j].CoordinationScore
	})
	var out []Performer
	for _, p := range low {
		if len(out) == n {
			break
		}
		out = append(out, Performer{AgentID: p.AgentID, Score: p.CoordinationScore, Issues: a.AgentIssues(p)})
	}
	return out
}

// CommunicationPatterns counts message flow per agent and returns the five
// busiest.
func (a *Analyzer) CommunicationPatterns() CommunicationPatterns {
	var flows []Traffic
	for _, p := range a.deps.Registry.Profiles() {
		if len(p.Metrics.MessageCounts) == 0 {
			continue
		}
		t := Traffic{AgentID: p.AgentID}
		for _, m := range p.Metrics.MessageCounts {
			switch m.Direction {
			case "incoming":
				t.Incoming++
			case "outgoing":
				t.Outgoing++
			}
		}
		flows = append(flows, t)
	}
	out := CommunicationPatterns{TotalPatterns: len(flows)}
	sort.SliceStable(flows, func(i, j int) bool {
		return flows[i].Incoming+flows[i].Outgoing > flows[j].Incoming+flows[j].Outgoing
	})
	if len(flows) > 5 {
		flows = flows[:5]
	}
	out.HighTraffic = flows
	return out
}

// SystemHealth is 0.5·active/total + 0.5·mean score of active agents, 0 with
// no agents.
func (a *Analyzer) SystemHealth() float64 {
	all := a.deps.Registry.Profiles()
	if len(all) == 0 {
		return 0
	}
	var scores []float64
	for _, p := range all {
		if p.IsActive() {
			scores = append(scores, p.CoordinationScore)
		}
	}
	return 0.5*float64(len(scores))/float64(len(all)) + 0.5*avg(scores)
}

// WorkloadSpread is the population standard deviation of active agents'
// utilization.
func (a *Analyzer) WorkloadSpread() float64 {
	active := a.deps.Registry.Active()
	if len(active) == 0 {
		return 0
	}
	utils := make([]float64, len(active))
	for i, p := range active {
		utils[i] = p.Utilization()
	}
	return math.Sqrt(stat.PopVariance(utils, nil))
}

// Snapshot computes the system-wide metrics without touching trends.
func (a *Analyzer) Snapshot() SystemSnapshot {
	all := a.deps.Registry.Profiles()
	var scores, responses []float64
	active := 0
	for _, p := range all {
		if !p.IsActive() {
			continue
		}
		active++
		scores = append(scores, p.CoordinationScore)
		if len(p.Metrics.ResponseTimes) > 0 {
			responses = append(responses, avg(p.Metrics.ResponseTimes))
		}
	}
	return SystemSnapshot{
		TotalAgents:     len(all),
		ActiveAgents:    active,
		AvgScore:        avg(scores),
		AvgResponseMs:   avg(responses),
		SystemHealth:    a.SystemHealth(),
		WorkloadSpread:  a.WorkloadSpread(),
		Trends:          a.Trends(),
		TopPerformers:   a.TopPerformers(5),
		Underperformers: a.Underperformers(5),
	}
}

// Analyze takes a snapshot, updates trends and recomputes the optimization
// opportunities.
func (a *Analyzer) Analyze(ctx context.Context) SystemSnapshot {
	snap := a.Snapshot()
	snap.Trends = a.updateTrends(ctx, snap)
	opps := a.identifyOpportunities(snap)

	a.mu.Lock()
	a.opportunities = opps
	a.mu.Unlock()
	if len(opps) > 0 {
		a.deps.Logger.Info("optimization opportunities identified", "count", len(opps))
	}
	return snap
}

func (a *Analyzer) updateTrends(ctx context.Context, snap SystemSnapshot) Trends {
	a.mu.Lock()
	prev := a.trends
	next := prev
	if snap.AvgResponseMs > 0 {
		switch {
		case snap.AvgResponseMs > 2000:
			next.ResponseTime = TrendDegrading
		case snap.AvgResponseMs < 1000:
			next.ResponseTime = TrendImproving
		default:
			next.ResponseTime = TrendStable
		}
	}
	switch {
	case snap.AvgScore < 0.7:
		next.SuccessRate = TrendDegrading
	case snap.AvgScore > 0.85:
		next.SuccessRate = TrendImproving
	default:
		next.SuccessRate = TrendStable
	}
	next.LastAnalysis = a.deps.Clock.Now()
	a.trends = next
	a.mu.Unlock()

	if prev.ResponseTime != next.ResponseTime {
		a.deps.Logger.InfoContext(ctx, "response time trend changed", "from", prev.ResponseTime, "to", next.ResponseTime)
	}
	return next
}

func (a *Analyzer) identifyOpportunities(snap SystemSnapshot) []Opportunity {
	var out []Opportunity
	if snap.WorkloadSpread > a.cfg.ImbalanceSpread {
		out = append(out, Opportunity{
			Type:           "load_balancing",
			Description:    "high workload variance across agents",
			Recommendation: "redistribute load dynamically",
			Priority:       domain.SeverityHigh,
		})
	}
	if bn := a.Bottlenecks(); len(bn) > 0 {
		seen := make(map[string]bool)
		var agents []string
		for _, b := range bn {
			if !seen[b.AgentID] {
				seen[b.AgentID] = true
				agents = append(agents, b.AgentID)
			}
		}
		out = append(out, Opportunity{
			Type:           "bottleneck_resolution",
			Description:    plural(len(bn), "bottleneck") + " identified in agent communication",
			Recommendation: "scale or optimize bottleneck agents",
			Priority:       domain.SeverityCritical,
			AffectedAgents: agents,
		})
	}
	if under := a.UnderutilizedAgents(); len(under) > 0 {
		var spare float64
		for _, u := range under {
			spare += u.AvailableCapacity
		}
		out = append(out, Opportunity{
			Type:              "capacity_optimization",
			Description:       plural(len(under), "agent") + " underutilized",
			Recommendation:    "route more tasks to underutilized agents",
			Priority:          domain.SeverityMedium,
			AvailableCapacity: spare,
		})
	}
	return out
}

// Opportunities returns the opportunities found by the last Analyze.
func (a *Analyzer) Opportunities() []Opportunity {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Opportunity(nil), a.opportunities...)
}

// Trends returns the trends computed by the last Analyze.
func (a *Analyzer) Trends() Trends {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.trends
}

// AgentReport summarizes one agent over its last window attempts.
func (a *Analyzer) AgentReport(agentID string, window int) (AgentReport, error) {
	p, err := a.deps.Registry.Profile(agentID)
	if err != nil {
		return AgentReport{}, err
	}
	if window <= 0 {
		window = 100
	}
	return AgentReport{
		AgentID:           p.AgentID,
		CoordinationScore: p.CoordinationScore,
		AvgResponseMs:     avg(tail(p.Metrics.ResponseTimes, window)),
		SuccessRate:       avg(tail(p.Metrics.SuccessRates, window)),
		ErrorRate:         avg(tail(p.Metrics.ErrorRates, window)),
		CurrentWorkload:   p.CurrentWorkload,
		WorkloadCapacity:  p.WorkloadCapacity,
		Strengths:         p.CapabilityStrengths,
		RecentAnomalies:   a.deps.Anomalies.About(agentID, 5),
		Optimizations:     agentOptimizations(p),
	}, nil
}

func agentOptimizations(p domain.AgentProfile) []Optimization {
	var out []Optimization
	if avg(p.Metrics.ResponseTimes) > 2000 {
		out = append(out, Optimization{
			Type:                "response_time",
			Recommendation:      "cache frequent requests or optimize processing",
			ExpectedImprovement: "30-50% response time reduction",
		})
	}
	if p.Utilization() > 0.7 {
		out = append(out, Optimization{
			Type:                "workload",
			Recommendation:      "increase capacity or redistribute tasks",
			ExpectedImprovement: "20% workload reduction",
		})
	}
	if len(p.Metrics.SuccessRates) > 0 && avg(p.Metrics.SuccessRates) < 0.85 {
		out = append(out, Optimization{
			Type:                "reliability",
			Recommendation:      "add retries and better error handling",
			ExpectedImprovement: "15% success rate increase",
		})
	}
	return out
}

func plural(n int, noun string) string {
	s := strconv.Itoa(n) + " " + noun
	if n != 1 {
		s += "s"
	}
	return s
}
