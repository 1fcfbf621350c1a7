package coordinator

import (
	"time"

	"a2a-coordinator/internal/domain"
	"a2a-coordinator/internal/usecase/analytics"
)

// SystemReport is the reply to a system_performance query.
type SystemReport struct {
	analytics.SystemSnapshot
	RoutingEfficiency   float64 `json:"routing_efficiency"`
	WorkflowSuccessRate float64 `json:"workflow_success_rate"`
	ConsensusEfficiency float64 `json:"consensus_efficiency"`
}

// AnomalySummary counts recorded anomalies.
type AnomalySummary struct {
	Total  int                        `json:"total"`
	ByType map[domain.AnomalyType]int `json:"by_type"`
	Recent []domain.Anomaly           `json:"recent"`
}

// CoordinationAnalytics is the reply to a coordination_analytics query.
type CoordinationAnalytics struct {
	RoutingEfficiency     map[string]float64                `json:"routing_efficiency"`
	CommunicationPatterns analytics.CommunicationPatterns   `json:"communication_patterns"`
	Bottlenecks           []analytics.Bottleneck            `json:"bottlenecks"`
	Anomalies             AnomalySummary                    `json:"anomalies"`
	Coordinations         map[domain.CoordinationStatus]int `json:"coordinations"`
	OpportunitiesFound    int                               `json:"opportunities_identified"`
	ResearchAvailable     bool                              `json:"research_available"`
}

// PerformanceReport answers a performance query. Unknown query types yield
// ErrUnknownQuery.
func (c *Coordinator) PerformanceReport(q domain.PerformanceQuery) (any, error) {
	an := c.deps.Analyzer
	switch q.QueryType {
	case domain.QueryAgentPerformance:
		return an.AgentReport(q.AgentID, q.TimeRange)

	case domain.QuerySystemPerformance:
		return SystemReport{
			SystemSnapshot:      an.Snapshot(),
			RoutingEfficiency:   c.deps.Router.AverageEfficiency(),
			WorkflowSuccessRate: c.deps.Workflows.SuccessRate(),
			ConsensusEfficiency: c.deps.Consensus.Efficiency(),
		}, nil

	case domain.QueryCoordinationAnalytics:
		counts := make(map[domain.CoordinationStatus]int)
		for _, co := range c.Coordinations("") {
			counts[co.Status]++
		}
		return CoordinationAnalytics{
			RoutingEfficiency:     c.deps.Router.Efficiencies(),
			CommunicationPatterns: an.CommunicationPatterns(),
			Bottlenecks:           an.Bottlenecks(),
			Anomalies: AnomalySummary{
				Total:  an.Anomalies().Len(),
				ByType: an.Anomalies().CountByType(),
				Recent: an.Anomalies().Recent(10),
			},
			Coordinations:      counts,
			OpportunitiesFound: len(an.Opportunities()),
			ResearchAvailable:  an.LastResearch() != nil,
		}, nil

	case domain.QueryOptimizationOpportunities:
		return an.Opportunities(), nil
	}
	return nil, domain.NewSubSystemError("coordinator", "Coordinator.PerformanceReport", domain.ErrUnknownQuery, q.QueryType)
}

// HealthReport is the reply to a health_check.
type HealthReport struct {
	CoordinatorID string    `json:"coordinator_id"`
	Status        string    `json:"status"`
	ActiveAgents  int       `json:"active_agents"`
	TotalAgents   int       `json:"total_agents"`
	SystemHealth  float64   `json:"system_health"`
	Timestamp     time.Time `json:"timestamp"`
}

// HealthReport summarizes the coordinator's own view of the population.
func (c *Coordinator) HealthReport() HealthReport {
	total, active := c.deps.Registry.Count()
	health := c.deps.Analyzer.SystemHealth()
	status := "healthy"
	switch {
	case total > 0 && active == 0:
		status = "unhealthy"
	case health < 0.5 && total > 0:
		status = "degraded"
	}
	return HealthReport{
		CoordinatorID: c.cfg.ID,
		Status:        status,
		ActiveAgents:  active,
		TotalAgents:   total,
		SystemHealth:  health,
		Timestamp:     c.deps.Clock.Now(),
	}
}

// Status is the aggregate health exposed to operators.
type Status struct {
	CoordinatorID        string                 `json:"coordinator_id"`
	SystemHealth         float64                `json:"system_health"`
	ActiveAgents         int                    `json:"active_agents"`
	TotalAgents          int                    `json:"total_agents"`
	RoutingEfficiency    float64                `json:"routing_efficiency"`
	WorkflowSuccessRate  float64                `json:"workflow_success_rate"`
	ConsensusEfficiency  float64                `json:"consensus_efficiency"`
	AvgCoordinationScore float64                `json:"avg_coordination_score"`
	AnomaliesLastHour    int                    `json:"anomalies_last_hour"`
	Opportunities        int                    `json:"optimization_opportunities"`
	Trends               analytics.Trends       `json:"performance_trends"`
	TopIssues            []analytics.Bottleneck `json:"top_issues"`
	OpenProposals        int                    `json:"open_proposals"`
	RunningWorkflows     int                    `json:"running_workflows"`
	ActiveCoordinations  int                    `json:"active_coordinations"`
}

// Status reports the aggregate state of the coordination layer.
func (c *Coordinator) Status() Status {
	an := c.deps.Analyzer
	total, active := c.deps.Registry.Count()
	var sum float64
	profiles := c.deps.Registry.Profiles()
	for _, p := range profiles {
		sum += p.CoordinationScore
	}
	avgScore := 0.0
	if len(profiles) > 0 {
		avgScore = sum / float64(len(profiles))
	}
	issues := an.Bottlenecks()
	if len(issues) > 3 {
		issues = issues[:3]
	}
	return Status{
		CoordinatorID:        c.cfg.ID,
		SystemHealth:         an.SystemHealth(),
		ActiveAgents:         active,
		TotalAgents:          total,
		RoutingEfficiency:    c.deps.Router.AverageEfficiency(),
		WorkflowSuccessRate:  c.deps.Workflows.SuccessRate(),
		ConsensusEfficiency:  c.deps.Consensus.Efficiency(),
		AvgCoordinationScore: avgScore,
		AnomaliesLastHour:    len(an.Anomalies().Since(c.deps.Clock.Now().Add(-time.Hour))),
		Opportunities:        len(an.Opportunities()),
		Trends:               an.Trends(),
		TopIssues:            issues,
		OpenProposals:        len(c.deps.Consensus.List(domain.ProposalVoting)),
		RunningWorkflows:     len(c.deps.Workflows.List(domain.ExecutionRunning)),
		ActiveCoordinations:  len(c.Coordinations(domain.CoordinationInProgress)),
	}
}
