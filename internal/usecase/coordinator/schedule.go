package coordinator

import (
	"context"

	"a2a-coordinator/internal/usecase/scheduling"
)

// DefaultTasks returns the stock maintenance schedule. The rate-window reap
// is registered by the gateway owner.
func DefaultTasks() []scheduling.ScheduledTask {
	return []scheduling.ScheduledTask{
		{Name: "deadline-sweep", Schedule: "1s", Action: scheduling.ActionDeadlineSweep},
		{Name: "performance-analysis", Schedule: "1m", Action: scheduling.ActionPerformanceAnalyze},
		{Name: "load-balancing", Schedule: "2m", Action: scheduling.ActionLoadRebalance},
		{Name: "anomaly-detection", Schedule: "5m", Action: scheduling.ActionAnomalyScan},
		{Name: "agent-discovery", Schedule: "30s", Action: scheduling.ActionAgentDiscovery},
		{Name: "retention-reap", Schedule: "*/10 * * * *", Action: scheduling.ActionRetentionReap},
	}
}

// RegisterActions binds the coordinator's maintenance work to the scheduler.
func (c *Coordinator) RegisterActions(s *scheduling.Scheduler) {
	s.RegisterAction(scheduling.ActionDeadlineSweep, func(ctx context.Context) error {
		if n := c.deps.Deadlines.Fire(ctx); n > 0 {
			c.deps.Logger.Debug("deadlines fired", "count", n)
		}
		return nil
	})
	s.RegisterAction(scheduling.ActionAnomalyScan, func(ctx context.Context) error {
		c.deps.Analyzer.DetectAnomalies(ctx)
		return nil
	})
	s.RegisterAction(scheduling.ActionPerformanceAnalyze, func(ctx context.Context) error {
		c.deps.Analyzer.Analyze(ctx)
		return nil
	})
	s.RegisterAction(scheduling.ActionLoadRebalance, func(ctx context.Context) error {
		c.deps.Analyzer.Rebalance(ctx)
		return nil
	})
	s.RegisterAction(scheduling.ActionAgentDiscovery, c.sweepAgents)
	s.RegisterAction(scheduling.ActionRetentionReap, func(ctx context.Context) error {
		c.Reap()
		return nil
	})
}

// Reap evicts finished proposals, executions and coordinations past the
// retention window and prunes long-inactive agent profiles.
func (c *Coordinator) Reap() {
	proposals := c.deps.Consensus.Reap(c.cfg.Retention)
	executions := c.deps.Workflows.Reap(c.cfg.Retention)
	rounds := c.reap(c.cfg.Retention)
	agents := c.deps.Registry.Prune(c.cfg.AgentRetention)
	if proposals+executions+rounds+len(agents) > 0 {
		c.deps.Logger.Info("retention reap",
			"proposals", proposals,
			"executions", executions,
			"coordinations", rounds,
			"agents", len(agents),
		)
	}
}
