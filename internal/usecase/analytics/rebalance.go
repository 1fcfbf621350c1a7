package analytics

import (
	"context"
	"math"
	"sort"

	"a2a-coordinator/internal/domain"
	"a2a-coordinator/internal/infra/tracer"
)

// Transfer moves Amount units of workload from one agent to another.
type Transfer struct {
	From   string  `json:"from"`
	To     string  `json:"to"`
	Amount float64 `json:"amount"`
	Reason string  `json:"reason"`
}

type loadSlot struct {
	id   string
	util float64
	room float64 // excess for donors, free space for receivers
}

// RebalancePlan pairs overloaded agents with underloaded ones. Donors give up
// load above the target utilization, receivers take load up to it. The most
// loaded donor is served first and the idlest receiver fills first.
func (a *Analyzer) RebalancePlan() []Transfer {
	var over, under []*loadSlot
	for _, p := range a.deps.Registry.Active() {
		u := p.Utilization()
		target := p.WorkloadCapacity * a.cfg.TargetUtilization
		switch {
		case u > a.cfg.Overloaded:
			over = append(over, &loadSlot{id: p.AgentID, util: u, room: p.CurrentWorkload - target})
		case u < a.cfg.Underloaded:
			under = append(under, &loadSlot{id: p.AgentID, util: u, room: target - p.CurrentWorkload})
		}
	}
	sort.SliceStable(over, func(i, j int) bool { return over[i].util > over[j].util })
	sort.SliceStable(under, func(i, j int) bool { return under[i].util < under[j].util })

	var plan []Transfer
	for _, o := range over {
		for _, u := range under {
			if o.room <= 0 || u.room <= 0 {
				continue
			}
			amt := math.Min(o.room, u.room)
			plan = append(plan, Transfer{From: o.id, To: u.id, Amount: amt, Reason: "load_balancing"})
			o.room -= amt
			u.room -= amt
		}
	}
	return plan
}

// Rebalance executes a rebalancing plan when utilization spread exceeds the
// imbalance threshold. Each donor gets a load_transfer_request and both
// workloads are adjusted.
func (a *Analyzer) Rebalance(ctx context.Context) []Transfer {
	spread := a.WorkloadSpread()
	if spread <= a.cfg.ImbalanceSpread {
		return nil
	}
	plan := a.RebalancePlan()
	if len(plan) == 0 {
		return nil
	}

	ctx, span := tracer.StartSpan(ctx, "analytics.rebalance")
	defer span.End()
	a.deps.Logger.Info("executing load rebalancing", "transfers", len(plan), "spread", spread)

	now := a.deps.Clock.Now()
	for _, t := range plan {
		a.send(ctx, t.From, domain.MsgLoadTransferRequest, domain.PriorityNormal, map[string]any{
			"transfer_to":     t.To,
			"workload_amount": t.Amount,
			"reason":          t.Reason,
			"coordination_id": domain.NewID("rebal_", now),
		})
		if _, err := a.deps.Registry.AdjustWorkload(t.From, -t.Amount); err != nil {
			a.deps.Logger.Warn("adjust donor workload failed", "agent_id", t.From, "error", err)
			continue
		}
		if _, err := a.deps.Registry.AdjustWorkload(t.To, t.Amount); err != nil {
			a.deps.Logger.Warn("adjust receiver workload failed", "agent_id", t.To, "error", err)
		}
	}
	return plan
}
