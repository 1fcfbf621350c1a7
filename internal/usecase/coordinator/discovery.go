package coordinator

import (
	"context"

	"a2a-coordinator/internal/domain"
)

// Discover registers every active agent in the agents table that the registry
// has not seen yet. Known agents are refreshed through the change feed so a
// periodic discovery never masks a silent agent. It returns the number of new
// profiles.
func (c *Coordinator) Discover(ctx context.Context) (int, error) {
	recs, err := c.deps.Store.Query(ctx, domain.TableAgents, domain.Filter{"status": string(domain.HealthActive)})
	if err != nil {
		return 0, domain.WrapOp("Coordinator.Discover", err)
	}
	added := 0
	for _, r := range recs {
		var a domain.AgentRecord
		if err := r.Decode(&a); err != nil {
			c.deps.Logger.Debug("skipping undecodable agent record", "id", r.ID, "error", err)
			continue
		}
		if a.AgentID == "" {
			a.AgentID = r.ID
		}
		if a.AgentID == c.cfg.ID || c.deps.Registry.Has(a.AgentID) {
			continue
		}
		if c.deps.Registry.UpsertProfile(ctx, a) {
			added++
		}
	}
	if added > 0 {
		c.deps.Logger.Info("agents discovered", "new", added, "known", len(c.deps.Registry.Profiles()))
	}
	return added, nil
}

// watchAgents applies agent record changes to the registry. An inactive
// record for an unknown agent is ignored.
func (c *Coordinator) watchAgents(ctx context.Context, ch <-chan domain.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.applyAgentChange(ctx, ev)
		}
	}
}

func (c *Coordinator) applyAgentChange(ctx context.Context, ev domain.ChangeEvent) {
	var a domain.AgentRecord
	if err := ev.Record.Decode(&a); err != nil {
		c.deps.Logger.Debug("skipping undecodable agent change", "id", ev.Record.ID, "error", err)
		return
	}
	if a.AgentID == "" {
		a.AgentID = ev.Record.ID
	}
	if a.AgentID == c.cfg.ID {
		return
	}
	if !c.deps.Registry.Has(a.AgentID) && a.Status != string(domain.HealthActive) {
		return
	}
	c.deps.Registry.UpsertProfile(ctx, a)
}

// sweepAgents discovers new agents and marks silent ones inactive.
func (c *Coordinator) sweepAgents(ctx context.Context) error {
	_, err := c.Discover(ctx)
	if stale := c.deps.Registry.MarkStale(ctx, c.cfg.StaleAfter); len(stale) > 0 {
		c.deps.Logger.Info("agents marked inactive", "agents", stale)
	}
	return err
}
