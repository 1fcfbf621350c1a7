package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"a2a-coordinator/internal/domain"
	"a2a-coordinator/internal/infra/tracer"
)

// Result is the outcome of handling one message.
type Result struct {
	MessageID string                 `json:"message_id"`
	Type      domain.MessageType     `json:"message_type"`
	Decision  domain.RoutingDecision `json:"decision"`
	Duration  time.Duration          `json:"duration"`
	Value     any                    `json:"result,omitempty"`
}

func (c *Coordinator) consumeMessages(ctx context.Context, ch <-chan domain.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			var msg domain.Message
			if err := ev.Record.Decode(&msg); err != nil {
				c.deps.Logger.Debug("skipping undecodable message", "id", ev.Record.ID, "error", err)
				continue
			}
			if msg.ID == "" {
				msg.ID = ev.Record.ID
			}
			if msg.FromAgent == c.cfg.ID {
				continue
			}
			select {
			case c.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				defer func() { <-c.sem }()
				if _, err := c.HandleMessage(ctx, msg); err != nil {
					c.deps.Logger.Warn("message handling failed",
						"message_id", msg.ID,
						"message_type", string(msg.MessageType),
						"from", msg.FromAgent,
						"error", err,
					)
				}
			}()
		}
	}
}

// HandleMessage tracks, routes and dispatches one inbound message by type and
// feeds the handling time and outcome back into the router. Messages sent by
// the coordinator itself are ignored and yield a nil Result.
func (c *Coordinator) HandleMessage(ctx context.Context, msg domain.Message) (*Result, error) {
	if msg.FromAgent == c.cfg.ID {
		return nil, nil
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = c.deps.Clock.Now()
	}
	ctx, span := tracer.StartSpan(ctx, "coordinator.handle")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("message_type", string(msg.MessageType)),
		tracer.StringAttr("from", msg.FromAgent),
	)

	start := time.Now()
	res := &Result{MessageID: msg.ID, Type: msg.MessageType}

	if !c.handles(msg.MessageType) {
		dr, err := c.deps.Broker.Deliver(ctx, msg)
		res.Duration = time.Since(start)
		if dr != nil {
			res.Decision = dr.Decision
			res.Value = dr
		}
		if err != nil {
			tracer.RecordError(span, err)
			return res, err
		}
		tracer.SetOK(span)
		return res, nil
	}

	c.deps.Registry.TrackMessage(msg.FromAgent, msg.ToAgent)
	res.Decision = c.deps.Router.Route(ctx, msg)

	var err error
	res.Value, err = c.dispatch(ctx, msg, res.Decision)
	res.Duration = time.Since(start)

	if t := msg.ToAgent; t != "" && t != domain.BroadcastTarget && t != c.cfg.ID && c.deps.Registry.Has(t) {
		c.deps.Router.RecordOutcome(t, res.Duration, err == nil)
	}
	if err != nil {
		tracer.RecordError(span, err)
		return res, err
	}
	tracer.SetOK(span)
	return res, nil
}

func (c *Coordinator) handles(t domain.MessageType) bool {
	switch t {
	case domain.MsgCoordinationRequest, domain.MsgCoordinationResponse,
		domain.MsgWorkflowTrigger, domain.MsgTaskProgress,
		domain.MsgConsensusProposal, domain.MsgConsensusVote,
		domain.MsgPerformanceQuery, domain.MsgHealthCheck:
		return true
	}
	return false
}

func (c *Coordinator) dispatch(ctx context.Context, msg domain.Message, decision domain.RoutingDecision) (any, error) {
	switch msg.MessageType {
	case domain.MsgCoordinationRequest:
		var req domain.CoordinationRequest
		if err := decode(msg, &req); err != nil {
			return nil, err
		}
		if len(req.AgentsInvolved) == 0 && decision.SelectedAgent != "" && c.deps.Registry.Has(decision.SelectedAgent) {
			req.AgentsInvolved = []string{decision.SelectedAgent}
		}
		return c.Coordinate(ctx, req, msg.FromAgent)

	case domain.MsgCoordinationResponse:
		var resp domain.CoordinationResponse
		if err := decode(msg, &resp); err != nil {
			return nil, err
		}
		return c.Respond(ctx, resp, msg.FromAgent)

	case domain.MsgWorkflowTrigger:
		var trig domain.WorkflowTrigger
		if err := decode(msg, &trig); err != nil {
			return nil, err
		}
		return c.deps.Workflows.Trigger(ctx, trig)

	case domain.MsgTaskProgress:
		var p domain.TaskProgress
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		return c.deps.Workflows.CompleteStep(ctx, p, msg.FromAgent)

	case domain.MsgConsensusProposal:
		var req domain.ProposalRequest
		if err := decode(msg, &req); err != nil {
			return nil, err
		}
		if req.Proposer == "" {
			req.Proposer = msg.FromAgent
		}
		return c.deps.Consensus.Propose(ctx, req)

	case domain.MsgConsensusVote:
		var sub domain.VoteSubmission
		if err := decode(msg, &sub); err != nil {
			return nil, err
		}
		if sub.VoterID == "" {
			sub.VoterID = msg.FromAgent
		}
		return c.deps.Consensus.Vote(ctx, sub)

	case domain.MsgPerformanceQuery:
		var q domain.PerformanceQuery
		if err := decode(msg, &q); err != nil {
			return nil, err
		}
		return c.answerQuery(ctx, q, msg.FromAgent)

	case domain.MsgHealthCheck:
		report := c.HealthReport()
		if msg.FromAgent != "" {
			c.send(ctx, msg.FromAgent, domain.MsgHealthReport, domain.PriorityNormal, report)
		}
		return report, nil
	}
	return nil, domain.NewDomainError("Coordinator.dispatch", domain.ErrInvalidInput, string(msg.MessageType))
}

// answerQuery replies to the sender with a performance_report. Unknown query
// types get a report carrying the error.
func (c *Coordinator) answerQuery(ctx context.Context, q domain.PerformanceQuery, from string) (any, error) {
	report, err := c.PerformanceReport(q)
	payload := map[string]any{
		"query_type":   q.QueryType,
		"generated_at": c.deps.Clock.Now(),
	}
	if err != nil {
		payload["error"] = err.Error()
	} else {
		payload["report"] = report
	}
	if from != "" {
		c.send(ctx, from, domain.MsgPerformanceReport, domain.PriorityNormal, payload)
	}
	return report, err
}

func decode(msg domain.Message, v any) error {
	if len(msg.Payload) == 0 {
		return domain.NewDomainError("Coordinator.decode", domain.ErrInvalidInput, "empty payload for "+string(msg.MessageType))
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return domain.NewDomainError("Coordinator.decode", domain.ErrInvalidInput, err.Error())
	}
	return nil
}
