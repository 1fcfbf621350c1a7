package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"a2a-coordinator/internal/domain"
	"a2a-coordinator/internal/usecase/coordinator"
)

// StatusSource reports coordinator health.
type StatusSource interface {
	Status() coordinator.Status
	HealthReport() coordinator.HealthReport
}

// Coordination is the coordinator surface used by the RPC methods.
type Coordination interface {
	StatusSource
	HandleMessage(ctx context.Context, msg domain.Message) (*coordinator.Result, error)
	PerformanceReport(q domain.PerformanceQuery) (any, error)
}

// Consensus proposes and votes.
type Consensus interface {
	Propose(ctx context.Context, req domain.ProposalRequest) (domain.ConsensusProposal, error)
	Vote(ctx context.Context, sub domain.VoteSubmission) (domain.ConsensusProposal, error)
}

// Workflows triggers executions and reports task progress.
type Workflows interface {
	Trigger(ctx context.Context, trig domain.WorkflowTrigger) (domain.WorkflowExecution, error)
	CompleteStep(ctx context.Context, progress domain.TaskProgress, agentID string) (domain.WorkflowExecution, error)
	Get(execID string) (domain.WorkflowExecution, error)
}

// HandlerDeps are the collaborators behind the RPC methods and HTTP routes.
type HandlerDeps struct {
	Coordinator Coordination
	Consensus   Consensus
	Workflows   Workflows
}

// RegisterHTTPRoutes mounts the operator endpoints and installs the
// controller as the fallback for every other path.
func RegisterHTTPRoutes(s *Server, c *Controller, status StatusSource) {
	startTime := time.Now()
	s.RegisterHTTPRoute("/api/gateway/stats", statsHandler(c))
	s.RegisterHTTPRoute("/api/gateway/routes", routesHandler(c))
	s.RegisterHTTPRoute("/metrics", metricsHandler(c, status, startTime))
	if status != nil {
		s.RegisterHTTPRoute("/healthz", healthHandler(status))
		s.RegisterHTTPRoute("/api/coordinator/status", coordinatorStatusHandler(status))
	}
	s.SetFallback(c)
}

// RegisterDefaultHandlers registers the built-in RPC methods. Methods whose
// collaborator is nil are left out.
func RegisterDefaultHandlers(s *Server, deps HandlerDeps) {
	if deps.Coordinator != nil {
		s.RegisterHandler("message.send", messageSendHandler(deps))
		s.RegisterHandler("performance.query", performanceQueryHandler(deps))
		s.RegisterHandler("coordinator.status", coordinatorStatusRPC(deps))
	}
	if deps.Consensus != nil {
		s.RegisterHandler("consensus.propose", consensusProposeHandler(deps))
		s.RegisterHandler("consensus.vote", consensusVoteHandler(deps))
	}
	if deps.Workflows != nil {
		s.RegisterHandler("workflow.trigger", workflowTriggerHandler(deps))
		s.RegisterHandler("workflow.progress", workflowProgressHandler(deps))
	}
}

// callerID is the agent a client acts as: its authenticated agent ID, else
// its name.
func callerID(client *ClientInfo) string {
	if client.AgentID != "" {
		return client.AgentID
	}
	return client.Name
}

// --- messages ---

func messageSendHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var msg domain.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		if msg.MessageType == "" {
			return nil, domain.ErrRPCInvalidPayload
		}
		if msg.FromAgent == "" || client.Method == AuthAgent {
			msg.FromAgent = callerID(client)
		}
		res, err := deps.Coordinator.HandleMessage(ctx, msg)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	}
}

func performanceQueryHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var q domain.PerformanceQuery
		if err := json.Unmarshal(payload, &q); err != nil || q.QueryType == "" {
			return nil, domain.ErrRPCInvalidPayload
		}
		report, err := deps.Coordinator.PerformanceReport(q)
		if err != nil {
			return nil, err
		}
		return json.Marshal(report)
	}
}

func coordinatorStatusRPC(deps HandlerDeps) RPCHandler {
	return func(context.Context, *ClientInfo, json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(deps.Coordinator.Status())
	}
}

// --- consensus ---

func consensusProposeHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req domain.ProposalRequest
		if err := json.Unmarshal(payload, &req); err != nil || req.ProposalType == "" {
			return nil, domain.ErrRPCInvalidPayload
		}
		if req.Proposer == "" || client.Method == AuthAgent {
			req.Proposer = callerID(client)
		}
		p, err := deps.Consensus.Propose(ctx, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(p)
	}
}

func consensusVoteHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var sub domain.VoteSubmission
		if err := json.Unmarshal(payload, &sub); err != nil || sub.ProposalID == "" {
			return nil, domain.ErrRPCInvalidPayload
		}
		switch {
		case client.Method == AuthAgent && sub.VoterID != "" && sub.VoterID != client.AgentID:
			return nil, domain.NewSubSystemError("gateway", "consensus.vote", domain.ErrPermissionDenied, "agents vote only for themselves")
		case sub.VoterID == "":
			sub.VoterID = callerID(client)
		}
		p, err := deps.Consensus.Vote(ctx, sub)
		if err != nil {
			return nil, err
		}
		return json.Marshal(p)
	}
}

// --- workflows ---

func workflowTriggerHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var trig domain.WorkflowTrigger
		if err := json.Unmarshal(payload, &trig); err != nil || trig.WorkflowID == "" {
			return nil, domain.ErrRPCInvalidPayload
		}
		e, err := deps.Workflows.Trigger(ctx, trig)
		if err != nil {
			return nil, err
		}
		return json.Marshal(e)
	}
}

type workflowProgressRequest struct {
	domain.TaskProgress
	AgentID string `json:"agent_id,omitempty"`
}

// workflowProgressHandler records a completed task when task_id is set and
// otherwise returns the execution as it stands.
func workflowProgressHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req workflowProgressRequest
		if err := json.Unmarshal(payload, &req); err != nil || req.ExecutionID == "" {
			return nil, domain.ErrRPCInvalidPayload
		}
		if req.TaskID == "" {
			e, err := deps.Workflows.Get(req.ExecutionID)
			if err != nil {
				return nil, err
			}
			return json.Marshal(e)
		}
		if req.AgentID == "" || client.Method == AuthAgent {
			req.AgentID = callerID(client)
		}
		e, err := deps.Workflows.CompleteStep(ctx, req.TaskProgress, req.AgentID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(e)
	}
}

// --- HTTP ---

// healthHandler serves GET /healthz; unhealthy maps to 503.
func healthHandler(status StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h := status.HealthReport()
		code := http.StatusOK
		if h.Status == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, h)
	}
}

// coordinatorStatusHandler serves GET /api/coordinator/status.
func coordinatorStatusHandler(status StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, status.Status())
	}
}
