package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket/wsjson"

	"a2a-coordinator/internal/domain"
	"a2a-coordinator/internal/usecase/coordinator"
)

type fakeCoordinator struct {
	mu     sync.Mutex
	msgs   []domain.Message
	health string
}

func (f *fakeCoordinator) HandleMessage(_ context.Context, msg domain.Message) (*coordinator.Result, error) {
	f.mu.Lock()
	f.msgs = append(f.msgs, msg)
	f.mu.Unlock()
	return &coordinator.Result{MessageID: "m-1", Type: msg.MessageType}, nil
}

func (f *fakeCoordinator) PerformanceReport(q domain.PerformanceQuery) (any, error) {
	if q.QueryType != domain.QuerySystemPerformance {
		return nil, domain.ErrUnknownQuery
	}
	return map[string]float64{"system_health": 0.9}, nil
}

func (f *fakeCoordinator) Status() coordinator.Status {
	return coordinator.Status{CoordinatorID: "coord", ActiveAgents: 2, TotalAgents: 3}
}

func (f *fakeCoordinator) HealthReport() coordinator.HealthReport {
	return coordinator.HealthReport{CoordinatorID: "coord", Status: f.health}
}

type fakeConsensus struct {
	votes []domain.VoteSubmission
}

func (f *fakeConsensus) Propose(_ context.Context, req domain.ProposalRequest) (domain.ConsensusProposal, error) {
	return domain.ConsensusProposal{ProposalID: "p-1", ProposalType: req.ProposalType, Proposer: req.Proposer}, nil
}

func (f *fakeConsensus) Vote(_ context.Context, sub domain.VoteSubmission) (domain.ConsensusProposal, error) {
	f.votes = append(f.votes, sub)
	return domain.ConsensusProposal{ProposalID: sub.ProposalID}, nil
}

type fakeWorkflows struct {
	completed []string
}

func (f *fakeWorkflows) Trigger(_ context.Context, trig domain.WorkflowTrigger) (domain.WorkflowExecution, error) {
	if trig.WorkflowID == "missing" {
		return domain.WorkflowExecution{}, domain.ErrWorkflowNotFound
	}
	return domain.WorkflowExecution{ExecutionID: "e-1", WorkflowID: trig.WorkflowID}, nil
}

func (f *fakeWorkflows) CompleteStep(_ context.Context, p domain.TaskProgress, agentID string) (domain.WorkflowExecution, error) {
	f.completed = append(f.completed, p.TaskID+"@"+agentID)
	return domain.WorkflowExecution{ExecutionID: p.ExecutionID}, nil
}

func (f *fakeWorkflows) Get(id string) (domain.WorkflowExecution, error) {
	return domain.WorkflowExecution{ExecutionID: id}, nil
}

func rpc(t *testing.T, h RPCHandler, client *ClientInfo, payload string) (json.RawMessage, error) {
	t.Helper()
	return h(context.Background(), client, json.RawMessage(payload))
}

func TestRPCOverWebSocket(t *testing.T) {
	bus := &testBus{}
	srv := startTestServer(t, bus)
	coord := &fakeCoordinator{health: "healthy"}
	RegisterDefaultHandlers(srv, HandlerDeps{Coordinator: coord})

	ws := dialWS(t, srv.BoundAddr(), "test-token")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req := Frame{
		Type:    FrameTypeRequest,
		ID:      7,
		Method:  "message.send",
		Payload: json.RawMessage(`{"to_agent":"broadcast","message_type":"health_check"}`),
	}
	require.NoError(t, wsjson.Write(ctx, ws, req))

	var resp Frame
	require.NoError(t, wsjson.Read(ctx, ws, &resp))
	assert.Equal(t, FrameTypeResponse, resp.Type)
	assert.Equal(t, uint64(7), resp.ID)
	assert.Empty(t, resp.Error)

	var res coordinator.Result
	require.NoError(t, json.Unmarshal(resp.Payload, &res))
	assert.Equal(t, domain.MsgHealthCheck, res.Type)

	coord.mu.Lock()
	defer coord.mu.Unlock()
	require.Len(t, coord.msgs, 1)
	assert.Equal(t, "tester", coord.msgs[0].FromAgent)
}

func TestMessageSendAgentCannotSpoofSender(t *testing.T) {
	coord := &fakeCoordinator{}
	h := messageSendHandler(HandlerDeps{Coordinator: coord})

	_, err := rpc(t, h, &ClientInfo{Name: "a", Method: AuthAgent, AgentID: "a"}, `{"from_agent":"b","message_type":"health_check"}`)
	require.NoError(t, err)
	assert.Equal(t, "a", coord.msgs[0].FromAgent)

	_, err = rpc(t, h, &ClientInfo{Name: "ops", Method: AuthAPIKey}, `{"from_agent":"b","message_type":"health_check"}`)
	require.NoError(t, err)
	assert.Equal(t, "b", coord.msgs[1].FromAgent)

	_, err = rpc(t, h, &ClientInfo{Name: "ops"}, `{"from_agent":"b"}`)
	assert.ErrorIs(t, err, domain.ErrRPCInvalidPayload)
}

func TestConsensusRPC(t *testing.T) {
	cons := &fakeConsensus{}
	deps := HandlerDeps{Consensus: cons}

	out, err := rpc(t, consensusProposeHandler(deps), &ClientInfo{Name: "ops", Method: AuthAPIKey}, `{"proposal_type":"resource_allocation"}`)
	require.NoError(t, err)
	var p domain.ConsensusProposal
	require.NoError(t, json.Unmarshal(out, &p))
	assert.Equal(t, "ops", p.Proposer)

	_, err = rpc(t, consensusProposeHandler(deps), &ClientInfo{Name: "ops"}, `{}`)
	assert.ErrorIs(t, err, domain.ErrRPCInvalidPayload)

	agent := &ClientInfo{Name: "a", Method: AuthAgent, AgentID: "a"}
	_, err = rpc(t, consensusVoteHandler(deps), agent, `{"proposal_id":"p-1","voter_id":"b","decision":"approve"}`)
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	_, err = rpc(t, consensusVoteHandler(deps), agent, `{"proposal_id":"p-1","decision":"approve"}`)
	require.NoError(t, err)
	require.Len(t, cons.votes, 1)
	assert.Equal(t, "a", cons.votes[0].VoterID)
	assert.Equal(t, domain.DecisionApprove, cons.votes[0].Decision)
}

func TestWorkflowRPC(t *testing.T) {
	wf := &fakeWorkflows{}
	deps := HandlerDeps{Workflows: wf}
	client := &ClientInfo{Name: "a", Method: AuthAgent, AgentID: "a"}

	out, err := rpc(t, workflowTriggerHandler(deps), client, `{"workflow_id":"ingest"}`)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"e-1"`)

	_, err = rpc(t, workflowTriggerHandler(deps), client, `{"workflow_id":"missing"}`)
	assert.ErrorIs(t, err, domain.ErrWorkflowNotFound)

	out, err = rpc(t, workflowProgressHandler(deps), client, `{"execution_id":"e-1"}`)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"e-1"`)
	assert.Empty(t, wf.completed)

	_, err = rpc(t, workflowProgressHandler(deps), client, `{"execution_id":"e-1","task_id":"fetch","agent_id":"z"}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"fetch@a"}, wf.completed)
}

func TestPerformanceQueryRPC(t *testing.T) {
	deps := HandlerDeps{Coordinator: &fakeCoordinator{}}
	client := &ClientInfo{Name: "ops"}

	out, err := rpc(t, performanceQueryHandler(deps), client, `{"query_type":"system_performance"}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"system_health":0.9}`, string(out))

	_, err = rpc(t, performanceQueryHandler(deps), client, `{"query_type":"nope"}`)
	assert.True(t, errors.Is(err, domain.ErrUnknownQuery))

	_, err = rpc(t, performanceQueryHandler(deps), client, `not json`)
	assert.ErrorIs(t, err, domain.ErrRPCInvalidPayload)
}

func TestHealthAndStatusRoutes(t *testing.T) {
	coord := &fakeCoordinator{health: "unhealthy"}
	srv := NewServer(&testBus{}, newTestAuth(), "127.0.0.1:0", nil)
	c := NewController(Config{}, ControllerDeps{})
	RegisterHTTPRoutes(srv, c, coord)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/coordinator/status")
	require.NoError(t, err)
	var st coordinator.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	assert.Equal(t, 2, st.ActiveAgents)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")

	// Unregistered paths fall through to the controller.
	resp, err = http.Get(ts.URL + "/api/functions/sharpe_ratio")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "api-gateway", resp.Header.Get("X-Gateway-Agent"))
}
