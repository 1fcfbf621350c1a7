package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"a2a-coordinator/internal/domain"
	"a2a-coordinator/internal/usecase/multiagent"
	"a2a-coordinator/internal/usecase/scheduling"
)

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type sentMessage struct {
	to       string
	t        domain.MessageType
	priority domain.Priority
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (n *fakeNotifier) Send(_ context.Context, to string, t domain.MessageType, p domain.Priority, _ any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentMessage{to: to, t: t, priority: p})
	return nil
}

func (n *fakeNotifier) of(t domain.MessageType) []sentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []sentMessage
	for _, m := range n.sent {
		if m.t == t {
			out = append(out, m)
		}
	}
	return out
}

type anomalySink struct {
	mu   sync.Mutex
	seen []domain.Anomaly
}

func (s *anomalySink) Record(_ context.Context, a domain.Anomaly) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, a)
}

func (s *anomalySink) count(t domain.AnomalyType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.seen {
		if a.Type == t {
			n++
		}
	}
	return n
}

type harness struct {
	orch      *Orchestrator
	catalog   *Catalog
	registry  *multiagent.Registry
	deadlines *scheduling.DeadlineQueue
	clock     *domain.ManualClock
	notifier  *fakeNotifier
	anomalies *anomalySink
	store     *recordStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := domain.NewManualClock(t0)
	reg := multiagent.NewRegistry(multiagent.DefaultScoringConfig(), clock, nil, nil)
	h := &harness{
		catalog:   NewCatalog(nil),
		registry:  reg,
		deadlines: scheduling.NewDeadlineQueue(clock),
		clock:     clock,
		notifier:  &fakeNotifier{},
		anomalies: &anomalySink{},
		store:     &recordStore{},
	}
	h.orch = NewOrchestrator(DefaultConfig(), Deps{
		Registry:  reg,
		Deadlines: h.deadlines,
		Catalog:   h.catalog,
		Notifier:  h.notifier,
		Store:     h.store,
		Anomalies: h.anomalies,
		Clock:     clock,
	})
	return h
}

func (h *harness) addAgent(id string) {
	h.registry.UpsertProfile(context.Background(), domain.AgentRecord{
		AgentID: id, Status: "active", Capabilities: []string{"workflow_execution"},
	})
}

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.deadlines.Fire(context.Background())
}

func fourTasks() []domain.WorkflowTask {
	return []domain.WorkflowTask{
		{ID: "fetch"}, {ID: "clean"},
		{ID: "score", Dependencies: []string{"fetch", "clean"}},
		{ID: "report", Dependencies: []string{"score"}},
	}
}

func TestTriggerBuildsPlan(t *testing.T) {
	h := newHarness(t)
	h.addAgent("a")
	h.addAgent("b")
	h.addAgent("c")
	require.NoError(t, h.catalog.Register(domain.WorkflowDefinition{ID: "wf", Tasks: fourTasks(), AssociatedAgents: []string{"a", "b"}}))

	e, err := h.orch.Trigger(context.Background(), domain.WorkflowTrigger{WorkflowID: "wf"})
	require.NoError(t, err)

	assert.Equal(t, domain.ExecutionRunning, e.Status)
	assert.Equal(t, 4, e.TotalSteps)
	assert.Equal(t, time.Minute, e.Plan.PredictedDuration)
	assert.Equal(t, [][]string{{"fetch", "clean"}}, e.Plan.ParallelGroups)
	assert.Len(t, e.Plan.Checkpoints, 4)

	require.Len(t, e.Plan.AgentAssignments, 2, "only associated agents are assigned")
	notified := 0
	for _, a := range e.Plan.AgentAssignments {
		assert.InDelta(t, 0.5, a.Experience, 1e-9)
		assert.Equal(t, ShouldNotify(a.CombinedScore, a.Load), a.Notify)
		if a.Notify {
			notified++
		}
	}
	assert.Len(t, h.notifier.of(domain.MsgWorkflowAssignment), notified)

	assert.True(t, h.deadlines.Pending(keyPrefix(e.ExecutionID)+"timeout"))
	assert.Len(t, h.store.records[domain.TableWorkflowExecutions], 1)
}

func TestTriggerErrors(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.catalog.Register(domain.WorkflowDefinition{
		ID:          "strict",
		Tasks:       []domain.WorkflowTask{{ID: "a"}},
		InputSchema: json.RawMessage(`{"type":"object","required":["portfolio"]}`),
	}))

	_, err := h.orch.Trigger(context.Background(), domain.WorkflowTrigger{WorkflowID: "missing"})
	assert.True(t, errors.Is(err, domain.ErrWorkflowNotFound))

	_, err = h.orch.Trigger(context.Background(), domain.WorkflowTrigger{WorkflowID: "strict", TriggerData: json.RawMessage(`{}`)})
	assert.True(t, errors.Is(err, domain.ErrTriggerInvalid))
	assert.Empty(t, h.orch.List(""))
}

func TestCompleteStepsToCompletion(t *testing.T) {
	h := newHarness(t)
	h.addAgent("a")
	require.NoError(t, h.catalog.Register(domain.WorkflowDefinition{ID: "wf", Tasks: fourTasks()}))
	ctx := context.Background()

	e, err := h.orch.Trigger(ctx, domain.WorkflowTrigger{WorkflowID: "wf"})
	require.NoError(t, err)

	for _, task := range []string{"fetch", "clean", "score"} {
		h.clock.Advance(5 * time.Second)
		got, err := h.orch.CompleteStep(ctx, domain.TaskProgress{ExecutionID: e.ExecutionID, TaskID: task}, "a")
		require.NoError(t, err)
		assert.Equal(t, domain.ExecutionRunning, got.Status)
	}

	_, err = h.orch.CompleteStep(ctx, domain.TaskProgress{ExecutionID: e.ExecutionID, TaskID: "fetch"}, "a")
	assert.True(t, errors.Is(err, domain.ErrDuplicate))
	_, err = h.orch.CompleteStep(ctx, domain.TaskProgress{ExecutionID: e.ExecutionID, TaskID: "nope"}, "a")
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))

	h.clock.Advance(5 * time.Second)
	final, err := h.orch.CompleteStep(ctx, domain.TaskProgress{ExecutionID: e.ExecutionID, TaskID: "report"}, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, final.Status)
	assert.Equal(t, t0.Add(20*time.Second), final.FinishedAt)

	assert.Zero(t, h.deadlines.Len(), "terminal executions cancel their deadlines")
	assert.Equal(t, 1.0, h.orch.SuccessRate())
	assert.Greater(t, h.orch.Experience("wf", "a"), 0.5)
	assert.Equal(t, 22*time.Second, h.orch.PredictedDuration("wf"))

	_, err = h.orch.CompleteStep(ctx, domain.TaskProgress{ExecutionID: e.ExecutionID, TaskID: "report"}, "a")
	assert.True(t, errors.Is(err, domain.ErrExecutionTerminal))
}

func TestFailedStepFailsExecution(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.catalog.Register(domain.WorkflowDefinition{ID: "wf", Tasks: fourTasks()}))
	ctx := context.Background()

	e, err := h.orch.Trigger(ctx, domain.WorkflowTrigger{WorkflowID: "wf"})
	require.NoError(t, err)

	failed := false
	final, err := h.orch.CompleteStep(ctx, domain.TaskProgress{ExecutionID: e.ExecutionID, TaskID: "fetch", Success: &failed}, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, final.Status)
	assert.Equal(t, 0.0, h.orch.SuccessRate())
	assert.Equal(t, time.Minute, h.orch.PredictedDuration("wf"), "failures do not feed the prediction")
}

func TestCheckpointRemediation(t *testing.T) {
	h := newHarness(t)
	h.addAgent("assigned")
	h.addAgent("idle")
	h.addAgent("busy")
	_, err := h.registry.AdjustWorkload("busy", 90)
	require.NoError(t, err)
	require.NoError(t, h.catalog.Register(domain.WorkflowDefinition{
		ID: "wf", Tasks: fourTasks(), AssociatedAgents: []string{"assigned", "ghost"},
	}))
	ctx := context.Background()

	e, err := h.orch.Trigger(ctx, domain.WorkflowTrigger{WorkflowID: "wf"})
	require.NoError(t, err)
	require.Len(t, e.Plan.AgentAssignments, 1, "unknown associated agents are skipped")

	// 25% checkpoint at 15s with nothing done.
	h.advance(15 * time.Second)

	assert.Equal(t, 1, h.anomalies.count(domain.AnomalyWorkflowDelay))
	reinforce := h.notifier.of(domain.MsgWorkflowReinforce)
	require.Len(t, reinforce, 1)
	assert.Equal(t, "idle", reinforce[0].to)
	assert.Equal(t, domain.PriorityHigh, reinforce[0].priority)

	got, err := h.orch.Get(e.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, []string{"idle"}, got.Reinforcements)
	assert.True(t, got.Plan.Checkpoints[0].Checked)
	assert.False(t, got.Plan.Checkpoints[0].OnTrack)

	// 50% checkpoint: the only idle agent is already reinforcing, so only
	// the anomaly is recorded.
	h.advance(15 * time.Second)
	assert.Equal(t, 2, h.anomalies.count(domain.AnomalyWorkflowDelay))
	assert.Len(t, h.notifier.of(domain.MsgWorkflowReinforce), 1)
}

func TestCheckpointRemediationWithoutAssociatedAgents(t *testing.T) {
	h := newHarness(t)
	h.addAgent("a")
	h.addAgent("b")
	require.NoError(t, h.catalog.Register(domain.WorkflowDefinition{ID: "wf", Tasks: fourTasks()}))
	ctx := context.Background()

	e, err := h.orch.Trigger(ctx, domain.WorkflowTrigger{WorkflowID: "wf"})
	require.NoError(t, err)
	assert.Empty(t, e.Plan.AgentAssignments)
	assert.Empty(t, h.notifier.of(domain.MsgWorkflowAssignment))

	h.advance(15 * time.Second)

	assert.Equal(t, 1, h.anomalies.count(domain.AnomalyWorkflowDelay))
	reinforce := h.notifier.of(domain.MsgWorkflowReinforce)
	require.Len(t, reinforce, 1)
	assert.Contains(t, []string{"a", "b"}, reinforce[0].to)

	got, err := h.orch.Get(e.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, []string{reinforce[0].to}, got.Reinforcements)

	// The second idle agent backs up the next late checkpoint.
	h.advance(15 * time.Second)
	reinforce = h.notifier.of(domain.MsgWorkflowReinforce)
	require.Len(t, reinforce, 2)
	assert.NotEqual(t, reinforce[0].to, reinforce[1].to)
}

func TestCheckpointOnTrack(t *testing.T) {
	h := newHarness(t)
	h.addAgent("idle")
	require.NoError(t, h.catalog.Register(domain.WorkflowDefinition{ID: "wf", Tasks: fourTasks(), AssociatedAgents: []string{"none"}}))
	ctx := context.Background()

	e, err := h.orch.Trigger(ctx, domain.WorkflowTrigger{WorkflowID: "wf"})
	require.NoError(t, err)
	_, err = h.orch.CompleteStep(ctx, domain.TaskProgress{ExecutionID: e.ExecutionID, TaskID: "fetch"}, "")
	require.NoError(t, err)

	h.advance(15 * time.Second)
	assert.Zero(t, h.anomalies.count(domain.AnomalyWorkflowDelay))
	assert.Empty(t, h.notifier.of(domain.MsgWorkflowReinforce))
}

func TestExecutionTimeout(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.catalog.Register(domain.WorkflowDefinition{ID: "wf", Tasks: fourTasks()}))
	ctx := context.Background()

	e, err := h.orch.Trigger(ctx, domain.WorkflowTrigger{WorkflowID: "wf"})
	require.NoError(t, err)

	h.advance(89 * time.Second)
	got, _ := h.orch.Get(e.ExecutionID)
	assert.Equal(t, domain.ExecutionRunning, got.Status)

	h.advance(time.Second)
	got, _ = h.orch.Get(e.ExecutionID)
	assert.Equal(t, domain.ExecutionTimeout, got.Status)
	assert.Equal(t, 1, h.anomalies.count(domain.AnomalyWorkflowTimeout))

	_, err = h.orch.CompleteStep(ctx, domain.TaskProgress{ExecutionID: e.ExecutionID, TaskID: "fetch"}, "")
	assert.True(t, errors.Is(err, domain.ErrExecutionTerminal))
}

func TestEmptyWorkflowCompletesImmediately(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.catalog.Register(domain.WorkflowDefinition{ID: "noop"}))

	e, err := h.orch.Trigger(context.Background(), domain.WorkflowTrigger{WorkflowID: "noop"})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, e.Status)
	assert.Zero(t, h.deadlines.Len())
}

func TestReapAndList(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.catalog.Register(domain.WorkflowDefinition{ID: "noop"}))
	require.NoError(t, h.catalog.Register(domain.WorkflowDefinition{ID: "wf", Tasks: fourTasks()}))
	ctx := context.Background()

	_, err := h.orch.Trigger(ctx, domain.WorkflowTrigger{WorkflowID: "noop"})
	require.NoError(t, err)
	_, err = h.orch.Trigger(ctx, domain.WorkflowTrigger{WorkflowID: "wf"})
	require.NoError(t, err)

	assert.Len(t, h.orch.List(""), 2)
	assert.Len(t, h.orch.List(domain.ExecutionRunning), 1)

	h.clock.Advance(time.Hour)
	assert.Equal(t, 1, h.orch.Reap(30*time.Minute))
	assert.Len(t, h.orch.List(""), 1)
}
