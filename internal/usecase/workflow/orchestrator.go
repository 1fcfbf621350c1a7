// Package workflow turns workflow definitions into monitored executions.
//
// An execution is planned once per trigger: agents are scored for the
// workflow, tasks sharing a dependency list are grouped for parallel work and
// checkpoints are placed at 25/50/75/100% of the task list. Each checkpoint
// fires at the same share of the predicted duration and, when the execution
// lags, records a workflow_delay anomaly and asks one idle agent for help.
package workflow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"a2a-coordinator/internal/domain"
	"a2a-coordinator/internal/infra/tracer"
	"a2a-coordinator/internal/usecase/multiagent"
	"a2a-coordinator/internal/usecase/scheduling"
)

// Config tunes planning and monitoring.
type Config struct {
	DefaultPredicted  time.Duration // used when a workflow has no finished runs
	PredictionFactor  float64       // predicted = historical average × factor
	DefaultExperience float64
	ExperienceAlpha   float64
	BackupLoadBelow   float64 // reinforcement candidates must be under this utilization
	HistoryLimit      int     // finished durations remembered per workflow
}

// DefaultConfig returns the stock workflow settings.
func DefaultConfig() Config {
	return Config{
		DefaultPredicted:  time.Minute,
		PredictionFactor:  1.1,
		DefaultExperience: 0.5,
		ExperienceAlpha:   0.2,
		BackupLoadBelow:   0.5,
		HistoryLimit:      50,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DefaultPredicted <= 0 {
		c.DefaultPredicted = d.DefaultPredicted
	}
	if c.PredictionFactor <= 0 {
		c.PredictionFactor = d.PredictionFactor
	}
	if c.DefaultExperience <= 0 || c.DefaultExperience > 1 {
		c.DefaultExperience = d.DefaultExperience
	}
	if c.ExperienceAlpha <= 0 || c.ExperienceAlpha > 1 {
		c.ExperienceAlpha = d.ExperienceAlpha
	}
	if c.BackupLoadBelow <= 0 {
		c.BackupLoadBelow = d.BackupLoadBelow
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	return c
}

// Notifier sends coordinator messages to agents.
type Notifier interface {
	Send(ctx context.Context, to string, t domain.MessageType, priority domain.Priority, payload any) error
}

// Deps are the collaborators of an Orchestrator. Registry, Deadlines and
// Catalog are required.
type Deps struct {
	Registry  *multiagent.Registry
	Deadlines *scheduling.DeadlineQueue
	Catalog   *Catalog
	Notifier  Notifier
	Store     domain.Store
	Anomalies domain.AnomalyRecorder
	Bus       domain.EventBus
	Clock     domain.Clock
	Logger    *slog.Logger
}

type execState struct {
	mu       sync.Mutex
	e        domain.WorkflowExecution
	tasks    map[string]bool
	assigned map[string]bool
}

// Orchestrator owns workflow executions. Each execution has its own lock.
type Orchestrator struct {
	cfg  Config
	deps Deps

	mu         sync.RWMutex
	executions map[string]*execState

	histMu     sync.Mutex
	durations  map[string][]time.Duration    // workflow → completed durations
	experience map[string]map[string]float64 // workflow → agent → EMA
	finished   int
	succeeded  int
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg Config, deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	deps.Clock = domain.ClockOrSystem(deps.Clock)
	return &Orchestrator{
		cfg:        cfg.withDefaults(),
		deps:       deps,
		executions: make(map[string]*execState),
		durations:  make(map[string][]time.Duration),
		experience: make(map[string]map[string]float64),
	}
}

func keyPrefix(execID string) string { return "workflow/" + execID + "/" }

// Trigger plans and starts an execution of a known workflow.
func (o *Orchestrator) Trigger(ctx context.Context, trig domain.WorkflowTrigger) (domain.WorkflowExecution, error) {
	ctx, span := tracer.StartSpan(ctx, "workflow.trigger")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("workflow_id", trig.WorkflowID))

	def, err := o.deps.Catalog.Get(trig.WorkflowID)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.WorkflowExecution{}, err
	}
	if err := o.deps.Catalog.ValidateTrigger(trig.WorkflowID, trig.TriggerData); err != nil {
		tracer.RecordError(span, err)
		return domain.WorkflowExecution{}, err
	}

	now := o.deps.Clock.Now()
	predicted := o.PredictedDuration(def.ID)
	st := &execState{
		e: domain.WorkflowExecution{
			ExecutionID: domain.NewID("exec_", now),
			WorkflowID:  def.ID,
			TriggerData: trig.TriggerData,
			Plan: domain.ExecutionPlan{
				AgentAssignments:  o.assignAgents(def),
				ParallelGroups:    ParallelGroups(def.Tasks),
				Checkpoints:       Checkpoints(len(def.Tasks), predicted, now),
				PredictedDuration: predicted,
			},
			Status:     domain.ExecutionRunning,
			TotalSteps: len(def.Tasks),
			StartedAt:  now,
		},
		tasks:    make(map[string]bool, len(def.Tasks)),
		assigned: make(map[string]bool),
	}
	for _, t := range def.Tasks {
		st.tasks[t.ID] = true
	}
	for _, a := range st.e.Plan.AgentAssignments {
		st.assigned[a.AgentID] = true
	}
	id := st.e.ExecutionID

	o.mu.Lock()
	o.executions[id] = st
	o.mu.Unlock()

	span.SetAttributes(
		tracer.StringAttr("execution_id", id),
		tracer.IntAttr("tasks", len(def.Tasks)),
		tracer.IntAttr("assignments", len(st.e.Plan.AgentAssignments)),
	)
	o.deps.Logger.Info("workflow started",
		"workflow_id", def.ID, "execution_id", id, "tasks", len(def.Tasks), "predicted", predicted)

	if len(def.Tasks) == 0 {
		final, _ := o.finish(ctx, st, domain.ExecutionCompleted)
		tracer.SetOK(span)
		return final, nil
	}

	st.mu.Lock()
	snap := snapshot(&st.e)
	st.mu.Unlock()

	o.persist(ctx, snap)
	o.publish(ctx, domain.EventWorkflowStarted, snap)
	o.notifyAssignments(ctx, snap)

	for i, cp := range snap.Plan.Checkpoints {
		i := i
		o.deps.Deadlines.Schedule(fmt.Sprintf("%scheckpoint/%d", keyPrefix(id), i), cp.DueAt, func(ctx context.Context) {
			o.checkProgress(ctx, id, i)
		})
	}
	o.deps.Deadlines.Schedule(keyPrefix(id)+"timeout", now.Add(timeoutAfter(snap.Plan)), func(ctx context.Context) {
		o.expire(ctx, id)
	})

	tracer.SetOK(span)
	return snap, nil
}

// timeoutAfter is the predicted duration stretched by the final checkpoint's
// multiplier.
func timeoutAfter(p domain.ExecutionPlan) time.Duration {
	mult := 1.5
	if n := len(p.Checkpoints); n > 0 {
		mult = p.Checkpoints[n-1].TimeoutMultiplier
	}
	return time.Duration(float64(p.PredictedDuration) * mult)
}

// assignAgents scores the workflow's associated agents. Unknown agents are
// skipped; a workflow naming none starts unassigned and leaves every idle
// agent available as a backup.
func (o *Orchestrator) assignAgents(def domain.WorkflowDefinition) []domain.AgentAssignment {
	var profiles []domain.AgentProfile
	for _, id := range def.AssociatedAgents {
		if p, err := o.deps.Registry.Profile(id); err == nil {
			profiles = append(profiles, p)
		}
	}

	out := make([]domain.AgentAssignment, 0, len(profiles))
	for _, p := range profiles {
		perf, _ := o.deps.Registry.Score(p.AgentID)
		exp := o.Experience(def.ID, p.AgentID)
		combined := CombinedScore(perf, exp)
		load := p.Utilization()
		out = append(out, domain.AgentAssignment{
			AgentID:       p.AgentID,
			CombinedScore: combined,
			Performance:   perf,
			Experience:    exp,
			Load:          load,
			Notify:        ShouldNotify(combined, load),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CombinedScore > out[j].CombinedScore })
	return out
}

func (o *Orchestrator) notifyAssignments(ctx context.Context, e domain.WorkflowExecution) {
	if o.deps.Notifier == nil {
		return
	}
	for _, a := range e.Plan.AgentAssignments {
		if !a.Notify {
			continue
		}
		payload := map[string]any{
			"execution_id":      e.ExecutionID,
			"workflow_id":       e.WorkflowID,
			"role":              "executor",
			"performance_score": a.CombinedScore,
			"parallel_groups":   e.Plan.ParallelGroups,
			"checkpoints":       e.Plan.Checkpoints,
		}
		if err := o.deps.Notifier.Send(ctx, a.AgentID, domain.MsgWorkflowAssignment, domain.PriorityNormal, payload); err != nil {
			o.deps.Logger.Warn("workflow assignment failed", "execution_id", e.ExecutionID, "agent_id", a.AgentID, "error", err)
		}
	}
}

// CompleteStep records a finished task. A failed task fails the execution;
// the last successful task completes it.
func (o *Orchestrator) CompleteStep(ctx context.Context, progress domain.TaskProgress, agentID string) (domain.WorkflowExecution, error) {
	st, err := o.get(progress.ExecutionID)
	if err != nil {
		return domain.WorkflowExecution{}, err
	}
	success := progress.Success == nil || *progress.Success

	st.mu.Lock()
	if st.e.Status.Terminal() {
		st.mu.Unlock()
		return domain.WorkflowExecution{}, domain.NewSubSystemError("workflow", "Workflow.CompleteStep", domain.ErrExecutionTerminal, progress.ExecutionID)
	}
	if !st.tasks[progress.TaskID] {
		st.mu.Unlock()
		return domain.WorkflowExecution{}, domain.NewSubSystemError("workflow", "Workflow.CompleteStep", domain.ErrInvalidInput,
			fmt.Sprintf("unknown task %q", progress.TaskID))
	}
	for _, s := range st.e.CompletedSteps {
		if s.TaskID == progress.TaskID {
			st.mu.Unlock()
			return domain.WorkflowExecution{}, domain.NewSubSystemError("workflow", "Workflow.CompleteStep", domain.ErrDuplicate, progress.TaskID)
		}
	}
	st.e.CompletedSteps = append(st.e.CompletedSteps, domain.StepResult{
		TaskID:      progress.TaskID,
		AgentID:     agentID,
		Success:     success,
		CompletedAt: o.deps.Clock.Now(),
	})
	done := len(st.e.CompletedSteps) == st.e.TotalSteps
	workflowID := st.e.WorkflowID
	snap := snapshot(&st.e)
	st.mu.Unlock()

	if agentID != "" {
		o.learn(workflowID, agentID, success)
	}

	switch {
	case !success:
		final, _ := o.finish(ctx, st, domain.ExecutionFailed)
		return final, nil
	case done:
		final, _ := o.finish(ctx, st, domain.ExecutionCompleted)
		return final, nil
	}
	o.persist(ctx, snap)
	return snap, nil
}

// finish moves a running execution to a terminal status. It reports false
// when the execution had already finished.
func (o *Orchestrator) finish(ctx context.Context, st *execState, status domain.ExecutionStatus) (domain.WorkflowExecution, bool) {
	st.mu.Lock()
	if st.e.Status.Terminal() {
		snap := snapshot(&st.e)
		st.mu.Unlock()
		return snap, false
	}
	now := o.deps.Clock.Now()
	st.e.Status = status
	st.e.FinishedAt = now
	snap := snapshot(&st.e)
	st.mu.Unlock()

	o.deps.Deadlines.CancelPrefix(keyPrefix(snap.ExecutionID))
	o.recordFinish(snap)

	event := domain.EventWorkflowCompleted
	switch status {
	case domain.ExecutionFailed:
		event = domain.EventWorkflowFailed
	case domain.ExecutionTimeout:
		event = domain.EventWorkflowTimedOut
	}
	o.deps.Logger.Info("workflow finished",
		"execution_id", snap.ExecutionID, "workflow_id", snap.WorkflowID,
		"status", string(status), "steps", len(snap.CompletedSteps), "elapsed", now.Sub(snap.StartedAt))
	o.persist(ctx, snap)
	o.publish(ctx, event, snap)
	return snap, true
}

// checkProgress verifies checkpoint i. A late check on a finished execution
// is a no-op.
func (o *Orchestrator) checkProgress(ctx context.Context, execID string, i int) {
	st, err := o.get(execID)
	if err != nil {
		return
	}
	st.mu.Lock()
	if st.e.Status.Terminal() || i >= len(st.e.Plan.Checkpoints) {
		st.mu.Unlock()
		return
	}
	cp := &st.e.Plan.Checkpoints[i]
	actual := st.e.Progress()
	cp.Checked = true
	cp.OnTrack = !Behind(actual, cp.Percentage)
	checkpoint := *cp
	snap := snapshot(&st.e)
	st.mu.Unlock()

	o.publish(ctx, domain.EventWorkflowCheckpoint, snap)
	if checkpoint.OnTrack {
		o.deps.Logger.Debug("workflow checkpoint on track",
			"execution_id", execID, "percentage", checkpoint.Percentage, "progress", actual)
		return
	}

	o.deps.Logger.Warn("workflow behind schedule",
		"execution_id", execID, "percentage", checkpoint.Percentage, "progress", actual)
	o.recordAnomaly(ctx, domain.Anomaly{
		Type:     domain.AnomalyWorkflowDelay,
		Severity: domain.SeverityMedium,
		Subject:  execID,
		Details: map[string]any{
			"workflow_id":       snap.WorkflowID,
			"execution_id":      execID,
			"checkpoint_task":   checkpoint.TaskIndex,
			"expected_progress": checkpoint.Percentage,
			"actual_progress":   actual,
		},
		Recommendation: "assign backup agents or extend the workflow deadline",
	})
	o.remediate(ctx, st, checkpoint)
}

// remediate asks the best-scoring idle agent outside the plan to reinforce
// the execution. Nothing is sent when no agent qualifies.
func (o *Orchestrator) remediate(ctx context.Context, st *execState, cp domain.Checkpoint) {
	st.mu.Lock()
	assigned := make(map[string]bool, len(st.assigned))
	for id := range st.assigned {
		assigned[id] = true
	}
	execID, workflowID := st.e.ExecutionID, st.e.WorkflowID
	st.mu.Unlock()

	var backup string
	for _, s := range o.deps.Registry.ScoreActive() {
		if assigned[s.Profile.AgentID] || s.Profile.Utilization() >= o.cfg.BackupLoadBelow {
			continue
		}
		backup = s.Profile.AgentID
		break
	}
	if backup == "" {
		o.deps.Logger.Info("no backup agent for workflow", "execution_id", execID)
		return
	}

	if o.deps.Notifier != nil {
		payload := map[string]any{
			"execution_id":      execID,
			"workflow_id":       workflowID,
			"reason":            "performance_assistance",
			"checkpoint_status": cp,
		}
		if err := o.deps.Notifier.Send(ctx, backup, domain.MsgWorkflowReinforce, domain.PriorityHigh, payload); err != nil {
			o.deps.Logger.Warn("workflow reinforcement failed", "execution_id", execID, "agent_id", backup, "error", err)
			return
		}
	}

	st.mu.Lock()
	st.assigned[backup] = true
	st.e.Reinforcements = append(st.e.Reinforcements, backup)
	snap := snapshot(&st.e)
	st.mu.Unlock()

	o.deps.Logger.Info("backup agent assigned", "execution_id", execID, "agent_id", backup)
	o.publish(ctx, domain.EventWorkflowRemediation, snap)
}

func (o *Orchestrator) expire(ctx context.Context, execID string) {
	st, err := o.get(execID)
	if err != nil {
		return
	}
	snap, changed := o.finish(ctx, st, domain.ExecutionTimeout)
	if !changed {
		return
	}
	o.recordAnomaly(ctx, domain.Anomaly{
		Type:     domain.AnomalyWorkflowTimeout,
		Severity: domain.SeverityHigh,
		Subject:  execID,
		Details: map[string]any{
			"workflow_id":     snap.WorkflowID,
			"completed_steps": len(snap.CompletedSteps),
			"total_steps":     snap.TotalSteps,
			"predicted_ms":    snap.Plan.PredictedDuration.Milliseconds(),
		},
		Recommendation: "review agent assignments for this workflow",
	})
}

func (o *Orchestrator) recordFinish(e domain.WorkflowExecution) {
	o.histMu.Lock()
	defer o.histMu.Unlock()
	o.finished++
	if e.Status != domain.ExecutionCompleted {
		return
	}
	o.succeeded++
	list := append(o.durations[e.WorkflowID], e.FinishedAt.Sub(e.StartedAt))
	if len(list) > o.cfg.HistoryLimit {
		list = list[len(list)-o.cfg.HistoryLimit:]
	}
	o.durations[e.WorkflowID] = list
}

func (o *Orchestrator) learn(workflowID, agentID string, success bool) {
	sample := 0.0
	if success {
		sample = 1
	}
	o.histMu.Lock()
	defer o.histMu.Unlock()
	byAgent, ok := o.experience[workflowID]
	if !ok {
		byAgent = make(map[string]float64)
		o.experience[workflowID] = byAgent
	}
	prev, ok := byAgent[agentID]
	if !ok {
		prev = o.cfg.DefaultExperience
	}
	byAgent[agentID] = (1-o.cfg.ExperienceAlpha)*prev + o.cfg.ExperienceAlpha*sample
}

// Experience returns the agent's smoothed success on a workflow.
func (o *Orchestrator) Experience(workflowID, agentID string) float64 {
	o.histMu.Lock()
	defer o.histMu.Unlock()
	if v, ok := o.experience[workflowID][agentID]; ok {
		return v
	}
	return o.cfg.DefaultExperience
}

// PredictedDuration is the average completed duration times the
// prediction factor, or the default for a workflow never completed.
func (o *Orchestrator) PredictedDuration(workflowID string) time.Duration {
	o.histMu.Lock()
	defer o.histMu.Unlock()
	list := o.durations[workflowID]
	if len(list) == 0 {
		return o.cfg.DefaultPredicted
	}
	var sum time.Duration
	for _, d := range list {
		sum += d
	}
	avg := sum / time.Duration(len(list))
	if avg <= 0 {
		return o.cfg.DefaultPredicted
	}
	return time.Duration(float64(avg) * o.cfg.PredictionFactor)
}

// SuccessRate is completed over finished executions, 0 when none finished.
func (o *Orchestrator) SuccessRate() float64 {
	o.histMu.Lock()
	defer o.histMu.Unlock()
	if o.finished == 0 {
		return 0
	}
	return float64(o.succeeded) / float64(o.finished)
}

// Get returns a snapshot of an execution.
func (o *Orchestrator) Get(execID string) (domain.WorkflowExecution, error) {
	st, err := o.get(execID)
	if err != nil {
		return domain.WorkflowExecution{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return snapshot(&st.e), nil
}

// List returns executions, optionally restricted to one status, oldest first.
func (o *Orchestrator) List(status domain.ExecutionStatus) []domain.WorkflowExecution {
	o.mu.RLock()
	states := make([]*execState, 0, len(o.executions))
	for _, st := range o.executions {
		states = append(states, st)
	}
	o.mu.RUnlock()

	var out []domain.WorkflowExecution
	for _, st := range states {
		st.mu.Lock()
		if status == "" || st.e.Status == status {
			out = append(out, snapshot(&st.e))
		}
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ExecutionID < out[j].ExecutionID
	})
	return out
}

// Reap forgets terminal executions finished longer than retention ago.
func (o *Orchestrator) Reap(retention time.Duration) int {
	now := o.deps.Clock.Now()
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for id, st := range o.executions {
		st.mu.Lock()
		old := st.e.Status.Terminal() && now.Sub(st.e.FinishedAt) > retention
		st.mu.Unlock()
		if old {
			delete(o.executions, id)
			n++
		}
	}
	return n
}

func (o *Orchestrator) get(id string) (*execState, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	st, ok := o.executions[id]
	if !ok {
		return nil, domain.NewSubSystemError("workflow", "Workflow.Get", domain.ErrExecutionNotFound, id)
	}
	return st, nil
}

func (o *Orchestrator) persist(ctx context.Context, e domain.WorkflowExecution) {
	if o.deps.Store == nil {
		return
	}
	rec, err := domain.NewRecord(e.ExecutionID, e, o.deps.Clock.Now())
	if err == nil {
		err = o.deps.Store.Upsert(ctx, domain.TableWorkflowExecutions, rec)
	}
	if err != nil {
		o.deps.Logger.Warn("persist execution failed", "execution_id", e.ExecutionID, "error", err)
	}
}

func (o *Orchestrator) publish(ctx context.Context, t domain.EventType, e domain.WorkflowExecution) {
	if o.deps.Bus == nil {
		return
	}
	o.deps.Bus.Publish(ctx, domain.NewEvent(t, e.ExecutionID, o.deps.Clock.Now(), e))
}

func (o *Orchestrator) recordAnomaly(ctx context.Context, a domain.Anomaly) {
	if o.deps.Anomalies != nil {
		o.deps.Anomalies.Record(ctx, a)
	}
}

func snapshot(e *domain.WorkflowExecution) domain.WorkflowExecution {
	out := *e
	out.Plan.AgentAssignments = append([]domain.AgentAssignment(nil), e.Plan.AgentAssignments...)
	out.Plan.Checkpoints = append([]domain.Checkpoint(nil), e.Plan.Checkpoints...)
	out.Plan.ParallelGroups = make([][]string, len(e.Plan.ParallelGroups))
	for i, g := range e.Plan.ParallelGroups {
		out.Plan.ParallelGroups[i] = append([]string(nil), g...)
	}
	out.CompletedSteps = append([]domain.StepResult(nil), e.CompletedSteps...)
	out.Reinforcements = append([]string(nil), e.Reinforcements...)
	return out
}
