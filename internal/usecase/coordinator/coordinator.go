// Package coordinator ties the registry, router, consensus engine, workflow
// orchestrator and analyzer to the Store. It discovers agents from the agents
// table, consumes the messages change feed, dispatches each message by type
// and runs multi-agent coordination rounds with deadline-driven timeouts.
package coordinator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"a2a-coordinator/internal/domain"
	"a2a-coordinator/internal/usecase/analytics"
	"a2a-coordinator/internal/usecase/consensus"
	"a2a-coordinator/internal/usecase/multiagent"
	"a2a-coordinator/internal/usecase/scheduling"
	"a2a-coordinator/internal/usecase/workflow"
)

// Config identifies the coordinator and tunes coordination rounds.
type Config struct {
	ID           string
	AgentType    string
	Capabilities []string
	VotingPower  float64
	Endpoint     string

	StaleAfter      time.Duration // agents unseen this long are marked inactive
	AgentRetention  time.Duration // inactive profiles are pruned after this
	Retention       time.Duration // finished proposals, executions and coordinations
	Workers         int           // concurrent message handlers
	DefaultExpected time.Duration // expected coordination time without agents
	DefaultResponse time.Duration // assumed response time of an agent without history
	ExpectedFactor  float64       // expected = slowest average response × factor
	TimeoutFactor   float64       // timeout = expected × factor
	SlowAgent       time.Duration // average response marking a bottleneck risk
}

// DefaultConfig returns the stock coordinator settings.
func DefaultConfig() Config {
	return Config{
		ID:        "a2a-coordinator",
		AgentType: "coordinator",
		Capabilities: []string{
			"coordination", "message_handling", "consensus_management",
			"workflow_orchestration", "performance_analysis", "load_balancing",
		},
		VotingPower:     1,
		StaleAfter:      5 * time.Minute,
		AgentRetention:  24 * time.Hour,
		Retention:       time.Hour,
		Workers:         8,
		DefaultExpected: 5 * time.Second,
		DefaultResponse: time.Second,
		ExpectedFactor:  1.5,
		TimeoutFactor:   1.2,
		SlowAgent:       2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ID == "" {
		c.ID = d.ID
	}
	if c.AgentType == "" {
		c.AgentType = d.AgentType
	}
	if len(c.Capabilities) == 0 {
		c.Capabilities = d.Capabilities
	}
	if c.VotingPower <= 0 {
		c.VotingPower = d.VotingPower
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.AgentRetention <= 0 {
		c.AgentRetention = d.AgentRetention
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.DefaultExpected <= 0 {
		c.DefaultExpected = d.DefaultExpected
	}
	if c.DefaultResponse <= 0 {
		c.DefaultResponse = d.DefaultResponse
	}
	if c.ExpectedFactor <= 0 {
		c.ExpectedFactor = d.ExpectedFactor
	}
	if c.TimeoutFactor <= 0 {
		c.TimeoutFactor = d.TimeoutFactor
	}
	if c.SlowAgent <= 0 {
		c.SlowAgent = d.SlowAgent
	}
	return c
}

// Deps are the collaborators of a Coordinator. All but Bus and Logger are
// required.
type Deps struct {
	Store     domain.Store
	Registry  *multiagent.Registry
	Router    *multiagent.Router
	Broker    *multiagent.Broker
	Consensus *consensus.Engine
	Workflows *workflow.Orchestrator
	Analyzer  *analytics.Analyzer
	Deadlines *scheduling.DeadlineQueue
	Bus       domain.EventBus
	Clock     domain.Clock
	Logger    *slog.Logger
}

// Coordinator is the long-running coordination service.
type Coordinator struct {
	cfg  Config
	deps Deps

	mu            sync.Mutex
	coordinations map[string]*coordState

	sem     chan struct{}
	wg      sync.WaitGroup
	started bool
	cancel  context.CancelFunc
}

// New creates a Coordinator.
func New(cfg Config, deps Deps) *Coordinator {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	deps.Clock = domain.ClockOrSystem(deps.Clock)
	cfg = cfg.withDefaults()
	return &Coordinator{
		cfg:           cfg,
		deps:          deps,
		coordinations: make(map[string]*coordState),
		sem:           make(chan struct{}, cfg.Workers),
	}
}

// ID returns the coordinator's own agent ID.
func (c *Coordinator) ID() string { return c.cfg.ID }

// Start registers the coordinator in the agents table, discovers the current
// population and begins consuming the agents and messages change feeds. It
// returns once both subscriptions are open.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("coordinator: already started")
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	if err := c.register(ctx); err != nil {
		c.deps.Logger.Warn("coordinator self-registration failed", "error", err)
	}
	if _, err := c.Discover(ctx); err != nil {
		c.deps.Logger.Warn("initial agent discovery failed", "error", err)
	}

	agents, err := c.deps.Store.Subscribe(ctx, domain.TableAgents, domain.ChangeAny)
	if err != nil {
		c.cancel()
		return domain.WrapOp("Coordinator.Start", err)
	}
	messages, err := c.deps.Store.Subscribe(ctx, domain.TableMessages, domain.ChangeInsert)
	if err != nil {
		c.cancel()
		return domain.WrapOp("Coordinator.Start", err)
	}

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.watchAgents(ctx, agents)
	}()
	go func() {
		defer c.wg.Done()
		c.consumeMessages(ctx, messages)
	}()

	c.deps.Logger.Info("coordinator started",
		"coordinator_id", c.cfg.ID,
		"agents", len(c.deps.Registry.Profiles()),
		"workers", c.cfg.Workers,
	)
	return nil
}

// Stop cancels the feed loops and waits for in-flight handlers.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.deps.Consensus.Wait()
	c.deps.Logger.Info("coordinator stopped", "coordinator_id", c.cfg.ID)
}

// register writes the coordinator's own agent record so other agents can
// address it.
func (c *Coordinator) register(ctx context.Context) error {
	rec := domain.AgentRecord{
		AgentID:      c.cfg.ID,
		AgentType:    c.cfg.AgentType,
		Status:       string(domain.HealthActive),
		Capabilities: c.cfg.Capabilities,
		VotingPower:  c.cfg.VotingPower,
		Endpoint:     c.cfg.Endpoint,
	}
	r, err := domain.NewRecord(rec.AgentID, rec, c.deps.Clock.Now())
	if err != nil {
		return err
	}
	return c.deps.Store.Upsert(ctx, domain.TableAgents, r)
}

func (c *Coordinator) send(ctx context.Context, to string, t domain.MessageType, priority domain.Priority, payload any) {
	if err := c.deps.Broker.Send(ctx, to, t, priority, payload); err != nil {
		c.deps.Logger.Warn("coordinator message failed", "to", to, "type", t, "error", err)
	}
}

func (c *Coordinator) publish(ctx context.Context, t domain.EventType, subject string, payload any) {
	if c.deps.Bus == nil {
		return
	}
	c.deps.Bus.Publish(ctx, domain.NewEvent(t, subject, c.deps.Clock.Now(), payload))
}

func (c *Coordinator) persist(ctx context.Context, table, id string, v any) {
	rec, err := domain.NewRecord(id, v, c.deps.Clock.Now())
	if err == nil {
		err = c.deps.Store.Upsert(ctx, table, rec)
	}
	if err != nil {
		c.deps.Logger.Warn("persist failed", "table", table, "id", id, "error", err)
	}
}
