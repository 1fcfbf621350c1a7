package main

import (
	"context"
	"fmt"
	"log/slog"

	"a2a-coordinator/internal/adapter/analysis"
	"a2a-coordinator/internal/adapter/store"
	"a2a-coordinator/internal/domain"
	"a2a-coordinator/internal/infra/config"
	"a2a-coordinator/internal/usecase/analytics"
	"a2a-coordinator/internal/usecase/consensus"
	"a2a-coordinator/internal/usecase/coordinator"
	"a2a-coordinator/internal/usecase/multiagent"
	"a2a-coordinator/internal/usecase/scheduling"
	"a2a-coordinator/internal/usecase/workflow"
)

// CoreComponents holds the coordination services.
type CoreComponents struct {
	Registry    *multiagent.Registry
	Router      *multiagent.Router
	Broker      *multiagent.Broker
	Anomalies   *analytics.AnomalyLog
	Deadlines   *scheduling.DeadlineQueue
	Consensus   *consensus.Engine
	Catalog     *workflow.Catalog
	Workflows   *workflow.Orchestrator
	Analyzer    *analytics.Analyzer
	Coordinator *coordinator.Coordinator
}

// initCore builds the registry, routing, consensus, workflow, analytics and
// coordinator services over st.
func initCore(ctx context.Context, cfg *config.Config, st domain.Store, bus domain.EventBus, log *slog.Logger) (*CoreComponents, error) {
	c := &CoreComponents{}

	scoring := multiagent.DefaultScoringConfig()
	scoring.ResponseWeight = cfg.Scoring.ResponseWeight
	scoring.SuccessWeight = cfg.Scoring.SuccessWeight
	scoring.AvailabilityWeight = cfg.Scoring.AvailabilityWeight
	scoring.WorkloadWeight = cfg.Scoring.WorkloadWeight
	scoring.ResponseCeiling = cfg.Scoring.ResponseCeiling
	scoring.AvailabilityWindow = cfg.Scoring.AvailabilityWindow
	scoring.HistorySize = cfg.Scoring.HistorySize
	c.Registry = multiagent.NewRegistry(scoring, nil, bus, log.With("component", "registry"))

	c.Anomalies = analytics.NewAnomalyLog(analytics.LogOptions{Store: st, Bus: bus, Logger: log})

	routing := multiagent.DefaultRouterConfig()
	routing.RerouteBelow = cfg.Router.RerouteBelow
	routing.MinCapabilityMatch = cfg.Router.MinCapabilityMatch
	routing.LoadBalanceTopN = cfg.Router.LoadBalanceTopN
	routing.EfficiencyAlpha = cfg.Router.EfficiencyAlpha
	c.Router = multiagent.NewRouterWithLogger(c.Registry, routing, c.Anomalies, bus, log.With("component", "router"))

	transport := store.NewMessageTransport(st, nil)
	c.Broker = multiagent.NewBroker(c.Registry, c.Router, transport, bus, cfg.Coordinator.ID, log.With("component", "broker"))
	c.Deadlines = scheduling.NewDeadlineQueue(nil)
	c.Deadlines.SetWorkers(cfg.Coordinator.Workers)

	insights, err := initAnalysis(cfg.Analysis, log)
	if err != nil {
		return nil, fmt.Errorf("analysis: %w", err)
	}

	c.Consensus = consensus.NewEngine(consensus.Config{
		DefaultThreshold:     cfg.Consensus.DefaultThreshold,
		MaxVoters:            cfg.Consensus.MaxVoters,
		DefaultEstimatedTime: cfg.Consensus.DefaultEstimatedTime,
		TimeoutFactor:        cfg.Consensus.TimeoutFactor,
		PredictionTimeout:    cfg.Consensus.PredictionTimeout,
	}, consensus.Deps{
		Registry:  c.Registry,
		Deadlines: c.Deadlines,
		Notifier:  c.Broker,
		Store:     st,
		Insights:  insights,
		Anomalies: c.Anomalies,
		Bus:       bus,
		Logger:    log.With("component", "consensus"),
	})

	c.Catalog = workflow.NewCatalog(log.With("component", "workflow"))
	if dir := cfg.Workflow.DefinitionsDir; dir != "" {
		n, err := c.Catalog.LoadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("workflow definitions: %w", err)
		}
		log.Info("workflow definitions loaded", "dir", dir, "count", n)
	}
	if n, err := c.Catalog.LoadStore(ctx, st); err != nil {
		log.Warn("workflow definitions: store load failed", "error", err)
	} else if n > 0 {
		log.Info("workflow definitions loaded from store", "count", n)
	}

	c.Workflows = workflow.NewOrchestrator(workflow.Config{
		DefaultPredicted: cfg.Workflow.DefaultPredicted,
		PredictionFactor: cfg.Workflow.PredictionFactor,
		ExperienceAlpha:  cfg.Workflow.ExperienceAlpha,
	}, workflow.Deps{
		Registry:  c.Registry,
		Deadlines: c.Deadlines,
		Catalog:   c.Catalog,
		Notifier:  c.Broker,
		Store:     st,
		Anomalies: c.Anomalies,
		Bus:       bus,
		Logger:    log.With("component", "workflow"),
	})

	c.Analyzer = analytics.NewAnalyzer(analytics.DefaultConfig(), analytics.Deps{
		Registry:  c.Registry,
		Anomalies: c.Anomalies,
		Proposals: c.Consensus,
		Notifier:  c.Broker,
		Insights:  insights,
		Logger:    log.With("component", "analytics"),
	})

	cc := cfg.Coordinator
	c.Coordinator = coordinator.New(coordinator.Config{
		ID:              cc.ID,
		AgentType:       cc.AgentType,
		Capabilities:    cc.Capabilities,
		VotingPower:     cc.VotingPower,
		Endpoint:        cc.Endpoint,
		StaleAfter:      cc.StaleAfter,
		AgentRetention:  cc.AgentRetention,
		Retention:       cc.Retention,
		Workers:         cc.Workers,
		DefaultExpected: cc.DefaultExpected,
		ExpectedFactor:  cc.ExpectedFactor,
		TimeoutFactor:   cc.TimeoutFactor,
		SlowAgent:       cc.SlowAgent,
	}, coordinator.Deps{
		Store:     st,
		Registry:  c.Registry,
		Router:    c.Router,
		Broker:    c.Broker,
		Consensus: c.Consensus,
		Workflows: c.Workflows,
		Analyzer:  c.Analyzer,
		Deadlines: c.Deadlines,
		Bus:       bus,
		Logger:    log.With("component", "coordinator"),
	})
	return c, nil
}

// initAnalysis builds the guarded TextAnalysis provider. Without a provider
// every insight request reports the analysis as unavailable.
func initAnalysis(cfg config.AnalysisConfig, log *slog.Logger) (domain.InsightSource, error) {
	provider, err := analysis.NewProvider(analysis.ProviderConfig{
		Provider: cfg.Provider,
		Model:    cfg.Model,
		APIKey:   cfg.APIKey,
		BaseURL:  cfg.BaseURL,
		Timeout:  cfg.Timeout,
	}, log)
	if err != nil {
		return nil, err
	}
	guarded := analysis.NewGuard(provider, analysis.GuardConfig{
		MaxFailures: cfg.MaxFailures,
		OpenTimeout: cfg.OpenTimeout,
		RatePerMin:  cfg.RatePerMin,
		Burst:       cfg.Burst,
		CallTimeout: cfg.Timeout,
	}, log.With("component", "analysis"))
	if cfg.Provider != "" {
		log.Info("analysis provider enabled", "provider", cfg.Provider, "model", cfg.Model)
	}
	return analysis.Source{TA: guarded}, nil
}
