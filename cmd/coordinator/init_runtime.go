package main

import (
	"context"
	"log/slog"
	"net/http"

	"a2a-coordinator/internal/adapter/gateway"
	"a2a-coordinator/internal/domain"
	"a2a-coordinator/internal/infra/config"
	"a2a-coordinator/internal/infra/middleware"
	"a2a-coordinator/internal/usecase/coordinator"
	"a2a-coordinator/internal/usecase/scheduling"
)

// RuntimeComponents holds the scheduler and the gateway.
type RuntimeComponents struct {
	Scheduler  *scheduling.Scheduler
	Gateway    *gateway.Server
	Controller *gateway.Controller
}

// initRuntime wires the maintenance scheduler and, when enabled, the gateway.
// The returned cleanup stops both.
func initRuntime(ctx context.Context, cfg *config.Config, core *CoreComponents, bus domain.EventBus, log *slog.Logger) (*RuntimeComponents, func(context.Context) error) {
	rt := &RuntimeComponents{}

	if cfg.Gateway.Enabled {
		rt.Controller, rt.Gateway = initGateway(ctx, cfg.Gateway, core, bus, log)
	}

	rt.Scheduler = initScheduler(cfg.Scheduler, core.Coordinator, rt.Controller, log)

	cleanup := func(ctx context.Context) error {
		var firstErr error
		if rt.Gateway != nil {
			if err := rt.Gateway.Stop(ctx); err != nil {
				firstErr = err
			}
			rt.Controller.Close()
		}
		if err := rt.Scheduler.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
		core.Coordinator.Stop()
		return firstErr
	}
	return rt, cleanup
}

// initScheduler registers the maintenance actions. A disabled scheduler still
// sweeps deadlines, since consensus and workflow timeouts depend on it.
func initScheduler(cfg config.SchedulerConfig, coord *coordinator.Coordinator, ctrl *gateway.Controller, log *slog.Logger) *scheduling.Scheduler {
	s := scheduling.NewScheduler(log.With("component", "scheduler"))
	if cfg.TaskTimeout > 0 {
		s.SetTaskTimeout(cfg.TaskTimeout)
	}
	coord.RegisterActions(s)
	if ctrl != nil {
		s.RegisterAction(scheduling.ActionRateWindowReap, func(context.Context) error {
			if n := ctrl.Limiter().Reap(); n > 0 {
				log.Debug("rate windows reaped", "clients", n)
			}
			return nil
		})
	}

	var tasks []scheduling.ScheduledTask
	switch {
	case !cfg.Enabled:
		tasks = []scheduling.ScheduledTask{{Name: "deadline-sweep", Schedule: "1s", Action: scheduling.ActionDeadlineSweep}}
		log.Warn("scheduler disabled, only deadlines are swept")
	case len(cfg.Tasks) > 0:
		for _, tc := range cfg.Tasks {
			tasks = append(tasks, scheduling.ScheduledTask{
				Name:     tc.Name,
				Schedule: tc.Schedule,
				Action:   scheduling.ScheduledAction(tc.Action),
			})
		}
	default:
		tasks = coordinator.DefaultTasks()
		if ctrl != nil {
			tasks = append(tasks, scheduling.ScheduledTask{Name: "rate-window-reap", Schedule: "1m", Action: scheduling.ActionRateWindowReap})
		}
	}

	for _, t := range tasks {
		if err := s.AddTask(t); err != nil {
			log.Warn("scheduler: failed to add task", "name", t.Name, "error", err)
		}
	}
	log.Info("scheduler configured", "tasks", len(tasks))
	return s
}

// initGateway builds the controller and the server that hosts it.
func initGateway(ctx context.Context, cfg config.GatewayConfig, core *CoreComponents, bus domain.EventBus, log *slog.Logger) (*gateway.Controller, *gateway.Server) {
	gcfg := gateway.Config{
		ID:           cfg.ID,
		Limits:       make(map[string]gateway.LimitConfig, len(cfg.Limits)),
		Breaker:      gateway.BreakerConfig{Threshold: cfg.Breaker.Threshold, CoolDown: cfg.Breaker.CoolDown},
		Timeout:      cfg.Timeout,
		FunctionsURL: cfg.FunctionsURL,
		MaxBodyBytes: cfg.MaxBodyBytes,
		Auth: gateway.AuthConfig{
			JWTSecret:   cfg.Auth.JWTSecret,
			AgentSecret: cfg.Auth.AgentSecret,
			CacheTTL:    cfg.Auth.CacheTTL,
			CacheSize:   cfg.Auth.CacheSize,
		},
	}
	for name, l := range cfg.Limits {
		gcfg.Limits[name] = gateway.LimitConfig{Limit: l.Limit, Window: l.Window}
	}
	for _, k := range cfg.Auth.APIKeys {
		gcfg.Auth.APIKeys = append(gcfg.Auth.APIKeys, gateway.APIKey{Key: k.Key, Name: k.Name})
	}
	for _, r := range cfg.Routes {
		route := gateway.Route{Path: r.Path, AuthRequired: r.AuthRequired}
		if r.Agent != "" {
			route.Kind, route.AgentID = gateway.TargetAgent, r.Agent
		} else {
			route.Kind, route.URL = gateway.TargetURL, r.URL
		}
		gcfg.Routes = append(gcfg.Routes, route)
	}

	gwLog := log.With("component", "gateway")
	ctrl := gateway.NewController(gcfg, gateway.ControllerDeps{
		Agents:  core.Registry,
		Deliver: core.Broker,
		Bus:     bus,
		Logger:  gwLog,
	})
	ctrl.Watch()

	srv := gateway.NewServer(bus, ctrl.Auth(), cfg.Addr, gwLog)
	gateway.RegisterHTTPRoutes(srv, ctrl, core.Coordinator)
	gateway.RegisterDefaultHandlers(srv, gateway.HandlerDeps{
		Coordinator: core.Coordinator,
		Consensus:   core.Consensus,
		Workflows:   core.Workflows,
	})

	mws := []func(http.Handler) http.Handler{middleware.RequestID, middleware.SecurityHeaders}
	if cfg.IPRate.Enabled {
		mws = append(mws, middleware.IPRateLimit(ctx, middleware.IPRateConfig{Rate: cfg.IPRate.Rate, Burst: cfg.IPRate.Burst}))
	}
	srv.Use(mws...)

	log.Info("gateway enabled",
		"addr", cfg.Addr,
		"routes", ctrl.Routes().Len(),
		"ip_rate", cfg.IPRate.Enabled,
	)
	return ctrl, srv
}
