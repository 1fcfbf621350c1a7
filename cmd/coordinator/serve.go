package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"a2a-coordinator/internal/infra/config"
	"a2a-coordinator/internal/infra/logger"
	"a2a-coordinator/internal/infra/tracer"
	"a2a-coordinator/internal/usecase/eventbus"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator and its gateway",
	Long:  `Start the coordinator: register it as an agent, consume the agents and messages feeds, run the maintenance schedule and serve the gateway until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	cfg.Tracer.InstanceID = cfg.Coordinator.ID
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	// 3. Event bus
	bus := eventbus.New(log)
	defer bus.Close()

	// 4. Store
	st, err := initStore(cfg.Store, bus, log)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	// 5. Coordination services
	core, err := initCore(ctx, cfg, st, bus, log)
	if err != nil {
		return err
	}

	// 6. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 7. Runtime (scheduler, gateway)
	rt, cleanup := initRuntime(ctx, cfg, core, bus, log)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := cleanup(shutdownCtx); err != nil {
			log.Error("runtime cleanup error", "error", err)
		}
	}()

	// 8. Start
	if err := core.Coordinator.Start(ctx); err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}
	if err := rt.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	log.Info("a2a-coordinator starting",
		"version", version,
		"coordinator_id", cfg.Coordinator.ID,
		"store", cfg.Store.Driver,
		"gateway", cfg.Gateway.Enabled,
		"workflows", len(core.Catalog.List()),
	)

	if rt.Gateway == nil {
		<-ctx.Done()
		return nil
	}
	errCh := make(chan error, 1)
	go func() { errCh <- rt.Gateway.Start(ctx) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("gateway: %w", err)
		}
		return nil
	}
}
