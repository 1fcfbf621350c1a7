package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"a2a-coordinator/internal/adapter/store"
	"a2a-coordinator/internal/infra/config"
	"a2a-coordinator/internal/usecase/workflow"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

var doctorCmd = &cobra.Command{
	Use:     "doctor",
	Aliases: []string{"check-config"},
	Short:   "Check the configuration and its backends",
	Long:    `Load and validate the config, open the store, and check the analysis provider, gateway address and workflow definitions.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDoctor(cmd.OutOrStdout(), configPath())
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

// runDoctor executes all checks and reports results to w.
func runDoctor(w io.Writer, cfgPath string) error {
	// Some checks still run against defaults when the config fails to load.
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Store", Fn: checkStore},
		{Name: "Analysis provider", Fn: checkAnalysis},
		{Name: "Gateway", Fn: checkGateway},
		{Name: "Gateway auth", Fn: checkGatewayAuth},
		{Name: "Workflow definitions", Fn: checkWorkflows},
	}

	fmt.Fprintln(w, "a2a-coordinator doctor")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintln(w)

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(w, "      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("-", 50))
	fmt.Fprintf(w, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

func notLoaded() CheckResult {
	return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
}

// checkConfigFile reports whether the config loaded and validated.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Fix the reported fields in " + cfgPath,
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults", cfgPath),
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// checkStore opens the configured backend. For sqlite the database is
// pinged; for memory snapshots the directory must be writable.
func checkStore(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	switch cfg.Store.Driver {
	case "null":
		return CheckResult{Status: StatusWarn, Message: "null store, nothing is persisted"}
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o700); err != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("cannot create %s: %v", filepath.Dir(cfg.Store.Path), err),
			}
		}
		s, err := store.NewSQLiteStore(store.SQLiteOptions{Path: cfg.Store.Path})
		if err != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("cannot open %s: %v", cfg.Store.Path, err),
			}
		}
		defer s.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Ping(ctx); err != nil {
			return CheckResult{Status: StatusFail, Message: fmt.Sprintf("ping failed: %v", err)}
		}
		return CheckResult{Status: StatusPass, Message: "sqlite at " + cfg.Store.Path}
	default:
		if cfg.Store.Dir == "" {
			return CheckResult{Status: StatusPass, Message: "memory store without snapshots"}
		}
		if err := checkWritable(cfg.Store.Dir); err != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: err.Error(),
				Fix:     fmt.Sprintf("Fix permissions: chmod 700 %s", cfg.Store.Dir),
			}
		}
		return CheckResult{Status: StatusPass, Message: "memory store, snapshots in " + cfg.Store.Dir}
	}
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("directory %s cannot be created: %w", dir, err)
	}
	probe := filepath.Join(dir, ".doctor-check")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("directory %s is not writable: %w", dir, err)
	}
	return os.Remove(probe)
}

// checkAnalysis verifies the provider has credentials.
func checkAnalysis(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	a := cfg.Analysis
	switch strings.ToLower(a.Provider) {
	case "", "none":
		return CheckResult{
			Status:  StatusWarn,
			Message: "no provider, insight requests report analysis unavailable",
		}
	}
	if a.APIKey == "" && a.BaseURL == "" {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("provider %s has no api_key", a.Provider),
			Fix:     "Set A2A_ANALYSIS_API_KEY or analysis.api_key (enc: values are accepted)",
		}
	}
	model := a.Model
	if model == "" {
		model = "provider default"
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s (%s)", a.Provider, model)}
}

// checkGateway verifies the listen address is free.
func checkGateway(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	if !cfg.Gateway.Enabled {
		return CheckResult{Status: StatusWarn, Message: "gateway disabled"}
	}
	ln, err := net.Listen("tcp", cfg.Gateway.Addr)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot listen on %s: %v", cfg.Gateway.Addr, err),
			Fix:     "Stop the process holding the port or change gateway.addr",
		}
	}
	ln.Close()
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s available, %d static route(s)", cfg.Gateway.Addr, len(cfg.Gateway.Routes)),
	}
}

// checkGatewayAuth warns when no credential source is configured, which
// leaves only anonymous function routes and unsigned agent IDs.
func checkGatewayAuth(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	if !cfg.Gateway.Enabled {
		return CheckResult{Status: StatusPass, Message: "gateway disabled"}
	}
	a := cfg.Gateway.Auth
	var methods []string
	if a.JWTSecret != "" {
		methods = append(methods, "jwt")
	}
	if len(a.APIKeys) > 0 {
		methods = append(methods, fmt.Sprintf("%d api key(s)", len(a.APIKeys)))
	}
	if a.AgentSecret != "" {
		methods = append(methods, "signed agents")
	}
	if len(methods) == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no jwt_secret, api_keys or agent_secret configured",
			Fix:     "Add gateway.auth credentials; see 'a2a-coordinator encrypt-secret'",
		}
	}
	return CheckResult{Status: StatusPass, Message: strings.Join(methods, ", ")}
}

// checkWorkflows parses the definitions directory.
func checkWorkflows(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	dir := cfg.Workflow.DefinitionsDir
	if dir == "" {
		return CheckResult{Status: StatusPass, Message: "no definitions directory, store definitions only"}
	}
	n, err := workflow.NewCatalog(nil).LoadDir(dir)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("%s: %v", dir, err)}
	}
	if n == 0 {
		return CheckResult{Status: StatusWarn, Message: "no definitions found in " + dir}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d definition(s) in %s", n, dir)}
}
