package config

import (
	"fmt"
	"math"
	"net"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateCoordinator(cfg, ve)
	validateScoring(cfg, ve)
	validateConsensus(cfg, ve)
	validateGateway(cfg, ve)
	validateStore(cfg, ve)
	validateAnalysis(cfg, ve)
	validateScheduler(cfg, ve)
	validateLogger(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateCoordinator(cfg *Config, ve *ValidationError) {
	c := cfg.Coordinator
	if c.ID == "" {
		ve.Add("coordinator.id must not be empty")
	}
	if c.Workers < 0 {
		ve.Add("coordinator.workers must be >= 0")
	}
	if c.VotingPower < 0 {
		ve.Add("coordinator.voting_power must be >= 0")
	}
	if c.ExpectedFactor < 0 || c.TimeoutFactor < 0 {
		ve.Add("coordinator factors must be >= 0")
	}
}

func validateScoring(cfg *Config, ve *ValidationError) {
	s := cfg.Scoring
	for name, w := range map[string]float64{
		"response_weight":     s.ResponseWeight,
		"success_weight":      s.SuccessWeight,
		"availability_weight": s.AvailabilityWeight,
		"workload_weight":     s.WorkloadWeight,
	} {
		if w < 0 || w > 1 {
			ve.Add("scoring.%s must be within [0, 1] (got %g)", name, w)
		}
	}
	sum := s.ResponseWeight + s.SuccessWeight + s.AvailabilityWeight + s.WorkloadWeight
	if sum > 0 && math.Abs(sum-1) > 1e-6 {
		ve.Add("scoring weights must sum to 1 (got %g)", sum)
	}
}

func validateConsensus(cfg *Config, ve *ValidationError) {
	c := cfg.Consensus
	if c.DefaultThreshold < 0 || c.DefaultThreshold > 1 {
		ve.Add("consensus.default_threshold must be within [0, 1] (got %g)", c.DefaultThreshold)
	}
	if c.MaxVoters < 0 {
		ve.Add("consensus.max_voters must be >= 0")
	}
}

var validLimiterClasses = map[string]bool{
	"default":   true,
	"functions": true,
	"agents":    true,
	"discovery": true,
}

func validateGateway(cfg *Config, ve *ValidationError) {
	g := cfg.Gateway
	if !g.Enabled {
		return
	}
	if g.Addr == "" {
		ve.Add("gateway.addr is required when gateway is enabled")
	} else if _, _, err := net.SplitHostPort(g.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", g.Addr)
	}
	if g.FunctionsURL != "" {
		if u, err := url.Parse(g.FunctionsURL); err != nil || u.Scheme == "" || u.Host == "" {
			ve.Add("gateway.functions_url %q is not an absolute URL", g.FunctionsURL)
		}
	}
	seen := make(map[string]bool)
	for i, r := range g.Routes {
		switch {
		case r.Path == "" || !strings.HasPrefix(r.Path, "/"):
			ve.Add("gateway.routes[%d].path must start with /", i)
		case seen[r.Path]:
			ve.Add("gateway.routes[%d].path %q is duplicated", i, r.Path)
		}
		seen[r.Path] = true
		if (r.Agent == "") == (r.URL == "") {
			ve.Add("gateway.routes[%d] needs exactly one of agent or url", i)
		}
		if r.URL != "" {
			if u, err := url.Parse(r.URL); err != nil || u.Scheme == "" || u.Host == "" {
				ve.Add("gateway.routes[%d].url %q is not an absolute URL", i, r.URL)
			}
		}
	}
	for name, l := range g.Limits {
		if !validLimiterClasses[name] {
			ve.Add("gateway.limits: unknown class %q", name)
		}
		if l.Limit < 0 || l.Window < 0 {
			ve.Add("gateway.limits.%s must not be negative", name)
		}
	}
	for i, k := range g.Auth.APIKeys {
		if k.Key == "" {
			ve.Add("gateway.auth.api_keys[%d].key is required", i)
		}
		if k.Name == "" {
			ve.Add("gateway.auth.api_keys[%d].name is required", i)
		}
	}
	if g.IPRate.Enabled && (g.IPRate.Rate <= 0 || g.IPRate.Burst <= 0) {
		ve.Add("gateway.ip_rate needs rate > 0 and burst > 0 when enabled")
	}
}

var validStoreDrivers = map[string]bool{
	"null":   true,
	"memory": true,
	"sqlite": true,
}

func validateStore(cfg *Config, ve *ValidationError) {
	if !validStoreDrivers[cfg.Store.Driver] {
		ve.Add("store.driver %q is not one of null, memory, sqlite", cfg.Store.Driver)
		return
	}
	if cfg.Store.Driver == "sqlite" && cfg.Store.Path == "" {
		ve.Add("store.path is required for the sqlite driver")
	}
	if cfg.Store.MaxRecords < 0 {
		ve.Add("store.max_records must be >= 0")
	}
}

var validAnalysisProviders = map[string]bool{
	"":          true,
	"none":      true,
	"openai":    true,
	"anthropic": true,
}

func validateAnalysis(cfg *Config, ve *ValidationError) {
	if !validAnalysisProviders[strings.ToLower(cfg.Analysis.Provider)] {
		ve.Add("analysis.provider %q is not one of openai, anthropic, none", cfg.Analysis.Provider)
	}
	if cfg.Analysis.RatePerMin < 0 {
		ve.Add("analysis.rate_per_min must be >= 0")
	}
}

var validActions = map[string]bool{
	"deadline_sweep":       true,
	"anomaly_scan":         true,
	"performance_analysis": true,
	"load_rebalance":       true,
	"agent_discovery":      true,
	"retention_reap":       true,
	"rate_window_reap":     true,
}

func validateScheduler(cfg *Config, ve *ValidationError) {
	if !cfg.Scheduler.Enabled {
		return
	}
	for i, t := range cfg.Scheduler.Tasks {
		if t.Name == "" {
			ve.Add("scheduler.tasks[%d].name is required", i)
		}
		if t.Schedule == "" {
			ve.Add("scheduler.tasks[%d].schedule is required", i)
		}
		if !validActions[t.Action] {
			ve.Add("scheduler.tasks[%d].action %q is unknown", i, t.Action)
		}
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is not one of text, json", cfg.Logger.Format)
	}
	switch strings.ToLower(cfg.Tracer.Exporter) {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is not one of noop, stdout", cfg.Tracer.Exporter)
	}
	if r := cfg.Tracer.SampleRatio; r < 0 || r > 1 {
		ve.Add("tracer.sample_ratio must be within [0, 1] (got %g)", r)
	}
}
