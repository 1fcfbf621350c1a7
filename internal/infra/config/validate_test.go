package config

import (
	"errors"
	"strings"
	"testing"
)

func validationErrors(t *testing.T, cfg *Config) []string {
	t.Helper()
	err := Validate(cfg)
	if err == nil {
		return nil
	}
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Validate returned %T, want *ValidationError", err)
	}
	return ve.Errors
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string // substring of the single expected error, "" for valid
	}{
		{"defaults", func(*Config) {}, ""},
		{"empty coordinator id", func(c *Config) { c.Coordinator.ID = "" }, "coordinator.id"},
		{"scoring weight range", func(c *Config) { c.Scoring.WorkloadWeight = 1.5; c.Scoring.SuccessWeight = -0.5 }, "success_weight"},
		{"scoring weight sum", func(c *Config) { c.Scoring.WorkloadWeight = 0.3 }, "sum to 1"},
		{"threshold", func(c *Config) { c.Consensus.DefaultThreshold = 1.2 }, "default_threshold"},
		{"gateway addr", func(c *Config) { c.Gateway.Addr = "localhost" }, "gateway.addr"},
		{"gateway disabled skips addr", func(c *Config) { c.Gateway.Enabled = false; c.Gateway.Addr = "" }, ""},
		{"functions url", func(c *Config) { c.Gateway.FunctionsURL = "not a url" }, "functions_url"},
		{"route target", func(c *Config) {
			c.Gateway.Routes = []RouteConfig{{Path: "/x", Agent: "a", URL: "http://b"}}
		}, "exactly one of agent or url"},
		{"route path", func(c *Config) {
			c.Gateway.Routes = []RouteConfig{{Path: "x", Agent: "a"}}
		}, "must start with /"},
		{"duplicate route", func(c *Config) {
			c.Gateway.Routes = []RouteConfig{{Path: "/x", Agent: "a"}, {Path: "/x", Agent: "b"}}
		}, "duplicated"},
		{"limiter class", func(c *Config) { c.Gateway.Limits["bulk"] = LimitConfig{Limit: 1} }, "unknown class"},
		{"api key", func(c *Config) { c.Gateway.Auth.APIKeys = []APIKeyConfig{{Name: "ops"}} }, "key is required"},
		{"ip rate", func(c *Config) { c.Gateway.IPRate = IPRateConfig{Enabled: true} }, "ip_rate"},
		{"store driver", func(c *Config) { c.Store.Driver = "redis" }, "store.driver"},
		{"sqlite path", func(c *Config) { c.Store.Driver = "sqlite"; c.Store.Path = "" }, "store.path"},
		{"analysis provider", func(c *Config) { c.Analysis.Provider = "gemini" }, "analysis.provider"},
		{"scheduler action", func(c *Config) {
			c.Scheduler.Tasks = []ScheduledTaskConfig{{Name: "x", Schedule: "1m", Action: "reboot"}}
		}, "action \"reboot\""},
		{"logger format", func(c *Config) { c.Logger.Format = "xml" }, "logger.format"},
		{"tracer exporter", func(c *Config) { c.Tracer.Exporter = "jaeger" }, "tracer.exporter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			errs := validationErrors(t, cfg)
			if tt.want == "" {
				if len(errs) != 0 {
					t.Errorf("unexpected errors: %v", errs)
				}
				return
			}
			if len(errs) == 0 {
				t.Fatalf("expected error containing %q", tt.want)
			}
			if !strings.Contains(strings.Join(errs, "\n"), tt.want) {
				t.Errorf("errors %v do not mention %q", errs, tt.want)
			}
		})
	}
}

func TestValidateAccumulates(t *testing.T) {
	cfg := Defaults()
	cfg.Coordinator.ID = ""
	cfg.Store.Driver = "bogus"
	cfg.Logger.Format = "xml"
	if errs := validationErrors(t, cfg); len(errs) != 3 {
		t.Errorf("got %d errors, want 3: %v", len(errs), errs)
	}
}
