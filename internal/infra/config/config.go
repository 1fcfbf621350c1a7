package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the coordinator's file configuration. Every section carries yaml
// and toml tags; the file extension picks the decoder.
type Config struct {
	Includes []string `yaml:"includes,omitempty" toml:"includes,omitempty"`

	Coordinator CoordinatorConfig `yaml:"coordinator" toml:"coordinator"`
	Scoring     ScoringConfig     `yaml:"scoring" toml:"scoring"`
	Router      RouterConfig      `yaml:"router" toml:"router"`
	Consensus   ConsensusConfig   `yaml:"consensus" toml:"consensus"`
	Workflow    WorkflowConfig    `yaml:"workflow" toml:"workflow"`
	Gateway     GatewayConfig     `yaml:"gateway" toml:"gateway"`
	Store       StoreConfig       `yaml:"store" toml:"store"`
	Analysis    AnalysisConfig    `yaml:"analysis" toml:"analysis"`
	Scheduler   SchedulerConfig   `yaml:"scheduler" toml:"scheduler"`
	Logger      LoggerConfig      `yaml:"logger" toml:"logger"`
	Tracer      TracerConfig      `yaml:"tracer" toml:"tracer"`
}

// CoordinatorConfig identifies the coordinator agent and tunes its rounds.
type CoordinatorConfig struct {
	ID              string        `yaml:"id" toml:"id"`
	AgentType       string        `yaml:"agent_type" toml:"agent_type"`
	Capabilities    []string      `yaml:"capabilities" toml:"capabilities"`
	VotingPower     float64       `yaml:"voting_power" toml:"voting_power"`
	Endpoint        string        `yaml:"endpoint" toml:"endpoint"`
	StaleAfter      time.Duration `yaml:"stale_after" toml:"stale_after"`
	AgentRetention  time.Duration `yaml:"agent_retention" toml:"agent_retention"`
	Retention       time.Duration `yaml:"retention" toml:"retention"`
	Workers         int           `yaml:"workers" toml:"workers"`
	DefaultExpected time.Duration `yaml:"default_expected" toml:"default_expected"`
	ExpectedFactor  float64       `yaml:"expected_factor" toml:"expected_factor"`
	TimeoutFactor   float64       `yaml:"timeout_factor" toml:"timeout_factor"`
	SlowAgent       time.Duration `yaml:"slow_agent" toml:"slow_agent"`
}

// ScoringConfig holds the composite score weights.
type ScoringConfig struct {
	ResponseWeight     float64       `yaml:"response_weight" toml:"response_weight"`
	SuccessWeight      float64       `yaml:"success_weight" toml:"success_weight"`
	AvailabilityWeight float64       `yaml:"availability_weight" toml:"availability_weight"`
	WorkloadWeight     float64       `yaml:"workload_weight" toml:"workload_weight"`
	ResponseCeiling    time.Duration `yaml:"response_ceiling" toml:"response_ceiling"`
	AvailabilityWindow time.Duration `yaml:"availability_window" toml:"availability_window"`
	HistorySize        int           `yaml:"history_size" toml:"history_size"`
}

// RouterConfig tunes rerouting.
type RouterConfig struct {
	RerouteBelow       float64 `yaml:"reroute_below" toml:"reroute_below"`
	MinCapabilityMatch float64 `yaml:"min_capability_match" toml:"min_capability_match"`
	LoadBalanceTopN    int     `yaml:"load_balance_top_n" toml:"load_balance_top_n"`
	EfficiencyAlpha    float64 `yaml:"efficiency_alpha" toml:"efficiency_alpha"`
}

// ConsensusConfig tunes proposal defaults.
type ConsensusConfig struct {
	DefaultThreshold     float64       `yaml:"default_threshold" toml:"default_threshold"`
	MaxVoters            int           `yaml:"max_voters" toml:"max_voters"`
	DefaultEstimatedTime time.Duration `yaml:"default_estimated_time" toml:"default_estimated_time"`
	TimeoutFactor        float64       `yaml:"timeout_factor" toml:"timeout_factor"`
	PredictionTimeout    time.Duration `yaml:"prediction_timeout" toml:"prediction_timeout"`
}

// WorkflowConfig points at workflow definitions and tunes planning.
type WorkflowConfig struct {
	DefinitionsDir   string        `yaml:"definitions_dir" toml:"definitions_dir"`
	DefaultPredicted time.Duration `yaml:"default_predicted" toml:"default_predicted"`
	PredictionFactor float64       `yaml:"prediction_factor" toml:"prediction_factor"`
	ExperienceAlpha  float64       `yaml:"experience_alpha" toml:"experience_alpha"`
}

// GatewayConfig holds the HTTP/WebSocket surface settings.
type GatewayConfig struct {
	Enabled      bool                   `yaml:"enabled" toml:"enabled"`
	Addr         string                 `yaml:"addr" toml:"addr"`
	ID           string                 `yaml:"id" toml:"id"`
	Timeout      time.Duration          `yaml:"timeout" toml:"timeout"`
	FunctionsURL string                 `yaml:"functions_url" toml:"functions_url"`
	MaxBodyBytes int64                  `yaml:"max_body_bytes" toml:"max_body_bytes"`
	Routes       []RouteConfig          `yaml:"routes" toml:"routes"`
	Limits       map[string]LimitConfig `yaml:"limits" toml:"limits"`
	Breaker      BreakerConfig          `yaml:"breaker" toml:"breaker"`
	Auth         AuthConfig             `yaml:"auth" toml:"auth"`
	IPRate       IPRateConfig           `yaml:"ip_rate" toml:"ip_rate"`
}

// RouteConfig is a static gateway route. Exactly one of Agent or URL is set.
type RouteConfig struct {
	Path         string `yaml:"path" toml:"path"`
	Agent        string `yaml:"agent,omitempty" toml:"agent,omitempty"`
	URL          string `yaml:"url,omitempty" toml:"url,omitempty"`
	AuthRequired bool   `yaml:"auth_required" toml:"auth_required"`
}

// LimitConfig is one limiter class allowance.
type LimitConfig struct {
	Limit  int           `yaml:"limit" toml:"limit"`
	Window time.Duration `yaml:"window" toml:"window"`
}

// BreakerConfig configures per-route circuit breakers.
type BreakerConfig struct {
	Threshold uint32        `yaml:"threshold" toml:"threshold"`
	CoolDown  time.Duration `yaml:"cool_down" toml:"cool_down"`
}

// AuthConfig holds gateway credentials. Secrets may be enc: values.
type AuthConfig struct {
	JWTSecret   string         `yaml:"jwt_secret" toml:"jwt_secret"`
	AgentSecret string         `yaml:"agent_secret" toml:"agent_secret"`
	APIKeys     []APIKeyConfig `yaml:"api_keys" toml:"api_keys"`
	CacheTTL    time.Duration  `yaml:"cache_ttl" toml:"cache_ttl"`
	CacheSize   int            `yaml:"cache_size" toml:"cache_size"`
}

// APIKeyConfig names one accepted API key.
type APIKeyConfig struct {
	Name string `yaml:"name" toml:"name"`
	Key  string `yaml:"key" toml:"key"`
}

// IPRateConfig is the coarse per-IP guard in front of the whole HTTP surface.
type IPRateConfig struct {
	Enabled bool    `yaml:"enabled" toml:"enabled"`
	Rate    float64 `yaml:"rate" toml:"rate"` // requests per second
	Burst   int     `yaml:"burst" toml:"burst"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver     string `yaml:"driver" toml:"driver"` // null, memory or sqlite
	Path       string `yaml:"path" toml:"path"`     // sqlite database file
	Dir        string `yaml:"dir" toml:"dir"`       // memory snapshot directory
	MaxRecords int    `yaml:"max_records" toml:"max_records"`
}

// AnalysisConfig selects the TextAnalysis provider and its guard.
type AnalysisConfig struct {
	Provider    string        `yaml:"provider" toml:"provider"`
	Model       string        `yaml:"model" toml:"model"`
	APIKey      string        `yaml:"api_key" toml:"api_key"`
	BaseURL     string        `yaml:"base_url" toml:"base_url"`
	Timeout     time.Duration `yaml:"timeout" toml:"timeout"`
	MaxFailures uint32        `yaml:"max_failures" toml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout" toml:"open_timeout"`
	RatePerMin  float64       `yaml:"rate_per_min" toml:"rate_per_min"`
	Burst       int           `yaml:"burst" toml:"burst"`
}

// SchedulerConfig overrides the maintenance schedule.
type SchedulerConfig struct {
	Enabled     bool                  `yaml:"enabled" toml:"enabled"`
	TaskTimeout time.Duration         `yaml:"task_timeout" toml:"task_timeout"`
	Tasks       []ScheduledTaskConfig `yaml:"tasks" toml:"tasks"`
}

// ScheduledTaskConfig binds a maintenance action to a schedule.
type ScheduledTaskConfig struct {
	Name     string `yaml:"name" toml:"name"`
	Schedule string `yaml:"schedule" toml:"schedule"` // cron expression or duration
	Action   string `yaml:"action" toml:"action"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	Output string `yaml:"output" toml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled" toml:"enabled"`
	Exporter    string  `yaml:"exporter" toml:"exporter"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"` // 0 or 1 keeps every trace
	InstanceID  string  `yaml:"-" toml:"-"`                       // set from coordinator.id
}

// defaultDataDir returns $HOME/.a2a-coordinator, or ./data without a home.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".a2a-coordinator")
}

// Defaults returns a Config with the stock settings.
func Defaults() *Config {
	return &Config{
		Coordinator: CoordinatorConfig{
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
			ExpectedFactor:  1.5,
			TimeoutFactor:   1.2,
			SlowAgent:       2 * time.Second,
		},
		Scoring: ScoringConfig{
			ResponseWeight:     0.3,
			SuccessWeight:      0.4,
			AvailabilityWeight: 0.2,
			WorkloadWeight:     0.1,
			ResponseCeiling:    5 * time.Second,
			AvailabilityWindow: 5 * time.Minute,
			HistorySize:        100,
		},
		Router: RouterConfig{
			RerouteBelow:       0.5,
			MinCapabilityMatch: 0.7,
			LoadBalanceTopN:    3,
			EfficiencyAlpha:    0.1,
		},
		Consensus: ConsensusConfig{
			DefaultThreshold:     0.67,
			MaxVoters:            20,
			DefaultEstimatedTime: 2 * time.Minute,
			TimeoutFactor:        1.2,
			PredictionTimeout:    30 * time.Second,
		},
		Workflow: WorkflowConfig{
			DefaultPredicted: time.Minute,
			PredictionFactor: 1.1,
			ExperienceAlpha:  0.2,
		},
		Gateway: GatewayConfig{
			Enabled:      true,
			Addr:         "127.0.0.1:8090",
			ID:           "api-gateway",
			Timeout:      30 * time.Second,
			MaxBodyBytes: 1 << 20,
			Limits: map[string]LimitConfig{
				"default":   {Limit: 100, Window: time.Minute},
				"functions": {Limit: 200, Window: time.Minute},
				"agents":    {Limit: 100, Window: time.Minute},
				"discovery": {Limit: 50, Window: time.Minute},
			},
			Breaker: BreakerConfig{Threshold: 5, CoolDown: time.Minute},
			Auth:    AuthConfig{CacheTTL: 5 * time.Minute, CacheSize: 1024},
			IPRate:  IPRateConfig{Rate: 50, Burst: 100},
		},
		Store: StoreConfig{
			Driver: "memory",
			Path:   filepath.Join(defaultDataDir(), "coordinator.db"),
		},
		Analysis: AnalysisConfig{
			Timeout:     20 * time.Second,
			MaxFailures: 5,
			OpenTimeout: 30 * time.Second,
			RatePerMin:  30,
			Burst:       5,
		},
		Scheduler: SchedulerConfig{
			Enabled:     true,
			TaskTimeout: 5 * time.Minute,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
	}
}

// IsTOML reports whether path names a TOML file.
func IsTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// decode unmarshals data onto cfg with the decoder picked by path.
func decode(path string, data []byte, cfg *Config) error {
	if IsTOML(path) {
		_, err := toml.Decode(string(data), cfg)
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Load reads a YAML or TOML config file, merges includes, applies env var
// overrides, decrypts secrets and validates. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := decode(absPath, data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}
		// The main file wins over its includes.
		if err := decode(absPath, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("A2A_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	} else if name := firstEncrypted(cfg); name != "" {
		return nil, fmt.Errorf("%s is encrypted but A2A_CONFIG_KEY is not set", name)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*dst = d
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	switch os.Getenv(key) {
	case "true", "1":
		*dst = true
	case "false", "0":
		*dst = false
	}
}

// ApplyEnvOverrides maps A2A_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	envString("A2A_COORDINATOR_ID", &cfg.Coordinator.ID)
	envString("A2A_COORDINATOR_ENDPOINT", &cfg.Coordinator.Endpoint)
	envInt("A2A_COORDINATOR_WORKERS", &cfg.Coordinator.Workers)
	envDuration("A2A_COORDINATOR_STALE_AFTER", &cfg.Coordinator.StaleAfter)
	envDuration("A2A_COORDINATOR_RETENTION", &cfg.Coordinator.Retention)
	if v := os.Getenv("A2A_COORDINATOR_CAPABILITIES"); v != "" {
		cfg.Coordinator.Capabilities = splitAndTrim(v, ",")
	}

	envFloat("A2A_CONSENSUS_DEFAULT_THRESHOLD", &cfg.Consensus.DefaultThreshold)
	envInt("A2A_CONSENSUS_MAX_VOTERS", &cfg.Consensus.MaxVoters)

	envString("A2A_WORKFLOW_DEFINITIONS_DIR", &cfg.Workflow.DefinitionsDir)

	envBool("A2A_GATEWAY_ENABLED", &cfg.Gateway.Enabled)
	envString("A2A_GATEWAY_ADDR", &cfg.Gateway.Addr)
	envString("A2A_GATEWAY_FUNCTIONS_URL", &cfg.Gateway.FunctionsURL)
	envDuration("A2A_GATEWAY_TIMEOUT", &cfg.Gateway.Timeout)
	envString("A2A_GATEWAY_JWT_SECRET", &cfg.Gateway.Auth.JWTSecret)
	envString("A2A_GATEWAY_AGENT_SECRET", &cfg.Gateway.Auth.AgentSecret)
	if v := os.Getenv("A2A_GATEWAY_API_KEY"); v != "" {
		cfg.Gateway.Auth.APIKeys = append(cfg.Gateway.Auth.APIKeys, APIKeyConfig{Name: "env", Key: v})
	}

	envString("A2A_STORE_DRIVER", &cfg.Store.Driver)
	envString("A2A_STORE_PATH", &cfg.Store.Path)
	envString("A2A_STORE_DIR", &cfg.Store.Dir)

	envString("A2A_ANALYSIS_PROVIDER", &cfg.Analysis.Provider)
	envString("A2A_ANALYSIS_MODEL", &cfg.Analysis.Model)
	envString("A2A_ANALYSIS_API_KEY", &cfg.Analysis.APIKey)
	envString("A2A_ANALYSIS_BASE_URL", &cfg.Analysis.BaseURL)

	envBool("A2A_SCHEDULER_ENABLED", &cfg.Scheduler.Enabled)

	envString("A2A_LOGGER_LEVEL", &cfg.Logger.Level)
	envString("A2A_LOGGER_FORMAT", &cfg.Logger.Format)
	envString("A2A_LOGGER_OUTPUT", &cfg.Logger.Output)

	envBool("A2A_TRACER_ENABLED", &cfg.Tracer.Enabled)
	envString("A2A_TRACER_EXPORTER", &cfg.Tracer.Exporter)
	envFloat("A2A_TRACER_SAMPLE_RATIO", &cfg.Tracer.SampleRatio)
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
