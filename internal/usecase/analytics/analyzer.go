package analytics

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"a2a-coordinator/internal/domain"
	"a2a-coordinator/internal/usecase/multiagent"
)

// Config holds the detection and balancing thresholds.
type Config struct {
	PerformanceDrop      float64 // score fall that counts as a performance_drop
	ErrorWindow          int     // attempts considered for error and success rates
	ErrorRate            float64
	CriticalErrorRate    float64
	ConsensusDelayFactor float64
	DefaultConsensusTime time.Duration
	Overloaded           float64 // utilization above which an agent is a bottleneck
	Underloaded          float64
	TargetUtilization    float64 // rebalancing moves load toward this level
	ImbalanceSpread      float64 // population std-dev of utilization that triggers rebalancing
	SlowResponse         time.Duration
	CriticalResponse     time.Duration
	LowSuccess           float64
	CriticalSuccess      float64
	Underperformer       float64
	ResearchTimeout      time.Duration
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		PerformanceDrop:      0.3,
		ErrorWindow:          20,
		ErrorRate:            0.2,
		CriticalErrorRate:    0.5,
		ConsensusDelayFactor: 1.5,
		DefaultConsensusTime: 2 * time.Minute,
		Overloaded:           0.8,
		Underloaded:          0.3,
		TargetUtilization:    0.7,
		ImbalanceSpread:      0.3,
		SlowResponse:         3 * time.Second,
		CriticalResponse:     5 * time.Second,
		LowSuccess:           0.7,
		CriticalSuccess:      0.5,
		Underperformer:       0.6,
		ResearchTimeout:      30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	setF := func(v *float64, def float64) {
		if *v <= 0 {
			*v = def
		}
	}
	setD := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	setF(&c.PerformanceDrop, d.PerformanceDrop)
	setF(&c.ErrorRate, d.ErrorRate)
	setF(&c.CriticalErrorRate, d.CriticalErrorRate)
	setF(&c.ConsensusDelayFactor, d.ConsensusDelayFactor)
	setF(&c.Overloaded, d.Overloaded)
	setF(&c.Underloaded, d.Underloaded)
	setF(&c.TargetUtilization, d.TargetUtilization)
	setF(&c.ImbalanceSpread, d.ImbalanceSpread)
	setF(&c.LowSuccess, d.LowSuccess)
	setF(&c.CriticalSuccess, d.CriticalSuccess)
	setF(&c.Underperformer, d.Underperformer)
	setD(&c.DefaultConsensusTime, d.DefaultConsensusTime)
	setD(&c.SlowResponse, d.SlowResponse)
	setD(&c.CriticalResponse, d.CriticalResponse)
	setD(&c.ResearchTimeout, d.ResearchTimeout)
	if c.ErrorWindow <= 0 {
		c.ErrorWindow = d.ErrorWindow
	}
	return c
}

// Notifier sends coordinator messages to agents.
type Notifier interface {
	Send(ctx context.Context, to string, t domain.MessageType, priority domain.Priority, payload any) error
}

// ProposalLister exposes open proposals for delay detection.
type ProposalLister interface {
	List(status domain.ProposalStatus) []domain.ConsensusProposal
}

// Deps are the collaborators of an Analyzer. Registry and Anomalies are
// required.
type Deps struct {
	Registry  *multiagent.Registry
	Anomalies *AnomalyLog
	Proposals ProposalLister
	Notifier  Notifier
	Insights  domain.InsightSource
	Clock     domain.Clock
	Logger    *slog.Logger
}

// Analyzer runs the periodic scans over the agent population and keeps the
// latest trends, opportunities and research results.
type Analyzer struct {
	cfg  Config
	deps Deps

	mu            sync.Mutex
	trends        Trends
	opportunities []Opportunity
	research      *Research
	delayReported map[string]domain.Severity
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(cfg Config, deps Deps) *Analyzer {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	deps.Clock = domain.ClockOrSystem(deps.Clock)
	return &Analyzer{
		cfg:           cfg.withDefaults(),
		deps:          deps,
		trends:        Trends{ResponseTime: TrendStable, SuccessRate: TrendStable},
		delayReported: make(map[string]domain.Severity),
	}
}

// Config returns the effective thresholds.
func (a *Analyzer) Config() Config { return a.cfg }

// Anomalies returns the anomaly log the analyzer writes to.
func (a *Analyzer) Anomalies() *AnomalyLog { return a.deps.Anomalies }

func (a *Analyzer) send(ctx context.Context, to string, t domain.MessageType, priority domain.Priority, payload any) {
	if a.deps.Notifier == nil {
		return
	}
	if err := a.deps.Notifier.Send(ctx, to, t, priority, payload); err != nil {
		a.deps.Logger.Warn("analytics message failed", "to", to, "type", t, "error", err)
	}
}

func avg(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return stat.Mean(xs, nil)
}

func tail(xs []float64, n int) []float64 {
	if len(xs) > n {
		return xs[len(xs)-n:]
	}
	return xs
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
