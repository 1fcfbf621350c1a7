package multiagent

import (
	"math"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"
)

// ScoringConfig holds the composite score weights and normalization bounds.
type ScoringConfig struct {
	ResponseWeight     float64
	SuccessWeight      float64
	AvailabilityWeight float64
	WorkloadWeight     float64

	ResponseWindow     int           // response samples averaged
	SuccessWindow      int           // success samples averaged
	ResponseCeiling    time.Duration // average at or above this scores 0
	AvailabilityWindow time.Duration // silence at or above this scores 0
	DefaultResponse    float64       // score with no response history
	DefaultSuccess     float64       // score with no success history

	DefaultCapacity float64 // workload capacity when discovery omits it
	HistorySize     int     // ring buffer size
}

// DefaultScoringConfig returns the stock weights (0.3/0.4/0.2/0.1).
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		ResponseWeight:     0.3,
		SuccessWeight:      0.4,
		AvailabilityWeight: 0.2,
		WorkloadWeight:     0.1,
		ResponseWindow:     10,
		SuccessWindow:      20,
		ResponseCeiling:    5 * time.Second,
		AvailabilityWindow: 5 * time.Minute,
		DefaultResponse:    0.5,
		DefaultSuccess:     0.8,
		DefaultCapacity:    100,
		HistorySize:        DefaultHistorySize,
	}
}

func (c ScoringConfig) withDefaults() ScoringConfig {
	d := DefaultScoringConfig()
	if c.ResponseWeight+c.SuccessWeight+c.AvailabilityWeight+c.WorkloadWeight <= 0 {
		c.ResponseWeight, c.SuccessWeight = d.ResponseWeight, d.SuccessWeight
		c.AvailabilityWeight, c.WorkloadWeight = d.AvailabilityWeight, d.WorkloadWeight
	}
	if c.ResponseWindow <= 0 {
		c.ResponseWindow = d.ResponseWindow
	}
	if c.SuccessWindow <= 0 {
		c.SuccessWindow = d.SuccessWindow
	}
	if c.ResponseCeiling <= 0 {
		c.ResponseCeiling = d.ResponseCeiling
	}
	if c.AvailabilityWindow <= 0 {
		c.AvailabilityWindow = d.AvailabilityWindow
	}
	if c.DefaultResponse <= 0 {
		c.DefaultResponse = d.DefaultResponse
	}
	if c.DefaultSuccess <= 0 {
		c.DefaultSuccess = d.DefaultSuccess
	}
	if c.DefaultCapacity <= 0 {
		c.DefaultCapacity = d.DefaultCapacity
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	return c
}

// ScoreInputs is the state the composite score is computed from.
type ScoreInputs struct {
	ResponseTimes    []float64 // ms, oldest first
	SuccessFlags     []float64 // 1/0, oldest first
	SinceLastSeen    time.Duration
	CurrentWorkload  float64
	WorkloadCapacity float64
}

// ScoreBreakdown exposes the individual components of a composite score.
type ScoreBreakdown struct {
	Response     float64 `json:"response"`
	Success      float64 `json:"success"`
	Availability float64 `json:"availability"`
	Workload     float64 `json:"workload"`
	Composite    float64 `json:"composite"`
}

// Compute returns the weighted composite score, clamped to [0,1].
func (c ScoringConfig) Compute(in ScoreInputs) ScoreBreakdown {
	var b ScoreBreakdown

	b.Response = c.DefaultResponse
	if rts := tail(in.ResponseTimes, c.ResponseWindow); len(rts) > 0 {
		b.Response = math.Max(0, 1-mean(rts)/float64(c.ResponseCeiling.Milliseconds()))
	}

	b.Success = c.DefaultSuccess
	if ss := tail(in.SuccessFlags, c.SuccessWindow); len(ss) > 0 {
		b.Success = mean(ss)
	}

	b.Availability = math.Max(0, 1-float64(in.SinceLastSeen)/float64(c.AvailabilityWindow))
	if in.SinceLastSeen < 0 {
		b.Availability = 1
	}

	if in.WorkloadCapacity > 0 {
		b.Workload = math.Max(0, 1-in.CurrentWorkload/in.WorkloadCapacity)
	}

	sum := c.ResponseWeight + c.SuccessWeight + c.AvailabilityWeight + c.WorkloadWeight
	composite := (b.Response*c.ResponseWeight +
		b.Success*c.SuccessWeight +
		b.Availability*c.AvailabilityWeight +
		b.Workload*c.WorkloadWeight) / sum
	b.Composite = clamp01(composite)
	return b
}

// coordinationCapabilities raise an agent's starting score.
var coordinationCapabilities = []string{"message_routing", "workflow_execution", "consensus_participation"}

// InitialScore is the score assigned on discovery, before any history exists.
func InitialScore(capabilities []string, votingPower float64) float64 {
	score := 0.5
	if len(capabilities) > 10 {
		score += 0.1
	}
	if hasAnySubstring(capabilities, coordinationCapabilities) {
		score += 0.2
	}
	if votingPower > 1 {
		score += 0.1
	}
	return math.Min(1, score)
}

// CapabilityMatch is |a ∩ b| / |a|. It is directional and 0 when a is empty.
func CapabilityMatch(a, b []string) float64 {
	if len(a) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(b))
	for _, c := range b {
		set[c] = struct{}{}
	}
	seen := make(map[string]struct{}, len(a))
	n := 0
	for _, c := range a {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		if _, ok := set[c]; ok {
			n++
		}
	}
	return float64(n) / float64(len(seen))
}

// hasAnySubstring reports whether any capability contains any of the needles.
func hasAnySubstring(caps, needles []string) bool {
	for _, c := range caps {
		for _, n := range needles {
			if strings.Contains(c, n) {
				return true
			}
		}
	}
	return false
}

func tail(xs []float64, n int) []float64 {
	if len(xs) > n {
		return xs[len(xs)-n:]
	}
	return xs
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return stat.Mean(xs, nil)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
