// Package analytics detects anomalies and bottlenecks across the agent
// population and plans load rebalancing.
package analytics

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"a2a-coordinator/internal/domain"
)

// DefaultAnomalyLimit is how many anomalies the log keeps in memory.
const DefaultAnomalyLimit = 100

// LogOptions configures an AnomalyLog. Store and Bus may be nil.
type LogOptions struct {
	Limit  int
	Store  domain.Store
	Bus    domain.EventBus
	Clock  domain.Clock
	Logger *slog.Logger
}

// AnomalyLog is a bounded, append-only record of anomalies. Every entry is
// also persisted to the anomalies table and published on the bus.
type AnomalyLog struct {
	opts LogOptions

	mu      sync.RWMutex
	entries []domain.Anomaly
}

// NewAnomalyLog creates an empty log.
func NewAnomalyLog(opts LogOptions) *AnomalyLog {
	if opts.Limit <= 0 {
		opts.Limit = DefaultAnomalyLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	opts.Clock = domain.ClockOrSystem(opts.Clock)
	return &AnomalyLog{opts: opts}
}

// Record appends a. Missing IDs and timestamps are filled in; the oldest
// entry is dropped once the limit is reached.
func (l *AnomalyLog) Record(ctx context.Context, a domain.Anomaly) {
	if a.DetectedAt.IsZero() {
		a.DetectedAt = l.opts.Clock.Now()
	}
	if a.ID == "" {
		a.ID = domain.NewID("anom_", a.DetectedAt)
	}

	l.mu.Lock()
	l.entries = append(l.entries, a)
	if over := len(l.entries) - l.opts.Limit; over > 0 {
		l.entries = append([]domain.Anomaly(nil), l.entries[over:]...)
	}
	l.mu.Unlock()

	level := slog.LevelInfo
	if a.Severity == domain.SeverityHigh || a.Severity == domain.SeverityCritical {
		level = slog.LevelWarn
	}
	l.opts.Logger.Log(ctx, level, "anomaly recorded",
		"type", a.Type, "severity", a.Severity, "subject", a.Subject)

	if l.opts.Store != nil {
		rec, err := domain.NewRecord(a.ID, a, a.DetectedAt)
		if err == nil {
			err = l.opts.Store.Upsert(ctx, domain.TableAnomalies, rec)
		}
		if err != nil {
			l.opts.Logger.Warn("persist anomaly failed", "anomaly_id", a.ID, "error", err)
		}
	}
	if l.opts.Bus != nil {
		l.opts.Bus.Publish(ctx, domain.NewEvent(domain.EventAnomalyRecorded, a.Subject, a.DetectedAt, a))
	}
}

// Recent returns the newest n anomalies, oldest first. n <= 0 returns all.
func (l *AnomalyLog) Recent(n int) []domain.Anomaly {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n <= 0 || n > len(l.entries) {
		n = len(l.entries)
	}
	return append([]domain.Anomaly(nil), l.entries[len(l.entries)-n:]...)
}

// Since returns anomalies detected at or after t.
func (l *AnomalyLog) Since(t time.Time) []domain.Anomaly {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []domain.Anomaly
	for _, a := range l.entries {
		if !a.DetectedAt.Before(t) {
			out = append(out, a)
		}
	}
	return out
}

// About returns the newest n anomalies whose subject is id.
func (l *AnomalyLog) About(id string, n int) []domain.Anomaly {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []domain.Anomaly
	for i := len(l.entries) - 1; i >= 0 && (n <= 0 || len(out) < n); i-- {
		if l.entries[i].Subject == id {
			out = append(out, l.entries[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// CountByType tallies the retained anomalies per type.
func (l *AnomalyLog) CountByType() map[domain.AnomalyType]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[domain.AnomalyType]int)
	for _, a := range l.entries {
		out[a.Type]++
	}
	return out
}

// Len returns the number of retained anomalies.
func (l *AnomalyLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
