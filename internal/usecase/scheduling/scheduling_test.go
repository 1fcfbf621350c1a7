package scheduling

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSchedulerStartStop(t *testing.T) {
	s := NewScheduler(newTestLogger())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Double stop is a no-op.
	require.NoError(t, s.Stop())
}

func TestSchedulerStopWithoutStart(t *testing.T) {
	s := NewScheduler(newTestLogger())
	require.NoError(t, s.Stop())
}

func TestSchedulerActionFires(t *testing.T) {
	var count atomic.Int32

	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionDeadlineSweep, func(ctx context.Context) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, s.AddTask(ScheduledTask{
		Name: "sweep", Schedule: "50ms", Action: ActionDeadlineSweep,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, s.Stop())

	if c := count.Load(); c < 1 {
		t.Errorf("action fired %d times, expected at least 1", c)
	}
}

func TestSchedulerActionErrorKeepsRunning(t *testing.T) {
	var count atomic.Int32
	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionAnomalyScan, func(ctx context.Context) error {
		count.Add(1)
		return fmt.Errorf("scan failed")
	})
	require.NoError(t, s.AddTask(ScheduledTask{Name: "scan", Schedule: "30ms", Action: ActionAnomalyScan}))
	require.NoError(t, s.Start(context.Background()))
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, s.Stop())

	assert.GreaterOrEqual(t, count.Load(), int32(2))
}

func TestSchedulerUnknownAction(t *testing.T) {
	s := NewScheduler(newTestLogger())
	err := s.AddTask(ScheduledTask{Name: "unknown", Schedule: "100ms", Action: "does_not_exist"})
	require.Error(t, err)
}

func TestSchedulerDuplicateTask(t *testing.T) {
	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionLoadRebalance, func(context.Context) error { return nil })
	require.NoError(t, s.AddTask(ScheduledTask{Name: "rebalance", Schedule: "1m", Action: ActionLoadRebalance}))
	require.Error(t, s.AddTask(ScheduledTask{Name: "rebalance", Schedule: "2m", Action: ActionLoadRebalance}))
}

func TestSchedulerInvalidSchedule(t *testing.T) {
	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionRetentionReap, func(context.Context) error { return nil })
	err := s.AddTask(ScheduledTask{Name: "reap", Schedule: "not a schedule", Action: ActionRetentionReap})
	require.Error(t, err)
}

func TestSchedulerOneShot(t *testing.T) {
	var count atomic.Int32
	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionAgentDiscovery, func(context.Context) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, s.AddTask(ScheduledTask{
		Name: "discover-once", Schedule: "20ms", Action: ActionAgentDiscovery, OneShot: true,
	}))
	require.NoError(t, s.Start(context.Background()))
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, s.Stop())

	assert.Equal(t, int32(1), count.Load())
	assert.Empty(t, s.Tasks())
}

func TestSchedulerRunNow(t *testing.T) {
	s := NewScheduler(newTestLogger())
	var ran atomic.Bool
	s.RegisterAction(ActionPerformanceAnalyze, func(ctx context.Context) error {
		_, hasDeadline := ctx.Deadline()
		ran.Store(hasDeadline)
		return nil
	})
	require.NoError(t, s.RunNow(context.Background(), ActionPerformanceAnalyze))
	assert.True(t, ran.Load())
	require.Error(t, s.RunNow(context.Background(), ActionRateWindowReap))
}

func TestSchedulerContextCancellation(t *testing.T) {
	s := NewScheduler(newTestLogger())
	cancelled := make(chan struct{}, 1)
	s.RegisterAction(ActionDeadlineSweep, func(ctx context.Context) error {
		<-ctx.Done()
		select {
		case cancelled <- struct{}{}:
		default:
		}
		return ctx.Err()
	})
	require.NoError(t, s.AddTask(ScheduledTask{Name: "block", Schedule: "10ms", Action: ActionDeadlineSweep}))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("action did not observe cancellation")
	}
	require.NoError(t, s.Stop())
}

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"*/5 * * * *", false},
		{"@hourly", false},
		{"30s", false},
		{"250ms", false},
		{"", true},
		{"-5s", true},
		{"every tuesday", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			_, err := ParseSchedule(tt.in)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseSchedule(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
		})
	}
}

func TestConstantDelaySubSecond(t *testing.T) {
	sched, err := ParseSchedule("250ms")
	require.NoError(t, err)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, base.Add(250*time.Millisecond), sched.Next(base))
}
