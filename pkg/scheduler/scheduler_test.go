package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketmigration/pkg/models"
)

type stubExecutor struct {
	calls atomic.Int32
	err   error
}

func (e *stubExecutor) Execute(ctx context.Context, schedule *Schedule) error {
	e.calls.Add(1)
	return e.err
}

func newSchedule(id string) *Schedule {
	return &Schedule{
		ID:       id,
		Name:     "nightly trade export",
		CronExpr: "0 2 * * *",
		Enabled:  true,
		Job: JobSpec{
			Groups: []models.RecordGroup{{Table: "trades"}},
			Config: models.DefaultConfig(),
		},
	}
}

func TestAddAndGetSchedule(t *testing.T) {
	s := NewScheduler(&stubExecutor{})

	require.NoError(t, s.AddSchedule(newSchedule("sched-1")))

	got, err := s.GetSchedule("sched-1")
	require.NoError(t, err)
	assert.Equal(t, "nightly trade export", got.Name)
	assert.False(t, got.NextRun.IsZero())
	assert.False(t, got.CreatedAt.IsZero())

	assert.Error(t, s.AddSchedule(newSchedule("sched-1")), "duplicate id must be rejected")
	assert.Len(t, s.ListSchedules(), 1)
}

func TestInvalidCronExpressionRejected(t *testing.T) {
	s := NewScheduler(&stubExecutor{})

	bad := newSchedule("sched-1")
	bad.CronExpr = "not a cron expr"
	err := s.AddSchedule(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid cron expression")
}

func TestRemoveSchedule(t *testing.T) {
	s := NewScheduler(&stubExecutor{})
	require.NoError(t, s.AddSchedule(newSchedule("sched-1")))

	require.NoError(t, s.RemoveSchedule("sched-1"))
	_, err := s.GetSchedule("sched-1")
	assert.Error(t, err)
	assert.Error(t, s.RemoveSchedule("sched-1"))
}

func TestRunNowInvokesExecutor(t *testing.T) {
	exec := &stubExecutor{}
	s := NewScheduler(exec)
	require.NoError(t, s.AddSchedule(newSchedule("sched-1")))

	require.NoError(t, s.RunNow("sched-1"))
	require.Eventually(t, func() bool {
		return exec.calls.Load() == 1
	}, time.Second, 5*time.Millisecond)

	got, err := s.GetSchedule("sched-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.RunCount)
	assert.Equal(t, 0, got.FailCount)
	assert.False(t, got.LastRun.IsZero())
}

func TestFailedRunIncrementsFailCount(t *testing.T) {
	exec := &stubExecutor{err: fmt.Errorf("migration failed")}
	s := NewScheduler(exec)
	require.NoError(t, s.AddSchedule(newSchedule("sched-1")))

	require.NoError(t, s.RunNow("sched-1"))
	require.Eventually(t, func() bool {
		got, err := s.GetSchedule("sched-1")
		return err == nil && got.FailCount == 1
	}, time.Second, 5*time.Millisecond)
}

func TestEnableDisable(t *testing.T) {
	s := NewScheduler(&stubExecutor{})
	require.NoError(t, s.AddSchedule(newSchedule("sched-1")))

	require.NoError(t, s.DisableSchedule("sched-1"))
	got, _ := s.GetSchedule("sched-1")
	assert.False(t, got.Enabled)

	// Idempotent
	require.NoError(t, s.DisableSchedule("sched-1"))

	require.NoError(t, s.EnableSchedule("sched-1"))
	got, _ = s.GetSchedule("sched-1")
	assert.True(t, got.Enabled)
}

func TestUpdatePreservesCounters(t *testing.T) {
	exec := &stubExecutor{}
	s := NewScheduler(exec)
	require.NoError(t, s.AddSchedule(newSchedule("sched-1")))
	require.NoError(t, s.RunNow("sched-1"))
	require.Eventually(t, func() bool { return exec.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	updated := newSchedule("sched-1")
	updated.Name = "hourly trade export"
	updated.CronExpr = "0 * * * *"
	require.NoError(t, s.UpdateSchedule(updated))

	got, err := s.GetSchedule("sched-1")
	require.NoError(t, err)
	assert.Equal(t, "hourly trade export", got.Name)
	assert.Equal(t, 1, got.RunCount)
}

func TestReturnedSchedulesAreCopies(t *testing.T) {
	s := NewScheduler(&stubExecutor{})
	require.NoError(t, s.AddSchedule(newSchedule("sched-1")))

	got, err := s.GetSchedule("sched-1")
	require.NoError(t, err)
	got.Name = "mutated"
	got.RunCount = 99

	again, err := s.GetSchedule("sched-1")
	require.NoError(t, err)
	assert.Equal(t, "nightly trade export", again.Name)
	assert.Equal(t, 0, again.RunCount)

	listed := s.ListSchedules()
	require.Len(t, listed, 1)
	listed[0].Name = "also mutated"

	again, err = s.GetSchedule("sched-1")
	require.NoError(t, err)
	assert.Equal(t, "nightly trade export", again.Name)
}

func TestStatsCountsByState(t *testing.T) {
	s := NewScheduler(&stubExecutor{})
	require.NoError(t, s.AddSchedule(newSchedule("sched-1")))

	disabled := newSchedule("sched-2")
	disabled.Enabled = false
	require.NoError(t, s.AddSchedule(disabled))

	stats := s.GetStats()
	assert.Equal(t, 2, stats.TotalSchedules)
	assert.Equal(t, 1, stats.ActiveSchedules)
	assert.Equal(t, 1, stats.DisabledSchedules)
	assert.False(t, stats.NextRun.IsZero())
}

func TestStartStopLifecycle(t *testing.T) {
	s := NewScheduler(&stubExecutor{})

	require.NoError(t, s.Start())
	assert.Error(t, s.Start(), "double start must be rejected")
	require.NoError(t, s.Stop())
	assert.Error(t, s.Stop(), "double stop must be rejected")
}
