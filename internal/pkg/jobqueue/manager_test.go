package jobqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSchedulesAreValid(t *testing.T) {
	q, _ := newTestQueue(t, newFakeRunner())
	m, err := NewManager(q, DefaultSchedules())
	require.NoError(t, err)
	assert.Same(t, q, m.GetQueue())
	for _, jt := range JobTypes {
		assert.NotEmpty(t, DefaultSchedules()[jt], "%s has no default schedule", jt)
	}
}

func TestNewManagerRejectsBadSchedule(t *testing.T) {
	q, _ := newTestQueue(t, newFakeRunner())
	_, err := NewManager(q, Schedules{JobTypeReconcile: "every six hours"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "reconcile_subscription")
}

func TestSchedulesFromEnv(t *testing.T) {
	t.Setenv("JOB_CHECK_TRIALS_CRON", "*/15 * * * *")
	t.Setenv("JOB_COMPLETE_DOWNGRADES_CRON", "off")

	s := SchedulesFromEnv()
	assert.Equal(t, "*/15 * * * *", s[JobTypeCheckTrialStatus])
	assert.Empty(t, s[JobTypeCompleteDowngrade])
	assert.Equal(t, DefaultSchedules()[JobTypeReconcile], s[JobTypeReconcile])
}

func TestSetManager(t *testing.T) {
	prev := GetManager()
	t.Cleanup(func() { SetManager(prev) })

	q, _ := newTestQueue(t, newFakeRunner())
	m, err := NewManager(q, Schedules{})
	require.NoError(t, err)
	SetManager(m)
	assert.Same(t, m, GetManager())
}

func TestManager_StopWithoutStart(t *testing.T) {
	q, _ := newTestQueue(t, newFakeRunner())
	m, err := NewManager(q, DefaultSchedules())
	require.NoError(t, err)

	// Stop without starting should be safe
	assert.False(t, m.IsRunning())
	m.Stop()
	assert.False(t, m.IsRunning())
}

func TestManager_StartStop(t *testing.T) {
	runner := newFakeRunner()
	runner.candidates["check_trial_status"] = []uint{21}
	q, _ := newTestQueue(t, runner)
	m, err := NewManager(q, Schedules{JobTypeCheckTrialStatus: "0 3 * * *", JobTypeReconcile: ""})
	require.NoError(t, err)

	require.NoError(t, m.Start())
	require.NoError(t, m.Start())
	assert.True(t, m.IsRunning())

	n, err := m.RunSweepOnce(context.Background(), JobTypeCheckTrialStatus, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, WaitForCondition(func() bool { return len(runner.runs()) == 1 }, 5*time.Second))

	m.Stop()
	assert.False(t, m.IsRunning())
	assert.False(t, q.running)
}
