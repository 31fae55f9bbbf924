package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/common"
)

type fakeQueue struct {
	mu                 sync.Mutex
	stallChecks        int
	cleanups           int
	retries            int
	completedRetention time.Duration
	failedRetention    time.Duration
	cleanupErr         error
}

func (q *fakeQueue) MarkStalled(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stallChecks++
	return 1, nil
}

func (q *fakeQueue) Cleanup(ctx context.Context, completedRetention, failedRetention time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cleanups++
	q.completedRetention = completedRetention
	q.failedRetention = failedRetention
	return 0, q.cleanupErr
}

func (q *fakeQueue) RetryAllFailed(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retries++
	return 2, nil
}

func (q *fakeQueue) stalls() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stallChecks
}

func TestService_RegistersMaintenanceJobs(t *testing.T) {
	queue := &fakeQueue{}
	s := NewService(arbor.NewLogger())

	config := common.NewDefaultConfig().Scheduler
	require.NoError(t, s.RegisterQueueMaintenance(queue, config, time.Hour, 24*time.Hour))

	statuses := s.GetAllJobStatuses()
	assert.Len(t, statuses, 2)
	assert.Contains(t, statuses, JobStallCheck)
	assert.Contains(t, statuses, JobCleanup)
	assert.NotContains(t, statuses, JobRetryFailed)

	require.NoError(t, s.TriggerJob(JobCleanup))
	assert.Equal(t, time.Hour, queue.completedRetention)
	assert.Equal(t, 24*time.Hour, queue.failedRetention)

	status, err := s.GetJobStatus(JobCleanup)
	require.NoError(t, err)
	assert.NotNil(t, status.LastRun)
	assert.Empty(t, status.LastError)
}

func TestService_RetryFailedIsOptIn(t *testing.T) {
	queue := &fakeQueue{}
	s := NewService(arbor.NewLogger())

	config := common.SchedulerConfig{StallCheck: "@every 1m", Cleanup: "@hourly", RetryFailed: "0 3 * * *"}
	require.NoError(t, s.RegisterQueueMaintenance(queue, config, time.Hour, time.Hour))

	require.NoError(t, s.TriggerJob(JobRetryFailed))
	assert.Equal(t, 1, queue.retries)
}

func TestService_RejectsInvalidSchedules(t *testing.T) {
	s := NewService(arbor.NewLogger())

	err := s.RegisterQueueMaintenance(&fakeQueue{}, common.SchedulerConfig{StallCheck: "every so often", Cleanup: "@hourly"}, 0, 0)
	assert.Error(t, err)

	handler := func(ctx context.Context) error { return nil }
	require.NoError(t, s.RegisterJob("once", "@daily", "", handler))
	assert.Error(t, s.RegisterJob("once", "@daily", "", handler))
}

func TestService_TriggerJobReportsFailures(t *testing.T) {
	queue := &fakeQueue{cleanupErr: errors.New("disk full")}
	s := NewService(arbor.NewLogger())
	require.NoError(t, s.RegisterQueueMaintenance(queue, common.NewDefaultConfig().Scheduler, 0, 0))

	err := s.TriggerJob(JobCleanup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	status, err := s.GetJobStatus(JobCleanup)
	require.NoError(t, err)
	assert.Equal(t, "disk full", status.LastError)

	assert.Error(t, s.TriggerJob("missing"))

	require.NoError(t, s.RegisterJob("panics", "@daily", "", func(ctx context.Context) error { panic("boom") }))
	assert.Error(t, s.TriggerJob("panics"))
}

func TestService_RunsJobsOnSchedule(t *testing.T) {
	queue := &fakeQueue{}
	s := NewService(arbor.NewLogger())

	config := common.SchedulerConfig{StallCheck: "@every 1s", Cleanup: "@hourly"}
	require.NoError(t, s.RegisterQueueMaintenance(queue, config, 0, 0))
	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())
	assert.Error(t, s.Start())

	assert.Eventually(t, func() bool { return queue.stalls() > 0 }, 3*time.Second, 50*time.Millisecond)

	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
	require.NoError(t, s.Stop())
}
