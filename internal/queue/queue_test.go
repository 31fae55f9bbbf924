package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/common"
	"github.com/ternarybob/folio/internal/interfaces"
	"github.com/ternarybob/folio/internal/models"
	storage "github.com/ternarybob/folio/internal/storage/badger"
	"github.com/timshannon/badgerhold/v4"
)

type testQueue struct {
	manager  *Manager
	messages *BadgerManager
	jobs     interfaces.JobStorage
}

func newTestQueue(t *testing.T, mutate func(c *Config)) *testQueue {
	t.Helper()

	logger := arbor.NewLogger()
	sm, err := storage.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { sm.Close() })

	config := NewDefaultConfig()
	config.VisibilityTimeout = time.Minute
	config.BackoffDelay = 10 * time.Millisecond
	if mutate != nil {
		mutate(&config)
	}

	messages, err := NewBadgerManager(sm.DB().(*badgerhold.Store).Badger(), config.QueueName, config.VisibilityTimeout)
	require.NoError(t, err)

	return &testQueue{
		manager:  NewManager(messages, sm.JobStorage(), config, logger),
		messages: messages,
		jobs:     sm.JobStorage(),
	}
}

func payload(docID string, priority int) models.JobPayload {
	return models.JobPayload{
		DocumentID:     docID,
		CaseID:         "case-1",
		DisplayName:    docID + ".pdf",
		SourceLocation: "/data/" + docID + ".pdf",
		Priority:       priority,
	}
}

func TestBadgerManager_ReceiveOrdersByPriorityThenFIFO(t *testing.T) {
	q := newTestQueue(t, nil)
	ctx := context.Background()

	for _, msg := range []models.QueueMessage{
		{JobID: "low-1", Priority: 5},
		{JobID: "high", Priority: 1},
		{JobID: "low-2", Priority: 5},
	} {
		require.NoError(t, q.messages.Enqueue(ctx, msg, 0))
		time.Sleep(2 * time.Millisecond)
	}

	var order []string
	for i := 0; i < 3; i++ {
		msg, err := q.messages.Receive(ctx)
		require.NoError(t, err)
		order = append(order, msg.JobID)
	}
	assert.Equal(t, []string{"high", "low-1", "low-2"}, order)

	_, err := q.messages.Receive(ctx)
	assert.ErrorIs(t, err, models.ErrNoMessage)

	stats, err := q.messages.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.InFlight)
}

func TestBadgerManager_DelayedMessageIsInvisible(t *testing.T) {
	q := newTestQueue(t, nil)
	ctx := context.Background()

	require.NoError(t, q.messages.Enqueue(ctx, models.QueueMessage{JobID: "later"}, 50*time.Millisecond))

	_, err := q.messages.Receive(ctx)
	assert.ErrorIs(t, err, models.ErrNoMessage)

	time.Sleep(80 * time.Millisecond)
	msg, err := q.messages.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "later", msg.JobID)
}

func TestBadgerManager_ExpiredAndRecoverInFlight(t *testing.T) {
	q := newTestQueue(t, nil)
	ctx := context.Background()

	require.NoError(t, q.messages.Enqueue(ctx, models.QueueMessage{JobID: "a"}, 0))
	_, err := q.messages.Receive(ctx)
	require.NoError(t, err)

	expired, err := q.messages.Expired(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)

	require.NoError(t, q.messages.Extend(ctx, "a", time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	expired, err = q.messages.Expired(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, expired)

	recovered, err := q.messages.RecoverInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, recovered)

	stats, err := q.messages.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Ready)
	assert.Zero(t, stats.InFlight)
}

func TestManager_EnqueueIsIdempotentWhileOutstanding(t *testing.T) {
	q := newTestQueue(t, nil)
	ctx := context.Background()

	first, created, err := q.manager.Enqueue(ctx, payload("d1", 1))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "doc-d1", first.ID)

	again, created, err := q.manager.Enqueue(ctx, payload("d1", 1))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	job, err := q.manager.Receive(ctx)
	require.NoError(t, err)
	_, created, err = q.manager.Enqueue(ctx, payload("d1", 1))
	require.NoError(t, err)
	assert.False(t, created, "active job must not be duplicated")

	require.NoError(t, q.manager.Complete(ctx, job))
	_, created, err = q.manager.Enqueue(ctx, payload("d1", 1))
	require.NoError(t, err)
	assert.True(t, created, "finished job can be submitted again")

	stats, err := q.messages.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Ready)
}

func TestManager_EnqueueRejectsInvalidPayload(t *testing.T) {
	q := newTestQueue(t, nil)

	_, _, err := q.manager.Enqueue(context.Background(), models.JobPayload{DocumentID: "d1"})
	assert.Error(t, err)
}

func TestManager_FailRetriesWithBackoffThenParks(t *testing.T) {
	q := newTestQueue(t, nil)
	ctx := context.Background()
	cause := errors.New("store unavailable")

	_, _, err := q.manager.Enqueue(ctx, payload("d1", 0))
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		var job *models.QueueJob
		require.Eventually(t, func() bool {
			job, err = q.manager.Receive(ctx)
			return err == nil
		}, 2*time.Second, 5*time.Millisecond, "attempt %d", attempt)

		assert.Equal(t, attempt, job.Delivery)
		require.NoError(t, q.manager.Fail(ctx, job, cause))

		status, err := q.manager.GetStatus(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, attempt, status.Attempts)
		if attempt < 3 {
			assert.Equal(t, models.JobStateDelayed, status.QueueState)
		} else {
			assert.Equal(t, models.JobStateFailed, status.QueueState)
			assert.Contains(t, status.FailureReason, models.ErrRetriesExhausted.Error())
			assert.Contains(t, status.FailureReason, "store unavailable")
			assert.NotNil(t, status.FinishedAt)
		}
	}

	_, err = q.manager.Receive(ctx)
	assert.ErrorIs(t, err, models.ErrNoMessage)

	retried, err := q.manager.RetryAllFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, retried)

	job, err := q.manager.Receive(ctx)
	require.NoError(t, err)
	assert.Zero(t, job.Attempts)
	assert.Equal(t, models.JobStateActive, job.State)
}

func TestConfig_Backoff(t *testing.T) {
	c := Config{BackoffDelay: time.Second}
	assert.Equal(t, time.Second, c.Backoff(1))
	assert.Equal(t, 2*time.Second, c.Backoff(2))
	assert.Equal(t, 4*time.Second, c.Backoff(3))
}

func TestManager_LeaseLostAfterRedelivery(t *testing.T) {
	q := newTestQueue(t, func(c *Config) { c.VisibilityTimeout = 20 * time.Millisecond })
	ctx := context.Background()

	_, _, err := q.manager.Enqueue(ctx, payload("d1", 0))
	require.NoError(t, err)

	first, err := q.manager.Receive(ctx)
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	stalled, err := q.manager.MarkStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stalled)

	status, err := q.manager.GetStatus(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateStalled, status.QueueState)

	second, err := q.manager.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Delivery)

	assert.ErrorIs(t, q.manager.Heartbeat(ctx, first, 50), models.ErrLeaseLost)
	assert.ErrorIs(t, q.manager.Complete(ctx, first), models.ErrLeaseLost)

	require.NoError(t, q.manager.Heartbeat(ctx, second, 60))
	require.NoError(t, q.manager.Complete(ctx, second))

	status, err = q.manager.GetStatus(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCompleted, status.QueueState)
	assert.Equal(t, 100, status.Progress)
}

func TestManager_ReenqueueKeepsEarlierLeasesLost(t *testing.T) {
	q := newTestQueue(t, func(c *Config) {
		c.VisibilityTimeout = 10 * time.Millisecond
		c.MaxStalled = 0
	})
	ctx := context.Background()

	_, _, err := q.manager.Enqueue(ctx, payload("d1", 0))
	require.NoError(t, err)
	abandoned, err := q.manager.Receive(ctx)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	_, err = q.manager.MarkStalled(ctx)
	require.NoError(t, err)

	status, err := q.manager.GetStatus(ctx, abandoned.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStateFailed, status.QueueState)

	_, created, err := q.manager.Enqueue(ctx, payload("d1", 0))
	require.NoError(t, err)
	require.True(t, created)

	fresh, err := q.manager.Receive(ctx)
	require.NoError(t, err)
	assert.Greater(t, fresh.Delivery, abandoned.Delivery)

	assert.ErrorIs(t, q.manager.Heartbeat(ctx, abandoned, 50), models.ErrLeaseLost)
	assert.ErrorIs(t, q.manager.Complete(ctx, abandoned), models.ErrLeaseLost)
	assert.ErrorIs(t, q.manager.Fail(ctx, abandoned, errors.New("late")), models.ErrLeaseLost)

	status, err = q.manager.GetStatus(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateActive, status.QueueState)

	require.NoError(t, q.manager.Complete(ctx, fresh))
}

func TestManager_StallingTooOftenFailsJob(t *testing.T) {
	q := newTestQueue(t, func(c *Config) {
		c.VisibilityTimeout = 10 * time.Millisecond
		c.MaxStalled = 1
	})
	ctx := context.Background()

	_, _, err := q.manager.Enqueue(ctx, payload("d1", 0))
	require.NoError(t, err)

	_, err = q.manager.Receive(ctx)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	// First stall is detected on redelivery.
	_, err = q.manager.Receive(ctx)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	_, err = q.manager.Receive(ctx)
	assert.ErrorIs(t, err, models.ErrNoMessage)

	status, err := q.manager.GetStatus(ctx, models.DocumentJobID("d1"))
	require.NoError(t, err)
	assert.Equal(t, models.JobStateFailed, status.QueueState)
	assert.Contains(t, status.FailureReason, "stalled")
}

func TestManager_RecoverInFlightRedelivers(t *testing.T) {
	q := newTestQueue(t, nil)
	ctx := context.Background()

	_, _, err := q.manager.Enqueue(ctx, payload("d1", 0))
	require.NoError(t, err)
	_, err = q.manager.Receive(ctx)
	require.NoError(t, err)

	// Simulate a restart: the lease is still running but its holder is gone.
	recovered, err := q.manager.RecoverInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	job, err := q.manager.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, job.Delivery)
	assert.Equal(t, 1, job.StalledCount)
}

func TestManager_RecoverInFlightRestoresMissingMessage(t *testing.T) {
	q := newTestQueue(t, nil)
	ctx := context.Background()

	_, _, err := q.manager.Enqueue(ctx, payload("d1", 0))
	require.NoError(t, err)
	require.NoError(t, q.messages.Delete(ctx, models.DocumentJobID("d1")))

	_, err = q.manager.RecoverInFlight(ctx)
	require.NoError(t, err)

	job, err := q.manager.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "d1", job.Payload.DocumentID)
}

func TestManager_PauseAndResume(t *testing.T) {
	q := newTestQueue(t, nil)
	ctx := context.Background()

	_, _, err := q.manager.Enqueue(ctx, payload("d1", 0))
	require.NoError(t, err)

	require.NoError(t, q.manager.Pause(ctx))
	_, err = q.manager.Receive(ctx)
	assert.ErrorIs(t, err, models.ErrQueuePaused)

	counts, err := q.manager.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.JobStateWaiting], "paused queue keeps its jobs")

	require.NoError(t, q.manager.Resume(ctx))
	_, err = q.manager.Receive(ctx)
	assert.NoError(t, err)
}

func TestManager_RemoveOnlyQueuedJobs(t *testing.T) {
	q := newTestQueue(t, nil)
	ctx := context.Background()

	_, _, err := q.manager.Enqueue(ctx, payload("queued", 0))
	require.NoError(t, err)
	_, _, err = q.manager.Enqueue(ctx, payload("running", 0))
	require.NoError(t, err)

	running, err := q.manager.Receive(ctx)
	require.NoError(t, err)
	queuedID := models.DocumentJobID("queued")
	if running.ID == queuedID {
		queuedID = models.DocumentJobID("running")
	}

	assert.Error(t, q.manager.Remove(ctx, running.ID))
	require.NoError(t, q.manager.Remove(ctx, queuedID))

	_, err = q.manager.GetStatus(ctx, queuedID)
	assert.ErrorIs(t, err, models.ErrJobNotFound)
	exists, err := q.messages.Exists(ctx, queuedID)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestManager_CleanupAndKeepCompleted(t *testing.T) {
	q := newTestQueue(t, func(c *Config) { c.KeepCompleted = 2 })
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, _, err := q.manager.Enqueue(ctx, payload(id, 0))
		require.NoError(t, err)
		job, err := q.manager.Receive(ctx)
		require.NoError(t, err)
		require.NoError(t, q.manager.Complete(ctx, job))
		time.Sleep(2 * time.Millisecond)
	}

	counts, err := q.manager.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.JobStateCompleted])

	// A failed job older than its retention window is removed.
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, q.jobs.SaveJob(ctx, &models.QueueJob{ID: "doc-old", State: models.JobStateFailed, FinishedAt: &old}))

	removed, err := q.manager.Cleanup(ctx, 0, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	removed, err = q.manager.Cleanup(ctx, time.Nanosecond, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
}
