package workers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/interfaces"
	"github.com/ternarybob/folio/internal/models"
)

// mockConsumer hands out queued jobs and records outcomes.
type mockConsumer struct {
	mu        sync.Mutex
	jobs      []*models.QueueJob
	completed []string
	failed    map[string]error
	progress  map[string][]int
	leaseLost bool

	receiveCount atomic.Int32
}

func newMockConsumer(jobs ...*models.QueueJob) *mockConsumer {
	return &mockConsumer{
		jobs:     jobs,
		failed:   make(map[string]error),
		progress: make(map[string][]int),
	}
}

func (m *mockConsumer) Receive(ctx context.Context) (*models.QueueJob, error) {
	m.receiveCount.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.jobs) == 0 {
		return nil, models.ErrNoMessage
	}
	job := m.jobs[0]
	m.jobs = m.jobs[1:]
	job.Delivery++
	return job, nil
}

func (m *mockConsumer) Heartbeat(ctx context.Context, job *models.QueueJob, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress[job.ID] = append(m.progress[job.ID], progress)
	return nil
}

func (m *mockConsumer) Complete(ctx context.Context, job *models.QueueJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leaseLost {
		return models.ErrLeaseLost
	}
	m.completed = append(m.completed, job.ID)
	return nil
}

func (m *mockConsumer) Fail(ctx context.Context, job *models.QueueJob, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed[job.ID] = cause
	return nil
}

func (m *mockConsumer) outcomes() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.completed), len(m.failed)
}

var _ interfaces.JobConsumer = (*mockConsumer)(nil)

// runnerFunc adapts a function to interfaces.JobRunner.
type runnerFunc func(ctx context.Context, job *models.QueueJob, reporter interfaces.ProgressReporter) error

func (f runnerFunc) Run(ctx context.Context, job *models.QueueJob, reporter interfaces.ProgressReporter) error {
	return f(ctx, job, reporter)
}

func documentJob(id string) *models.QueueJob {
	return &models.QueueJob{
		ID:      models.DocumentJobID(id),
		Type:    models.JobTypeDocument,
		Payload: models.JobPayload{DocumentID: id, CaseID: "case-1", SourceLocation: "/tmp/" + id},
	}
}

func TestJobProcessorConcurrencyField(t *testing.T) {
	tests := []struct {
		name             string
		inputConcurrency int
		expectedField    int
	}{
		{"normal concurrency (2)", 2, 2},
		{"concurrency of 1", 1, 1},
		{"zero concurrency defaults to 1", 0, 1},
		{"negative concurrency defaults to 1", -5, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jp := NewJobProcessor(newMockConsumer(), arbor.NewLogger(), tt.inputConcurrency)
			assert.Equal(t, tt.expectedField, jp.concurrency)
		})
	}
}

func TestJobProcessorStartStop(t *testing.T) {
	jp := NewJobProcessor(newMockConsumer(), arbor.NewLogger(), 3)
	assert.False(t, jp.running)

	jp.Start()
	assert.True(t, jp.running)

	// Double start is a no-op
	jp.Start()
	assert.True(t, jp.running)

	jp.Stop()
	assert.False(t, jp.running)

	// Double stop is a no-op
	jp.Stop()
}

func TestJobProcessorRunsJobsConcurrently(t *testing.T) {
	const concurrency = 3

	jobs := make([]*models.QueueJob, 0, concurrency)
	for _, id := range []string{"a", "b", "c"} {
		jobs = append(jobs, documentJob(id))
	}
	consumer := newMockConsumer(jobs...)

	var active, maxActive atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{}, concurrency)

	jp := NewJobProcessor(consumer, arbor.NewLogger(), concurrency)
	jp.RegisterRunner(models.JobTypeDocument, runnerFunc(func(ctx context.Context, job *models.QueueJob, reporter interfaces.ProgressReporter) error {
		current := active.Add(1)
		defer active.Add(-1)
		for {
			old := maxActive.Load()
			if current <= old || maxActive.CompareAndSwap(old, current) {
				break
			}
		}
		started <- struct{}{}
		<-release
		return reporter.ReportProgress(ctx, 100)
	}))

	jp.Start()
	for i := 0; i < concurrency; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for job %d to start", i)
		}
	}
	close(release)

	require.Eventually(t, func() bool {
		completed, _ := consumer.outcomes()
		return completed == concurrency
	}, 2*time.Second, 10*time.Millisecond)
	jp.Stop()

	assert.Equal(t, int32(concurrency), maxActive.Load())
	assert.Equal(t, []int{100}, consumer.progress[models.DocumentJobID("a")])
}

func TestJobProcessorFailsOnErrorPanicAndUnknownType(t *testing.T) {
	unknown := documentJob("unknown")
	unknown.Type = "mystery"
	consumer := newMockConsumer(documentJob("err"), documentJob("panic"), unknown)

	jp := NewJobProcessor(consumer, arbor.NewLogger(), 1)
	jp.RegisterRunner(models.JobTypeDocument, runnerFunc(func(ctx context.Context, job *models.QueueJob, reporter interfaces.ProgressReporter) error {
		if job.Payload.DocumentID == "panic" {
			panic("boom")
		}
		return errors.New("render failed")
	}))

	jp.Start()
	require.Eventually(t, func() bool {
		_, failed := consumer.outcomes()
		return failed == 3
	}, 2*time.Second, 10*time.Millisecond)
	jp.Stop()

	assert.EqualError(t, consumer.failed[models.DocumentJobID("err")], "render failed")
	assert.Contains(t, consumer.failed[models.DocumentJobID("panic")].Error(), "boom")
	assert.Contains(t, consumer.failed[models.DocumentJobID("unknown")].Error(), "mystery")
}

func TestJobProcessorStopWaitsForRunningJob(t *testing.T) {
	consumer := newMockConsumer(documentJob("slow"))
	started := make(chan struct{})
	var sawCancel atomic.Bool

	jp := NewJobProcessor(consumer, arbor.NewLogger(), 1)
	jp.RegisterRunner(models.JobTypeDocument, runnerFunc(func(ctx context.Context, job *models.QueueJob, reporter interfaces.ProgressReporter) error {
		close(started)
		time.Sleep(100 * time.Millisecond)
		sawCancel.Store(ctx.Err() != nil)
		return nil
	}))

	jp.Start()
	<-started
	jp.Stop()

	completed, _ := consumer.outcomes()
	assert.Equal(t, 1, completed)
	assert.False(t, sawCancel.Load(), "running job must keep a live context")
}

func TestJobProcessorLeaseLostIsNotFatal(t *testing.T) {
	consumer := newMockConsumer(documentJob("a"))
	consumer.leaseLost = true

	jp := NewJobProcessor(consumer, arbor.NewLogger(), 1)
	jp.RegisterRunner(models.JobTypeDocument, runnerFunc(func(ctx context.Context, job *models.QueueJob, reporter interfaces.ProgressReporter) error {
		return nil
	}))

	jp.Start()
	require.Eventually(t, func() bool { return consumer.receiveCount.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
	jp.Stop()

	completed, failed := consumer.outcomes()
	assert.Zero(t, completed)
	assert.Zero(t, failed)
}
