package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/folio/internal/models"
)

// QueueManager is the durable message store underneath the job queue.
// Messages are keyed by job id; a received message stays invisible until
// its visibility timeout passes or it is released.
type QueueManager interface {
	Enqueue(ctx context.Context, msg models.QueueMessage, delay time.Duration) error
	Receive(ctx context.Context) (*models.QueueMessage, error)
	Extend(ctx context.Context, jobID string, duration time.Duration) error
	Release(ctx context.Context, jobID string, delay time.Duration) error
	Delete(ctx context.Context, jobID string) error
	Exists(ctx context.Context, jobID string) (bool, error)
	Expired(ctx context.Context) ([]string, error)
	RecoverInFlight(ctx context.Context) ([]string, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	IsPaused(ctx context.Context) (bool, error)
	Stats(ctx context.Context) (models.QueueStats, error)
	Close() error
}

// JobConsumer is the side of the job queue used by the worker pool.
type JobConsumer interface {
	Receive(ctx context.Context) (*models.QueueJob, error)
	Heartbeat(ctx context.Context, job *models.QueueJob, progress int) error
	Complete(ctx context.Context, job *models.QueueJob) error
	Fail(ctx context.Context, job *models.QueueJob, cause error) error
}

// JobQueue is the full job queue contract.
type JobQueue interface {
	JobConsumer

	// Enqueue returns the job for the payload's document; created is false
	// when an outstanding job already existed.
	Enqueue(ctx context.Context, payload models.JobPayload) (job *models.QueueJob, created bool, err error)
	GetStatus(ctx context.Context, jobID string) (*models.JobStatus, error)
	Counts(ctx context.Context) (models.JobCounts, error)

	// Administration
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Cleanup(ctx context.Context, completedRetention, failedRetention time.Duration) (int, error)
	RetryAllFailed(ctx context.Context) (int, error)
	Remove(ctx context.Context, jobID string) error
	MarkStalled(ctx context.Context) (int, error)
	RecoverInFlight(ctx context.Context) (int, error)
}

// ProgressReporter lets a running job publish progress and keep its lease.
type ProgressReporter interface {
	ReportProgress(ctx context.Context, progress int) error
}

// JobRunner executes one job to completion.
type JobRunner interface {
	Run(ctx context.Context, job *models.QueueJob, reporter ProgressReporter) error
}
