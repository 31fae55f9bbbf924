package interfaces

import (
	"context"
	"time"
)

// ScheduledJobStatus represents the current status of a scheduled job
type ScheduledJobStatus struct {
	Name        string
	Schedule    string
	Description string
	LastRun     *time.Time
	NextRun     *time.Time
	IsRunning   bool
	LastError   string
}

// SchedulerService runs queue maintenance on cron schedules
type SchedulerService interface {
	Start() error
	Stop() error
	IsRunning() bool

	// RegisterJob registers a new job with the scheduler
	RegisterJob(name, schedule, description string, handler func(ctx context.Context) error) error

	// TriggerJob runs a registered job immediately and waits for it
	TriggerJob(name string) error

	GetJobStatus(name string) (*ScheduledJobStatus, error)
	GetAllJobStatuses() map[string]*ScheduledJobStatus
}

// QueueMaintainer is the part of the job queue the scheduler drives.
type QueueMaintainer interface {
	MarkStalled(ctx context.Context) (int, error)
	Cleanup(ctx context.Context, completedRetention, failedRetention time.Duration) (int, error)
	RetryAllFailed(ctx context.Context) (int, error)
}
