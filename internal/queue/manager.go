package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/interfaces"
	"github.com/ternarybob/folio/internal/models"
)

// Manager is the document job queue. It keeps the job record in JobStorage
// and the deliverable message in a QueueManager, and keeps the two in step.
type Manager struct {
	messages interfaces.QueueManager
	jobs     interfaces.JobStorage
	config   Config
	logger   arbor.ILogger
	mu       sync.Mutex // Serializes record and message mutations
	now      func() time.Time
}

// NewManager creates a new job queue manager.
func NewManager(messages interfaces.QueueManager, jobs interfaces.JobStorage, config Config, logger arbor.ILogger) *Manager {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	return &Manager{
		messages: messages,
		jobs:     jobs,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
}

var _ interfaces.JobQueue = (*Manager)(nil)

// Enqueue adds a job for the payload's document. While a previous job for the
// same document is outstanding no duplicate is created and that job is returned.
func (m *Manager) Enqueue(ctx context.Context, payload models.JobPayload) (*models.QueueJob, bool, error) {
	if err := payload.Validate(); err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	jobID := models.DocumentJobID(payload.DocumentID)

	existing, err := m.jobs.GetJob(ctx, jobID)
	if err != nil && !errors.Is(err, models.ErrJobNotFound) {
		return nil, false, err
	}
	if existing != nil && existing.State.Outstanding() {
		if err := m.ensureMessage(ctx, existing); err != nil {
			return nil, false, err
		}
		m.logger.Debug().
			Str("job_id", jobID).
			Str("state", string(existing.State)).
			Msg("Job already outstanding, not enqueued again")
		return existing, false, nil
	}

	now := m.now()
	job := &models.QueueJob{
		ID:          jobID,
		Type:        models.JobTypeDocument,
		Payload:     payload,
		State:       models.JobStateWaiting,
		MaxAttempts: m.config.MaxAttempts,
		EnqueuedAt:  now,
		UpdatedAt:   now,
	}
	// Delivery keeps counting across runs so a lease from an earlier run
	// never matches the new one.
	if existing != nil {
		job.Delivery = existing.Delivery
	}

	if err := m.jobs.SaveJob(ctx, job); err != nil {
		return nil, false, err
	}
	if err := m.messages.Enqueue(ctx, messageFor(job), 0); err != nil {
		return nil, false, fmt.Errorf("failed to enqueue job %s: %w", jobID, err)
	}

	m.logger.Info().
		Str("job_id", jobID).
		Str("case_id", payload.CaseID).
		Int("priority", payload.Priority).
		Msg("Job enqueued")

	return job, true, nil
}

// Receive leases the next job. Stale messages whose record is terminal or missing are dropped.
func (m *Manager) Receive(ctx context.Context) (*models.QueueJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		msg, err := m.messages.Receive(ctx)
		if err != nil {
			return nil, err
		}

		job, err := m.jobs.GetJob(ctx, msg.JobID)
		if err != nil {
			if errors.Is(err, models.ErrJobNotFound) {
				m.logger.Warn().Str("job_id", msg.JobID).Msg("Dropping message without job record")
				if err := m.messages.Delete(ctx, msg.JobID); err != nil {
					return nil, err
				}
				continue
			}
			return nil, err
		}

		if !job.State.Outstanding() {
			m.logger.Warn().
				Str("job_id", job.ID).
				Str("state", string(job.State)).
				Msg("Dropping message for finished job")
			if err := m.messages.Delete(ctx, job.ID); err != nil {
				return nil, err
			}
			continue
		}

		// Redelivered after the previous lease expired without Complete or Fail.
		if job.State == models.JobStateActive {
			parked, err := m.stallLocked(ctx, job)
			if err != nil {
				return nil, err
			}
			if parked {
				continue
			}
		}

		now := m.now()
		job.State = models.JobStateActive
		job.Delivery++
		job.StartedAt = &now
		job.HeartbeatAt = &now
		job.FinishedAt = nil
		job.UpdatedAt = now
		if err := m.jobs.SaveJob(ctx, job); err != nil {
			return nil, err
		}

		return job, nil
	}
}

// Heartbeat renews the lease of a running job and records its progress.
func (m *Manager) Heartbeat(ctx context.Context, job *models.QueueJob, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.leased(ctx, job)
	if err != nil {
		return err
	}

	if err := m.messages.Extend(ctx, job.ID, m.config.VisibilityTimeout); err != nil {
		return err
	}

	now := m.now()
	if progress > current.Progress {
		current.Progress = progress
	}
	current.State = models.JobStateActive
	current.HeartbeatAt = &now
	current.UpdatedAt = now
	if err := m.jobs.SaveJob(ctx, current); err != nil {
		return err
	}

	job.Progress = current.Progress
	return nil
}

// Complete marks a leased job completed and trims old completed records.
func (m *Manager) Complete(ctx context.Context, job *models.QueueJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.leased(ctx, job)
	if err != nil {
		return err
	}

	now := m.now()
	current.State = models.JobStateCompleted
	current.Progress = 100
	current.FailureReason = ""
	current.FinishedAt = &now
	current.UpdatedAt = now
	if err := m.jobs.SaveJob(ctx, current); err != nil {
		return err
	}
	if err := m.messages.Delete(ctx, job.ID); err != nil {
		return err
	}

	if _, err := m.trimCompletedLocked(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to trim completed jobs")
	}
	return nil
}

// Fail records a failed execution. The job is retried with exponential
// backoff until MaxAttempts is reached, then parked in the failed set.
func (m *Manager) Fail(ctx context.Context, job *models.QueueJob, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.leased(ctx, job)
	if err != nil {
		return err
	}

	now := m.now()
	current.Attempts++
	current.UpdatedAt = now

	if current.Attempts < current.MaxAttempts {
		delay := m.config.Backoff(current.Attempts)
		current.State = models.JobStateDelayed
		current.FailureReason = cause.Error()
		if err := m.jobs.SaveJob(ctx, current); err != nil {
			return err
		}
		if err := m.messages.Release(ctx, job.ID, delay); err != nil {
			return err
		}

		m.logger.Warn().
			Err(cause).
			Str("job_id", job.ID).
			Int("attempt", current.Attempts).
			Int("max_attempts", current.MaxAttempts).
			Dur("backoff", delay).
			Msg("Job failed, retry scheduled")
		return nil
	}

	current.State = models.JobStateFailed
	current.FailureReason = fmt.Errorf("%w after %d attempts: %v", models.ErrRetriesExhausted, current.Attempts, cause).Error()
	current.FinishedAt = &now
	if err := m.jobs.SaveJob(ctx, current); err != nil {
		return err
	}
	if err := m.messages.Delete(ctx, job.ID); err != nil {
		return err
	}

	m.logger.Error().
		Err(cause).
		Str("job_id", job.ID).
		Int("attempts", current.Attempts).
		Msg("Job failed permanently")
	return nil
}

// GetStatus returns a snapshot of a job. It only reads the job record.
func (m *Manager) GetStatus(ctx context.Context, jobID string) (*models.JobStatus, error) {
	job, err := m.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	status := job.Status()
	return &status, nil
}

// Counts returns the number of job records per state.
func (m *Manager) Counts(ctx context.Context) (models.JobCounts, error) {
	return m.jobs.CountJobsByState(ctx)
}

// Pause stops dequeuing. Queued jobs are kept.
func (m *Manager) Pause(ctx context.Context) error {
	if err := m.messages.Pause(ctx); err != nil {
		return err
	}
	m.logger.Info().Msg("Queue paused")
	return nil
}

// Resume restarts dequeuing.
func (m *Manager) Resume(ctx context.Context) error {
	if err := m.messages.Resume(ctx); err != nil {
		return err
	}
	m.logger.Info().Msg("Queue resumed")
	return nil
}

// Cleanup deletes completed and failed job records that finished longer ago
// than their retention window, then applies the completed count bound.
func (m *Manager) Cleanup(ctx context.Context, completedRetention, failedRetention time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0

	for state, retention := range map[models.JobState]time.Duration{
		models.JobStateCompleted: completedRetention,
		models.JobStateFailed:    failedRetention,
	} {
		if retention <= 0 {
			continue
		}
		jobs, err := m.jobs.ListJobsByState(ctx, state)
		if err != nil {
			return removed, err
		}
		for _, job := range jobs {
			if job.FinishedAt == nil || now.Sub(*job.FinishedAt) < retention {
				continue
			}
			if err := m.jobs.DeleteJob(ctx, job.ID); err != nil {
				return removed, err
			}
			removed++
		}
	}

	trimmed, err := m.trimCompletedLocked(ctx)
	removed += trimmed
	if err != nil {
		return removed, err
	}

	m.logger.Info().Int("removed", removed).Msg("Queue cleanup complete")
	return removed, nil
}

// RetryAllFailed re-queues every job in the failed set with a fresh attempt budget.
func (m *Manager) RetryAllFailed(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobs, err := m.jobs.ListJobsByState(ctx, models.JobStateFailed)
	if err != nil {
		return 0, err
	}

	retried := 0
	for _, job := range jobs {
		now := m.now()
		job.State = models.JobStateWaiting
		job.Attempts = 0
		job.StalledCount = 0
		job.FailureReason = ""
		job.StartedAt = nil
		job.FinishedAt = nil
		job.UpdatedAt = now
		if err := m.jobs.SaveJob(ctx, job); err != nil {
			return retried, err
		}
		if err := m.messages.Enqueue(ctx, messageFor(job), 0); err != nil {
			return retried, err
		}
		retried++
	}

	if retried > 0 {
		m.logger.Info().Int("count", retried).Msg("Failed jobs re-queued")
	}
	return retried, nil
}

// Remove deletes a job that has not started yet.
func (m *Manager) Remove(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State != models.JobStateWaiting && job.State != models.JobStateDelayed {
		return fmt.Errorf("job %s is %s: only queued jobs can be removed", jobID, job.State)
	}

	if err := m.messages.Delete(ctx, jobID); err != nil {
		return err
	}
	return m.jobs.DeleteJob(ctx, jobID)
}

// MarkStalled flags active jobs whose lease expired. Their messages are already
// visible again; jobs that stalled too often are failed instead.
func (m *Manager) MarkStalled(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids, err := m.messages.Expired(ctx)
	if err != nil {
		return 0, err
	}
	return m.stallAllLocked(ctx, ids)
}

// RecoverInFlight runs at startup. Jobs that were active when the previous
// process stopped are treated as stalled, and outstanding jobs missing a
// message get one again.
func (m *Manager) RecoverInFlight(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids, err := m.messages.RecoverInFlight(ctx)
	if err != nil {
		return 0, err
	}
	recovered, err := m.stallAllLocked(ctx, ids)
	if err != nil {
		return recovered, err
	}

	for _, state := range []models.JobState{models.JobStateWaiting, models.JobStateDelayed, models.JobStateActive, models.JobStateStalled} {
		jobs, err := m.jobs.ListJobsByState(ctx, state)
		if err != nil {
			return recovered, err
		}
		for _, job := range jobs {
			if err := m.ensureMessage(ctx, job); err != nil {
				return recovered, err
			}
		}
	}

	if recovered > 0 {
		m.logger.Info().Int("count", recovered).Msg("Recovered in-flight jobs")
	}
	return recovered, nil
}

func (m *Manager) stallAllLocked(ctx context.Context, ids []string) (int, error) {
	stalled := 0
	for _, id := range ids {
		job, err := m.jobs.GetJob(ctx, id)
		if err != nil {
			if errors.Is(err, models.ErrJobNotFound) {
				continue
			}
			return stalled, err
		}
		if job.State != models.JobStateActive {
			continue
		}
		if _, err := m.stallLocked(ctx, job); err != nil {
			return stalled, err
		}
		stalled++
	}
	return stalled, nil
}

// stallLocked moves an active job to stalled. It returns true when the job
// exceeded MaxStalled and was parked in the failed set.
func (m *Manager) stallLocked(ctx context.Context, job *models.QueueJob) (bool, error) {
	now := m.now()
	job.StalledCount++
	job.UpdatedAt = now

	if job.StalledCount > m.config.MaxStalled {
		job.State = models.JobStateFailed
		job.FailureReason = fmt.Sprintf("job stalled more than %d times", m.config.MaxStalled)
		job.FinishedAt = &now
		if err := m.jobs.SaveJob(ctx, job); err != nil {
			return false, err
		}
		if err := m.messages.Delete(ctx, job.ID); err != nil {
			return false, err
		}
		m.logger.Error().
			Str("job_id", job.ID).
			Int("stalled_count", job.StalledCount).
			Msg("Job stalled too many times, failed permanently")
		return true, nil
	}

	job.State = models.JobStateStalled
	if err := m.jobs.SaveJob(ctx, job); err != nil {
		return false, err
	}
	m.logger.Warn().
		Str("job_id", job.ID).
		Int("stalled_count", job.StalledCount).
		Msg("Job stalled, eligible for redelivery")
	return false, nil
}

// leased loads the current record and checks the caller still holds the lease.
func (m *Manager) leased(ctx context.Context, job *models.QueueJob) (*models.QueueJob, error) {
	current, err := m.jobs.GetJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if current.Delivery != job.Delivery || (current.State != models.JobStateActive && current.State != models.JobStateStalled) {
		return nil, fmt.Errorf("%w: job %s delivery %d (current %d, %s)",
			models.ErrLeaseLost, job.ID, job.Delivery, current.Delivery, current.State)
	}
	return current, nil
}

func (m *Manager) ensureMessage(ctx context.Context, job *models.QueueJob) error {
	exists, err := m.messages.Exists(ctx, job.ID)
	if err != nil || exists {
		return err
	}

	var delay time.Duration
	if job.State == models.JobStateDelayed {
		delay = m.config.Backoff(job.Attempts)
	}
	m.logger.Warn().Str("job_id", job.ID).Msg("Restoring missing queue message")
	return m.messages.Enqueue(ctx, messageFor(job), delay)
}

// trimCompletedLocked keeps only the most recent KeepCompleted completed records.
func (m *Manager) trimCompletedLocked(ctx context.Context) (int, error) {
	if m.config.KeepCompleted <= 0 {
		return 0, nil
	}

	jobs, err := m.jobs.ListJobsByState(ctx, models.JobStateCompleted)
	if err != nil || len(jobs) <= m.config.KeepCompleted {
		return 0, err
	}

	sort.Slice(jobs, func(i, j int) bool {
		return finishedAt(jobs[i]).After(finishedAt(jobs[j]))
	})

	removed := 0
	for _, job := range jobs[m.config.KeepCompleted:] {
		if err := m.jobs.DeleteJob(ctx, job.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func finishedAt(job *models.QueueJob) time.Time {
	if job.FinishedAt != nil {
		return *job.FinishedAt
	}
	return job.UpdatedAt
}

func messageFor(job *models.QueueJob) models.QueueMessage {
	return models.QueueMessage{
		JobID:    job.ID,
		Type:     job.Type,
		Priority: job.Payload.Priority,
		Payload:  job.Payload,
	}
}
