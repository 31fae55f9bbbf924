package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/interfaces"
	"github.com/ternarybob/folio/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

var jobStates = []models.JobState{
	models.JobStateWaiting,
	models.JobStateDelayed,
	models.JobStateActive,
	models.JobStateCompleted,
	models.JobStateFailed,
	models.JobStateStalled,
}

// JobStorage implements the JobStorage interface for Badger
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobStorage) SaveJob(ctx context.Context, job *models.QueueJob) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}

	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *JobStorage) GetJob(ctx context.Context, jobID string) (*models.QueueJob, error) {
	var job models.QueueJob
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// ListJobsByState returns jobs in the given state, oldest enqueue first.
func (s *JobStorage) ListJobsByState(ctx context.Context, state models.JobState) ([]*models.QueueJob, error) {
	var jobs []models.QueueJob
	if err := s.db.Store().Find(&jobs, badgerhold.Where("State").Eq(state)); err != nil {
		return nil, fmt.Errorf("failed to list %s jobs: %w", state, err)
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].EnqueuedAt.Before(jobs[j].EnqueuedAt) })

	result := make([]*models.QueueJob, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

func (s *JobStorage) DeleteJob(ctx context.Context, jobID string) error {
	if err := s.db.Store().Delete(jobID, &models.QueueJob{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

func (s *JobStorage) CountJobsByState(ctx context.Context) (models.JobCounts, error) {
	counts := make(models.JobCounts, len(jobStates))
	for _, state := range jobStates {
		n, err := s.db.Store().Count(&models.QueueJob{}, badgerhold.Where("State").Eq(state))
		if err != nil {
			return nil, fmt.Errorf("failed to count %s jobs: %w", state, err)
		}
		counts[state] = int(n)
	}
	return counts, nil
}
