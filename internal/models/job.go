// -----------------------------------------------------------------------
// Queue Job - one queued unit of work per document
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// JobState is the queue-internal state of a job.
type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateDelayed   JobState = "delayed" // Waiting out a retry backoff
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateStalled   JobState = "stalled" // Lease expired, eligible for redelivery
)

// Outstanding reports whether a job in this state still owns its document.
func (s JobState) Outstanding() bool {
	switch s {
	case JobStateWaiting, JobStateDelayed, JobStateActive, JobStateStalled:
		return true
	}
	return false
}

// JobTypeDocument is the only job type the pipeline enqueues.
const JobTypeDocument = "document"

// JobPayload is the queue message body for a document job.
type JobPayload struct {
	DocumentID     string `json:"document_id" validate:"required"`
	CaseID         string `json:"case_id" validate:"required"`
	DisplayName    string `json:"display_name"`
	SourceLocation string `json:"source_location" validate:"required"`
	Priority       int    `json:"priority" validate:"gte=0"`
}

// Validate checks the payload's required fields.
func (p JobPayload) Validate() error {
	if err := validator.New().Struct(p); err != nil {
		return fmt.Errorf("invalid job payload: %w", err)
	}
	return nil
}

// DocumentJobID derives the stable job id for a document so that
// re-submitting the same document is idempotent at the queue level.
func DocumentJobID(documentID string) string {
	return "doc-" + documentID
}

// QueueJob is the persisted job record.
type QueueJob struct {
	ID            string     `json:"id"`
	Type          string     `json:"type"`
	Payload       JobPayload `json:"payload"`
	State         JobState   `json:"state" badgerhold:"index"`
	Attempts      int        `json:"attempts"` // Failed executions so far
	MaxAttempts   int        `json:"max_attempts"`
	StalledCount  int        `json:"stalled_count"`
	Delivery      int        `json:"delivery"` // Lease token, incremented on every receive
	Progress      int        `json:"progress"`
	FailureReason string     `json:"failure_reason,omitempty"`
	EnqueuedAt    time.Time  `json:"enqueued_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	HeartbeatAt   *time.Time `json:"heartbeat_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Status returns the read-only snapshot exposed to external callers.
func (j *QueueJob) Status() JobStatus {
	return JobStatus{
		ID:            j.ID,
		QueueState:    j.State,
		Progress:      j.Progress,
		Payload:       j.Payload,
		FailureReason: j.FailureReason,
		Attempts:      j.Attempts,
		StartedAt:     j.StartedAt,
		FinishedAt:    j.FinishedAt,
	}
}

// FinalAttempt reports whether a failure of the current run exhausts the
// job's attempts. A job without an attempt budget has a single attempt.
func (j *QueueJob) FinalAttempt() bool {
	return j.Attempts+1 >= j.MaxAttempts
}

// JobStatus is the status query response for one job.
type JobStatus struct {
	ID            string     `json:"id"`
	QueueState    JobState   `json:"queue_state"`
	Progress      int        `json:"progress"`
	Payload       JobPayload `json:"payload"`
	FailureReason string     `json:"failure_reason,omitempty"`
	Attempts      int        `json:"attempts"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// JobCounts is the number of job records per state.
type JobCounts map[JobState]int

// ToJSON serializes the job record.
func (j *QueueJob) ToJSON() ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal queue job: %w", err)
	}
	return data, nil
}
