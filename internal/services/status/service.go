package status

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/models"
	"github.com/ternarybob/folio/internal/ocr"
)

// AppState represents the pipeline state
type AppState string

const (
	StateIdle   AppState = "idle"
	StateBusy   AppState = "busy"
	StatePaused AppState = "paused"
)

// JobCounter reports job records per state.
type JobCounter interface {
	Counts(ctx context.Context) (models.JobCounts, error)
}

// MessageStats reports the message store.
type MessageStats interface {
	Stats(ctx context.Context) (models.QueueStats, error)
}

// EngineStats reports the recognition engine pool.
type EngineStats interface {
	Stats() ocr.PoolStats
}

// Snapshot is a point-in-time view of the pipeline
type Snapshot struct {
	State    AppState          `json:"state"`
	Jobs     models.JobCounts  `json:"jobs"`
	Messages models.QueueStats `json:"messages"`
	Engines  ocr.PoolStats     `json:"engines"`
	At       time.Time         `json:"at"`
}

// Service derives pipeline status from the queue and the engine pool
type Service struct {
	jobs     JobCounter
	messages MessageStats
	engines  EngineStats
	state    AppState
	mu       sync.Mutex
	logger   arbor.ILogger
}

// NewService creates a new status service
func NewService(jobs JobCounter, messages MessageStats, engines EngineStats, logger arbor.ILogger) *Service {
	return &Service{
		jobs:     jobs,
		messages: messages,
		engines:  engines,
		state:    StateIdle,
		logger:   logger,
	}
}

// Snapshot reads the current status and logs state changes
func (s *Service) Snapshot(ctx context.Context) (*Snapshot, error) {
	counts, err := s.jobs.Counts(ctx)
	if err != nil {
		return nil, err
	}
	messages, err := s.messages.Stats(ctx)
	if err != nil {
		return nil, err
	}

	snapshot := &Snapshot{
		Jobs:     counts,
		Messages: messages,
		Engines:  s.engines.Stats(),
		At:       time.Now(),
	}
	snapshot.State = deriveState(snapshot)

	s.mu.Lock()
	oldState := s.state
	s.state = snapshot.State
	s.mu.Unlock()

	if oldState != snapshot.State {
		s.logger.Info().
			Str("old_state", string(oldState)).
			Str("new_state", string(snapshot.State)).
			Msg("Pipeline state changed")
	}
	return snapshot, nil
}

// GetState returns the state seen by the last snapshot
func (s *Service) GetState() AppState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Report logs a snapshot. It is run by the scheduler.
func (s *Service) Report(ctx context.Context) error {
	snapshot, err := s.Snapshot(ctx)
	if err != nil {
		return err
	}

	s.logger.Info().
		Str("state", string(snapshot.State)).
		Int("waiting", snapshot.Jobs[models.JobStateWaiting]).
		Int("delayed", snapshot.Jobs[models.JobStateDelayed]).
		Int("active", snapshot.Jobs[models.JobStateActive]).
		Int("completed", snapshot.Jobs[models.JobStateCompleted]).
		Int("failed", snapshot.Jobs[models.JobStateFailed]).
		Int("engines_busy", snapshot.Engines.Busy).
		Int64("pages_recognized", snapshot.Engines.Recognized).
		Msg("Pipeline status")
	return nil
}

func deriveState(s *Snapshot) AppState {
	switch {
	case s.Messages.Paused:
		return StatePaused
	case s.Messages.Ready+s.Messages.Delayed+s.Messages.InFlight > 0, s.Engines.Busy > 0:
		return StateBusy
	default:
		return StateIdle
	}
}
