package cases

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/common"
	"github.com/ternarybob/folio/internal/interfaces"
	"github.com/ternarybob/folio/internal/models"
)

// Service creates cases, submits their documents and retries failures.
type Service struct {
	*Aggregator
	documents interfaces.DocumentStorage
	cases     interfaces.CaseStorage
	queue     interfaces.JobQueue
	logger    arbor.ILogger
}

var _ interfaces.CaseService = (*Service)(nil)

// NewService creates a case service on top of an aggregator.
func NewService(aggregator *Aggregator, documents interfaces.DocumentStorage, cases interfaces.CaseStorage, queue interfaces.JobQueue, logger arbor.ILogger) *Service {
	return &Service{
		Aggregator: aggregator,
		documents:  documents,
		cases:      cases,
		queue:      queue,
		logger:     logger,
	}
}

// CreateCase stores a case with one document per source and enqueues a job
// for each document.
func (s *Service) CreateCase(ctx context.Context, req models.CaseRequest) (*models.Case, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	c := &models.Case{
		ID:         common.NewCaseID(),
		Name:       req.Name,
		Status:     models.StatusWaiting,
		TotalCount: len(req.Sources),
		CreatedAt:  now,
	}

	docs := make([]*models.Document, len(req.Sources))
	for i, source := range req.Sources {
		docs[i] = &models.Document{
			ID:             common.NewDocumentID(),
			CaseID:         c.ID,
			Index:          i,
			DisplayName:    displayName(source),
			SourceLocation: source,
			Priority:       req.Priority,
			Status:         models.StatusWaiting,
			CreatedAt:      now,
		}
		c.DocumentIDs = append(c.DocumentIDs, docs[i].ID)
	}

	if err := s.cases.SaveCase(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to save case: %w", err)
	}
	for _, doc := range docs {
		if err := s.documents.SaveDocument(ctx, doc); err != nil {
			return nil, fmt.Errorf("failed to save document %s: %w", doc.DisplayName, err)
		}
	}
	for _, doc := range docs {
		if _, _, err := s.queue.Enqueue(ctx, payloadFor(doc)); err != nil {
			return nil, fmt.Errorf("failed to enqueue document %s: %w", doc.DisplayName, err)
		}
	}

	s.logger.Info().
		Str("case_id", c.ID).
		Str("name", c.Name).
		Int("documents", len(docs)).
		Msg("Case created")
	return c, nil
}

// GetCase returns the stored case.
func (s *Service) GetCase(ctx context.Context, caseID string) (*models.Case, error) {
	return s.cases.GetCase(ctx, caseID)
}

// Retry resets every errored document of the case to waiting, enqueues it
// again at its original priority and puts the case back in processing.
// Documents that are not in error are left untouched. It returns the number
// of documents reset.
func (s *Service) Retry(ctx context.Context, caseID string) (int, error) {
	unlock := s.locks.Lock(caseID)
	defer unlock()

	if _, err := s.cases.GetCase(ctx, caseID); err != nil {
		return 0, err
	}
	docs, err := s.documents.ListDocumentsByCase(ctx, caseID)
	if err != nil {
		return 0, err
	}

	var errored []*models.Document
	for _, doc := range docs {
		if doc.Status == models.StatusError {
			errored = append(errored, doc)
		}
	}
	if len(errored) == 0 {
		return 0, fmt.Errorf("%w: %s", models.ErrNothingToRetry, caseID)
	}

	for _, doc := range errored {
		if err := s.documents.ResetDocument(ctx, doc.ID); err != nil {
			return 0, fmt.Errorf("failed to reset document %s: %w", doc.ID, err)
		}
		_, created, err := s.queue.Enqueue(ctx, payloadFor(doc))
		if err != nil {
			return 0, fmt.Errorf("failed to enqueue document %s: %w", doc.ID, err)
		}
		s.logger.Debug().
			Str("case_id", caseID).
			Str("document_id", doc.ID).
			Bool("new_job", created).
			Msg("Document reset for retry")
	}

	docs, err = s.documents.ListDocumentsByCase(ctx, caseID)
	if err != nil {
		return 0, err
	}
	if _, err := s.cases.UpdateAggregate(ctx, caseID, Aggregate(docs)); err != nil {
		return 0, err
	}

	s.logger.Info().
		Str("case_id", caseID).
		Int("documents", len(errored)).
		Msg("Case retry started")
	return len(errored), nil
}

// IsRejectedRetry reports whether err is a retry validation failure rather
// than an infrastructure error.
func IsRejectedRetry(err error) bool {
	return errors.Is(err, models.ErrNothingToRetry) || errors.Is(err, models.ErrCaseNotFound)
}

func payloadFor(doc *models.Document) models.JobPayload {
	return models.JobPayload{
		DocumentID:     doc.ID,
		CaseID:         doc.CaseID,
		DisplayName:    doc.DisplayName,
		SourceLocation: doc.SourceLocation,
		Priority:       doc.Priority,
	}
}

// displayName is the last element of a path or URL.
func displayName(source string) string {
	source = strings.TrimPrefix(source, "file://")
	source = strings.ReplaceAll(source, "\\", "/")
	return path.Base(source)
}
