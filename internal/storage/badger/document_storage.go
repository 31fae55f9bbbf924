package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/interfaces"
	"github.com/ternarybob/folio/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// DocumentStorage implements the DocumentStorage interface for Badger
type DocumentStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewDocumentStorage creates a new DocumentStorage instance
func NewDocumentStorage(db *BadgerDB, logger arbor.ILogger) interfaces.DocumentStorage {
	return &DocumentStorage{
		db:     db,
		logger: logger,
	}
}

func (s *DocumentStorage) SaveDocument(ctx context.Context, doc *models.Document) error {
	if doc.ID == "" {
		return fmt.Errorf("document ID is required")
	}

	now := time.Now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	if err := s.db.Store().Upsert(doc.ID, doc); err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}
	return nil
}

func (s *DocumentStorage) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	var doc models.Document
	if err := s.db.Store().Get(id, &doc); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", models.ErrDocumentNotFound, id)
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return &doc, nil
}

// ListDocumentsByCase returns the case's documents ordered by their index.
func (s *DocumentStorage) ListDocumentsByCase(ctx context.Context, caseID string) ([]*models.Document, error) {
	var docs []models.Document
	if err := s.db.Store().Find(&docs, badgerhold.Where("CaseID").Eq(caseID)); err != nil {
		return nil, fmt.Errorf("failed to list documents for case %s: %w", caseID, err)
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].Index < docs[j].Index })

	result := make([]*models.Document, len(docs))
	for i := range docs {
		result[i] = &docs[i]
	}
	return result, nil
}

func (s *DocumentStorage) MarkProcessing(ctx context.Context, id string) (*models.Document, error) {
	return s.mutate(id, func(tx *badger.Txn, doc *models.Document) error {
		doc.Status = models.StatusProcessing
		doc.Error = ""
		doc.CompletedAt = nil
		return nil
	})
}

func (s *DocumentStorage) SetTotalPages(ctx context.Context, id string, total int) error {
	_, err := s.mutate(id, func(tx *badger.Txn, doc *models.Document) error {
		doc.TotalPages = total
		if doc.CurrentPage > total {
			doc.CurrentPage = total
		}
		return nil
	})
	return err
}

// RecordPage stores a page segment and advances the document's current page and
// progress in one transaction. Neither value ever moves backwards.
func (s *DocumentStorage) RecordPage(ctx context.Context, segment *models.PageSegment) (*models.Document, error) {
	if segment.DocumentID == "" || segment.Page < 1 {
		return nil, fmt.Errorf("invalid page segment for document %q page %d", segment.DocumentID, segment.Page)
	}

	segment.Key = models.PageSegmentKey(segment.DocumentID, segment.Page)
	if segment.CreatedAt.IsZero() {
		segment.CreatedAt = time.Now()
	}

	return s.mutate(segment.DocumentID, func(tx *badger.Txn, doc *models.Document) error {
		if err := s.db.Store().TxUpsert(tx, segment.Key, segment); err != nil {
			return fmt.Errorf("failed to save page segment: %w", err)
		}

		if segment.Page > doc.CurrentPage {
			doc.CurrentPage = segment.Page
		}
		if progress := models.PageProgress(doc.CurrentPage, doc.TotalPages); progress > doc.Progress {
			doc.Progress = progress
		}
		return nil
	})
}

func (s *DocumentStorage) FinishDocument(ctx context.Context, id string) (*models.Document, error) {
	return s.mutate(id, func(tx *badger.Txn, doc *models.Document) error {
		now := time.Now()
		doc.Status = models.StatusDone
		doc.CurrentPage = doc.TotalPages
		doc.Progress = 100
		doc.Error = ""
		doc.CompletedAt = &now
		return nil
	})
}

func (s *DocumentStorage) FailDocument(ctx context.Context, id string, message string) (*models.Document, error) {
	return s.mutate(id, func(tx *badger.Txn, doc *models.Document) error {
		now := time.Now()
		doc.Status = models.StatusError
		doc.Error = message
		doc.CompletedAt = &now
		return nil
	})
}

// ResetDocument returns a document to waiting and drops its page segments.
// The page count is kept since the source has not changed.
func (s *DocumentStorage) ResetDocument(ctx context.Context, id string) error {
	_, err := s.mutate(id, func(tx *badger.Txn, doc *models.Document) error {
		doc.Status = models.StatusWaiting
		doc.CurrentPage = 0
		doc.Progress = 0
		doc.Error = ""
		doc.CompletedAt = nil

		if err := s.db.Store().TxDeleteMatching(tx, &models.PageSegment{}, badgerhold.Where("DocumentID").Eq(id)); err != nil {
			return fmt.Errorf("failed to delete page segments: %w", err)
		}
		return nil
	})
	return err
}

// GetPageSegment returns nil without error when the page has no stored segment.
func (s *DocumentStorage) GetPageSegment(ctx context.Context, documentID string, page int) (*models.PageSegment, error) {
	var segment models.PageSegment
	if err := s.db.Store().Get(models.PageSegmentKey(documentID, page), &segment); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get page segment: %w", err)
	}
	return &segment, nil
}

func (s *DocumentStorage) GetPageSegments(ctx context.Context, documentID string) ([]models.PageSegment, error) {
	var segments []models.PageSegment
	if err := s.db.Store().Find(&segments, badgerhold.Where("DocumentID").Eq(documentID)); err != nil {
		return nil, fmt.Errorf("failed to list page segments: %w", err)
	}

	sort.Slice(segments, func(i, j int) bool { return segments[i].Page < segments[j].Page })
	return segments, nil
}

// mutate applies fn to the stored document inside a single transaction.
func (s *DocumentStorage) mutate(id string, fn func(tx *badger.Txn, doc *models.Document) error) (*models.Document, error) {
	var doc models.Document

	err := s.db.Update(func(tx *badger.Txn) error {
		if err := s.db.Store().TxGet(tx, id, &doc); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return fmt.Errorf("%w: %s", models.ErrDocumentNotFound, id)
			}
			return err
		}

		if err := fn(tx, &doc); err != nil {
			return err
		}

		doc.UpdatedAt = time.Now()
		return s.db.Store().TxUpsert(tx, id, &doc)
	})
	if err != nil {
		if errors.Is(err, models.ErrDocumentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to update document %s: %w", id, err)
	}

	s.logger.Trace().
		Str("document_id", id).
		Str("status", string(doc.Status)).
		Int("progress", doc.Progress).
		Msg("Document updated")

	return &doc, nil
}
