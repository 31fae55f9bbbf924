package interfaces

import (
	"context"

	"github.com/ternarybob/folio/internal/models"
)

// DocumentStorage persists documents and their page segments.
// Writes to one document are atomic; different documents never share state.
type DocumentStorage interface {
	SaveDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	ListDocumentsByCase(ctx context.Context, caseID string) ([]*models.Document, error)

	// Worker state transitions
	MarkProcessing(ctx context.Context, id string) (*models.Document, error)
	SetTotalPages(ctx context.Context, id string, total int) error
	RecordPage(ctx context.Context, segment *models.PageSegment) (*models.Document, error)
	FinishDocument(ctx context.Context, id string) (*models.Document, error)
	FailDocument(ctx context.Context, id string, message string) (*models.Document, error)
	ResetDocument(ctx context.Context, id string) error

	// Page segments, ordered by page
	GetPageSegment(ctx context.Context, documentID string, page int) (*models.PageSegment, error)
	GetPageSegments(ctx context.Context, documentID string) ([]models.PageSegment, error)
}

// CaseStorage persists cases and their aggregate fields.
type CaseStorage interface {
	SaveCase(ctx context.Context, c *models.Case) error
	GetCase(ctx context.Context, id string) (*models.Case, error)
	ListCases(ctx context.Context) ([]*models.Case, error)
	// UpdateAggregate writes the derived fields and returns the status they replaced.
	UpdateAggregate(ctx context.Context, id string, agg models.CaseAggregate) (models.Status, error)
}

// JobStorage persists queue job records.
type JobStorage interface {
	SaveJob(ctx context.Context, job *models.QueueJob) error
	GetJob(ctx context.Context, id string) (*models.QueueJob, error)
	ListJobsByState(ctx context.Context, state models.JobState) ([]*models.QueueJob, error)
	DeleteJob(ctx context.Context, id string) error
	CountJobsByState(ctx context.Context) (models.JobCounts, error)
}

// StorageManager - composite interface for all storage operations
type StorageManager interface {
	DocumentStorage() DocumentStorage
	CaseStorage() CaseStorage
	JobStorage() JobStorage
	DB() interface{}
	CollectGarbage(ctx context.Context) error
	Close() error
}
