package interfaces

import (
	"context"

	"github.com/ternarybob/folio/internal/models"
)

// CaseRecomputer re-derives a case's aggregate fields from its documents.
type CaseRecomputer interface {
	Recompute(ctx context.Context, caseID string) (*models.Case, error)
}

// CaseService is the case-level surface used by the CLI and operators.
type CaseService interface {
	CaseRecomputer
	CreateCase(ctx context.Context, req models.CaseRequest) (*models.Case, error)
	GetCase(ctx context.Context, caseID string) (*models.Case, error)
	Retry(ctx context.Context, caseID string) (int, error)
	Transcript(ctx context.Context, caseID string) (string, error)
}
