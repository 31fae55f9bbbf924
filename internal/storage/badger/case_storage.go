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

// CaseStorage implements the CaseStorage interface for Badger
type CaseStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewCaseStorage creates a new CaseStorage instance
func NewCaseStorage(db *BadgerDB, logger arbor.ILogger) interfaces.CaseStorage {
	return &CaseStorage{
		db:     db,
		logger: logger,
	}
}

func (s *CaseStorage) SaveCase(ctx context.Context, c *models.Case) error {
	if c.ID == "" {
		return fmt.Errorf("case ID is required")
	}

	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	if err := s.db.Store().Upsert(c.ID, c); err != nil {
		return fmt.Errorf("failed to save case: %w", err)
	}
	return nil
}

func (s *CaseStorage) GetCase(ctx context.Context, id string) (*models.Case, error) {
	var c models.Case
	if err := s.db.Store().Get(id, &c); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", models.ErrCaseNotFound, id)
		}
		return nil, fmt.Errorf("failed to get case: %w", err)
	}
	return &c, nil
}

// ListCases returns all cases, oldest first.
func (s *CaseStorage) ListCases(ctx context.Context) ([]*models.Case, error) {
	var cases []models.Case
	if err := s.db.Store().Find(&cases, badgerhold.Where("ID").Ne("")); err != nil {
		return nil, fmt.Errorf("failed to list cases: %w", err)
	}

	sort.Slice(cases, func(i, j int) bool { return cases[i].CreatedAt.Before(cases[j].CreatedAt) })

	result := make([]*models.Case, len(cases))
	for i := range cases {
		result[i] = &cases[i]
	}
	return result, nil
}

func (s *CaseStorage) UpdateAggregate(ctx context.Context, id string, agg models.CaseAggregate) (models.Status, error) {
	var previous models.Status

	err := s.update(id, func(c *models.Case) {
		previous = c.Status
		now := time.Now()

		c.Status = agg.Status
		c.Progress = agg.Progress
		c.TotalCount = agg.TotalCount
		c.ProcessedCount = agg.ProcessedCount
		c.Error = agg.Error

		switch {
		case !agg.Status.IsTerminal():
			c.CompletedAt = nil
		case c.CompletedAt == nil || !previous.IsTerminal():
			c.CompletedAt = &now
		}
	})
	return previous, err
}

func (s *CaseStorage) update(id string, fn func(c *models.Case)) error {
	err := s.db.Update(func(tx *badger.Txn) error {
		var c models.Case
		if err := s.db.Store().TxGet(tx, id, &c); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return fmt.Errorf("%w: %s", models.ErrCaseNotFound, id)
			}
			return err
		}

		fn(&c)
		c.UpdatedAt = time.Now()
		return s.db.Store().TxUpsert(tx, id, &c)
	})
	if err != nil && !errors.Is(err, models.ErrCaseNotFound) {
		return fmt.Errorf("failed to update case %s: %w", id, err)
	}
	return err
}
