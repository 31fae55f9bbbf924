package models

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Case groups documents processed together. Its aggregate fields are
// derived from the documents and only written by recomputation.
type Case struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	DocumentIDs    []string   `json:"document_ids"`
	Status         Status     `json:"status" badgerhold:"index"`
	Progress       int        `json:"progress"`
	TotalCount     int        `json:"total_count"`
	ProcessedCount int        `json:"processed_count"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// CaseAggregate is the derived part of a case.
type CaseAggregate struct {
	Status         Status `json:"status"`
	Progress       int    `json:"progress"`
	TotalCount     int    `json:"total_count"`
	ProcessedCount int    `json:"processed_count"`
	Error          string `json:"error,omitempty"`
}

// Aggregate returns the case's current derived fields.
func (c *Case) Aggregate() CaseAggregate {
	return CaseAggregate{
		Status:         c.Status,
		Progress:       c.Progress,
		TotalCount:     c.TotalCount,
		ProcessedCount: c.ProcessedCount,
		Error:          c.Error,
	}
}

// CaseRequest describes a new case and the sources of its documents, in order.
type CaseRequest struct {
	Name     string   `json:"name" validate:"required"`
	Sources  []string `json:"sources" validate:"min=1,dive,required"`
	Priority int      `json:"priority" validate:"gte=0"`
}

// Validate checks the request's required fields.
func (r CaseRequest) Validate() error {
	if err := validator.New().Struct(r); err != nil {
		return fmt.Errorf("invalid case request: %w", err)
	}
	return nil
}
