package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Status is the lifecycle state shared by documents and cases.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

// IsTerminal reports whether no further automatic transitions occur from s.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusError
}

// Document is one uploaded source file belonging to a case.
// It is mutated only by the worker that holds its job and by case retry.
type Document struct {
	ID             string     `json:"id"`
	CaseID         string     `json:"case_id" badgerhold:"index"`
	Index          int        `json:"index"` // Ordering within the case
	DisplayName    string     `json:"display_name"`
	SourceLocation string     `json:"source_location"`
	Priority       int        `json:"priority"`
	TotalPages     int        `json:"total_pages"` // Zero until the source has been opened
	CurrentPage    int        `json:"current_page"`
	Status         Status     `json:"status" badgerhold:"index"`
	Progress       int        `json:"progress"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// PageSegment is the persisted text for one page of a document.
type PageSegment struct {
	Key        string    `json:"key"`
	DocumentID string    `json:"document_id" badgerhold:"index"`
	Page       int       `json:"page"`
	Text       string    `json:"text"`
	Failed     bool      `json:"failed"` // Text is a placeholder, page will be retried on reprocessing
	CreatedAt  time.Time `json:"created_at"`
}

// PageSegmentKey returns the storage key of a page segment. Pages sort lexically.
func PageSegmentKey(documentID string, page int) string {
	return fmt.Sprintf("%s|%06d", documentID, page)
}

// Reusable reports whether a stored segment can be kept instead of recognizing the page again.
func (s *PageSegment) Reusable() bool {
	return s != nil && !s.Failed && strings.TrimSpace(s.Text) != ""
}

// PagePlaceholder is the text stored for a page that could not be processed.
func PagePlaceholder(page int, stage PageStage) string {
	return fmt.Sprintf("[page %d could not be processed: %s error]", page, stage)
}

// PageProgress returns round(current/total*100) clamped to 0..100.
func PageProgress(current, total int) int {
	if total <= 0 || current <= 0 {
		return 0
	}
	if current >= total {
		return 100
	}
	return int(math.Round(float64(current) / float64(total) * 100))
}

// AssembleText joins page segments in page order, one block per page.
func AssembleText(segments []PageSegment) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		parts = append(parts, s.Text)
	}
	return strings.Join(parts, "\n\n")
}
