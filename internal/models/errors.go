package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNoMessage is returned when the queue is empty
	ErrNoMessage        = errors.New("no messages in queue")
	ErrQueuePaused      = errors.New("queue is paused")
	ErrJobNotFound      = errors.New("job not found")
	ErrLeaseLost        = errors.New("job lease lost")
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrCaseNotFound     = errors.New("case not found")
	ErrNothingToRetry   = errors.New("case has no errored documents")
	ErrDocumentNotFound = errors.New("document not found")

	// ErrEngineUnavailable means no recognition engine could serve the call.
	// It is an infrastructure failure, not a property of the page.
	ErrEngineUnavailable = errors.New("recognition engine unavailable")
)

// TransientJobError is an infrastructure failure during a job run.
// The queue retries it under the job's attempt and backoff policy.
type TransientJobError struct {
	JobID      string
	DocumentID string
	Err        error
}

func (e *TransientJobError) Error() string {
	return fmt.Sprintf("transient failure in job %s (document %s): %v", e.JobID, e.DocumentID, e.Err)
}

func (e *TransientJobError) Unwrap() error { return e.Err }

// PageStage names the step of the page state machine that failed.
type PageStage string

const (
	PageStageRender    PageStage = "render"
	PageStageRecognize PageStage = "recognition"
)

// PageError is a failure isolated to one page. It never fails the document.
type PageError struct {
	DocumentID string
	Page       int
	Stage      PageStage
	Err        error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("document %s page %d %s failed: %v", e.DocumentID, e.Page, e.Stage, e.Err)
}

func (e *PageError) Unwrap() error { return e.Err }

// DocumentFatalError means the whole document cannot be processed,
// e.g. the source is unreadable or its page count is unobtainable.
type DocumentFatalError struct {
	DocumentID string
	Err        error
}

func (e *DocumentFatalError) Error() string {
	return fmt.Sprintf("document %s: %v", e.DocumentID, e.Err)
}

func (e *DocumentFatalError) Unwrap() error { return e.Err }

// IsDocumentFatal reports whether err is or wraps a DocumentFatalError.
func IsDocumentFatal(err error) bool {
	var fatal *DocumentFatalError
	return errors.As(err, &fatal)
}
