// -----------------------------------------------------------------------
// Document Worker - Runs one document job page by page
// -----------------------------------------------------------------------

package documents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/interfaces"
	"github.com/ternarybob/folio/internal/models"
)

// Worker processes one document per job. Pages are handled strictly in
// order; pages with a stored successful segment are reused, so a redelivered
// job resumes where the previous run stopped.
type Worker struct {
	documents  interfaces.DocumentStorage
	renderer   interfaces.PageRenderer
	recognizer interfaces.Recognizer
	cases      interfaces.CaseRecomputer
	notifier   interfaces.Notifier
	scale      float64
	logger     arbor.ILogger
}

var _ interfaces.JobRunner = (*Worker)(nil)

// NewWorker creates a document worker.
func NewWorker(
	documents interfaces.DocumentStorage,
	renderer interfaces.PageRenderer,
	recognizer interfaces.Recognizer,
	cases interfaces.CaseRecomputer,
	notifier interfaces.Notifier,
	scale float64,
	logger arbor.ILogger,
) *Worker {
	return &Worker{
		documents:  documents,
		renderer:   renderer,
		recognizer: recognizer,
		cases:      cases,
		notifier:   notifier,
		scale:      scale,
		logger:     logger,
	}
}

// Run executes the document job. A returned DocumentFatalError means the
// document is already in error; any other error is transient.
func (w *Worker) Run(ctx context.Context, job *models.QueueJob, reporter interfaces.ProgressReporter) error {
	payload := job.Payload
	logger := w.logger.WithCorrelationId(job.ID)
	start := time.Now()

	doc, err := w.documents.MarkProcessing(ctx, payload.DocumentID)
	if err != nil {
		return w.transient(ctx, job, err)
	}
	w.recompute(ctx, logger, payload.CaseID)

	handle, err := w.renderer.Open(ctx, payload.SourceLocation)
	if err != nil {
		return w.fatal(ctx, logger, job, fmt.Errorf("cannot open source %s: %w", payload.SourceLocation, err))
	}
	defer handle.Close()

	total := handle.PageCount()
	if total < 1 {
		return w.fatal(ctx, logger, job, fmt.Errorf("source %s has no pages", payload.SourceLocation))
	}
	if doc.TotalPages != total {
		if err := w.documents.SetTotalPages(ctx, doc.ID, total); err != nil {
			return w.transient(ctx, job, err)
		}
		doc.TotalPages = total
	}

	logger.Info().
		Str("document_id", doc.ID).
		Str("name", payload.DisplayName).
		Int("pages", total).
		Int("resume_from", doc.CurrentPage+1).
		Msg("Document processing started")

	failedPages := 0
	for page := 1; page <= total; page++ {
		existing, err := w.documents.GetPageSegment(ctx, doc.ID, page)
		if err != nil {
			return w.transient(ctx, job, err)
		}

		if existing.Reusable() {
			logger.Debug().Int("page", page).Msg("Page already recognized, reusing stored text")
			if page <= doc.CurrentPage {
				continue
			}
			if doc, err = w.documents.RecordPage(ctx, existing); err != nil {
				return w.transient(ctx, job, err)
			}
		} else {
			segment, pageErr, err := newPageMachine(doc.ID, page, logger).run(ctx, handle, w.recognizer, w.scale)
			if err != nil {
				logger.Warn().Err(err).Int("page", page).Msg("Page not recognized, document left for redelivery")
				return w.transient(ctx, job, err)
			}
			if pageErr != nil {
				failedPages++
			}
			if doc, err = w.documents.RecordPage(ctx, segment); err != nil {
				return w.transient(ctx, job, err)
			}
		}

		if err := reporter.ReportProgress(ctx, doc.Progress); err != nil {
			if errors.Is(err, models.ErrLeaseLost) {
				logger.Warn().Int("page", page).Msg("Lease lost, another worker owns this document")
				return err
			}
			logger.Warn().Err(err).Int("page", page).Msg("Failed to report progress")
		}
	}

	if status := DeriveStatus(doc, nil); status != models.StatusDone {
		return w.transient(ctx, job, fmt.Errorf("document %s ended page loop in status %s", doc.ID, status))
	}

	doc, err = w.documents.FinishDocument(ctx, doc.ID)
	if err != nil {
		return w.transient(ctx, job, err)
	}

	logger.Info().
		Str("document_id", doc.ID).
		Int("pages", total).
		Int("failed_pages", failedPages).
		Dur("duration", time.Since(start)).
		Msg("Document processing completed")

	w.notifier.Notify(ctx, models.Notification{
		Subject: models.SubjectDocument,
		ID:      doc.ID,
		CaseID:  doc.CaseID,
		Outcome: models.StatusDone,
		At:      time.Now(),
	})
	w.recompute(ctx, logger, payload.CaseID)
	return nil
}

// fatal puts the document in error, updates the case and notifies. While the
// queue still has attempts left the document stays processing and nothing is
// notified, so a retried source reports its outcome once.
func (w *Worker) fatal(ctx context.Context, logger arbor.ILogger, job *models.QueueJob, cause error) error {
	fatal := &models.DocumentFatalError{DocumentID: job.Payload.DocumentID, Err: cause}

	if !job.FinalAttempt() {
		logger.Warn().
			Err(cause).
			Str("document_id", fatal.DocumentID).
			Int("attempt", job.Attempts+1).
			Int("max_attempts", job.MaxAttempts).
			Msg("Document failed, attempts remain")
		return fatal
	}

	logger.Error().
		Err(cause).
		Str("document_id", fatal.DocumentID).
		Msg("Document failed")

	if _, err := w.documents.FailDocument(ctx, fatal.DocumentID, cause.Error()); err != nil {
		return w.transient(ctx, job, err)
	}

	w.notifier.Notify(ctx, models.Notification{
		Subject: models.SubjectDocument,
		ID:      fatal.DocumentID,
		CaseID:  job.Payload.CaseID,
		Outcome: models.StatusError,
		Message: cause.Error(),
		At:      time.Now(),
	})
	w.recompute(ctx, logger, job.Payload.CaseID)
	return fatal
}

// transient wraps an infrastructure failure after bringing the case up to date.
func (w *Worker) transient(ctx context.Context, job *models.QueueJob, err error) error {
	w.recompute(ctx, w.logger, job.Payload.CaseID)
	return &models.TransientJobError{JobID: job.ID, DocumentID: job.Payload.DocumentID, Err: err}
}

func (w *Worker) recompute(ctx context.Context, logger arbor.ILogger, caseID string) {
	if _, err := w.cases.Recompute(ctx, caseID); err != nil {
		logger.Warn().Err(err).Str("case_id", caseID).Msg("Failed to recompute case status")
	}
}
