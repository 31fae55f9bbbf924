package cases

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/interfaces"
	"github.com/ternarybob/folio/internal/models"
)

// Aggregate derives a case's status and counters from its documents. It is
// a pure function: the same documents always produce the same result.
//
// Rules, in order: every document errored gives error; every document
// terminal gives done, even with some errored; otherwise processing.
// A case without documents is waiting.
func Aggregate(docs []*models.Document) models.CaseAggregate {
	total := len(docs)
	if total == 0 {
		return models.CaseAggregate{Status: models.StatusWaiting}
	}

	completed, errored, progressSum := 0, 0, 0
	var messages []string
	for _, doc := range docs {
		progressSum += doc.Progress
		switch doc.Status {
		case models.StatusDone:
			completed++
		case models.StatusError:
			errored++
			messages = append(messages, documentError(doc))
		}
	}

	agg := models.CaseAggregate{
		Progress:       int(math.Round(float64(progressSum) / float64(total))),
		TotalCount:     total,
		ProcessedCount: completed + errored,
		Error:          strings.Join(messages, "; "),
	}

	switch {
	case errored == total:
		agg.Status = models.StatusError
	case completed+errored == total:
		agg.Status = models.StatusDone
	default:
		agg.Status = models.StatusProcessing
	}
	return agg
}

func documentError(doc *models.Document) string {
	name := doc.DisplayName
	if name == "" {
		name = doc.ID
	}
	return fmt.Sprintf("%s: %s", name, doc.Error)
}

// Aggregator recomputes and persists case aggregates. Recomputations of the
// same case are serialized.
type Aggregator struct {
	documents interfaces.DocumentStorage
	cases     interfaces.CaseStorage
	notifier  interfaces.Notifier
	locks     *keyedMutex
	logger    arbor.ILogger
}

var _ interfaces.CaseRecomputer = (*Aggregator)(nil)

// NewAggregator creates a case aggregator.
func NewAggregator(documents interfaces.DocumentStorage, cases interfaces.CaseStorage, notifier interfaces.Notifier, logger arbor.ILogger) *Aggregator {
	return &Aggregator{
		documents: documents,
		cases:     cases,
		notifier:  notifier,
		locks:     newKeyedMutex(),
		logger:    logger,
	}
}

// Recompute re-derives the case from its documents and stores the result.
// The notifier is told when the case enters a terminal status.
func (a *Aggregator) Recompute(ctx context.Context, caseID string) (*models.Case, error) {
	unlock := a.locks.Lock(caseID)
	defer unlock()

	c, err := a.cases.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	docs, err := a.documents.ListDocumentsByCase(ctx, caseID)
	if err != nil {
		return nil, err
	}

	agg := Aggregate(docs)
	previous, err := a.cases.UpdateAggregate(ctx, caseID, agg)
	if err != nil {
		return nil, err
	}

	c.Status = agg.Status
	c.Progress = agg.Progress
	c.TotalCount = agg.TotalCount
	c.ProcessedCount = agg.ProcessedCount
	c.Error = agg.Error

	a.logger.Debug().
		Str("case_id", caseID).
		Str("status", string(agg.Status)).
		Int("progress", agg.Progress).
		Int("processed", agg.ProcessedCount).
		Int("total", agg.TotalCount).
		Msg("Case recomputed")

	if agg.Status.IsTerminal() && previous != agg.Status {
		a.logger.Info().
			Str("case_id", caseID).
			Str("status", string(agg.Status)).
			Int("documents", agg.TotalCount).
			Msg("Case finished")

		a.notifier.Notify(ctx, models.Notification{
			Subject: models.SubjectCase,
			ID:      caseID,
			CaseID:  caseID,
			Outcome: agg.Status,
			Message: agg.Error,
			At:      time.Now(),
		})
	}
	return c, nil
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock blocks until key is free and returns the matching unlock.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
