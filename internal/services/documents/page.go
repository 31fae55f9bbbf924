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

// PageState is the position of one page in the recognition pipeline.
type PageState string

const (
	PagePending     PageState = "pending"
	PageRendering   PageState = "rendering"
	PageRecognizing PageState = "recognizing"
	PageDone        PageState = "done"
	PageFailed      PageState = "page-error"
)

var pageTransitions = map[PageState][]PageState{
	PagePending:     {PageRendering},
	PageRendering:   {PageRecognizing, PageFailed},
	PageRecognizing: {PageDone, PageFailed},
}

// IsTerminal reports whether no further transition is possible.
func (s PageState) IsTerminal() bool {
	return s == PageDone || s == PageFailed
}

// CanTransition reports whether the machine may move from s to next.
func (s PageState) CanTransition(next PageState) bool {
	for _, allowed := range pageTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// pageMachine drives a single page from pending to done or page-error.
type pageMachine struct {
	documentID string
	page       int
	state      PageState
	logger     arbor.ILogger
}

func newPageMachine(documentID string, page int, logger arbor.ILogger) *pageMachine {
	return &pageMachine{documentID: documentID, page: page, state: PagePending, logger: logger}
}

func (m *pageMachine) advance(next PageState) {
	if !m.state.CanTransition(next) {
		panic(fmt.Sprintf("invalid page transition %s -> %s", m.state, next))
	}
	m.logger.Trace().
		Int("page", m.page).
		Str("from", string(m.state)).
		Str("to", string(next)).
		Msg("Page state changed")
	m.state = next
}

// run renders and recognizes the page. A failure in either step yields a
// failed segment carrying the placeholder text. Only an unavailable engine
// or a cancelled context is returned as an error; the page is then left
// unrecorded so a later run picks it up again.
func (m *pageMachine) run(ctx context.Context, handle interfaces.DocumentHandle, recognizer interfaces.Recognizer, scale float64) (*models.PageSegment, *models.PageError, error) {
	start := time.Now()

	m.advance(PageRendering)
	image, err := handle.RenderPage(ctx, m.page, scale)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		segment, pageErr := m.fail(models.PageStageRender, err)
		return segment, pageErr, nil
	}

	m.advance(PageRecognizing)
	text, err := recognizer.Recognize(ctx, image)
	if err != nil {
		if errors.Is(err, models.ErrEngineUnavailable) || ctx.Err() != nil {
			return nil, nil, err
		}
		segment, pageErr := m.fail(models.PageStageRecognize, err)
		return segment, pageErr, nil
	}

	m.advance(PageDone)
	m.logger.Debug().
		Int("page", m.page).
		Int("chars", len(text)).
		Dur("duration", time.Since(start)).
		Msg("Page recognized")

	return &models.PageSegment{DocumentID: m.documentID, Page: m.page, Text: text}, nil, nil
}

func (m *pageMachine) fail(stage models.PageStage, err error) (*models.PageSegment, *models.PageError) {
	m.advance(PageFailed)
	pageErr := &models.PageError{DocumentID: m.documentID, Page: m.page, Stage: stage, Err: err}

	m.logger.Warn().
		Err(err).
		Int("page", m.page).
		Str("stage", string(stage)).
		Msg("Page failed, placeholder stored")

	return &models.PageSegment{
		DocumentID: m.documentID,
		Page:       m.page,
		Text:       models.PagePlaceholder(m.page, stage),
		Failed:     true,
	}, pageErr
}
