package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageProgress(t *testing.T) {
	tests := []struct {
		name     string
		current  int
		total    int
		expected int
	}{
		{"no pages known", 0, 0, 0},
		{"not started", 0, 5, 0},
		{"first of three", 1, 3, 33},
		{"second of three", 2, 3, 67},
		{"half", 5, 10, 50},
		{"complete", 5, 5, 100},
		{"overshoot clamps", 7, 5, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, PageProgress(tt.current, tt.total))
		})
	}
}

func TestPageProgress_NeverDecreasesAcrossPages(t *testing.T) {
	for total := 1; total <= 50; total++ {
		last := 0
		for page := 1; page <= total; page++ {
			p := PageProgress(page, total)
			assert.GreaterOrEqual(t, p, last, "total=%d page=%d", total, page)
			assert.LessOrEqual(t, p, 100)
			last = p
		}
		assert.Equal(t, 100, last)
	}
}

func TestPageSegmentKey_SortsByPage(t *testing.T) {
	assert.Equal(t, "doc-1|000003", PageSegmentKey("doc-1", 3))
	assert.Less(t, PageSegmentKey("d", 9), PageSegmentKey("d", 10))
}

func TestPageSegment_Reusable(t *testing.T) {
	var missing *PageSegment
	assert.False(t, missing.Reusable())
	assert.False(t, (&PageSegment{Text: "   "}).Reusable())
	assert.False(t, (&PageSegment{Text: PagePlaceholder(2, PageStageRender), Failed: true}).Reusable())
	assert.True(t, (&PageSegment{Text: "invoice total"}).Reusable())
}

func TestAssembleText_KeepsPlaceholdersInOrder(t *testing.T) {
	segments := []PageSegment{
		{Page: 1, Text: "one"},
		{Page: 2, Text: PagePlaceholder(2, PageStageRecognize), Failed: true},
		{Page: 3, Text: "three"},
	}

	text := AssembleText(segments)
	assert.Equal(t, "one\n\n[page 2 could not be processed: recognition error]\n\nthree", text)
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusWaiting.IsTerminal())
	assert.False(t, StatusProcessing.IsTerminal())
	assert.True(t, StatusDone.IsTerminal())
	assert.True(t, StatusError.IsTerminal())
}

func TestJobPayload_Validate(t *testing.T) {
	valid := JobPayload{DocumentID: "d1", CaseID: "c1", SourceLocation: "/tmp/a.pdf", Priority: 1}
	require.NoError(t, valid.Validate())

	missing := valid
	missing.SourceLocation = ""
	assert.Error(t, missing.Validate())

	negative := valid
	negative.Priority = -1
	assert.Error(t, negative.Validate())
}

func TestJobState_Outstanding(t *testing.T) {
	for _, s := range []JobState{JobStateWaiting, JobStateDelayed, JobStateActive, JobStateStalled} {
		assert.True(t, s.Outstanding(), s)
	}
	assert.False(t, JobStateCompleted.Outstanding())
	assert.False(t, JobStateFailed.Outstanding())
	assert.Equal(t, "doc-abc", DocumentJobID("abc"))
}

func TestErrors_CarryIdentity(t *testing.T) {
	cause := errors.New("disk gone")

	transient := &TransientJobError{JobID: "doc-1", DocumentID: "1", Err: cause}
	assert.Contains(t, transient.Error(), "doc-1")
	assert.ErrorIs(t, transient, cause)

	page := &PageError{DocumentID: "1", Page: 3, Stage: PageStageRecognize, Err: cause}
	assert.Contains(t, page.Error(), "page 3")

	fatal := fmt.Errorf("run: %w", &DocumentFatalError{DocumentID: "1", Err: cause})
	assert.True(t, IsDocumentFatal(fatal))
	assert.False(t, IsDocumentFatal(transient))
}
