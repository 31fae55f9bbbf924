package status

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/models"
	"github.com/ternarybob/folio/internal/ocr"
)

type fakeSources struct {
	counts   models.JobCounts
	messages models.QueueStats
	engines  ocr.PoolStats
	err      error
}

func (f *fakeSources) Counts(ctx context.Context) (models.JobCounts, error) {
	return f.counts, f.err
}

func (f *fakeSources) Stats(ctx context.Context) (models.QueueStats, error) {
	return f.messages, nil
}

type fakeEngines struct{ stats ocr.PoolStats }

func (f fakeEngines) Stats() ocr.PoolStats { return f.stats }

func TestService_SnapshotDerivesState(t *testing.T) {
	sources := &fakeSources{counts: models.JobCounts{models.JobStateCompleted: 4}}
	engines := &fakeEngines{}
	s := NewService(sources, sources, engines, arbor.NewLogger())
	ctx := context.Background()

	snapshot, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, snapshot.State)
	assert.Equal(t, 4, snapshot.Jobs[models.JobStateCompleted])

	sources.messages = models.QueueStats{Ready: 2}
	snapshot, err = s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateBusy, snapshot.State)
	assert.Equal(t, StateBusy, s.GetState())

	sources.messages = models.QueueStats{Ready: 2, Paused: true}
	snapshot, err = s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, snapshot.State)

	sources.messages = models.QueueStats{}
	engines.stats = ocr.PoolStats{Size: 2, Initialized: true, Busy: 1}
	snapshot, err = s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateBusy, snapshot.State)
}

func TestService_ReportPropagatesErrors(t *testing.T) {
	sources := &fakeSources{err: errors.New("db closed")}
	s := NewService(sources, sources, fakeEngines{}, arbor.NewLogger())

	assert.Error(t, s.Report(context.Background()))

	sources.err = nil
	assert.NoError(t, s.Report(context.Background()))
}
