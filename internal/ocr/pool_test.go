package ocr

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/interfaces"
	"github.com/ternarybob/folio/internal/models"
)

type fakeEngine struct {
	id     int
	delay  time.Duration
	inUse  atomic.Int32
	shared *atomic.Bool // set when an engine is used by two callers at once
	closed atomic.Bool
}

func (e *fakeEngine) Recognize(ctx context.Context, image []byte) (string, error) {
	if e.inUse.Add(1) > 1 {
		e.shared.Store(true)
	}
	defer e.inUse.Add(-1)
	time.Sleep(e.delay)
	return string(image), nil
}

func (e *fakeEngine) Close() error {
	e.closed.Store(true)
	return nil
}

type fakeFactory struct {
	mu     sync.Mutex
	built  []*fakeEngine
	calls  atomic.Int32
	fail   atomic.Bool
	delay  time.Duration
	shared atomic.Bool
}

func (f *fakeFactory) build(ctx context.Context) (interfaces.RecognitionEngine, error) {
	f.calls.Add(1)
	if f.fail.Load() {
		return nil, errors.New("tessdata missing")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	engine := &fakeEngine{id: len(f.built), delay: f.delay, shared: &f.shared}
	f.built = append(f.built, engine)
	return engine, nil
}

func TestEnginePool_LazyInitializationRunsOnce(t *testing.T) {
	factory := &fakeFactory{}
	pool := NewEnginePool(3, factory.build, 0, 0, arbor.NewLogger())

	assert.False(t, pool.Stats().Initialized)
	assert.Zero(t, factory.calls.Load(), "no engine is built before first use")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pool.Recognize(context.Background(), []byte("page"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), factory.calls.Load())
	stats := pool.Stats()
	assert.True(t, stats.Initialized)
	assert.Equal(t, int64(10), stats.Recognized)
	assert.Zero(t, stats.Busy)
}

func TestEnginePool_EngineServesOneCallAtATime(t *testing.T) {
	factory := &fakeFactory{delay: 5 * time.Millisecond}
	pool := NewEnginePool(2, factory.build, 0, 0, arbor.NewLogger())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			text, err := pool.Recognize(context.Background(), []byte("abc"))
			assert.NoError(t, err)
			assert.Equal(t, "abc", text)
		}()
	}
	wg.Wait()

	assert.False(t, factory.shared.Load(), "an engine was used concurrently")
}

func TestEnginePool_WaitingCallerHonoursContext(t *testing.T) {
	factory := &fakeFactory{delay: 200 * time.Millisecond}
	pool := NewEnginePool(1, factory.build, 0, 0, arbor.NewLogger())

	started := make(chan struct{})
	go func() {
		close(started)
		pool.Recognize(context.Background(), []byte("slow"))
	}()
	<-started
	require.Eventually(t, func() bool { return pool.Stats().Busy == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := pool.Recognize(ctx, []byte("blocked"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEnginePool_CloseResetsAndReinitializes(t *testing.T) {
	factory := &fakeFactory{}
	pool := NewEnginePool(2, factory.build, 0, 0, arbor.NewLogger())

	_, err := pool.Recognize(context.Background(), []byte("x"))
	require.NoError(t, err)
	require.NoError(t, pool.Close())

	assert.False(t, pool.Stats().Initialized)
	for _, engine := range factory.built {
		assert.True(t, engine.closed.Load())
	}

	_, err = pool.Recognize(context.Background(), []byte("y"))
	require.NoError(t, err)
	assert.Equal(t, int32(4), factory.calls.Load(), "a fresh set of engines is built after Close")

	// Closing an uninitialized pool is a no-op.
	require.NoError(t, NewEnginePool(1, factory.build, 0, 0, arbor.NewLogger()).Close())
}

func TestEnginePool_InitFailureIsRetried(t *testing.T) {
	factory := &fakeFactory{}
	factory.fail.Store(true)
	pool := NewEnginePool(2, factory.build, 0, 0, arbor.NewLogger())

	_, err := pool.Recognize(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrEngineUnavailable)
	assert.Contains(t, err.Error(), "tessdata missing")
	assert.False(t, pool.Stats().Initialized)

	factory.fail.Store(false)
	_, err = pool.Recognize(context.Background(), []byte("x"))
	assert.NoError(t, err)
}

func TestEnginePool_RateLimit(t *testing.T) {
	factory := &fakeFactory{}
	pool := NewEnginePool(2, factory.build, 20, 1, arbor.NewLogger())

	start := time.Now()
	for i := 0; i < 5; i++ {
		_, err := pool.Recognize(context.Background(), []byte("x"))
		require.NoError(t, err)
	}
	// Burst of one, then one token every 50ms.
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}
