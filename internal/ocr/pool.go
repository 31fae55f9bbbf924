// -----------------------------------------------------------------------
// Recognition engine pool - bounded, lazily initialized engine checkout
// -----------------------------------------------------------------------

package ocr

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/interfaces"
	"github.com/ternarybob/folio/internal/models"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var errPoolClosed = fmt.Errorf("%w: pool is closed", models.ErrEngineUnavailable)

// EngineFactory builds one recognition engine instance.
type EngineFactory func(ctx context.Context) (interfaces.RecognitionEngine, error)

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	Size        int   `json:"size"`
	Initialized bool  `json:"initialized"`
	Busy        int   `json:"busy"`
	Recognized  int64 `json:"recognized"`
}

// EnginePool owns a fixed number of engines. Each Recognize call checks out
// one idle engine, so an engine never serves two calls at once. Callers
// beyond the pool size wait for a free engine.
type EnginePool struct {
	size    int
	factory EngineFactory
	limiter *rate.Limiter
	logger  arbor.ILogger

	initMu      sync.Mutex // Serializes initialization and Close
	mu          sync.Mutex // Guards the fields below
	engines     []interfaces.RecognitionEngine
	busy        []bool
	slots       chan struct{}
	initialized bool
	generation  int

	recognized atomic.Int64
}

var _ interfaces.Recognizer = (*EnginePool)(nil)

// NewEnginePool creates an uninitialized pool. Engines are built on first use.
// ratePerSecond caps recognitions across the pool; 0 disables the cap.
func NewEnginePool(size int, factory EngineFactory, ratePerSecond float64, burst int, logger arbor.ILogger) *EnginePool {
	if size < 1 {
		size = 1
	}

	var limiter *rate.Limiter
	if ratePerSecond > 0 {
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
	}

	return &EnginePool{
		size:    size,
		factory: factory,
		limiter: limiter,
		logger:  logger,
	}
}

// Recognize runs one recognition on an idle engine.
func (p *EnginePool) Recognize(ctx context.Context, image []byte) (string, error) {
	if err := p.ensureInitialized(ctx); err != nil {
		return "", err
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	engine, release, err := p.checkout(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	text, err := engine.Recognize(ctx, image)
	if err != nil {
		return "", err
	}
	p.recognized.Add(1)
	return text, nil
}

// Close closes every engine and returns the pool to its uninitialized state.
// A later Recognize builds a fresh set of engines.
func (p *EnginePool) Close() error {
	p.initMu.Lock()
	defer p.initMu.Unlock()

	p.mu.Lock()
	engines := p.engines
	wasInitialized := p.initialized
	p.engines = nil
	p.busy = nil
	p.slots = nil
	p.initialized = false
	p.generation++
	p.mu.Unlock()

	if !wasInitialized {
		return nil
	}

	var errs []error
	for i, engine := range engines {
		if err := engine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("engine %d: %w", i, err))
		}
	}

	p.logger.Info().
		Int("engines", len(engines)).
		Int64("recognized", p.recognized.Load()).
		Msg("Recognition engine pool closed")
	return errors.Join(errs...)
}

// Stats reports pool size, initialization and current usage.
func (p *EnginePool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	busy := 0
	for _, b := range p.busy {
		if b {
			busy++
		}
	}
	return PoolStats{
		Size:        p.size,
		Initialized: p.initialized,
		Busy:        busy,
		Recognized:  p.recognized.Load(),
	}
}

func (p *EnginePool) ensureInitialized(ctx context.Context) error {
	p.mu.Lock()
	ready := p.initialized
	p.mu.Unlock()
	if ready {
		return nil
	}

	p.initMu.Lock()
	defer p.initMu.Unlock()

	p.mu.Lock()
	ready = p.initialized
	p.mu.Unlock()
	if ready {
		return nil
	}

	start := time.Now()
	engines := make([]interfaces.RecognitionEngine, p.size)
	eg, gctx := errgroup.WithContext(ctx)
	for i := range engines {
		eg.Go(func() error {
			engine, err := p.factory(gctx)
			if err != nil {
				return fmt.Errorf("engine %d: %w", i, err)
			}
			engines[i] = engine
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		for _, engine := range engines {
			if engine != nil {
				engine.Close()
			}
		}
		p.logger.Error().Err(err).Int("size", p.size).Msg("Failed to initialize recognition engines")
		return fmt.Errorf("%w: failed to initialize recognition engine pool: %w", models.ErrEngineUnavailable, err)
	}

	p.mu.Lock()
	p.engines = engines
	p.busy = make([]bool, p.size)
	p.slots = make(chan struct{}, p.size)
	p.initialized = true
	p.mu.Unlock()

	p.logger.Info().
		Int("size", p.size).
		Dur("duration", time.Since(start)).
		Msg("Recognition engine pool initialized")
	return nil
}

// checkout blocks until an engine is free and marks a random idle one busy.
func (p *EnginePool) checkout(ctx context.Context) (interfaces.RecognitionEngine, func(), error) {
	p.mu.Lock()
	slots := p.slots
	generation := p.generation
	p.mu.Unlock()

	if slots == nil {
		return nil, nil, errPoolClosed
	}

	select {
	case slots <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if generation != p.generation {
		<-slots
		return nil, nil, errPoolClosed
	}

	idle := make([]int, 0, len(p.busy))
	for i, b := range p.busy {
		if !b {
			idle = append(idle, i)
		}
	}
	// A held slot guarantees at least one idle engine.
	index := idle[rand.IntN(len(idle))]
	p.busy[index] = true
	engine := p.engines[index]

	release := func() {
		p.mu.Lock()
		if generation == p.generation {
			p.busy[index] = false
		}
		p.mu.Unlock()
		<-slots
	}
	return engine, release, nil
}
