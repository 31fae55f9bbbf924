// -----------------------------------------------------------------------
// Job Processor - Leases jobs from the queue and routes them to runners
// -----------------------------------------------------------------------

package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/common"
	"github.com/ternarybob/folio/internal/interfaces"
	"github.com/ternarybob/folio/internal/models"
)

// JobProcessor runs a fixed number of worker goroutines. Each one leases a job,
// hands it to the runner registered for its type and reports the outcome.
type JobProcessor struct {
	queue       interfaces.JobConsumer
	runners     map[string]interfaces.JobRunner // Keyed by job type
	logger      arbor.ILogger
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	running     bool
	mu          sync.Mutex
	concurrency int
}

// NewJobProcessor creates a processor. Concurrency below 1 is raised to 1.
func NewJobProcessor(queue interfaces.JobConsumer, logger arbor.ILogger, concurrency int) *JobProcessor {
	if concurrency < 1 {
		concurrency = 1
	}

	return &JobProcessor{
		queue:       queue,
		runners:     make(map[string]interfaces.JobRunner),
		logger:      logger,
		concurrency: concurrency,
	}
}

// RegisterRunner registers the runner for a job type. Call before Start.
func (jp *JobProcessor) RegisterRunner(jobType string, runner interfaces.JobRunner) {
	jp.runners[jobType] = runner
	jp.logger.Debug().
		Str("job_type", jobType).
		Msg("Job runner registered")
}

// Start launches the worker goroutines.
func (jp *JobProcessor) Start() {
	jp.mu.Lock()
	defer jp.mu.Unlock()

	if jp.running {
		jp.logger.Warn().Msg("Job processor already running")
		return
	}

	jp.ctx, jp.cancel = context.WithCancel(context.Background())
	jp.running = true
	jp.logger.Info().
		Int("concurrency", jp.concurrency).
		Msg("Starting job processor")

	for i := 0; i < jp.concurrency; i++ {
		jp.wg.Add(1)
		go jp.processJobs(i)
	}
}

// Stop stops leasing new jobs and waits for the jobs in progress to finish.
func (jp *JobProcessor) Stop() {
	jp.mu.Lock()
	if !jp.running {
		jp.mu.Unlock()
		return
	}
	jp.running = false
	cancel := jp.cancel
	jp.mu.Unlock()

	jp.logger.Info().Msg("Stopping job processor...")
	cancel()
	jp.wg.Wait()
	jp.logger.Info().Msg("Job processor stopped")
}

// Backoff configuration for idle polling
const (
	minBackoff = 100 * time.Millisecond
	maxBackoff = 5 * time.Second
)

func (jp *JobProcessor) processJobs(workerID int) {
	defer jp.wg.Done()
	defer common.RecoverGoroutine(jp.logger, fmt.Sprintf("job-processor-%d", workerID))

	jp.logger.Debug().
		Int("worker_id", workerID).
		Msg("Job processor worker started")

	currentBackoff := minBackoff

	for {
		select {
		case <-jp.ctx.Done():
			jp.logger.Debug().
				Int("worker_id", workerID).
				Msg("Job processor worker stopping")
			return
		default:
		}

		if jp.processNextJob(workerID) {
			currentBackoff = minBackoff
			continue
		}

		select {
		case <-jp.ctx.Done():
			return
		case <-time.After(currentBackoff):
		}

		currentBackoff *= 2
		if currentBackoff > maxBackoff {
			currentBackoff = maxBackoff
		}
	}
}

// processNextJob returns true if a job was leased.
func (jp *JobProcessor) processNextJob(workerID int) bool {
	job, err := jp.queue.Receive(jp.ctx)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrNoMessage),
			errors.Is(err, models.ErrQueuePaused),
			errors.Is(err, context.Canceled):
		default:
			jp.logger.Warn().
				Err(err).
				Int("worker_id", workerID).
				Msg("Failed to receive job")
		}
		return false
	}

	// Running jobs are not interrupted by Stop.
	runCtx := context.WithoutCancel(jp.ctx)
	jobStartTime := time.Now()

	jp.logger.Info().
		Str("job_id", job.ID).
		Str("job_type", job.Type).
		Str("document_id", job.Payload.DocumentID).
		Int("worker_id", workerID).
		Int("delivery", job.Delivery).
		Msg("Job started")

	runErr := jp.execute(runCtx, job)

	if runErr != nil {
		jp.logger.Error().
			Err(runErr).
			Str("job_id", job.ID).
			Int("worker_id", workerID).
			Dur("duration", time.Since(jobStartTime)).
			Msg("Job failed")
		jp.settle(job, jp.queue.Fail(runCtx, job, runErr))
		return true
	}

	jp.logger.Info().
		Str("job_id", job.ID).
		Int("worker_id", workerID).
		Dur("duration", time.Since(jobStartTime)).
		Msg("Job completed")
	jp.settle(job, jp.queue.Complete(runCtx, job))
	return true
}

// execute runs the job and turns a panic into a job failure.
func (jp *JobProcessor) execute(ctx context.Context, job *models.QueueJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			jp.logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", common.GetStackTrace()).
				Str("job_id", job.ID).
				Msg("Recovered from panic in job processing")
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()

	runner, ok := jp.runners[job.Type]
	if !ok {
		return fmt.Errorf("no runner registered for job type: %s", job.Type)
	}
	return runner.Run(ctx, job, &leaseReporter{queue: jp.queue, job: job})
}

func (jp *JobProcessor) settle(job *models.QueueJob, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, models.ErrLeaseLost) {
		jp.logger.Warn().
			Str("job_id", job.ID).
			Int("delivery", job.Delivery).
			Msg("Lease lost, outcome discarded")
		return
	}
	jp.logger.Error().
		Err(err).
		Str("job_id", job.ID).
		Msg("Failed to record job outcome")
}

// leaseReporter turns progress reports into queue heartbeats.
type leaseReporter struct {
	queue interfaces.JobConsumer
	job   *models.QueueJob
}

func (r *leaseReporter) ReportProgress(ctx context.Context, progress int) error {
	return r.queue.Heartbeat(ctx, r.job, progress)
}
