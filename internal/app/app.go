package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/common"
	"github.com/ternarybob/folio/internal/interfaces"
	"github.com/ternarybob/folio/internal/models"
	"github.com/ternarybob/folio/internal/ocr"
	"github.com/ternarybob/folio/internal/ocr/tesseract"
	"github.com/ternarybob/folio/internal/queue"
	"github.com/ternarybob/folio/internal/queue/workers"
	"github.com/ternarybob/folio/internal/services/cases"
	"github.com/ternarybob/folio/internal/services/documents"
	"github.com/ternarybob/folio/internal/services/events"
	"github.com/ternarybob/folio/internal/services/pdf"
	"github.com/ternarybob/folio/internal/services/scheduler"
	"github.com/ternarybob/folio/internal/services/status"
	storage "github.com/ternarybob/folio/internal/storage/badger"
	"github.com/timshannon/badgerhold/v4"
)

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	StorageManager interfaces.StorageManager

	// Job queue
	QueueManager *queue.BadgerManager
	JobQueue     *queue.Manager
	JobProcessor *workers.JobProcessor

	// Recognition and rendering
	EnginePool       *ocr.EnginePool
	SourceFetcher    *pdf.SourceFetcher
	Renderer         *pdf.Renderer
	TranscriptWriter *pdf.TranscriptWriter

	// Event-driven services
	EventService     *events.Service
	Notifier         *events.Notifier
	SchedulerService *scheduler.Service
	StatusService    *status.Service

	// Pipeline
	CaseService    *cases.Service
	DocumentWorker *documents.Worker
}

// New initializes the application with all dependencies. Nothing runs until Start.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := app.initServices(); err != nil {
		if closeErr := app.Close(); closeErr != nil {
			logger.Warn().Err(closeErr).Msg("Failed to release partially initialized application")
		}
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	logger.Info().
		Int("workers", cfg.Queue.Concurrency).
		Int("engines", cfg.OCR.PoolSize).
		Bool("notify_sink", cfg.Notify.Sink != "").
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase initializes the storage layer (Badger)
func (a *App) initDatabase() error {
	storageManager, err := storage.NewManager(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}

	a.StorageManager = storageManager
	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")

	return nil
}

// initServices initializes all services in dependency order:
// queue -> engines -> renderer -> events -> cases -> worker -> processor -> scheduler
func (a *App) initServices() error {
	var err error
	queueConfig := QueueConfig(a.Config.Queue)

	// 1. Durable queue on the shared Badger database
	store, ok := a.StorageManager.DB().(*badgerhold.Store)
	if !ok {
		return fmt.Errorf("storage manager does not expose a badgerhold store")
	}
	a.QueueManager, err = queue.NewBadgerManager(store.Badger(), queueConfig.QueueName, queueConfig.VisibilityTimeout)
	if err != nil {
		return fmt.Errorf("failed to create queue manager: %w", err)
	}
	a.JobQueue = queue.NewManager(a.QueueManager, a.StorageManager.JobStorage(), queueConfig, a.Logger)

	// 2. Recognition engines, created lazily on first use
	a.EnginePool = ocr.NewEnginePool(
		a.Config.OCR.PoolSize,
		tesseract.Factory(tesseract.Config{
			Languages:      a.Config.OCR.Languages,
			TessdataPrefix: a.Config.OCR.TessdataPrefix,
			PageSegMode:    a.Config.OCR.PageSegMode,
		}),
		a.Config.OCR.RateLimit,
		a.Config.OCR.Burst,
		a.Logger,
	)

	// 3. Source fetching and page rendering
	a.SourceFetcher = pdf.NewSourceFetcher(a.Config.Render.TempDir, a.Logger)
	a.Renderer = pdf.NewRenderer(
		a.SourceFetcher,
		pdf.NewExecRunner(a.Logger),
		a.Config.Render.Pdftoppm,
		a.Config.Render.TempDir,
		common.ParseDuration(a.Config.Render.Timeout, 2*time.Minute),
		a.Logger,
	)
	a.TranscriptWriter = pdf.NewTranscriptWriter(a.Logger)

	// 4. Notifications
	a.EventService = events.NewService(a.Logger)
	if err := events.SubscribeLoggerToAllEvents(a.EventService, a.Logger); err != nil {
		return err
	}
	if a.Config.Notify.Sink != "" {
		sink, err := events.NewCloudEventsSubscriber(a.Config.Notify.Sink, a.Config.Notify.Source, a.Logger)
		if err != nil {
			return err
		}
		if err := sink.Subscribe(a.EventService); err != nil {
			return err
		}
		a.Logger.Info().Str("sink", a.Config.Notify.Sink).Msg("CloudEvents notifications enabled")
	}
	a.Notifier = events.NewNotifier(a.EventService, a.Logger)

	// 5. Cases and documents
	aggregator := cases.NewAggregator(
		a.StorageManager.DocumentStorage(),
		a.StorageManager.CaseStorage(),
		a.Notifier,
		a.Logger,
	)
	a.CaseService = cases.NewService(
		aggregator,
		a.StorageManager.DocumentStorage(),
		a.StorageManager.CaseStorage(),
		a.JobQueue,
		a.Logger,
	)
	a.DocumentWorker = documents.NewWorker(
		a.StorageManager.DocumentStorage(),
		a.Renderer,
		a.EnginePool,
		aggregator,
		a.Notifier,
		a.Config.Render.Scale,
		a.Logger,
	)

	// 6. Worker pool
	a.JobProcessor = workers.NewJobProcessor(a.JobQueue, a.Logger, a.Config.Queue.Concurrency)
	a.JobProcessor.RegisterRunner(models.JobTypeDocument, a.DocumentWorker)

	// 7. Queue maintenance and status reporting
	a.SchedulerService = scheduler.NewService(a.Logger)
	if err := a.SchedulerService.RegisterQueueMaintenance(
		a.JobQueue,
		a.Config.Scheduler,
		queueConfig.CompletedRetention,
		queueConfig.FailedRetention,
	); err != nil {
		return fmt.Errorf("failed to register scheduled jobs: %w", err)
	}

	if err := a.SchedulerService.RegisterJob(scheduler.JobStorageGC, a.Config.Scheduler.Cleanup, "Compact the Badger value log", a.StorageManager.CollectGarbage); err != nil {
		return fmt.Errorf("failed to register storage GC: %w", err)
	}

	a.StatusService = status.NewService(a.JobQueue, a.QueueManager, a.EnginePool, a.Logger)
	if schedule := a.Config.Scheduler.StatusReport; schedule != "" {
		if err := a.SchedulerService.RegisterJob(scheduler.JobStatusReport, schedule, "Log pipeline status", a.StatusService.Report); err != nil {
			return fmt.Errorf("failed to register status report: %w", err)
		}
	}

	return nil
}

// Start recovers jobs left in flight by a previous process, then starts the
// worker pool and the scheduler.
func (a *App) Start(ctx context.Context) error {
	recovered, err := a.JobQueue.RecoverInFlight(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover in-flight jobs: %w", err)
	}
	if recovered > 0 {
		a.Logger.Warn().Int("jobs", recovered).Msg("Recovered jobs interrupted by previous shutdown")
	}

	a.JobProcessor.Start()
	if err := a.SchedulerService.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	a.Logger.Debug().Msg("Job processor and scheduler started")
	return nil
}

// Close stops the scheduler, drains the worker pool and releases engines,
// events and storage, in that order.
func (a *App) Close() error {
	if a.SchedulerService != nil {
		if err := a.SchedulerService.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler service")
		}
	}

	if a.JobProcessor != nil {
		a.JobProcessor.Stop()
		a.Logger.Info().Msg("Job processor stopped")
	}

	if a.EnginePool != nil {
		if err := a.EnginePool.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close recognition engines")
		}
	}

	if a.SourceFetcher != nil {
		if err := a.SourceFetcher.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close source fetcher")
		}
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	if a.QueueManager != nil {
		if err := a.QueueManager.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close queue manager")
		}
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}

// QueueConfig converts the file configuration into queue settings, keeping
// defaults for unset or unparsable durations.
func QueueConfig(cfg common.QueueConfig) queue.Config {
	defaults := queue.NewDefaultConfig()
	config := queue.Config{
		QueueName:          cfg.QueueName,
		VisibilityTimeout:  common.ParseDuration(cfg.VisibilityTimeout, defaults.VisibilityTimeout),
		MaxAttempts:        cfg.MaxAttempts,
		BackoffDelay:       common.ParseDuration(cfg.BackoffDelay, defaults.BackoffDelay),
		MaxStalled:         cfg.MaxStalled,
		KeepCompleted:      cfg.KeepCompleted,
		CompletedRetention: common.ParseDuration(cfg.CompletedRetention, defaults.CompletedRetention),
		FailedRetention:    common.ParseDuration(cfg.FailedRetention, defaults.FailedRetention),
	}
	if config.QueueName == "" {
		config.QueueName = defaults.QueueName
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	return config
}
