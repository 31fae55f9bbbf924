package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/app"
	"github.com/ternarybob/folio/internal/common"
	"github.com/ternarybob/folio/internal/models"
	"github.com/ternarybob/folio/internal/services/cases"
	"github.com/ternarybob/folio/internal/services/status"
)

// stringList is a custom flag type that allows a flag to be repeated
type stringList []string

func (s *stringList) String() string {
	return fmt.Sprintf("%v", *s)
}

func (s *stringList) Set(value string) error {
	*s = append(*s, value)
	return nil
}

var (
	// Command-line flags
	configFiles  stringList // Multiple -config flags supported
	submitFiles  stringList // Multiple -submit flags supported
	caseName     = flag.String("case", "", "Name of the case created from -submit sources (default: first source name)")
	priority     = flag.Int("priority", 0, "Queue priority of submitted documents, lower runs first")
	workers      = flag.Int("workers", 0, "Documents processed in parallel (overrides config)")
	dataPath     = flag.String("data", "", "Badger database directory (overrides config)")
	retryCase    = flag.String("retry", "", "Retry the errored documents of a case")
	statusCase   = flag.String("status", "", "Print the status of a case and exit")
	exportCase   = flag.String("export", "", "Write the transcript of a case as PDF and exit")
	exportPath   = flag.String("out", "", "Output file for -export (default: <case id>.pdf)")
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
	flag.Var(&submitFiles, "submit", "Source document to submit as part of a new case (can be specified multiple times)")
}

func main() {
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("Folio version %s\n", common.GetFullVersion())
		os.Exit(0)
	}

	// Auto-discover config file if not specified
	if len(configFiles) == 0 {
		if _, err := os.Stat("folio.toml"); err == nil {
			configFiles = append(configFiles, "folio.toml")
		}
	}

	// Startup sequence: defaults -> config files -> env -> CLI flags, then logger and banner
	config, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		arbor.NewLogger().Fatal().Strs("paths", configFiles).Err(err).Msg("Failed to load configuration files")
		os.Exit(1)
	}
	common.ApplyFlagOverrides(config, *workers, *dataPath)
	if err := config.Validate(); err != nil {
		arbor.NewLogger().Fatal().Err(err).Msg("Invalid configuration")
		os.Exit(1)
	}

	common.InstallCrashHandler(common.LogDir(config))
	defer common.RecoverWithCrashFile()

	logger := common.InitLogger(config)
	common.PrintBanner(config, logger)

	application, err := app.New(config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize application")
		os.Exit(1)
	}

	if err := run(application, logger); err != nil {
		logger.Error().Err(err).Msg("Folio stopped with error")
		if closeErr := application.Close(); closeErr != nil {
			logger.Warn().Err(closeErr).Msg("Shutdown failed")
		}
		os.Exit(1)
	}

	if err := application.Close(); err != nil {
		logger.Error().Err(err).Msg("Shutdown failed")
		os.Exit(1)
	}
	logger.Info().Msg("Folio stopped")
}

// run executes the one-shot commands, or starts the pipeline and blocks
// until SIGINT or SIGTERM.
func run(application *app.App, logger arbor.ILogger) error {
	ctx := context.Background()

	switch {
	case *statusCase != "":
		return printStatus(ctx, application, *statusCase)
	case *exportCase != "":
		return exportTranscript(ctx, application, *exportCase, *exportPath, logger)
	}

	if err := application.Start(ctx); err != nil {
		return err
	}

	if len(submitFiles) > 0 {
		name := *caseName
		if name == "" {
			name = submitFiles[0]
		}
		c, err := application.CaseService.CreateCase(ctx, models.CaseRequest{
			Name:     name,
			Sources:  submitFiles,
			Priority: *priority,
		})
		if err != nil {
			return fmt.Errorf("failed to submit case: %w", err)
		}
		logger.Info().
			Str("case_id", c.ID).
			Int("documents", len(c.DocumentIDs)).
			Msg("Case submitted")
	}

	if *retryCase != "" {
		reset, err := application.CaseService.Retry(ctx, *retryCase)
		switch {
		case cases.IsRejectedRetry(err):
			logger.Warn().Err(err).Str("case_id", *retryCase).Msg("Retry rejected")
		case err != nil:
			return fmt.Errorf("failed to retry case %s: %w", *retryCase, err)
		default:
			logger.Info().Str("case_id", *retryCase).Int("documents", reset).Msg("Case retry queued")
		}
	}

	logger.Info().Msg("Folio running - Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Interrupt signal received, shutting down")
	return nil
}

// caseStatus is the printed form of a case, its document jobs and the pipeline.
type caseStatus struct {
	Case     *models.Case        `json:"case"`
	Jobs     []*models.JobStatus `json:"jobs"`
	Pipeline *status.Snapshot    `json:"pipeline"`
}

func printStatus(ctx context.Context, application *app.App, caseID string) error {
	c, err := application.CaseService.GetCase(ctx, caseID)
	if err != nil {
		return err
	}

	result := caseStatus{Case: c}
	for _, docID := range c.DocumentIDs {
		job, err := application.JobQueue.GetStatus(ctx, models.DocumentJobID(docID))
		if errors.Is(err, models.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		result.Jobs = append(result.Jobs, job)
	}

	result.Pipeline, err = application.StatusService.Snapshot(ctx)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func exportTranscript(ctx context.Context, application *app.App, caseID, path string, logger arbor.ILogger) error {
	markdown, err := application.CaseService.Transcript(ctx, caseID)
	if err != nil {
		return err
	}

	data, err := application.TranscriptWriter.RenderMarkdown(markdown, caseID)
	if err != nil {
		return err
	}

	if path == "" {
		path = caseID + ".pdf"
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write transcript: %w", err)
	}

	logger.Info().
		Str("case_id", caseID).
		Str("path", path).
		Int("bytes", len(data)).
		Msg("Transcript exported")
	return nil
}
