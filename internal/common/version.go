package common

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// Version information (set via -ldflags during build)
var (
	Version   = "dev"
	Build     = "unknown"
	GitCommit = "unknown"
)

// GetVersion returns the current version string
func GetVersion() string {
	return Version
}

// GetFullVersion returns version with build info
func GetFullVersion() string {
	return fmt.Sprintf("%s (build: %s, commit: %s)", Version, Build, GitCommit)
}

// PrintBanner displays the application banner and logs the effective pipeline settings
func PrintBanner(config *Config, logger arbor.ILogger) {
	banner.PrintSimple("Folio", Version)

	logger.Info().
		Str("version", GetFullVersion()).
		Str("environment", config.Environment).
		Str("storage", config.Storage.Badger.Path).
		Int("workers", config.Queue.Concurrency).
		Int("engines", config.OCR.PoolSize).
		Strs("languages", config.OCR.Languages).
		Msg("Folio starting")
}
