package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadFromFiles_Defaults(t *testing.T) {
	config, err := LoadFromFiles()
	require.NoError(t, err)

	assert.Equal(t, 3, config.Queue.MaxAttempts)
	assert.Equal(t, "@every 30s", config.Scheduler.StallCheck)
	assert.Equal(t, []string{"eng"}, config.OCR.Languages)
	require.NoError(t, config.Validate())
}

func TestLoadFromFiles_LaterFilesOverrideEarlier(t *testing.T) {
	base := writeConfig(t, "base.toml", `
[queue]
concurrency = 2
backoff_delay = "1s"

[ocr]
pool_size = 3
`)
	override := writeConfig(t, "override.toml", `
[queue]
concurrency = 6
`)

	config, err := LoadFromFiles(base, override)
	require.NoError(t, err)

	assert.Equal(t, 6, config.Queue.Concurrency)
	assert.Equal(t, "1s", config.Queue.BackoffDelay)
	assert.Equal(t, 3, config.OCR.PoolSize)
}

func TestLoadFromFiles_EnvOverridesFiles(t *testing.T) {
	path := writeConfig(t, "folio.toml", `
[queue]
concurrency = 2
`)
	t.Setenv("FOLIO_QUEUE_CONCURRENCY", "9")
	t.Setenv("FOLIO_OCR_LANGUAGES", "eng, deu")

	config, err := LoadFromFiles(path)
	require.NoError(t, err)

	assert.Equal(t, 9, config.Queue.Concurrency)
	assert.Equal(t, []string{"eng", "deu"}, config.OCR.Languages)

	ApplyFlagOverrides(config, 12, "")
	assert.Equal(t, 12, config.Queue.Concurrency)
}

func TestLoadFromFiles_MissingFile(t *testing.T) {
	_, err := LoadFromFiles(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero workers", func(c *Config) { c.Queue.Concurrency = 0 }},
		{"zero engines", func(c *Config) { c.OCR.PoolSize = 0 }},
		{"bad duration", func(c *Config) { c.Queue.VisibilityTimeout = "soon" }},
		{"bad schedule", func(c *Config) { c.Scheduler.Cleanup = "whenever" }},
		{"bad sink", func(c *Config) { c.Notify.Sink = "not a url" }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := NewDefaultConfig()
			tt.mutate(config)
			assert.Error(t, config.Validate())
		})
	}
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 5*time.Minute, ParseDuration("5m", 0))
	assert.Equal(t, time.Second, ParseDuration("", time.Second))
	assert.Equal(t, time.Second, ParseDuration("nope", time.Second))
}
