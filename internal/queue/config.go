package queue

import "time"

// Config holds configuration for the queue manager
type Config struct {
	// QueueName is the key prefix of the queue in Badger
	QueueName string

	// VisibilityTimeout is how long a received job may go without a heartbeat before it is considered stalled
	VisibilityTimeout time.Duration

	// MaxAttempts is the number of failed executions before a job is parked in the failed set
	MaxAttempts int

	// BackoffDelay is the retry delay after the first failure; it doubles per attempt
	BackoffDelay time.Duration

	// MaxStalled is how many times a job may stall before it fails permanently
	MaxStalled int

	// KeepCompleted bounds the number of completed job records kept for inspection
	KeepCompleted int

	// CompletedRetention and FailedRetention bound terminal records by age during cleanup
	CompletedRetention time.Duration
	FailedRetention    time.Duration
}

// NewDefaultConfig creates a queue configuration with sensible defaults
func NewDefaultConfig() Config {
	return Config{
		QueueName:          "folio_documents",
		VisibilityTimeout:  5 * time.Minute,
		MaxAttempts:        3,
		BackoffDelay:       5 * time.Second,
		MaxStalled:         1,
		KeepCompleted:      100,
		CompletedRetention: 24 * time.Hour,
		FailedRetention:    7 * 24 * time.Hour,
	}
}

// Backoff returns the delay before the next execution after the given number of failed attempts.
func (c Config) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return c.BackoffDelay * time.Duration(1<<(attempts-1))
}
