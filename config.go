package voxpipe

import "time"

// Queue class names. Routing is policy, not derivation: a batch's job
// type picks the class, and QueueClassHighPriority overrides it for
// batches at or above HighPriorityThreshold. See envelope.Route.
const (
	QueueClassDefault      = "default"
	QueueClassASR          = "asr"
	QueueClassNMT          = "nmt"
	QueueClassHighPriority = "high_priority"
)

// HighPriorityThreshold is the user-facing batch priority (1–10) at or
// above which envelopes are routed to the high-priority queue class
// regardless of job type.
const HighPriorityThreshold = 8

// Config holds configuration for the voxpipe engine.
type Config struct {
	// Concurrency is the number of worker goroutines pulling envelopes.
	Concurrency int

	// Queues is the list of queue classes workers will poll.
	Queues []string

	// PollInterval is how often idle workers poll for new envelopes.
	PollInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// StaleClaimThreshold is how long a claimed envelope may go without
	// being acknowledged before it is considered orphaned by a crashed
	// worker and redelivered.
	StaleClaimThreshold time.Duration

	// MaxAttempts is the default per-task attempt budget.
	MaxAttempts int

	// RetryBase and RetryCap bound the exponential retry backoff:
	// delay = min(RetryBase * 2^attempt, RetryCap) plus jitter.
	RetryBase time.Duration
	RetryCap  time.Duration

	// HardTimeout terminates a processing attempt outright; the attempt
	// is treated as a failure feeding the retry policy. SoftTimeout
	// signals graceful abort ahead of the hard limit.
	HardTimeout time.Duration
	SoftTimeout time.Duration

	// Per-model concurrency gates. These are the only intentional
	// backpressure points between the dispatcher and model execution.
	PrimaryConcurrency   int
	FallbackConcurrency  int
	TranslateConcurrency int

	// PrimaryLanguages is the set of language codes served by the
	// primary recognition model. Anything else routes to the fallback.
	PrimaryLanguages []string

	// DegradedFallback controls what happens when the fallback model
	// reports unavailable for an out-of-set language: true re-runs the
	// primary model anyway (degraded transcription), false surfaces
	// ErrModelUnavailable.
	DegradedFallback bool

	// Webhook delivery policy.
	WebhookTimeout      time.Duration
	WebhookMaxAttempts  int
	WebhookInitialDelay time.Duration
	WebhookRetryBase    time.Duration

	// Retention is how long terminal batches are kept before the
	// janitor removes them along with their blobs.
	Retention time.Duration

	// CleanupSchedule is the cron spec for the janitor sweep.
	CleanupSchedule string
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:         10,
		Queues:              []string{QueueClassHighPriority, QueueClassASR, QueueClassNMT, QueueClassDefault},
		PollInterval:        time.Second,
		ShutdownTimeout:     30 * time.Second,
		StaleClaimThreshold: 2 * time.Minute,
		MaxAttempts:         3,
		RetryBase:           time.Second,
		RetryCap:            10 * time.Minute,
		HardTimeout:         10 * time.Minute,
		SoftTimeout:         9 * time.Minute,

		PrimaryConcurrency:   2,
		FallbackConcurrency:  1,
		TranslateConcurrency: 2,
		PrimaryLanguages:     []string{"en", "hi", "kn", "mr", "te", "ml", "ta"},
		DegradedFallback:     true,

		WebhookTimeout:      30 * time.Second,
		WebhookMaxAttempts:  3,
		WebhookInitialDelay: 5 * time.Second,
		WebhookRetryBase:    time.Minute,

		Retention:       7 * 24 * time.Hour,
		CleanupSchedule: "@hourly",
	}
}
