// Package webhook delivers batch completion callbacks. The Notifier is
// a lifecycle extension: it listens for the terminal transition of a
// batch and POSTs a JSON payload to the batch's callback URL, retrying
// transient failures with exponential backoff. Delivery is best effort
// and never blocks the worker that finished the batch.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/voxpipe/voxpipe"
	"github.com/voxpipe/voxpipe/backoff"
	"github.com/voxpipe/voxpipe/batch"
)

const (
	// Event is the single event type emitted today.
	Event = "job.completed"

	userAgent = "voxpipe/1.0"
)

// Payload is the webhook request body.
type Payload struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      Data      `json:"data"`
}

// Data summarizes the terminal batch.
type Data struct {
	BatchID        string       `json:"job_id"`
	JobType        string       `json:"job_type"`
	Status         batch.Status `json:"status"`
	TotalTasks     int          `json:"total_tasks"`
	CompletedTasks int          `json:"completed_tasks"`
	FailedTasks    int          `json:"failed_tasks"`
	CreatedAt      time.Time    `json:"created_at"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
}

// Notifier delivers batch completion webhooks. It implements the
// BatchTerminal and Shutdown lifecycle hooks.
type Notifier struct {
	client       *http.Client
	initialDelay time.Duration
	maxAttempts  int
	retry        backoff.Strategy
	logger       *slog.Logger

	wg sync.WaitGroup
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithHTTPClient replaces the HTTP client (and its timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) {
		if c != nil {
			n.client = c
		}
	}
}

// WithInitialDelay sets the wait before the first delivery attempt. The
// delay gives the final status write time to become visible to the
// callback receiver's own reads.
func WithInitialDelay(d time.Duration) Option {
	return func(n *Notifier) { n.initialDelay = d }
}

// WithMaxAttempts caps delivery attempts per batch.
func WithMaxAttempts(max int) Option {
	return func(n *Notifier) {
		if max > 0 {
			n.maxAttempts = max
		}
	}
}

// WithRetryStrategy replaces the inter-attempt backoff.
func WithRetryStrategy(s backoff.Strategy) Option {
	return func(n *Notifier) {
		if s != nil {
			n.retry = s
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) {
		if l != nil {
			n.logger = l
		}
	}
}

// NewNotifier creates a Notifier with the given delivery policy.
func NewNotifier(opts ...Option) *Notifier {
	cfg := voxpipe.DefaultConfig()
	n := &Notifier{
		client:       &http.Client{Timeout: cfg.WebhookTimeout},
		initialDelay: cfg.WebhookInitialDelay,
		maxAttempts:  cfg.WebhookMaxAttempts,
		retry:        backoff.NewExponential(cfg.WebhookRetryBase, time.Hour),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Name implements hook.Extension.
func (n *Notifier) Name() string { return "webhook-notifier" }

// OnBatchTerminal fires the callback for a batch that just reached a
// terminal state. Batches without a callback URL are skipped. Delivery
// runs in its own goroutine detached from the worker's context.
func (n *Notifier) OnBatchTerminal(ctx context.Context, b *batch.Batch) error {
	if b.CallbackURL == "" {
		return nil
	}

	payload := Payload{
		Event:     Event,
		Timestamp: time.Now().UTC(),
		Data: Data{
			BatchID:        b.ID.String(),
			JobType:        string(b.JobType),
			Status:         b.Status,
			TotalTasks:     b.TotalTasks,
			CompletedTasks: b.CompletedTasks,
			FailedTasks:    b.FailedTasks,
			CreatedAt:      b.CreatedAt,
			CompletedAt:    b.CompletedAt,
		},
	}

	n.wg.Add(1)
	go n.deliver(context.WithoutCancel(ctx), b.CallbackURL, payload)
	return nil
}

// OnShutdown waits for in-flight deliveries, bounded by ctx.
func (n *Notifier) OnShutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until all in-flight deliveries finish.
func (n *Notifier) Wait() { n.wg.Wait() }

func (n *Notifier) deliver(ctx context.Context, url string, payload Payload) {
	defer n.wg.Done()

	if n.initialDelay > 0 {
		select {
		case <-time.After(n.initialDelay):
		case <-ctx.Done():
			return
		}
	}

	for attempt := 1; ; attempt++ {
		retryable, err := n.post(ctx, url, payload)
		if err == nil {
			n.logger.Info("webhook delivered",
				slog.String("batch_id", payload.Data.BatchID),
				slog.String("url", url),
				slog.Int("attempt", attempt),
			)
			return
		}

		if !retryable || attempt >= n.maxAttempts {
			n.logger.Error("webhook delivery abandoned",
				slog.String("batch_id", payload.Data.BatchID),
				slog.String("url", url),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			return
		}

		n.logger.Warn("webhook delivery failed, retrying",
			slog.String("batch_id", payload.Data.BatchID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		select {
		case <-time.After(n.retry.Delay(attempt)):
		case <-ctx.Done():
			return
		}
	}
}

// post performs one delivery attempt. It reports whether a failure is
// retryable: network errors and 5xx responses are, 4xx responses are
// not.
func (n *Notifier) post(ctx context.Context, url string, payload Payload) (retryable bool, err error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Webhook-Event", Event)

	resp, err := n.client.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("webhook: %s returned %d", url, resp.StatusCode)
	default:
		return false, fmt.Errorf("webhook: %s returned %d", url, resp.StatusCode)
	}
}
