// Package engine wires all voxpipe subsystems together: the batch
// service, tracker, dispatcher, worker pool, janitor, DLQ service, and
// the extension registry, all over one composite store.
//
// This package exists to break the import cycle: the root voxpipe
// package defines Entity and Config (imported by batch, envelope, etc.)
// and so cannot import those packages back. The engine package sits
// above all subsystem packages and below the application layer.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/voxpipe/voxpipe"
	"github.com/voxpipe/voxpipe/asr"
	"github.com/voxpipe/voxpipe/backoff"
	"github.com/voxpipe/voxpipe/batch"
	"github.com/voxpipe/voxpipe/dlq"
	"github.com/voxpipe/voxpipe/envelope"
	"github.com/voxpipe/voxpipe/hook"
	"github.com/voxpipe/voxpipe/id"
	"github.com/voxpipe/voxpipe/janitor"
	mw "github.com/voxpipe/voxpipe/middleware"
	"github.com/voxpipe/voxpipe/observability"
	"github.com/voxpipe/voxpipe/queue"
	"github.com/voxpipe/voxpipe/storage"
	"github.com/voxpipe/voxpipe/store"
	"github.com/voxpipe/voxpipe/webhook"
	"github.com/voxpipe/voxpipe/worker"
)

// Engine is the assembled orchestration core. Build one with Build(),
// then Start it to begin processing.
type Engine struct {
	cfg    voxpipe.Config
	store  store.Store
	blobs  storage.Store
	logger *slog.Logger

	extensions *hook.Registry
	pipelines  *worker.Registry
	service    *batch.Service
	tracker    *batch.Tracker
	dispatcher *envelope.Dispatcher
	dlqService *dlq.Service
	pool       *worker.Pool
	janitor    *janitor.Janitor
	notifier   *webhook.Notifier
	router     *asr.Router

	// Model implementations, bound by WithModels and assembled into the
	// router during Build.
	primary    asr.Transcriber
	fallback   asr.Transcriber
	translator asr.Translator

	bo           backoff.Strategy
	mws          []mw.Middleware
	exts         []hook.Extension
	queueConfigs []queue.Config
	queueManager *queue.Manager

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore sets the composite store backing every subsystem. Required.
func WithStore(s store.Store) Option {
	return func(eng *Engine) { eng.store = s }
}

// WithBlobStore sets the blob store for audio inputs and result
// documents. Optional; without it results live only in the database and
// the janitor skips blob cleanup.
func WithBlobStore(b storage.Store) Option {
	return func(eng *Engine) { eng.blobs = b }
}

// WithModels binds the recognition and translation models. The engine
// assembles them into an asr.Router using the Config's concurrency
// gates and language policy, and registers the media pipeline for all
// job types.
func WithModels(primary, fallback asr.Transcriber, translator asr.Translator) Option {
	return func(eng *Engine) {
		eng.primary = primary
		eng.fallback = fallback
		eng.translator = translator
	}
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(eng *Engine) {
		if l != nil {
			eng.logger = l
		}
	}
}

// WithExtension registers a lifecycle extension with the engine.
func WithExtension(e hook.Extension) Option {
	return func(eng *Engine) { eng.exts = append(eng.exts, e) }
}

// WithMiddleware appends middleware to the executor's chain, after the
// default stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m) }
}

// WithBackoff sets the retry backoff strategy. If not set, exponential
// backoff with jitter over the Config's RetryBase/RetryCap is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) { eng.bo = b }
}

// WithQueueConfig registers class-level rate limiting and concurrency
// configurations. Classes not listed have no limits.
func WithQueueConfig(configs ...queue.Config) Option {
	return func(eng *Engine) {
		eng.queueConfigs = append(eng.queueConfigs, configs...)
	}
}

// WithPipeline registers a custom pipeline for a job type, overriding
// the media pipeline built from WithModels.
func WithPipeline(jt batch.JobType, p worker.Pipeline) Option {
	return func(eng *Engine) { eng.pipelines.Register(jt, p) }
}

// WithTracerProvider sets a custom OTel TracerProvider. When set, the
// tracing middleware uses this provider instead of the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider. When set, both
// the metrics middleware and the observability extension use this
// provider instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// Build assembles an Engine from the given configuration. A store is
// required; models are required unless every job type gets a pipeline
// via WithPipeline.
func Build(cfg voxpipe.Config, opts ...Option) (*Engine, error) {
	eng := &Engine{
		cfg:       cfg,
		logger:    slog.Default(),
		pipelines: worker.NewRegistry(),
	}
	for _, opt := range opts {
		opt(eng)
	}

	if eng.store == nil {
		return nil, voxpipe.ErrNoStore
	}

	logger := eng.logger
	eng.extensions = hook.NewRegistry(logger)

	if eng.bo == nil {
		eng.bo = backoff.Default(cfg.RetryBase, cfg.RetryCap)
	}

	// Core batch subsystem.
	eng.tracker = batch.NewTracker(eng.store, batch.WithTrackerLogger(logger))
	eng.service = batch.NewService(eng.store,
		batch.WithServiceLogger(logger),
		batch.WithDefaultMaxAttempts(cfg.MaxAttempts),
	)
	eng.dispatcher = envelope.NewDispatcher(eng.store, eng.store, eng.tracker,
		envelope.WithDispatcherLogger(logger),
		envelope.WithAttemptTimeout(cfg.HardTimeout),
		envelope.WithDispatcherExtensions(eng.extensions),
	)
	eng.dlqService = dlq.NewService(eng.store, eng.store, eng.store)

	// Model router and the media pipeline for every job type, unless the
	// caller replaced them with custom pipelines.
	if eng.primary != nil {
		router, err := asr.NewRouter(eng.primary, eng.fallback, eng.translator,
			asr.WithPrimaryConcurrency(cfg.PrimaryConcurrency),
			asr.WithFallbackConcurrency(cfg.FallbackConcurrency),
			asr.WithTranslateConcurrency(cfg.TranslateConcurrency),
			asr.WithPrimaryLanguages(cfg.PrimaryLanguages...),
			asr.WithDegradedFallback(cfg.DegradedFallback),
			asr.WithRouterLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("build model router: %w", err)
		}
		eng.router = router

		media := worker.MediaPipeline(router, eng.blobs)
		for _, jt := range []batch.JobType{batch.JobTypeASR, batch.JobTypeNMT, batch.JobTypeASRNMT} {
			if _, ok := eng.pipelines.Get(jt); !ok {
				eng.pipelines.Register(jt, media)
			}
		}
	}
	if _, ok := eng.pipelines.Get(batch.JobTypeASR); !ok {
		return nil, fmt.Errorf("no models and no pipelines registered: %w", voxpipe.ErrNoPipeline)
	}

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracer := eng.tracerProvider.Tracer("github.com/voxpipe/voxpipe")
		tracingMw = mw.TracingWithTracer(tracer)
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/voxpipe/voxpipe")
		metricsMw = mw.MetricsWithMeter(meter)
	} else {
		metricsMw = mw.Metrics()
	}

	// Register the observability metrics extension.
	var obsExt *observability.MetricsExtension
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/voxpipe/voxpipe/observability")
		obsExt = observability.NewMetricsExtensionWithMeter(meter)
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)

	// The webhook notifier is itself an extension listening for the
	// batch-terminal transition.
	eng.notifier = webhook.NewNotifier(
		webhook.WithHTTPClient(&http.Client{Timeout: cfg.WebhookTimeout}),
		webhook.WithInitialDelay(cfg.WebhookInitialDelay),
		webhook.WithMaxAttempts(cfg.WebhookMaxAttempts),
		webhook.WithRetryStrategy(backoff.NewExponential(cfg.WebhookRetryBase, time.Hour)),
		webhook.WithLogger(logger),
	)
	eng.extensions.Register(eng.notifier)

	for _, e := range eng.exts {
		eng.extensions.Register(e)
	}

	// Default middleware stack: recover → tracing → metrics → logging → timeout.
	defaultMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Timeout(cfg.SoftTimeout, logger),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)

	executor := worker.NewExecutor(
		eng.pipelines,
		eng.tracker,
		eng.store,
		eng.store,
		eng.extensions,
		eng.dlqService,
		eng.blobs,
		eng.bo,
		logger,
		allMws...,
	)

	poolOpts := []worker.PoolOption{
		worker.WithPoolConcurrency(cfg.Concurrency),
		worker.WithPoolClasses(cfg.Queues),
		worker.WithPollInterval(cfg.PollInterval),
		worker.WithStaleClaimThreshold(cfg.StaleClaimThreshold),
	}
	if len(eng.queueConfigs) > 0 {
		eng.queueManager = queue.NewManager(eng.queueConfigs...)
		poolOpts = append(poolOpts, worker.WithQueueManager(eng.queueManager))
	}
	eng.pool = worker.NewPool(eng.store, executor, logger, poolOpts...)

	eng.janitor = janitor.New(eng.store, eng.blobs, eng.extensions,
		janitor.WithRetention(cfg.Retention),
		janitor.WithSchedule(cfg.CleanupSchedule),
		janitor.WithLogger(logger),
	)

	return eng, nil
}

// Start begins processing: it verifies store connectivity, then starts
// the worker pool and the cleanup scheduler.
func (eng *Engine) Start(ctx context.Context) error {
	if err := eng.store.Ping(ctx); err != nil {
		return fmt.Errorf("store ping: %w", err)
	}
	if err := eng.pool.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	if err := eng.janitor.Start(); err != nil {
		return fmt.Errorf("start janitor: %w", err)
	}
	return nil
}

// Stop gracefully shuts the engine down: the janitor first, then the
// pool (waiting for in-flight envelopes up to ctx's deadline), then
// pending webhook deliveries, and finally the shutdown hooks.
func (eng *Engine) Stop(ctx context.Context) error {
	eng.janitor.Stop()

	err := eng.pool.Stop(ctx)

	eng.notifier.Wait()
	eng.extensions.EmitShutdown(ctx)

	if err != nil {
		return fmt.Errorf("stop worker pool: %w", err)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Facade operations
// ──────────────────────────────────────────────────

// CreateBatch validates and persists a batch, then fans its tasks out
// to the queue. The returned batch is in pending state; workers pick up
// its tasks asynchronously.
func (eng *Engine) CreateBatch(ctx context.Context, req batch.CreateRequest) (*batch.Batch, error) {
	b, _, err := eng.service.Create(ctx, req)
	if err != nil {
		return nil, err
	}

	eng.extensions.EmitBatchCreated(ctx, b)

	if err := eng.dispatcher.Enqueue(ctx, b.ID); err != nil {
		return nil, fmt.Errorf("enqueue batch %s: %w", b.ID.String(), err)
	}
	return b, nil
}

// Status returns a point-in-time snapshot of a batch and its tasks.
func (eng *Engine) Status(ctx context.Context, batchID id.BatchID) (*batch.Snapshot, error) {
	return eng.service.Status(ctx, batchID)
}

// List returns an owner-scoped page of batch snapshots.
func (eng *Engine) List(ctx context.Context, owner string, status batch.Status, page, pageSize int) (*batch.Page, error) {
	return eng.service.List(ctx, owner, status, page, pageSize)
}

// Delete removes a batch, its tasks, and its blobs.
func (eng *Engine) Delete(ctx context.Context, batchID id.BatchID) error {
	if eng.blobs != nil {
		if err := eng.blobs.DeleteByPrefix(ctx, storage.BatchPrefix(batchID.String())); err != nil {
			eng.logger.Warn("delete batch blobs",
				slog.String("batch_id", batchID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	return eng.service.Delete(ctx, batchID)
}

// Replay re-enqueues a dead-lettered task for a fresh attempt sequence.
func (eng *Engine) Replay(ctx context.Context, entryID id.DLQID) (*batch.Task, error) {
	return eng.dlqService.Replay(ctx, entryID)
}

// Depth reports the number of envelopes waiting in a queue class.
func (eng *Engine) Depth(ctx context.Context, class string) (int, error) {
	return eng.store.Depth(ctx, class)
}

// Service returns the batch service for direct access.
func (eng *Engine) Service() *batch.Service { return eng.service }

// Extensions returns the lifecycle extension registry.
func (eng *Engine) Extensions() *hook.Registry { return eng.extensions }

// DLQService returns the dead letter queue service.
func (eng *Engine) DLQService() *dlq.Service { return eng.dlqService }

// Router returns the model router, or nil if no models were bound.
func (eng *Engine) Router() *asr.Router { return eng.router }

// Pool returns the worker pool.
func (eng *Engine) Pool() *worker.Pool { return eng.pool }

// Janitor returns the cleanup scheduler.
func (eng *Engine) Janitor() *janitor.Janitor { return eng.janitor }

// QueueManager returns the class rate limiter, or nil if no queue
// configs were provided.
func (eng *Engine) QueueManager() *queue.Manager { return eng.queueManager }

// Store returns the composite store.
func (eng *Engine) Store() store.Store { return eng.store }
