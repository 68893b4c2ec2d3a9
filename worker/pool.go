package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voxpipe/voxpipe"
	"github.com/voxpipe/voxpipe/envelope"
	"github.com/voxpipe/voxpipe/id"
)

// QueueManager controls per-class rate limiting and concurrency. The
// pool calls Acquire before pulling from a class and Release after the
// envelope is settled (or when the pull came back empty).
type QueueManager interface {
	// Acquire checks rate limits and concurrency for the queue class.
	// Returns true if an envelope from this class may be processed.
	Acquire(class string) bool
	// Release decrements the active count for the queue class.
	Release(class string)
}

// Pool manages a set of concurrent worker goroutines that poll the
// queue classes in priority order and run claimed envelopes through the
// Executor. Classes earlier in the list are drained first, so the
// high-priority class starves the others rather than the reverse.
type Pool struct {
	queue        envelope.Queue
	executor     *Executor
	concurrency  int
	classes      []string
	pollInterval time.Duration
	workerID     id.WorkerID
	logger       *slog.Logger

	// Stale claim reaping configuration.
	staleClaimThreshold time.Duration

	// Queue manager (optional).
	queueManager QueueManager

	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	activeEnvs map[string]context.CancelFunc
	activeMu   sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPoolClasses sets the queue classes the pool polls, in priority
// order (first class is drained first).
func WithPoolClasses(classes []string) PoolOption {
	return func(p *Pool) { p.classes = classes }
}

// WithPollInterval sets how often idle workers poll for envelopes.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithStaleClaimThreshold sets the threshold after which claimed
// envelopes without an ack are reaped and redelivered. A zero value
// disables the reaper.
func WithStaleClaimThreshold(d time.Duration) PoolOption {
	return func(p *Pool) { p.staleClaimThreshold = d }
}

// WithQueueManager sets the queue manager for rate limiting and
// concurrency control.
func WithQueueManager(m QueueManager) PoolOption {
	return func(p *Pool) { p.queueManager = m }
}

// NewPool creates a worker pool.
func NewPool(
	queue envelope.Queue,
	executor *Executor,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	cfg := voxpipe.DefaultConfig()
	p := &Pool{
		queue:               queue,
		executor:            executor,
		concurrency:         cfg.Concurrency,
		classes:             cfg.Queues,
		pollInterval:        cfg.PollInterval,
		staleClaimThreshold: cfg.StaleClaimThreshold,
		workerID:            id.NewWorkerID(),
		logger:              logger,
		stopCh:              make(chan struct{}),
		activeEnvs:          make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
		slog.Any("classes", p.classes),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.dequeueLoop()
	}

	if p.staleClaimThreshold > 0 {
		p.wg.Add(1)
		go p.reaperLoop()
	}

	return nil
}

// Stop signals all workers to stop and waits for them to finish. If the
// context has a deadline, active envelope contexts are cancelled when
// time runs out; a cancelled attempt fails and follows the normal retry
// path on redelivery.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active envelopes")
		p.cancelActive()
		p.wg.Wait()
	}

	return nil
}

// dequeueLoop is run by each worker goroutine. Classes are tried in
// priority order; the class slot is acquired before pulling so that a
// rate-limited class never consumes an envelope's attempt.
func (p *Pool) dequeueLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		env := p.pullOne()
		if env == nil {
			p.sleep()
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		p.track(env.TaskID.String(), cancel)

		if execErr := p.executor.Execute(ctx, env); execErr != nil {
			p.logger.Debug("envelope execution failed",
				slog.String("task_id", env.TaskID.String()),
				slog.String("class", env.Class),
				slog.String("error", execErr.Error()),
			)
		}

		p.untrack(env.TaskID.String())
		cancel()

		if p.queueManager != nil {
			p.queueManager.Release(env.Class)
		}
	}
}

// pullOne claims at most one envelope, walking the classes in priority
// order. Returns nil when every class is empty or rate limited.
func (p *Pool) pullOne() *envelope.Envelope {
	for _, class := range p.classes {
		if p.queueManager != nil && !p.queueManager.Acquire(class) {
			continue
		}

		envs, err := p.queue.Pull(context.Background(), []string{class}, 1)
		if err != nil {
			p.logger.Error("pull error",
				slog.String("class", class),
				slog.String("error", err.Error()),
			)
			p.releaseClass(class)
			continue
		}
		if len(envs) == 0 {
			p.releaseClass(class)
			continue
		}
		return envs[0]
	}
	return nil
}

func (p *Pool) releaseClass(class string) {
	if p.queueManager != nil {
		p.queueManager.Release(class)
	}
}

// reaperLoop periodically returns stale claims to the queue.
func (p *Pool) reaperLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.staleClaimThreshold)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapStaleClaims()
		}
	}
}

func (p *Pool) reapStaleClaims() {
	reclaimed, err := p.queue.Reap(context.Background(), p.staleClaimThreshold)
	if err != nil {
		p.logger.Error("reap stale claims error", slog.String("error", err.Error()))
		return
	}

	for _, env := range reclaimed {
		p.logger.Info("reclaimed stale envelope",
			slog.String("task_id", env.TaskID.String()),
			slog.String("class", env.Class),
			slog.Int("attempt", env.Attempt),
		)
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) track(taskID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeEnvs[taskID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrack(taskID string) {
	p.activeMu.Lock()
	delete(p.activeEnvs, taskID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActive() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for taskID, cancel := range p.activeEnvs {
		p.logger.Warn("cancelling active envelope", slog.String("task_id", taskID))
		cancel()
	}
}
