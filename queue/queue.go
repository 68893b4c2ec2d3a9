// Package queue provides per-class rate limiting and concurrency caps
// for the worker pool's dequeue loop.
package queue

import (
	"sync"

	"golang.org/x/time/rate"
)

// Config defines per-class behaviour such as rate limiting and concurrency.
type Config struct {
	// Name is the queue class identifier (must match the envelope Class).
	Name string

	// MaxConcurrency limits how many tasks from this class may run
	// simultaneously across the local worker pool. Zero means no
	// class-specific limit (pool-wide concurrency still applies).
	MaxConcurrency int

	// RateLimit is the maximum sustained tasks per second that may be
	// dequeued from this class. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

// classState tracks runtime state for a single queue class.
type classState struct {
	config  Config
	limiter *rate.Limiter
	active  int
}

// Manager controls per-class rate limiting and concurrency.
// It is safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	classes map[string]*classState
}

// NewManager creates a Manager with the given class configurations.
// Classes not listed here have no limits.
func NewManager(configs ...Config) *Manager {
	m := &Manager{
		classes: make(map[string]*classState, len(configs)),
	}
	for _, cfg := range configs {
		m.classes[cfg.Name] = newClassState(cfg)
	}
	return m
}

func newClassState(cfg Config) *classState {
	cs := &classState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		cs.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return cs
}

// Acquire checks rate limits and concurrency for the given class. If the
// task is allowed to proceed it increments the active counter and returns
// true. The caller MUST call Release when the task completes.
func (m *Manager) Acquire(class string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs := m.classes[class]
	if cs != nil {
		if cs.limiter != nil && !cs.limiter.Allow() {
			return false
		}
		if cs.config.MaxConcurrency > 0 && cs.active >= cs.config.MaxConcurrency {
			return false
		}
		cs.active++
	}
	return true
}

// Release decrements the active task count for the class.
func (m *Manager) Release(class string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cs := m.classes[class]; cs != nil && cs.active > 0 {
		cs.active--
	}
}

// SetConfig dynamically updates (or creates) a class configuration.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.classes[cfg.Name]
	cs := newClassState(cfg)

	// Preserve current active count if reconfiguring.
	if existing != nil {
		cs.active = existing.active
	}
	m.classes[cfg.Name] = cs
}

// ActiveCount returns the current number of active tasks for a class.
func (m *Manager) ActiveCount(class string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cs := m.classes[class]; cs != nil {
		return cs.active
	}
	return 0
}
