// Package resilience provides the circuit breakers, backoff helpers, health
// probe registry, and latency counters shared by every outbound call in the
// system.
package resilience

import (
	"sync"
	"time"

	"github.com/aristath/sentinel/internal/apperr"
	"github.com/sony/gobreaker"
)

// BreakerConfig tunes a single named circuit breaker.
type BreakerConfig struct {
	Name                string
	ConsecutiveFailures  uint32        // N failures in Closed before tripping Open
	CoolDown             time.Duration // time spent in Open before probing HalfOpen
	HalfOpenSuccesses    uint32        // M consecutive successes in HalfOpen before closing
	HalfOpenMaxRequests  uint32
}

// Breaker wraps gobreaker.CircuitBreaker, translating its errors into the
// apperr taxonomy (CIRCUIT_OPEN for open-state fast-fails).
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker builds a per-endpoint circuit breaker per the Closed->Open->HalfOpen
// state machine in the resilience contract.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.HalfOpenSuccesses == 0 {
		cfg.HalfOpenSuccesses = 1
	}
	if cfg.HalfOpenMaxRequests == 0 {
		cfg.HalfOpenMaxRequests = cfg.HalfOpenSuccesses
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenMaxRequests,
		Interval:    0, // never reset Closed-state counters on a timer; only consecutive failures matter
		Timeout:     cfg.CoolDown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
	}

	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Call executes fn through the breaker, mapping an open-circuit rejection to
// apperr.KindCircuitOpen.
func (b *Breaker) Call(fn func() (interface{}, error)) (interface{}, error) {
	result, err := b.cb.Execute(fn)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, apperr.Wrap(apperr.KindCircuitOpen, "circuit breaker open for "+b.cb.Name(), err)
	}
	return result, err
}

// State reports the current breaker state as a string for health reporting.
func (b *Breaker) State() string {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Registry holds one breaker per logical endpoint, keyed by name. Safe for
// concurrent use; callers share breakers across goroutines.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry constructs an empty breaker registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating one from cfg on first use.
func (r *Registry) Get(name string, cfg BreakerConfig) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	cfg.Name = name
	b := NewBreaker(cfg)
	r.breakers[name] = b
	return b
}

