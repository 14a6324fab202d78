// Package breaker guards calls to named downstream resources with a
// per-resource circuit breaker. A resource observed to be failing is
// short-circuited: callers get an immediate ErrCircuitOpen instead of
// another doomed downstream call.
package breaker

import (
	"fmt"
	"sync"
	"time"

	domainErrors "github.com/cargomesh/eventcore/internal/domain/errors"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// State mirrors the breaker states for callers that do not want to depend
// on gobreaker directly.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds per-resource breaker settings.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit.
	FailureThreshold uint32
	// OpenTimeout is how long an open circuit rejects calls before a single
	// half-open probe is admitted.
	OpenTimeout time.Duration
}

// DefaultConfig returns the default breaker settings.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

// StateChangeFunc observes circuit transitions, e.g. to export a metric.
type StateChangeFunc func(resource string, from, to State)

// Registry owns one breaker per resource name. It is an explicit object
// constructed by the composition root, never a package-level singleton, so
// tests can build a fresh registry per case. Resources are independent:
// failures on one never affect another's circuit.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker[any]
	cfg      Config
	logger   zerolog.Logger
	onChange StateChangeFunc
}

type Option func(*Registry)

// WithStateChange registers a transition observer.
func WithStateChange(fn StateChangeFunc) Option {
	return func(r *Registry) { r.onChange = fn }
}

func NewRegistry(cfg Config, logger zerolog.Logger, opts ...Option) *Registry {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultConfig().OpenTimeout
	}
	r := &Registry{
		breakers: make(map[string]*gobreaker.CircuitBreaker[any]),
		cfg:      cfg,
		logger:   logger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Execute runs fn through the circuit for resource. When the circuit is
// open and the open timeout has not elapsed, it fails fast with
// ErrCircuitOpen without invoking fn. Otherwise fn runs and its outcome
// drives the state machine: FailureThreshold consecutive failures open the
// circuit, the first success while half-open closes it and resets the
// failure count, a half-open probe failure re-opens it with a fresh timer.
func (r *Registry) Execute(resource string, fn func() (any, error)) (any, error) {
	res, err := r.get(resource).Execute(fn)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, fmt.Errorf("%w: resource %q", domainErrors.ErrCircuitOpen, resource)
	}
	return res, err
}

// State returns the current state of the circuit for resource. A resource
// that has never been used reports StateClosed.
func (r *Registry) State(resource string) State {
	r.mu.RLock()
	cb, ok := r.breakers[resource]
	r.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	return fromGobreaker(cb.State())
}

// ConsecutiveFailures reports the failure count of the circuit for
// resource. Resets to 0 on any success.
func (r *Registry) ConsecutiveFailures(resource string) uint32 {
	r.mu.RLock()
	cb, ok := r.breakers[resource]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	return cb.Counts().ConsecutiveFailures
}

func (r *Registry) get(resource string) *gobreaker.CircuitBreaker[any] {
	r.mu.RLock()
	cb, ok := r.breakers[resource]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[resource]; ok {
		return cb
	}

	cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name: resource,
		// Exactly one probe is admitted while half-open.
		MaxRequests: 1,
		Timeout:     r.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn().
				Str("resource", name).
				Str("from", fromGobreaker(from).String()).
				Str("to", fromGobreaker(to).String()).
				Msg("Circuit state changed")
			if r.onChange != nil {
				r.onChange(name, fromGobreaker(from), fromGobreaker(to))
			}
		},
	})
	r.breakers[resource] = cb
	return cb
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
