// Package retry decides whether, when, and how often a failed downstream
// call is attempted again. Classification and backoff are pure functions of
// the error and the attempt number; execution is delegated to retry-go so
// backoff waits are timer-scheduled and honor context cancellation.
package retry

import (
	"context"
	"errors"
	"math"
	"net"
	"syscall"
	"time"

	retrygo "github.com/avast/retry-go/v4"
	domainErrors "github.com/cargomesh/eventcore/internal/domain/errors"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts     uint
	BaseDelay       time.Duration
	Multiplier      float64
	RetryableStatus []int
	TransientCodes  []string
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		BaseDelay:       1 * time.Second,
		Multiplier:      2.0,
		RetryableStatus: []int{408, 429, 500, 502, 503, 504},
		TransientCodes:  []string{"ECONNRESET", "ECONNREFUSED", "ENOTFOUND", "ETIMEDOUT"},
	}
}

// Policy classifies errors and shapes backoff. It carries no mutable state
// and is safe for concurrent use.
type Policy struct {
	cfg             Config
	retryableStatus map[int]struct{}
	transientCodes  map[string]struct{}
}

func NewPolicy(cfg Config) *Policy {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultConfig().BaseDelay
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = DefaultConfig().Multiplier
	}
	p := &Policy{
		cfg:             cfg,
		retryableStatus: make(map[int]struct{}, len(cfg.RetryableStatus)),
		transientCodes:  make(map[string]struct{}, len(cfg.TransientCodes)),
	}
	for _, s := range cfg.RetryableStatus {
		p.retryableStatus[s] = struct{}{}
	}
	for _, c := range cfg.TransientCodes {
		p.transientCodes[c] = struct{}{}
	}
	return p
}

// MaxAttempts returns the configured attempt budget.
func (p *Policy) MaxAttempts() uint {
	return p.cfg.MaxAttempts
}

// Retryable reports whether err is worth another attempt: a timeout, a
// status code in the retryable set, or a transient network error.
func (p *Policy) Retryable(err error) bool {
	if err == nil {
		return false
	}
	if p.isTimeout(err) {
		return true
	}
	if _, ok := p.retryableStatus[domainErrors.StatusCode(err)]; ok {
		return true
	}
	if _, ok := p.transientCodes[domainErrors.ErrorCode(err)]; ok {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ETIMEDOUT)
}

// Delay returns the backoff before the given attempt number (1-based):
// BaseDelay * Multiplier^(attempt-1).
func (p *Policy) Delay(attempt uint) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := math.Pow(p.cfg.Multiplier, float64(attempt-1))
	return time.Duration(float64(p.cfg.BaseDelay) * factor)
}

// Normalize collapses a terminal error into one of three kinds so callers
// can branch on errors.Is instead of message text: ErrRequestTimeout,
// ErrServiceUnavailable, or ErrInternal. Context cancellation passes
// through unchanged.
func (p *Policy) Normalize(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return err
	case p.isTimeout(err):
		return join(domainErrors.ErrRequestTimeout, err)
	case p.Retryable(err):
		return join(domainErrors.ErrServiceUnavailable, err)
	default:
		return join(domainErrors.ErrInternal, err)
	}
}

// Do executes fn up to MaxAttempts times, waiting Delay(n) between
// attempts. Non-retryable errors surface immediately; the final error is
// normalized. The backoff wait is a scheduled timer, not a bare sleep, and
// aborts when ctx is done.
func (p *Policy) Do(ctx context.Context, fn func() error) error {
	err := retrygo.Do(
		fn,
		retrygo.Context(ctx),
		retrygo.Attempts(p.cfg.MaxAttempts),
		retrygo.RetryIf(p.Retryable),
		retrygo.DelayType(func(n uint, _ error, _ *retrygo.Config) time.Duration {
			// n is the zero-based count of completed attempts.
			return p.Delay(n + 1)
		}),
		retrygo.LastErrorOnly(true),
	)
	if err != nil {
		return p.Normalize(err)
	}
	return nil
}

func (p *Policy) isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if domainErrors.StatusCode(err) == 408 {
		return true
	}
	return domainErrors.ErrorCode(err) == "ETIMEDOUT" || errors.Is(err, syscall.ETIMEDOUT)
}

func join(kind, err error) error {
	return &normalizedError{kind: kind, err: err}
}

// normalizedError keeps the original error visible while matching the
// normalized kind under errors.Is.
type normalizedError struct {
	kind error
	err  error
}

func (e *normalizedError) Error() string {
	return e.kind.Error() + ": " + e.err.Error()
}

func (e *normalizedError) Unwrap() []error {
	return []error{e.kind, e.err}
}
