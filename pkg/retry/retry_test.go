package retry

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	domainErrors "github.com/cargomesh/eventcore/internal/domain/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(maxAttempts uint) *Policy {
	cfg := DefaultConfig()
	cfg.MaxAttempts = maxAttempts
	cfg.BaseDelay = time.Millisecond
	return NewPolicy(cfg)
}

func TestPolicy_Retryable(t *testing.T) {
	p := NewPolicy(DefaultConfig())
	cause := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"status 500", domainErrors.NewPublishError(500, "", cause), true},
		{"status 503", domainErrors.NewPublishError(503, "", cause), true},
		{"status 429", domainErrors.NewPublishError(429, "", cause), true},
		{"status 408", domainErrors.NewPublishError(408, "", cause), true},
		{"status 400", domainErrors.NewPublishError(400, "", cause), false},
		{"status 404", domainErrors.NewPublishError(404, "", cause), false},
		{"code ECONNRESET", domainErrors.NewPublishError(0, "ECONNRESET", cause), true},
		{"code ECONNREFUSED", domainErrors.NewPublishError(0, "ECONNREFUSED", cause), true},
		{"code ENOTFOUND", domainErrors.NewPublishError(0, "ENOTFOUND", cause), true},
		{"code ETIMEDOUT", domainErrors.NewPublishError(0, "ETIMEDOUT", cause), true},
		{"syscall ECONNRESET", syscall.ECONNRESET, true},
		{"syscall ECONNREFUSED", syscall.ECONNREFUSED, true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"plain error", cause, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Retryable(tt.err))
		})
	}
}

func TestPolicy_Delay_ExponentialGrowth(t *testing.T) {
	p := NewPolicy(Config{
		MaxAttempts: 3,
		BaseDelay:   1000 * time.Millisecond,
		Multiplier:  2.0,
	})

	assert.Equal(t, 1000*time.Millisecond, p.Delay(1))
	assert.Equal(t, 2000*time.Millisecond, p.Delay(2))
	assert.Equal(t, 4000*time.Millisecond, p.Delay(3))

	// attempt numbers below 1 are clamped
	assert.Equal(t, 1000*time.Millisecond, p.Delay(0))
}

func TestPolicy_Do_Success(t *testing.T) {
	p := fastPolicy(3)
	calls := 0

	err := p.Do(context.Background(), func() error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestPolicy_Do_Exhaustion(t *testing.T) {
	p := fastPolicy(3)
	calls := 0
	transient := domainErrors.NewPublishError(503, "", errors.New("still down"))

	err := p.Do(context.Background(), func() error {
		calls++
		return transient
	})

	// exactly MaxAttempts calls, surfaced as the normalized transient kind
	assert.Equal(t, 3, calls)
	require.Error(t, err)
	assert.ErrorIs(t, err, domainErrors.ErrServiceUnavailable)
	assert.ErrorIs(t, err, transient)
}

func TestPolicy_Do_NonRetryableSurfacesImmediately(t *testing.T) {
	p := fastPolicy(5)
	calls := 0
	terminal := domainErrors.NewPublishError(400, "", errors.New("malformed payload"))

	err := p.Do(context.Background(), func() error {
		calls++
		return terminal
	})

	assert.Equal(t, 1, calls)
	require.Error(t, err)
	assert.ErrorIs(t, err, domainErrors.ErrInternal)
}

func TestPolicy_Do_EventualSuccess(t *testing.T) {
	p := fastPolicy(3)
	calls := 0

	err := p.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return domainErrors.NewPublishError(502, "", errors.New("flapping"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPolicy_Normalize(t *testing.T) {
	p := NewPolicy(DefaultConfig())
	cause := errors.New("boom")

	tests := []struct {
		name string
		err  error
		kind error
	}{
		{"timeout status", domainErrors.NewPublishError(408, "", cause), domainErrors.ErrRequestTimeout},
		{"timeout code", domainErrors.NewPublishError(0, "ETIMEDOUT", cause), domainErrors.ErrRequestTimeout},
		{"deadline exceeded", context.DeadlineExceeded, domainErrors.ErrRequestTimeout},
		{"transient status", domainErrors.NewPublishError(503, "", cause), domainErrors.ErrServiceUnavailable},
		{"transient code", domainErrors.NewPublishError(0, "ECONNREFUSED", cause), domainErrors.ErrServiceUnavailable},
		{"anything else", cause, domainErrors.ErrInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Normalize(tt.err)
			assert.ErrorIs(t, got, tt.kind)
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestPolicy_Normalize_PassesThroughNilAndCancel(t *testing.T) {
	p := NewPolicy(DefaultConfig())

	assert.NoError(t, p.Normalize(nil))
	assert.Equal(t, context.Canceled, p.Normalize(context.Canceled))
}

func TestPolicy_Do_HonorsContextCancellation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 10
	cfg.BaseDelay = 50 * time.Millisecond
	p := NewPolicy(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := p.Do(ctx, func() error {
		calls++
		return domainErrors.NewPublishError(503, "", errors.New("down"))
	})

	require.Error(t, err)
	// the backoff wait aborted instead of running all ten attempts
	assert.Less(t, calls, 10)
}
