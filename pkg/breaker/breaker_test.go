package breaker

import (
	"errors"
	"testing"
	"time"

	domainErrors "github.com/cargomesh/eventcore/internal/domain/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("downstream down")

func failingCall() (any, error) { return nil, errDown }

func okCall() (any, error) { return "ok", nil }

func newTestRegistry(threshold uint32, openTimeout time.Duration, opts ...Option) *Registry {
	return NewRegistry(Config{
		FailureThreshold: threshold,
		OpenTimeout:      openTimeout,
	}, zerolog.Nop(), opts...)
}

func TestRegistry_ClosedPassesThrough(t *testing.T) {
	r := newTestRegistry(3, time.Minute)

	res, err := r.Execute("billing", okCall)

	require.NoError(t, err)
	assert.Equal(t, "ok", res)
	assert.Equal(t, StateClosed, r.State("billing"))
}

func TestRegistry_OpensAfterThreshold(t *testing.T) {
	r := newTestRegistry(3, time.Minute)

	for i := 0; i < 3; i++ {
		_, err := r.Execute("billing", failingCall)
		assert.ErrorIs(t, err, errDown)
	}
	assert.Equal(t, StateOpen, r.State("billing"))

	// fourth call is rejected without invoking the operation
	invoked := false
	_, err := r.Execute("billing", func() (any, error) {
		invoked = true
		return nil, nil
	})
	assert.ErrorIs(t, err, domainErrors.ErrCircuitOpen)
	assert.False(t, invoked)
}

func TestRegistry_FailureCountResetsOnSuccess(t *testing.T) {
	r := newTestRegistry(3, time.Minute)

	_, _ = r.Execute("billing", failingCall)
	_, _ = r.Execute("billing", failingCall)
	assert.Equal(t, uint32(2), r.ConsecutiveFailures("billing"))

	_, err := r.Execute("billing", okCall)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), r.ConsecutiveFailures("billing"))
	assert.Equal(t, StateClosed, r.State("billing"))
}

func TestRegistry_HalfOpenProbeSuccessCloses(t *testing.T) {
	r := newTestRegistry(2, 50*time.Millisecond)

	_, _ = r.Execute("sms", failingCall)
	_, _ = r.Execute("sms", failingCall)
	require.Equal(t, StateOpen, r.State("sms"))

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateHalfOpen, r.State("sms"))

	_, err := r.Execute("sms", okCall)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, r.State("sms"))
	assert.Equal(t, uint32(0), r.ConsecutiveFailures("sms"))
}

func TestRegistry_HalfOpenProbeFailureReopens(t *testing.T) {
	r := newTestRegistry(2, 50*time.Millisecond)

	_, _ = r.Execute("sms", failingCall)
	_, _ = r.Execute("sms", failingCall)
	require.Equal(t, StateOpen, r.State("sms"))

	time.Sleep(60 * time.Millisecond)

	_, err := r.Execute("sms", failingCall)
	assert.ErrorIs(t, err, errDown)
	assert.Equal(t, StateOpen, r.State("sms"))

	// the open timer was refreshed: calls are rejected again
	invoked := false
	_, err = r.Execute("sms", func() (any, error) {
		invoked = true
		return nil, nil
	})
	assert.ErrorIs(t, err, domainErrors.ErrCircuitOpen)
	assert.False(t, invoked)
}

func TestRegistry_HalfOpenAdmitsSingleProbe(t *testing.T) {
	r := newTestRegistry(1, 50*time.Millisecond)

	_, _ = r.Execute("edi", failingCall)
	require.Equal(t, StateOpen, r.State("edi"))

	time.Sleep(60 * time.Millisecond)

	// first probe holds the half-open slot; a second concurrent call must
	// be rejected, not let through
	release := make(chan struct{})
	probeStarted := make(chan struct{})
	go func() {
		_, _ = r.Execute("edi", func() (any, error) {
			close(probeStarted)
			<-release
			return "ok", nil
		})
	}()

	<-probeStarted
	invoked := false
	_, err := r.Execute("edi", func() (any, error) {
		invoked = true
		return nil, nil
	})
	assert.ErrorIs(t, err, domainErrors.ErrCircuitOpen)
	assert.False(t, invoked)
	close(release)
}

func TestRegistry_ResourcesAreIndependent(t *testing.T) {
	r := newTestRegistry(1, time.Minute)

	_, _ = r.Execute("billing", failingCall)
	assert.Equal(t, StateOpen, r.State("billing"))

	_, err := r.Execute("sms", okCall)
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, r.State("sms"))
}

func TestRegistry_UnknownResourceIsClosed(t *testing.T) {
	r := newTestRegistry(3, time.Minute)

	assert.Equal(t, StateClosed, r.State("never-used"))
	assert.Equal(t, uint32(0), r.ConsecutiveFailures("never-used"))
}

func TestRegistry_StateChangeListener(t *testing.T) {
	type transition struct {
		resource string
		from, to State
	}
	var transitions []transition

	r := newTestRegistry(1, time.Minute, WithStateChange(func(resource string, from, to State) {
		transitions = append(transitions, transition{resource, from, to})
	}))

	_, _ = r.Execute("billing", failingCall)

	require.Len(t, transitions, 1)
	assert.Equal(t, "billing", transitions[0].resource)
	assert.Equal(t, StateClosed, transitions[0].from)
	assert.Equal(t, StateOpen, transitions[0].to)
}
