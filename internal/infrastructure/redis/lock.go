package redis

import (
	"context"
	"fmt"
	"time"

	domainErrors "github.com/cargomesh/eventcore/internal/domain/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// Lua script for safe lock release (only owner can release)
	releaseLockScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)

	// Lua script for lock extension
	extendLockScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// DispatchLock is a Redis SET NX lock guarding the outbox dispatch run
// across relay instances. The in-process single-run guard lives in the
// dispatcher; this lock extends it to horizontally scaled deployments so
// overlapping instances skip the run instead of pulling the same batch.
type DispatchLock struct {
	client   *redis.Client
	key      string
	token    string
	ttl      time.Duration
	acquired bool
}

// NewDispatchLock creates a lock for the given key. The token identifies
// this owner so only the acquirer can release or extend.
func NewDispatchLock(client *redis.Client, key string, ttl time.Duration) *DispatchLock {
	return &DispatchLock{
		client: client,
		key:    fmt.Sprintf("lock:%s", key),
		token:  uuid.New().String(),
		ttl:    ttl,
	}
}

// Acquire attempts to take the lock. Returns false without error when
// another owner holds it.
func (l *DispatchLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", domainErrors.ErrLockAcquisitionFailed, err)
	}
	l.acquired = ok
	return ok, nil
}

// Extend pushes the lock expiry out by another full ttl. The dispatcher
// heartbeats this during long runs so the lock cannot lapse mid-batch.
// Fails if the lock is no longer held by this owner.
func (l *DispatchLock) Extend(ctx context.Context) error {
	if !l.acquired {
		return domainErrors.ErrLockNotHeld
	}
	res, err := extendLockScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Result()
	if err != nil {
		return fmt.Errorf("extend lock: %w", err)
	}
	if val, ok := res.(int64); !ok || val == 0 {
		return domainErrors.ErrLockNotHeld
	}
	return nil
}

// Release drops the lock if this owner still holds it. Releasing a lock
// that was never acquired is a no-op.
func (l *DispatchLock) Release(ctx context.Context) error {
	if !l.acquired {
		return nil
	}
	res, err := releaseLockScript.Run(ctx, l.client, []string{l.key}, l.token).Result()
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	l.acquired = false
	if val, ok := res.(int64); !ok || val == 0 {
		return domainErrors.ErrLockNotHeld
	}
	return nil
}

// IsAcquired returns whether the lock is held by this owner.
func (l *DispatchLock) IsAcquired() bool {
	return l.acquired
}
