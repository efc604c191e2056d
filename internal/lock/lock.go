// Package lock provides leased mutual exclusion across processes.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultAcquireTimeout bounds how long TryAcquire waits for a busy key.
	DefaultAcquireTimeout = 5 * time.Second
	// DefaultRetryInterval is the first pause between acquire attempts.
	DefaultRetryInterval = 50 * time.Millisecond
)

var errBusy = errors.New("lock: busy")

// Lease is a held lock. Token identifies the holder on release.
type Lease struct {
	Key       string
	Token     string
	ExpiresAt time.Time
}

// Locker acquires leased locks.
type Locker interface {
	// TryAcquire waits up to the locker's acquire timeout and returns
	// (nil, nil) when the key stays held by someone else.
	TryAcquire(ctx context.Context, key string, lease time.Duration) (*Lease, error)
	// Release frees a lease held by the caller. Releasing an expired or
	// foreign lease is a no-op.
	Release(ctx context.Context, lease *Lease) error
}

// Poll calls try until it reports true, fails, or timeout elapses.
// It returns false without error when the timeout elapses.
func Poll(ctx context.Context, timeout, interval time.Duration, try func(context.Context) (bool, error)) (bool, error) {
	if timeout <= 0 {
		return try(ctx)
	}
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = interval
	policy.MaxInterval = 4 * interval
	policy.MaxElapsedTime = timeout

	err := backoff.Retry(func() error {
		ok, err := try(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errBusy
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errBusy):
		return false, nil
	default:
		return false, err
	}
}
