package redislock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"powermeter-cloud/internal/lock"
)

const defaultPrefix = "aggregation:lock:"

// releaseScript deletes the key only when the caller's token still owns it.
const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

// Locker is a Redis SET NX PX lock.
type Locker struct {
	rdb     redis.UniversalClient
	prefix  string
	timeout time.Duration
	retry   time.Duration
}

// Option configures the locker.
type Option func(*Locker)

// WithPrefix overrides the key prefix.
func WithPrefix(prefix string) Option {
	return func(l *Locker) {
		if prefix != "" {
			l.prefix = prefix
		}
	}
}

// WithAcquireTimeout overrides how long TryAcquire waits.
func WithAcquireTimeout(d time.Duration) Option {
	return func(l *Locker) {
		if d >= 0 {
			l.timeout = d
		}
	}
}

// WithRetryInterval overrides the pause between attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.retry = d
		}
	}
}

// NewLocker constructs a locker.
func NewLocker(rdb redis.UniversalClient, opts ...Option) (*Locker, error) {
	if rdb == nil {
		return nil, errors.New("redis lock: nil client")
	}
	l := &Locker{
		rdb:     rdb,
		prefix:  defaultPrefix,
		timeout: lock.DefaultAcquireTimeout,
		retry:   lock.DefaultRetryInterval,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// TryAcquire takes key for lease.
func (l *Locker) TryAcquire(ctx context.Context, key string, lease time.Duration) (*lock.Lease, error) {
	if key == "" {
		return nil, errors.New("redis lock: empty key")
	}
	if lease <= 0 {
		return nil, errors.New("redis lock: non-positive lease")
	}
	token := uuid.NewString()
	var expiresAt time.Time
	ok, err := lock.Poll(ctx, l.timeout, l.retry, func(ctx context.Context) (bool, error) {
		expiresAt = time.Now().Add(lease)
		return l.rdb.SetNX(ctx, l.prefix+key, token, lease).Result()
	})
	if err != nil || !ok {
		return nil, err
	}
	return &lock.Lease{Key: key, Token: token, ExpiresAt: expiresAt}, nil
}

// Release deletes the key when the lease is still ours.
func (l *Locker) Release(ctx context.Context, lease *lock.Lease) error {
	if lease == nil {
		return nil
	}
	return l.rdb.Eval(ctx, releaseScript, []string{l.prefix + lease.Key}, lease.Token).Err()
}
