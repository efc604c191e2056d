package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"powermeter-cloud/internal/lock"
)

// Locker is an in-process lock for demo/testing.
type Locker struct {
	mu      sync.Mutex
	held    map[string]lock.Lease
	timeout time.Duration
	retry   time.Duration
	now     func() time.Time
}

// Option configures the locker.
type Option func(*Locker)

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
func NewLocker(opts ...Option) *Locker {
	l := &Locker{
		held:    make(map[string]lock.Lease),
		timeout: lock.DefaultAcquireTimeout,
		retry:   lock.DefaultRetryInterval,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TryAcquire takes key for lease.
func (l *Locker) TryAcquire(ctx context.Context, key string, lease time.Duration) (*lock.Lease, error) {
	if key == "" {
		return nil, errors.New("memory lock: empty key")
	}
	if lease <= 0 {
		return nil, errors.New("memory lock: non-positive lease")
	}
	var acquired *lock.Lease
	ok, err := lock.Poll(ctx, l.timeout, l.retry, func(context.Context) (bool, error) {
		acquired = l.take(key, lease)
		return acquired != nil, nil
	})
	if err != nil || !ok {
		return nil, err
	}
	return acquired, nil
}

func (l *Locker) take(key string, lease time.Duration) *lock.Lease {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if current, ok := l.held[key]; ok && now.Before(current.ExpiresAt) {
		return nil
	}
	granted := lock.Lease{Key: key, Token: uuid.NewString(), ExpiresAt: now.Add(lease)}
	l.held[key] = granted
	return &granted
}

// Release frees the lease if the caller still holds it.
func (l *Locker) Release(_ context.Context, lease *lock.Lease) error {
	if lease == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if current, ok := l.held[lease.Key]; ok && current.Token == lease.Token {
		delete(l.held, lease.Key)
	}
	return nil
}

// Held reports whether key is currently leased.
func (l *Locker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	current, ok := l.held[key]
	return ok && l.now().Before(current.ExpiresAt)
}
