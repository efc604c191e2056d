package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"powermeter-cloud/internal/heartbeat"
)

const defaultKey = "devices:heartbeat"

// Store keeps heartbeats in one sorted set scored by unix milliseconds.
type Store struct {
	rdb goredis.UniversalClient
	key string
}

// Option configures the store.
type Option func(*Store)

// WithKey overrides the sorted set name.
func WithKey(key string) Option {
	return func(s *Store) {
		if key != "" {
			s.key = key
		}
	}
}

// NewStore constructs a store.
func NewStore(rdb goredis.UniversalClient, opts ...Option) (*Store, error) {
	if rdb == nil {
		return nil, errors.New("heartbeat store: nil client")
	}
	store := &Store{rdb: rdb, key: defaultKey}
	for _, opt := range opts {
		opt(store)
	}
	return store, nil
}

// Touch records at for key. Older touches never overwrite newer ones.
func (s *Store) Touch(ctx context.Context, key heartbeat.Key, at time.Time) error {
	if key.CustomerID == "" || key.DeviceID == "" {
		return nil
	}
	return s.rdb.ZAddGT(ctx, s.key, goredis.Z{
		Score:  float64(at.UnixMilli()),
		Member: key.String(),
	}).Err()
}

// LastTouch returns the last touch for key.
func (s *Store) LastTouch(ctx context.Context, key heartbeat.Key) (time.Time, error) {
	score, err := s.rdb.ZScore(ctx, s.key, key.String()).Result()
	if errors.Is(err, goredis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(int64(score)).UTC(), nil
}

// AllOlderThan lists keys touched before threshold.
func (s *Store) AllOlderThan(ctx context.Context, threshold time.Time) ([]heartbeat.Key, error) {
	members, err := s.rdb.ZRangeByScore(ctx, s.key, &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(threshold.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	result := make([]heartbeat.Key, 0, len(members))
	for _, member := range members {
		if key, ok := heartbeat.ParseKey(member); ok {
			result = append(result, key)
		}
	}
	return result, nil
}
