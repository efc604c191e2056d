package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"powermeter-cloud/internal/heartbeat"
)

// Store is an in-memory heartbeat store for demo/testing.
type Store struct {
	mu      sync.RWMutex
	touches map[heartbeat.Key]time.Time
}

// NewStore constructs a store.
func NewStore() *Store {
	return &Store{touches: make(map[heartbeat.Key]time.Time)}
}

// Touch records at for key, keeping the newest value.
func (s *Store) Touch(_ context.Context, key heartbeat.Key, at time.Time) error {
	if key.CustomerID == "" || key.DeviceID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.touches[key]; ok && current.After(at) {
		return nil
	}
	s.touches[key] = at.UTC()
	return nil
}

// LastTouch returns the last touch for key.
func (s *Store) LastTouch(_ context.Context, key heartbeat.Key) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.touches[key], nil
}

// AllOlderThan lists keys touched before threshold.
func (s *Store) AllOlderThan(_ context.Context, threshold time.Time) ([]heartbeat.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []heartbeat.Key
	for key, at := range s.touches {
		if at.Before(threshold) {
			result = append(result, key)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].String() < result[j].String() })
	return result, nil
}
