package memory

import (
	"context"
	"sync"

	masterdata "powermeter-cloud/internal/masterdata/domain"
)

// Subscriptions is an in-memory subscription source for demo/testing.
type Subscriptions struct {
	mu   sync.RWMutex
	data map[string]masterdata.Subscription
}

// NewSubscriptions constructs a source seeded with subs.
func NewSubscriptions(subs ...masterdata.Subscription) *Subscriptions {
	s := &Subscriptions{data: make(map[string]masterdata.Subscription)}
	for _, sub := range subs {
		s.data[sub.CustomerID] = sub
	}
	return s
}

// Set stores or replaces a subscription.
func (s *Subscriptions) Set(sub masterdata.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[sub.CustomerID] = sub
}

// Subscription returns the subscription of a customer, nil when unknown.
func (s *Subscriptions) Subscription(_ context.Context, customerID string) (*masterdata.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.data[customerID]
	if !ok {
		return nil, nil
	}
	return &sub, nil
}
