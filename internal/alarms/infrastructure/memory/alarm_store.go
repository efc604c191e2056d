package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	alarms "powermeter-cloud/internal/alarms/domain"
)

// AlarmStore is an in-memory alarm store for demo/testing.
type AlarmStore struct {
	mu   sync.RWMutex
	data map[string]alarms.Alarm
}

// NewAlarmStore constructs a store.
func NewAlarmStore() *AlarmStore {
	return &AlarmStore{data: make(map[string]alarms.Alarm)}
}

// Create inserts an alarm. A second active alarm for the same device is rejected.
func (s *AlarmStore) Create(_ context.Context, alarm *alarms.Alarm) error {
	if alarm == nil {
		return errors.New("alarm store: nil alarm")
	}
	if err := alarm.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[alarm.ID]; exists {
		return errors.New("alarm store: duplicate id")
	}
	if alarm.Active() {
		for _, existing := range s.data {
			if existing.Active() && existing.CustomerID == alarm.CustomerID && existing.DeviceID == alarm.DeviceID {
				return errors.New("alarm store: device already has an active alarm")
			}
		}
	}
	s.data[alarm.ID] = *alarm
	return nil
}

// Touch bumps LastUpdate of an active alarm.
func (s *AlarmStore) Touch(_ context.Context, customerID, id string, at time.Time) (*alarms.Alarm, error) {
	return s.mutate(customerID, id, func(a *alarms.Alarm) bool {
		if !a.Active() {
			return false
		}
		a.LastUpdate = laterOf(at, a.LastUpdate.Add(time.Microsecond))
		return true
	})
}

// Resolve closes an active alarm.
func (s *AlarmStore) Resolve(_ context.Context, customerID, id string, at time.Time) (*alarms.Alarm, error) {
	return s.mutate(customerID, id, func(a *alarms.Alarm) bool {
		if !a.Active() {
			return false
		}
		a.State = alarms.StateResolved
		a.EndDate = at.UTC()
		a.LastUpdate = laterOf(at, a.LastUpdate)
		if a.Emailed != alarms.DontEmail {
			a.Emailed = alarms.ResolvedNotEmailed
		}
		return true
	})
}

// MarkEmailed records a delivered notification if nothing changed since it was read.
func (s *AlarmStore) MarkEmailed(_ context.Context, customerID, id string, state alarms.State, prev alarms.EmailState, at time.Time) (*alarms.Alarm, error) {
	return s.mutate(customerID, id, func(a *alarms.Alarm) bool {
		if a.State != state || a.Emailed != prev {
			return false
		}
		a.Emailed = alarms.Emailed
		a.EmailedAt = at.UTC()
		return true
	})
}

func (s *AlarmStore) mutate(customerID, id string, apply func(*alarms.Alarm) bool) (*alarms.Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alarm, ok := s.data[id]
	if !ok || alarm.CustomerID != customerID {
		return nil, nil
	}
	if !apply(&alarm) {
		return nil, nil
	}
	s.data[id] = alarm
	return &alarm, nil
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a.UTC()
	}
	return b.UTC()
}

// Get loads an alarm scoped to a customer.
func (s *AlarmStore) Get(_ context.Context, customerID, id string) (*alarms.Alarm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	alarm, ok := s.data[id]
	if !ok || alarm.CustomerID != customerID {
		return nil, nil
	}
	return &alarm, nil
}

// FindActiveByDevice returns the open alarm of a device.
func (s *AlarmStore) FindActiveByDevice(_ context.Context, customerID, deviceID string) (*alarms.Alarm, error) {
	found := s.filter(func(a alarms.Alarm) bool {
		return a.Active() && a.CustomerID == customerID && a.DeviceID == deviceID
	})
	if len(found) == 0 {
		return nil, nil
	}
	return &found[0], nil
}

// ListByDevice lists alarms for a device, newest first.
func (s *AlarmStore) ListByDevice(_ context.Context, customerID, deviceID string) ([]alarms.Alarm, error) {
	return s.filter(func(a alarms.Alarm) bool { return a.CustomerID == customerID && a.DeviceID == deviceID }), nil
}

// ListBySite lists alarms for a site, newest first.
func (s *AlarmStore) ListBySite(_ context.Context, customerID, siteID string) ([]alarms.Alarm, error) {
	return s.filter(func(a alarms.Alarm) bool { return a.CustomerID == customerID && a.SiteID == siteID }), nil
}

// ListByCustomer lists alarms for a customer, newest first.
func (s *AlarmStore) ListByCustomer(_ context.Context, customerID string) ([]alarms.Alarm, error) {
	return s.filter(func(a alarms.Alarm) bool { return a.CustomerID == customerID }), nil
}

// ListActive lists all open alarms.
func (s *AlarmStore) ListActive(_ context.Context) ([]alarms.Alarm, error) {
	return s.filter(alarms.Alarm.Active), nil
}

// ListPendingEmail lists alarms the notifier still owes a message for.
func (s *AlarmStore) ListPendingEmail(_ context.Context) ([]alarms.Alarm, error) {
	return s.filter(alarms.Alarm.PendingEmail), nil
}

// DeleteOlderThan removes alarms started before cutoff.
func (s *AlarmStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, alarm := range s.data {
		if alarm.StartDate.Before(cutoff) {
			delete(s.data, id)
			removed++
		}
	}
	return removed, nil
}

func (s *AlarmStore) filter(match func(alarms.Alarm) bool) []alarms.Alarm {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []alarms.Alarm
	for _, alarm := range s.data {
		if match(alarm) {
			result = append(result, alarm)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].StartDate.Equal(result[j].StartDate) {
			return result[i].ID < result[j].ID
		}
		return result[i].StartDate.After(result[j].StartDate)
	})
	return result
}
