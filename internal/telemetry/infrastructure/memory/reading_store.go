package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	telemetry "powermeter-cloud/internal/telemetry/domain"
)

// ReadingStore is an in-memory time-series store for demo/testing.
// A visibility delay emulates a store whose reads lag its writes.
type ReadingStore struct {
	mu      sync.RWMutex
	data    map[string]entry
	delay   time.Duration
	nowFunc func() time.Time
}

type entry struct {
	reading   telemetry.Reading
	visibleAt time.Time
}

// Option configures the store.
type Option func(*ReadingStore)

// WithVisibilityDelay hides each write from reads for d.
func WithVisibilityDelay(d time.Duration) Option {
	return func(s *ReadingStore) {
		if d > 0 {
			s.delay = d
		}
	}
}

// NewReadingStore constructs a store.
func NewReadingStore(opts ...Option) *ReadingStore {
	store := &ReadingStore{
		data:    make(map[string]entry),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

func key(customerID, deviceID string, ts time.Time) string {
	return customerID + "|" + deviceID + "|" + ts.UTC().Format(time.RFC3339)
}

// Put writes or overwrites a reading.
func (s *ReadingStore) Put(_ context.Context, reading *telemetry.Reading) error {
	if reading == nil {
		return errors.New("reading store: nil reading")
	}
	if err := reading.Validate(); err != nil {
		return err
	}
	stored := *reading
	stored.Timestamp = stored.Timestamp.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key(stored.CustomerID, stored.DeviceID, stored.Timestamp)] = entry{
		reading:   stored,
		visibleAt: s.nowFunc().Add(s.delay),
	}
	return nil
}

// Get loads a reading by identity key.
func (s *ReadingStore) Get(_ context.Context, customerID, deviceID string, ts time.Time) (*telemetry.Reading, error) {
	if customerID == "" || deviceID == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[key(customerID, deviceID, ts)]
	if !ok || !s.visible(e) {
		return nil, nil
	}
	reading := e.reading
	return &reading, nil
}

// CountDistinctDevices counts listed devices with a physical reading at ts.
func (s *ReadingStore) CountDistinctDevices(ctx context.Context, customerID, siteID string, ts time.Time, deviceIDs []string) (int, error) {
	if len(deviceIDs) == 0 {
		return 0, nil
	}
	readings, err := s.ListBySite(ctx, customerID, siteID, ts)
	if err != nil {
		return 0, err
	}
	wanted := make(map[string]struct{}, len(deviceIDs))
	for _, id := range deviceIDs {
		wanted[id] = struct{}{}
	}
	count := 0
	for _, reading := range readings {
		if _, ok := wanted[reading.DeviceID]; ok {
			count++
		}
	}
	return count, nil
}

// ListBySite lists physical readings under a site at ts.
func (s *ReadingStore) ListBySite(_ context.Context, customerID, siteID string, ts time.Time) ([]telemetry.Reading, error) {
	if customerID == "" || siteID == "" {
		return nil, nil
	}
	ts = ts.UTC()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []telemetry.Reading
	for _, e := range s.data {
		r := e.reading
		if r.CustomerID != customerID || r.SiteID != siteID || r.Virtual || !r.Timestamp.Equal(ts) || !s.visible(e) {
			continue
		}
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DeviceID < result[j].DeviceID })
	return result, nil
}

// TotalEnergyBefore returns the latest cumulative counter reported before ts.
func (s *ReadingStore) TotalEnergyBefore(_ context.Context, customerID, deviceID string, ts time.Time) (*float64, error) {
	latest, ok := s.latest(customerID, deviceID, func(r telemetry.Reading) bool {
		return r.Timestamp.Before(ts) && telemetry.Reported(r.TotalEnergyConsumed)
	})
	if !ok {
		return nil, nil
	}
	value := latest.TotalEnergyConsumed
	return &value, nil
}

// LatestTimestamp returns the newest reading time for a device.
func (s *ReadingStore) LatestTimestamp(_ context.Context, customerID, deviceID string) (time.Time, error) {
	latest, ok := s.latest(customerID, deviceID, func(telemetry.Reading) bool { return true })
	if !ok {
		return time.Time{}, nil
	}
	return latest.Timestamp, nil
}

func (s *ReadingStore) latest(customerID, deviceID string, match func(telemetry.Reading) bool) (telemetry.Reading, bool) {
	var latest telemetry.Reading
	found := false
	if customerID == "" || deviceID == "" {
		return latest, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.data {
		r := e.reading
		if r.CustomerID != customerID || r.DeviceID != deviceID || !s.visible(e) || !match(r) {
			continue
		}
		if !found || r.Timestamp.After(latest.Timestamp) {
			latest = r
			found = true
		}
	}
	return latest, found
}

// DeleteByCustomer purges every reading of a customer.
func (s *ReadingStore) DeleteByCustomer(_ context.Context, customerID string) (int64, error) {
	if customerID == "" {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for k, e := range s.data {
		if e.reading.CustomerID == customerID {
			delete(s.data, k)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored readings, visible or not.
func (s *ReadingStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *ReadingStore) visible(e entry) bool {
	return !s.nowFunc().Before(e.visibleAt)
}
