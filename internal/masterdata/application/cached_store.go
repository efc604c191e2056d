package application

import (
	"context"
	"errors"
	"time"

	masterdata "powermeter-cloud/internal/masterdata/domain"
	"powermeter-cloud/internal/observability/metrics"
)

const (
	DefaultCacheTTL        = 10 * time.Second
	DefaultCacheMaxEntries = 1000
)

// CachedStore decorates a DeviceStore with read-through caching of Get and
// ListBySite. Writes through this store invalidate before returning.
type CachedStore struct {
	inner   masterdata.DeviceStore
	devices *ttlCache[masterdata.Device]
	sites   *ttlCache[[]masterdata.Device]
}

var _ masterdata.DeviceStore = (*CachedStore)(nil)

type cacheConfig struct {
	ttl      time.Duration
	entries  int
	observer Observer
}

// CacheOption customizes the cache.
type CacheOption func(*cacheConfig)

// WithCacheTTL overrides the entry lifetime.
func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(c *cacheConfig) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithCacheMaxEntries bounds each cache.
func WithCacheMaxEntries(n int) CacheOption {
	return func(c *cacheConfig) {
		if n > 0 {
			c.entries = n
		}
	}
}

// WithCacheObserver assigns a hit/miss observer.
func WithCacheObserver(obs Observer) CacheOption {
	return func(c *cacheConfig) {
		c.observer = obs
	}
}

// NewCachedStore wraps inner.
func NewCachedStore(inner masterdata.DeviceStore, opts ...CacheOption) (*CachedStore, error) {
	if inner == nil {
		return nil, errors.New("device cache: nil store")
	}
	cfg := cacheConfig{ttl: DefaultCacheTTL, entries: DefaultCacheMaxEntries, observer: metricsObserver{}}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &CachedStore{
		inner:   inner,
		devices: newTTLCache[masterdata.Device]("device", cfg.ttl, cfg.entries, cfg.observer),
		sites:   newTTLCache[[]masterdata.Device]("site", cfg.ttl, cfg.entries, cfg.observer),
	}, nil
}

func cacheKey(customerID, id string) string {
	return customerID + ":" + id
}

// Get loads a device by id through the cache.
func (s *CachedStore) Get(ctx context.Context, id, customerID string) (*masterdata.Device, error) {
	if id == "" || customerID == "" {
		return nil, nil
	}
	key := cacheKey(customerID, id)
	cached, epoch, ok := s.devices.get(key)
	if ok {
		return &cached, nil
	}
	device, err := s.inner.Get(ctx, id, customerID)
	if err != nil || device == nil {
		return device, err
	}
	s.devices.set(key, *device, epoch)
	return device, nil
}

// ListBySite lists site members through the cache.
func (s *CachedStore) ListBySite(ctx context.Context, customerID, siteID string) ([]masterdata.Device, error) {
	if customerID == "" || siteID == "" {
		return nil, nil
	}
	key := cacheKey(customerID, siteID)
	cached, epoch, ok := s.sites.get(key)
	if ok {
		return cloneDevices(cached), nil
	}
	devices, err := s.inner.ListBySite(ctx, customerID, siteID)
	if err != nil {
		return nil, err
	}
	s.sites.set(key, cloneDevices(devices), epoch)
	return devices, nil
}

// FindByName is not cached.
func (s *CachedStore) FindByName(ctx context.Context, customerID, deviceName string) (*masterdata.Device, error) {
	return s.inner.FindByName(ctx, customerID, deviceName)
}

// FindByDisplayName is not cached.
func (s *CachedStore) FindByDisplayName(ctx context.Context, customerID, displayName string) (*masterdata.Device, error) {
	return s.inner.FindByDisplayName(ctx, customerID, displayName)
}

// ListByCustomer is not cached.
func (s *CachedStore) ListByCustomer(ctx context.Context, customerID string) ([]masterdata.Device, error) {
	return s.inner.ListByCustomer(ctx, customerID)
}

// Count is not cached.
func (s *CachedStore) Count(ctx context.Context, customerID string) (int, error) {
	return s.inner.Count(ctx, customerID)
}

// Add inserts and invalidates the device and its site list.
func (s *CachedStore) Add(ctx context.Context, device *masterdata.Device) error {
	if device == nil {
		return errors.New("device cache: nil device")
	}
	err := s.inner.Add(ctx, device)
	s.invalidate(*device)
	return err
}

// Update replaces a device and invalidates both its old and new site lists.
func (s *CachedStore) Update(ctx context.Context, device *masterdata.Device) error {
	if device == nil {
		return errors.New("device cache: nil device")
	}
	previous, err := s.inner.Get(ctx, device.ID, device.CustomerID)
	if err != nil {
		return err
	}
	err = s.inner.Update(ctx, device)
	s.invalidate(*device)
	if previous != nil {
		s.invalidate(*previous)
	}
	return err
}

// UpdateBatch replaces devices and invalidates every touched entry.
func (s *CachedStore) UpdateBatch(ctx context.Context, devices []masterdata.Device) error {
	previous := make([]masterdata.Device, 0, len(devices))
	for _, device := range devices {
		current, err := s.inner.Get(ctx, device.ID, device.CustomerID)
		if err != nil {
			return err
		}
		if current != nil {
			previous = append(previous, *current)
		}
	}
	err := s.inner.UpdateBatch(ctx, devices)
	s.invalidate(devices...)
	s.invalidate(previous...)
	return err
}

// Delete reads the device first so its site list can be invalidated, and
// invalidates again after removal to drop any entry a concurrent read
// repopulated in between.
func (s *CachedStore) Delete(ctx context.Context, id, customerID string) error {
	if id == "" || customerID == "" {
		return nil
	}
	current, err := s.inner.Get(ctx, id, customerID)
	if err != nil {
		return err
	}
	target := masterdata.Device{ID: id, CustomerID: customerID}
	if current != nil {
		target = *current
	}
	s.invalidate(target)
	err = s.inner.Delete(ctx, id, customerID)
	s.invalidate(target)
	return err
}

func (s *CachedStore) invalidate(devices ...masterdata.Device) {
	if len(devices) == 0 {
		return
	}
	deviceKeys := make([]string, 0, len(devices))
	siteKeys := make([]string, 0, len(devices)*2)
	for _, device := range devices {
		deviceKeys = append(deviceKeys, cacheKey(device.CustomerID, device.ID))
		if device.SiteID != "" {
			siteKeys = append(siteKeys, cacheKey(device.CustomerID, device.SiteID))
		}
		if device.IsSite {
			siteKeys = append(siteKeys, cacheKey(device.CustomerID, device.ID))
		}
	}
	s.devices.invalidate(deviceKeys...)
	s.sites.invalidate(siteKeys...)
}

func cloneDevices(devices []masterdata.Device) []masterdata.Device {
	if devices == nil {
		return nil
	}
	out := make([]masterdata.Device, len(devices))
	copy(out, devices)
	return out
}

type metricsObserver struct{}

func (metricsObserver) CacheHit(cache string)  { metrics.CacheHit(cache) }
func (metricsObserver) CacheMiss(cache string) { metrics.CacheMiss(cache) }
