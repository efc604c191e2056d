package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	masterdata "powermeter-cloud/internal/masterdata/domain"
)

// DeviceStore is an in-memory device directory for demo/testing.
type DeviceStore struct {
	mu   sync.RWMutex
	data map[string]masterdata.Device
}

// NewDeviceStore constructs a store.
func NewDeviceStore() *DeviceStore {
	return &DeviceStore{data: make(map[string]masterdata.Device)}
}

func key(customerID, id string) string {
	return customerID + ":" + id
}

// Get loads a device by id.
func (s *DeviceStore) Get(_ context.Context, id, customerID string) (*masterdata.Device, error) {
	if id == "" || customerID == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	device, ok := s.data[key(customerID, id)]
	if !ok {
		return nil, nil
	}
	return &device, nil
}

// FindByName loads a device by its protocol name.
func (s *DeviceStore) FindByName(_ context.Context, customerID, deviceName string) (*masterdata.Device, error) {
	return s.findFirst(customerID, func(d masterdata.Device) bool { return d.DeviceName == deviceName && deviceName != "" })
}

// FindByDisplayName loads a device by its display name.
func (s *DeviceStore) FindByDisplayName(_ context.Context, customerID, displayName string) (*masterdata.Device, error) {
	return s.findFirst(customerID, func(d masterdata.Device) bool { return d.DisplayName == displayName && displayName != "" })
}

func (s *DeviceStore) findFirst(customerID string, match func(masterdata.Device) bool) (*masterdata.Device, error) {
	if customerID == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, device := range s.data {
		if device.CustomerID == customerID && match(device) {
			found := device
			return &found, nil
		}
	}
	return nil, nil
}

// ListBySite lists devices referencing a site, including the site device itself.
func (s *DeviceStore) ListBySite(_ context.Context, customerID, siteID string) ([]masterdata.Device, error) {
	if customerID == "" || siteID == "" {
		return nil, nil
	}
	return s.list(customerID, func(d masterdata.Device) bool { return d.SiteID == siteID }), nil
}

// ListByCustomer lists all devices of a customer.
func (s *DeviceStore) ListByCustomer(_ context.Context, customerID string) ([]masterdata.Device, error) {
	if customerID == "" {
		return nil, nil
	}
	return s.list(customerID, func(masterdata.Device) bool { return true }), nil
}

func (s *DeviceStore) list(customerID string, match func(masterdata.Device) bool) []masterdata.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []masterdata.Device
	for _, device := range s.data {
		if device.CustomerID == customerID && match(device) {
			result = append(result, device)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Count returns the number of devices a customer owns.
func (s *DeviceStore) Count(_ context.Context, customerID string) (int, error) {
	if customerID == "" {
		return 0, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, device := range s.data {
		if device.CustomerID == customerID {
			count++
		}
	}
	return count, nil
}

// Add inserts a new device.
func (s *DeviceStore) Add(_ context.Context, device *masterdata.Device) error {
	if device == nil {
		return errors.New("device store: nil device")
	}
	if err := device.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(device.CustomerID, device.ID)
	if _, exists := s.data[k]; exists {
		return errors.New("device store: duplicate id")
	}
	now := time.Now().UTC()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now
	s.data[k] = *device
	return nil
}

// Update replaces an existing device.
func (s *DeviceStore) Update(ctx context.Context, device *masterdata.Device) error {
	if device == nil {
		return errors.New("device store: nil device")
	}
	if err := s.UpdateBatch(ctx, []masterdata.Device{*device}); err != nil {
		return err
	}
	s.mu.RLock()
	device.UpdatedAt = s.data[key(device.CustomerID, device.ID)].UpdatedAt
	s.mu.RUnlock()
	return nil
}

// UpdateBatch replaces all devices or none.
func (s *DeviceStore) UpdateBatch(_ context.Context, devices []masterdata.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, device := range devices {
		if err := device.Validate(); err != nil {
			return err
		}
		if _, exists := s.data[key(device.CustomerID, device.ID)]; !exists {
			return errors.New("device store: device not found")
		}
	}
	now := time.Now().UTC()
	for _, device := range devices {
		device.UpdatedAt = now
		s.data[key(device.CustomerID, device.ID)] = device
	}
	return nil
}

// Delete removes a device.
func (s *DeviceStore) Delete(_ context.Context, id, customerID string) error {
	if id == "" || customerID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key(customerID, id))
	return nil
}
