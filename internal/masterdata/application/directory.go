package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	masterdata "powermeter-cloud/internal/masterdata/domain"
	"powermeter-cloud/internal/observability/metrics"
)

// DefaultDevicesPerPack is the number of device seats in one license pack.
const DefaultDevicesPerPack = 20

// Resolution outcomes reported by Resolve.
const (
	ResolvedExact       = "exact"
	ResolvedFuzzy       = "fuzzy"
	ResolvedProvisioned = "provisioned"
)

// Directory enforces device identity rules over a DeviceStore.
type Directory struct {
	store          masterdata.DeviceStore
	subs           masterdata.SubscriptionSource
	geocoder       masterdata.Geocoder
	devicesPerPack int
	newID          func() string
	logger         zerolog.Logger
}

// DirectoryOption customizes the directory.
type DirectoryOption func(*Directory)

// WithGeocoder enables lazy location lookups.
func WithGeocoder(geocoder masterdata.Geocoder) DirectoryOption {
	return func(d *Directory) {
		d.geocoder = geocoder
	}
}

// WithDevicesPerPack overrides the seats per license pack.
func WithDevicesPerPack(n int) DirectoryOption {
	return func(d *Directory) {
		if n > 0 {
			d.devicesPerPack = n
		}
	}
}

// WithIDGenerator overrides device id generation.
func WithIDGenerator(fn func() string) DirectoryOption {
	return func(d *Directory) {
		if fn != nil {
			d.newID = fn
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger zerolog.Logger) DirectoryOption {
	return func(d *Directory) {
		d.logger = logger
	}
}

// NewDirectory constructs a directory.
func NewDirectory(store masterdata.DeviceStore, subs masterdata.SubscriptionSource, opts ...DirectoryOption) (*Directory, error) {
	if store == nil {
		return nil, errors.New("directory: nil store")
	}
	if subs == nil {
		return nil, errors.New("directory: nil subscription source")
	}
	d := &Directory{
		store:          store,
		subs:           subs,
		devicesPerPack: DefaultDevicesPerPack,
		newID:          uuid.NewString,
		logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Store returns the underlying device store.
func (d *Directory) Store() masterdata.DeviceStore {
	return d.store
}

// CheckCustomer rejects unknown or disabled customers.
func (d *Directory) CheckCustomer(ctx context.Context, customerID string) (*masterdata.Subscription, error) {
	if customerID == "" {
		return nil, masterdata.ErrUnknownCustomer
	}
	sub, err := d.subs.Subscription(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("directory: load subscription: %w", err)
	}
	if sub == nil {
		return nil, fmt.Errorf("%w: %s", masterdata.ErrUnknownCustomer, customerID)
	}
	if !sub.Active {
		return nil, fmt.Errorf("%w: %s", masterdata.ErrCustomerDisabled, customerID)
	}
	return sub, nil
}

// Add registers a new device after the license and uniqueness checks.
func (d *Directory) Add(ctx context.Context, device *masterdata.Device) error {
	if device == nil {
		return errors.New("directory: nil device")
	}
	sub, err := d.CheckCustomer(ctx, device.CustomerID)
	if err != nil {
		return err
	}
	count, err := d.store.Count(ctx, device.CustomerID)
	if err != nil {
		return fmt.Errorf("directory: count devices: %w", err)
	}
	if count >= sub.Packs*d.devicesPerPack {
		return fmt.Errorf("%w: %d of %d seats used", masterdata.ErrLicenseExceeded, count, sub.Packs*d.devicesPerPack)
	}

	if device.ID == "" {
		device.ID = d.newID()
	}
	if device.DisplayName == "" {
		device.DisplayName = device.DeviceName
	}
	if err := d.checkUnique(ctx, *device); err != nil {
		return err
	}
	if err := d.assignSite(ctx, device); err != nil {
		return err
	}
	if err := d.store.Add(ctx, device); err != nil {
		return fmt.Errorf("directory: add device: %w", err)
	}
	d.logger.Info().
		Str("customer_id", device.CustomerID).
		Str("device_id", device.ID).
		Str("device_name", device.DeviceName).
		Msg("device added")
	return nil
}

// Update saves device changes. A site rename rewrites every child's site
// name and a reassignment picks up the new site's name, all in one batch.
func (d *Directory) Update(ctx context.Context, device *masterdata.Device) error {
	if device == nil {
		return errors.New("directory: nil device")
	}
	current, err := d.store.Get(ctx, device.ID, device.CustomerID)
	if err != nil {
		return fmt.Errorf("directory: load device: %w", err)
	}
	if current == nil {
		return masterdata.ErrDeviceNotFound
	}
	if device.DisplayName == "" {
		device.DisplayName = device.DeviceName
	}
	if err := d.checkUnique(ctx, *device); err != nil {
		return err
	}
	if err := d.assignSite(ctx, device); err != nil {
		return err
	}
	device.CreatedAt = current.CreatedAt

	batch := []masterdata.Device{*device}
	if device.IsSite && current.DisplayName != device.DisplayName {
		children, err := d.store.ListBySite(ctx, device.CustomerID, device.ID)
		if err != nil {
			return fmt.Errorf("directory: list site children: %w", err)
		}
		for _, child := range children {
			if child.ID == device.ID {
				continue
			}
			child.Site = device.DisplayName
			batch = append(batch, child)
		}
	}
	if err := d.store.UpdateBatch(ctx, batch); err != nil {
		return fmt.Errorf("directory: update device: %w", err)
	}
	return nil
}

// Delete removes a device. Children of a deleted site move to NoSite first.
func (d *Directory) Delete(ctx context.Context, customerID, id string) error {
	current, err := d.store.Get(ctx, id, customerID)
	if err != nil {
		return fmt.Errorf("directory: load device: %w", err)
	}
	if current == nil {
		return nil
	}
	if current.IsSite {
		children, err := d.store.ListBySite(ctx, customerID, current.ID)
		if err != nil {
			return fmt.Errorf("directory: list site children: %w", err)
		}
		var batch []masterdata.Device
		for _, child := range children {
			if child.ID == current.ID {
				continue
			}
			child.SiteID = masterdata.NoSite
			child.Site = ""
			batch = append(batch, child)
		}
		if len(batch) > 0 {
			if err := d.store.UpdateBatch(ctx, batch); err != nil {
				return fmt.Errorf("directory: detach site children: %w", err)
			}
		}
	}
	if err := d.store.Delete(ctx, id, customerID); err != nil {
		return fmt.Errorf("directory: delete device: %w", err)
	}
	d.logger.Info().Str("customer_id", customerID).Str("device_id", id).Msg("device deleted")
	return nil
}

// Resolve finds the device an incoming payload belongs to: exact name match,
// then a unique fuzzy match renamed in place, then a newly provisioned device.
func (d *Directory) Resolve(ctx context.Context, customerID, deviceName, serial, protocol string) (*masterdata.Device, string, error) {
	if deviceName == "" {
		return nil, "", errors.New("directory: empty device name")
	}
	if _, err := d.CheckCustomer(ctx, customerID); err != nil {
		return nil, "", err
	}
	device, err := d.store.FindByName(ctx, customerID, deviceName)
	if err != nil {
		return nil, "", fmt.Errorf("directory: find device: %w", err)
	}
	if device != nil {
		metrics.IncDeviceResolved(ResolvedExact)
		return device, ResolvedExact, nil
	}

	devices, err := d.store.ListByCustomer(ctx, customerID)
	if err != nil {
		return nil, "", fmt.Errorf("directory: list devices: %w", err)
	}
	if candidate := fuzzyCandidate(devices, deviceName, serial); candidate != nil {
		renamed := *candidate
		oldName := renamed.DeviceName
		renamed.DeviceName = deviceName
		if renamed.DisplayName == oldName {
			renamed.DisplayName = deviceName
		}
		if renamed.SerialNumber == "" {
			renamed.SerialNumber = serial
		}
		if err := d.Update(ctx, &renamed); err != nil {
			return nil, "", err
		}
		d.logger.Info().
			Str("customer_id", customerID).
			Str("device_id", renamed.ID).
			Str("old_name", oldName).
			Str("new_name", deviceName).
			Msg("device renamed by fuzzy match")
		metrics.IncDeviceResolved(ResolvedFuzzy)
		return &renamed, ResolvedFuzzy, nil
	}

	provisioned := &masterdata.Device{
		CustomerID:   customerID,
		DeviceName:   deviceName,
		DisplayName:  deviceName,
		SiteID:       masterdata.NoSite,
		SerialNumber: serial,
		Protocol:     protocol,
	}
	if err := d.Add(ctx, provisioned); err != nil {
		return nil, "", err
	}
	metrics.IncDeviceResolved(ResolvedProvisioned)
	return provisioned, ResolvedProvisioned, nil
}

// Locate returns the device location, resolving and saving it on first use.
func (d *Directory) Locate(ctx context.Context, device *masterdata.Device) (*masterdata.Location, error) {
	if device == nil {
		return nil, nil
	}
	if device.Location != nil || d.geocoder == nil {
		return device.Location, nil
	}
	location, err := d.geocoder.Locate(ctx, *device)
	if err != nil || location == nil {
		return nil, err
	}
	device.Location = location
	if err := d.store.Update(ctx, device); err != nil {
		d.logger.Warn().Err(err).Str("device_id", device.ID).Msg("save device location failed")
	}
	return location, nil
}

func (d *Directory) checkUnique(ctx context.Context, device masterdata.Device) error {
	if device.DeviceName != "" {
		existing, err := d.store.FindByName(ctx, device.CustomerID, device.DeviceName)
		if err != nil {
			return fmt.Errorf("directory: find by name: %w", err)
		}
		if existing != nil && existing.ID != device.ID {
			return fmt.Errorf("%w: device name %q", masterdata.ErrDuplicateName, device.DeviceName)
		}
	}
	existing, err := d.store.FindByDisplayName(ctx, device.CustomerID, device.DisplayName)
	if err != nil {
		return fmt.Errorf("directory: find by display name: %w", err)
	}
	if existing != nil && existing.ID != device.ID {
		return fmt.Errorf("%w: display name %q", masterdata.ErrDuplicateName, device.DisplayName)
	}
	return nil
}

func (d *Directory) assignSite(ctx context.Context, device *masterdata.Device) error {
	if device.IsSite {
		device.Virtual = true
		device.SiteID = device.ID
		device.Site = device.DisplayName
		return nil
	}
	if !device.HasSite() {
		device.SiteID = masterdata.NoSite
		device.Site = ""
		return nil
	}
	site, err := d.store.Get(ctx, device.SiteID, device.CustomerID)
	if err != nil {
		return fmt.Errorf("directory: load site: %w", err)
	}
	if site == nil || !site.IsSite {
		return fmt.Errorf("%w: %s", masterdata.ErrSiteNotFound, device.SiteID)
	}
	device.Site = site.DisplayName
	return nil
}
