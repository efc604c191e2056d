package masterdata

import (
	"context"
	"errors"
	"strings"
	"time"
)

// NoSite marks a device that does not belong to any site.
const NoSite = "No Site"

var (
	// ErrDuplicateName indicates a device or display name already used by the customer.
	ErrDuplicateName = errors.New("device: duplicate name")
	// ErrLicenseExceeded indicates the customer has no free device seats.
	ErrLicenseExceeded = errors.New("device: license limit reached")
	// ErrUnknownCustomer indicates no subscription exists for the customer.
	ErrUnknownCustomer = errors.New("device: unknown customer")
	// ErrCustomerDisabled indicates an inactive subscription.
	ErrCustomerDisabled = errors.New("device: customer disabled")
	// ErrSiteNotFound indicates a site reference that does not resolve.
	ErrSiteNotFound = errors.New("device: site not found")
	// ErrDeviceNotFound indicates a missing device on update or delete.
	ErrDeviceNotFound = errors.New("device: not found")
)

// Location is a resolved lat/long pair.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Device is a physical meter or a virtual site aggregator.
type Device struct {
	ID           string    `json:"id"`
	CustomerID   string    `json:"customer_id"`
	DeviceName   string    `json:"device_name"`
	DisplayName  string    `json:"display_name"`
	SiteID       string    `json:"site_id"`
	Site         string    `json:"site"`
	Virtual      bool      `json:"virtual"`
	IsSite       bool      `json:"is_site"`
	SerialNumber string    `json:"serial_number,omitempty"`
	Subtractive  bool      `json:"subtractive"`
	Disabled     bool      `json:"disabled"`
	Protocol     string    `json:"protocol,omitempty"`
	City         string    `json:"city,omitempty"`
	Location     *Location `json:"location,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Validate checks device invariants.
func (d Device) Validate() error {
	if d.ID == "" {
		return errors.New("device: empty id")
	}
	if d.CustomerID == "" {
		return errors.New("device: empty customer id")
	}
	if d.DeviceName == "" && d.DisplayName == "" {
		return errors.New("device: empty name")
	}
	if d.IsSite && d.SiteID != d.ID {
		return errors.New("device: site id must equal id for site devices")
	}
	return nil
}

// HasSite reports whether the device belongs to a site.
func (d Device) HasSite() bool {
	return d.SiteID != "" && d.SiteID != NoSite
}

// Physical reports whether the device is a real meter.
func (d Device) Physical() bool {
	return !d.Virtual
}

// DeviceStore is the device directory persistence contract.
// Lookups return (nil, nil) when nothing matches.
type DeviceStore interface {
	Get(ctx context.Context, id, customerID string) (*Device, error)
	FindByName(ctx context.Context, customerID, deviceName string) (*Device, error)
	FindByDisplayName(ctx context.Context, customerID, displayName string) (*Device, error)
	ListBySite(ctx context.Context, customerID, siteID string) ([]Device, error)
	ListByCustomer(ctx context.Context, customerID string) ([]Device, error)
	Count(ctx context.Context, customerID string) (int, error)
	Add(ctx context.Context, device *Device) error
	Update(ctx context.Context, device *Device) error
	// UpdateBatch applies all updates or none.
	UpdateBatch(ctx context.Context, devices []Device) error
	Delete(ctx context.Context, id, customerID string) error
}

// Subscription describes the device seats a customer has paid for.
type Subscription struct {
	CustomerID string
	Packs      int
	Active     bool
}

// SubscriptionSource resolves customer subscriptions. Returns (nil, nil) for unknown customers.
type SubscriptionSource interface {
	Subscription(ctx context.Context, customerID string) (*Subscription, error)
}

// Geocoder resolves a device location lazily.
type Geocoder interface {
	Locate(ctx context.Context, device Device) (*Location, error)
}

// NormalizeName folds a device name for fuzzy comparisons.
func NormalizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
