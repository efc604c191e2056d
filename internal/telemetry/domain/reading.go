package telemetry

import (
	"context"
	"errors"
	"time"
)

// NotReported marks a value the device did not send.
const NotReported = -1.0

// DefaultInterval is the reading bucket width.
const DefaultInterval = 15 * time.Minute

var (
	// ErrInvalidPayload indicates a payload that cannot be normalized.
	ErrInvalidPayload = errors.New("telemetry: invalid payload")
)

// Reading is one normalized telemetry sample for a device at a bucket timestamp.
type Reading struct {
	CustomerID  string    `json:"customer_id"`
	DeviceID    string    `json:"device_id"`
	SiteID      string    `json:"site_id"`
	Timestamp   time.Time `json:"timestamp"`
	DeviceName  string    `json:"device_name"`
	DisplayName string    `json:"display_name"`

	TotalRealPower      float64 `json:"total_real_power"`
	TotalEnergyConsumed float64 `json:"total_energy_consumed"`
	EnergyConsumed      float64 `json:"energy_consumed"`
	AverageCurrent      float64 `json:"average_current"`
	AverageVoltage      float64 `json:"average_voltage"`
	PowerFactor         float64 `json:"power_factor"`

	FaultCode string `json:"fault_code,omitempty"`
	FaultText string `json:"fault_text,omitempty"`
	Valid     bool   `json:"valid"`
	Virtual   bool   `json:"virtual"`
	IsSite    bool   `json:"is_site"`

	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	Temperature    float64 `json:"temperature"`
	CloudCover     float64 `json:"cloud_cover"`
	WeatherSummary string  `json:"weather_summary,omitempty"`
}

// NewReading returns a reading with every measured value marked not reported.
func NewReading(customerID, deviceID string, ts time.Time) Reading {
	return Reading{
		CustomerID:          customerID,
		DeviceID:            deviceID,
		Timestamp:           ts,
		TotalRealPower:      NotReported,
		TotalEnergyConsumed: NotReported,
		EnergyConsumed:      NotReported,
		AverageCurrent:      NotReported,
		AverageVoltage:      NotReported,
		PowerFactor:         NotReported,
		Latitude:            NotReported,
		Longitude:           NotReported,
		Temperature:         NotReported,
		CloudCover:          NotReported,
	}
}

// Reported reports whether v carries a measured value.
func Reported(v float64) bool {
	return v >= 0
}

// Validate checks the identity fields.
func (r Reading) Validate() error {
	if r.CustomerID == "" {
		return errors.New("reading: empty customer id")
	}
	if r.DeviceID == "" {
		return errors.New("reading: empty device id")
	}
	if r.Timestamp.IsZero() {
		return errors.New("reading: empty timestamp")
	}
	return nil
}

// Bucket truncates ts to the reading interval in UTC.
func Bucket(ts time.Time, interval time.Duration) time.Time {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return ts.UTC().Truncate(interval)
}

// ReadingStore is the time-series persistence contract.
// Readings are keyed by (CustomerID, DeviceID, Timestamp); Put overwrites.
type ReadingStore interface {
	Put(ctx context.Context, reading *Reading) error
	// Get returns (nil, nil) when no reading exists.
	Get(ctx context.Context, customerID, deviceID string, ts time.Time) (*Reading, error)
	// CountDistinctDevices counts how many of deviceIDs have a physical reading
	// under siteID at ts.
	CountDistinctDevices(ctx context.Context, customerID, siteID string, ts time.Time, deviceIDs []string) (int, error)
	// ListBySite lists physical readings under siteID at ts.
	ListBySite(ctx context.Context, customerID, siteID string, ts time.Time) ([]Reading, error)
	// TotalEnergyBefore returns the latest cumulative counter reported strictly
	// before ts, nil when none.
	TotalEnergyBefore(ctx context.Context, customerID, deviceID string, ts time.Time) (*float64, error)
	// LatestTimestamp returns the newest reading time, zero when none.
	LatestTimestamp(ctx context.Context, customerID, deviceID string) (time.Time, error)
	DeleteByCustomer(ctx context.Context, customerID string) (int64, error)
}
