// Package heartbeat tracks when each device last reported.
package heartbeat

import (
	"context"
	"strings"
	"time"
)

// Key identifies a device across customers.
type Key struct {
	CustomerID string
	DeviceID   string
}

// String encodes the key as customer|device.
func (k Key) String() string {
	return k.CustomerID + "|" + k.DeviceID
}

// ParseKey reverses Key.String.
func ParseKey(raw string) (Key, bool) {
	customerID, deviceID, ok := strings.Cut(raw, "|")
	if !ok || customerID == "" || deviceID == "" {
		return Key{}, false
	}
	return Key{CustomerID: customerID, DeviceID: deviceID}, true
}

// Store records device heartbeats.
type Store interface {
	Touch(ctx context.Context, key Key, at time.Time) error
	// LastTouch returns the zero time for a device never touched.
	LastTouch(ctx context.Context, key Key) (time.Time, error)
	// AllOlderThan lists devices whose last touch is before threshold.
	AllOlderThan(ctx context.Context, threshold time.Time) ([]Key, error)
}
