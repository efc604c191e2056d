package alarms

import (
	"context"
	"errors"
	"time"
)

// State is the alarm lifecycle state.
type State string

const (
	StateActive   State = "active"
	StateResolved State = "resolved"
)

// EmailState tracks what the notifier still owes for an alarm.
type EmailState string

const (
	// NeedsEmail pages a human about a new alarm.
	NeedsEmail EmailState = "needs_email"
	// DontEmail marks informational alarms that are never paged.
	DontEmail EmailState = "dont_email"
	// ResolvedNotEmailed asks for a single recovery notice.
	ResolvedNotEmailed EmailState = "resolved_not_emailed"
	// Emailed means nothing is pending.
	Emailed EmailState = "emailed"
)

// Alarm is a health incident for one device.
type Alarm struct {
	ID         string     `json:"id"`
	CustomerID string     `json:"customer_id"`
	DeviceID   string     `json:"device_id"`
	SiteID     string     `json:"site_id"`
	Message    string     `json:"message"`
	State      State      `json:"state"`
	StartDate  time.Time  `json:"start_date"`
	LastUpdate time.Time  `json:"last_update"`
	EndDate    time.Time  `json:"end_date,omitempty"`
	Emailed    EmailState `json:"emailed"`
	EmailedAt  time.Time  `json:"emailed_at,omitempty"`
}

// Active reports whether the alarm is open.
func (a Alarm) Active() bool {
	return a.State == StateActive
}

// PendingEmail reports whether the notifier owes a message for the alarm.
func (a Alarm) PendingEmail() bool {
	switch {
	case a.State == StateActive && a.Emailed == NeedsEmail:
		return true
	case a.State == StateResolved && a.Emailed == ResolvedNotEmailed:
		return true
	default:
		return false
	}
}

// Validate checks required fields.
func (a Alarm) Validate() error {
	if a.ID == "" || a.CustomerID == "" || a.DeviceID == "" {
		return errors.New("alarm: missing fields")
	}
	switch a.State {
	case StateActive, StateResolved:
	default:
		return errors.New("alarm: invalid state")
	}
	return nil
}

// Store persists alarms. Lookups return (nil, nil) when nothing matches.
//
// State changes are compare-and-set: Touch and Resolve only apply to an
// alarm that is still active, MarkEmailed only while state and emailed
// still hold the values the caller read. They return (nil, nil) when the
// precondition no longer holds.
type Store interface {
	Create(ctx context.Context, alarm *Alarm) error
	// Touch moves LastUpdate to at, or 1µs past the stored value when at
	// is not later.
	Touch(ctx context.Context, customerID, id string, at time.Time) (*Alarm, error)
	// Resolve closes an active alarm at the given time. A recovery notice is
	// owed unless the alarm is DontEmail.
	Resolve(ctx context.Context, customerID, id string, at time.Time) (*Alarm, error)
	MarkEmailed(ctx context.Context, customerID, id string, state State, prev EmailState, at time.Time) (*Alarm, error)
	Get(ctx context.Context, customerID, id string) (*Alarm, error)
	FindActiveByDevice(ctx context.Context, customerID, deviceID string) (*Alarm, error)
	ListByDevice(ctx context.Context, customerID, deviceID string) ([]Alarm, error)
	ListBySite(ctx context.Context, customerID, siteID string) ([]Alarm, error)
	ListByCustomer(ctx context.Context, customerID string) ([]Alarm, error)
	ListActive(ctx context.Context) ([]Alarm, error)
	ListPendingEmail(ctx context.Context) ([]Alarm, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
