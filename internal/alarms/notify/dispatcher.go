package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	alarms "powermeter-cloud/internal/alarms/domain"
	masterdata "powermeter-cloud/internal/masterdata/domain"
	"powermeter-cloud/internal/observability/metrics"
)

// DeviceReader loads device names for rendering.
type DeviceReader interface {
	Get(ctx context.Context, id, customerID string) (*masterdata.Device, error)
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

// Dispatcher delivers the messages owed for alarms whose email state is
// pending and marks them emailed once the channel accepts them.
type Dispatcher struct {
	alarms   alarms.Store
	devices  DeviceReader
	channel  Channel
	template *Template
	clock    Clock
	logger   zerolog.Logger
}

// Option configures the dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(d *Dispatcher) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// WithTemplate overrides the default template.
func WithTemplate(tpl *Template) Option {
	return func(d *Dispatcher) {
		if tpl != nil {
			d.template = tpl
		}
	}
}

// WithDevices enables device name lookups.
func WithDevices(devices DeviceReader) Option {
	return func(d *Dispatcher) {
		d.devices = devices
	}
}

// WithLogger assigns a logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(store alarms.Store, channel Channel, opts ...Option) (*Dispatcher, error) {
	if store == nil {
		return nil, errors.New("alarm dispatcher: nil store")
	}
	if channel == nil {
		return nil, errors.New("alarm dispatcher: nil channel")
	}
	tpl, err := NewTemplate("")
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{
		alarms:   store,
		channel:  channel,
		template: tpl,
		clock:    systemClock{},
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Run sends every pending message and returns how many were delivered.
// A failed send leaves the alarm pending for the next run.
func (d *Dispatcher) Run(ctx context.Context) (int, error) {
	pending, err := d.alarms.ListPendingEmail(ctx)
	if err != nil {
		return 0, fmt.Errorf("alarm dispatcher: list pending: %w", err)
	}
	sent := 0
	for _, alarm := range pending {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		kind := kindOf(alarm)
		if err := d.deliver(ctx, alarm); err != nil {
			metrics.IncNotification(kind, "error")
			d.logger.Warn().Err(err).Str("alarm_id", alarm.ID).Str("customer_id", alarm.CustomerID).Msg("alarm notification failed")
			continue
		}
		metrics.IncNotification(kind, "success")
		sent++
	}
	return sent, nil
}

func (d *Dispatcher) deliver(ctx context.Context, alarm alarms.Alarm) error {
	content, err := d.template.Render(d.data(ctx, alarm))
	if err != nil {
		return err
	}
	if err := d.channel.Send(ctx, content); err != nil {
		return err
	}

	// The engine may have resolved the alarm while the message was in
	// flight; a recovery notice is then still owed and the mark is skipped.
	marked, err := d.alarms.MarkEmailed(ctx, alarm.CustomerID, alarm.ID, alarm.State, alarm.Emailed, d.clock.Now().UTC())
	if err != nil {
		return err
	}
	if marked == nil {
		d.logger.Debug().Str("alarm_id", alarm.ID).Msg("alarm changed during delivery")
	}
	return nil
}

func (d *Dispatcher) data(ctx context.Context, alarm alarms.Alarm) TemplateData {
	event := kindOf(alarm)
	data := TemplateData{
		CustomerID: alarm.CustomerID,
		Device:     alarm.DeviceID,
		DeviceID:   alarm.DeviceID,
		Message:    alarm.Message,
		StartTime:  alarm.StartDate.UTC().Format(time.RFC3339),
		Status:     string(alarm.State),
		Event:      event,
		EventLabel: eventLabel(event),
	}
	if alarm.SiteID != masterdata.NoSite {
		data.Site = alarm.SiteID
	}
	if !alarm.EndDate.IsZero() {
		data.EndTime = alarm.EndDate.UTC().Format(time.RFC3339)
	}
	if d.devices == nil {
		return data
	}
	device, err := d.devices.Get(ctx, alarm.DeviceID, alarm.CustomerID)
	if err != nil || device == nil {
		return data
	}
	if device.DisplayName != "" {
		data.Device = device.DisplayName
	} else if device.DeviceName != "" {
		data.Device = device.DeviceName
	}
	if device.HasSite() && device.Site != "" {
		data.Site = device.Site
	}
	return data
}

func kindOf(alarm alarms.Alarm) string {
	if alarm.Active() {
		return "active"
	}
	return "resolved"
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
