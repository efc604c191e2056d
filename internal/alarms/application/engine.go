package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	alarms "powermeter-cloud/internal/alarms/domain"
	"powermeter-cloud/internal/heartbeat"
	masterdata "powermeter-cloud/internal/masterdata/domain"
	"powermeter-cloud/internal/observability/metrics"
	telemetry "powermeter-cloud/internal/telemetry/domain"
)

const (
	DefaultStaleness        = time.Hour
	DefaultQuickThreshold   = 30 * time.Minute
	DefaultRetention        = 365 * 24 * time.Hour
	DefaultSweepParallelism = 8
)

// Lifecycle event types.
const (
	EventActive   = "active"
	EventUpdated  = "updated"
	EventResolved = "resolved"
)

// AlarmNotifier publishes alarm lifecycle events.
type AlarmNotifier interface {
	Notify(ctx context.Context, event AlarmEvent)
}

// AlarmEvent represents a lifecycle update.
type AlarmEvent struct {
	Type  string       `json:"type"`
	Alarm alarms.Alarm `json:"alarm"`
}

// DeviceReader loads devices for the stale sweep.
type DeviceReader interface {
	Get(ctx context.Context, id, customerID string) (*masterdata.Device, error)
}

// LatestReadings reports when a device last produced a reading.
type LatestReadings interface {
	LatestTimestamp(ctx context.Context, customerID, deviceID string) (time.Time, error)
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

// Engine keeps at most one active alarm per device and moves it through
// active and resolved as faults and stale data are detected and cleared.
// Mutations are best-effort: failures are logged, not returned to ingest.
type Engine struct {
	alarms      alarms.Store
	devices     DeviceReader
	readings    LatestReadings
	heartbeats  heartbeat.Store
	notifier    AlarmNotifier
	clock       Clock
	logger      zerolog.Logger
	staleness   time.Duration
	quick       time.Duration
	retention   time.Duration
	parallelism int
	newID       func() string
}

// EngineOption customizes the engine.
type EngineOption func(*Engine)

// WithNotifier assigns a notifier.
func WithNotifier(notifier AlarmNotifier) EngineOption {
	return func(e *Engine) {
		e.notifier = notifier
	}
}

// WithClock assigns a clock.
func WithClock(clock Clock) EngineOption {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger zerolog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithStaleness overrides how old the latest reading may be before a
// device is considered offline.
func WithStaleness(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.staleness = d
		}
	}
}

// WithQuickThreshold overrides the heartbeat age that triggers a check.
func WithQuickThreshold(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.quick = d
		}
	}
}

// WithRetention overrides how long alarms are kept.
func WithRetention(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.retention = d
		}
	}
}

// WithSweepParallelism bounds concurrent device checks in the quick sweep.
func WithSweepParallelism(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

// WithIDGenerator overrides alarm id generation.
func WithIDGenerator(fn func() string) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

// NewEngine constructs an alarm engine.
func NewEngine(store alarms.Store, devices DeviceReader, readings LatestReadings, heartbeats heartbeat.Store, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, errors.New("alarms: nil store")
	}
	if devices == nil {
		return nil, errors.New("alarms: nil device reader")
	}
	if readings == nil {
		return nil, errors.New("alarms: nil reading source")
	}
	if heartbeats == nil {
		return nil, errors.New("alarms: nil heartbeat store")
	}
	e := &Engine{
		alarms:      store,
		devices:     devices,
		readings:    readings,
		heartbeats:  heartbeats,
		clock:       systemClock{},
		logger:      zerolog.Nop(),
		staleness:   DefaultStaleness,
		quick:       DefaultQuickThreshold,
		retention:   DefaultRetention,
		parallelism: DefaultSweepParallelism,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// FaultDetected records a device-reported fault. Faults are informational
// and never paged.
func (e *Engine) FaultDetected(ctx context.Context, customerID, deviceID, siteID, message string) {
	if _, err := e.raise(ctx, customerID, deviceID, siteID, message, alarms.DontEmail); err != nil {
		e.logger.Error().Err(err).Str("customer_id", customerID).Str("device_id", deviceID).Msg("fault alarm failed")
	}
}

// AlarmConditionDetected records a condition that should page a human.
func (e *Engine) AlarmConditionDetected(ctx context.Context, customerID, deviceID, siteID, message string) {
	if _, err := e.raise(ctx, customerID, deviceID, siteID, message, alarms.NeedsEmail); err != nil {
		e.logger.Error().Err(err).Str("customer_id", customerID).Str("device_id", deviceID).Msg("alarm condition failed")
	}
}

// raise opens an alarm, or bumps LastUpdate of the one already open. The
// first message and start date win.
func (e *Engine) raise(ctx context.Context, customerID, deviceID, siteID, message string, emailed alarms.EmailState) (*alarms.Alarm, error) {
	if customerID == "" || deviceID == "" {
		return nil, nil
	}
	existing, err := e.alarms.FindActiveByDevice(ctx, customerID, deviceID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return e.touch(ctx, existing)
	}

	now := e.clock.Now().UTC()
	alarm := &alarms.Alarm{
		ID:         e.newID(),
		CustomerID: customerID,
		DeviceID:   deviceID,
		SiteID:     siteID,
		Message:    message,
		State:      alarms.StateActive,
		StartDate:  now,
		LastUpdate: now,
		Emailed:    emailed,
	}
	if err := e.alarms.Create(ctx, alarm); err != nil {
		// A concurrent raise may have created the alarm first.
		raced, findErr := e.alarms.FindActiveByDevice(ctx, customerID, deviceID)
		if findErr != nil || raced == nil {
			return nil, fmt.Errorf("alarms: create: %w", err)
		}
		return e.touch(ctx, raced)
	}
	e.logger.Info().
		Str("customer_id", customerID).
		Str("device_id", deviceID).
		Str("alarm_id", alarm.ID).
		Str("emailed", string(emailed)).
		Msg("alarm raised")
	e.notify(ctx, EventActive, *alarm)
	return alarm, nil
}

// touch bumps LastUpdate. An alarm resolved since it was read stays
// resolved; the touch is ordered before the resolve.
func (e *Engine) touch(ctx context.Context, alarm *alarms.Alarm) (*alarms.Alarm, error) {
	touched, err := e.alarms.Touch(ctx, alarm.CustomerID, alarm.ID, e.clock.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("alarms: update: %w", err)
	}
	if touched == nil {
		e.logger.Debug().Str("customer_id", alarm.CustomerID).Str("alarm_id", alarm.ID).Msg("alarm resolved before touch")
		return alarm, nil
	}
	e.notify(ctx, EventUpdated, *touched)
	return touched, nil
}

// DeviceOK resolves any open alarm after a valid reading.
func (e *Engine) DeviceOK(ctx context.Context, device masterdata.Device, _ telemetry.Reading) {
	if _, err := e.resolve(ctx, device.CustomerID, device.ID); err != nil {
		e.logger.Error().Err(err).Str("customer_id", device.CustomerID).Str("device_id", device.ID).Msg("alarm resolve failed")
	}
}

// CheckDevice raises a staleness alarm when the latest reading is older
// than the staleness threshold, otherwise resolves an open alarm. Disabled
// and virtual devices, and devices that never reported, are skipped.
func (e *Engine) CheckDevice(ctx context.Context, device masterdata.Device) {
	if device.Disabled || device.Virtual {
		return
	}
	log := e.logger.With().Str("customer_id", device.CustomerID).Str("device_id", device.ID).Logger()
	latest, err := e.readings.LatestTimestamp(ctx, device.CustomerID, device.ID)
	if err != nil {
		log.Error().Err(err).Msg("latest reading lookup failed")
		return
	}
	if latest.IsZero() {
		return
	}
	now := e.clock.Now().UTC()
	if now.Sub(latest) > e.staleness {
		name := device.DisplayName
		if name == "" {
			name = device.DeviceName
		}
		message := fmt.Sprintf("No data recently from device %s since %s", name, latest.UTC().Format(time.RFC3339))
		e.AlarmConditionDetected(ctx, device.CustomerID, device.ID, device.SiteID, message)
		return
	}
	if _, err := e.resolve(ctx, device.CustomerID, device.ID); err != nil {
		log.Error().Err(err).Msg("alarm resolve failed")
	}
}

func (e *Engine) resolve(ctx context.Context, customerID, deviceID string) (*alarms.Alarm, error) {
	if customerID == "" || deviceID == "" {
		return nil, nil
	}
	alarm, err := e.alarms.FindActiveByDevice(ctx, customerID, deviceID)
	if err != nil || alarm == nil {
		return nil, err
	}
	resolved, err := e.alarms.Resolve(ctx, customerID, alarm.ID, e.clock.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("alarms: resolve: %w", err)
	}
	if resolved == nil {
		// Another caller resolved it first and emitted the event.
		return nil, nil
	}
	alarm = resolved
	e.logger.Info().Str("customer_id", customerID).Str("device_id", deviceID).Str("alarm_id", alarm.ID).Msg("alarm resolved")
	e.notify(ctx, EventResolved, *alarm)
	return alarm, nil
}

// QuickCheckDevices runs CheckDevice on every device whose heartbeat is
// older than the quick threshold and returns how many were checked.
// Devices without a heartbeat are never listed; unknown devices are skipped.
func (e *Engine) QuickCheckDevices(ctx context.Context) (int, error) {
	threshold := e.clock.Now().UTC().Add(-e.quick)
	keys, err := e.heartbeats.AllOlderThan(ctx, threshold)
	if err != nil {
		return 0, fmt.Errorf("alarms: list stale heartbeats: %w", err)
	}
	checked := make([]bool, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for i, key := range keys {
		g.Go(func() error {
			device, err := e.devices.Get(gctx, key.DeviceID, key.CustomerID)
			if err != nil {
				e.logger.Warn().Err(err).Str("customer_id", key.CustomerID).Str("device_id", key.DeviceID).Msg("sweep device lookup failed")
				return nil
			}
			if device == nil {
				return nil
			}
			e.CheckDevice(gctx, *device)
			checked[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	count := 0
	for _, ok := range checked {
		if ok {
			count++
		}
	}
	e.logger.Debug().Int("stale", len(keys)).Int("checked", count).Msg("quick check complete")
	return count, nil
}

// FilterAlarms lists alarms by device, else site, else customer.
// A blank customer yields nothing.
func (e *Engine) FilterAlarms(ctx context.Context, customerID, siteID, deviceID string) ([]alarms.Alarm, error) {
	switch {
	case customerID == "":
		return nil, nil
	case deviceID != "":
		return e.alarms.ListByDevice(ctx, customerID, deviceID)
	case siteID != "":
		return e.alarms.ListBySite(ctx, customerID, siteID)
	default:
		return e.alarms.ListByCustomer(ctx, customerID)
	}
}

// CleanupOldAlarms deletes alarms started before the retention horizon.
func (e *Engine) CleanupOldAlarms(ctx context.Context) (int64, error) {
	cutoff := e.clock.Now().UTC().Add(-e.retention)
	removed, err := e.alarms.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("alarms: cleanup: %w", err)
	}
	if removed > 0 {
		e.logger.Info().Int64("removed", removed).Time("cutoff", cutoff).Msg("old alarms deleted")
	}
	return removed, nil
}

func (e *Engine) notify(ctx context.Context, eventType string, alarm alarms.Alarm) {
	metrics.IncAlarmEvent(eventType)
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(ctx, AlarmEvent{Type: eventType, Alarm: alarm})
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
