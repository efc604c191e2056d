package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"powermeter-cloud/internal/lock"
	masterdata "powermeter-cloud/internal/masterdata/domain"
	"powermeter-cloud/internal/observability/metrics"
	telemetry "powermeter-cloud/internal/telemetry/domain"
)

const (
	// DefaultLease bounds how long one aggregation may hold a site bucket.
	DefaultLease = 30 * time.Second
	// DefaultReadinessTimeout bounds the wait for the triggering reading to
	// become readable.
	DefaultReadinessTimeout = 2 * time.Second
	// DefaultReadinessInterval is the first pause of that wait.
	DefaultReadinessInterval = 50 * time.Millisecond
)

// SiteDirectory resolves sites and their children.
type SiteDirectory interface {
	Get(ctx context.Context, id, customerID string) (*masterdata.Device, error)
	ListBySite(ctx context.Context, customerID, siteID string) ([]masterdata.Device, error)
}

// Locator resolves a device location, possibly lazily.
type Locator interface {
	Locate(ctx context.Context, device *masterdata.Device) (*masterdata.Location, error)
}

// Weather is the conditions at a site for a bucket.
type Weather struct {
	Temperature float64
	CloudCover  float64
	Summary     string
}

// WeatherSource looks up weather at a location.
type WeatherSource interface {
	Weather(ctx context.Context, location masterdata.Location, at time.Time) (*Weather, error)
}

// Coordinator computes one aggregate reading per site and bucket once every
// expected child has reported.
type Coordinator struct {
	devices  SiteDirectory
	readings telemetry.ReadingStore
	locker   lock.Locker
	locator  Locator
	weather  WeatherSource
	lease    time.Duration
	ready    time.Duration
	interval time.Duration
	logger   zerolog.Logger
}

// Option configures the coordinator.
type Option func(*Coordinator)

// WithLocator enables location enrichment.
func WithLocator(locator Locator) Option {
	return func(c *Coordinator) {
		c.locator = locator
	}
}

// WithWeather enables weather enrichment.
func WithWeather(source WeatherSource) Option {
	return func(c *Coordinator) {
		c.weather = source
	}
}

// WithLease overrides the lock lease.
func WithLease(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.lease = d
		}
	}
}

// WithReadiness tunes the visibility wait for the triggering reading.
func WithReadiness(timeout, interval time.Duration) Option {
	return func(c *Coordinator) {
		if timeout >= 0 {
			c.ready = timeout
		}
		if interval > 0 {
			c.interval = interval
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// NewCoordinator constructs a coordinator.
func NewCoordinator(devices SiteDirectory, readings telemetry.ReadingStore, locker lock.Locker, opts ...Option) (*Coordinator, error) {
	if devices == nil {
		return nil, errors.New("aggregation: nil site directory")
	}
	if readings == nil {
		return nil, errors.New("aggregation: nil reading store")
	}
	if locker == nil {
		return nil, errors.New("aggregation: nil locker")
	}
	c := &Coordinator{
		devices:  devices,
		readings: readings,
		locker:   locker,
		lease:    DefaultLease,
		ready:    DefaultReadinessTimeout,
		interval: DefaultReadinessInterval,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// LockKey is the mutex key of one site bucket.
func LockKey(siteID string, ts time.Time) string {
	return siteID + ":" + ts.UTC().Format(time.RFC3339)
}

// MaybeAggregate writes the site aggregate for reading's bucket when the
// reading completes the set of expected children. Failures are logged; a
// partial aggregate is never written.
func (c *Coordinator) MaybeAggregate(ctx context.Context, reading telemetry.Reading) {
	start := time.Now()
	log := c.logger.With().
		Str("customer_id", reading.CustomerID).
		Str("site_id", reading.SiteID).
		Str("device_id", reading.DeviceID).
		Time("ts", reading.Timestamp).
		Logger()

	outcome, err := c.aggregate(ctx, reading, log)
	metrics.ObserveAggregation(outcome, time.Since(start))
	switch {
	case err != nil:
		log.Error().Err(err).Msg("site aggregation failed")
	case outcome == metrics.AggregationWritten:
		log.Info().Dur("took", time.Since(start)).Msg("site aggregate written")
	default:
		log.Debug().Str("outcome", outcome).Msg("site aggregation skipped")
	}
}

func (c *Coordinator) aggregate(ctx context.Context, reading telemetry.Reading, log zerolog.Logger) (string, error) {
	if reading.Virtual || reading.SiteID == "" || reading.SiteID == masterdata.NoSite {
		return metrics.AggregationNoSite, nil
	}
	site, err := c.devices.Get(ctx, reading.SiteID, reading.CustomerID)
	if err != nil {
		return metrics.AggregationError, fmt.Errorf("aggregation: load site: %w", err)
	}
	if site == nil {
		log.Warn().Msg("site device missing")
		return metrics.AggregationNoSite, nil
	}

	visible, err := lock.Poll(ctx, c.ready, c.interval, func(ctx context.Context) (bool, error) {
		stored, err := c.readings.Get(ctx, reading.CustomerID, reading.DeviceID, reading.Timestamp)
		return stored != nil, err
	})
	if err != nil {
		return metrics.AggregationError, fmt.Errorf("aggregation: wait for reading: %w", err)
	}
	if !visible {
		return metrics.AggregationNotVisible, nil
	}

	children, err := c.expectedChildren(ctx, *site)
	if err != nil {
		return metrics.AggregationError, err
	}
	siblings := make([]string, 0, len(children))
	triggerExpected := false
	for _, child := range children {
		if child.ID == reading.DeviceID {
			triggerExpected = true
			continue
		}
		siblings = append(siblings, child.ID)
	}
	if !triggerExpected {
		return metrics.AggregationNotReady, nil
	}
	stored, err := c.readings.CountDistinctDevices(ctx, reading.CustomerID, site.ID, reading.Timestamp, siblings)
	if err != nil {
		return metrics.AggregationError, fmt.Errorf("aggregation: count siblings: %w", err)
	}
	if stored != len(children)-1 {
		return metrics.AggregationNotReady, nil
	}

	lease, err := c.locker.TryAcquire(ctx, LockKey(site.ID, reading.Timestamp), c.lease)
	if err != nil {
		return metrics.AggregationError, fmt.Errorf("aggregation: acquire lock: %w", err)
	}
	if lease == nil {
		return metrics.AggregationLockBusy, nil
	}
	defer func() {
		if err := c.locker.Release(context.WithoutCancel(ctx), lease); err != nil {
			log.Warn().Err(err).Msg("lock release failed")
		}
	}()

	return c.write(ctx, *site, children, reading.Timestamp, log)
}

func (c *Coordinator) expectedChildren(ctx context.Context, site masterdata.Device) ([]masterdata.Device, error) {
	devices, err := c.devices.ListBySite(ctx, site.CustomerID, site.ID)
	if err != nil {
		return nil, fmt.Errorf("aggregation: list children: %w", err)
	}
	children := make([]masterdata.Device, 0, len(devices))
	for _, device := range devices {
		if device.ID == site.ID || device.Disabled || !device.Physical() || device.SiteID != site.ID {
			continue
		}
		children = append(children, device)
	}
	return children, nil
}

func (c *Coordinator) write(ctx context.Context, site masterdata.Device, children []masterdata.Device, ts time.Time, log zerolog.Logger) (string, error) {
	readings, err := c.readings.ListBySite(ctx, site.CustomerID, site.ID, ts)
	if err != nil {
		return metrics.AggregationError, fmt.Errorf("aggregation: list readings: %w", err)
	}
	expected := make(map[string]struct{}, len(children))
	for _, child := range children {
		expected[child.ID] = struct{}{}
	}
	power := make([]float64, 0, len(readings))
	energy := make([]float64, 0, len(readings))
	for _, r := range readings {
		if _, ok := expected[r.DeviceID]; !ok {
			continue
		}
		power = append(power, r.TotalRealPower)
		energy = append(energy, r.EnergyConsumed)
	}

	aggregate := telemetry.NewReading(site.CustomerID, site.ID, ts)
	aggregate.SiteID = site.ID
	aggregate.DeviceName = site.DeviceName
	aggregate.DisplayName = site.DisplayName
	aggregate.Virtual = true
	aggregate.IsSite = site.IsSite
	aggregate.Valid = true
	var okPower, okEnergy bool
	aggregate.TotalRealPower, okPower = Fold(power, site.Subtractive)
	aggregate.EnergyConsumed, okEnergy = Fold(energy, site.Subtractive)
	if !okPower && !okEnergy {
		return metrics.AggregationNoMeasures, nil
	}

	c.enrich(ctx, &site, &aggregate, log)

	if err := c.readings.Put(ctx, &aggregate); err != nil {
		return metrics.AggregationError, fmt.Errorf("aggregation: store aggregate: %w", err)
	}
	return metrics.AggregationWritten, nil
}

// enrich is best-effort: a missing location or weather leaves the fields
// marked not reported.
func (c *Coordinator) enrich(ctx context.Context, site *masterdata.Device, aggregate *telemetry.Reading, log zerolog.Logger) {
	location := site.Location
	if location == nil && c.locator != nil {
		found, err := c.locator.Locate(ctx, site)
		if err != nil {
			log.Warn().Err(err).Msg("site location lookup failed")
		}
		location = found
	}
	if location == nil {
		return
	}
	aggregate.Latitude = location.Latitude
	aggregate.Longitude = location.Longitude
	if c.weather == nil {
		return
	}
	weather, err := c.weather.Weather(ctx, *location, aggregate.Timestamp)
	if err != nil {
		log.Warn().Err(err).Msg("site weather lookup failed")
		return
	}
	if weather == nil {
		return
	}
	aggregate.Temperature = weather.Temperature
	aggregate.CloudCover = weather.CloudCover
	aggregate.WeatherSummary = weather.Summary
}
