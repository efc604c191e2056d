package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"powermeter-cloud/internal/heartbeat"
	masterdata "powermeter-cloud/internal/masterdata/domain"
	"powermeter-cloud/internal/observability/metrics"
	telemetry "powermeter-cloud/internal/telemetry/domain"
)

// DeviceResolver finds or provisions the device a payload names.
type DeviceResolver interface {
	Resolve(ctx context.Context, customerID, deviceName, serial, protocol string) (*masterdata.Device, string, error)
}

// AlarmSink receives per-reading health signals.
type AlarmSink interface {
	FaultDetected(ctx context.Context, customerID, deviceID, siteID, message string)
	DeviceOK(ctx context.Context, device masterdata.Device, reading telemetry.Reading)
}

// Aggregator produces site aggregates from child readings.
type Aggregator interface {
	MaybeAggregate(ctx context.Context, reading telemetry.Reading)
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

// Pipeline is the ingest entry point: parse, resolve, normalize, persist,
// then fan out to alarms and site aggregation.
type Pipeline struct {
	devices    DeviceResolver
	readings   telemetry.ReadingStore
	heartbeats heartbeat.Store
	normalizer *Normalizer
	alarms     AlarmSink
	aggregator Aggregator
	clock      Clock
	logger     zerolog.Logger
}

// PipelineOption customizes the pipeline.
type PipelineOption func(*Pipeline)

// WithNormalizer overrides the normalizer.
func WithNormalizer(normalizer *Normalizer) PipelineOption {
	return func(p *Pipeline) {
		if normalizer != nil {
			p.normalizer = normalizer
		}
	}
}

// WithAlarmSink assigns the alarm engine.
func WithAlarmSink(sink AlarmSink) PipelineOption {
	return func(p *Pipeline) {
		p.alarms = sink
	}
}

// WithAggregator assigns the site aggregator.
func WithAggregator(aggregator Aggregator) PipelineOption {
	return func(p *Pipeline) {
		p.aggregator = aggregator
	}
}

// WithClock assigns a clock.
func WithClock(clock Clock) PipelineOption {
	return func(p *Pipeline) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger zerolog.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// NewPipeline constructs a pipeline.
func NewPipeline(devices DeviceResolver, readings telemetry.ReadingStore, heartbeats heartbeat.Store, opts ...PipelineOption) (*Pipeline, error) {
	if devices == nil {
		return nil, errors.New("ingest: nil device resolver")
	}
	if readings == nil {
		return nil, errors.New("ingest: nil reading store")
	}
	if heartbeats == nil {
		return nil, errors.New("ingest: nil heartbeat store")
	}
	p := &Pipeline{
		devices:    devices,
		readings:   readings,
		heartbeats: heartbeats,
		normalizer: NewNormalizer(),
		clock:      systemClock{},
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Ingest normalizes and persists one raw payload. Rejections return an error
// wrapping telemetry.ErrInvalidPayload or a masterdata customer/license
// sentinel. Alarm and aggregation failures are logged, never returned.
func (p *Pipeline) Ingest(ctx context.Context, customerID string, raw []byte) (*telemetry.Reading, error) {
	start := time.Now()
	reading, err := p.ingest(ctx, customerID, raw)
	result := "success"
	if err != nil {
		result = rejectReason(err)
		metrics.IncIngestRejected(result)
		p.logger.Warn().Err(err).Str("customer_id", customerID).Msg("ingest rejected")
	}
	metrics.ObserveIngest(result, time.Since(start))
	return reading, err
}

func (p *Pipeline) ingest(ctx context.Context, customerID string, raw []byte) (*telemetry.Reading, error) {
	if customerID == "" {
		return nil, masterdata.ErrUnknownCustomer
	}
	payload, ts, err := ParsePayload(raw)
	if err != nil {
		return nil, err
	}
	device, _, err := p.devices.Resolve(ctx, customerID, payload.DeviceName, payload.SerialNumber, payload.Protocol)
	if err != nil {
		return nil, err
	}
	if device.Virtual {
		return nil, fmt.Errorf("%w: %q is a virtual device", telemetry.ErrInvalidPayload, payload.DeviceName)
	}
	// Strictly earlier, so a redelivered payload diffs against the same
	// predecessor and rewrites an identical reading.
	previous, err := p.readings.TotalEnergyBefore(ctx, customerID, device.ID, ts)
	if err != nil {
		return nil, fmt.Errorf("ingest: load previous cumulative: %w", err)
	}
	protocol := payload.Protocol
	if protocol == "" {
		protocol = device.Protocol
	}
	normalized, err := p.normalizer.Normalize(NormalizeInput{
		CustomerID:         customerID,
		DeviceID:           device.ID,
		SiteID:             device.SiteID,
		DeviceName:         device.DeviceName,
		DisplayName:        device.DisplayName,
		Protocol:           protocol,
		Timestamp:          ts,
		Points:             payload.Points,
		PreviousCumulative: previous,
	})
	if err != nil {
		return nil, err
	}
	reading := normalized.Reading
	if err := p.readings.Put(ctx, &reading); err != nil {
		return nil, fmt.Errorf("ingest: store reading: %w", err)
	}

	log := p.logger.With().
		Str("customer_id", customerID).
		Str("device_id", device.ID).
		Time("ts", reading.Timestamp).
		Logger()
	if err := p.heartbeats.Touch(ctx, heartbeat.Key{CustomerID: customerID, DeviceID: device.ID}, p.clock.Now()); err != nil {
		log.Warn().Err(err).Msg("heartbeat touch failed")
	}
	if normalized.Clamped != "" {
		log.Info().Str("reason", normalized.Clamped).Msg("energy delta clamped")
	}

	if p.alarms != nil {
		if normalized.Fault() {
			p.alarms.FaultDetected(ctx, customerID, device.ID, device.SiteID, normalized.FaultMessage)
		} else {
			p.alarms.DeviceOK(ctx, *device, reading)
		}
	}
	if p.aggregator != nil && device.HasSite() {
		p.aggregator.MaybeAggregate(ctx, reading)
	}
	return &reading, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, telemetry.ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, masterdata.ErrUnknownCustomer):
		return "unknown_customer"
	case errors.Is(err, masterdata.ErrCustomerDisabled):
		return "customer_disabled"
	case errors.Is(err, masterdata.ErrLicenseExceeded):
		return "license_exceeded"
	default:
		return "error"
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
