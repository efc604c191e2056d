package application

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"powermeter-cloud/internal/heartbeat"
	heartbeatmemory "powermeter-cloud/internal/heartbeat/memory"
	masterdataapp "powermeter-cloud/internal/masterdata/application"
	masterdata "powermeter-cloud/internal/masterdata/domain"
	devicememory "powermeter-cloud/internal/masterdata/infrastructure/memory"
	telemetry "powermeter-cloud/internal/telemetry/domain"
	readingmemory "powermeter-cloud/internal/telemetry/infrastructure/memory"
)

type sinkCall struct {
	kind     string
	deviceID string
	message  string
}

type recordingSink struct {
	mu    sync.Mutex
	calls []sinkCall
}

func (s *recordingSink) FaultDetected(_ context.Context, _, deviceID, _, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sinkCall{kind: "fault", deviceID: deviceID, message: message})
}

func (s *recordingSink) DeviceOK(_ context.Context, device masterdata.Device, _ telemetry.Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sinkCall{kind: "ok", deviceID: device.ID})
}

type recordingAggregator struct {
	readings []telemetry.Reading
}

func (a *recordingAggregator) MaybeAggregate(_ context.Context, reading telemetry.Reading) {
	a.readings = append(a.readings, reading)
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type pipelineFixture struct {
	pipeline   *Pipeline
	directory  *masterdataapp.Directory
	subs       *devicememory.Subscriptions
	readings   *readingmemory.ReadingStore
	heartbeats *heartbeatmemory.Store
	sink       *recordingSink
	aggregator *recordingAggregator
	now        time.Time
}

func newPipelineFixture(t *testing.T, packs int) *pipelineFixture {
	t.Helper()
	f := &pipelineFixture{
		subs:       devicememory.NewSubscriptions(masterdata.Subscription{CustomerID: "cust-1", Packs: packs, Active: true}),
		readings:   readingmemory.NewReadingStore(),
		heartbeats: heartbeatmemory.NewStore(),
		sink:       &recordingSink{},
		aggregator: &recordingAggregator{},
		now:        time.Date(2024, 5, 1, 12, 3, 0, 0, time.UTC),
	}
	directory, err := masterdataapp.NewDirectory(devicememory.NewDeviceStore(), f.subs, masterdataapp.WithDevicesPerPack(2))
	require.NoError(t, err)
	f.directory = directory
	pipeline, err := NewPipeline(directory, f.readings, f.heartbeats,
		WithAlarmSink(f.sink),
		WithAggregator(f.aggregator),
		WithClock(fixedClock{now: f.now}),
	)
	require.NoError(t, err)
	f.pipeline = pipeline
	return f
}

func payload(name, ts string, points string) []byte {
	return []byte(fmt.Sprintf(`{"device_name":%q,"timestamp":%q,"points":{%s}}`, name, ts, points))
}

func TestIngestProvisionsAndStores(t *testing.T) {
	f := newPipelineFixture(t, 1)
	ctx := context.Background()

	reading, err := f.pipeline.Ingest(ctx, "cust-1", payload("meter-1", "2024-05-01T12:07:30Z", `"Total Real Power": 4.2, "Energy Consumed": 1000`))
	require.NoError(t, err)
	require.NotNil(t, reading)
	assert.True(t, reading.Timestamp.Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)))
	assert.Equal(t, 4.2, reading.TotalRealPower)
	assert.Equal(t, 1000.0, reading.TotalEnergyConsumed)
	assert.Equal(t, telemetry.NotReported, reading.EnergyConsumed)
	assert.True(t, reading.Valid)

	stored, err := f.readings.Get(ctx, "cust-1", reading.DeviceID, reading.Timestamp)
	require.NoError(t, err)
	require.NotNil(t, stored)

	touched, err := f.heartbeats.LastTouch(ctx, heartbeat.Key{CustomerID: "cust-1", DeviceID: reading.DeviceID})
	require.NoError(t, err)
	assert.True(t, touched.Equal(f.now))

	require.Len(t, f.sink.calls, 1)
	assert.Equal(t, "ok", f.sink.calls[0].kind)
	assert.Empty(t, f.aggregator.readings, "device without a site must not trigger aggregation")
}

func TestIngestComputesDeltaFromPrevious(t *testing.T) {
	f := newPipelineFixture(t, 1)
	ctx := context.Background()

	_, err := f.pipeline.Ingest(ctx, "cust-1", payload("meter-1", "2024-05-01T12:00:00Z", `"Energy Consumed": 1000`))
	require.NoError(t, err)
	reading, err := f.pipeline.Ingest(ctx, "cust-1", payload("meter-1", "2024-05-01T12:15:00Z", `"Energy Consumed": 1012.5`))
	require.NoError(t, err)

	assert.Equal(t, 1012.5, reading.TotalEnergyConsumed)
	assert.Equal(t, 12.5, reading.EnergyConsumed)
}

func TestIngestRedeliveryKeepsStoredDelta(t *testing.T) {
	f := newPipelineFixture(t, 1)
	ctx := context.Background()

	_, err := f.pipeline.Ingest(ctx, "cust-1", payload("meter-1", "2024-05-01T12:00:00Z", `"Energy Consumed": 100`))
	require.NoError(t, err)
	first, err := f.pipeline.Ingest(ctx, "cust-1", payload("meter-1", "2024-05-01T12:15:00Z", `"Energy Consumed": 110`))
	require.NoError(t, err)
	require.Equal(t, 10.0, first.EnergyConsumed)

	again, err := f.pipeline.Ingest(ctx, "cust-1", payload("meter-1", "2024-05-01T12:15:00Z", `"Energy Consumed": 110`))
	require.NoError(t, err)
	assert.Equal(t, 10.0, again.EnergyConsumed)

	stored, err := f.readings.Get(ctx, "cust-1", first.DeviceID, first.Timestamp)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, 10.0, stored.EnergyConsumed)
	assert.Equal(t, 110.0, stored.TotalEnergyConsumed)
}

func TestIngestFaultRaisesAlarm(t *testing.T) {
	f := newPipelineFixture(t, 1)
	ctx := context.Background()

	reading, err := f.pipeline.Ingest(ctx, "cust-1", payload("meter-1", "2024-05-01T12:00:00Z", `"Error Code": "17", "Energy Consumed": 50`))
	require.NoError(t, err)
	assert.False(t, reading.Valid)
	assert.Equal(t, 0.0, reading.EnergyConsumed)

	require.Len(t, f.sink.calls, 1)
	assert.Equal(t, "fault", f.sink.calls[0].kind)
	assert.Equal(t, "Device reported error code 17", f.sink.calls[0].message)
}

func TestIngestTriggersAggregationForSiteDevices(t *testing.T) {
	f := newPipelineFixture(t, 1)
	ctx := context.Background()
	site := &masterdata.Device{ID: "site-1", CustomerID: "cust-1", DeviceName: "Plant", IsSite: true}
	require.NoError(t, f.directory.Add(ctx, site))
	child := &masterdata.Device{ID: "dev-1", CustomerID: "cust-1", DeviceName: "meter-1", SiteID: "site-1"}
	require.NoError(t, f.directory.Add(ctx, child))

	_, err := f.pipeline.Ingest(ctx, "cust-1", payload("meter-1", "2024-05-01T12:00:00Z", `"Total Real Power": 1`))
	require.NoError(t, err)

	require.Len(t, f.aggregator.readings, 1)
	assert.Equal(t, "site-1", f.aggregator.readings[0].SiteID)
}

func TestIngestRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid payload", func(t *testing.T) {
		f := newPipelineFixture(t, 1)
		_, err := f.pipeline.Ingest(ctx, "cust-1", []byte(`{"device_name":"meter-1","timestamp":"2024-05-01T12:00:00"}`))
		require.ErrorIs(t, err, telemetry.ErrInvalidPayload)
		assert.Zero(t, f.readings.Len())
	})

	t.Run("unknown customer", func(t *testing.T) {
		f := newPipelineFixture(t, 1)
		_, err := f.pipeline.Ingest(ctx, "cust-404", payload("meter-1", "2024-05-01T12:00:00Z", ""))
		require.ErrorIs(t, err, masterdata.ErrUnknownCustomer)
	})

	t.Run("disabled customer", func(t *testing.T) {
		f := newPipelineFixture(t, 1)
		f.subs.Set(masterdata.Subscription{CustomerID: "cust-1", Packs: 1, Active: false})
		_, err := f.pipeline.Ingest(ctx, "cust-1", payload("meter-1", "2024-05-01T12:00:00Z", ""))
		require.ErrorIs(t, err, masterdata.ErrCustomerDisabled)
	})

	t.Run("license exceeded", func(t *testing.T) {
		f := newPipelineFixture(t, 1)
		for _, name := range []string{"meter-1", "meter-2"} {
			_, err := f.pipeline.Ingest(ctx, "cust-1", payload(name, "2024-05-01T12:00:00Z", ""))
			require.NoError(t, err)
		}
		_, err := f.pipeline.Ingest(ctx, "cust-1", payload("meter-3", "2024-05-01T12:00:00Z", ""))
		require.ErrorIs(t, err, masterdata.ErrLicenseExceeded)
		assert.Equal(t, 2, f.readings.Len())

		// Known devices keep reporting at the limit.
		_, err = f.pipeline.Ingest(ctx, "cust-1", payload("meter-1", "2024-05-01T12:15:00Z", ""))
		require.NoError(t, err)
	})

	t.Run("virtual device", func(t *testing.T) {
		f := newPipelineFixture(t, 1)
		require.NoError(t, f.directory.Add(ctx, &masterdata.Device{ID: "site-1", CustomerID: "cust-1", DeviceName: "Plant", IsSite: true}))
		_, err := f.pipeline.Ingest(ctx, "cust-1", payload("Plant", "2024-05-01T12:00:00Z", ""))
		require.ErrorIs(t, err, telemetry.ErrInvalidPayload)
	})
}

func TestRejectReason(t *testing.T) {
	assert.Equal(t, "invalid_payload", rejectReason(fmt.Errorf("wrap: %w", telemetry.ErrInvalidPayload)))
	assert.Equal(t, "license_exceeded", rejectReason(masterdata.ErrLicenseExceeded))
	assert.Equal(t, "error", rejectReason(fmt.Errorf("boom")))
}
