package application_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	aggregationapp "powermeter-cloud/internal/aggregation/application"
	heartbeatmemory "powermeter-cloud/internal/heartbeat/memory"
	lockmemory "powermeter-cloud/internal/lock/memory"
	masterdataapp "powermeter-cloud/internal/masterdata/application"
	masterdata "powermeter-cloud/internal/masterdata/domain"
	devicememory "powermeter-cloud/internal/masterdata/infrastructure/memory"
	telemetryapp "powermeter-cloud/internal/telemetry/application"
	readingmemory "powermeter-cloud/internal/telemetry/infrastructure/memory"
)

var bucket = time.Date(2024, 6, 1, 12, 15, 0, 0, time.UTC)

func TestConcurrentChildrenProduceOneAggregate(t *testing.T) {
	ctx := context.Background()
	store := devicememory.NewDeviceStore()
	subs := devicememory.NewSubscriptions(masterdata.Subscription{CustomerID: "cust-1", Packs: 1, Active: true})
	cached, err := masterdataapp.NewCachedStore(store)
	require.NoError(t, err)
	directory, err := masterdataapp.NewDirectory(cached, subs)
	require.NoError(t, err)

	site := &masterdata.Device{ID: "site-1", CustomerID: "cust-1", DeviceName: "Plant", DisplayName: "Plant", IsSite: true}
	require.NoError(t, directory.Add(ctx, site))
	for i := 1; i <= 5; i++ {
		child := &masterdata.Device{ID: fmt.Sprintf("dev-%d", i), CustomerID: "cust-1", DeviceName: fmt.Sprintf("meter-%d", i), SiteID: site.ID}
		require.NoError(t, directory.Add(ctx, child))
	}

	readings := readingmemory.NewReadingStore()
	coordinator, err := aggregationapp.NewCoordinator(cached, readings, lockmemory.NewLocker())
	require.NoError(t, err)
	pipeline, err := telemetryapp.NewPipeline(directory, readings, heartbeatmemory.NewStore(), telemetryapp.WithAggregator(coordinator))
	require.NoError(t, err)

	const power = 7.25
	var g errgroup.Group
	for i := 1; i <= 5; i++ {
		payload := []byte(fmt.Sprintf(`{"device_name":"meter-%d","timestamp":"2024-06-01T12:16:40Z","points":{"Total Real Power":%g}}`, i, power))
		g.Go(func() error {
			_, err := pipeline.Ingest(ctx, "cust-1", payload)
			return err
		})
	}
	require.NoError(t, g.Wait())

	children, err := readings.ListBySite(ctx, "cust-1", "site-1", bucket)
	require.NoError(t, err)
	assert.Len(t, children, 5)

	aggregate, err := readings.Get(ctx, "cust-1", "site-1", bucket)
	require.NoError(t, err)
	require.NotNil(t, aggregate)
	assert.Equal(t, 5*power, aggregate.TotalRealPower)
	assert.True(t, aggregate.Virtual)
	// child readings plus exactly one site aggregate
	assert.Equal(t, 6, readings.Len())
}
