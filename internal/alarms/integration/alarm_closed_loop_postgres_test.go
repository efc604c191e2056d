package integration_test

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	alarmapp "powermeter-cloud/internal/alarms/application"
	alarms "powermeter-cloud/internal/alarms/domain"
	alarmrepo "powermeter-cloud/internal/alarms/infrastructure/postgres"
	"powermeter-cloud/internal/alarms/notify"
	heartbeatmemory "powermeter-cloud/internal/heartbeat/memory"
	masterdata "powermeter-cloud/internal/masterdata/domain"
	masterdatarepo "powermeter-cloud/internal/masterdata/infrastructure/postgres"
	telemetry "powermeter-cloud/internal/telemetry/domain"
	telemetryrepo "powermeter-cloud/internal/telemetry/infrastructure/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type sinkChannel struct {
	contents []string
}

func (c *sinkChannel) Send(_ context.Context, content string) error {
	c.contents = append(c.contents, content)
	return nil
}

func TestAlarmClosedLoop_Postgres(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if !tableExists(db, "alarms") || !tableExists(db, "devices") || !tableExists(db, "readings") {
		t.Skip("missing tables; run migrations")
	}

	ctx := context.Background()
	customerID := "cust-it-alarm"
	deviceID := "device-it-alarm"

	_, _ = db.ExecContext(ctx, "DELETE FROM alarms WHERE customer_id = $1", customerID)
	_, _ = db.ExecContext(ctx, "DELETE FROM readings WHERE customer_id = $1", customerID)
	_, _ = db.ExecContext(ctx, "DELETE FROM devices WHERE customer_id = $1", customerID)

	deviceRepo := masterdatarepo.NewDeviceRepository(db)
	device := &masterdata.Device{
		ID:          deviceID,
		CustomerID:  customerID,
		DeviceName:  "alarm-meter",
		DisplayName: "Alarm Meter",
		SiteID:      masterdata.NoSite,
	}
	if err := deviceRepo.Add(ctx, device); err != nil {
		t.Fatalf("add device: %v", err)
	}

	readingRepo := telemetryrepo.NewReadingRepository(db)
	alarmRepo := alarmrepo.NewAlarmRepository(db)
	start := time.Date(2026, time.January, 26, 9, 0, 0, 0, time.UTC)
	clock := &testClock{now: start}

	engine, err := alarmapp.NewEngine(alarmRepo, deviceRepo, readingRepo, heartbeatmemory.NewStore(), alarmapp.WithClock(clock))
	if err != nil {
		t.Fatalf("new alarm engine: %v", err)
	}

	old := telemetry.NewReading(customerID, deviceID, start.Add(-2*time.Hour))
	old.SiteID = masterdata.NoSite
	old.Valid = true
	if err := readingRepo.Put(ctx, &old); err != nil {
		t.Fatalf("put reading: %v", err)
	}

	engine.CheckDevice(ctx, *device)
	open, err := alarmRepo.FindActiveByDevice(ctx, customerID, deviceID)
	if err != nil {
		t.Fatalf("find active: %v", err)
	}
	if open == nil {
		t.Fatalf("expected active alarm")
	}
	if open.Emailed != alarms.NeedsEmail {
		t.Fatalf("expected needs_email, got %s", open.Emailed)
	}

	channel := &sinkChannel{}
	dispatcher, err := notify.NewDispatcher(alarmRepo, channel, notify.WithDevices(deviceRepo), notify.WithClock(clock))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	if _, err := dispatcher.Run(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	clock.Set(start.Add(10 * time.Minute))
	fresh := telemetry.NewReading(customerID, deviceID, start)
	fresh.SiteID = masterdata.NoSite
	fresh.Valid = true
	if err := readingRepo.Put(ctx, &fresh); err != nil {
		t.Fatalf("put reading: %v", err)
	}
	engine.CheckDevice(ctx, *device)

	alarm, err := alarmRepo.Get(ctx, customerID, open.ID)
	if err != nil {
		t.Fatalf("get alarm: %v", err)
	}
	if alarm == nil || alarm.State != alarms.StateResolved {
		state := "<nil>"
		if alarm != nil {
			state = string(alarm.State)
		}
		t.Fatalf("expected resolved alarm, got %s", state)
	}
	if alarm.Emailed != alarms.ResolvedNotEmailed {
		t.Fatalf("expected resolved_not_emailed, got %s", alarm.Emailed)
	}

	if _, err := dispatcher.Run(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(channel.contents) != 2 {
		t.Fatalf("expected trigger and recovery messages, got %d", len(channel.contents))
	}

	touched, err := alarmRepo.Touch(ctx, customerID, open.ID, start.Add(time.Hour))
	if err != nil {
		t.Fatalf("touch resolved: %v", err)
	}
	if touched != nil {
		t.Fatalf("touch revived resolved alarm: %+v", touched)
	}
	again, err := alarmRepo.Resolve(ctx, customerID, open.ID, start.Add(time.Hour))
	if err != nil {
		t.Fatalf("resolve twice: %v", err)
	}
	if again != nil {
		t.Fatalf("second resolve applied: %+v", again)
	}
}

func tableExists(db *sql.DB, table string) bool {
	var exists bool
	err := db.QueryRow(`
SELECT EXISTS (
	SELECT 1
	FROM information_schema.tables
	WHERE table_schema = 'public' AND table_name = $1
)`, table).Scan(&exists)
	if err != nil {
		return false
	}
	return exists
}
