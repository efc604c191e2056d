package postgres_test

import (
	"context"
	"database/sql"
	"os"
	"testing"

	masterdata "powermeter-cloud/internal/masterdata/domain"
	"powermeter-cloud/internal/masterdata/infrastructure/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	var regclass sql.NullString
	if err := db.QueryRow("SELECT to_regclass('public.devices')").Scan(&regclass); err != nil || !regclass.Valid {
		t.Skip("devices missing; run migrations")
	}
	return db
}

func TestDeviceRepository_Postgres(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	customerID := "cust-device-it"
	_, _ = db.ExecContext(ctx, "DELETE FROM devices WHERE customer_id = $1", customerID)
	t.Cleanup(func() { _, _ = db.ExecContext(ctx, "DELETE FROM devices WHERE customer_id = $1", customerID) })

	repo := postgres.NewDeviceRepository(db)
	site := &masterdata.Device{ID: "site-1", CustomerID: customerID, DisplayName: "Plant", SiteID: "site-1", Site: "Plant", Virtual: true, IsSite: true}
	meter := &masterdata.Device{
		ID: "meter-1", CustomerID: customerID, DeviceName: "m1", DisplayName: "Meter 1",
		SiteID: "site-1", Site: "Plant", Protocol: "obvius",
		Location: &masterdata.Location{Latitude: 52.5, Longitude: 13.4},
	}
	for _, device := range []*masterdata.Device{site, meter} {
		if err := repo.Add(ctx, device); err != nil {
			t.Fatalf("add %s: %v", device.ID, err)
		}
	}

	got, err := repo.FindByName(ctx, customerID, "m1")
	if err != nil || got == nil {
		t.Fatalf("find by name: %v %v", got, err)
	}
	if got.Location == nil || got.Location.Latitude != 52.5 {
		t.Fatalf("expected stored location, got %+v", got.Location)
	}
	if missing, err := repo.Get(ctx, "nope", customerID); err != nil || missing != nil {
		t.Fatalf("expected (nil, nil), got %v %v", missing, err)
	}

	children, err := repo.ListBySite(ctx, customerID, "site-1")
	if err != nil {
		t.Fatalf("list by site: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("expected site and meter, got %d", len(children))
	}
	count, err := repo.Count(ctx, customerID)
	if err != nil || count != 2 {
		t.Fatalf("count: %d %v", count, err)
	}

	// A batch with a missing device changes nothing.
	renamed := *meter
	renamed.DisplayName = "Renamed"
	ghost := masterdata.Device{ID: "ghost", CustomerID: customerID, DeviceName: "ghost"}
	if err := repo.UpdateBatch(ctx, []masterdata.Device{renamed, ghost}); err == nil {
		t.Fatalf("expected batch failure")
	}
	got, err = repo.Get(ctx, "meter-1", customerID)
	if err != nil || got == nil || got.DisplayName != "Meter 1" {
		t.Fatalf("expected rollback, got %+v %v", got, err)
	}

	if err := repo.Update(ctx, &renamed); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err = repo.FindByDisplayName(ctx, customerID, "Renamed")
	if err != nil || got == nil || got.ID != "meter-1" {
		t.Fatalf("find renamed: %+v %v", got, err)
	}

	if err := repo.Delete(ctx, "meter-1", customerID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if gone, _ := repo.Get(ctx, "meter-1", customerID); gone != nil {
		t.Fatalf("expected device deleted")
	}
}
