package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"powermeter-cloud/internal/audit"
	"powermeter-cloud/internal/auth"
	"powermeter-cloud/internal/masterdata/application"
	masterdata "powermeter-cloud/internal/masterdata/domain"
	"powermeter-cloud/internal/masterdata/infrastructure/memory"
	telemetry "powermeter-cloud/internal/telemetry/domain"
	telemetrymemory "powermeter-cloud/internal/telemetry/infrastructure/memory"
)

type fixture struct {
	router   http.Handler
	store    *memory.DeviceStore
	readings *telemetrymemory.ReadingStore
	audit    *audit.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewDeviceStore()
	subs := memory.NewSubscriptions(masterdata.Subscription{CustomerID: "cust-1", Packs: 1, Active: true})
	seq := 0
	directory, err := application.NewDirectory(store, subs,
		application.WithDevicesPerPack(2),
		application.WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("dev-%d", seq)
		}),
	)
	require.NoError(t, err)
	readings := telemetrymemory.NewReadingStore()
	auditLog := audit.NewMemory()
	handler, err := NewHandler(directory, readings, auditLog, zerolog.Nop())
	require.NoError(t, err)
	r := chi.NewRouter()
	handler.Register(r)
	return &fixture{router: r, store: store, readings: readings, audit: auditLog}
}

func (f *fixture) do(method, path, body, customerID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if customerID != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), customerID, auth.RoleAdmin, "user-1"))
	}
	resp := httptest.NewRecorder()
	f.router.ServeHTTP(resp, req)
	return resp
}

func TestDeviceLifecycle(t *testing.T) {
	f := newFixture(t)

	resp := f.do(http.MethodPost, "/api/v1/devices", `{"device_name":"meter-1","customer_id":"other"}`, "cust-1")
	require.Equal(t, http.StatusCreated, resp.Code)
	var created masterdata.Device
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, "dev-1", created.ID)
	assert.Equal(t, "cust-1", created.CustomerID)
	assert.Equal(t, "meter-1", created.DisplayName)

	resp = f.do(http.MethodPut, "/api/v1/devices/dev-1", `{"device_name":"meter-1","display_name":"Main meter"}`, "cust-1")
	require.Equal(t, http.StatusOK, resp.Code)

	resp = f.do(http.MethodGet, "/api/v1/devices/dev-1", "", "cust-1")
	require.Equal(t, http.StatusOK, resp.Code)
	var fetched masterdata.Device
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fetched))
	assert.Equal(t, "Main meter", fetched.DisplayName)

	resp = f.do(http.MethodDelete, "/api/v1/devices/dev-1", "", "cust-1")
	require.Equal(t, http.StatusNoContent, resp.Code)

	resp = f.do(http.MethodGet, "/api/v1/devices", "", "cust-1")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `[]`, resp.Body.String())

	entries := f.audit.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, audit.ActionDeviceAdd, entries[0].Action)
	assert.Equal(t, audit.ActionDeviceUpdate, entries[1].Action)
	assert.Equal(t, audit.ActionDeviceDelete, entries[2].Action)
	assert.Equal(t, "user-1", entries[2].Actor)
	assert.Equal(t, "cust-1", entries[2].CustomerID)
	assert.Equal(t, "dev-1", entries[2].ResourceID)
}

func TestDeviceErrors(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/v1/devices", "", "").Code)
	require.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/v1/devices", `{`, "cust-1").Code)
	require.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/v1/devices", `{"device_name":"m","site_id":"nope"}`, "cust-1").Code)
	require.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v1/devices/missing", "", "cust-1").Code)
	require.Equal(t, http.StatusNotFound, f.do(http.MethodPut, "/api/v1/devices/missing", `{"device_name":"m"}`, "cust-1").Code)

	require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/api/v1/devices", `{"device_name":"m1"}`, "cust-1").Code)
	require.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/api/v1/devices", `{"device_name":"m1"}`, "cust-1").Code)
	require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/api/v1/devices", `{"device_name":"m2"}`, "cust-1").Code)
	require.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/api/v1/devices", `{"device_name":"m3"}`, "cust-1").Code)
	require.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/api/v1/devices", `{"device_name":"m1"}`, "cust-unknown").Code)
}

func TestPurgeReadings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	for _, id := range []string{"dev-a", "dev-b"} {
		reading := telemetry.NewReading("cust-1", id, ts)
		require.NoError(t, f.readings.Put(ctx, &reading))
	}

	resp := f.do(http.MethodDelete, "/api/v1/customers/cust-2/readings", "", "cust-1")
	require.Equal(t, http.StatusForbidden, resp.Code)

	resp = f.do(http.MethodDelete, "/api/v1/customers/cust-1/readings", "", "cust-1")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"deleted":2}`, resp.Body.String())

	got, err := f.readings.Get(ctx, "cust-1", "dev-a", ts)
	require.NoError(t, err)
	assert.Nil(t, got)
}
