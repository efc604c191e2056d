package application

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	telemetry "powermeter-cloud/internal/telemetry/domain"
)

func TestParsePayload(t *testing.T) {
	payload, ts, err := ParsePayload([]byte(`{
		"device_name": " Inverter-01 ",
		"serial_number": "SN1",
		"protocol": "obvius",
		"timestamp": "2024-05-01T10:15:00-04:00",
		"points": {"Total Real Power": 12.5, "Energy Consumed": "1000", "Error Code": null}
	}`))
	require.NoError(t, err)
	require.Equal(t, "Inverter-01", payload.DeviceName)
	require.Equal(t, "12.5", payload.Points["Total Real Power"])
	require.Equal(t, "1000", payload.Points["Energy Consumed"])
	require.Equal(t, "NULL", payload.Points["Error Code"])
	require.True(t, ts.Equal(time.Date(2024, 5, 1, 14, 15, 0, 0, time.UTC)))
}

func TestParsePayloadRejects(t *testing.T) {
	tests := map[string]string{
		"not json":          `{`,
		"missing name":      `{"timestamp":"2024-05-01T10:15:00Z"}`,
		"missing timestamp": `{"device_name":"m1"}`,
		"missing zone":      `{"device_name":"m1","timestamp":"2024-05-01T10:15:00"}`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, _, err := ParsePayload([]byte(raw))
			require.ErrorIs(t, err, telemetry.ErrInvalidPayload)
		})
	}
}
