package application

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	telemetry "powermeter-cloud/internal/telemetry/domain"
)

// Payload is the JSON point-list envelope a meter gateway posts.
type Payload struct {
	DeviceName   string            `json:"device_name"`
	SerialNumber string            `json:"serial_number,omitempty"`
	Protocol     string            `json:"protocol,omitempty"`
	Timestamp    string            `json:"timestamp"`
	Points       map[string]string `json:"-"`
}

type payloadWire struct {
	DeviceName   string                     `json:"device_name"`
	SerialNumber string                     `json:"serial_number"`
	Protocol     string                     `json:"protocol"`
	Timestamp    string                     `json:"timestamp"`
	Points       map[string]json.RawMessage `json:"points"`
}

// ParsePayload decodes raw and validates the device name and timestamp.
// The timestamp must be RFC 3339 with an explicit zone.
func ParsePayload(raw []byte) (*Payload, time.Time, error) {
	var wire payloadWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %v", telemetry.ErrInvalidPayload, err)
	}
	payload := &Payload{
		DeviceName:   strings.TrimSpace(wire.DeviceName),
		SerialNumber: strings.TrimSpace(wire.SerialNumber),
		Protocol:     strings.TrimSpace(wire.Protocol),
		Timestamp:    strings.TrimSpace(wire.Timestamp),
		Points:       make(map[string]string, len(wire.Points)),
	}
	if payload.DeviceName == "" {
		return nil, time.Time{}, fmt.Errorf("%w: device_name required", telemetry.ErrInvalidPayload)
	}
	if payload.Timestamp == "" {
		return nil, time.Time{}, fmt.Errorf("%w: timestamp required", telemetry.ErrInvalidPayload)
	}
	ts, err := time.Parse(time.RFC3339, payload.Timestamp)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: timestamp must be RFC3339 with zone: %v", telemetry.ErrInvalidPayload, err)
	}
	for name, value := range wire.Points {
		payload.Points[name] = pointText(value)
	}
	return payload, ts, nil
}

// pointText renders a JSON point value as the raw string the normalizer parses.
func pointText(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "NULL"
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	return string(trimmed)
}
