package application

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"powermeter-cloud/internal/observability/metrics"
	telemetry "powermeter-cloud/internal/telemetry/domain"
)

// Recognised point names. Lookup is case-insensitive.
const (
	PointTotalRealPower = "Total Real Power"
	PointEnergyConsumed = "Energy Consumed"
	PointAverageCurrent = "Average Current"
	PointAverageVoltage = "Average Voltage (L-N)"
	PointPowerFactor    = "Total (System) Power Factor"
	PointErrorCode      = "Error Code"
	PointErrorText      = "Error Text"
)

// Clamp reasons.
const (
	ClampNegative = "negative"
	ClampCeiling  = "ceiling"
)

// NormalizeInput is one device sample before normalization.
type NormalizeInput struct {
	CustomerID  string
	DeviceID    string
	SiteID      string
	DeviceName  string
	DisplayName string
	Protocol    string
	Timestamp   time.Time
	Points      map[string]string
	// PreviousCumulative is the last stored cumulative counter, nil when the
	// device has never reported one.
	PreviousCumulative *float64
}

// NormalizeResult carries the reading plus what happened while building it.
type NormalizeResult struct {
	Reading telemetry.Reading
	// FaultMessage is set when the device reported an error code.
	FaultMessage string
	RolledOver   bool
	Clamped      string
}

// Fault reports whether the device reported an error code.
func (r NormalizeResult) Fault() bool {
	return r.FaultMessage != ""
}

// Normalizer converts raw point maps into readings.
type Normalizer struct {
	protocols *Protocols
	interval  time.Duration
}

// NormalizerOption customizes the normalizer.
type NormalizerOption func(*Normalizer)

// WithProtocols overrides the rollover table.
func WithProtocols(protocols *Protocols) NormalizerOption {
	return func(n *Normalizer) {
		if protocols != nil {
			n.protocols = protocols
		}
	}
}

// WithInterval overrides the reading bucket width.
func WithInterval(interval time.Duration) NormalizerOption {
	return func(n *Normalizer) {
		if interval > 0 {
			n.interval = interval
		}
	}
}

// NewNormalizer constructs a normalizer.
func NewNormalizer(opts ...NormalizerOption) *Normalizer {
	n := &Normalizer{protocols: DefaultProtocols(), interval: telemetry.DefaultInterval}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize builds a reading from in.
func (n *Normalizer) Normalize(in NormalizeInput) (NormalizeResult, error) {
	if in.CustomerID == "" || in.DeviceID == "" {
		return NormalizeResult{}, fmt.Errorf("%w: missing device identity", telemetry.ErrInvalidPayload)
	}
	if in.Timestamp.IsZero() {
		return NormalizeResult{}, fmt.Errorf("%w: missing timestamp", telemetry.ErrInvalidPayload)
	}
	points := foldPoints(in.Points)

	reading := telemetry.NewReading(in.CustomerID, in.DeviceID, telemetry.Bucket(in.Timestamp, n.interval))
	reading.SiteID = in.SiteID
	reading.DeviceName = in.DeviceName
	reading.DisplayName = in.DisplayName
	reading.Valid = true

	reading.AverageCurrent = magnitude(points, PointAverageCurrent)
	reading.AverageVoltage = magnitude(points, PointAverageVoltage)
	reading.PowerFactor = magnitude(points, PointPowerFactor)
	reading.TotalRealPower = magnitude(points, PointTotalRealPower)
	if !telemetry.Reported(reading.TotalRealPower) {
		reading.TotalRealPower = derivePower(reading.AverageVoltage, reading.AverageCurrent, reading.PowerFactor)
	}

	var result NormalizeResult
	if code, text, faulty := fault(points); faulty {
		reading.Valid = false
		reading.FaultCode = code
		reading.FaultText = text
		reading.EnergyConsumed = 0
		if in.PreviousCumulative != nil {
			reading.TotalEnergyConsumed = *in.PreviousCumulative
		}
		result.FaultMessage = text
		if result.FaultMessage == "" {
			result.FaultMessage = "Device reported error code " + code
		}
		result.Reading = reading
		return result, nil
	}

	cumulative, ok := value(points, PointEnergyConsumed)
	if !ok || cumulative < 0 {
		cumulative = telemetry.NotReported
	}
	switch {
	case in.PreviousCumulative == nil:
		reading.TotalEnergyConsumed = cumulative
	case !telemetry.Reported(cumulative):
		reading.TotalEnergyConsumed = *in.PreviousCumulative
		reading.EnergyConsumed = 0
	default:
		protocol := n.protocols.Lookup(in.Protocol)
		corrected, rolled := protocol.Correct(*in.PreviousCumulative, cumulative)
		result.RolledOver = rolled
		reading.TotalEnergyConsumed = corrected
		reading.EnergyConsumed, result.Clamped = clampDelta(corrected-*in.PreviousCumulative, protocol.MaxEnergyDelta)
	}
	if result.RolledOver {
		metrics.IncRolloverCorrection()
	}
	if result.Clamped != "" {
		metrics.IncClampedDelta(result.Clamped)
	}
	result.Reading = reading
	return result, nil
}

func clampDelta(delta, ceiling float64) (float64, string) {
	switch {
	case delta < 0:
		return 0, ClampNegative
	case ceiling > 0 && delta > ceiling:
		return 0, ClampCeiling
	default:
		return delta, ""
	}
}

// derivePower computes three-phase real power in kW from line-to-neutral
// voltage, current and a percent power factor.
func derivePower(voltage, current, powerFactor float64) float64 {
	if !telemetry.Reported(voltage) || !telemetry.Reported(current) || !telemetry.Reported(powerFactor) {
		return telemetry.NotReported
	}
	return voltage * current * math.Abs(powerFactor/100) * math.Sqrt(3) / 1000
}

func fault(points map[string]string) (string, string, bool) {
	code := strings.TrimSpace(points[strings.ToLower(PointErrorCode)])
	text := strings.TrimSpace(points[strings.ToLower(PointErrorText)])
	if code == "" || code == "0" || strings.EqualFold(code, "ok") || strings.EqualFold(code, "null") {
		return "", "", false
	}
	return code, text, true
}

func foldPoints(points map[string]string) map[string]string {
	folded := make(map[string]string, len(points))
	for name, raw := range points {
		folded[strings.ToLower(strings.TrimSpace(name))] = raw
	}
	return folded
}

func value(points map[string]string, name string) (float64, bool) {
	raw := strings.TrimSpace(points[strings.ToLower(name)])
	if raw == "" || strings.EqualFold(raw, "null") {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func magnitude(points map[string]string, name string) float64 {
	v, ok := value(points, name)
	if !ok {
		return telemetry.NotReported
	}
	return math.Abs(v)
}
