package notify

import (
	"context"

	"github.com/rs/zerolog"

	alarmapp "powermeter-cloud/internal/alarms/application"
)

// LogNotifier writes alarm events to a logger.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs the event.
func (n *LogNotifier) Notify(_ context.Context, event alarmapp.AlarmEvent) {
	if n == nil {
		return
	}
	n.logger.Info().
		Str("event", event.Type).
		Str("alarm_id", event.Alarm.ID).
		Str("customer_id", event.Alarm.CustomerID).
		Str("device_id", event.Alarm.DeviceID).
		Str("site_id", event.Alarm.SiteID).
		Str("message", event.Alarm.Message).
		Msg("alarm event")
}
