package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds process settings shared by the binaries.
type Config struct {
	HTTPAddr    string
	DatabaseURL string
	RedisAddr   string

	LogLevel  string
	LogFormat string

	JWTSecret         string
	IngestSecret      string
	IngestMaxSkew     time.Duration
	AuthExemptPaths   []string
	AuthExemptPrefixes []string

	MQTTBroker   string
	MQTTClientID string
	MQTTTopic    string

	KafkaBrokers    []string
	KafkaAlarmTopic string

	AlarmWebhookURL     string
	AlarmNotifyTemplate string
	AlarmNotifyTimeout  time.Duration

	OWMAPIKey  string
	OWMBaseURL string

	ProtocolsFile  string
	DevicesPerPack int
	DeviceCacheTTL time.Duration

	Staleness         time.Duration
	QuickThreshold    time.Duration
	AlarmRetention    time.Duration
	LockLease         time.Duration
	ReadinessTimeout  time.Duration
	ReadinessInterval time.Duration

	QuickCheckSchedule string
	NotifySchedule     string
	CleanupSchedule    string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_ADDR", "localhost:6379")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("AUTH_JWT_SECRET", "")
	v.SetDefault("INGEST_HMAC_SECRET", "")
	v.SetDefault("INGEST_MAX_SKEW", "5m")
	v.SetDefault("AUTH_EXEMPT_PATHS", "/healthz,/metrics")
	v.SetDefault("AUTH_EXEMPT_PREFIXES", "/ingest/")

	v.SetDefault("MQTT_BROKER", "tcp://localhost:1883")
	v.SetDefault("MQTT_CLIENT_ID", "powermeter-ingestor")
	v.SetDefault("MQTT_TOPIC", "meters/+/readings")

	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_ALARM_TOPIC", "meter.alarms")

	v.SetDefault("ALARM_WEBHOOK_URL", "")
	v.SetDefault("ALARM_NOTIFY_TEMPLATE", "")
	v.SetDefault("ALARM_NOTIFY_TIMEOUT", "5s")

	v.SetDefault("OWM_API_KEY", "")
	v.SetDefault("OWM_BASE_URL", "")

	v.SetDefault("PROTOCOLS_FILE", "")
	v.SetDefault("DEVICES_PER_PACK", 20)
	v.SetDefault("DEVICE_CACHE_TTL", "10s")

	v.SetDefault("ALARM_STALENESS", "1h")
	v.SetDefault("ALARM_QUICK_THRESHOLD", "30m")
	v.SetDefault("ALARM_RETENTION", "8760h")
	v.SetDefault("AGGREGATION_LOCK_LEASE", "30s")
	v.SetDefault("AGGREGATION_READINESS_TIMEOUT", "2s")
	v.SetDefault("AGGREGATION_READINESS_INTERVAL", "50ms")

	v.SetDefault("SCHEDULE_QUICK_CHECK", "*/5 * * * *")
	v.SetDefault("SCHEDULE_NOTIFY", "* * * * *")
	v.SetDefault("SCHEDULE_CLEANUP", "0 3 * * *")
}

// Load reads defaults, an optional config file, then the environment.
// Environment variables win.
func Load(file string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", file, err)
		}
	}
	v.AutomaticEnv()

	cfg := Config{
		HTTPAddr:    v.GetString("HTTP_ADDR"),
		DatabaseURL: v.GetString("DATABASE_URL"),
		RedisAddr:   v.GetString("REDIS_ADDR"),

		LogLevel:  strings.ToLower(v.GetString("LOG_LEVEL")),
		LogFormat: strings.ToLower(v.GetString("LOG_FORMAT")),

		JWTSecret:         v.GetString("AUTH_JWT_SECRET"),
		IngestSecret:      v.GetString("INGEST_HMAC_SECRET"),
		IngestMaxSkew:     v.GetDuration("INGEST_MAX_SKEW"),
		AuthExemptPaths:   splitList(v.GetString("AUTH_EXEMPT_PATHS")),
		AuthExemptPrefixes: splitList(v.GetString("AUTH_EXEMPT_PREFIXES")),

		MQTTBroker:   v.GetString("MQTT_BROKER"),
		MQTTClientID: v.GetString("MQTT_CLIENT_ID"),
		MQTTTopic:    v.GetString("MQTT_TOPIC"),

		KafkaBrokers:    splitList(v.GetString("KAFKA_BROKERS")),
		KafkaAlarmTopic: v.GetString("KAFKA_ALARM_TOPIC"),

		AlarmWebhookURL:     v.GetString("ALARM_WEBHOOK_URL"),
		AlarmNotifyTemplate: v.GetString("ALARM_NOTIFY_TEMPLATE"),
		AlarmNotifyTimeout:  v.GetDuration("ALARM_NOTIFY_TIMEOUT"),

		OWMAPIKey:  v.GetString("OWM_API_KEY"),
		OWMBaseURL: v.GetString("OWM_BASE_URL"),

		ProtocolsFile:  v.GetString("PROTOCOLS_FILE"),
		DevicesPerPack: v.GetInt("DEVICES_PER_PACK"),
		DeviceCacheTTL: v.GetDuration("DEVICE_CACHE_TTL"),

		Staleness:         v.GetDuration("ALARM_STALENESS"),
		QuickThreshold:    v.GetDuration("ALARM_QUICK_THRESHOLD"),
		AlarmRetention:    v.GetDuration("ALARM_RETENTION"),
		LockLease:         v.GetDuration("AGGREGATION_LOCK_LEASE"),
		ReadinessTimeout:  v.GetDuration("AGGREGATION_READINESS_TIMEOUT"),
		ReadinessInterval: v.GetDuration("AGGREGATION_READINESS_INTERVAL"),

		QuickCheckSchedule: v.GetString("SCHEDULE_QUICK_CHECK"),
		NotifySchedule:     v.GetString("SCHEDULE_NOTIFY"),
		CleanupSchedule:    v.GetString("SCHEDULE_CLEANUP"),
	}
	return cfg, nil
}

// ValidateServer checks the settings cmd/server cannot run without.
func (c Config) ValidateServer() error {
	if c.DatabaseURL == "" {
		return errors.New("config: DATABASE_URL is required")
	}
	if c.JWTSecret == "" {
		return errors.New("config: AUTH_JWT_SECRET is required")
	}
	return nil
}

// ValidateIngestor checks the settings cmd/ingestor cannot run without.
func (c Config) ValidateIngestor() error {
	if c.DatabaseURL == "" {
		return errors.New("config: DATABASE_URL is required")
	}
	if c.MQTTBroker == "" {
		return errors.New("config: MQTT_BROKER is required")
	}
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
