// Package app wires the ingest core shared by the binaries.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	aggregation "powermeter-cloud/internal/aggregation/application"
	alarmapp "powermeter-cloud/internal/alarms/application"
	alarmrepo "powermeter-cloud/internal/alarms/infrastructure/postgres"
	"powermeter-cloud/internal/alarms/notify"
	"powermeter-cloud/internal/config"
	"powermeter-cloud/internal/enrichment/owm"
	heartbeatredis "powermeter-cloud/internal/heartbeat/redis"
	"powermeter-cloud/internal/lock/redislock"
	masterdataapp "powermeter-cloud/internal/masterdata/application"
	masterdatarepo "powermeter-cloud/internal/masterdata/infrastructure/postgres"
	"powermeter-cloud/internal/observability/metrics"
	telemetryapp "powermeter-cloud/internal/telemetry/application"
	telemetrypostgres "powermeter-cloud/internal/telemetry/infrastructure/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Core holds the connected stores and services behind ingestion.
type Core struct {
	DB          *sql.DB
	Redis       goredis.UniversalClient
	Alarms      *alarmrepo.AlarmRepository
	Readings    *telemetrypostgres.ReadingRepository
	Devices     *masterdataapp.CachedStore
	Directory   *masterdataapp.Directory
	Engine      *alarmapp.Engine
	Coordinator *aggregation.Coordinator
	Pipeline    *telemetryapp.Pipeline
	Weather     *owm.Client

	closers []func() error
}

// Build connects Postgres and Redis and assembles the ingest pipeline.
func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*Core, error) {
	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("app: open db: %w", err)
	}
	core := &Core{DB: db}
	core.closers = append(core.closers, db.Close)
	if err := db.PingContext(ctx); err != nil {
		_ = core.Close()
		return nil, fmt.Errorf("app: ping db: %w", err)
	}
	metrics.Init(db, logger)

	rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
	core.Redis = rdb
	core.closers = append(core.closers, rdb.Close)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = core.Close()
		return nil, fmt.Errorf("app: ping redis: %w", err)
	}

	if err := core.wire(cfg, logger); err != nil {
		_ = core.Close()
		return nil, err
	}
	return core, nil
}

func (c *Core) wire(cfg config.Config, logger zerolog.Logger) error {
	c.Readings = telemetrypostgres.NewReadingRepository(c.DB)
	c.Alarms = alarmrepo.NewAlarmRepository(c.DB)

	devices, err := masterdataapp.NewCachedStore(masterdatarepo.NewDeviceRepository(c.DB), masterdataapp.WithCacheTTL(cfg.DeviceCacheTTL))
	if err != nil {
		return err
	}
	c.Devices = devices

	var owmOpts []owm.Option
	if cfg.OWMBaseURL != "" {
		owmOpts = append(owmOpts, owm.WithBaseURL(cfg.OWMBaseURL))
	}
	c.Weather = owm.New(cfg.OWMAPIKey, owmOpts...)

	c.Directory, err = masterdataapp.NewDirectory(devices, masterdatarepo.NewSubscriptionRepository(c.DB),
		masterdataapp.WithGeocoder(c.Weather),
		masterdataapp.WithDevicesPerPack(cfg.DevicesPerPack),
		masterdataapp.WithLogger(logger.With().Str("component", "directory").Logger()),
	)
	if err != nil {
		return err
	}

	heartbeats, err := heartbeatredis.NewStore(c.Redis)
	if err != nil {
		return err
	}
	locker, err := redislock.NewLocker(c.Redis)
	if err != nil {
		return err
	}

	notifier, err := c.alarmNotifier(cfg, logger)
	if err != nil {
		return err
	}
	c.Engine, err = alarmapp.NewEngine(c.Alarms, devices, c.Readings, heartbeats,
		alarmapp.WithNotifier(notifier),
		alarmapp.WithStaleness(cfg.Staleness),
		alarmapp.WithQuickThreshold(cfg.QuickThreshold),
		alarmapp.WithRetention(cfg.AlarmRetention),
		alarmapp.WithLogger(logger.With().Str("component", "alarms").Logger()),
	)
	if err != nil {
		return err
	}

	c.Coordinator, err = aggregation.NewCoordinator(devices, c.Readings, locker,
		aggregation.WithLocator(c.Directory),
		aggregation.WithWeather(c.Weather),
		aggregation.WithLease(cfg.LockLease),
		aggregation.WithReadiness(cfg.ReadinessTimeout, cfg.ReadinessInterval),
		aggregation.WithLogger(logger.With().Str("component", "aggregation").Logger()),
	)
	if err != nil {
		return err
	}

	protocols, err := telemetryapp.LoadProtocols(cfg.ProtocolsFile)
	if err != nil {
		return fmt.Errorf("app: load protocols: %w", err)
	}
	c.Pipeline, err = telemetryapp.NewPipeline(c.Directory, c.Readings, heartbeats,
		telemetryapp.WithNormalizer(telemetryapp.NewNormalizer(telemetryapp.WithProtocols(protocols))),
		telemetryapp.WithAlarmSink(c.Engine),
		telemetryapp.WithAggregator(c.Coordinator),
		telemetryapp.WithLogger(logger.With().Str("component", "ingest").Logger()),
	)
	return err
}

func (c *Core) alarmNotifier(cfg config.Config, logger zerolog.Logger) (alarmapp.AlarmNotifier, error) {
	notifiers := []alarmapp.AlarmNotifier{notify.NewLogNotifier(logger.With().Str("component", "alarm-events").Logger())}
	if len(cfg.KafkaBrokers) > 0 {
		writer, err := notify.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaAlarmTopic)
		if err != nil {
			return nil, err
		}
		publisher, err := notify.NewKafkaPublisher(writer, notify.WithPublisherLogger(logger))
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, publisher.Close)
		notifiers = append(notifiers, publisher)
	}
	return notify.NewMultiNotifier(notifiers...), nil
}

// Close releases connections in reverse order of opening.
func (c *Core) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
