package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	paho "github.com/eclipse/paho.mqtt.golang"

	"powermeter-cloud/internal/app"
	"powermeter-cloud/internal/config"
	"powermeter-cloud/internal/logging"
	telemetrymqtt "powermeter-cloud/internal/telemetry/interfaces/mqtt"
)

func main() {
	configFile := flag.String("config", os.Getenv("CONFIG_FILE"), "optional config file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		bootLogger := logging.New("info", "json", "ingestor")
		bootLogger.Fatal().Err(err).Msg("config load failed")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, "ingestor")
	if err := cfg.ValidateIngestor(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	core, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer core.Close()

	client := paho.NewClient(telemetrymqtt.NewClientOptions(cfg.MQTTBroker, cfg.MQTTClientID, logger))
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		logger.Fatal().Err(token.Error()).Msg("mqtt connect failed")
	}
	defer client.Disconnect(250)

	subscriber, err := telemetrymqtt.NewSubscriber(client, core.Pipeline,
		telemetrymqtt.WithTopic(cfg.MQTTTopic),
		telemetrymqtt.WithLogger(logger.With().Str("component", "mqtt").Logger()),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("mqtt subscriber init failed")
	}
	if err := subscriber.Start(); err != nil {
		logger.Fatal().Err(err).Msg("mqtt subscribe failed")
	}

	logger.Info().Str("topic", cfg.MQTTTopic).Msg("ingestor running")
	<-ctx.Done()
	if err := subscriber.Stop(); err != nil {
		logger.Warn().Err(err).Msg("mqtt unsubscribe failed")
	}
	logger.Info().Msg("ingestor stopped")
}
