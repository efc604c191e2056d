package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"powermeter-cloud/internal/config"
	"powermeter-cloud/internal/logging"
	"powermeter-cloud/internal/telemetry/application"
)

func main() {
	customerID := flag.String("customer", "cust-demo", "customer id in the topic")
	meters := flag.Int("meters", 5, "number of simulated meters")
	interval := flag.Duration("interval", 15*time.Minute, "time between samples of one meter")
	rounds := flag.Int("rounds", 4, "samples per meter, 0 runs until interrupted")
	protocol := flag.String("protocol", "obvius", "protocol name sent with each payload")
	flag.Parse()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		bootLogger := logging.New("info", "json", "simulator")
		bootLogger.Fatal().Err(err).Msg("config load failed")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, "simulator")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := paho.NewClientOptions().AddBroker(cfg.MQTTBroker).SetClientID(cfg.MQTTClientID + "-simulator")
	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		logger.Fatal().Err(token.Error()).Msg("mqtt connect failed")
	}
	defer client.Disconnect(250)

	fleet := newFleet(*meters, *protocol, rand.New(rand.NewSource(time.Now().UnixNano())))
	topic := fmt.Sprintf("meters/%s/readings", *customerID)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	at := time.Now().UTC().Truncate(*interval)
	for round := 0; *rounds == 0 || round < *rounds; round++ {
		for _, payload := range fleet.sample(at) {
			body, err := json.Marshal(payload)
			if err != nil {
				logger.Error().Err(err).Msg("encode payload failed")
				continue
			}
			token := client.Publish(topic, 1, false, body)
			if token.Wait() && token.Error() != nil {
				logger.Error().Err(token.Error()).Str("device_name", payload.DeviceName).Msg("publish failed")
			}
		}
		logger.Info().Int("round", round).Time("ts", at).Msg("fleet sample published")
		at = at.Add(*interval)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
	logger.Info().Msg("simulation done")
}

type meterState struct {
	name       string
	serial     string
	cumulative float64
}

type fleet struct {
	protocol string
	meters   []*meterState
	rng      *rand.Rand
}

func newFleet(n int, protocol string, rng *rand.Rand) *fleet {
	f := &fleet{protocol: protocol, rng: rng}
	for i := 1; i <= n; i++ {
		f.meters = append(f.meters, &meterState{
			name:       fmt.Sprintf("sim-meter-%03d", i),
			serial:     fmt.Sprintf("SIM%06d", i),
			cumulative: float64(rng.Intn(10000)),
		})
	}
	return f
}

// sample advances every meter by one interval and returns its payloads.
func (f *fleet) sample(at time.Time) []wirePayload {
	out := make([]wirePayload, 0, len(f.meters))
	for _, m := range f.meters {
		voltage := 220 + f.rng.Float64()*10
		current := 5 + f.rng.Float64()*2
		pf := 0.9 + f.rng.Float64()*0.1
		m.cumulative += voltage * current * pf / 4000
		out = append(out, wirePayload{
			DeviceName:   m.name,
			SerialNumber: m.serial,
			Protocol:     f.protocol,
			Timestamp:    at.Format(time.RFC3339),
			Points: map[string]any{
				application.PointAverageVoltage: voltage,
				application.PointAverageCurrent: current,
				application.PointPowerFactor:    pf,
				application.PointEnergyConsumed: m.cumulative,
			},
		})
	}
	return out
}

type wirePayload struct {
	DeviceName   string         `json:"device_name"`
	SerialNumber string         `json:"serial_number"`
	Protocol     string         `json:"protocol"`
	Timestamp    string         `json:"timestamp"`
	Points       map[string]any `json:"points"`
}
