package mqtt

import (
	"context"
	"errors"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"powermeter-cloud/internal/auth"
	telemetry "powermeter-cloud/internal/telemetry/domain"
)

// DefaultTopic carries meter payloads; the middle level is the customer id.
const DefaultTopic = "meters/+/readings"

// Ingester persists one raw payload for a customer.
type Ingester interface {
	Ingest(ctx context.Context, customerID string, raw []byte) (*telemetry.Reading, error)
}

// Subscriber feeds MQTT messages into the ingest pipeline. Paho runs each
// callback on its own goroutine when ordering is disabled.
type Subscriber struct {
	client   paho.Client
	ingester Ingester
	topic    string
	qos      byte
	timeout  time.Duration
	logger   zerolog.Logger
}

// Option configures the subscriber.
type Option func(*Subscriber)

// WithTopic overrides the subscription filter.
func WithTopic(topic string) Option {
	return func(s *Subscriber) {
		if topic != "" {
			s.topic = topic
		}
	}
}

// WithQoS sets the subscription QoS.
func WithQoS(qos byte) Option {
	return func(s *Subscriber) {
		if qos <= 2 {
			s.qos = qos
		}
	}
}

// WithIngestTimeout bounds one ingest call.
func WithIngestTimeout(d time.Duration) Option {
	return func(s *Subscriber) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Subscriber) {
		s.logger = logger
	}
}

// NewClientOptions builds paho options for a broker URL such as
// tcp://host:1883 with unordered delivery.
func NewClientOptions(broker, clientID string, logger zerolog.Logger) *paho.ClientOptions {
	opts := paho.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetOrderMatters(false)
	opts.SetConnectTimeout(10 * time.Second)
	opts.OnConnect = func(paho.Client) { logger.Info().Str("broker", broker).Msg("mqtt connected") }
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		logger.Error().Err(err).Str("broker", broker).Msg("mqtt connection lost")
	}
	return opts
}

// NewSubscriber constructs a subscriber over a connected client.
func NewSubscriber(client paho.Client, ingester Ingester, opts ...Option) (*Subscriber, error) {
	if client == nil {
		return nil, errors.New("mqtt subscriber: nil client")
	}
	if ingester == nil {
		return nil, errors.New("mqtt subscriber: nil ingester")
	}
	s := &Subscriber{
		client:   client,
		ingester: ingester,
		topic:    DefaultTopic,
		qos:      1,
		timeout:  30 * time.Second,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start subscribes to the topic.
func (s *Subscriber) Start() error {
	token := s.client.Subscribe(s.topic, s.qos, s.onMessage)
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}
	s.logger.Info().Str("topic", s.topic).Msg("mqtt subscribed")
	return nil
}

// Stop unsubscribes from the topic.
func (s *Subscriber) Stop() error {
	token := s.client.Unsubscribe(s.topic)
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

func (s *Subscriber) onMessage(_ paho.Client, msg paho.Message) {
	s.Handle(msg.Topic(), msg.Payload())
}

// Handle ingests one message. Rejected payloads are logged by the pipeline
// and dropped.
func (s *Subscriber) Handle(topic string, payload []byte) {
	customerID, ok := CustomerFromTopic(topic)
	if !ok {
		s.logger.Warn().Str("topic", topic).Msg("mqtt topic without customer")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.ingester.Ingest(ctx, customerID, payload); err != nil {
		s.logger.Debug().Err(err).Str("customer_id", customerID).Msg("mqtt payload dropped")
	}
}

// CustomerFromTopic extracts the customer from meters/{customer}/readings.
func CustomerFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "meters" || parts[2] != "readings" {
		return "", false
	}
	if auth.ValidateCustomerID(parts[1]) != nil {
		return "", false
	}
	return parts[1], true
}
