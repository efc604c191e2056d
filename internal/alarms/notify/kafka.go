package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	alarmapp "powermeter-cloud/internal/alarms/application"
)

// DefaultAlarmTopic receives alarm lifecycle events.
const DefaultAlarmTopic = "meter.alarms"

// MessageWriter is the subset of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes alarm events as JSON, keyed by device so that
// events of one device stay ordered within a partition.
type KafkaPublisher struct {
	writer  MessageWriter
	timeout time.Duration
	logger  zerolog.Logger
}

// KafkaOption configures the publisher.
type KafkaOption func(*KafkaPublisher)

// WithWriteTimeout bounds each publish.
func WithWriteTimeout(timeout time.Duration) KafkaOption {
	return func(p *KafkaPublisher) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

// WithPublisherLogger assigns a logger for publish failures.
func WithPublisherLogger(logger zerolog.Logger) KafkaOption {
	return func(p *KafkaPublisher) {
		p.logger = logger
	}
}

// NewKafkaWriter builds a synchronous writer for topic.
func NewKafkaWriter(brokers []string, topic string) (*kafka.Writer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka publisher: no brokers")
	}
	if topic == "" {
		topic = DefaultAlarmTopic
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}, nil
}

// NewKafkaPublisher constructs a publisher over writer.
func NewKafkaPublisher(writer MessageWriter, opts ...KafkaOption) (*KafkaPublisher, error) {
	if writer == nil {
		return nil, errors.New("kafka publisher: nil writer")
	}
	p := &KafkaPublisher{
		writer:  writer,
		timeout: 5 * time.Second,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Notify implements AlarmNotifier. Publish failures are logged.
func (p *KafkaPublisher) Notify(ctx context.Context, event alarmapp.AlarmEvent) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, event); err != nil {
		p.logger.Warn().Err(err).Str("alarm_id", event.Alarm.ID).Str("event", event.Type).Msg("alarm publish failed")
	}
}

// Publish writes one event.
func (p *KafkaPublisher) Publish(ctx context.Context, event alarmapp.AlarmEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Alarm.CustomerID + "|" + event.Alarm.DeviceID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(event.Type)},
		},
	})
}

// Close closes the writer.
func (p *KafkaPublisher) Close() error {
	if p == nil {
		return nil
	}
	return p.writer.Close()
}
