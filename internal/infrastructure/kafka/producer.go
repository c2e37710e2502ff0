package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"livechat-widget/internal/domain"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

const DefaultTopic = "widget-events"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes widget lifecycle events, keyed by session id
// so one conversation stays on one partition.
type KafkaProducer struct {
	writer messageWriter
	topic  string
	log    zerolog.Logger
}

func NewKafkaProducer(brokers []string, topic string, logger zerolog.Logger) *KafkaProducer {
	if topic == "" {
		topic = DefaultTopic
	}
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Balancer: &kafka.Hash{},
		// Low latency: one message per request, leader ack only.
		BatchSize:    1,
		BatchTimeout: time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	return newProducer(writer, topic, logger)
}

func newProducer(writer messageWriter, topic string, logger zerolog.Logger) *KafkaProducer {
	return &KafkaProducer{
		writer: writer,
		topic:  topic,
		log:    logger.With().Str("component", "kafka").Logger(),
	}
}

func (k *KafkaProducer) Publish(ctx context.Context, event domain.WidgetEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode widget event: %w", err)
	}

	key := event.SessionID
	if key == "" {
		key = event.ProjectKey
	}
	msg := kafka.Message{
		Topic: k.topic,
		Key:   []byte(key),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
		},
	}

	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		k.log.Error().Err(err).Str("topic", k.topic).Msg("Failed to send event to Kafka")
		return err
	}
	k.log.Debug().Str("topic", k.topic).Str("type", string(event.Type)).Msg("Event sent to Kafka")
	return nil
}

func (k *KafkaProducer) Close() error {
	return k.writer.Close()
}
