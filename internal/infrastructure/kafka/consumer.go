package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"livechat-widget/internal/domain"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

type EventHandler func(domain.WidgetEvent)

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaConsumer tails the widget event topic.
type KafkaConsumer struct {
	reader  messageReader
	handler EventHandler
	log     zerolog.Logger
}

func NewKafkaConsumer(brokers []string, groupID, topic string, handler EventHandler, logger zerolog.Logger) *KafkaConsumer {
	if topic == "" {
		topic = DefaultTopic
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 100 * time.Millisecond,
		StartOffset:    kafka.LastOffset,
		MaxWait:        100 * time.Millisecond,
	})
	return newConsumer(reader, handler, logger)
}

func newConsumer(reader messageReader, handler EventHandler, logger zerolog.Logger) *KafkaConsumer {
	return &KafkaConsumer{
		reader:  reader,
		handler: handler,
		log:     logger.With().Str("component", "kafka").Logger(),
	}
}

// Run reads until ctx is cancelled or the reader is closed. Undecodable
// messages are skipped.
func (k *KafkaConsumer) Run(ctx context.Context) error {
	for {
		m, err := k.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			if errors.Is(err, kafka.RebalanceInProgress) || errors.Is(err, kafka.LeaderNotAvailable) {
				k.log.Info().Err(err).Msg("Kafka cluster busy, continuing")
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		k.handleMessage(m)
	}
}

func (k *KafkaConsumer) handleMessage(m kafka.Message) {
	defer func() {
		if r := recover(); r != nil {
			k.log.Error().Interface("panic", r).Str("topic", m.Topic).Msg("Recovered from panic in event handler")
		}
	}()

	var event domain.WidgetEvent
	if err := json.Unmarshal(m.Value, &event); err != nil {
		k.log.Warn().Err(err).Str("topic", m.Topic).Msg("Skipping undecodable widget event")
		return
	}
	if k.handler != nil {
		k.handler(event)
	}
}

func (k *KafkaConsumer) Close() error {
	return k.reader.Close()
}
