// Package amqp publishes widget lifecycle events to a RabbitMQ topic
// exchange. Routing keys are "widget.<project>.<event type>".
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"livechat-widget/internal/domain"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const DefaultExchange = "widget.events"

type Publisher struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	exchange string
	log      zerolog.Logger
}

func New(url, exchange string, logger zerolog.Logger) (*Publisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	return &Publisher{
		conn:     conn,
		exchange: exchange,
		log:      logger.With().Str("component", "amqp").Logger(),
	}, nil
}

func (p *Publisher) Publish(ctx context.Context, event domain.WidgetEvent) error {
	msg, err := publishing(event)
	if err != nil {
		return err
	}

	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return amqp091.ErrClosed
	}
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	key := routingKey(event)
	if err := ch.PublishWithContext(ctx, p.exchange, key, false, false, msg); err != nil {
		p.log.Error().Err(err).Str("key", key).Msg("Failed to publish event")
		return err
	}
	p.log.Debug().Str("key", key).Str("exchange", p.exchange).Msg("Event published")
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

func routingKey(event domain.WidgetEvent) string {
	project := strings.ReplaceAll(strings.ToLower(event.ProjectKey), ".", "_")
	if project == "" {
		project = "unknown"
	}
	return "widget." + project + "." + string(event.Type)
}

func publishing(event domain.WidgetEvent) (amqp091.Publishing, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return amqp091.Publishing{}, fmt.Errorf("encode widget event: %w", err)
	}
	id := event.ID
	if id == "" {
		id = uuid.NewString()
	}
	return amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Persistent,
		MessageId:     id,
		CorrelationId: event.SessionID,
		Timestamp:     event.At,
		Type:          string(event.Type),
		Body:          body,
	}, nil
}
