package events

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

// NopPublisher drops every message. Used when no broker is configured so the
// outbox still drains.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Message) error { return nil }
func (NopPublisher) Close() error                           { return nil }

// RedisPublisher fans messages out over Redis Pub/Sub, one channel per topic.
type RedisPublisher struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisPublisher(rdb redis.UniversalClient, prefix string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, prefix: prefix}
}

func (p *RedisPublisher) channel(topic string) string {
	if p.prefix == "" {
		return topic
	}
	return p.prefix + ":" + topic
}

func (p *RedisPublisher) Publish(ctx context.Context, msg Message) error {
	if err := p.rdb.Publish(ctx, p.channel(msg.Topic), msg.Payload).Err(); err != nil {
		return fmt.Errorf("events: redis publish %s: %w", msg.Topic, err)
	}
	return nil
}

// Close is a no-op; the client belongs to the caller.
func (p *RedisPublisher) Close() error {
	return nil
}

// RabbitConfig describes the RabbitMQ connection used by RabbitPublisher.
type RabbitConfig struct {
	URL      string
	Exchange string
}

// RabbitPublisher publishes messages to a durable topic exchange; the topic
// becomes the routing key.
type RabbitPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

func NewRabbitPublisher(cfg RabbitConfig) (*RabbitPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("events: rabbitmq url is required")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "escrow.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("events: dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("events: declare exchange: %w", err)
	}
	return &RabbitPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

func (p *RabbitPublisher) Publish(ctx context.Context, msg Message) error {
	if p == nil || p.ch == nil {
		return errors.New("events: rabbitmq publisher not initialised")
	}
	err := p.ch.PublishWithContext(ctx, p.exchange, msg.Topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.CreatedAt,
		Body:         msg.Payload,
		Headers:      amqp.Table{"key": msg.Key},
	})
	if err != nil {
		return fmt.Errorf("events: rabbitmq publish %s: %w", msg.Topic, err)
	}
	return nil
}

func (p *RabbitPublisher) Close() error {
	if p == nil {
		return nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
