package outbox

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"escrowflow/logger"
)

// streamAdder is the part of redis.Cmdable the publisher uses.
type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisPublisher appends each message to a Redis stream.
type RedisPublisher struct {
	client streamAdder
	stream string
	closer func() error
}

// RedisConfig describes the stream connection.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Stream   string
}

// NewRedisPublisher connects to Redis and verifies the connection with PING.
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	if cfg.Address == "" {
		return nil, errors.New("outbox: redis address required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("outbox: ping redis: %w", err)
	}
	p := newRedisPublisher(client, cfg.Stream)
	p.closer = client.Close
	return p, nil
}

func newRedisPublisher(client streamAdder, stream string) *RedisPublisher {
	if stream == "" {
		stream = "escrowflow:events"
	}
	return &RedisPublisher{client: client, stream: stream}
}

func (p *RedisPublisher) Publish(ctx context.Context, msg Message) error {
	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"id":      msg.ID.String(),
			"topic":   msg.Topic,
			"payload": string(msg.Payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("outbox: xadd %s: %w", p.stream, err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}

// amqpChannel is the part of *amqp.Channel the publisher uses.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPPublisher publishes each message to a durable RabbitMQ queue.
type AMQPPublisher struct {
	ch     amqpChannel
	queue  string
	closer func() error
}

// DialAMQP opens a connection and channel and declares queue as durable.
func DialAMQP(url, queue string) (*AMQPPublisher, error) {
	if url == "" {
		return nil, errors.New("outbox: amqp url required")
	}
	if queue == "" {
		queue = "escrowflow.events"
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("outbox: dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("outbox: open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("outbox: declare queue %s: %w", queue, err)
	}

	p := &AMQPPublisher{ch: ch, queue: queue}
	p.closer = func() error {
		return errors.Join(ch.Close(), conn.Close())
	}
	return p, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, msg Message) error {
	err := p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID.String(),
		Type:         msg.Topic,
		Timestamp:    msg.CreatedAt,
		Body:         msg.Payload,
	})
	if err != nil {
		return fmt.Errorf("outbox: publish to %s: %w", p.queue, err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}

// LogPublisher writes messages to the log. It is the default for local runs.
type LogPublisher struct {
	log *logger.Logger
}

func NewLogPublisher(log *logger.Logger) *LogPublisher {
	if log == nil {
		log = logger.Nop()
	}
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, msg Message) error {
	p.log.Info("outbox event", "id", msg.ID.String(), "topic", msg.Topic, "payload", string(msg.Payload))
	return nil
}

func (p *LogPublisher) Close() error { return nil }
