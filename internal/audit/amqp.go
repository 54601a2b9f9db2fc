package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const auditExchange = "audit.events"

// AMQPSink publishes audit events to a durable topic exchange. The routing
// key is the event type, so downstream consumers can bind selectively
// (e.g. "session.hijack_detected" to an alerting queue).
type AMQPSink struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewAMQPSink connects to RabbitMQ and declares the audit exchange.
func NewAMQPSink(url string) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		auditExchange, // name
		"topic",       // type
		true,          // durable
		false,         // auto-deleted
		false,         // internal
		false,         // no-wait
		nil,           // arguments
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare audit exchange: %w", err)
	}

	return &AMQPSink{conn: conn, channel: ch}, nil
}

// NewAMQPSinkWithRetry dials RabbitMQ until it succeeds or the context
// expires. Broker startup commonly lags the service in containerized
// deployments.
func NewAMQPSinkWithRetry(ctx context.Context, url string) (*AMQPSink, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		sink, err := NewAMQPSink(url)
		if err == nil {
			return sink, nil
		}
		lastErr = err

		slog.Warn("rabbitmq not ready, retrying",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("gave up connecting to RabbitMQ: %w", lastErr)
		case <-time.After(2 * time.Second):
		}
	}
}

// Emit publishes one event. Publish failures are logged and swallowed; the
// audit trail must never block or fail the operation that produced it.
func (s *AMQPSink) Emit(ctx context.Context, event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal audit event", slog.String("error", err.Error()))
		return
	}

	err = s.channel.PublishWithContext(
		ctx,
		auditExchange,
		event.Type,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		slog.Error("failed to publish audit event",
			slog.String("type", event.Type),
			slog.String("error", err.Error()))
	}
}

// IsClosed reports whether the underlying connection is gone.
func (s *AMQPSink) IsClosed() bool {
	return s.conn == nil || s.conn.IsClosed()
}

// Close tears down the channel and connection.
func (s *AMQPSink) Close() error {
	if s.channel != nil {
		s.channel.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
