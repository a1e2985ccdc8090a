package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/brokerx/brokerx/libs/kafka"
	"github.com/streadway/amqp"
)

type KafkaSink struct {
	publisher kafka.Publisher
	topic     string
}

func NewKafkaSink(publisher kafka.Publisher, topic string) *KafkaSink {
	return &KafkaSink{publisher: publisher, topic: topic}
}

func (s *KafkaSink) Record(ctx context.Context, event Event) error {
	if _, _, err := s.publisher.PublishJSON(ctx, s.topic, event.EntityID.String(), event); err != nil {
		return fmt.Errorf("publish audit event %s: %w", event.EventID, err)
	}
	return nil
}

type amqpChannel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink publishes to a durable topic exchange with routing keys like
// "audit.order.create".
type AMQPSink struct {
	conn     *amqp.Connection
	channel  amqpChannel
	exchange string
}

func NewAMQPSink(url, exchange string) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPSink{conn: conn, channel: ch, exchange: exchange}, nil
}

func (s *AMQPSink) Record(_ context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	key := "audit." + strings.ToLower(event.EntityType) + "." + strings.ToLower(string(event.Action))
	return s.channel.Publish(s.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.EventID,
		Timestamp:    event.Timestamp,
		Type:         event.EventType,
		Body:         body,
	})
}

func (s *AMQPSink) Close() error {
	if s.channel != nil {
		_ = s.channel.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// LogSink writes events to the service log. Used when no broker is configured.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(ctx context.Context, event Event) error {
	s.logger.InfoContext(ctx, "audit",
		"event_id", event.EventID,
		"entity_type", event.EntityType,
		"entity_id", event.EntityID,
		"action", string(event.Action),
		"details", event.Details,
	)
	return nil
}
