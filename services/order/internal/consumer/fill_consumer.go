package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/IBM/sarama"
	"github.com/brokerx/brokerx/libs/kafka"
	"github.com/brokerx/brokerx/services/order/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const orderFilledEventType = "order.filled"

// OrderFilledEvent is an execution report published by the matching side.
type OrderFilledEvent struct {
	kafka.Envelope
	OrderID  string `json:"order_id"`
	Quantity int64  `json:"quantity"`
	Price    string `json:"price,omitempty"`
}

type FillApplier interface {
	ApplyFill(ctx context.Context, fill storage.Fill) (storage.FillResult, error)
}

type FillConsumer struct {
	applier FillApplier
	logger  *slog.Logger
}

func NewFillConsumer(applier FillApplier, logger *slog.Logger) *FillConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &FillConsumer{applier: applier, logger: logger}
}

// HandleMessage applies one fill. Malformed events and fills for unknown or
// closed orders are dead-lettered; anything else is returned for retry.
func (c *FillConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		return kafka.DLQ(fmt.Errorf("empty kafka message"), "invalid_payload")
	}

	var event OrderFilledEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return kafka.DLQ(fmt.Errorf("decode %s: %w", orderFilledEventType, err), "invalid_payload")
	}
	if err := event.Validate(); err != nil {
		return kafka.DLQ(err, "invalid_payload")
	}
	orderID, _ := uuid.Parse(strings.TrimSpace(event.OrderID))

	result, err := c.applier.ApplyFill(ctx, storage.Fill{EventID: event.EventID, OrderID: orderID, Quantity: event.Quantity})
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return kafka.DLQ(err, "order_not_found")
	case errors.Is(err, storage.ErrInvalidStatus):
		return kafka.DLQ(err, "order_closed")
	case errors.Is(err, storage.ErrInvalidFill):
		return kafka.DLQ(err, "invalid_payload")
	case err != nil:
		return err
	}

	if result.AlreadyProcessed {
		c.logger.Info("fill event already processed", "event_id", event.EventID, "order_id", orderID)
		return nil
	}
	c.logger.Debug("fill applied", "event_id", event.EventID, "order_id", orderID, "completed", result.Completed)
	return nil
}

func (e *OrderFilledEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if e.EventType != orderFilledEventType {
		return fmt.Errorf("unexpected event_type: %s", e.EventType)
	}
	if strings.TrimSpace(e.OrderID) == "" {
		return fmt.Errorf("order_id is required")
	}
	if _, err := uuid.Parse(strings.TrimSpace(e.OrderID)); err != nil {
		return fmt.Errorf("order_id must be a uuid")
	}
	if e.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive")
	}
	if e.Price != "" {
		if _, err := decimal.NewFromString(strings.TrimSpace(e.Price)); err != nil {
			return fmt.Errorf("price must be decimal")
		}
	}
	return nil
}
