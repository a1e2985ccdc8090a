// Package audit records order lifecycle events for the compliance trail.
// Recording is best effort: a failing sink never fails the order operation.
package audit

import (
	"context"
	"fmt"

	"github.com/brokerx/brokerx/libs/kafka"
	"github.com/google/uuid"
)

const (
	EventType    = "order.audit"
	EventVersion = 1
	EntityOrder  = "ORDER"
	// SourceAddress stands in for the client address on engine-originated events.
	SourceAddress = "internal-order-service"
	producerName  = "order-service"
)

type Action string

const (
	ActionCreate Action = "CREATE"
	ActionCancel Action = "CANCEL"
	ActionModify Action = "MODIFY"
)

type Event struct {
	kafka.Envelope
	EntityType  string         `json:"entity_type"`
	EntityID    uuid.UUID      `json:"entity_id"`
	Action      Action         `json:"action"`
	PerformedBy *uuid.UUID     `json:"performed_by,omitempty"`
	IPAddress   string         `json:"ip_address"`
	Details     map[string]any `json:"details,omitempty"`
}

// NewEvent builds an ORDER event. A nil performedBy means the acting user is unknown.
func NewEvent(action Action, orderID uuid.UUID, performedBy *uuid.UUID, correlationID string, details map[string]any) (Event, error) {
	env, err := kafka.NewEnvelope(EventType, EventVersion, correlationID)
	if err != nil {
		return Event{}, fmt.Errorf("audit envelope: %w", err)
	}
	env.Producer = producerName
	return Event{
		Envelope:    env,
		EntityType:  EntityOrder,
		EntityID:    orderID,
		Action:      action,
		PerformedBy: performedBy,
		IPAddress:   SourceAddress,
		Details:     details,
	}, nil
}

type Sink interface {
	Record(ctx context.Context, event Event) error
}

// Recorder is what the engine holds: a sink that never blocks the caller.
type Recorder interface {
	Record(ctx context.Context, event Event) error
	Close(ctx context.Context) error
}
