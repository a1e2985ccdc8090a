package storage

import (
	"errors"

	"github.com/brokerx/brokerx/services/order/internal/domain"
	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidCursor   = errors.New("invalid cursor")
	ErrVersionConflict = errors.New("version conflict")
	ErrDuplicate       = errors.New("duplicate client order id")
	ErrInvalidStatus   = errors.New("invalid status transition")
	// ErrInvalidFill rejects a fill that is non-positive or exceeds the open quantity.
	ErrInvalidFill = errors.New("invalid fill quantity")
)

type OrderFilter struct {
	Symbol string
	Status domain.Status
	Cursor string
	Limit  int
}

// Fill is one execution report against an order.
type Fill struct {
	EventID  string
	OrderID  uuid.UUID
	Quantity int64
}

type FillResult struct {
	Order            *domain.Order
	AlreadyProcessed bool
	// Completed is set when this fill moved the order to FILLED.
	Completed bool
}
