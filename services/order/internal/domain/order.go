// Package domain holds the order model shared by the engine, the store and the API.
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Order struct {
	ID                uuid.UUID
	AccountID         uuid.UUID
	ClientOrderID     string
	Symbol            string
	Side              Side
	Type              OrderType
	Quantity          int64
	Price             *decimal.Decimal
	TimeInForce       TimeInForce
	Status            Status
	FilledQuantity    int64
	RemainingQuantity int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
	Version           int64
}

// SetQuantity changes the ordered quantity and recomputes the remainder.
func (o *Order) SetQuantity(q int64) {
	if q <= 0 {
		panic(fmt.Sprintf("domain: non-positive quantity %d for order %s", q, o.ID))
	}
	o.Quantity = q
	o.recompute()
}

// SetFilled records cumulative filled quantity and recomputes the remainder.
func (o *Order) SetFilled(filled int64) {
	if filled < 0 || filled > o.Quantity {
		panic(fmt.Sprintf("domain: filled %d outside [0,%d] for order %s", filled, o.Quantity, o.ID))
	}
	o.FilledQuantity = filled
	o.recompute()
}

func (o *Order) recompute() {
	o.RemainingQuantity = o.Quantity - o.FilledQuantity
}

// Notional is quantity times limit price, or zero when there is no price.
func (o *Order) Notional() decimal.Decimal {
	if o.Price == nil {
		return decimal.Zero
	}
	return o.Price.Mul(decimal.NewFromInt(o.Quantity))
}

func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	if o.Price != nil {
		p := *o.Price
		c.Price = &p
	}
	return &c
}
