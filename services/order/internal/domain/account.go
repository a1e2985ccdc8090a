package domain

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountStatus mirrors the account service lifecycle; only ACTIVE accounts may trade.
type AccountStatus string

const (
	AccountPending  AccountStatus = "PENDING"
	AccountActive   AccountStatus = "ACTIVE"
	AccountRejected AccountStatus = "REJECTED"
)

type Account struct {
	ID     uuid.UUID
	UserID uuid.UUID
	Status AccountStatus
}

type Wallet struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	Balance   decimal.Decimal
	Currency  string
}
