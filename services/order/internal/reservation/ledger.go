// Package reservation keeps the in-memory cash reservations held by open buy orders.
//
// Every wallet has its own book guarded by its own mutex; checking available
// funds and recording a reservation happen under that one lock. An order id
// maps to at most one wallet at a time.
package reservation

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/brokerx/brokerx/services/order/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAlreadyReserved   = errors.New("order already holds a reservation")
	ErrInvalidAmount     = errors.New("reservation amount must be positive")
)

// InsufficientFundsError carries the figures behind a rejected reservation.
type InsufficientFundsError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: required %s, available %s", e.Required.StringFixed(2), e.Available.StringFixed(2))
}

func (e *InsufficientFundsError) Is(target error) bool { return target == ErrInsufficientFunds }

type book struct {
	mu      sync.Mutex
	total   decimal.Decimal
	entries map[uuid.UUID]decimal.Decimal
	// dead marks a book unlinked from the ledger after its total reached zero.
	dead bool
}

type Ledger struct {
	mu      sync.Mutex
	wallets map[uuid.UUID]*book
	orders  map[uuid.UUID]uuid.UUID

	marketCeiling decimal.Decimal
}

func New(marketCeiling decimal.Decimal) *Ledger {
	return &Ledger{
		wallets:       make(map[uuid.UUID]*book),
		orders:        make(map[uuid.UUID]uuid.UUID),
		marketCeiling: marketCeiling,
	}
}

// Amount is the cash a buy must hold: qty*price for limits, qty*ceiling for
// market orders. Sells hold nothing.
func (l *Ledger) Amount(side domain.Side, typ domain.OrderType, quantity int64, price *decimal.Decimal) decimal.Decimal {
	switch side {
	case domain.SideSell:
		return decimal.Zero
	case domain.SideBuy:
	default:
		panic(fmt.Sprintf("reservation: unknown side %v", side))
	}
	q := decimal.NewFromInt(quantity)
	switch typ {
	case domain.TypeMarket:
		return q.Mul(l.marketCeiling)
	case domain.TypeLimit:
		if price == nil {
			panic("reservation: limit order without price")
		}
		return q.Mul(*price)
	default:
		panic(fmt.Sprintf("reservation: unknown order type %v", typ))
	}
}

func (l *Ledger) ReservationAmount(o *domain.Order) decimal.Decimal {
	return l.Amount(o.Side, o.Type, o.Quantity, o.Price)
}

// lockBook returns the wallet's live book, locked. create=false returns nil when absent.
func (l *Ledger) lockBook(walletID uuid.UUID, create bool) *book {
	for {
		l.mu.Lock()
		b, ok := l.wallets[walletID]
		if !ok {
			if !create {
				l.mu.Unlock()
				return nil
			}
			b = &book{entries: make(map[uuid.UUID]decimal.Decimal)}
			l.wallets[walletID] = b
		}
		l.mu.Unlock()

		b.mu.Lock()
		if !b.dead {
			return b
		}
		b.mu.Unlock()
	}
}

// Reserve records amount against walletID without a funds check.
// It returns false, changing nothing, when amount is not positive or the order already holds a reservation.
func (l *Ledger) Reserve(orderID, walletID uuid.UUID, amount decimal.Decimal) bool {
	return l.Restore(orderID, walletID, amount) == nil
}

// ReserveIfSufficient atomically checks balance minus held reservations and records amount.
func (l *Ledger) ReserveIfSufficient(orderID, walletID uuid.UUID, amount, walletBalance decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	b := l.lockBook(walletID, true)
	defer l.unlock(walletID, b)

	available := walletBalance.Sub(b.total)
	if available.LessThan(amount) {
		return &InsufficientFundsError{Required: amount, Available: available}
	}
	return l.insertLocked(b, orderID, walletID, amount)
}

// Restore re-establishes a reservation without a funds check; compensation paths use it.
func (l *Ledger) Restore(orderID, walletID uuid.UUID, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	b := l.lockBook(walletID, true)
	defer l.unlock(walletID, b)
	return l.insertLocked(b, orderID, walletID, amount)
}

// insertLocked requires b.mu held.
func (l *Ledger) insertLocked(b *book, orderID, walletID uuid.UUID, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.orders[orderID]; exists {
		return ErrAlreadyReserved
	}
	l.orders[orderID] = walletID
	b.entries[orderID] = amount
	b.total = b.total.Add(amount)
	return nil
}

// Release drops the order's reservation and returns the amount freed.
// Releasing an order with no reservation returns zero.
func (l *Ledger) Release(orderID, walletID uuid.UUID) decimal.Decimal {
	l.mu.Lock()
	held, ok := l.orders[orderID]
	l.mu.Unlock()
	if !ok {
		return decimal.Zero
	}
	if held != walletID {
		panic(fmt.Sprintf("reservation: order %s released against wallet %s, held on %s", orderID, walletID, held))
	}

	b := l.lockBook(walletID, false)
	if b == nil {
		return decimal.Zero
	}
	defer l.unlock(walletID, b)

	amount, ok := b.entries[orderID]
	if !ok {
		return decimal.Zero
	}
	delete(b.entries, orderID)
	b.total = b.total.Sub(amount)
	if b.total.IsNegative() {
		panic(fmt.Sprintf("reservation: wallet %s total went negative (%s)", walletID, b.total))
	}

	l.mu.Lock()
	delete(l.orders, orderID)
	l.mu.Unlock()
	return amount
}

// Replace swaps the order's reservation for newAmount in one step. On
// ErrInsufficientFunds the previous reservation is left exactly as it was.
// It returns the previously held amount.
func (l *Ledger) Replace(orderID, walletID uuid.UUID, newAmount, walletBalance decimal.Decimal) (decimal.Decimal, error) {
	if !newAmount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	b := l.lockBook(walletID, true)
	defer l.unlock(walletID, b)

	l.mu.Lock()
	held, exists := l.orders[orderID]
	l.mu.Unlock()
	if exists && held != walletID {
		panic(fmt.Sprintf("reservation: order %s replaced on wallet %s, held on %s", orderID, walletID, held))
	}

	old := b.entries[orderID]
	available := walletBalance.Sub(b.total.Sub(old))
	if available.LessThan(newAmount) {
		return old, &InsufficientFundsError{Required: newAmount, Available: available}
	}

	l.mu.Lock()
	l.orders[orderID] = walletID
	l.mu.Unlock()
	b.entries[orderID] = newAmount
	b.total = b.total.Sub(old).Add(newAmount)
	return old, nil
}

// RevertIf sets the order's reservation to amount without a funds check, but
// only while it still holds expected; another writer may have replaced or
// released it since. A zero amount removes the reservation.
func (l *Ledger) RevertIf(orderID, walletID uuid.UUID, expected, amount decimal.Decimal) bool {
	if amount.IsNegative() {
		panic(fmt.Sprintf("reservation: revert of order %s to negative %s", orderID, amount))
	}
	b := l.lockBook(walletID, true)
	defer l.unlock(walletID, b)

	l.mu.Lock()
	defer l.mu.Unlock()
	held, exists := l.orders[orderID]
	if !exists {
		return false
	}
	if held != walletID {
		panic(fmt.Sprintf("reservation: order %s reverted on wallet %s, held on %s", orderID, walletID, held))
	}
	current := b.entries[orderID]
	if !current.Equal(expected) {
		return false
	}
	b.total = b.total.Sub(current)
	if amount.IsZero() {
		delete(b.entries, orderID)
		delete(l.orders, orderID)
		return true
	}
	b.entries[orderID] = amount
	b.total = b.total.Add(amount)
	return true
}

// unlock releases b and unlinks it from the ledger when empty.
func (l *Ledger) unlock(walletID uuid.UUID, b *book) {
	if len(b.entries) == 0 {
		if !b.total.IsZero() {
			panic(fmt.Sprintf("reservation: wallet %s has no entries but total %s", walletID, b.total))
		}
		b.dead = true
		l.mu.Lock()
		if l.wallets[walletID] == b {
			delete(l.wallets, walletID)
		}
		l.mu.Unlock()
	}
	b.mu.Unlock()
}

func (l *Ledger) TotalReserved(walletID uuid.UUID) decimal.Decimal {
	b := l.lockBook(walletID, false)
	if b == nil {
		return decimal.Zero
	}
	defer b.mu.Unlock()
	return b.total
}

// ReservedAmount returns the order's held amount and the wallet it is held on.
func (l *Ledger) ReservedAmount(orderID uuid.UUID) (decimal.Decimal, uuid.UUID, bool) {
	l.mu.Lock()
	walletID, ok := l.orders[orderID]
	l.mu.Unlock()
	if !ok {
		return decimal.Zero, uuid.Nil, false
	}
	b := l.lockBook(walletID, false)
	if b == nil {
		return decimal.Zero, uuid.Nil, false
	}
	defer b.mu.Unlock()
	amount, ok := b.entries[orderID]
	return amount, walletID, ok
}

func (l *Ledger) AvailableBalance(walletID uuid.UUID, walletBalance decimal.Decimal) decimal.Decimal {
	return walletBalance.Sub(l.TotalReserved(walletID))
}

func (l *Ledger) HasSufficientFunds(walletID uuid.UUID, walletBalance, amount decimal.Decimal) bool {
	return l.AvailableBalance(walletID, walletBalance).GreaterThanOrEqual(amount)
}

type Stats struct {
	ActiveReservations      int                        `json:"totalActiveReservations"`
	WalletsWithReservations int                        `json:"walletsWithReservations"`
	TotalByWallet           map[string]decimal.Decimal `json:"totalReservationsByWallet"`
}

func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	ids := make([]uuid.UUID, 0, len(l.wallets))
	for id := range l.wallets {
		ids = append(ids, id)
	}
	active := len(l.orders)
	l.mu.Unlock()

	s := Stats{ActiveReservations: active, TotalByWallet: make(map[string]decimal.Decimal, len(ids))}
	for _, id := range ids {
		if total := l.TotalReserved(id); total.IsPositive() {
			s.TotalByWallet[id.String()] = total
		}
	}
	s.WalletsWithReservations = len(s.TotalByWallet)
	return s
}

// Verify recomputes every wallet total from its entries and panics on drift.
func (l *Ledger) Verify() {
	l.mu.Lock()
	ids := make([]uuid.UUID, 0, len(l.wallets))
	for id := range l.wallets {
		ids = append(ids, id)
	}
	l.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	for _, id := range ids {
		b := l.lockBook(id, false)
		if b == nil {
			continue
		}
		sum := decimal.Zero
		for orderID, amount := range b.entries {
			if !amount.IsPositive() {
				b.mu.Unlock()
				panic(fmt.Sprintf("reservation: order %s holds non-positive %s", orderID, amount))
			}
			l.mu.Lock()
			held := l.orders[orderID]
			l.mu.Unlock()
			if held != id {
				b.mu.Unlock()
				panic(fmt.Sprintf("reservation: order %s indexed on %s but booked on %s", orderID, held, id))
			}
			sum = sum.Add(amount)
		}
		total := b.total
		b.mu.Unlock()
		if !sum.Equal(total) {
			panic(fmt.Sprintf("reservation: wallet %s total %s drifted from entries %s", id, total, sum))
		}
	}
}
