// Package validation holds the stateless order rule pipeline.
package validation

import (
	"fmt"
	"strings"

	"github.com/brokerx/brokerx/services/order/internal/domain"
	"github.com/shopspring/decimal"
)

// Policy is the set of market limits orders are checked against.
type Policy struct {
	AllowedSymbols []string
	MinPrice       decimal.Decimal
	MaxPrice       decimal.Decimal
	TickSize       decimal.Decimal
	MinQuantity    int64
	MaxQuantity    int64
	MaxOrderValue  decimal.Decimal
}

func DefaultPolicy() Policy {
	return Policy{
		AllowedSymbols: []string{"AAPL", "GOOGL", "MSFT", "TSLA", "AMZN"},
		MinPrice:       decimal.RequireFromString("0.01"),
		MaxPrice:       decimal.RequireFromString("10000.00"),
		TickSize:       decimal.RequireFromString("0.01"),
		MinQuantity:    1,
		MaxQuantity:    100000,
		MaxOrderValue:  decimal.RequireFromString("100000.00"),
	}
}

// OrderRequest is an order as submitted; enum fields are raw text until validated.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          string
	Type          string
	TimeInForce   string
	Quantity      *int64
	Price         *decimal.Decimal
}

type Result struct {
	Valid  bool
	Reason string
}

func ok() Result { return Result{Valid: true} }

func reject(format string, args ...any) Result {
	return Result{Reason: fmt.Sprintf(format, args...)}
}

type Validator struct {
	policy  Policy
	symbols map[string]struct{}
}

func New(policy Policy) *Validator {
	symbols := make(map[string]struct{}, len(policy.AllowedSymbols))
	for _, s := range policy.AllowedSymbols {
		symbols[strings.ToUpper(s)] = struct{}{}
	}
	return &Validator{policy: policy, symbols: symbols}
}

func (v *Validator) Policy() Policy { return v.policy }

// Validate runs the rules in a fixed order and stops at the first failure.
func (v *Validator) Validate(req OrderRequest) Result {
	if r := required(req); !r.Valid {
		return r
	}
	if _, err := domain.ParseSide(req.Side); err != nil {
		return reject("Side must be BUY or SELL")
	}
	orderType, err := domain.ParseOrderType(req.Type)
	if err != nil {
		return reject("Order type must be MARKET or LIMIT")
	}
	if r := v.checkQuantity(*req.Quantity, "Quantity"); !r.Valid {
		return r
	}
	if orderType == domain.TypeLimit {
		if req.Price == nil {
			return reject("Price is required for LIMIT orders")
		}
		if r := v.checkPrice(*req.Price, "Price"); !r.Valid {
			return r
		}
	}
	if _, err := domain.ParseTimeInForce(req.TimeInForce); err != nil {
		return reject("Time in force must be DAY, IOC, or FOK")
	}
	symbol := NormalizeSymbol(req.Symbol)
	if _, allowed := v.symbols[symbol]; !allowed {
		return reject("Symbol not allowed: %s", symbol)
	}
	if orderType == domain.TypeLimit {
		return v.checkValue(*req.Quantity, *req.Price)
	}
	return ok()
}

// ValidateAmendment checks a prospective quantity/price change on an existing order.
// Nil arguments keep the order's current value.
func (v *Validator) ValidateAmendment(order *domain.Order, newQuantity *int64, newPrice *decimal.Decimal) Result {
	if newQuantity == nil && newPrice == nil {
		return reject("At least one field (quantity or price) must be provided")
	}
	qty := order.Quantity
	if newQuantity != nil {
		if *newQuantity <= 0 {
			return reject("New quantity must be positive")
		}
		if r := v.checkQuantity(*newQuantity, "New quantity"); !r.Valid {
			return r
		}
		qty = *newQuantity
	}
	price := order.Price
	if newPrice != nil {
		if !newPrice.IsPositive() {
			return reject("New price must be positive")
		}
		if r := v.checkPrice(*newPrice, "New price"); !r.Valid {
			return r
		}
		price = newPrice
	}
	if order.Type == domain.TypeLimit && price != nil {
		return v.checkValue(qty, *price)
	}
	return ok()
}

// ValidateAccount requires a known account in ACTIVE status.
func ValidateAccount(account *domain.Account) Result {
	if account == nil {
		return reject("Account not found")
	}
	if account.Status != domain.AccountActive {
		return reject("Account is not active")
	}
	return ok()
}

func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func required(req OrderRequest) Result {
	switch {
	case strings.TrimSpace(req.ClientOrderID) == "":
		return reject("Client order ID is required")
	case strings.TrimSpace(req.Symbol) == "":
		return reject("Symbol is required")
	case strings.TrimSpace(req.Side) == "":
		return reject("Side is required")
	case strings.TrimSpace(req.Type) == "":
		return reject("Order type is required")
	case req.Quantity == nil:
		return reject("Quantity is required")
	case strings.TrimSpace(req.TimeInForce) == "":
		return reject("Time in force is required")
	}
	return ok()
}

func (v *Validator) checkQuantity(q int64, label string) Result {
	if q <= 0 {
		return reject("%s must be positive", label)
	}
	if q < v.policy.MinQuantity || q > v.policy.MaxQuantity {
		return reject("%s must be between %d and %d", label, v.policy.MinQuantity, v.policy.MaxQuantity)
	}
	return ok()
}

func (v *Validator) checkPrice(p decimal.Decimal, label string) Result {
	if !p.IsPositive() {
		return reject("%s must be positive", label)
	}
	if p.LessThan(v.policy.MinPrice) {
		return reject("%s below minimum: %s", label, v.policy.MinPrice.StringFixed(2))
	}
	if p.GreaterThan(v.policy.MaxPrice) {
		return reject("%s above maximum: %s", label, v.policy.MaxPrice.StringFixed(2))
	}
	if !p.Mod(v.policy.TickSize).IsZero() {
		return reject("%s must be multiple of %s", label, v.policy.TickSize.String())
	}
	return ok()
}

func (v *Validator) checkValue(q int64, p decimal.Decimal) Result {
	value := p.Mul(decimal.NewFromInt(q))
	if value.GreaterThan(v.policy.MaxOrderValue) {
		return reject("Order value exceeds maximum: %s", v.policy.MaxOrderValue.StringFixed(2))
	}
	return ok()
}
