package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brokerx/brokerx/libs/trace"
	"github.com/brokerx/brokerx/services/order/internal/audit"
	"github.com/brokerx/brokerx/services/order/internal/domain"
	"github.com/brokerx/brokerx/services/order/internal/gateway"
	"github.com/brokerx/brokerx/services/order/internal/reservation"
	"github.com/brokerx/brokerx/services/order/internal/storage"
	"github.com/brokerx/brokerx/services/order/internal/validation"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

const (
	MsgPlaced        = "Order placed successfully"
	MsgDuplicate     = "Order with this Client Order ID already exists"
	MsgCancelled     = "Order cancelled"
	MsgCannotCancel  = "Cannot cancel a fully filled or already-cancelled order"
	MsgMarketModify  = "Cannot modify MARKET orders. Please cancel and create a new order."
	MsgOrderNotFound = "Order not found"

	ActionCancelled = "CANCELLED"
	ActionModified  = "MODIFIED"
)

// errRaced stops the place saga when a concurrent request stored the same client order id first.
var errRaced = errors.New("client order id stored concurrently")

type OrderStore interface {
	GetOrderByClientID(ctx context.Context, accountID uuid.UUID, clientOrderID string) (*domain.Order, error)
	GetOrderByID(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)
	CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, bool, error)
	UpdateOrder(ctx context.Context, order *domain.Order, expectedVersion int64) (*domain.Order, error)
	DeleteOrder(ctx context.Context, orderID uuid.UUID) error
	ListOrdersByAccount(ctx context.Context, accountID uuid.UUID, filter storage.OrderFilter) ([]domain.Order, string, error)
	ListOpenOrders(ctx context.Context) ([]domain.Order, error)
	ApplyFill(ctx context.Context, fill storage.Fill) (storage.FillResult, error)
}

type OrderService struct {
	store     OrderStore
	gateway   gateway.Gateway
	ledger    *reservation.Ledger
	validator *validation.Validator
	audit     audit.Sink
	logger    *slog.Logger
	metrics   *Metrics

	retryAttempts int
	retryBackoff  time.Duration
}

type PlaceOrderInput struct {
	// Identity is the authenticated login the order is placed for.
	Identity      string
	Request       validation.OrderRequest
	CorrelationID string
}

type OrderResult struct {
	Order    *domain.Order
	Message  string
	Existing bool
}

type CancelOrderInput struct {
	Identity      string
	OrderID       uuid.UUID
	CorrelationID string
}

type ModifyOrderInput struct {
	Identity      string
	OrderID       uuid.UUID
	Quantity      *int64
	Price         *decimal.Decimal
	CorrelationID string
}

type ModificationResult struct {
	Order   *domain.Order
	Message string
	Action  string
}

func NewOrderService(store OrderStore, gw gateway.Gateway, ledger *reservation.Ledger, validator *validation.Validator, auditSink audit.Sink, logger *slog.Logger, metrics *Metrics) *OrderService {
	if logger == nil {
		logger = slog.Default()
	}
	return &OrderService{
		store:         store,
		gateway:       gw,
		ledger:        ledger,
		validator:     validator,
		audit:         auditSink,
		logger:        logger,
		metrics:       metrics,
		retryAttempts: 2,
		retryBackoff:  50 * time.Millisecond,
	}
}

// WithRetry sets how often transient gateway steps are attempted.
func (s *OrderService) WithRetry(attempts int, backoff time.Duration) *OrderService {
	s.retryAttempts = attempts
	s.retryBackoff = backoff
	return s
}

func (s *OrderService) PlaceOrder(ctx context.Context, in PlaceOrderInput) (result *OrderResult, err error) {
	start := time.Now()
	ctx, span := trace.StartSpan(ctx, "order-engine", "PlaceOrder",
		attribute.String("correlation_id", in.CorrelationID),
		attribute.String("client_order_id", in.Request.ClientOrderID),
	)
	defer func() { trace.EndSpan(span, err) }()
	defer func() {
		if s.metrics == nil {
			return
		}
		label := resultLabel(err)
		if err == nil && result.Existing {
			label = "existing"
		}
		s.metrics.Placements.WithLabelValues(label).Inc()
		s.metrics.PlacementLatency.WithLabelValues(label).Observe(time.Since(start).Seconds())
	}()

	account, err := s.gateway.ResolveAccount(ctx, in.Identity)
	if err != nil {
		return nil, gatewayFailure(err, "Account not found")
	}
	if r := validation.ValidateAccount(account); !r.Valid {
		return nil, fail(KindValidation, "%s", r.Reason)
	}

	req := in.Request
	req.ClientOrderID = strings.TrimSpace(req.ClientOrderID)
	if req.ClientOrderID != "" {
		existing, err := s.store.GetOrderByClientID(ctx, account.ID, req.ClientOrderID)
		if err == nil {
			return &OrderResult{Order: existing, Message: MsgDuplicate, Existing: true}, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, storeFailure(err)
		}
	}

	if r := s.validator.Validate(req); !r.Valid {
		return nil, fail(KindValidation, "%s", r.Reason)
	}
	order := newOrder(account.ID, req)
	amount := s.ledger.ReservationAmount(order)
	holdsCash := order.Side == domain.SideBuy && amount.IsPositive()

	var (
		wallet   *domain.Wallet
		stored   *domain.Order
		reserved bool
	)
	var steps []step
	if holdsCash {
		steps = append(steps,
			s.walletStep(account.ID, &wallet),
			step{name: "check_funds", run: func(context.Context) (stepOutcome, error) {
				if available := s.ledger.AvailableBalance(wallet.ID, wallet.Balance); available.LessThan(amount) {
					return stepTerminal, insufficientFunds(amount, available)
				}
				return stepOK, nil
			}},
		)
	}
	steps = append(steps, step{
		name: "persist",
		run: func(ctx context.Context) (stepOutcome, error) {
			o, created, err := s.store.CreateOrder(ctx, *order)
			if err != nil {
				return stepTerminal, storeFailure(err)
			}
			stored = o
			if !created {
				return stepTerminal, errRaced
			}
			return stepOK, nil
		},
		compensate: func(ctx context.Context) {
			if err := s.store.DeleteOrder(ctx, stored.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				s.logger.Error("delete order during compensation failed", "order_id", stored.ID, "error", err)
			}
		},
	})
	if holdsCash {
		steps = append(steps, step{
			name: "reserve",
			run: func(context.Context) (stepOutcome, error) {
				err := s.ledger.ReserveIfSufficient(stored.ID, wallet.ID, amount, wallet.Balance)
				var short *reservation.InsufficientFundsError
				switch {
				case err == nil:
					reserved = true
					return stepOK, nil
				case errors.As(err, &short):
					return stepTerminal, insufficientFunds(short.Required, short.Available)
				default:
					return stepTerminal, wrapFailure(KindInternal, "Failed to reserve funds", err)
				}
			},
			compensate: func(context.Context) {
				if reserved {
					s.ledger.Release(stored.ID, wallet.ID)
				}
			},
		})
	}

	if err := s.newSaga("place").run(ctx, steps...); err != nil {
		if errors.Is(err, errRaced) {
			return &OrderResult{Order: stored, Message: MsgDuplicate, Existing: true}, nil
		}
		s.logger.Info("order rejected", "account_id", account.ID, "client_order_id", req.ClientOrderID, "error", err)
		return nil, err
	}

	s.recordAudit(ctx, audit.ActionCreate, stored, &account.UserID, in.CorrelationID, map[string]any{
		"clientOrderId": stored.ClientOrderID,
		"symbol":        stored.Symbol,
		"side":          stored.Side.String(),
		"orderType":     stored.Type.String(),
		"quantity":      stored.Quantity,
		"price":         priceDetail(stored.Price),
		"status":        stored.Status.String(),
	})
	s.logger.Info("order placed", "order_id", stored.ID, "client_order_id", stored.ClientOrderID, "reserved", amount.String())
	return &OrderResult{Order: stored, Message: MsgPlaced}, nil
}

func (s *OrderService) CancelOrder(ctx context.Context, in CancelOrderInput) (result *ModificationResult, err error) {
	ctx, span := trace.StartSpan(ctx, "order-engine", "CancelOrder", attribute.String("order_id", in.OrderID.String()))
	defer func() { trace.EndSpan(span, err) }()
	defer func() {
		if s.metrics != nil {
			s.metrics.Cancellations.WithLabelValues(resultLabel(err)).Inc()
		}
	}()

	order, actor, err := s.loadOwned(ctx, in.Identity, in.OrderID)
	if err != nil {
		return nil, err
	}
	if order.Status.Terminal() {
		return nil, fail(KindInvalidState, MsgCannotCancel)
	}

	var (
		released  decimal.Decimal
		cancelled *domain.Order
	)
	// Persist before release: a cancel that loses the version race must not touch the reservation.
	steps := []step{
		{name: "persist", run: func(ctx context.Context) (stepOutcome, error) {
			next := order.Clone()
			next.Status = domain.StatusCancelled
			updated, err := s.store.UpdateOrder(ctx, next, order.Version)
			if err != nil {
				return stepTerminal, storeFailure(err)
			}
			cancelled = updated
			return stepOK, nil
		}},
		{name: "release", run: func(context.Context) (stepOutcome, error) {
			if _, walletID, ok := s.ledger.ReservedAmount(order.ID); ok {
				released = s.ledger.Release(order.ID, walletID)
			}
			return stepOK, nil
		}},
	}

	if err := s.newSaga("cancel").run(ctx, steps...); err != nil {
		return nil, err
	}

	s.recordAudit(ctx, audit.ActionCancel, cancelled, s.performedBy(ctx, actor, order.AccountID), in.CorrelationID, map[string]any{
		"clientOrderId": cancelled.ClientOrderID,
		"oldStatus":     order.Status.String(),
		"newStatus":     cancelled.Status.String(),
	})
	s.logger.Info("order cancelled", "order_id", cancelled.ID, "released", released.String())
	return &ModificationResult{Order: cancelled, Message: MsgCancelled, Action: ActionCancelled}, nil
}

func (s *OrderService) ModifyOrder(ctx context.Context, in ModifyOrderInput) (result *ModificationResult, err error) {
	ctx, span := trace.StartSpan(ctx, "order-engine", "ModifyOrder", attribute.String("order_id", in.OrderID.String()))
	defer func() { trace.EndSpan(span, err) }()
	defer func() {
		if s.metrics != nil {
			s.metrics.Modifications.WithLabelValues(resultLabel(err)).Inc()
		}
	}()

	if in.Quantity == nil && in.Price == nil {
		return nil, fail(KindValidation, "At least one field (quantity or price) must be provided")
	}
	order, actor, err := s.loadOwned(ctx, in.Identity, in.OrderID)
	if err != nil {
		return nil, err
	}
	switch {
	case order.Status.Terminal():
		return nil, fail(KindInvalidState, "Order cannot be modified in its current state: %s", order.Status)
	case order.Type == domain.TypeMarket:
		return nil, fail(KindInvalidState, MsgMarketModify)
	case order.FilledQuantity > 0:
		return nil, fail(KindInvalidState, "Cannot modify a partially filled order. Filled: %d", order.FilledQuantity)
	case in.Quantity != nil && *in.Quantity < order.FilledQuantity:
		return nil, fail(KindValidation, "New quantity cannot be less than already filled quantity (%d)", order.FilledQuantity)
	}
	if r := s.validator.ValidateAmendment(order, in.Quantity, in.Price); !r.Valid {
		return nil, fail(KindValidation, "%s", r.Reason)
	}

	next := order.Clone()
	if in.Quantity != nil {
		next.SetQuantity(*in.Quantity)
	}
	if in.Price != nil {
		price := *in.Price
		next.Price = &price
	}
	next.Status = domain.StatusWorking
	newAmount := s.ledger.ReservationAmount(next)

	var (
		wallet    *domain.Wallet
		oldAmount decimal.Decimal
		modified  *domain.Order
	)
	var steps []step
	if order.Side == domain.SideBuy {
		steps = append(steps,
			s.walletStep(order.AccountID, &wallet),
			step{
				name: "swap_reservation",
				run: func(context.Context) (stepOutcome, error) {
					old, err := s.ledger.Replace(order.ID, wallet.ID, newAmount, wallet.Balance)
					var short *reservation.InsufficientFundsError
					switch {
					case err == nil:
						oldAmount = old
						return stepOK, nil
					case errors.As(err, &short):
						return stepTerminal, fail(KindInsufficientFunds, "Insufficient funds for modification. Required: %s, Available: %s",
							short.Required.StringFixed(2), short.Available.StringFixed(2))
					default:
						return stepTerminal, wrapFailure(KindInternal, "Failed to reserve funds for modification", err)
					}
				},
				compensate: func(ctx context.Context) {
					target := s.reservationAfterConflict(ctx, order.ID, oldAmount)
					if !s.ledger.RevertIf(order.ID, wallet.ID, newAmount, target) {
						s.logger.Warn("reservation moved by a concurrent writer, left in place", "order_id", order.ID)
					}
				},
			},
		)
	}
	steps = append(steps, step{name: "persist", run: func(ctx context.Context) (stepOutcome, error) {
		updated, err := s.store.UpdateOrder(ctx, next, order.Version)
		if err != nil {
			return stepTerminal, storeFailure(err)
		}
		modified = updated
		return stepOK, nil
	}})

	if err := s.newSaga("modify").run(ctx, steps...); err != nil {
		return nil, err
	}

	details := map[string]any{"clientOrderId": modified.ClientOrderID}
	if in.Quantity != nil {
		details["oldQuantity"] = order.Quantity
		details["newQuantity"] = modified.Quantity
	}
	if in.Price != nil {
		details["oldPrice"] = priceDetail(order.Price)
		details["newPrice"] = priceDetail(modified.Price)
	}
	s.recordAudit(ctx, audit.ActionModify, modified, s.performedBy(ctx, actor, order.AccountID), in.CorrelationID, details)

	s.logger.Info("order modified", "order_id", modified.ID, "quantity", modified.Quantity, "price", priceDetail(modified.Price))
	return &ModificationResult{
		Order:   modified,
		Message: modifiedMessage(modified),
		Action:  ActionModified,
	}, nil
}

// GetOrder returns the order if identity owns it. An empty identity skips the ownership check.
func (s *OrderService) GetOrder(ctx context.Context, identity string, orderID uuid.UUID) (*domain.Order, error) {
	order, _, err := s.loadOwned(ctx, identity, orderID)
	return order, err
}

func (s *OrderService) ListOrdersForAccount(ctx context.Context, identity string, filter storage.OrderFilter) ([]domain.Order, string, error) {
	account, err := s.gateway.ResolveAccount(ctx, identity)
	if err != nil {
		return nil, "", gatewayFailure(err, "Account not found")
	}
	orders, next, err := s.store.ListOrdersByAccount(ctx, account.ID, filter)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidCursor) {
			return nil, "", wrapFailure(KindValidation, "Invalid cursor", err)
		}
		return nil, "", storeFailure(err)
	}
	return orders, next, nil
}

func (s *OrderService) loadOwned(ctx context.Context, identity string, orderID uuid.UUID) (*domain.Order, *domain.Account, error) {
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, nil, storeFailure(err)
	}
	if identity == "" {
		return order, nil, nil
	}
	account, err := s.gateway.ResolveAccount(ctx, identity)
	if err != nil {
		return nil, nil, gatewayFailure(err, "Account not found")
	}
	if account.ID != order.AccountID {
		return nil, nil, fail(KindForbidden, "Access denied to this order")
	}
	return order, account, nil
}

// reservationAfterConflict returns what the order should hold after a failed
// modification, going by the stored order. Closed orders hold nothing;
// fallback applies when the store cannot be read.
func (s *OrderService) reservationAfterConflict(ctx context.Context, orderID uuid.UUID, fallback decimal.Decimal) decimal.Decimal {
	current, err := s.store.GetOrderByID(ctx, orderID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return decimal.Zero
	case err != nil:
		s.logger.Warn("reload order during compensation failed", "order_id", orderID, "error", err)
		return fallback
	case current.Status.Terminal():
		return decimal.Zero
	default:
		return s.ledger.ReservationAmount(current)
	}
}

func (s *OrderService) walletStep(accountID uuid.UUID, out **domain.Wallet) step {
	return step{name: "resolve_wallet", run: func(ctx context.Context) (stepOutcome, error) {
		w, err := s.gateway.GetWallet(ctx, accountID)
		if err != nil {
			f := gatewayFailure(err, "Wallet not found")
			if f.Kind == KindUnavailable {
				return stepRetryable, f
			}
			return stepTerminal, f
		}
		*out = w
		return stepOK, nil
	}}
}

// performedBy is the acting user for the audit trail, looked up from the
// order's account when the caller did not authenticate.
func (s *OrderService) performedBy(ctx context.Context, actor *domain.Account, accountID uuid.UUID) *uuid.UUID {
	if actor != nil {
		return &actor.UserID
	}
	account, err := s.gateway.GetAccount(ctx, accountID)
	if err != nil {
		s.logger.Warn("could not resolve user for audit", "account_id", accountID, "error", err)
		return nil
	}
	return &account.UserID
}

func (s *OrderService) recordAudit(ctx context.Context, action audit.Action, order *domain.Order, performedBy *uuid.UUID, correlationID string, details map[string]any) {
	if s.audit == nil {
		return
	}
	event, err := audit.NewEvent(action, order.ID, performedBy, correlationID, details)
	if err != nil {
		s.logger.Error("build audit event failed", "order_id", order.ID, "error", err)
		return
	}
	if err := s.audit.Record(ctx, event); err != nil {
		s.logger.Error("audit record failed", "order_id", order.ID, "action", string(action), "error", err)
	}
}

func newOrder(accountID uuid.UUID, req validation.OrderRequest) *domain.Order {
	side, _ := domain.ParseSide(req.Side)
	typ, _ := domain.ParseOrderType(req.Type)
	tif, _ := domain.ParseTimeInForce(req.TimeInForce)
	order := &domain.Order{
		ID:            uuid.New(),
		AccountID:     accountID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        validation.NormalizeSymbol(req.Symbol),
		Side:          side,
		Type:          typ,
		TimeInForce:   tif,
		Status:        domain.StatusWorking,
	}
	order.SetQuantity(*req.Quantity)
	if typ == domain.TypeLimit {
		price := *req.Price
		order.Price = &price
	}
	return order
}

func gatewayFailure(err error, notFound string) *Failure {
	switch {
	case errors.Is(err, gateway.ErrAccountNotFound), errors.Is(err, gateway.ErrWalletNotFound):
		return wrapFailure(KindNotFound, notFound, err)
	case errors.Is(err, gateway.ErrUnavailable):
		return wrapFailure(KindUnavailable, "Account service unavailable, please retry", err)
	default:
		return wrapFailure(KindInternal, "Internal error", err)
	}
}

func storeFailure(err error) *Failure {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return wrapFailure(KindNotFound, MsgOrderNotFound, err)
	case errors.Is(err, storage.ErrVersionConflict):
		return wrapFailure(KindConflict, "Order was modified concurrently, please retry", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return wrapFailure(KindUnavailable, "Order store unavailable, please retry", err)
	default:
		return wrapFailure(KindInternal, "Internal error", err)
	}
}

func insufficientFunds(required, available decimal.Decimal) *Failure {
	return fail(KindInsufficientFunds, "Insufficient funds. Required: %s, Available: %s", required.StringFixed(2), available.StringFixed(2))
}

func priceDetail(p *decimal.Decimal) string {
	if p == nil {
		return "MARKET"
	}
	return p.StringFixed(2)
}

func modifiedMessage(o *domain.Order) string {
	return fmt.Sprintf("Order modified successfully. New quantity: %d, New price: %s", o.Quantity, priceDetail(o.Price))
}
