package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brokerx/brokerx/libs/logging"
	"github.com/brokerx/brokerx/services/order/internal/audit"
	"github.com/brokerx/brokerx/services/order/internal/domain"
	"github.com/brokerx/brokerx/services/order/internal/gateway"
	"github.com/brokerx/brokerx/services/order/internal/reservation"
	"github.com/brokerx/brokerx/services/order/internal/storage"
	"github.com/brokerx/brokerx/services/order/internal/validation"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
)

const trader = "trader@example.com"

type fakeGateway struct {
	account     *domain.Account
	wallet      *domain.Wallet
	walletErr   error
	walletCalls atomic.Int32
}

func (g *fakeGateway) ResolveAccount(_ context.Context, identity string) (*domain.Account, error) {
	if identity != trader {
		return &domain.Account{ID: uuid.New(), UserID: uuid.New(), Status: domain.AccountActive}, nil
	}
	if g.account == nil {
		return nil, gateway.ErrAccountNotFound
	}
	acct := *g.account
	return &acct, nil
}

func (g *fakeGateway) GetAccount(_ context.Context, accountID uuid.UUID) (*domain.Account, error) {
	if g.account == nil || g.account.ID != accountID {
		return nil, gateway.ErrAccountNotFound
	}
	acct := *g.account
	return &acct, nil
}

func (g *fakeGateway) GetWallet(_ context.Context, accountID uuid.UUID) (*domain.Wallet, error) {
	g.walletCalls.Add(1)
	if g.walletErr != nil {
		return nil, g.walletErr
	}
	if g.wallet == nil || g.wallet.AccountID != accountID {
		return nil, gateway.ErrWalletNotFound
	}
	w := *g.wallet
	return &w, nil
}

type hookStore struct {
	*storage.MemoryStore
	afterCreate func(*domain.Order)
	// beforeUpdate runs once, ahead of the next UpdateOrder, to stand in for a concurrent writer.
	beforeUpdate func()
	updateErr    error
}

func (h *hookStore) CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, bool, error) {
	stored, created, err := h.MemoryStore.CreateOrder(ctx, order)
	if err == nil && created && h.afterCreate != nil {
		h.afterCreate(stored)
	}
	return stored, created, err
}

func (h *hookStore) UpdateOrder(ctx context.Context, order *domain.Order, expectedVersion int64) (*domain.Order, error) {
	if hook := h.beforeUpdate; hook != nil {
		h.beforeUpdate = nil
		hook()
	}
	if h.updateErr != nil {
		return nil, h.updateErr
	}
	return h.MemoryStore.UpdateOrder(ctx, order, expectedVersion)
}

type captureAudit struct {
	mu     sync.Mutex
	events []audit.Event
	err    error
}

func (c *captureAudit) Record(_ context.Context, event audit.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return c.err
}

func (c *captureAudit) actions() []audit.Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]audit.Action, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Action)
	}
	return out
}

type harness struct {
	svc     *OrderService
	store   *hookStore
	gw      *fakeGateway
	ledger  *reservation.Ledger
	audit   *captureAudit
	metrics *Metrics
}

func newHarness(t *testing.T, balance string) *harness {
	t.Helper()
	account := &domain.Account{ID: uuid.New(), UserID: uuid.New(), Status: domain.AccountActive}
	gw := &fakeGateway{
		account: account,
		wallet:  &domain.Wallet{ID: uuid.New(), AccountID: account.ID, Balance: decimal.RequireFromString(balance), Currency: "USD"},
	}
	h := &harness{
		store:   &hookStore{MemoryStore: storage.NewMemory()},
		gw:      gw,
		ledger:  reservation.New(decimal.RequireFromString("100.00")),
		audit:   &captureAudit{},
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
	h.svc = NewOrderService(h.store, gw, h.ledger, validation.New(validation.DefaultPolicy()), h.audit, logging.Discard(), h.metrics).
		WithRetry(2, time.Millisecond)
	return h
}

func (h *harness) walletID() uuid.UUID { return h.gw.wallet.ID }

func (h *harness) available() decimal.Decimal {
	return h.ledger.AvailableBalance(h.walletID(), h.gw.wallet.Balance)
}

func limitBuy(clientID string, qty int64, price string) validation.OrderRequest {
	p := decimal.RequireFromString(price)
	return validation.OrderRequest{
		ClientOrderID: clientID,
		Symbol:        "AAPL",
		Side:          "BUY",
		Type:          "LIMIT",
		TimeInForce:   "DAY",
		Quantity:      &qty,
		Price:         &p,
	}
}

func (h *harness) place(t *testing.T, req validation.OrderRequest) *OrderResult {
	t.Helper()
	res, err := h.svc.PlaceOrder(context.Background(), PlaceOrderInput{Identity: trader, Request: req})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	return res
}

func expectFailure(t *testing.T, err error, kind Kind, reason string) {
	t.Helper()
	var f *Failure
	if !errors.As(err, &f) {
		t.Fatalf("expected failure %s, got %v", kind, err)
	}
	if f.Kind != kind {
		t.Fatalf("expected kind %s, got %s (%s)", kind, f.Kind, f.Reason)
	}
	if reason != "" && f.Reason != reason {
		t.Fatalf("expected reason %q, got %q", reason, f.Reason)
	}
}

func assertReserved(t *testing.T, h *harness, orderID uuid.UUID, want string) {
	t.Helper()
	amount, _, ok := h.ledger.ReservedAmount(orderID)
	if want == "0" {
		if ok {
			t.Fatalf("expected no reservation, holds %s", amount)
		}
		return
	}
	if !ok || !amount.Equal(decimal.RequireFromString(want)) {
		t.Fatalf("expected reservation %s, got %s (held=%v)", want, amount, ok)
	}
}

func TestPlaceBuyReservesFunds(t *testing.T) {
	h := newHarness(t, "5000")
	res := h.place(t, limitBuy("c-1", 10, "150.00"))

	if res.Existing || res.Message != MsgPlaced {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Order.Status != domain.StatusWorking || res.Order.RemainingQuantity != 10 {
		t.Fatalf("unexpected order %+v", res.Order)
	}
	assertReserved(t, h, res.Order.ID, "1500")
	if !h.available().Equal(decimal.RequireFromString("3500")) {
		t.Fatalf("expected 3500 available, got %s", h.available())
	}

	if got := h.audit.actions(); len(got) != 1 || got[0] != audit.ActionCreate {
		t.Fatalf("expected one CREATE audit, got %v", got)
	}
	event := h.audit.events[0]
	if event.EntityID != res.Order.ID || event.PerformedBy == nil || *event.PerformedBy != h.gw.account.UserID {
		t.Fatalf("unexpected audit event %+v", event)
	}
	if event.Details["price"] != "150.00" || event.Details["side"] != "BUY" {
		t.Fatalf("unexpected audit details %v", event.Details)
	}
	if got := testutil.ToFloat64(h.metrics.Placements.WithLabelValues("ok")); got != 1 {
		t.Fatalf("expected 1 ok placement, got %v", got)
	}
}

func TestPlaceInsufficientFundsPersistsNothing(t *testing.T) {
	h := newHarness(t, "1000")
	_, err := h.svc.PlaceOrder(context.Background(), PlaceOrderInput{Identity: trader, Request: limitBuy("c-1", 10, "150.00")})
	expectFailure(t, err, KindInsufficientFunds, "Insufficient funds. Required: 1500.00, Available: 1000.00")

	if _, err := h.store.GetOrderByClientID(context.Background(), h.gw.account.ID, "c-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("order must not be stored, got %v", err)
	}
	if !h.ledger.TotalReserved(h.walletID()).IsZero() {
		t.Fatalf("nothing may be reserved")
	}
	if len(h.audit.actions()) != 0 {
		t.Fatalf("rejected orders are not audited")
	}
}

func TestPlaceDuplicateClientOrderID(t *testing.T) {
	h := newHarness(t, "5000")
	first := h.place(t, limitBuy("dup", 10, "150.00"))
	second := h.place(t, limitBuy("dup", 20, "99.00"))

	if !second.Existing || second.Message != MsgDuplicate {
		t.Fatalf("expected existing result, got %+v", second)
	}
	if second.Order.ID != first.Order.ID || second.Order.Quantity != 10 {
		t.Fatalf("expected the original order back, got %+v", second.Order)
	}
	if !h.ledger.TotalReserved(h.walletID()).Equal(decimal.RequireFromString("1500")) {
		t.Fatalf("duplicate must not reserve again, total %s", h.ledger.TotalReserved(h.walletID()))
	}
	if len(h.audit.actions()) != 1 {
		t.Fatalf("duplicate must not be audited again")
	}
	if got := testutil.ToFloat64(h.metrics.Placements.WithLabelValues("existing")); got != 1 {
		t.Fatalf("expected 1 existing placement, got %v", got)
	}
}

func TestPlaceRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*harness, *validation.OrderRequest)
		kind   Kind
		reason string
	}{
		{
			name:   "symbol",
			mutate: func(_ *harness, r *validation.OrderRequest) { r.Symbol = "NVDA" },
			kind:   KindValidation,
			reason: "Symbol not allowed: NVDA",
		},
		{
			name:   "tick",
			mutate: func(_ *harness, r *validation.OrderRequest) { p := decimal.RequireFromString("150.005"); r.Price = &p },
			kind:   KindValidation,
			reason: "Price must be multiple of 0.01",
		},
		{
			name:   "inactive account",
			mutate: func(h *harness, _ *validation.OrderRequest) { h.gw.account.Status = domain.AccountPending },
			kind:   KindValidation,
			reason: "Account is not active",
		},
		{
			name:   "unknown account",
			mutate: func(h *harness, _ *validation.OrderRequest) { h.gw.account = nil },
			kind:   KindNotFound,
			reason: "Account not found",
		},
		{
			name:   "no wallet",
			mutate: func(h *harness, _ *validation.OrderRequest) { h.gw.wallet.AccountID = uuid.New() },
			kind:   KindNotFound,
			reason: "Wallet not found",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, "5000")
			req := limitBuy("c-1", 10, "150.00")
			tc.mutate(h, &req)
			_, err := h.svc.PlaceOrder(context.Background(), PlaceOrderInput{Identity: trader, Request: req})
			expectFailure(t, err, tc.kind, tc.reason)
			if !h.ledger.TotalReserved(h.walletID()).IsZero() {
				t.Fatalf("rejection must not reserve")
			}
		})
	}
}

func TestPlaceSellReservesNothing(t *testing.T) {
	h := newHarness(t, "0")
	req := limitBuy("s-1", 10, "150.00")
	req.Side = "SELL"
	res := h.place(t, req)
	assertReserved(t, h, res.Order.ID, "0")
	if h.gw.walletCalls.Load() != 0 {
		t.Fatalf("sell orders need no wallet lookup")
	}
}

func TestPlaceMarketReservesAtCeiling(t *testing.T) {
	h := newHarness(t, "5000")
	qty := int64(7)
	res := h.place(t, validation.OrderRequest{ClientOrderID: "m-1", Symbol: "msft", Side: "BUY", Type: "MARKET", TimeInForce: "IOC", Quantity: &qty})
	if res.Order.Price != nil || res.Order.Symbol != "MSFT" {
		t.Fatalf("unexpected market order %+v", res.Order)
	}
	assertReserved(t, h, res.Order.ID, "700")
}

func TestPlaceCompensatesWhenReservationLosesRace(t *testing.T) {
	h := newHarness(t, "5000")
	// another order takes most of the wallet between the funds check and the reservation
	h.store.afterCreate = func(*domain.Order) {
		if err := h.ledger.Restore(uuid.New(), h.walletID(), decimal.RequireFromString("4000")); err != nil {
			t.Errorf("restore: %v", err)
		}
	}

	_, err := h.svc.PlaceOrder(context.Background(), PlaceOrderInput{Identity: trader, Request: limitBuy("race", 10, "150.00")})
	expectFailure(t, err, KindInsufficientFunds, "Insufficient funds. Required: 1500.00, Available: 1000.00")

	if _, err := h.store.GetOrderByClientID(context.Background(), h.gw.account.ID, "race"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("persisted order must be deleted, got %v", err)
	}
	if got := testutil.ToFloat64(h.metrics.Compensations.WithLabelValues("place", "persist")); got != 1 {
		t.Fatalf("expected persist compensation, got %v", got)
	}
	if len(h.audit.actions()) != 0 {
		t.Fatalf("compensated placement must not be audited")
	}
}

func TestPlaceRetriesUnavailableWallet(t *testing.T) {
	h := newHarness(t, "5000")
	h.gw.walletErr = fmt.Errorf("dial: %w", gateway.ErrUnavailable)

	_, err := h.svc.PlaceOrder(context.Background(), PlaceOrderInput{Identity: trader, Request: limitBuy("c-1", 10, "150.00")})
	expectFailure(t, err, KindUnavailable, "")
	if got := h.gw.walletCalls.Load(); got != 2 {
		t.Fatalf("expected 2 wallet attempts, got %d", got)
	}
	if _, err := h.store.GetOrderByClientID(context.Background(), h.gw.account.ID, "c-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("nothing may be stored, got %v", err)
	}
}

func TestPlaceSurvivesAuditFailure(t *testing.T) {
	h := newHarness(t, "5000")
	h.audit.err = errors.New("audit down")
	res := h.place(t, limitBuy("c-1", 10, "150.00"))
	if res.Order.Status != domain.StatusWorking {
		t.Fatalf("audit failure must not fail the order")
	}
}

func TestConcurrentPlacementsNeverOvercommit(t *testing.T) {
	h := newHarness(t, "5000")
	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
		short    atomic.Int32
	)
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.PlaceOrder(context.Background(), PlaceOrderInput{Identity: trader, Request: limitBuy(fmt.Sprintf("c-%d", i), 10, "150.00")})
			var f *Failure
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.As(err, &f) && f.Kind == KindInsufficientFunds:
				short.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if accepted.Load() != 3 || short.Load() != 17 {
		t.Fatalf("expected 3 accepted and 17 rejected, got %d/%d", accepted.Load(), short.Load())
	}
	if !h.ledger.TotalReserved(h.walletID()).Equal(decimal.RequireFromString("4500")) {
		t.Fatalf("expected 4500 reserved, got %s", h.ledger.TotalReserved(h.walletID()))
	}
	orders, _, err := h.svc.ListOrdersForAccount(context.Background(), trader, storage.OrderFilter{Limit: 100})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(orders) != 3 {
		t.Fatalf("expected 3 stored orders, got %d", len(orders))
	}
	h.ledger.Verify()
}

func TestCancelReleasesReservation(t *testing.T) {
	h := newHarness(t, "5000")
	placed := h.place(t, limitBuy("c-1", 10, "150.00"))

	res, err := h.svc.CancelOrder(context.Background(), CancelOrderInput{Identity: trader, OrderID: placed.Order.ID})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.Action != ActionCancelled || res.Message != MsgCancelled || res.Order.Status != domain.StatusCancelled {
		t.Fatalf("unexpected result %+v", res)
	}
	assertReserved(t, h, placed.Order.ID, "0")
	if !h.available().Equal(decimal.RequireFromString("5000")) {
		t.Fatalf("expected full balance available, got %s", h.available())
	}
	events := h.audit.events
	if len(events) != 2 || events[1].Action != audit.ActionCancel || events[1].Details["oldStatus"] != "WORKING" || events[1].Details["newStatus"] != "CANCELLED" {
		t.Fatalf("unexpected audit trail %+v", events)
	}

	_, err = h.svc.CancelOrder(context.Background(), CancelOrderInput{Identity: trader, OrderID: placed.Order.ID})
	expectFailure(t, err, KindInvalidState, MsgCannotCancel)
}

func TestCancelWithoutIdentityAuditsAccountUser(t *testing.T) {
	h := newHarness(t, "5000")
	placed := h.place(t, limitBuy("c-1", 10, "150.00"))
	if _, err := h.svc.CancelOrder(context.Background(), CancelOrderInput{OrderID: placed.Order.ID}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	last := h.audit.events[len(h.audit.events)-1]
	if last.PerformedBy == nil || *last.PerformedBy != h.gw.account.UserID {
		t.Fatalf("expected performer from account lookup, got %v", last.PerformedBy)
	}
}

func TestCancelVersionConflictLeavesReservation(t *testing.T) {
	h := newHarness(t, "5000")
	placed := h.place(t, limitBuy("c-1", 10, "150.00"))
	h.store.updateErr = storage.ErrVersionConflict

	_, err := h.svc.CancelOrder(context.Background(), CancelOrderInput{Identity: trader, OrderID: placed.Order.ID})
	expectFailure(t, err, KindConflict, "")
	assertReserved(t, h, placed.Order.ID, "1500")
	h.ledger.Verify()
}

func TestCancelDoesNotNeedWallet(t *testing.T) {
	h := newHarness(t, "5000")
	placed := h.place(t, limitBuy("c-1", 10, "150.00"))
	h.gw.walletErr = gateway.ErrUnavailable

	if _, err := h.svc.CancelOrder(context.Background(), CancelOrderInput{Identity: trader, OrderID: placed.Order.ID}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	assertReserved(t, h, placed.Order.ID, "0")
}

// assertClosedWithoutReservation checks the order ended in status and holds no cash.
func assertClosedWithoutReservation(t *testing.T, h *harness, orderID uuid.UUID, status domain.Status) {
	t.Helper()
	stored, err := h.store.GetOrderByID(context.Background(), orderID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != status {
		t.Fatalf("expected %s, got %s", status, stored.Status)
	}
	assertReserved(t, h, orderID, "0")
	if !h.available().Equal(h.gw.wallet.Balance) {
		t.Fatalf("expected full balance available, got %s", h.available())
	}
	h.ledger.Verify()
}

func TestCancelRacingCancelReleasesOnce(t *testing.T) {
	h := newHarness(t, "5000")
	ctx := context.Background()
	placed := h.place(t, limitBuy("c-1", 10, "150.00"))

	h.store.beforeUpdate = func() {
		if _, err := h.svc.CancelOrder(ctx, CancelOrderInput{Identity: trader, OrderID: placed.Order.ID}); err != nil {
			t.Errorf("concurrent cancel: %v", err)
		}
	}
	_, err := h.svc.CancelOrder(ctx, CancelOrderInput{Identity: trader, OrderID: placed.Order.ID})
	expectFailure(t, err, KindConflict, "")
	assertClosedWithoutReservation(t, h, placed.Order.ID, domain.StatusCancelled)
}

func TestCancelRacingCompletingFill(t *testing.T) {
	h := newHarness(t, "5000")
	ctx := context.Background()
	placed := h.place(t, limitBuy("c-1", 10, "150.00"))

	h.store.beforeUpdate = func() {
		if _, err := h.svc.ApplyFill(ctx, storage.Fill{EventID: "e-1", OrderID: placed.Order.ID, Quantity: 10}); err != nil {
			t.Errorf("concurrent fill: %v", err)
		}
	}
	_, err := h.svc.CancelOrder(ctx, CancelOrderInput{Identity: trader, OrderID: placed.Order.ID})
	expectFailure(t, err, KindConflict, "")
	assertClosedWithoutReservation(t, h, placed.Order.ID, domain.StatusFilled)
}

func TestCancelRacingPartialFillKeepsReservation(t *testing.T) {
	h := newHarness(t, "5000")
	ctx := context.Background()
	placed := h.place(t, limitBuy("c-1", 10, "150.00"))

	h.store.beforeUpdate = func() {
		if _, err := h.svc.ApplyFill(ctx, storage.Fill{EventID: "e-1", OrderID: placed.Order.ID, Quantity: 4}); err != nil {
			t.Errorf("concurrent fill: %v", err)
		}
	}
	_, err := h.svc.CancelOrder(ctx, CancelOrderInput{Identity: trader, OrderID: placed.Order.ID})
	expectFailure(t, err, KindConflict, "")
	assertReserved(t, h, placed.Order.ID, "1500")

	if _, err := h.svc.CancelOrder(ctx, CancelOrderInput{Identity: trader, OrderID: placed.Order.ID}); err != nil {
		t.Fatalf("retried cancel: %v", err)
	}
	assertClosedWithoutReservation(t, h, placed.Order.ID, domain.StatusCancelled)
}

func TestCancelNotFoundAndForbidden(t *testing.T) {
	h := newHarness(t, "5000")
	_, err := h.svc.CancelOrder(context.Background(), CancelOrderInput{Identity: trader, OrderID: uuid.New()})
	expectFailure(t, err, KindNotFound, MsgOrderNotFound)

	placed := h.place(t, limitBuy("c-1", 10, "150.00"))
	_, err = h.svc.CancelOrder(context.Background(), CancelOrderInput{Identity: "intruder@example.com", OrderID: placed.Order.ID})
	expectFailure(t, err, KindForbidden, "")
	assertReserved(t, h, placed.Order.ID, "1500")
}

func TestModifySwapsReservation(t *testing.T) {
	h := newHarness(t, "5000")
	placed := h.place(t, limitBuy("c-1", 10, "150.00"))

	qty := int64(5)
	res, err := h.svc.ModifyOrder(context.Background(), ModifyOrderInput{Identity: trader, OrderID: placed.Order.ID, Quantity: &qty})
	if err != nil {
		t.Fatalf("modify: %v", err)
	}
	if res.Action != ActionModified || res.Message != "Order modified successfully. New quantity: 5, New price: 150.00" {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Order.Quantity != 5 || res.Order.RemainingQuantity != 5 || res.Order.Version != placed.Order.Version+1 {
		t.Fatalf("unexpected order %+v", res.Order)
	}
	assertReserved(t, h, placed.Order.ID, "750")
	if !h.available().Equal(decimal.RequireFromString("4250")) {
		t.Fatalf("expected 4250 available, got %s", h.available())
	}
	last := h.audit.events[len(h.audit.events)-1]
	if last.Action != audit.ActionModify || last.Details["oldQuantity"] != int64(10) || last.Details["newQuantity"] != int64(5) {
		t.Fatalf("unexpected audit %+v", last)
	}
	if _, ok := last.Details["oldPrice"]; ok {
		t.Fatalf("price untouched, must not be audited: %v", last.Details)
	}
}

func TestModifyInsufficientKeepsOldReservation(t *testing.T) {
	h := newHarness(t, "5000")
	placed := h.place(t, limitBuy("c-1", 10, "150.00"))

	qty := int64(40)
	_, err := h.svc.ModifyOrder(context.Background(), ModifyOrderInput{Identity: trader, OrderID: placed.Order.ID, Quantity: &qty})
	expectFailure(t, err, KindInsufficientFunds, "Insufficient funds for modification. Required: 6000.00, Available: 5000.00")
	assertReserved(t, h, placed.Order.ID, "1500")

	stored, _ := h.store.GetOrderByID(context.Background(), placed.Order.ID)
	if stored.Quantity != 10 || stored.Version != placed.Order.Version {
		t.Fatalf("order must be unchanged, got %+v", stored)
	}
}

func TestModifyPersistFailureRevertsSwap(t *testing.T) {
	h := newHarness(t, "5000")
	placed := h.place(t, limitBuy("c-1", 10, "150.00"))
	h.store.updateErr = storage.ErrVersionConflict

	price := decimal.RequireFromString("120.00")
	_, err := h.svc.ModifyOrder(context.Background(), ModifyOrderInput{Identity: trader, OrderID: placed.Order.ID, Price: &price})
	expectFailure(t, err, KindConflict, "")
	assertReserved(t, h, placed.Order.ID, "1500")
	h.ledger.Verify()
}

func TestModifyRacingCancelLeavesNoReservation(t *testing.T) {
	h := newHarness(t, "5000")
	ctx := context.Background()
	placed := h.place(t, limitBuy("c-1", 10, "150.00"))

	h.store.beforeUpdate = func() {
		if _, err := h.svc.CancelOrder(ctx, CancelOrderInput{Identity: trader, OrderID: placed.Order.ID}); err != nil {
			t.Errorf("concurrent cancel: %v", err)
		}
	}
	qty := int64(5)
	_, err := h.svc.ModifyOrder(ctx, ModifyOrderInput{Identity: trader, OrderID: placed.Order.ID, Quantity: &qty})
	expectFailure(t, err, KindConflict, "")
	assertClosedWithoutReservation(t, h, placed.Order.ID, domain.StatusCancelled)
	if got := testutil.ToFloat64(h.metrics.Compensations.WithLabelValues("modify", "swap_reservation")); got != 1 {
		t.Fatalf("expected swap compensation, got %v", got)
	}
}

func TestModifyRacingCompletingFill(t *testing.T) {
	h := newHarness(t, "5000")
	ctx := context.Background()
	placed := h.place(t, limitBuy("c-1", 10, "150.00"))

	h.store.beforeUpdate = func() {
		if _, err := h.svc.ApplyFill(ctx, storage.Fill{EventID: "e-1", OrderID: placed.Order.ID, Quantity: 10}); err != nil {
			t.Errorf("concurrent fill: %v", err)
		}
	}
	price := decimal.RequireFromString("120.00")
	_, err := h.svc.ModifyOrder(ctx, ModifyOrderInput{Identity: trader, OrderID: placed.Order.ID, Price: &price})
	expectFailure(t, err, KindConflict, "")
	assertClosedWithoutReservation(t, h, placed.Order.ID, domain.StatusFilled)
}

func TestModifyRacingModifyKeepsWinnerReservation(t *testing.T) {
	h := newHarness(t, "5000")
	ctx := context.Background()
	placed := h.place(t, limitBuy("c-1", 10, "150.00"))

	h.store.beforeUpdate = func() {
		qty := int64(8)
		if _, err := h.svc.ModifyOrder(ctx, ModifyOrderInput{Identity: trader, OrderID: placed.Order.ID, Quantity: &qty}); err != nil {
			t.Errorf("concurrent modify: %v", err)
		}
	}
	qty := int64(5)
	_, err := h.svc.ModifyOrder(ctx, ModifyOrderInput{Identity: trader, OrderID: placed.Order.ID, Quantity: &qty})
	expectFailure(t, err, KindConflict, "")

	stored, _ := h.store.GetOrderByID(ctx, placed.Order.ID)
	if stored.Quantity != 8 {
		t.Fatalf("expected the winning quantity 8, got %d", stored.Quantity)
	}
	assertReserved(t, h, placed.Order.ID, "1200")
	h.ledger.Verify()
}

func TestConcurrentMutationsKeepReservationInStep(t *testing.T) {
	for round := 0; round < 25; round++ {
		h := newHarness(t, "100000")
		ctx := context.Background()
		placed := h.place(t, limitBuy(fmt.Sprintf("c-%d", round), 10, "150.00"))
		id := placed.Order.ID

		var wg sync.WaitGroup
		run := func(f func()) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				f()
			}()
		}
		run(func() { _, _ = h.svc.CancelOrder(ctx, CancelOrderInput{Identity: trader, OrderID: id}) })
		run(func() {
			qty := int64(7)
			_, _ = h.svc.ModifyOrder(ctx, ModifyOrderInput{Identity: trader, OrderID: id, Quantity: &qty})
		})
		run(func() {
			price := decimal.RequireFromString("90.00")
			_, _ = h.svc.ModifyOrder(ctx, ModifyOrderInput{Identity: trader, OrderID: id, Price: &price})
		})
		run(func() {
			_, _ = h.svc.ApplyFill(ctx, storage.Fill{EventID: fmt.Sprintf("e-%d", round), OrderID: id, Quantity: 3})
		})
		wg.Wait()

		stored, err := h.store.GetOrderByID(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if stored.Status.Terminal() {
			assertReserved(t, h, id, "0")
		} else {
			assertReserved(t, h, id, h.ledger.ReservationAmount(stored).String())
		}
		h.ledger.Verify()
	}
}

func TestModifyRejections(t *testing.T) {
	h := newHarness(t, "5000")
	ctx := context.Background()

	qty := int64(5)
	_, err := h.svc.ModifyOrder(ctx, ModifyOrderInput{Identity: trader, OrderID: uuid.New()})
	expectFailure(t, err, KindValidation, "At least one field (quantity or price) must be provided")

	market := int64(3)
	m := h.place(t, validation.OrderRequest{ClientOrderID: "m", Symbol: "AAPL", Side: "BUY", Type: "MARKET", TimeInForce: "DAY", Quantity: &market})
	_, err = h.svc.ModifyOrder(ctx, ModifyOrderInput{Identity: trader, OrderID: m.Order.ID, Quantity: &qty})
	expectFailure(t, err, KindInvalidState, MsgMarketModify)

	partial := h.place(t, limitBuy("p", 10, "150.00"))
	if _, err := h.svc.ApplyFill(ctx, storage.Fill{EventID: "fill-1", OrderID: partial.Order.ID, Quantity: 2}); err != nil {
		t.Fatalf("fill: %v", err)
	}
	_, err = h.svc.ModifyOrder(ctx, ModifyOrderInput{Identity: trader, OrderID: partial.Order.ID, Quantity: &qty})
	expectFailure(t, err, KindInvalidState, "Cannot modify a partially filled order. Filled: 2")

	cancelled := h.place(t, limitBuy("c", 1, "10.00"))
	if _, err := h.svc.CancelOrder(ctx, CancelOrderInput{Identity: trader, OrderID: cancelled.Order.ID}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	_, err = h.svc.ModifyOrder(ctx, ModifyOrderInput{Identity: trader, OrderID: cancelled.Order.ID, Quantity: &qty})
	expectFailure(t, err, KindInvalidState, "Order cannot be modified in its current state: CANCELLED")

	w := h.place(t, limitBuy("w", 10, "150.00"))
	bad := decimal.RequireFromString("150.001")
	_, err = h.svc.ModifyOrder(ctx, ModifyOrderInput{Identity: trader, OrderID: w.Order.ID, Price: &bad})
	expectFailure(t, err, KindValidation, "New price must be multiple of 0.01")
	assertReserved(t, h, w.Order.ID, "1500")
}

func TestApplyFillReleasesOnCompletion(t *testing.T) {
	h := newHarness(t, "5000")
	ctx := context.Background()
	placed := h.place(t, limitBuy("c-1", 10, "150.00"))

	res, err := h.svc.ApplyFill(ctx, storage.Fill{EventID: "e-1", OrderID: placed.Order.ID, Quantity: 4})
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if res.Completed || res.Order.FilledQuantity != 4 || res.Order.RemainingQuantity != 6 {
		t.Fatalf("unexpected partial fill %+v", res)
	}
	assertReserved(t, h, placed.Order.ID, "1500")

	res, err = h.svc.ApplyFill(ctx, storage.Fill{EventID: "e-2", OrderID: placed.Order.ID, Quantity: 6})
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if !res.Completed || res.Order.Status != domain.StatusFilled {
		t.Fatalf("expected completed fill, got %+v", res)
	}
	assertReserved(t, h, placed.Order.ID, "0")

	res, err = h.svc.ApplyFill(ctx, storage.Fill{EventID: "e-2", OrderID: placed.Order.ID, Quantity: 6})
	if err != nil || !res.AlreadyProcessed {
		t.Fatalf("expected duplicate to be skipped, got %+v %v", res, err)
	}
	if got := testutil.ToFloat64(h.metrics.FillsApplied.WithLabelValues("duplicate")); got != 1 {
		t.Fatalf("expected 1 duplicate fill, got %v", got)
	}

	_, err = h.svc.CancelOrder(ctx, CancelOrderInput{Identity: trader, OrderID: placed.Order.ID})
	expectFailure(t, err, KindInvalidState, MsgCannotCancel)
}

func TestRebuildReservations(t *testing.T) {
	h := newHarness(t, "5000")
	ctx := context.Background()
	price := decimal.RequireFromString("150.00")

	seed := func(clientID string, side domain.Side, typ domain.OrderType, qty int64, p *decimal.Decimal, status domain.Status) {
		o := domain.Order{ID: uuid.New(), AccountID: h.gw.account.ID, ClientOrderID: clientID, Symbol: "AAPL",
			Side: side, Type: typ, TimeInForce: domain.TIFDay, Status: status, Price: p}
		o.SetQuantity(qty)
		if _, _, err := h.store.CreateOrder(ctx, o); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	seed("limit", domain.SideBuy, domain.TypeLimit, 10, &price, domain.StatusWorking)
	seed("market", domain.SideBuy, domain.TypeMarket, 5, nil, domain.StatusWorking)
	seed("sell", domain.SideSell, domain.TypeLimit, 10, &price, domain.StatusWorking)
	seed("gone", domain.SideBuy, domain.TypeLimit, 10, &price, domain.StatusCancelled)

	restored, err := h.svc.RebuildReservations(ctx)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if restored != 2 {
		t.Fatalf("expected 2 restored, got %d", restored)
	}
	if !h.ledger.TotalReserved(h.walletID()).Equal(decimal.RequireFromString("2000")) {
		t.Fatalf("expected 2000 reserved, got %s", h.ledger.TotalReserved(h.walletID()))
	}

	// a second pass is a no-op
	if restored, err = h.svc.RebuildReservations(ctx); err != nil || restored != 0 {
		t.Fatalf("expected idempotent rebuild, got %d %v", restored, err)
	}
	if stats := h.svc.ReservationStats(); stats.ActiveReservations != 2 || stats.WalletsWithReservations != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestRebuildFailsWhenGatewayUnavailable(t *testing.T) {
	h := newHarness(t, "5000")
	h.place(t, limitBuy("c-1", 10, "150.00"))
	fresh := reservation.New(decimal.RequireFromString("100.00"))
	h.svc.ledger = fresh
	h.gw.walletErr = gateway.ErrUnavailable

	if _, err := h.svc.RebuildReservations(context.Background()); !errors.Is(err, gateway.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestGetOrderOwnership(t *testing.T) {
	h := newHarness(t, "5000")
	placed := h.place(t, limitBuy("c-1", 10, "150.00"))

	got, err := h.svc.GetOrder(context.Background(), trader, placed.Order.ID)
	if err != nil || got.ID != placed.Order.ID {
		t.Fatalf("get: %v %+v", err, got)
	}
	_, err = h.svc.GetOrder(context.Background(), "intruder@example.com", placed.Order.ID)
	expectFailure(t, err, KindForbidden, "")

	_, _, err = h.svc.ListOrdersForAccount(context.Background(), trader, storage.OrderFilter{Cursor: "%%%"})
	expectFailure(t, err, KindValidation, "Invalid cursor")
}
