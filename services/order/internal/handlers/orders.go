package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/brokerx/brokerx/libs/auth"
	"github.com/brokerx/brokerx/libs/httpmiddleware"
	"github.com/brokerx/brokerx/libs/ratelimit"
	"github.com/brokerx/brokerx/services/order/internal/domain"
	"github.com/brokerx/brokerx/services/order/internal/gateway"
	"github.com/brokerx/brokerx/services/order/internal/reservation"
	"github.com/brokerx/brokerx/services/order/internal/service"
	"github.com/brokerx/brokerx/services/order/internal/storage"
	"github.com/brokerx/brokerx/services/order/internal/validation"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderService interface {
	PlaceOrder(ctx context.Context, in service.PlaceOrderInput) (*service.OrderResult, error)
	CancelOrder(ctx context.Context, in service.CancelOrderInput) (*service.ModificationResult, error)
	ModifyOrder(ctx context.Context, in service.ModifyOrderInput) (*service.ModificationResult, error)
	GetOrder(ctx context.Context, identity string, orderID uuid.UUID) (*domain.Order, error)
	ListOrdersForAccount(ctx context.Context, identity string, filter storage.OrderFilter) ([]domain.Order, string, error)
	ReservationStats() reservation.Stats
}

type Handler struct {
	Service OrderService
	Logger  *slog.Logger
}

type placeOrderRequest struct {
	ClientOrderID string           `json:"clientOrderId"`
	Symbol        string           `json:"symbol"`
	Side          string           `json:"side"`
	OrderType     string           `json:"orderType"`
	Quantity      *int64           `json:"quantity"`
	Price         *decimal.Decimal `json:"price"`
	TimeInForce   string           `json:"timeInForce"`
}

type modifyOrderRequest struct {
	NewQuantity *int64           `json:"newQuantity"`
	NewPrice    *decimal.Decimal `json:"newPrice"`
}

type cancelOrderRequest struct {
	OrderID       string `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
}

type orderItem struct {
	OrderID           string  `json:"orderId"`
	AccountID         string  `json:"accountId"`
	ClientOrderID     string  `json:"clientOrderId"`
	Symbol            string  `json:"symbol"`
	Side              string  `json:"side"`
	OrderType         string  `json:"orderType"`
	Quantity          int64   `json:"quantity"`
	Price             *string `json:"price"`
	TimeInForce       string  `json:"timeInForce"`
	Status            string  `json:"status"`
	FilledQuantity    int64   `json:"filledQuantity"`
	RemainingQuantity int64   `json:"remainingQuantity"`
	Version           int64   `json:"version"`
	CreatedAt         string  `json:"createdAt"`
	UpdatedAt         string  `json:"updatedAt"`
}

// orderResponse flattens the order next to the outcome fields.
type orderResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	Existing bool   `json:"existing,omitempty"`
	*orderItem
}

type modificationResponse struct {
	Success bool       `json:"success"`
	Message string     `json:"message"`
	OrderID string     `json:"orderId"`
	Action  string     `json:"action"`
	Order   *orderItem `json:"order"`
}

type listOrdersResponse struct {
	Success    bool        `json:"success"`
	Orders     []orderItem `json:"orders"`
	NextCursor string      `json:"nextCursor,omitempty"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func New(svc OrderService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: svc, Logger: logger}
}

// Register mounts the order routes behind JWT auth. Placing and amending are
// rate limited per identity in separate windows; a nil limiter disables limiting.
func (h *Handler) Register(r gin.IRouter, jwtSecret []byte, limiter ratelimit.Limiter) {
	place := ratelimit.Middleware(limiter, ratelimit.ByOperation(ratelimit.OperationPlace, identityKey), h.Logger)
	amend := ratelimit.Middleware(limiter, ratelimit.ByOperation(ratelimit.OperationAmend, identityKey), h.Logger)

	group := r.Group("/orders", auth.Middleware(jwtSecret))
	group.POST("", place, h.PlaceOrder)
	group.GET("", h.ListOrders)
	group.GET("/reservation-stats", h.ReservationStats)
	group.GET("/:id", h.GetOrder)
	group.DELETE("/:id", amend, h.CancelOrder)
	group.POST("/cancel", amend, h.CancelOrderByBody)
	group.PATCH("/:id", amend, h.ModifyOrder)
	group.PUT("/:id", amend, h.ModifyOrder)
}

func identityKey(c *gin.Context) string {
	identity, _ := auth.IdentityFrom(c)
	return identity
}

func (h *Handler) PlaceOrder(c *gin.Context) {
	identity, ok := auth.IdentityFrom(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing identity")
		return
	}

	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}

	clientOrderID := strings.TrimSpace(req.ClientOrderID)
	if headerKey := strings.TrimSpace(c.GetHeader("Idempotency-Key")); headerKey != "" {
		clientOrderID = headerKey
	}

	result, err := h.Service.PlaceOrder(c.Request.Context(), service.PlaceOrderInput{
		Identity: identity,
		Request: validation.OrderRequest{
			ClientOrderID: clientOrderID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Type:          req.OrderType,
			TimeInForce:   req.TimeInForce,
			Quantity:      req.Quantity,
			Price:         req.Price,
		},
		CorrelationID: httpmiddleware.RequestIDFrom(c),
	})
	if err != nil {
		h.writeFailure(c, "place order", err)
		return
	}

	c.JSON(http.StatusOK, orderResponse{
		Success:   true,
		Message:   result.Message,
		Existing:  result.Existing,
		orderItem: toItem(result.Order),
	})
}

func (h *Handler) ListOrders(c *gin.Context) {
	identity, ok := auth.IdentityFrom(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing identity")
		return
	}

	filter := storage.OrderFilter{
		Symbol: strings.ToUpper(strings.TrimSpace(c.Query("symbol"))),
		Cursor: strings.TrimSpace(c.Query("cursor")),
	}
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		st, err := domain.ParseStatus(raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid status")
			return
		}
		filter.Status = st
	}
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid limit")
			return
		}
		filter.Limit = n
	}

	orders, next, err := h.Service.ListOrdersForAccount(c.Request.Context(), identity, filter)
	if err != nil {
		h.writeFailure(c, "list orders", err)
		return
	}

	items := make([]orderItem, 0, len(orders))
	for i := range orders {
		items = append(items, *toItem(&orders[i]))
	}
	c.JSON(http.StatusOK, listOrdersResponse{Success: true, Orders: items, NextCursor: next})
}

func (h *Handler) GetOrder(c *gin.Context) {
	identity, ok := auth.IdentityFrom(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing identity")
		return
	}

	orderID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid order id")
		return
	}

	order, err := h.Service.GetOrder(c.Request.Context(), identity, orderID)
	if err != nil {
		h.writeFailure(c, "get order", err)
		return
	}
	c.JSON(http.StatusOK, orderResponse{Success: true, orderItem: toItem(order)})
}

func (h *Handler) CancelOrder(c *gin.Context) {
	orderID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid order id")
		return
	}
	h.cancel(c, orderID)
}

// CancelOrderByBody accepts {"orderId": ...}; clientOrderId is informational.
func (h *Handler) CancelOrderByBody(c *gin.Context) {
	var req cancelOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}
	if strings.TrimSpace(req.OrderID) == "" {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Order ID is required")
		return
	}
	orderID, err := parseUUIDParam(req.OrderID)
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid order id")
		return
	}
	h.cancel(c, orderID)
}

func (h *Handler) cancel(c *gin.Context, orderID uuid.UUID) {
	identity, ok := auth.IdentityFrom(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing identity")
		return
	}

	result, err := h.Service.CancelOrder(c.Request.Context(), service.CancelOrderInput{
		Identity:      identity,
		OrderID:       orderID,
		CorrelationID: httpmiddleware.RequestIDFrom(c),
	})
	if err != nil {
		h.writeFailure(c, "cancel order", err)
		return
	}
	c.JSON(http.StatusOK, toModification(result))
}

func (h *Handler) ModifyOrder(c *gin.Context) {
	identity, ok := auth.IdentityFrom(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing identity")
		return
	}

	orderID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid order id")
		return
	}

	var req modifyOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}

	result, err := h.Service.ModifyOrder(c.Request.Context(), service.ModifyOrderInput{
		Identity:      identity,
		OrderID:       orderID,
		Quantity:      req.NewQuantity,
		Price:         req.NewPrice,
		CorrelationID: httpmiddleware.RequestIDFrom(c),
	})
	if err != nil {
		h.writeFailure(c, "modify order", err)
		return
	}
	c.JSON(http.StatusOK, toModification(result))
}

func (h *Handler) ReservationStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.Service.ReservationStats())
}

// writeFailure maps a service failure onto a status and error code.
func (h *Handler) writeFailure(c *gin.Context, op string, err error) {
	f := service.AsFailure(err)
	switch f.Kind {
	case service.KindValidation:
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", f.Reason)
	case service.KindInsufficientFunds:
		writeError(c, http.StatusBadRequest, "INSUFFICIENT_BALANCE", f.Reason)
	case service.KindInvalidState:
		writeError(c, http.StatusBadRequest, "INVALID_STATE", f.Reason)
	case service.KindNotFound:
		code := "ACCOUNT_NOT_FOUND"
		switch {
		case errors.Is(err, storage.ErrNotFound):
			code = "ORDER_NOT_FOUND"
		case errors.Is(err, gateway.ErrWalletNotFound):
			code = "WALLET_NOT_FOUND"
		}
		writeError(c, http.StatusNotFound, code, f.Reason)
	case service.KindForbidden:
		writeError(c, http.StatusForbidden, "FORBIDDEN", f.Reason)
	case service.KindConflict:
		writeError(c, http.StatusConflict, "CONFLICT", f.Reason)
	case service.KindUnavailable:
		h.Logger.Warn(op+" unavailable", "error", err)
		c.Header("Retry-After", "1")
		writeError(c, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", f.Reason)
	default:
		h.Logger.Error(op+" failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}

func toItem(order *domain.Order) *orderItem {
	if order == nil {
		return nil
	}
	var price *string
	if order.Price != nil {
		val := order.Price.StringFixed(2)
		price = &val
	}
	return &orderItem{
		OrderID:           order.ID.String(),
		AccountID:         order.AccountID.String(),
		ClientOrderID:     order.ClientOrderID,
		Symbol:            order.Symbol,
		Side:              order.Side.String(),
		OrderType:         order.Type.String(),
		Quantity:          order.Quantity,
		Price:             price,
		TimeInForce:       order.TimeInForce.String(),
		Status:            order.Status.String(),
		FilledQuantity:    order.FilledQuantity,
		RemainingQuantity: order.RemainingQuantity,
		Version:           order.Version,
		CreatedAt:         order.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:         order.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func toModification(result *service.ModificationResult) modificationResponse {
	resp := modificationResponse{Success: true, Message: result.Message, Action: result.Action, Order: toItem(result.Order)}
	if result.Order != nil {
		resp.OrderID = result.Order.ID.String()
	}
	return resp
}

func parseUUIDParam(value string) (uuid.UUID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return uuid.Nil, errors.New("missing id")
	}
	return uuid.Parse(trimmed)
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{Code: code, Message: message})
}
