package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/brokerx/brokerx/services/order/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	orderColumns    = `id, account_id, client_order_id, symbol, side, type, quantity, price::text, time_in_force, status, filled_quantity, remaining_quantity, created_at, updated_at, version`
	fillEventPrefix = "order-service:fill:"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateOrder inserts order. When (account, client order id) already exists the
// stored row is returned with created=false.
func (s *Store) CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, bool, error) {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO orders (id, account_id, client_order_id, symbol, side, type, quantity, price, time_in_force, status, filled_quantity, remaining_quantity, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 0)
		ON CONFLICT (account_id, client_order_id) DO NOTHING
		RETURNING `+orderColumns,
		order.ID, order.AccountID, order.ClientOrderID, order.Symbol, order.Side.String(), order.Type.String(),
		order.Quantity, priceArg(order.Price), order.TimeInForce.String(), order.Status.String(),
		order.FilledQuantity, order.Quantity-order.FilledQuantity,
	)

	stored, err := scanOrderRow(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		if isUniqueViolation(err) {
			return nil, false, ErrDuplicate
		}
		return nil, false, err
	}

	existing, err := s.GetOrderByClientID(ctx, order.AccountID, order.ClientOrderID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) GetOrderByID(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
	return notFound(scanOrderRow(row))
}

func (s *Store) GetOrderByClientID(ctx context.Context, accountID uuid.UUID, clientOrderID string) (*domain.Order, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE account_id = $1 AND client_order_id = $2
	`, accountID, clientOrderID)
	return notFound(scanOrderRow(row))
}

// UpdateOrder writes the mutable fields of order if the stored version still
// equals expectedVersion, bumping the version.
func (s *Store) UpdateOrder(ctx context.Context, order *domain.Order, expectedVersion int64) (*domain.Order, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE orders
		SET quantity = $1, price = $2, status = $3, filled_quantity = $4, remaining_quantity = $5,
		    version = version + 1, updated_at = now()
		WHERE id = $6 AND version = $7
		RETURNING `+orderColumns,
		order.Quantity, priceArg(order.Price), order.Status.String(), order.FilledQuantity,
		order.Quantity-order.FilledQuantity, order.ID, expectedVersion,
	)
	updated, err := scanOrderRow(row)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, order.ID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	return nil, ErrVersionConflict
}

// DeleteOrder removes an order that never became visible to clients.
func (s *Store) DeleteOrder(ctx context.Context, orderID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM orders WHERE id = $1`, orderID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListOrdersByAccount(ctx context.Context, accountID uuid.UUID, filter OrderFilter) ([]domain.Order, string, error) {
	limit := clampLimit(filter.Limit)

	query := `SELECT ` + orderColumns + ` FROM orders WHERE account_id = $1`
	args := []any{accountID}
	idx := 2

	if filter.Symbol != "" {
		query += fmt.Sprintf(" AND symbol = $%d", idx)
		args = append(args, strings.ToUpper(filter.Symbol))
		idx++
	}
	if filter.Status != 0 {
		query += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, filter.Status.String())
		idx++
	}
	if filter.Cursor != "" {
		ts, id, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, "", err
		}
		query += fmt.Sprintf(" AND (created_at, id) > ($%d, $%d)", idx, idx+1)
		args = append(args, ts, id)
		idx += 2
	}
	query += fmt.Sprintf(" ORDER BY created_at, id LIMIT $%d", idx)
	args = append(args, limit+1)

	orders, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}

	var next string
	if len(orders) > limit {
		orders = orders[:limit]
		last := orders[limit-1]
		next = encodeCursor(last.CreatedAt, last.ID)
	}
	return orders, next, nil
}

// ListOpenOrders returns every NEW or WORKING order, oldest first.
func (s *Store) ListOpenOrders(ctx context.Context) ([]domain.Order, error) {
	return s.query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status IN ('NEW', 'WORKING')
		ORDER BY created_at, id
	`)
}

// ApplyFill adds fill.Quantity to the order's filled quantity once per event id.
func (s *Store) ApplyFill(ctx context.Context, fill Fill) (FillResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return FillResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	key := fillEventPrefix + strings.TrimSpace(fill.EventID)
	tag, err := tx.Exec(ctx, `INSERT INTO processed_events (event_id) VALUES ($1) ON CONFLICT (event_id) DO NOTHING`, key)
	if err != nil {
		return FillResult{}, err
	}
	if tag.RowsAffected() == 0 {
		return FillResult{AlreadyProcessed: true}, nil
	}

	order, err := notFound(scanOrderRow(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, fill.OrderID)))
	if err != nil {
		return FillResult{}, err
	}
	next, completed, err := applyFill(order, fill.Quantity)
	if err != nil {
		return FillResult{}, err
	}

	updated, err := scanOrderRow(tx.QueryRow(ctx, `
		UPDATE orders
		SET filled_quantity = $1, remaining_quantity = $2, status = $3, version = version + 1, updated_at = $4
		WHERE id = $5
		RETURNING `+orderColumns,
		next.FilledQuantity, next.RemainingQuantity, next.Status.String(), time.Now().UTC(), next.ID,
	))
	if err != nil {
		return FillResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return FillResult{}, err
	}
	return FillResult{Order: updated, Completed: completed}, nil
}

// applyFill is shared by both stores. A fill may not exceed the remaining quantity.
func applyFill(order *domain.Order, quantity int64) (*domain.Order, bool, error) {
	if quantity <= 0 {
		return nil, false, fmt.Errorf("fill quantity %d: %w", quantity, ErrInvalidFill)
	}
	if order.Status != domain.StatusWorking && order.Status != domain.StatusNew {
		return nil, false, fmt.Errorf("order %s is %s: %w", order.ID, order.Status, ErrInvalidStatus)
	}
	if quantity > order.RemainingQuantity {
		return nil, false, fmt.Errorf("fill quantity %d exceeds remaining %d on order %s: %w", quantity, order.RemainingQuantity, order.ID, ErrInvalidFill)
	}
	next := order.Clone()
	next.SetFilled(next.FilledQuantity + quantity)
	completed := next.RemainingQuantity == 0
	if completed {
		next.Status = domain.StatusFilled
	}
	return next, completed, nil
}

func (s *Store) query(ctx context.Context, sql string, args ...any) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrderRow(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

func scanOrderRow(row pgx.Row) (*domain.Order, error) {
	var (
		order                  domain.Order
		side, typ, tif, status string
		priceStr               *string
	)
	if err := row.Scan(&order.ID, &order.AccountID, &order.ClientOrderID, &order.Symbol, &side, &typ,
		&order.Quantity, &priceStr, &tif, &status, &order.FilledQuantity, &order.RemainingQuantity,
		&order.CreatedAt, &order.UpdatedAt, &order.Version); err != nil {
		return nil, err
	}

	var err error
	if order.Side, err = domain.ParseSide(side); err != nil {
		return nil, err
	}
	if order.Type, err = domain.ParseOrderType(typ); err != nil {
		return nil, err
	}
	if order.TimeInForce, err = domain.ParseTimeInForce(tif); err != nil {
		return nil, err
	}
	if order.Status, err = domain.ParseStatus(status); err != nil {
		return nil, err
	}
	if priceStr != nil && *priceStr != "" {
		val, err := decimal.NewFromString(*priceStr)
		if err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		order.Price = &val
	}
	return &order, nil
}

func notFound(order *domain.Order, err error) (*domain.Order, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return order, err
}

func priceArg(p *decimal.Decimal) any {
	if p == nil {
		return nil
	}
	return p.String()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 100 {
		return 100
	}
	return limit
}

func encodeCursor(ts time.Time, id uuid.UUID) string {
	payload := fmt.Sprintf("%s|%s", ts.UTC().Format(time.RFC3339Nano), id.String())
	return base64.RawURLEncoding.EncodeToString([]byte(payload))
}

func decodeCursor(cursor string) (time.Time, uuid.UUID, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, uuid.Nil, ErrInvalidCursor
	}
	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, uuid.Nil, ErrInvalidCursor
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, uuid.Nil, ErrInvalidCursor
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return time.Time{}, uuid.Nil, ErrInvalidCursor
	}
	return ts, id, nil
}
