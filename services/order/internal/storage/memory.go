package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/brokerx/brokerx/services/order/internal/domain"
	"github.com/google/uuid"
)

type clientKey struct {
	account  uuid.UUID
	clientID string
}

// MemoryStore keeps orders in process. It backs local runs and the engine tests;
// it enforces the same uniqueness and version rules as Store.
type MemoryStore struct {
	mu        sync.RWMutex
	orders    map[uuid.UUID]*domain.Order
	byClient  map[clientKey]uuid.UUID
	processed map[string]struct{}
	now       func() time.Time
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		orders:    make(map[uuid.UUID]*domain.Order),
		byClient:  make(map[clientKey]uuid.UUID),
		processed: make(map[string]struct{}),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) CreateOrder(_ context.Context, order domain.Order) (*domain.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := clientKey{order.AccountID, order.ClientOrderID}
	if id, exists := m.byClient[key]; exists {
		return m.orders[id].Clone(), false, nil
	}
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	if _, exists := m.orders[order.ID]; exists {
		return nil, false, ErrDuplicate
	}

	stored := order.Clone()
	now := m.now()
	stored.CreatedAt, stored.UpdatedAt = now, now
	stored.Version = 0
	stored.RemainingQuantity = stored.Quantity - stored.FilledQuantity
	m.orders[stored.ID] = stored
	m.byClient[key] = stored.ID
	return stored.Clone(), true, nil
}

func (m *MemoryStore) GetOrderByID(_ context.Context, orderID uuid.UUID) (*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (m *MemoryStore) GetOrderByClientID(_ context.Context, accountID uuid.UUID, clientOrderID string) (*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byClient[clientKey{accountID, clientOrderID}]
	if !ok {
		return nil, ErrNotFound
	}
	return m.orders[id].Clone(), nil
}

func (m *MemoryStore) UpdateOrder(_ context.Context, order *domain.Order, expectedVersion int64) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.orders[order.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if current.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	next := current.Clone()
	next.Quantity = order.Quantity
	next.Price = order.Clone().Price
	next.Status = order.Status
	next.FilledQuantity = order.FilledQuantity
	next.RemainingQuantity = next.Quantity - next.FilledQuantity
	next.Version++
	next.UpdatedAt = m.now()
	m.orders[next.ID] = next
	return next.Clone(), nil
}

func (m *MemoryStore) DeleteOrder(_ context.Context, orderID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	delete(m.byClient, clientKey{o.AccountID, o.ClientOrderID})
	delete(m.orders, orderID)
	return nil
}

func (m *MemoryStore) ListOrdersByAccount(_ context.Context, accountID uuid.UUID, filter OrderFilter) ([]domain.Order, string, error) {
	limit := clampLimit(filter.Limit)
	var (
		afterTS time.Time
		afterID uuid.UUID
	)
	if filter.Cursor != "" {
		var err error
		if afterTS, afterID, err = decodeCursor(filter.Cursor); err != nil {
			return nil, "", err
		}
	}

	m.mu.RLock()
	var out []domain.Order
	for _, o := range m.orders {
		if o.AccountID != accountID {
			continue
		}
		if filter.Symbol != "" && o.Symbol != strings.ToUpper(filter.Symbol) {
			continue
		}
		if filter.Status != 0 && o.Status != filter.Status {
			continue
		}
		out = append(out, *o.Clone())
	}
	m.mu.RUnlock()

	sortOrders(out)
	if filter.Cursor != "" {
		i := sort.Search(len(out), func(i int) bool { return orderAfter(out[i], afterTS, afterID) })
		out = out[i:]
	}

	var next string
	if len(out) > limit {
		out = out[:limit]
		last := out[limit-1]
		next = encodeCursor(last.CreatedAt, last.ID)
	}
	return out, next, nil
}

func (m *MemoryStore) ListOpenOrders(context.Context) ([]domain.Order, error) {
	m.mu.RLock()
	var out []domain.Order
	for _, o := range m.orders {
		if o.Status == domain.StatusNew || o.Status == domain.StatusWorking {
			out = append(out, *o.Clone())
		}
	}
	m.mu.RUnlock()
	sortOrders(out)
	return out, nil
}

func (m *MemoryStore) ApplyFill(_ context.Context, fill Fill) (FillResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := fillEventPrefix + strings.TrimSpace(fill.EventID)
	if _, done := m.processed[key]; done {
		return FillResult{AlreadyProcessed: true}, nil
	}
	current, ok := m.orders[fill.OrderID]
	if !ok {
		return FillResult{}, ErrNotFound
	}
	next, completed, err := applyFill(current, fill.Quantity)
	if err != nil {
		return FillResult{}, err
	}
	next.Version++
	next.UpdatedAt = m.now()
	m.orders[next.ID] = next
	m.processed[key] = struct{}{}
	return FillResult{Order: next.Clone(), Completed: completed}, nil
}

func sortOrders(orders []domain.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].ID.String() < orders[j].ID.String()
	})
}

func orderAfter(o domain.Order, ts time.Time, id uuid.UUID) bool {
	if !o.CreatedAt.Equal(ts) {
		return o.CreatedAt.After(ts)
	}
	return o.ID.String() > id.String()
}
