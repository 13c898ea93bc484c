package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"supply-orders/internal/models"
)

// MemoryStore is an in-process Repository used for local development and tests.
type MemoryStore struct {
	mu         sync.Mutex
	nextOrder  int64
	nextItem   int64
	orders     map[int64]models.Order
	items      map[int64][]models.OrderItem
	keys       map[string]int64
	now        func() time.Time
	failCreate func(orderID int64) error
}

var _ Repository = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[int64]models.Order),
		items:  make(map[int64][]models.OrderItem),
		keys:   make(map[string]int64),
		now:    time.Now,
	}
}

// FailItemsWith makes CreateOrderItems return the error produced by fn; nil restores normal behavior.
func (m *MemoryStore) FailItemsWith(fn func(orderID int64) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCreate = fn
}

// SetClock replaces the time source.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func idempotencyIndex(restaurantID, key string) string {
	return restaurantID + "\x00" + key
}

func (m *MemoryStore) CreateOrder(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := idempotencyIndex(order.RestaurantID, order.IdempotencyKey)
	if _, ok := m.keys[idx]; ok {
		return ErrDuplicateKey
	}

	m.nextOrder++
	now := m.now().UTC()
	order.ID = m.nextOrder
	order.CreatedAt = now
	order.UpdatedAt = now

	stored := *order
	stored.Items = nil
	m.orders[order.ID] = stored
	m.keys[idx] = order.ID
	return nil
}

func (m *MemoryStore) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &order, nil
}

func (m *MemoryStore) GetOrderByIdempotencyKey(ctx context.Context, restaurantID, key string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.keys[idempotencyIndex(restaurantID, key)]
	if !ok {
		return nil, nil
	}
	order := m.orders[id]
	return &order, nil
}

func (m *MemoryStore) UpdateOrderStatus(ctx context.Context, orderID int64, status models.OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	order.Status = status
	order.UpdatedAt = m.now().UTC()
	m.orders[orderID] = order
	return nil
}

func (m *MemoryStore) DeletePendingOrder(ctx context.Context, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	if order.Status != models.OrderStatusPending {
		return ErrNotPending
	}
	m.deleteLocked(order)
	return nil
}

func (m *MemoryStore) CreateOrderItems(ctx context.Context, orderID int64, items []models.OrderItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[orderID]; !ok {
		return ErrNotFound
	}
	if len(m.items[orderID]) > 0 {
		return ErrItemsExist
	}
	if m.failCreate != nil {
		if err := m.failCreate(orderID); err != nil {
			return err
		}
	}

	stored := make([]models.OrderItem, len(items))
	for i := range items {
		m.nextItem++
		items[i].ID = m.nextItem
		items[i].OrderID = orderID
		stored[i] = items[i]
	}
	m.items[orderID] = stored
	return nil
}

func (m *MemoryStore) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	items := make([]models.OrderItem, len(m.items[orderID]))
	copy(items, m.items[orderID])
	return items, nil
}

func (m *MemoryStore) DeleteOrphanOrders(ctx context.Context, createdBefore time.Time) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []int64
	for id, order := range m.orders {
		if order.Status == models.OrderStatusPending &&
			order.CreatedAt.Before(createdBefore) &&
			len(m.items[id]) == 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		m.deleteLocked(m.orders[id])
	}
	return ids, nil
}

// OrderCount returns the number of stored orders.
func (m *MemoryStore) OrderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) deleteLocked(order models.Order) {
	delete(m.orders, order.ID)
	delete(m.items, order.ID)
	delete(m.keys, idempotencyIndex(order.RestaurantID, order.IdempotencyKey))
}
