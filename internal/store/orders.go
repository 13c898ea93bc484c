package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"supply-orders/internal/models"

	"github.com/lib/pq"
)

const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

// CreateOrder inserts an order header and fills in its id and timestamps.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (restaurant_id, total_amount, status, delivery_address,
		                    delivery_time, special_instructions, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`

	row := s.db.QueryRowxContext(ctx, query,
		order.RestaurantID, order.TotalAmount, order.Status, order.DeliveryAddress,
		order.DeliveryTime, order.SpecialInstructions, order.IdempotencyKey)

	if err := row.Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt); err != nil {
		if isPQCode(err, pqUniqueViolation) {
			return ErrDuplicateKey
		}
		return err
	}
	return nil
}

// GetOrderByID retrieves an order header by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByIdempotencyKey retrieves an order by idempotency key, or nil if unused.
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, restaurantID, key string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"SELECT * FROM orders WHERE restaurant_id = $1 AND idempotency_key = $2",
		restaurantID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// UpdateOrderStatus updates order status
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID int64, status models.OrderStatus) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2",
		status, orderID)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// DeletePendingOrder removes an order that is still pending, together with any items.
func (s *Store) DeletePendingOrder(ctx context.Context, orderID int64) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM orders WHERE id = $1 AND status = $2",
		orderID, models.OrderStatusPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	if _, err := s.GetOrderByID(ctx, orderID); err != nil {
		return err
	}
	return ErrNotPending
}

// CreateOrderItems inserts all items of an order in one transaction.
func (s *Store) CreateOrderItems(ctx context.Context, orderID int64, items []models.OrderItem) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var existing int
	err = tx.GetContext(ctx, &existing,
		"SELECT COUNT(*) FROM order_items WHERE order_id = $1", orderID)
	if err != nil {
		return fmt.Errorf("failed to count order items: %w", err)
	}
	if existing > 0 {
		return ErrItemsExist
	}

	query := `
		INSERT INTO order_items (order_id, product_id, quantity, unit_price, line_total, notes)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	for i := range items {
		items[i].OrderID = orderID
		err := tx.GetContext(ctx, &items[i].ID, query,
			orderID, items[i].ProductID, items[i].Quantity, items[i].UnitPrice,
			items[i].LineTotal, items[i].Notes)
		if err != nil {
			if isPQCode(err, pqForeignKeyViolation) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to insert order item %s: %w", items[i].ProductID, err)
		}
	}

	return tx.Commit()
}

// GetOrderItemsByOrderID retrieves all items for an order
func (s *Store) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	items := []models.OrderItem{}
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}

// DeleteOrphanOrders removes pending orders created before the cutoff that never got items.
func (s *Store) DeleteOrphanOrders(ctx context.Context, createdBefore time.Time) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, `
		DELETE FROM orders o
		WHERE o.status = $1
		  AND o.created_at < $2
		  AND NOT EXISTS (SELECT 1 FROM order_items i WHERE i.order_id = o.id)
		RETURNING o.id`,
		models.OrderStatusPending, createdBefore)
	return ids, err
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isPQCode(err error, code string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == code
}
