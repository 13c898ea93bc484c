package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"supply-orders/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

var (
	// ErrNotFound indicates the requested order does not exist.
	ErrNotFound = errors.New("order not found")
	// ErrDuplicateKey indicates the idempotency key is already bound to an order.
	ErrDuplicateKey = errors.New("idempotency key already used")
	// ErrNotPending indicates a write that is only allowed while an order is pending.
	ErrNotPending = errors.New("order is no longer pending")
	// ErrItemsExist indicates the order already has its items.
	ErrItemsExist = errors.New("order already has items")
)

// Repository is the order persistence contract shared by the Postgres and in-memory stores.
type Repository interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, restaurantID, key string) (*models.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, status models.OrderStatus) error
	DeletePendingOrder(ctx context.Context, orderID int64) error
	CreateOrderItems(ctx context.Context, orderID int64, items []models.OrderItem) error
	GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	DeleteOrphanOrders(ctx context.Context, createdBefore time.Time) ([]int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Store is the Postgres-backed Repository.
type Store struct {
	db *sqlx.DB
}

var _ Repository = (*Store)(nil)

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
