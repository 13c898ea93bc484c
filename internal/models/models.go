package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// RestaurantHeader carries the caller's restaurant identity on every backend request.
const RestaurantHeader = "X-Restaurant-ID"

// OrderStatus is the lifecycle stage of a remote order.
type OrderStatus string

// Order statuses
const (
	OrderStatusPending        OrderStatus = "pending"
	OrderStatusConfirmed      OrderStatus = "confirmed"
	OrderStatusPriced         OrderStatus = "priced"
	OrderStatusAssigned       OrderStatus = "assigned"
	OrderStatusOutForDelivery OrderStatus = "out_for_delivery"
	OrderStatusDelivered      OrderStatus = "delivered"
	OrderStatusCompleted      OrderStatus = "completed"
	OrderStatusCancelled      OrderStatus = "cancelled"
)

// fulfillmentPath is the common forward path; each status may only advance to the next one.
var fulfillmentPath = []OrderStatus{
	OrderStatusPending,
	OrderStatusConfirmed,
	OrderStatusPriced,
	OrderStatusAssigned,
	OrderStatusOutForDelivery,
	OrderStatusDelivered,
	OrderStatusCompleted,
}

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	if s == OrderStatusCancelled {
		return true
	}
	return s.stage() >= 0
}

// IsTerminal reports whether no further transition is possible.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// CanTransitionTo reports whether next is a legal successor of s.
// Cancellation is allowed from any non-terminal status.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	if !s.Valid() || !next.Valid() || s.IsTerminal() {
		return false
	}
	if next == OrderStatusCancelled {
		return true
	}
	return next.stage() == s.stage()+1
}

// Precedes reports whether s is an earlier lifecycle stage than other, which
// makes an event carrying s stale once other has been observed.
func (s OrderStatus) Precedes(other OrderStatus) bool {
	return s.rank() < other.rank()
}

func (s OrderStatus) rank() int {
	if s == OrderStatusCancelled {
		return len(fulfillmentPath)
	}
	return s.stage()
}

func (s OrderStatus) stage() int {
	for i, st := range fulfillmentPath {
		if st == s {
			return i
		}
	}
	return -1
}

// LineItem is one product line as selected in a cart and sent at order creation.
type LineItem struct {
	ProductID string          `json:"productId"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Notes     string          `json:"notes,omitempty"`
}

// LineTotal returns quantity x unit price.
func (l LineItem) LineTotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// TotalOf sums quantity x unit price over all lines.
func TotalOf(items []LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.LineTotal())
	}
	return total
}

// Order is the remote, authoritative record of a placed order.
type Order struct {
	ID                  int64           `db:"id" json:"id"`
	RestaurantID        string          `db:"restaurant_id" json:"restaurantId"`
	TotalAmount         decimal.Decimal `db:"total_amount" json:"totalAmount"`
	Status              OrderStatus     `db:"status" json:"status"`
	DeliveryAddress     string          `db:"delivery_address" json:"deliveryAddress"`
	DeliveryTime        time.Time       `db:"delivery_time" json:"deliveryTime"`
	SpecialInstructions string          `db:"special_instructions" json:"specialInstructions,omitempty"`
	IdempotencyKey      string          `db:"idempotency_key" json:"idempotencyKey,omitempty"`
	CreatedAt           time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt           time.Time       `db:"updated_at" json:"updatedAt"`
	Items               []OrderItem     `db:"-" json:"items"`
}

// OrderItem is one priced line of a created order.
type OrderItem struct {
	ID        int64           `db:"id" json:"id"`
	OrderID   int64           `db:"order_id" json:"orderId"`
	ProductID string          `db:"product_id" json:"productId"`
	Quantity  int             `db:"quantity" json:"quantity"`
	UnitPrice decimal.Decimal `db:"unit_price" json:"unitPriceAtOrderTime"`
	LineTotal decimal.Decimal `db:"line_total" json:"lineTotal"`
	Notes     string          `db:"notes" json:"notes,omitempty"`
}

// OrderRequest is the order-creation payload sent to the backend.
type OrderRequest struct {
	Items               []LineItem      `json:"items"`
	DeliveryAddress     string          `json:"deliveryAddress"`
	DeliveryTime        time.Time       `json:"deliveryTime"`
	SpecialInstructions string          `json:"specialInstructions,omitempty"`
	TotalAmount         decimal.Decimal `json:"totalAmount"`
	IdempotencyKey      string          `json:"idempotencyKey"`
}

// PendingStatus is the local state of a queued order.
type PendingStatus string

// Pending order statuses
const (
	PendingStatusSync                PendingStatus = "pending_sync"
	PendingStatusNeedsReconciliation PendingStatus = "needs_reconciliation"
)

// PendingOrder is an order attempt not yet acknowledged by the backend.
// Everything but the attempt metadata is fixed once enqueued.
type PendingOrder struct {
	LocalID             int64           `json:"localId"`
	RestaurantID        string          `json:"restaurantId"`
	Items               []LineItem      `json:"items"`
	TotalAmount         decimal.Decimal `json:"totalAmount"`
	Status              PendingStatus   `json:"status"`
	DeliveryAddress     string          `json:"deliveryAddress"`
	DeliveryTime        time.Time       `json:"deliveryTime"`
	SpecialInstructions string          `json:"specialInstructions,omitempty"`
	IdempotencyKey      string          `json:"idempotencyKey"`
	CreatedAt           time.Time       `json:"createdAt"`

	Attempts      int        `json:"attempts"`
	LastError     string     `json:"lastError,omitempty"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
}

// Request rebuilds the creation payload from the stored snapshot.
func (p *PendingOrder) Request() *OrderRequest {
	items := make([]LineItem, len(p.Items))
	copy(items, p.Items)
	return &OrderRequest{
		Items:               items,
		DeliveryAddress:     p.DeliveryAddress,
		DeliveryTime:        p.DeliveryTime,
		SpecialInstructions: p.SpecialInstructions,
		TotalAmount:         p.TotalAmount,
		IdempotencyKey:      p.IdempotencyKey,
	}
}

// CartSnapshot is the last known cart, mirrored for cross-device continuity.
type CartSnapshot struct {
	RestaurantID string          `json:"restaurantId"`
	Lines        []LineItem      `json:"lines"`
	TotalItems   int             `json:"totalItems"`
	TotalPrice   decimal.Decimal `json:"totalPrice"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}
