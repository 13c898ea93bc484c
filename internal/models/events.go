package models

import "time"

// Event types
const (
	EventTypeOrderStatusChanged = "ORDER_STATUS_CHANGED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"eventId"`
	EventType string    `json:"eventType"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusEvent is one server-originated status transition. Delivery is
// at-least-once, so consumers must treat repeats as no-ops.
type StatusEvent struct {
	BaseEvent
	OrderID int64       `json:"orderId"`
	Status  OrderStatus `json:"status"`
}
