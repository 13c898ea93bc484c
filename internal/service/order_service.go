package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"supply-orders/internal/models"
	"supply-orders/internal/store"
	"supply-orders/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// StatusPublisher receives every status an order enters, including the
// initial pending status.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, event *models.StatusEvent) error
}

// OrderService handles order business logic
type OrderService struct {
	store     store.Repository
	publisher StatusPublisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewOrderService creates a new order service
func NewOrderService(repo store.Repository, publisher StatusPublisher) *OrderService {
	return &OrderService{
		store:     repo,
		publisher: publisher,
		logger:    util.GetLogger(),
		now:       time.Now,
	}
}

// CreateOrder creates the order header. A request carrying an idempotency key
// that was already used by the same restaurant returns the existing order
// together with whatever items it has.
func (s *OrderService) CreateOrder(ctx context.Context, restaurantID string, req *models.OrderRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder", util.AttrRestaurantID.String(restaurantID))
	defer span.End()

	const op = "create order"

	if restaurantID == "" {
		return nil, models.NewError(models.KindAuthorization, op, errors.New("missing restaurant identity"))
	}

	total, err := validateOrderRequest(req)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("invalid_request").Inc()
		return nil, err
	}

	existing, err := s.store.GetOrderByIdempotencyKey(ctx, restaurantID, req.IdempotencyKey)
	if err != nil {
		return nil, storeError(op, err)
	}
	if existing != nil {
		return s.replay(ctx, existing)
	}

	order := &models.Order{
		RestaurantID:        restaurantID,
		TotalAmount:         total,
		Status:              models.OrderStatusPending,
		DeliveryAddress:     req.DeliveryAddress,
		DeliveryTime:        req.DeliveryTime.UTC(),
		SpecialInstructions: req.SpecialInstructions,
		IdempotencyKey:      req.IdempotencyKey,
	}

	if err := s.store.CreateOrder(ctx, order); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			// lost a race with a concurrent request carrying the same key
			existing, getErr := s.store.GetOrderByIdempotencyKey(ctx, restaurantID, req.IdempotencyKey)
			if getErr == nil && existing != nil {
				return s.replay(ctx, existing)
			}
		}
		util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
		return nil, storeError(op, err)
	}

	order.Items = []models.OrderItem{}
	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.String("restaurant_id", restaurantID),
		zap.String("total", order.TotalAmount.StringFixed(2)))

	s.publish(ctx, order.ID, order.Status)
	return order, nil
}

func (s *OrderService) replay(ctx context.Context, existing *models.Order) (*models.Order, error) {
	items, err := s.store.GetOrderItemsByOrderID(ctx, existing.ID)
	if err != nil {
		return nil, storeError("create order", err)
	}
	existing.Items = items

	util.OrdersReplayedTotal.Inc()
	s.logger.Info("Duplicate order request detected",
		zap.String("idempotency_key", existing.IdempotencyKey),
		zap.Int64("order_id", existing.ID),
		zap.Int("items", len(items)))
	return existing, nil
}

// AddItems creates the line items of a pending order. An order receives its
// items exactly once.
func (s *OrderService) AddItems(ctx context.Context, restaurantID string, orderID int64, lines []models.LineItem) ([]models.OrderItem, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.AddItems", util.AttrOrderID.Int64(orderID))
	defer span.End()

	const op = "create order items"

	if err := validateLines(lines); err != nil {
		util.OrdersFailedTotal.WithLabelValues("invalid_items").Inc()
		return nil, err
	}

	order, err := s.ownedOrder(ctx, op, restaurantID, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusPending {
		return nil, models.NewError(models.KindConflict, op, store.ErrNotPending)
	}

	items := make([]models.OrderItem, len(lines))
	for i, line := range lines {
		items[i] = models.OrderItem{
			OrderID:   orderID,
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
			LineTotal: line.LineTotal(),
			Notes:     line.Notes,
		}
	}

	if err := s.store.CreateOrderItems(ctx, orderID, items); err != nil {
		util.OrdersFailedTotal.WithLabelValues("items_failed").Inc()
		return nil, storeError(op, err)
	}

	util.OrderItemsCreatedTotal.Add(float64(len(items)))
	s.logger.Info("Order items created", zap.Int64("order_id", orderID), zap.Int("count", len(items)))
	return items, nil
}

// DeleteOrder removes a pending order and its items. It is the compensating
// action for a submission whose item creation failed.
func (s *OrderService) DeleteOrder(ctx context.Context, restaurantID string, orderID int64) error {
	ctx, span := util.StartSpan(ctx, "OrderService.DeleteOrder", util.AttrOrderID.Int64(orderID))
	defer span.End()

	const op = "delete order"

	if _, err := s.ownedOrder(ctx, op, restaurantID, orderID); err != nil {
		return err
	}
	if err := s.store.DeletePendingOrder(ctx, orderID); err != nil {
		return storeError(op, err)
	}

	util.OrdersDeletedTotal.Inc()
	s.logger.Info("Order deleted", zap.Int64("order_id", orderID))
	return nil
}

// GetOrder retrieves an order with its items
func (s *OrderService) GetOrder(ctx context.Context, restaurantID string, orderID int64) (*models.Order, error) {
	const op = "get order"

	order, err := s.ownedOrder(ctx, op, restaurantID, orderID)
	if err != nil {
		return nil, err
	}

	items, err := s.store.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		return nil, storeError(op, err)
	}
	order.Items = items
	return order, nil
}

// CurrentStatus returns the order's present status as a status event.
func (s *OrderService) CurrentStatus(ctx context.Context, restaurantID string, orderID int64) (*models.StatusEvent, error) {
	order, err := s.ownedOrder(ctx, "get order status", restaurantID, orderID)
	if err != nil {
		return nil, err
	}
	return NewStatusEvent(order.ID, order.Status, order.UpdatedAt), nil
}

// UpdateStatus moves an order along its lifecycle. Re-applying the current
// status is a no-op and publishes nothing.
func (s *OrderService) UpdateStatus(ctx context.Context, orderID int64, status models.OrderStatus) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.UpdateStatus", util.AttrOrderID.Int64(orderID))
	defer span.End()

	const op = "update order status"

	if !status.Valid() {
		return nil, models.NewValidationError("unknown status %q", status)
	}

	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, storeError(op, err)
	}
	if order.Status == status {
		return order, nil
	}
	if !order.Status.CanTransitionTo(status) {
		return nil, models.NewError(models.KindConflict, op,
			fmt.Errorf("cannot move order from %s to %s", order.Status, status))
	}

	if err := s.store.UpdateOrderStatus(ctx, orderID, status); err != nil {
		return nil, storeError(op, err)
	}
	order.Status = status
	order.UpdatedAt = s.now().UTC()

	util.OrderStatusTransitionsTotal.WithLabelValues(string(status)).Inc()
	s.logger.Info("Order status updated", zap.Int64("order_id", orderID), zap.String("status", string(status)))

	s.publish(ctx, orderID, status)
	return order, nil
}

// SweepOrphans deletes pending orders older than maxAge that never received
// items, left behind when a client's compensating delete did not reach us.
func (s *OrderService) SweepOrphans(ctx context.Context, maxAge time.Duration) (int, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.SweepOrphans")
	defer span.End()

	ids, err := s.store.DeleteOrphanOrders(ctx, s.now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("failed to sweep orphan orders: %w", err)
	}

	for _, id := range ids {
		s.logger.Warn("Swept orphan order", zap.Int64("order_id", id))
	}
	util.OrphanOrdersSweptTotal.Add(float64(len(ids)))
	return len(ids), nil
}

// Ready reports whether the backing store is reachable.
func (s *OrderService) Ready(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *OrderService) ownedOrder(ctx context.Context, op, restaurantID string, orderID int64) (*models.Order, error) {
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, storeError(op, err)
	}
	// other restaurants' orders are indistinguishable from missing ones
	if order.RestaurantID != restaurantID {
		return nil, models.NewError(models.KindNotFound, op, store.ErrNotFound)
	}
	return order, nil
}

func (s *OrderService) publish(ctx context.Context, orderID int64, status models.OrderStatus) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishStatus(ctx, NewStatusEvent(orderID, status, s.now())); err != nil {
		s.logger.Error("Failed to publish status event",
			zap.Int64("order_id", orderID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

// NewStatusEvent builds a status event with a fresh event id.
func NewStatusEvent(orderID int64, status models.OrderStatus, at time.Time) *models.StatusEvent {
	return &models.StatusEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderStatusChanged,
			Timestamp: at.UTC(),
		},
		OrderID: orderID,
		Status:  status,
	}
}

func validateLines(lines []models.LineItem) error {
	if len(lines) == 0 {
		return models.NewValidationError("order has no items")
	}
	seen := make(map[string]bool, len(lines))
	for _, line := range lines {
		if line.ProductID == "" {
			return models.NewValidationError("item without product id")
		}
		if seen[line.ProductID] {
			return models.NewValidationError("product %s listed twice", line.ProductID)
		}
		seen[line.ProductID] = true
		if line.Quantity <= 0 {
			return models.NewValidationError("quantity for %s must be positive", line.ProductID)
		}
		if line.UnitPrice.IsNegative() {
			return models.NewValidationError("unit price for %s must not be negative", line.ProductID)
		}
	}
	return nil
}

// validateOrderRequest checks the header fields and returns the order total.
// A zero total is filled in; a non-zero one must match the items.
func validateOrderRequest(req *models.OrderRequest) (decimal.Decimal, error) {
	if err := validateLines(req.Items); err != nil {
		return decimal.Zero, err
	}
	if req.DeliveryAddress == "" {
		return decimal.Zero, models.NewValidationError("delivery address is required")
	}
	if req.DeliveryTime.IsZero() {
		return decimal.Zero, models.NewValidationError("delivery time is required")
	}
	if req.IdempotencyKey == "" {
		return decimal.Zero, models.NewValidationError("idempotency key is required")
	}

	computed := models.TotalOf(req.Items)
	if req.TotalAmount.IsZero() {
		return computed, nil
	}
	if !req.TotalAmount.Equal(computed) {
		return decimal.Zero, models.NewValidationError("total %s does not match items total %s",
			req.TotalAmount.StringFixed(2), computed.StringFixed(2))
	}
	return req.TotalAmount, nil
}

func storeError(op string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return models.NewError(models.KindNotFound, op, err)
	case errors.Is(err, store.ErrItemsExist), errors.Is(err, store.ErrNotPending), errors.Is(err, store.ErrDuplicateKey):
		return models.NewError(models.KindConflict, op, err)
	default:
		return models.NewError(models.KindServer, op, err)
	}
}
