package submission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"supply-orders/internal/models"
	"supply-orders/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const compensationTimeout = 10 * time.Second

// Backend is the remote order API used by a submission.
type Backend interface {
	CreateOrder(ctx context.Context, req *models.OrderRequest) (*models.Order, error)
	CreateOrderItems(ctx context.Context, orderID int64, items []models.LineItem) ([]models.OrderItem, error)
	DeleteOrder(ctx context.Context, orderID int64) error
}

// PartialFailureError reports an order whose header was created but whose
// items were not. If CompensationErr is set the header may still exist
// remotely.
type PartialFailureError struct {
	OrderID         int64
	Cause           error
	CompensationErr error
}

func (e *PartialFailureError) Error() string {
	if e.CompensationErr != nil {
		return fmt.Sprintf("order %d items failed: %v (compensation failed: %v)", e.OrderID, e.Cause, e.CompensationErr)
	}
	return fmt.Sprintf("order %d items failed: %v (order removed)", e.OrderID, e.Cause)
}

// Unwrap exposes the item failure so callers classify by its kind.
func (e *PartialFailureError) Unwrap() error {
	return e.Cause
}

// Orphaned reports whether the order header may have been left behind.
func (e *PartialFailureError) Orphaned() bool {
	return e.CompensationErr != nil
}

// Service submits orders in two steps, header then items.
type Service struct {
	backend Backend
	logger  *zap.Logger
}

func NewService(backend Backend) *Service {
	return &Service{
		backend: backend,
		logger:  util.Named("submission"),
	}
}

// Submit validates req, fills in its total and idempotency key when absent,
// and creates the order remotely. If item creation fails after the header
// was created, the header is deleted before the error is returned.
func (s *Service) Submit(ctx context.Context, req *models.OrderRequest) (order *models.Order, err error) {
	ctx, span := util.StartSpan(ctx, "Submission.Submit")
	defer func() {
		util.FailSpan(span, err)
		span.End()
	}()

	start := time.Now()
	defer func() {
		util.SubmissionLatency.Observe(time.Since(start).Seconds())
	}()

	if err := Validate(req); err != nil {
		util.SubmissionsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	req.TotalAmount = models.TotalOf(req.Items)
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}

	order, err = s.backend.CreateOrder(ctx, req)
	if err != nil {
		s.countFailure(err)
		return nil, err
	}

	// a replayed key whose items already exist means an earlier attempt completed
	if len(order.Items) > 0 {
		s.logger.Info("Order already complete",
			zap.Int64("order_id", order.ID),
			zap.String("idempotency_key", req.IdempotencyKey))
		util.SubmissionsTotal.WithLabelValues("replayed").Inc()
		return order, nil
	}

	items, err := s.backend.CreateOrderItems(ctx, order.ID, req.Items)
	if err != nil {
		pf := &PartialFailureError{OrderID: order.ID, Cause: err}
		pf.CompensationErr = s.compensate(ctx, order.ID)
		s.countFailure(err)
		return nil, pf
	}

	order.Items = items
	util.SubmissionsTotal.WithLabelValues("success").Inc()
	s.logger.Info("Order submitted",
		zap.Int64("order_id", order.ID),
		zap.Int("items", len(items)),
		zap.String("total", order.TotalAmount.StringFixed(2)))
	return order, nil
}

// compensate deletes the header of a half-created order. It runs even when
// ctx is already cancelled.
func (s *Service) compensate(ctx context.Context, orderID int64) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	err := s.backend.DeleteOrder(ctx, orderID)
	if err == nil || errors.Is(err, models.ErrNotFound) {
		util.CompensationsTotal.WithLabelValues("deleted").Inc()
		s.logger.Warn("Compensated partially created order", zap.Int64("order_id", orderID))
		return nil
	}

	util.CompensationsTotal.WithLabelValues("orphaned").Inc()
	s.logger.Error("Compensation failed, order header orphaned",
		zap.Int64("order_id", orderID),
		zap.Error(err))
	return err
}

func (s *Service) countFailure(err error) {
	result := "terminal"
	if models.IsRetryable(err) {
		result = "retryable"
	}
	util.SubmissionsTotal.WithLabelValues(result).Inc()
}

// Validate checks that req can be submitted.
func Validate(req *models.OrderRequest) error {
	if req == nil || len(req.Items) == 0 {
		return models.NewValidationError("order has no items")
	}
	for _, item := range req.Items {
		if item.ProductID == "" {
			return models.NewValidationError("item without product id")
		}
		if item.Quantity <= 0 {
			return models.NewValidationError("quantity for %s must be positive", item.ProductID)
		}
		if item.UnitPrice.IsNegative() {
			return models.NewValidationError("unit price for %s must not be negative", item.ProductID)
		}
	}
	if req.DeliveryAddress == "" {
		return models.NewValidationError("delivery address is required")
	}
	if req.DeliveryTime.IsZero() {
		return models.NewValidationError("delivery time is required")
	}
	return nil
}
