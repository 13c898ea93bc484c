package checkout

import (
	"context"
	"fmt"
	"time"

	"supply-orders/internal/models"
	"supply-orders/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Outcome is what happened to a checkout attempt.
type Outcome string

const (
	OutcomeSubmitted Outcome = "submitted"
	OutcomeQueued    Outcome = "queued"
	OutcomeRejected  Outcome = "rejected"
)

// Cart is the session cart being checked out.
type Cart interface {
	Snapshot() *models.CartSnapshot
	Clear()
}

// Submitter creates orders remotely.
type Submitter interface {
	Submit(ctx context.Context, req *models.OrderRequest) (*models.Order, error)
}

// Enqueuer persists orders for later submission.
type Enqueuer interface {
	Enqueue(ctx context.Context, p *models.PendingOrder) (int64, error)
}

// Details are the delivery fields entered at checkout.
type Details struct {
	DeliveryAddress     string
	DeliveryTime        time.Time
	SpecialInstructions string
}

// Result reports a checkout. Order is set when submitted and LocalID when
// queued. Err holds the submission failure behind a queued or rejected outcome.
type Result struct {
	Outcome Outcome
	Order   *models.Order
	LocalID int64
	Err     error
}

// Flow turns the session cart into an order, or into a queued order when
// the backend cannot be reached.
type Flow struct {
	cart         Cart
	submitter    Submitter
	queue        Enqueuer
	restaurantID string
	logger       *zap.Logger
}

func NewFlow(cart Cart, submitter Submitter, queue Enqueuer, restaurantID string) *Flow {
	return &Flow{
		cart:         cart,
		submitter:    submitter,
		queue:        queue,
		restaurantID: restaurantID,
		logger:       util.Named("checkout"),
	}
}

// Checkout submits the cart. Retryable failures are queued with the same
// idempotency key the submission used. The cart is cleared once the order
// is submitted or safely queued. A non-nil error always comes with
// OutcomeRejected.
func (f *Flow) Checkout(ctx context.Context, d Details) (*Result, error) {
	ctx, span := util.StartSpan(ctx, "Checkout.Checkout", util.AttrRestaurantID.String(f.restaurantID))
	defer span.End()

	snapshot := f.cart.Snapshot()
	if len(snapshot.Lines) == 0 {
		return f.reject(models.NewValidationError("cart is empty"))
	}

	req := &models.OrderRequest{
		Items:               snapshot.Lines,
		DeliveryAddress:     d.DeliveryAddress,
		DeliveryTime:        d.DeliveryTime,
		SpecialInstructions: d.SpecialInstructions,
		TotalAmount:         models.TotalOf(snapshot.Lines),
		IdempotencyKey:      uuid.NewString(),
	}

	order, err := f.submitter.Submit(ctx, req)
	if err == nil {
		f.cart.Clear()
		util.CheckoutOutcomesTotal.WithLabelValues(string(OutcomeSubmitted)).Inc()
		f.logger.Info("Checkout submitted", zap.Int64("order_id", order.ID))
		return &Result{Outcome: OutcomeSubmitted, Order: order}, nil
	}

	if !models.IsRetryable(err) {
		return f.reject(err)
	}

	pending := &models.PendingOrder{
		RestaurantID:        f.restaurantID,
		Items:               req.Items,
		TotalAmount:         req.TotalAmount,
		DeliveryAddress:     req.DeliveryAddress,
		DeliveryTime:        req.DeliveryTime,
		SpecialInstructions: req.SpecialInstructions,
		IdempotencyKey:      req.IdempotencyKey,
	}
	// enqueue must outlive a cancelled caller, otherwise the attempt is lost
	localID, qerr := f.queue.Enqueue(context.WithoutCancel(ctx), pending)
	if qerr != nil {
		f.logger.Error("Failed to queue order after submission failure",
			zap.NamedError("submit_error", err),
			zap.Error(qerr))
		return f.reject(fmt.Errorf("order could not be submitted (%v) or queued: %w", err, qerr))
	}

	f.cart.Clear()
	util.CheckoutOutcomesTotal.WithLabelValues(string(OutcomeQueued)).Inc()
	f.logger.Warn("Checkout queued for later sync",
		zap.Int64("local_id", localID),
		zap.Error(err))
	return &Result{Outcome: OutcomeQueued, LocalID: localID, Err: err}, nil
}

func (f *Flow) reject(err error) (*Result, error) {
	util.CheckoutOutcomesTotal.WithLabelValues(string(OutcomeRejected)).Inc()
	f.logger.Info("Checkout rejected", zap.Error(err))
	return &Result{Outcome: OutcomeRejected, Err: err}, err
}
