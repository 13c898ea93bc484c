package service

import (
	"context"
	"errors"
	"time"

	"supply-orders/internal/models"
	"supply-orders/internal/redisclient"
	"supply-orders/internal/util"

	"go.uber.org/zap"
)

// CartSnapshotStore persists the last known cart per restaurant.
type CartSnapshotStore interface {
	SaveCartSnapshot(ctx context.Context, snapshot *models.CartSnapshot, ttl time.Duration) error
	GetCartSnapshot(ctx context.Context, restaurantID string) (*models.CartSnapshot, error)
}

// CartService mirrors restaurant carts so a session can be resumed on another device.
type CartService struct {
	snapshots CartSnapshotStore
	ttl       time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

func NewCartService(snapshots CartSnapshotStore, ttl time.Duration) *CartService {
	return &CartService{
		snapshots: snapshots,
		ttl:       ttl,
		logger:    util.Named("cart-service"),
		now:       time.Now,
	}
}

// SaveCart stores snapshot as the restaurant's current cart. Totals are
// recomputed from the lines.
func (s *CartService) SaveCart(ctx context.Context, restaurantID string, snapshot *models.CartSnapshot) error {
	const op = "save cart"

	if restaurantID == "" {
		return models.NewError(models.KindAuthorization, op, errors.New("missing restaurant identity"))
	}
	totalItems := 0
	seen := make(map[string]bool, len(snapshot.Lines))
	for _, line := range snapshot.Lines {
		if line.ProductID == "" || line.Quantity <= 0 {
			return models.NewValidationError("invalid cart line %q", line.ProductID)
		}
		if seen[line.ProductID] {
			return models.NewValidationError("product %s listed twice", line.ProductID)
		}
		seen[line.ProductID] = true
		totalItems += line.Quantity
	}

	snapshot.RestaurantID = restaurantID
	snapshot.TotalItems = totalItems
	snapshot.TotalPrice = models.TotalOf(snapshot.Lines)
	if snapshot.UpdatedAt.IsZero() {
		snapshot.UpdatedAt = s.now().UTC()
	}

	if err := s.snapshots.SaveCartSnapshot(ctx, snapshot, s.ttl); err != nil {
		return models.NewError(models.KindServer, op, err)
	}
	s.logger.Debug("Cart snapshot saved",
		zap.String("restaurant_id", restaurantID),
		zap.Int("lines", len(snapshot.Lines)))
	return nil
}

// GetCart returns the restaurant's last known cart.
func (s *CartService) GetCart(ctx context.Context, restaurantID string) (*models.CartSnapshot, error) {
	const op = "get cart"

	snapshot, err := s.snapshots.GetCartSnapshot(ctx, restaurantID)
	if errors.Is(err, redisclient.ErrNoSnapshot) {
		return nil, models.NewError(models.KindNotFound, op, err)
	}
	if err != nil {
		return nil, models.NewError(models.KindServer, op, err)
	}
	return snapshot, nil
}
