package cart

import (
	"context"
	"sync"
	"time"

	"supply-orders/internal/models"
	"supply-orders/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const mirrorTimeout = 5 * time.Second

// Mirror receives the latest cart after each change.
type Mirror interface {
	MirrorCart(ctx context.Context, snapshot *models.CartSnapshot) error
}

// Store holds the candidate order lines of the active session, unique by
// product id and kept in insertion order.
type Store struct {
	mu           sync.Mutex
	restaurantID string
	lines        []models.LineItem
	now          func() time.Time

	mirror  Mirror
	pending chan *models.CartSnapshot
	done    chan struct{}
	stopped bool
	logger  *zap.Logger
}

// New creates an empty cart. mirror may be nil; otherwise a background
// goroutine pushes snapshots to it until Close.
func New(restaurantID string, mirror Mirror) *Store {
	s := &Store{
		restaurantID: restaurantID,
		now:          time.Now,
		mirror:       mirror,
		pending:      make(chan *models.CartSnapshot, 1),
		done:         make(chan struct{}),
		logger:       util.Named("cart"),
	}
	if mirror != nil {
		go s.mirrorLoop()
	} else {
		close(s.done)
	}
	return s
}

// Restore replaces the lines with those of snapshot without mirroring it back.
// Repeated products are merged the way AddItem merges them.
func (s *Store) Restore(snapshot *models.CartSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lines = s.lines[:0]
	for _, line := range snapshot.Lines {
		if line.ProductID == "" || line.Quantity <= 0 {
			continue
		}
		if i := s.indexLocked(line.ProductID); i >= 0 {
			s.lines[i].Quantity += line.Quantity
			s.lines[i].UnitPrice = line.UnitPrice
			continue
		}
		s.lines = append(s.lines, line)
	}
}

// AddItem adds line to the cart. A line for a product already in the cart
// increases its quantity and takes the new unit price.
func (s *Store) AddItem(line models.LineItem) error {
	if line.ProductID == "" {
		return models.NewValidationError("item without product id")
	}
	if line.Quantity <= 0 {
		return models.NewValidationError("quantity for %s must be positive", line.ProductID)
	}
	if line.UnitPrice.IsNegative() {
		return models.NewValidationError("unit price for %s must not be negative", line.ProductID)
	}

	s.mu.Lock()
	if i := s.indexLocked(line.ProductID); i >= 0 {
		s.lines[i].Quantity += line.Quantity
		s.lines[i].UnitPrice = line.UnitPrice
		if line.Notes != "" {
			s.lines[i].Notes = line.Notes
		}
	} else {
		s.lines = append(s.lines, line)
	}
	s.offerLocked()
	s.mu.Unlock()
	return nil
}

// UpdateQuantity sets a product's quantity; zero or less removes the line.
func (s *Store) UpdateQuantity(productID string, quantity int) error {
	if quantity <= 0 {
		s.RemoveItem(productID)
		return nil
	}

	s.mu.Lock()
	i := s.indexLocked(productID)
	if i < 0 {
		s.mu.Unlock()
		return models.NewError(models.KindNotFound, "update quantity", errNotInCart(productID))
	}
	s.lines[i].Quantity = quantity
	s.offerLocked()
	s.mu.Unlock()
	return nil
}

// RemoveItem drops a product's line if present.
func (s *Store) RemoveItem(productID string) {
	s.mu.Lock()
	i := s.indexLocked(productID)
	if i < 0 {
		s.mu.Unlock()
		return
	}
	s.lines = append(s.lines[:i], s.lines[i+1:]...)
	s.offerLocked()
	s.mu.Unlock()
}

// Clear empties the cart.
func (s *Store) Clear() {
	s.mu.Lock()
	s.lines = nil
	s.offerLocked()
	s.mu.Unlock()
}

// Lines returns a copy of the lines in insertion order.
func (s *Store) Lines() []models.LineItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLinesLocked()
}

func (s *Store) IsEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lines) == 0
}

// TotalItems returns the sum of quantities.
func (s *Store) TotalItems() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return totalItems(s.lines)
}

// TotalPrice returns the sum of quantity x unit price.
func (s *Store) TotalPrice() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.TotalOf(s.lines)
}

// Snapshot returns a consistent copy of the cart.
func (s *Store) Snapshot() *models.CartSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Close stops mirroring after the last offered snapshot has been pushed.
func (s *Store) Close() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		if s.mirror != nil {
			close(s.pending)
		}
	}
	s.mu.Unlock()
	<-s.done
}

func (s *Store) indexLocked(productID string) int {
	for i, line := range s.lines {
		if line.ProductID == productID {
			return i
		}
	}
	return -1
}

func (s *Store) copyLinesLocked() []models.LineItem {
	lines := make([]models.LineItem, len(s.lines))
	copy(lines, s.lines)
	return lines
}

func (s *Store) snapshotLocked() *models.CartSnapshot {
	return &models.CartSnapshot{
		RestaurantID: s.restaurantID,
		Lines:        s.copyLinesLocked(),
		TotalItems:   totalItems(s.lines),
		TotalPrice:   models.TotalOf(s.lines),
		UpdatedAt:    s.now().UTC(),
	}
}

// offerLocked hands the current cart to the mirror goroutine, replacing any
// snapshot it has not picked up yet. It never blocks.
func (s *Store) offerLocked() {
	if s.mirror == nil || s.stopped {
		return
	}
	snapshot := s.snapshotLocked()
	for {
		select {
		case s.pending <- snapshot:
			return
		default:
		}
		select {
		case <-s.pending:
		default:
		}
	}
}

func (s *Store) mirrorLoop() {
	defer close(s.done)

	for snapshot := range s.pending {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		if err := s.mirror.MirrorCart(ctx, snapshot); err != nil {
			s.logger.Warn("Cart mirror failed",
				zap.Int("lines", len(snapshot.Lines)),
				zap.Error(err))
		}
		cancel()
	}
}

func totalItems(lines []models.LineItem) int {
	n := 0
	for _, line := range lines {
		n += line.Quantity
	}
	return n
}

type errNotInCart string

func (e errNotInCart) Error() string {
	return "product " + string(e) + " is not in the cart"
}
