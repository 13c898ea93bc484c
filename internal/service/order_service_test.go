package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"supply-orders/internal/models"
	"supply-orders/internal/redisclient"
	"supply-orders/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*models.StatusEvent
	err    error
}

func (p *recordingPublisher) PublishStatus(ctx context.Context, event *models.StatusEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) statuses() []models.OrderStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.OrderStatus, len(p.events))
	for i, e := range p.events {
		out[i] = e.Status
	}
	return out
}

func newTestService() (*OrderService, *store.MemoryStore, *recordingPublisher) {
	repo := store.NewMemoryStore()
	pub := &recordingPublisher{}
	return NewOrderService(repo, pub), repo, pub
}

func testRequest(key string) *models.OrderRequest {
	return &models.OrderRequest{
		Items: []models.LineItem{
			{ProductID: "A", Quantity: 2, UnitPrice: decimal.NewFromInt(5)},
			{ProductID: "B", Quantity: 1, UnitPrice: decimal.NewFromInt(10)},
		},
		DeliveryAddress: "1 Main St",
		DeliveryTime:    time.Date(2026, 10, 20, 8, 0, 0, 0, time.UTC),
		TotalAmount:     decimal.NewFromInt(20),
		IdempotencyKey:  key,
	}
}

func TestCreateOrder(t *testing.T) {
	svc, _, pub := newTestService()
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, "rest-1", testRequest("k1"))
	require.NoError(t, err)

	assert.NotZero(t, order.ID)
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.True(t, order.TotalAmount.Equal(decimal.NewFromInt(20)))
	assert.Empty(t, order.Items)
	assert.Equal(t, []models.OrderStatus{models.OrderStatusPending}, pub.statuses())
}

func TestCreateOrderValidation(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(r *models.OrderRequest)
	}{
		{"no items", func(r *models.OrderRequest) { r.Items = nil }},
		{"zero quantity", func(r *models.OrderRequest) { r.Items[0].Quantity = 0 }},
		{"duplicate product", func(r *models.OrderRequest) { r.Items[1].ProductID = "A" }},
		{"no address", func(r *models.OrderRequest) { r.DeliveryAddress = "" }},
		{"no key", func(r *models.OrderRequest) { r.IdempotencyKey = "" }},
		{"total mismatch", func(r *models.OrderRequest) { r.TotalAmount = decimal.NewFromInt(21) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testRequest("k1")
			tt.mutate(req)
			_, err := svc.CreateOrder(ctx, "rest-1", req)
			assert.ErrorIs(t, err, models.ErrValidation)
		})
	}
	assert.Equal(t, 0, repo.OrderCount())

	_, err := svc.CreateOrder(ctx, "", testRequest("k1"))
	assert.ErrorIs(t, err, models.ErrAuthorization)
}

func TestCreateOrderFillsZeroTotal(t *testing.T) {
	svc, _, _ := newTestService()

	req := testRequest("k1")
	req.TotalAmount = decimal.Zero
	order, err := svc.CreateOrder(context.Background(), "rest-1", req)
	require.NoError(t, err)
	assert.True(t, order.TotalAmount.Equal(decimal.NewFromInt(20)))
}

func TestCreateOrderReplaysIdempotencyKey(t *testing.T) {
	svc, repo, pub := newTestService()
	ctx := context.Background()

	first, err := svc.CreateOrder(ctx, "rest-1", testRequest("k1"))
	require.NoError(t, err)

	replay, err := svc.CreateOrder(ctx, "rest-1", testRequest("k1"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, replay.ID)
	assert.Empty(t, replay.Items)

	_, err = svc.AddItems(ctx, "rest-1", first.ID, testRequest("k1").Items)
	require.NoError(t, err)

	replay, err = svc.CreateOrder(ctx, "rest-1", testRequest("k1"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, replay.ID)
	assert.Len(t, replay.Items, 2)

	assert.Equal(t, 1, repo.OrderCount())
	assert.Len(t, pub.statuses(), 1)
}

func TestAddItems(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, "rest-1", testRequest("k1"))
	require.NoError(t, err)

	items, err := svc.AddItems(ctx, "rest-1", order.ID, testRequest("k1").Items)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.True(t, items[0].LineTotal.Equal(decimal.NewFromInt(10)))
	assert.True(t, items[0].UnitPrice.Equal(decimal.NewFromInt(5)))

	_, err = svc.AddItems(ctx, "rest-1", order.ID, testRequest("k1").Items)
	assert.ErrorIs(t, err, models.ErrConflict)

	_, err = svc.AddItems(ctx, "rest-2", order.ID, testRequest("k1").Items)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = svc.AddItems(ctx, "rest-1", 999, testRequest("k1").Items)
	assert.ErrorIs(t, err, models.ErrNotFound)

	fetched, err := svc.GetOrder(ctx, "rest-1", order.ID)
	require.NoError(t, err)
	assert.Len(t, fetched.Items, 2)
}

func TestAddItemsStoreFailureIsServerError(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, "rest-1", testRequest("k1"))
	require.NoError(t, err)

	repo.FailItemsWith(func(int64) error { return errors.New("disk full") })
	_, err = svc.AddItems(ctx, "rest-1", order.ID, testRequest("k1").Items)
	assert.ErrorIs(t, err, models.ErrServer)
	assert.True(t, models.IsRetryable(err))
}

func TestDeleteOrder(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, "rest-1", testRequest("k1"))
	require.NoError(t, err)

	assert.ErrorIs(t, svc.DeleteOrder(ctx, "rest-2", order.ID), models.ErrNotFound)
	require.NoError(t, svc.DeleteOrder(ctx, "rest-1", order.ID))
	assert.Equal(t, 0, repo.OrderCount())

	confirmed, err := svc.CreateOrder(ctx, "rest-1", testRequest("k2"))
	require.NoError(t, err)
	_, err = svc.UpdateStatus(ctx, confirmed.ID, models.OrderStatusConfirmed)
	require.NoError(t, err)
	assert.ErrorIs(t, svc.DeleteOrder(ctx, "rest-1", confirmed.ID), models.ErrConflict)
}

func TestUpdateStatus(t *testing.T) {
	svc, _, pub := newTestService()
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, "rest-1", testRequest("k1"))
	require.NoError(t, err)

	updated, err := svc.UpdateStatus(ctx, order.ID, models.OrderStatusConfirmed)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusConfirmed, updated.Status)

	// same status again is a no-op
	_, err = svc.UpdateStatus(ctx, order.ID, models.OrderStatusConfirmed)
	require.NoError(t, err)

	_, err = svc.UpdateStatus(ctx, order.ID, models.OrderStatusDelivered)
	assert.ErrorIs(t, err, models.ErrConflict)

	_, err = svc.UpdateStatus(ctx, order.ID, models.OrderStatus("shipped"))
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = svc.UpdateStatus(ctx, order.ID, models.OrderStatusCancelled)
	require.NoError(t, err)
	_, err = svc.UpdateStatus(ctx, order.ID, models.OrderStatusConfirmed)
	assert.ErrorIs(t, err, models.ErrConflict)

	assert.Equal(t, []models.OrderStatus{
		models.OrderStatusPending,
		models.OrderStatusConfirmed,
		models.OrderStatusCancelled,
	}, pub.statuses())
}

func TestPublishFailureDoesNotFailOrder(t *testing.T) {
	svc, _, pub := newTestService()
	pub.err = errors.New("broker down")

	order, err := svc.CreateOrder(context.Background(), "rest-1", testRequest("k1"))
	require.NoError(t, err)
	assert.NotZero(t, order.ID)
}

func TestSweepOrphans(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()
	base := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	repo.SetClock(func() time.Time { return base })

	orphan, err := svc.CreateOrder(ctx, "rest-1", testRequest("orphan"))
	require.NoError(t, err)
	complete, err := svc.CreateOrder(ctx, "rest-1", testRequest("complete"))
	require.NoError(t, err)
	_, err = svc.AddItems(ctx, "rest-1", complete.ID, testRequest("complete").Items)
	require.NoError(t, err)

	svc.now = func() time.Time { return base.Add(20 * time.Minute) }
	swept, err := svc.SweepOrphans(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	_, err = svc.GetOrder(ctx, "rest-1", orphan.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = svc.GetOrder(ctx, "rest-1", complete.ID)
	assert.NoError(t, err)
}

func TestCartService(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client, err := redisclient.NewClient(mr.Addr(), "", 0)
	require.NoError(t, err)
	defer client.Close()

	svc := NewCartService(client, time.Hour)
	ctx := context.Background()

	_, err = svc.GetCart(ctx, "rest-1")
	assert.ErrorIs(t, err, models.ErrNotFound)

	snapshot := &models.CartSnapshot{
		RestaurantID: "someone-else",
		Lines: []models.LineItem{
			{ProductID: "A", Quantity: 3, UnitPrice: decimal.NewFromInt(2)},
		},
	}
	require.NoError(t, svc.SaveCart(ctx, "rest-1", snapshot))

	loaded, err := svc.GetCart(ctx, "rest-1")
	require.NoError(t, err)
	assert.Equal(t, "rest-1", loaded.RestaurantID)
	assert.Equal(t, 3, loaded.TotalItems)
	assert.True(t, loaded.TotalPrice.Equal(decimal.NewFromInt(6)))

	err = svc.SaveCart(ctx, "rest-1", &models.CartSnapshot{
		Lines: []models.LineItem{{ProductID: "A", Quantity: 0}},
	})
	assert.ErrorIs(t, err, models.ErrValidation)

	err = svc.SaveCart(ctx, "rest-1", &models.CartSnapshot{
		Lines: []models.LineItem{
			{ProductID: "A", Quantity: 1, UnitPrice: decimal.NewFromInt(2)},
			{ProductID: "A", Quantity: 2, UnitPrice: decimal.NewFromInt(2)},
		},
	})
	assert.ErrorIs(t, err, models.ErrValidation)

	loaded, err = svc.GetCart(ctx, "rest-1")
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.TotalItems)
}
