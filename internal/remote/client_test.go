package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"supply-orders/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateOrderSendsIdentityAndDecodes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/orders", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "rest-1", r.Header.Get(models.RestaurantHeader))

		var req models.OrderRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "key-1", req.IdempotencyKey)

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(models.Order{ID: 42, Status: models.OrderStatusPending, TotalAmount: req.TotalAmount})
	}))
	defer server.Close()

	client := NewClient(server.URL, "rest-1", time.Second)
	order, err := client.CreateOrder(context.Background(), &models.OrderRequest{
		Items:          []models.LineItem{{ProductID: "A", Quantity: 1, UnitPrice: decimal.NewFromInt(3)}},
		TotalAmount:    decimal.NewFromInt(3),
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), order.ID)
	assert.True(t, order.TotalAmount.Equal(decimal.NewFromInt(3)))
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		kind   models.ErrorKind
		retry  bool
	}{
		{http.StatusBadRequest, models.KindValidation, false},
		{http.StatusUnprocessableEntity, models.KindValidation, false},
		{http.StatusUnauthorized, models.KindAuthorization, false},
		{http.StatusForbidden, models.KindAuthorization, false},
		{http.StatusNotFound, models.KindNotFound, false},
		{http.StatusConflict, models.KindConflict, false},
		{http.StatusTooManyRequests, models.KindServer, true},
		{http.StatusInternalServerError, models.KindServer, true},
		{http.StatusBadGateway, models.KindServer, true},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"nope","kind":"whatever"}`))
			}))
			defer server.Close()

			client := NewClient(server.URL, "rest-1", time.Second)
			_, err := client.GetOrder(context.Background(), 1)
			require.Error(t, err)
			assert.Equal(t, tt.kind, models.KindOf(err))
			assert.Equal(t, tt.retry, models.IsRetryable(err))
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestUnreachableServerIsConnectivity(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := NewClient(url, "rest-1", time.Second)

	_, err := client.CreateOrder(context.Background(), &models.OrderRequest{})
	assert.ErrorIs(t, err, models.ErrConnectivity)
	assert.True(t, models.IsRetryable(err))

	assert.ErrorIs(t, client.Ping(context.Background()), models.ErrConnectivity)
}

func TestDeleteOrderAndMirrorCart(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", "rest-1", time.Second)
	require.NoError(t, client.DeleteOrder(context.Background(), 9))
	require.NoError(t, client.MirrorCart(context.Background(), &models.CartSnapshot{}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"DELETE /api/v1/orders/9", "PUT /api/v1/carts/current"}, paths)
}

func TestStatusStreamEndpoint(t *testing.T) {
	client := NewClient("https://orders.example.com/", "rest-1", time.Second)
	url, header := client.StatusStreamEndpoint(7)

	assert.Equal(t, "wss://orders.example.com/api/v1/orders/7/status/ws", url)
	assert.Equal(t, "rest-1", header.Get(models.RestaurantHeader))

	plain := NewClient("http://localhost:8080", "rest-1", time.Second)
	url, _ = plain.StatusStreamEndpoint(7)
	assert.Equal(t, "ws://localhost:8080/api/v1/orders/7/status/ws", url)
}

func TestGetOrderAndUpdateStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method + " " + r.URL.Path {
		case "GET /api/v1/orders/5":
			_ = json.NewEncoder(w).Encode(models.Order{ID: 5, Status: models.OrderStatusPending})
		case "PATCH /api/v1/orders/5/status":
			var body map[string]models.OrderStatus
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			_ = json.NewEncoder(w).Encode(models.Order{ID: 5, Status: body["status"]})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, "rest-1", time.Second)

	order, err := client.GetOrder(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, order.Status)

	order, err = client.UpdateStatus(context.Background(), 5, models.OrderStatusConfirmed)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusConfirmed, order.Status)
}
