package hub

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"supply-orders/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statusEvent(orderID int64, status models.OrderStatus) *models.StatusEvent {
	return &models.StatusEvent{
		BaseEvent: models.BaseEvent{EventType: models.EventTypeOrderStatusChanged, Timestamp: time.Now().UTC()},
		OrderID:   orderID,
		Status:    status,
	}
}

func fixedSnapshot(orderID int64, current models.OrderStatus) Snapshot {
	return func(context.Context) (*models.StatusEvent, error) {
		return statusEvent(orderID, current), nil
	}
}

func dialHub(t *testing.T, h *Hub, orderID int64, current models.OrderStatus) *websocket.Conn {
	return dialWith(t, h, orderID, fixedSnapshot(orderID, current))
}

func dialWith(t *testing.T, h *Hub, orderID int64, snapshot Snapshot) *websocket.Conn {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = h.ServeOrder(w, r, orderID, snapshot)
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) models.StatusEvent {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event models.StatusEvent
	require.NoError(t, conn.ReadJSON(&event))
	return event
}

func TestServeOrderSendsCurrentStatusFirst(t *testing.T) {
	h := NewHub()
	defer h.Close()

	conn := dialHub(t, h, 7, models.OrderStatusConfirmed)

	first := readEvent(t, conn)
	assert.Equal(t, int64(7), first.OrderID)
	assert.Equal(t, models.OrderStatusConfirmed, first.Status)
}

func TestPublishStatusFansOutInOrder(t *testing.T) {
	h := NewHub()
	defer h.Close()

	a := dialHub(t, h, 7, models.OrderStatusPending)
	b := dialHub(t, h, 7, models.OrderStatusPending)
	other := dialHub(t, h, 8, models.OrderStatusPending)

	readEvent(t, a)
	readEvent(t, b)
	readEvent(t, other)
	require.Eventually(t, func() bool { return h.SubscriberCount(7) == 2 }, time.Second, 10*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, h.PublishStatus(ctx, statusEvent(7, models.OrderStatusConfirmed)))
	require.NoError(t, h.PublishStatus(ctx, statusEvent(7, models.OrderStatusPriced)))

	for _, conn := range []*websocket.Conn{a, b} {
		assert.Equal(t, models.OrderStatusConfirmed, readEvent(t, conn).Status)
		assert.Equal(t, models.OrderStatusPriced, readEvent(t, conn).Status)
	}

	require.NoError(t, other.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	var nothing models.StatusEvent
	assert.Error(t, other.ReadJSON(&nothing))
}

func TestSubscriberRemovedOnDisconnect(t *testing.T) {
	h := NewHub()
	defer h.Close()

	conn := dialHub(t, h, 7, models.OrderStatusPending)
	readEvent(t, conn)
	require.Equal(t, 1, h.SubscriberCount(7))

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return h.SubscriberCount(7) == 0 }, 2*time.Second, 10*time.Millisecond)

	assert.NoError(t, h.PublishStatus(context.Background(), statusEvent(7, models.OrderStatusConfirmed)))
}

func TestCloseDisconnectsSubscribers(t *testing.T) {
	h := NewHub()

	conn := dialHub(t, h, 7, models.OrderStatusPending)
	readEvent(t, conn)

	h.Close()
	assert.Equal(t, 0, h.SubscriberCount(7))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestStaleEventsAreDropped(t *testing.T) {
	h := NewHub()
	defer h.Close()

	conn := dialHub(t, h, 7, models.OrderStatusConfirmed)
	assert.Equal(t, models.OrderStatusConfirmed, readEvent(t, conn).Status)

	ctx := context.Background()
	require.NoError(t, h.PublishStatus(ctx, statusEvent(7, models.OrderStatusPending)))
	require.NoError(t, h.PublishStatus(ctx, statusEvent(7, models.OrderStatusConfirmed)))
	require.NoError(t, h.PublishStatus(ctx, statusEvent(7, models.OrderStatusPriced)))

	// repeats are kept, regressions are not
	assert.Equal(t, models.OrderStatusConfirmed, readEvent(t, conn).Status)
	assert.Equal(t, models.OrderStatusPriced, readEvent(t, conn).Status)
}

func TestTransitionDuringSnapshotIsDelivered(t *testing.T) {
	h := NewHub()
	defer h.Close()

	// the transition lands after registration but before the snapshot is sent
	snapshot := func(ctx context.Context) (*models.StatusEvent, error) {
		current := statusEvent(7, models.OrderStatusPending)
		_ = h.PublishStatus(ctx, statusEvent(7, models.OrderStatusConfirmed))
		return current, nil
	}
	conn := dialWith(t, h, 7, snapshot)

	assert.Equal(t, models.OrderStatusPending, readEvent(t, conn).Status)
	assert.Equal(t, models.OrderStatusConfirmed, readEvent(t, conn).Status)
}

func TestSnapshotFailureClosesStream(t *testing.T) {
	h := NewHub()
	defer h.Close()

	conn := dialWith(t, h, 7, func(context.Context) (*models.StatusEvent, error) {
		return nil, errors.New("store down")
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseInternalServerErr), "got %v", err)
	assert.Equal(t, 0, h.SubscriberCount(7))
}
