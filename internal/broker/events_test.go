package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"supply-orders/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statusMessage(t *testing.T, event interface{}) kafka.Message {
	value, err := json.Marshal(event)
	require.NoError(t, err)
	return kafka.Message{Key: []byte("order-7"), Value: value}
}

func TestHandleMessageRoutesStatusEvents(t *testing.T) {
	handler := NewEventHandler()

	var got *models.StatusEvent
	handler.OnStatusChanged(func(ctx context.Context, e *models.StatusEvent) error {
		got = e
		return nil
	})

	event := &models.StatusEvent{
		BaseEvent: models.BaseEvent{
			EventID:   "evt-1",
			EventType: models.EventTypeOrderStatusChanged,
			Timestamp: time.Now().UTC(),
		},
		OrderID: 7,
		Status:  models.OrderStatusConfirmed,
	}

	require.NoError(t, handler.HandleMessage(context.Background(), statusMessage(t, event)))
	require.NotNil(t, got)
	assert.Equal(t, int64(7), got.OrderID)
	assert.Equal(t, models.OrderStatusConfirmed, got.Status)
}

func TestHandleMessageIgnoresUnknownTypes(t *testing.T) {
	handler := NewEventHandler()
	called := false
	handler.OnStatusChanged(func(ctx context.Context, e *models.StatusEvent) error {
		called = true
		return nil
	})

	msg := statusMessage(t, models.BaseEvent{EventID: "x", EventType: "SOMETHING_ELSE"})
	assert.NoError(t, handler.HandleMessage(context.Background(), msg))
	assert.False(t, called)
}

func TestHandleMessagePrefersTypeHeader(t *testing.T) {
	handler := NewEventHandler()
	called := false
	handler.OnStatusChanged(func(ctx context.Context, e *models.StatusEvent) error {
		called = true
		return nil
	})

	// the header wins over the body
	msg := statusMessage(t, &models.StatusEvent{
		BaseEvent: models.BaseEvent{EventType: models.EventTypeOrderStatusChanged},
		OrderID:   7,
		Status:    models.OrderStatusPending,
	})
	msg.Headers = []kafka.Header{{Key: EventTypeHeader, Value: []byte("ORDER_ARCHIVED")}}

	require.NoError(t, handler.HandleMessage(context.Background(), msg))
	assert.False(t, called)

	msg.Headers[0].Value = []byte(models.EventTypeOrderStatusChanged)
	require.NoError(t, handler.HandleMessage(context.Background(), msg))
	assert.True(t, called)
}

func TestHandleMessageRejectsGarbage(t *testing.T) {
	handler := NewEventHandler()
	err := handler.HandleMessage(context.Background(), kafka.Message{Value: []byte("not json")})
	assert.Error(t, err)
}

func TestOrderKey(t *testing.T) {
	assert.Equal(t, "order-42", OrderKey(42))
}
