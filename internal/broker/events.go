package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"supply-orders/internal/models"
	"supply-orders/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// OrderKey is the partition key for events of one order.
func OrderKey(orderID int64) string {
	return fmt.Sprintf("order-%d", orderID)
}

// PublishStatus publishes an order status change
func (ep *EventPublisher) PublishStatus(ctx context.Context, event *models.StatusEvent) error {
	if err := ep.producer.PublishEvent(ctx, OrderKey(event.OrderID), event.EventType, event); err != nil {
		return err
	}
	util.StatusEventsPublishedTotal.WithLabelValues("kafka").Inc()
	return nil
}

// EventHandler handles incoming events
type EventHandler struct {
	onStatusChanged func(context.Context, *models.StatusEvent) error
	logger          *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.Named("event-handler")}
}

// OnStatusChanged registers a handler for order status events
func (eh *EventHandler) OnStatusChanged(handler func(context.Context, *models.StatusEvent) error) {
	eh.onStatusChanged = handler
}

// HandleMessage routes messages by the event-type header, falling back to
// the type in the body for messages published without one.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	eventType := headerValue(msg, EventTypeHeader)
	if eventType == "" {
		var baseEvent models.BaseEvent
		if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
			return fmt.Errorf("failed to unmarshal base event: %w", err)
		}
		eventType = baseEvent.EventType
	}

	eh.logger.Debug("Handling event",
		zap.String("type", eventType),
		zap.ByteString("key", msg.Key))

	switch eventType {
	case models.EventTypeOrderStatusChanged:
		if eh.onStatusChanged != nil {
			var event models.StatusEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal status event: %w", err)
			}
			return eh.onStatusChanged(ctx, &event)
		}

	default:
		eh.logger.Warn("Unhandled event type", zap.String("type", eventType))
	}

	return nil
}

func headerValue(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
