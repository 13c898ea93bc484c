package hub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"supply-orders/internal/models"
	"supply-orders/internal/util"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Subscriber is one websocket connection watching one order.
type Subscriber struct {
	orderID int64
	conn    *websocket.Conn
	send    chan *models.StatusEvent
	hub     *Hub
	closed  bool

	// ready is false until the current status has been queued; events
	// published before that wait in backlog.
	ready   bool
	backlog []*models.StatusEvent
	last    models.OrderStatus
}

// Snapshot loads the order's current status once the subscriber is registered.
type Snapshot func(ctx context.Context) (*models.StatusEvent, error)

// Hub fans order status events out to the websocket subscribers of each order.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[int64]map[*Subscriber]struct{}
	logger      *zap.Logger
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[int64]map[*Subscriber]struct{}),
		logger:      util.Named("status-hub"),
	}
}

// PublishStatus delivers event to every subscriber of its order. A subscriber
// whose buffer is full is disconnected; it will resynchronize from the
// current status when it reconnects.
func (h *Hub) PublishStatus(ctx context.Context, event *models.StatusEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subscribers[event.OrderID] {
		if !sub.ready {
			if len(sub.backlog) >= sendBuffer {
				h.logger.Warn("Subscriber backlog full, disconnecting", zap.Int64("order_id", event.OrderID))
				h.removeLocked(sub)
				continue
			}
			sub.backlog = append(sub.backlog, event)
			continue
		}
		h.deliverLocked(sub, event)
	}
	util.StatusEventsPublishedTotal.WithLabelValues("hub").Inc()
	return nil
}

// ServeOrder upgrades the request and streams status events for orderID.
// The subscriber is registered before snapshot is read, so a transition
// racing the connection is either part of the snapshot or delivered after it.
func (h *Hub) ServeOrder(w http.ResponseWriter, r *http.Request, orderID int64, snapshot Snapshot) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade to WebSocket", zap.Error(err))
		return err
	}

	sub := &Subscriber{
		orderID: orderID,
		conn:    conn,
		send:    make(chan *models.StatusEvent, sendBuffer),
		hub:     h,
	}

	h.mu.Lock()
	if h.subscribers[orderID] == nil {
		h.subscribers[orderID] = make(map[*Subscriber]struct{})
	}
	h.subscribers[orderID][sub] = struct{}{}
	h.mu.Unlock()
	util.StatusHubSubscribers.Inc()

	current, err := snapshot(r.Context())
	if err != nil {
		h.logger.Warn("Failed to load current status", zap.Int64("order_id", orderID), zap.Error(err))
		h.unregister(sub)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "status unavailable"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return err
	}

	h.mu.Lock()
	if !sub.closed {
		h.deliverLocked(sub, current)
		for _, event := range sub.backlog {
			if sub.closed {
				break
			}
			h.deliverLocked(sub, event)
		}
		sub.backlog = nil
		sub.ready = true
	}
	h.mu.Unlock()

	h.logger.Info("Subscriber connected", zap.Int64("order_id", orderID))

	go sub.writePump()
	go sub.readPump()
	return nil
}

// deliverLocked queues event unless the subscriber has already seen a later
// status. Events from the bus can lag behind the snapshot.
func (h *Hub) deliverLocked(sub *Subscriber, event *models.StatusEvent) {
	if sub.last != "" && event.Status.Precedes(sub.last) {
		h.logger.Debug("Dropping stale status event",
			zap.Int64("order_id", sub.orderID),
			zap.String("status", string(event.Status)),
			zap.String("seen", string(sub.last)))
		return
	}

	select {
	case sub.send <- event:
		sub.last = event.Status
	default:
		h.logger.Warn("Subscriber too slow, disconnecting", zap.Int64("order_id", sub.orderID))
		h.removeLocked(sub)
	}
}

// SubscriberCount returns the number of open subscriptions for an order.
func (h *Hub) SubscriberCount(orderID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[orderID])
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, subs := range h.subscribers {
		for sub := range subs {
			h.removeLocked(sub)
		}
	}
}

func (h *Hub) unregister(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

func (h *Hub) removeLocked(sub *Subscriber) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.send)

	subs := h.subscribers[sub.orderID]
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.subscribers, sub.orderID)
	}
	util.StatusHubSubscribers.Dec()
}

// readPump only watches for the peer going away; clients send nothing.
func (s *Subscriber) readPump() {
	defer func() {
		s.hub.unregister(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.logger.Debug("WebSocket read error", zap.Int64("order_id", s.orderID), zap.Error(err))
			}
			return
		}
	}
}

func (s *Subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case event, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteJSON(event); err != nil {
				s.hub.logger.Debug("WebSocket write failed", zap.Int64("order_id", s.orderID), zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
