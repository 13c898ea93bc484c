package statuschan

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"supply-orders/internal/models"

	"github.com/gorilla/websocket"
)

const (
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
)

// Endpoint resolves the websocket URL and handshake headers for an order.
type Endpoint interface {
	StatusStreamEndpoint(orderID int64) (string, http.Header)
}

// WebsocketTransport opens status streams over the backend's websocket endpoint.
type WebsocketTransport struct {
	endpoint Endpoint
	dialer   *websocket.Dialer
}

func NewWebsocketTransport(endpoint Endpoint) *WebsocketTransport {
	return &WebsocketTransport{
		endpoint: endpoint,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Open dials the stream for orderID. A rejected handshake is classified by
// its HTTP status like any other backend call.
func (t *WebsocketTransport) Open(ctx context.Context, orderID int64) (Stream, error) {
	url, header := t.endpoint.StatusStreamEndpoint(orderID)

	conn, resp, err := t.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, models.NewError(kindForStatus(resp.StatusCode), "open status stream",
				fmt.Errorf("handshake returned %d", resp.StatusCode))
		}
		return nil, models.NewError(models.KindConnectivity, "open status stream", err)
	}

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	// the server pings; answer and extend the read deadline
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	return &wsStream{conn: conn}, nil
}

type wsStream struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

func (s *wsStream) Next() (*models.StatusEvent, error) {
	var event models.StatusEvent
	if err := s.conn.ReadJSON(&event); err != nil {
		return nil, models.NewError(models.KindConnectivity, "read status stream", err)
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	return &event, nil
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		err = s.conn.Close()
	})
	return err
}

func kindForStatus(status int) models.ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return models.KindAuthorization
	case status == http.StatusNotFound:
		return models.KindNotFound
	case status >= 400 && status < 500:
		return models.KindValidation
	default:
		return models.KindServer
	}
}
