package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"supply-orders/internal/models"
	"supply-orders/internal/util"

	"go.uber.org/zap"
)

const apiPrefix = "/api/v1"

// Client talks to the order backend on behalf of one restaurant. Every
// failure it returns is a *models.OrderError classified by kind.
type Client struct {
	baseURL      string
	restaurantID string
	httpClient   *http.Client
	logger       *zap.Logger
}

func NewClient(baseURL, restaurantID string, timeout time.Duration) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		restaurantID: restaurantID,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: util.Named("remote"),
	}
}

// RestaurantID returns the identity sent with every request.
func (c *Client) RestaurantID() string {
	return c.restaurantID
}

// CreateOrder creates the order header. The backend answers a repeated
// idempotency key with the existing order and its items.
func (c *Client) CreateOrder(ctx context.Context, req *models.OrderRequest) (*models.Order, error) {
	var order models.Order
	if err := c.do(ctx, "create order", http.MethodPost, "/orders", req, &order, http.StatusCreated); err != nil {
		return nil, err
	}
	c.logger.Debug("Order header created", zap.Int64("order_id", order.ID), zap.Int("items", len(order.Items)))
	return &order, nil
}

// CreateOrderItems creates the line items of an order.
func (c *Client) CreateOrderItems(ctx context.Context, orderID int64, items []models.LineItem) ([]models.OrderItem, error) {
	body := struct {
		Items []models.LineItem `json:"items"`
	}{Items: items}

	var created []models.OrderItem
	path := fmt.Sprintf("/orders/%d/items", orderID)
	if err := c.do(ctx, "create order items", http.MethodPost, path, body, &created, http.StatusCreated); err != nil {
		return nil, err
	}
	return created, nil
}

// DeleteOrder removes a pending order.
func (c *Client) DeleteOrder(ctx context.Context, orderID int64) error {
	path := fmt.Sprintf("/orders/%d", orderID)
	return c.do(ctx, "delete order", http.MethodDelete, path, nil, nil, http.StatusNoContent)
}

// GetOrder fetches an order with its items.
func (c *Client) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	var order models.Order
	path := fmt.Sprintf("/orders/%d", orderID)
	if err := c.do(ctx, "get order", http.MethodGet, path, nil, &order, http.StatusOK); err != nil {
		return nil, err
	}
	return &order, nil
}

// UpdateStatus moves an order to status.
func (c *Client) UpdateStatus(ctx context.Context, orderID int64, status models.OrderStatus) (*models.Order, error) {
	body := map[string]models.OrderStatus{"status": status}

	var order models.Order
	path := fmt.Sprintf("/orders/%d/status", orderID)
	if err := c.do(ctx, "update order status", http.MethodPatch, path, body, &order, http.StatusOK); err != nil {
		return nil, err
	}
	return &order, nil
}

// MirrorCart stores snapshot as the restaurant's last known cart.
func (c *Client) MirrorCart(ctx context.Context, snapshot *models.CartSnapshot) error {
	return c.do(ctx, "mirror cart", http.MethodPut, "/carts/current", snapshot, nil, http.StatusNoContent)
}

// GetCart fetches the restaurant's last known cart.
func (c *Client) GetCart(ctx context.Context) (*models.CartSnapshot, error) {
	var snapshot models.CartSnapshot
	if err := c.do(ctx, "get cart", http.MethodGet, "/carts/current", nil, &snapshot, http.StatusOK); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// Ping checks that the backend is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return models.NewError(models.KindValidation, "ping", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.NewError(models.KindConnectivity, "ping", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return models.NewError(models.KindServer, "ping", fmt.Errorf("health returned %d", resp.StatusCode))
	}
	return nil
}

// StatusStreamEndpoint returns the websocket URL and handshake headers for
// an order's status stream.
func (c *Client) StatusStreamEndpoint(orderID int64) (string, http.Header) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		u = &url.URL{Scheme: "http", Host: c.baseURL}
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + fmt.Sprintf("%s/orders/%d/status/ws", apiPrefix, orderID)

	header := http.Header{}
	header.Set(models.RestaurantHeader, c.restaurantID)
	return u.String(), header
}

type errorBody struct {
	Error string           `json:"error"`
	Kind  models.ErrorKind `json:"kind"`
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out interface{}, want int) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return models.NewError(models.KindValidation, op, fmt.Errorf("failed to marshal request: %w", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, body)
	if err != nil {
		return models.NewError(models.KindValidation, op, fmt.Errorf("failed to create request: %w", err))
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(models.RestaurantHeader, c.restaurantID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.NewError(models.KindConnectivity, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return models.NewError(classify(resp.StatusCode), op, readError(resp))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return models.NewError(models.KindServer, op, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func classify(status int) models.ErrorKind {
	switch {
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return models.KindValidation
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return models.KindAuthorization
	case status == http.StatusNotFound:
		return models.KindNotFound
	case status == http.StatusConflict:
		return models.KindConflict
	default:
		// 5xx, 429 and anything unexpected may succeed later
		return models.KindServer
	}
}

func readError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var eb errorBody
	if err := json.Unmarshal(data, &eb); err == nil && eb.Error != "" {
		return fmt.Errorf("status %d: %s", resp.StatusCode, eb.Error)
	}
	if msg := strings.TrimSpace(string(data)); msg != "" {
		return fmt.Errorf("status %d: %s", resp.StatusCode, msg)
	}
	return errors.New(resp.Status)
}
