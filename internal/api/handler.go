package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"supply-orders/internal/hub"
	"supply-orders/internal/models"
	"supply-orders/internal/service"
	"supply-orders/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const restaurantKey = "restaurant_id"

// Handler contains HTTP handlers
type Handler struct {
	orderService *service.OrderService
	cartService  *service.CartService
	hub          *hub.Hub
	logger       *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(orderService *service.OrderService, cartService *service.CartService, statusHub *hub.Hub) *Handler {
	return &Handler{
		orderService: orderService,
		cartService:  cartService,
		hub:          statusHub,
		logger:       util.Named("api"),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1", restaurantMiddleware())
	{
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.DELETE("/orders/:id", h.deleteOrder)
		v1.POST("/orders/:id/items", h.createOrderItems)
		v1.PATCH("/orders/:id/status", h.updateStatus)
		v1.GET("/orders/:id/status/ws", h.statusStream)

		v1.PUT("/carts/current", h.saveCart)
		v1.GET("/carts/current", h.getCart)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready once the order store answers
func (h *Handler) readinessCheck(c *gin.Context) {
	if err := h.orderService.Ready(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// createOrder handles order header creation
func (h *Handler) createOrder(c *gin.Context) {
	var req models.OrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	order, err := h.orderService.CreateOrder(c.Request.Context(), c.GetString(restaurantKey), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, order)
}

type createItemsRequest struct {
	Items []models.LineItem `json:"items"`
}

// createOrderItems handles the second step of order creation
func (h *Handler) createOrderItems(c *gin.Context) {
	orderID, ok := h.orderID(c)
	if !ok {
		return
	}

	var req createItemsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	items, err := h.orderService.AddItems(c.Request.Context(), c.GetString(restaurantKey), orderID, req.Items)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, items)
}

// deleteOrder handles compensating deletes
func (h *Handler) deleteOrder(c *gin.Context) {
	orderID, ok := h.orderID(c)
	if !ok {
		return
	}

	if err := h.orderService.DeleteOrder(c.Request.Context(), c.GetString(restaurantKey), orderID); err != nil {
		h.respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := h.orderID(c)
	if !ok {
		return
	}

	order, err := h.orderService.GetOrder(c.Request.Context(), c.GetString(restaurantKey), orderID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

type updateStatusRequest struct {
	Status models.OrderStatus `json:"status"`
}

// updateStatus applies a lifecycle transition. Drivers and administrators
// call it for any restaurant's order.
func (h *Handler) updateStatus(c *gin.Context) {
	orderID, ok := h.orderID(c)
	if !ok {
		return
	}

	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	order, err := h.orderService.UpdateStatus(c.Request.Context(), orderID, req.Status)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

// statusStream upgrades to a websocket carrying the order's status events
func (h *Handler) statusStream(c *gin.Context) {
	orderID, ok := h.orderID(c)
	if !ok {
		return
	}

	restaurantID := c.GetString(restaurantKey)

	// ownership is checked before the upgrade so a foreign order is a plain 404
	if _, err := h.orderService.CurrentStatus(c.Request.Context(), restaurantID, orderID); err != nil {
		h.respondError(c, err)
		return
	}

	snapshot := func(ctx context.Context) (*models.StatusEvent, error) {
		return h.orderService.CurrentStatus(ctx, restaurantID, orderID)
	}
	if err := h.hub.ServeOrder(c.Writer, c.Request, orderID, snapshot); err != nil {
		h.logger.Warn("Status stream not established", zap.Int64("order_id", orderID), zap.Error(err))
	}
}

// saveCart stores the caller's last known cart
func (h *Handler) saveCart(c *gin.Context) {
	var snapshot models.CartSnapshot
	if err := c.ShouldBindJSON(&snapshot); err != nil {
		h.badRequest(c, err)
		return
	}

	if err := h.cartService.SaveCart(c.Request.Context(), c.GetString(restaurantKey), &snapshot); err != nil {
		h.respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// getCart returns the caller's last known cart
func (h *Handler) getCart(c *gin.Context) {
	snapshot, err := h.cartService.GetCart(c.Request.Context(), c.GetString(restaurantKey))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

func (h *Handler) orderID(c *gin.Context) (int64, bool) {
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || orderID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid order ID",
			"kind":  models.KindValidation,
		})
		return 0, false
	}
	return orderID, true
}

func (h *Handler) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error": "Invalid request body: " + err.Error(),
		"kind":  models.KindValidation,
	})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	kind := models.KindOf(err)
	status := statusForKind(kind)
	if kind == "" {
		kind = models.KindServer
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}

	c.JSON(status, gin.H{
		"error": err.Error(),
		"kind":  kind,
	})
}

func statusForKind(kind models.ErrorKind) int {
	switch kind {
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindAuthorization:
		return http.StatusUnauthorized
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindConflict:
		return http.StatusConflict
	case models.KindConnectivity:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// restaurantMiddleware requires the caller's restaurant identity
func restaurantMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		restaurantID := c.GetHeader(models.RestaurantHeader)
		if restaurantID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing " + models.RestaurantHeader + " header",
				"kind":  models.KindAuthorization,
			})
			return
		}
		c.Set(restaurantKey, restaurantID)
		c.Next()
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
