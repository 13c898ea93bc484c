package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Backend metrics
var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of order headers created",
	})

	OrdersReplayedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_replayed_total",
		Help: "Order creations answered from an existing idempotency key",
	})

	OrderItemsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "order_items_created_total",
		Help: "Total number of order items created",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of rejected order operations",
	}, []string{"reason"})

	OrdersDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_deleted_total",
		Help: "Orders removed by a compensating delete",
	})

	OrderStatusTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_status_transitions_total",
		Help: "Order status transitions applied, by target status",
	}, []string{"status"})

	OrphanOrdersSweptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orphan_orders_swept_total",
		Help: "Header-only orders removed by the orphan sweeper",
	})

	StatusHubSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "status_hub_subscribers",
		Help: "Open websocket status subscriptions",
	})

	StatusEventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "status_events_published_total",
		Help: "Status events published, by sink",
	}, []string{"sink"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)

// Agent metrics
var (
	SubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_submissions_total",
		Help: "Order submission attempts, by result",
	}, []string{"result"})

	SubmissionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "order_submission_latency_seconds",
		Help:    "Latency of the full two-step order submission",
		Buckets: prometheus.DefBuckets,
	})

	CompensationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_compensations_total",
		Help: "Compensating deletes issued after item creation failed, by result",
	}, []string{"result"})

	CheckoutOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_outcomes_total",
		Help: "Checkout results, by outcome",
	}, []string{"outcome"})

	PendingQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pending_queue_depth",
		Help: "Orders waiting in the durable pending queue",
	})

	SyncDrainsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_drains_total",
		Help: "Queue drains started, by trigger",
	}, []string{"trigger"})

	SyncEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_entries_total",
		Help: "Queued orders processed by a drain, by result",
	}, []string{"result"})

	StatusEventsReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "status_events_received_total",
		Help: "Status events delivered to listeners",
	})
)
