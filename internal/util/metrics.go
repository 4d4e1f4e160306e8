package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created with a gateway order attached",
	})

	OrdersRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_rejected_total",
		Help: "Total number of order creations rejected or rolled back",
	}, []string{"reason"})

	OrdersPaidTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_paid_total",
		Help: "Total number of orders successfully paid",
	})

	OrdersFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of orders failed on signature verification",
	})

	OrderStatusChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_status_changes_total",
		Help: "Total number of order status transitions",
	}, []string{"from", "to"})

	VerificationReplaysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_verification_replays_total",
		Help: "Total number of verification callbacks for already finalized orders",
	})

	InventoryReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "inventory_reserve_latency_seconds",
		Help:    "Latency of reserving all lines of a cart",
		Buckets: prometheus.DefBuckets,
	})

	InventoryMovementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_movements_total",
		Help: "Total number of ledger debits and credits",
	}, []string{"type"})

	InventoryDebitsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_debits_rejected_total",
		Help: "Total number of rejected inventory debits",
	}, []string{"reason"})

	LedgerDriftTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_ledger_drift_total",
		Help: "Stock movements applied without a matching ledger entry",
	})

	GatewayRequestLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_request_latency_seconds",
		Help:    "Latency of remote gateway order creation",
		Buckets: prometheus.DefBuckets,
	})

	NotificationsEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_enqueued_total",
		Help: "Total number of notification jobs enqueued",
	}, []string{"type", "result"})

	NotificationsDeliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_delivered_total",
		Help: "Total number of notification jobs handed to the mailer",
	}, []string{"type", "result"})

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
