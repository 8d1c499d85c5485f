package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_sessions_started_total",
		Help: "Total number of checkout sessions started",
	})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "checkout_sessions_active",
		Help: "Number of checkout sessions currently held in memory",
	})

	ReservationsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_reservations_created_total",
		Help: "Total number of ticket holds created",
	})

	ReservationsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_reservations_failed_total",
		Help: "Total number of failed reserve attempts",
	}, []string{"kind"})

	ReservationsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_reservations_expired_total",
		Help: "Total number of holds abandoned because the local clock reached zero",
	})

	ReservationsReleasedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_reservations_released_total",
		Help: "Total number of holds released through the cancel endpoint",
	}, []string{"result"})

	PaymentIntentsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_payment_intents_created_total",
		Help: "Total number of payment intents created",
	})

	CheckoutsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_completed_total",
		Help: "Total number of finalized registrations",
	}, []string{"type"})

	CheckoutsEndedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_ended_without_success_total",
		Help: "Total number of sessions that ended without a registration",
	}, []string{"reason"})

	StaleResponsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_stale_responses_total",
		Help: "Gateway responses discarded because the session had moved on",
	}, []string{"operation"})

	GatewayRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "events_gateway_request_duration_seconds",
		Help:    "Latency of calls to the events service",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	GatewayErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "events_gateway_errors_total",
		Help: "Total number of failed calls to the events service",
	}, []string{"operation", "kind"})

	CatalogCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_catalog_cache_total",
		Help: "Ticket catalog cache lookups",
	}, []string{"result"})

	AuditEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_audit_events_total",
		Help: "Lifecycle events consumed by the audit worker",
	}, []string{"event_type", "result"})

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
