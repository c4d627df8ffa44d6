// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unlock_http_requests_total",
			Help: "Total number of HTTP requests by route and status",
		},
		[]string{"route", "method", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unlock_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	OrdersCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unlock_orders_created_total",
			Help: "Total number of orders created by gateway",
		},
		[]string{"gateway"},
	)

	WebhookOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unlock_webhook_outcomes_total",
			Help: "Total number of processed gateway callbacks by outcome",
		},
		[]string{"gateway", "outcome", "reason"},
	)

	EntitlementsGranted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "unlock_entitlements_granted_total",
			Help: "Total number of entitlements granted",
		},
	)

	DownloadLinks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unlock_download_links_total",
			Help: "Total number of download link requests by result",
		},
		[]string{"result"},
	)

	Downloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unlock_downloads_total",
			Help: "Total number of download attempts by result",
		},
		[]string{"result"},
	)

	RateLimitRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unlock_rate_limit_rejected_total",
			Help: "Total number of requests rejected due to rate limiting",
		},
		[]string{"limiter"},
	)

	RecordsSwept = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unlock_records_swept_total",
			Help: "Total number of expired records deleted by the sweeper",
		},
		[]string{"kind"},
	)

	PanicsRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "unlock_panics_recovered_total",
			Help: "Total number of panics recovered by the server",
		},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRequest records one finished HTTP request.
func ObserveRequest(route, method string, status int, elapsed time.Duration) {
	HTTPRequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(route, method).Observe(elapsed.Seconds())
}
