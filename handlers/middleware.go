package handlers

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"resumekit.app/unlock/internal/logger"
	"resumekit.app/unlock/internal/metrics"
)

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		metrics.ObserveRequest(route, r.Method, status, elapsed)

		fields := map[string]interface{}{
			"method":      r.Method,
			"route":       route,
			"status":      status,
			"bytes":       ww.BytesWritten(),
			"duration_ms": elapsed.Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
			"remote_addr": clientIP(r),
		}
		switch {
		case status >= 500:
			logger.Error("HTTP request completed", fields)
		case status >= 400:
			logger.Warn("HTTP request completed", fields)
		default:
			logger.Debug("HTTP request completed", fields)
		}
	})
}

// recoverMiddleware turns a handler panic into a 500 and reports it to
// Sentry when a DSN is configured.
func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			metrics.PanicsRecovered.Inc()
			hub := sentry.CurrentHub().Clone()
			hub.Scope().SetRequest(r)
			hub.RecoverWithContext(r.Context(), rec)

			logger.Error("Panic recovered", map[string]interface{}{
				"method":     r.Method,
				"path":       r.URL.Path,
				"request_id": middleware.GetReqID(r.Context()),
				"panic":      fmt.Sprint(rec),
			})
			writeErrorResponse(w, http.StatusInternalServerError, "Internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}

// limitOrders applies the per-IP fixed window to order creation.
func (s *Server) limitOrders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.orderLimiter != nil && !s.orderLimiter.Allow(clientIP(r)) {
			metrics.RateLimitRejected.WithLabelValues("orders").Inc()
			logger.Warn("Order creation rate limited", map[string]interface{}{
				"remote_addr": clientIP(r),
			})
			w.Header().Set("Retry-After", "60")
			writeErrorResponse(w, http.StatusTooManyRequests, "Too many requests, please try again later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP strips the port from RemoteAddr. middleware.RealIP has already
// replaced it with the forwarded address when a proxy set one.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
