package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"resumekit.app/unlock/internal/config"
	"resumekit.app/unlock/internal/downloads"
	"resumekit.app/unlock/internal/entitlements"
	"resumekit.app/unlock/internal/gateway"
	"resumekit.app/unlock/internal/metrics"
	"resumekit.app/unlock/internal/orders"
	"resumekit.app/unlock/internal/ratelimit"
	"resumekit.app/unlock/internal/verification"
)

// Deps is everything the HTTP surface needs. OrderLimiter may be nil to
// disable per-IP throttling of order creation.
type Deps struct {
	Config       *config.Config
	Orders       *orders.Service
	Entitlements *entitlements.Service
	Gateways     *gateway.Registry
	Processor    *verification.Processor
	Downloads    *downloads.Issuer
	OrderLimiter ratelimit.RateLimit
	Version      string
}

type Server struct {
	Router chi.Router

	config       *config.Config
	orders       *orders.Service
	entitlements *entitlements.Service
	gateways     *gateway.Registry
	processor    *verification.Processor
	downloads    *downloads.Issuer
	orderLimiter ratelimit.RateLimit
	version      string
}

func NewServer(deps Deps) *Server {
	s := &Server{
		Router:       chi.NewRouter(),
		config:       deps.Config,
		orders:       deps.Orders,
		entitlements: deps.Entitlements,
		gateways:     deps.Gateways,
		processor:    deps.Processor,
		downloads:    deps.Downloads,
		orderLimiter: deps.OrderLimiter,
		version:      deps.Version,
	}
	if s.version == "" {
		s.version = "dev"
	}

	r := s.Router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware)
	r.Use(recoverMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: deps.Config.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Session-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.With(s.limitOrders).Post("/orders", s.CreateOrder)
		r.Post("/webhooks/{gateway}", s.Webhook)
		r.Post("/payments/{gateway}/return", s.PaymentReturn)
		r.Get("/payments/{gateway}/return", s.PaymentReturn)
		r.Get("/unlock-status", s.UnlockStatus)
		r.Post("/downloads/link", s.DownloadLink)
		r.Get("/downloads", s.Download)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

// HTTPServer wraps the router with the timeouts used in production.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              ":" + s.config.Port,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
