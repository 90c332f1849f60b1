package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensafety/vigia/internal/domain"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server around the handler's services.
func NewServer(cfg domain.ServerConfig, handler *Handler) *Server {
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Delivery recording + evaluation
	router.Post("/deliveries", handler.RecordDelivery)

	// Requisition workflow
	router.Post("/requisitions", handler.CreateRequisition)
	router.Get("/requisitions/{id}", handler.GetRequisition)
	router.Post("/requisitions/{id}/approve", handler.ApproveRequisition)
	router.Post("/requisitions/{id}/reject", handler.RejectRequisition)
	router.Post("/requisitions/{id}/deliver", handler.DeliverRequisition)

	// Alert lifecycle
	router.Get("/alerts", handler.ListAlerts)
	router.Get("/alerts/summary", handler.AlertSummary)
	router.Get("/alerts/{id}", handler.GetAlert)
	router.Post("/alerts/{id}/review", handler.ReviewAlert)
	router.Post("/alerts/bulk-review", handler.BulkReviewAlerts)

	// Consumption policies
	router.Get("/materials/{id}/policy", handler.GetPolicy)
	router.Put("/materials/{id}/policy", handler.SetPolicy)

	// Custom rule management
	router.Get("/rules", handler.ListRules)
	router.Post("/rules", handler.CreateRule)
	router.Post("/rules/reload", handler.ReloadRules)

	// Analytics
	router.Get("/analytics/kpis", handler.ExecutiveKPIs)
	router.Get("/analytics/ranking", handler.Ranking)
	router.Get("/analytics/projects/{id}/consumption", handler.ProjectConsumption)
	router.Get("/analytics/employees/{id}/profile", handler.EmployeeProfile)
	router.Get("/analytics/trend", handler.ConsumptionTrend)
	router.Get("/analytics/alert-trend", handler.AlertTrend)
	router.Get("/analytics/heatmap", handler.Heatmap)

	// Recomputation
	router.Post("/statistics/recompute", handler.RecomputeStatistics)
	router.Post("/risk/recompute", handler.RecomputeRisk)

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
