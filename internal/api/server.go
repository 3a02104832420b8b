// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/canvas-market/internal/chain"
	"github.com/canvas-market/internal/logging"
	"github.com/canvas-market/internal/models"
	"github.com/canvas-market/internal/service"
	"github.com/canvas-market/internal/types"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Service interfaces for dependency injection and testing

// PlacementServiceInterface defines the interface for placement operations
type PlacementServiceInterface interface {
	CheckAvailability(ctx context.Context, rect types.Rect, excludeID *int64) (*service.AvailabilityResult, error)
	Reserve(ctx context.Context, input *service.ReservePlacementInput) (*models.Placement, error)
	Get(ctx context.Context, id int64) (*models.Placement, error)
	GetByPosition(ctx context.Context, x, y int) (*models.Placement, error)
	ListLive(ctx context.Context) ([]*models.Placement, error)
	Cancel(ctx context.Context, id int64) (*models.Placement, error)
}

// PaymentServiceInterface defines the interface for payment session operations
type PaymentServiceInterface interface {
	Initialize(ctx context.Context, input *service.InitializePaymentInput) (*models.PaymentSession, error)
	GetSession(ctx context.Context, id string) (*models.PaymentSession, error)
	RecordSubmission(ctx context.Context, sessionID, signature string) (*models.PaymentSession, error)
	Finalize(ctx context.Context, sessionID string) (*models.PaymentSession, error)
	Retry(ctx context.Context, sessionID string) (*models.PaymentSession, error)
}

// SweepServiceInterface defines the interface for on-demand reconciliation
type SweepServiceInterface interface {
	Sweep(ctx context.Context) (*service.SweepReport, error)
}

// Server represents the HTTP API server.
type Server struct {
	router           *mux.Router
	httpServer       *http.Server
	placementService PlacementServiceInterface
	paymentService   PaymentServiceInterface
	sweepService     SweepServiceInterface
	registry         *chain.TokenRegistry
	config           *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host               string
	Port               string
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	IdleTimeout        time.Duration
	ShutdownTimeout    time.Duration
	RateLimitPerMinute int
	RateLimitBurst     int
	RequestLimiter     RequestLimiter // shared redis window, may be nil
}

// NewServer creates a new API server instance.
func NewServer(
	config *ServerConfig,
	placementService PlacementServiceInterface,
	paymentService PaymentServiceInterface,
	sweepService SweepServiceInterface,
	registry *chain.TokenRegistry,
) *Server {
	s := &Server{
		router:           mux.NewRouter(),
		placementService: placementService,
		paymentService:   paymentService,
		sweepService:     sweepService,
		registry:         registry,
		config:           config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RequestLimiter, s.config.RateLimitPerMinute, s.config.RateLimitBurst)

	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Preflight requests are answered by the CORS middleware before this
	// handler runs; registering the route lets them through the mux.
	s.router.Methods("OPTIONS").HandlerFunc(func(http.ResponseWriter, *http.Request) {})

	api := s.router.PathPrefix("/api").Subrouter()

	// Canvas and placement endpoints
	api.HandleFunc("/canvas/availability", s.handleAvailability).Methods("GET")
	api.HandleFunc("/placements", s.handleReservePlacement).Methods("POST")
	api.HandleFunc("/placements", s.handleListPlacements).Methods("GET")
	api.HandleFunc("/placements/position", s.handlePlacementByPosition).Methods("GET")
	api.HandleFunc("/placements/{id}", s.handleGetPlacement).Methods("GET")
	api.HandleFunc("/placements/{id}", s.handleCancelPlacement).Methods("DELETE")

	// Payment session endpoints
	api.HandleFunc("/payments", s.handleInitializePayment).Methods("POST")
	api.HandleFunc("/payments/{id}", s.handleGetPayment).Methods("GET")
	api.HandleFunc("/payments/{id}/qr", s.handlePaymentQR).Methods("GET")
	api.HandleFunc("/payments/{id}/submission", s.handleRecordSubmission).Methods("POST")
	api.HandleFunc("/payments/{id}/finalize", s.handleFinalizePayment).Methods("POST")
	api.HandleFunc("/payments/{id}/retry", s.handleRetryPayment).Methods("POST")

	// Operational endpoints
	api.HandleFunc("/sweep", s.handleSweep).Methods("POST")
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "canvas-market",
	})
}

// handleSweep triggers one reconciliation pass on demand.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	report, err := s.sweepService.Sweep(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// Router exposes the configured router for tests
func (s *Server) Router() *mux.Router {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.WithFields(map[string]interface{}{"addr": s.httpServer.Addr}).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.GetGlobalLogger().Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
