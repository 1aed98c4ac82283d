package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fraudtriage/engine/internal/domain"
	"github.com/fraudtriage/engine/internal/worker"
)

// Server represents the HTTP API server: the `/api/v1` surface of §6
// plus the `/ws-fraud` push endpoint.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	cfg     domain.Config
}

// NewServer creates a new API server and wires its full route table.
func NewServer(cfg domain.Config, cases domain.CaseStore, transactions domain.TransactionStore, bus domain.EventBus, broadcaster *worker.Broadcaster, version string) *Server {
	handler := NewHandler(cases, transactions, bus, broadcaster, version)
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	router.Get("/api/v1/health", handler.Health)
	router.Get("/api/v1/ready", handler.Ready)

	router.Get("/api/v1/dashboard/stats", handler.Stats)
	router.Get("/api/v1/dashboard/queue", handler.Queue)
	router.Get("/api/v1/dashboard/cases/{case_id}", handler.GetCase)
	router.Post("/api/v1/dashboard/cases/{case_id}/resolve", handler.Resolve)

	router.Post("/api/v1/fraud-cases/ai-update", handler.AIUpdate)
	router.Get("/api/v1/fraud-cases/{case_id}", handler.GetCase)

	router.Get("/api/v1/transactions/{id}", handler.GetTransaction)

	router.Get("/ws-fraud", handler.WSFraud)

	return &Server{router: router, handler: handler, cfg: cfg}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.HTTPHost, s.cfg.HTTPPort)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.HTTPReadTimeout,
		WriteTimeout: s.cfg.HTTPWriteTimeout,
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
