package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"kvdata/internal/api"
	"kvdata/internal/config"
	"kvdata/internal/logging"
	"kvdata/internal/monitoring"
	"kvdata/internal/storage"
)

// HTTPServer serves the REST API
type HTTPServer struct {
	config  *config.Config
	logger  *logging.Logger
	handler *api.RESTHandler
	server  *http.Server
}

// NewHTTPServer creates a new HTTP server. The REST routes are joined by
// /metrics when metrics is not nil.
func NewHTTPServer(cfg *config.Config, data *storage.Data, metrics *monitoring.Metrics, logger *logging.Logger) *HTTPServer {
	// Create REST handler over the storage facade
	handler := api.NewRESTHandler(data, logger)
	router := handler.SetupRoutes()
	// Expose metrics next to the API
	if metrics != nil {
		router.Use(metrics.Middleware)
		router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	}

	return &HTTPServer{
		config:  cfg,
		logger:  logger,
		handler: handler,
		server: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:      http.MaxBytesHandler(router, cfg.Server.MaxBodySize),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
	}
}

// Handler returns the routed handler, body limit included
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server in the background
func (s *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}

	s.logger.Info("Starting HTTP server", "address", s.server.Addr)

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts the HTTP server down
func (s *HTTPServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}
