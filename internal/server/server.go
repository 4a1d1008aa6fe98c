package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kvdata/internal/api"
	"kvdata/internal/config"
	"kvdata/internal/logging"
	"kvdata/internal/monitoring"
	"kvdata/internal/storage"
	"kvdata/internal/tracing"
)

const shutdownTimeout = 30 * time.Second

type Server struct {
	config     *config.Config
	logger     *logging.Logger
	data       *storage.Data
	metrics    *monitoring.Metrics
	grpcServer *GRPCServer
	httpServer *HTTPServer
	startTime  time.Time

	shutdownTracing func(context.Context) error
}

// NewServer opens the storage described by cfg.Data, running a pending
// migration, and prepares both transports. A *storage.ConfigError is returned
// unwrapped enough for errors.As.
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	logger := logging.NewLogger(&cfg.Logging)

	logger.Info("Initializing server",
		"app", cfg.Data.AppName,
		"storage_file", cfg.Data.StorageFile,
		"version", api.Version,
	)

	// Set up tracing
	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, api.Version, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}

	// Open storage and run a pending migration
	data, err := storage.Open(ctx, storage.OpenOptions{
		StorageFile: cfg.Data.StorageFile,
		DataDir:     cfg.Data.Directory,
		AppName:     cfg.Data.AppName,
		Logger:      logger,
	})
	if err != nil {
		shutdownTracing(ctx)
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	metrics := monitoring.NewMetrics(data)

	return &Server{
		config:          cfg,
		logger:          logger,
		data:            data,
		metrics:         metrics,
		grpcServer:      NewGRPCServer(cfg, data, logger),
		httpServer:      NewHTTPServer(cfg, data, metrics, logger),
		startTime:       time.Now(),
		shutdownTracing: shutdownTracing,
	}, nil
}

func (s *Server) Data() *storage.Data {
	return s.data
}

// Start serves both transports until SIGINT or SIGTERM. SIGHUP reloads:
// the cache is flushed when configured to and a pending migration runs.
func (s *Server) Start() error {
	s.logger.Info("Starting kvdata server")

	if err := s.grpcServer.Start(); err != nil {
		s.Shutdown(context.Background())
		return fmt.Errorf("gRPC server failed: %w", err)
	}
	if err := s.httpServer.Start(); err != nil {
		s.Shutdown(context.Background())
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	// Wait for shutdown or reload signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	s.logger.Info("Server started successfully",
		"http_port", s.config.Server.Port,
		"grpc_port", s.config.Server.GRPCPort,
		"method", s.data.Manager().Config().Method().Name,
	)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			s.Reload(context.Background())
			continue
		}
		s.logger.Info("Received shutdown signal", "signal", sig)
		return s.Shutdown(context.Background())
	}
	return nil
}

// Reload runs the reload hook and then any pending migration
func (s *Server) Reload(ctx context.Context) {
	s.logger.Info("Reloading storage")

	// Flush the cache when save-on includes reload
	if failed := s.data.Reload(ctx); len(failed) > 0 {
		s.logger.Warn("Reload flush left dirty values", "failed", len(failed))
	}

	report, err := s.data.CheckMigration(ctx)
	switch {
	case err != nil:
		s.logger.Error("Migration on reload failed", "error", err.Error())
	case report != nil:
		s.logger.Info("Migration on reload completed", "from", report.From, "to", report.To)
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	done := make(chan error, 1)

	go func() {
		// Stop both transports
		s.grpcServer.Stop()

		if err := s.httpServer.Stop(shutdownCtx); err != nil {
			s.logger.Error("Failed to stop HTTP server", "error", err.Error())
		}

		if err := s.shutdownTracing(shutdownCtx); err != nil {
			s.logger.Error("Failed to flush traces", "error", err.Error())
		}

		// Close storage last (flushes when save-on includes shutdown)
		if err := s.data.Close(shutdownCtx); err != nil {
			s.logger.Error("Failed to close storage", "error", err.Error())
			done <- err
			return
		}

		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			s.logger.Error("Error during shutdown", "error", err.Error())
			return err
		}
		s.logger.Info("Server shutdown completed")
		return nil
	case <-shutdownCtx.Done():
		s.logger.Error("Shutdown timeout exceeded")
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

func (s *Server) GetUptime() time.Duration {
	return time.Since(s.startTime)
}
