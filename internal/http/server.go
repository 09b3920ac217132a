// Package http provides the HTTP server for convertd: the huma REST API on a
// chi router plus metrics and blob file serving.
package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leftsky/left-tools-service-sub000/internal/http/handlers"
	"github.com/leftsky/left-tools-service-sub000/internal/http/middleware"
	"github.com/leftsky/left-tools-service-sub000/internal/storage"
)

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	// Address is the host:port to listen on.
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// CORSOrigins lists browser origins allowed to call the API; "*" allows all.
	CORSOrigins []string
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:         "0.0.0.0:8080",
		ReadTimeout:     60 * time.Second,
		WriteTimeout:    60 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// Server is the convertd HTTP server.
type Server struct {
	config     ServerConfig
	router     *chi.Mux
	api        huma.API
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a server with the standard middleware stack. The version
// is published in the OpenAPI document.
func NewServer(config ServerConfig, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if version == "" {
		version = "dev"
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.RealIP)
	router.Use(middleware.RequestID)
	router.Use(middleware.NewLoggingMiddleware(logger, "/health", "/metrics"))
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.CORS(config.CORSOrigins))
	router.Use(chimiddleware.Compress(5, "application/json", "application/problem+json", "text/plain"))

	humaConfig := huma.DefaultConfig("convertd API", version)
	humaConfig.Info.Description = "File conversion orchestration: submit, track and fetch conversions"

	httpServer := &http.Server{
		Addr:              config.Address,
		Handler:           router,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}

	return &Server{
		config:     config,
		router:     router,
		api:        humachi.New(router, humaConfig),
		httpServer: httpServer,
		logger:     logger,
	}
}

// API returns the huma API for registering operations.
func (s *Server) API() huma.API {
	return s.api
}

// Router returns the chi router for registering plain handlers.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// MountMetrics exposes Prometheus metrics at path.
func (s *Server) MountMetrics(path string) {
	if path == "" {
		path = "/metrics"
	}
	s.router.Method(http.MethodGet, path, promhttp.Handler())
}

// MountFiles serves stored blobs under storage.FilesPrefix.
func (s *Server) MountFiles(blobs storage.BlobStore) {
	s.router.Method(http.MethodGet, storage.FilesPrefix+"*", handlers.FilesHandler(blobs))
	s.router.Method(http.MethodHead, storage.FilesPrefix+"*", handlers.FilesHandler(blobs))
}

// Start listens and serves until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", slog.String("address", s.config.Address))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server",
		slog.Duration("timeout", s.config.ShutdownTimeout),
	)

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		errChan <- s.Start()
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return err
	}
}
