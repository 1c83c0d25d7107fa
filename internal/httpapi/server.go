package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alicia-home/alicia-core/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Default listener timeouts. Substrate APIs are small JSON exchanges between
// local services, so these are deliberately tight.
const (
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 15 * time.Second
	defaultIdleTimeout  = 60 * time.Second
)

// Deps holds the dependencies required by the API server.
type Deps struct {
	Bind    string
	Logger  *logging.Logger
	Version string

	// Health, when set, is mounted at GET /health outside the service routes.
	Health http.Handler

	// Mount registers the service's own routes on the shared router.
	Mount func(r chi.Router)

	// ExposeMetrics mounts the Prometheus /metrics endpoint.
	ExposeMetrics bool
}

// Server is the shared HTTP server for substrate service APIs.
//
// It manages the HTTP listener, routes, and middleware. The server is created
// with New() and started with Start().
type Server struct {
	deps   Deps
	server *http.Server
}

// New creates an API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Bind address, logger, and route mount hook
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Bind == "" {
		return nil, fmt.Errorf("bind address is required")
	}
	return &Server{deps: deps}, nil
}

// Start begins listening for HTTP connections.
//
// It builds the router and launches the listener in a background goroutine.
// The server is stopped with Close().
//
// Parameters:
//   - ctx: Context for cancellation (not used for listener lifetime)
//
// Returns:
//   - error: If the server fails to start
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:              s.deps.Bind,
		Handler:           s.buildRouter(),
		ReadTimeout:       defaultReadTimeout,
		ReadHeaderTimeout: defaultReadTimeout,
		WriteTimeout:      defaultWriteTimeout,
		IdleTimeout:       defaultIdleTimeout,
	}

	go func() {
		s.deps.Logger.Info("http api listening", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.deps.Logger.Error("http api server error", "error", err)
		}
	}()

	return nil
}

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	if s.deps.Health != nil {
		r.Method(http.MethodGet, "/health", s.deps.Health)
	}
	if s.deps.ExposeMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}
	r.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"version": s.deps.Version})
	})

	if s.deps.Mount != nil {
		s.deps.Mount(r)
	}

	return r
}

// Handler returns the fully built router without starting a listener.
// Used by tests to drive the API through httptest.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete, then
// forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.deps.Logger.Info("http api shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down http api: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("http api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("http api not started")
	}
	return nil
}
