package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Server exposes the core's operational surface over HTTP: liveness and
// readiness probes plus the Prometheus scrape endpoint for the autoyou_*
// series. It listens beside the control core; conversational traffic
// never passes through it.
type Server struct {
	httpServer *http.Server
	port       int
}

// NewServer creates an observability server on the given port.
func NewServer(port int) *Server {
	return &Server{port: port}
}

// Start serves the probe and metrics endpoints. It blocks until Shutdown
// and returns http.ErrServerClosed on a graceful stop.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", HealthHandler())
	mux.HandleFunc("/health/live", LivenessHandler())
	mux.HandleFunc("/health/ready", ReadinessHandler())

	// Prometheus scrape target for the session, transfer, and gate series.
	mux.Handle("/metrics", MetricsHandler())

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
