// Package metrics serves the Prometheus scrape endpoint for the
// collectors the runtime packages register.
package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/sera/internal/observability"
)

// shutdownTimeout bounds the wait for in-flight scrapes on Stop.
const shutdownTimeout = 5 * time.Second

// Server exposes /metrics and /healthz on a dedicated listener so the
// scrape surface stays off any application-facing port.
type Server struct {
	addr   string
	logger zerolog.Logger

	server   *http.Server
	listener net.Listener
}

// NewServer creates a metrics server bound to addr (host:port).
func NewServer(addr string, logger zerolog.Logger) *Server {
	return &Server{addr: addr, logger: logger}
}

// Start binds the listener and serves in the background. Bind failures
// surface here; later serve errors are logged.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to bind metrics listener: %w", err)
	}
	s.listener = listener
	s.server = &http.Server{Handler: mux}

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Metrics server listening")

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()

	return nil
}

// Addr returns the bound address, which differs from the configured
// one when the port was 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down, waiting briefly for in-flight scrapes.
// Stopping a server that never started is a no-op.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown metrics server: %w", err)
	}

	s.logger.Info().Msg("Metrics server stopped")
	return nil
}
