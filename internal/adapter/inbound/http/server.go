// Package http assembles the public listener: proxy routes, WebSocket
// endpoints, the management API, and the health and metrics endpoints.
package http

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/mcpfleet/mcpfleet/internal/metrics"
	"github.com/mcpfleet/mcpfleet/internal/port/outbound"
	"github.com/mcpfleet/mcpfleet/internal/supervisor"
)

// Server is the inbound HTTP/WebSocket transport.
type Server struct {
	manager *supervisor.Manager
	proxy   http.Handler
	wsRPC   http.HandlerFunc
	mgmt    http.Handler
	metrics *metrics.Metrics

	addr          string
	wsPath        string
	tlsProvider   outbound.TLSProvider
	shutdownGrace time.Duration
	logger        *slog.Logger

	server *http.Server
}

// Option is a functional option for configuring Server.
type Option func(*Server)

// WithAddr sets the listen address. Default is "127.0.0.1:8080".
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithWSPath sets the WebSocket upgrade path. Default is "/ws".
func WithWSPath(path string) Option {
	return func(s *Server) { s.wsPath = path }
}

// WithTLSProvider enables HTTPS when the provider returns certificate
// material.
func WithTLSProvider(p outbound.TLSProvider) Option {
	return func(s *Server) { s.tlsProvider = p }
}

// WithShutdownGrace sets how long graceful shutdown waits for in-flight
// requests. Default is 10 seconds.
func WithShutdownGrace(d time.Duration) Option {
	return func(s *Server) { s.shutdownGrace = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates the transport. The proxy handler is the catch-all; the
// management routes own /api/.
func NewServer(manager *supervisor.Manager, proxy http.Handler, wsRPC http.HandlerFunc, mgmt http.Handler, m *metrics.Metrics, opts ...Option) *Server {
	s := &Server{
		manager:       manager,
		proxy:         proxy,
		wsRPC:         wsRPC,
		mgmt:          mgmt,
		metrics:       m,
		addr:          "127.0.0.1:8080",
		wsPath:        "/ws",
		shutdownGrace: 10 * time.Second,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/api/", s.mgmt)
	mux.HandleFunc("GET /health", s.health)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET "+s.wsPath, s.wsRPC)
	mux.Handle("/favicon.ico", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	// Everything else is a proxy path.
	mux.Handle("/", s.proxy)

	return mux
}

// Start accepts connections until ctx is cancelled, then shuts down
// gracefully: stop accepting, drain in-flight handlers, stop all services.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var material *outbound.CertMaterial
	if s.tlsProvider != nil {
		var err error
		material, err = s.tlsProvider.Material(ctx)
		if err != nil {
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if material != nil {
			cert, certErr := tls.X509KeyPair(append(material.CertPEM, material.ChainPEM...), material.KeyPEM)
			if certErr != nil {
				errCh <- certErr
				close(errCh)
				return
			}
			s.server.TLSConfig = &tls.Config{
				MinVersion:   tls.VersionTLS12,
				Certificates: []tls.Certificate{cert},
			}
			s.logger.Info("starting HTTPS server", "addr", s.addr)
			err = s.server.ListenAndServeTLS("", "")
		} else {
			s.logger.Info("starting HTTP server", "addr", s.addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown drains the listener, then stops every supervised child.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownGrace)
	defer cancel()

	shutdownErr := s.server.Shutdown(ctx)
	if shutdownErr != nil {
		s.logger.Error("error during server shutdown", "error", shutdownErr)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), s.shutdownGrace)
	defer stopCancel()
	if err := s.manager.StopAll(stopCtx); err != nil {
		s.logger.Error("error stopping services", "error", err)
		return err
	}

	s.logger.Info("shutdown complete")
	return shutdownErr
}

// health is the server's own liveness endpoint.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	total, running, stopped := s.manager.Counts()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"status": "healthy",
		"services": map[string]int{
			"total":   total,
			"running": running,
			"stopped": stopped,
		},
	}); err != nil {
		s.logger.Error("failed to encode health response", "error", err)
	}
}
