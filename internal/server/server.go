/*
Package server implements the fgwd HTTP listener.

Requests under the management prefix (default /fgw/) are routed to the
management endpoints. The configured gateway path is served by the gateway
handler. Every other path is answered with 404 and never reaches the
gateway.
*/
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Server is the fgwd HTTP server.
type Server struct {
	httpServer       *http.Server
	logger           *slog.Logger
	startTime        time.Time
	managementPrefix string
	gatewayPath      string
	gateway          http.Handler

	// Management endpoint handlers. A nil handler answers 404.
	heartbeatHandler http.HandlerFunc
	statsHandler     http.HandlerFunc
	metricsHandler   http.Handler
	logsHandler      http.Handler

	// Connection counters.
	connectionsTotal  atomic.Int64
	connectionsActive atomic.Int64

	// shutdownOnce ensures graceful shutdown runs once.
	shutdownOnce sync.Once
}

// Config holds server configuration.
type Config struct {
	// ListenAddr is the address to listen on (e.g., ":8080").
	ListenAddr string
	// Logger is the structured logger to use. If nil, slog.Default is used.
	Logger *slog.Logger
	// ReadHeaderTimeout bounds reading client request headers. Zero uses 10s.
	ReadHeaderTimeout time.Duration
	// ManagementPrefix is the URL path prefix for management endpoints. Empty uses "/fgw".
	ManagementPrefix string
	// GatewayPath is the path of the fetch endpoint. Empty uses "/fetch".
	GatewayPath string
	// Gateway serves GatewayPath. Required.
	Gateway http.Handler
	// MetricsHandler serves <prefix>/metrics. If nil, returns 404.
	MetricsHandler http.Handler
	// LogsHandler serves <prefix>/logs. If nil, returns 404.
	LogsHandler http.Handler
}

// New creates a new server with the given configuration.
func New(cfg *Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	readHeaderTimeout := cfg.ReadHeaderTimeout
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = 10 * time.Second
	}

	mgmtPrefix := strings.TrimSuffix(cfg.ManagementPrefix, "/")
	if mgmtPrefix == "" {
		mgmtPrefix = "/fgw"
	}

	gatewayPath := cfg.GatewayPath
	if gatewayPath == "" {
		gatewayPath = "/fetch"
	}

	s := &Server{
		logger:           logger,
		startTime:        time.Now(),
		managementPrefix: mgmtPrefix,
		gatewayPath:      gatewayPath,
		gateway:          cfg.Gateway,
		metricsHandler:   cfg.MetricsHandler,
		logsHandler:      cfg.LogsHandler,
	}

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	return s
}

// ServeHTTP dispatches incoming requests to the management endpoints or
// the gateway.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.connectionsTotal.Add(1)
	s.connectionsActive.Add(1)
	defer s.connectionsActive.Add(-1)

	if strings.HasPrefix(r.URL.Path, s.managementPrefix+"/") {
		s.handleManagement(w, r)
		return
	}

	if r.URL.Path == s.gatewayPath && s.gateway != nil {
		s.gateway.ServeHTTP(w, r)
		return
	}

	http.NotFound(w, r)
}

// ListenAndServe starts the server. It returns nil after a graceful
// shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln. It returns nil after a graceful shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("gateway starting",
		"addr", ln.Addr().String(),
		"path", s.gatewayPath,
		"management", s.managementPrefix+"/",
	)
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server, waiting for in-flight
// requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.logger.Info("gateway shutting down")
		err = s.httpServer.Shutdown(ctx)
	})
	return err
}

// ConnectionsTotal returns the total number of requests handled.
func (s *Server) ConnectionsTotal() int64 {
	return s.connectionsTotal.Load()
}

// ConnectionsActive returns the number of requests currently in flight.
func (s *Server) ConnectionsActive() int64 {
	return s.connectionsActive.Load()
}

// Uptime returns the duration since the server was created.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// StartedAt returns the time the server was created.
func (s *Server) StartedAt() time.Time {
	return s.startTime
}

// SetHandlers replaces the heartbeat and stats handlers after construction.
// This allows creating the handlers with a reference to the Server itself.
func (s *Server) SetHandlers(heartbeat, stats http.HandlerFunc) {
	s.heartbeatHandler = heartbeat
	s.statsHandler = stats
}
