// Package gateway is the client-facing transport: one WebSocket
// endpoint speaking the framed request/response/event protocol, plus a
// separate metrics listener. One connection serves one client; events
// stream in order with per-connection sequence numbers and real
// backpressure.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petrelhq/petrel/internal/config"
	"github.com/petrelhq/petrel/internal/observability"
	"github.com/petrelhq/petrel/internal/session"
	"github.com/petrelhq/petrel/internal/store"
)

// Server owns the listeners and hands accepted sockets to conns.
type Server struct {
	cfg     config.GatewayConfig
	tokens  *TokenService
	manager *session.Manager
	store   store.Store
	metrics *observability.Metrics
	logger  *slog.Logger

	upgrader      websocket.Upgrader
	httpServer    *http.Server
	metricsServer *http.Server
	startTime     time.Time
}

func New(cfg config.GatewayConfig, authCfg config.AuthConfig, manager *session.Manager, st store.Store, metrics *observability.Metrics, logger *slog.Logger) (*Server, error) {
	if manager == nil {
		return nil, errors.New("gateway: session manager is required")
	}
	if st == nil {
		return nil, errors.New("gateway: store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		tokens:    NewTokenService(authCfg),
		manager:   manager,
		store:     st,
		metrics:   metrics,
		logger:    logger.With("component", "gateway"),
		startTime: time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
		CheckOrigin:     s.checkOrigin,
	}
	return s, nil
}

// Handler returns the WS mux, also used by the tests via httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

// Start brings up the gateway and, when configured, the metrics
// listener. It returns once both listeners are bound.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Addr()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("gateway server error", "error", err)
		}
	}()
	s.logger.Info("gateway listening", "addr", addr)

	if s.cfg.MetricsAddr != "" {
		metricsListener, err := net.Listen("tcp", s.cfg.MetricsAddr)
		if err != nil {
			return fmt.Errorf("metrics listen: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", s.handleHealthz)
		s.metricsServer = &http.Server{
			Addr:              s.cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := s.metricsServer.Serve(metricsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("metrics server error", "error", err)
			}
		}()
		s.logger.Info("metrics listening", "addr", s.cfg.MetricsAddr)
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight writes.
func (s *Server) Shutdown(ctx context.Context) {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("gateway shutdown error", "error", err)
		}
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			s.logger.Warn("metrics shutdown error", "error", err)
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", "error", err)
		return
	}
	conn := s.newConn(ws, token)
	s.logger.Debug("client connected", "conn_id", conn.id, "remote", r.RemoteAddr)
	conn.run()
	s.logger.Debug("client disconnected", "conn_id", conn.id)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","uptime_ms":%d}`, time.Since(s.startTime).Milliseconds())
}

// checkOrigin accepts non-browser clients (no Origin), same-host
// origins, and anything on the configured allowlist.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(parsed.Host, r.Host) {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" {
			return true
		}
		if strings.EqualFold(strings.TrimSuffix(allowed, "/"), strings.TrimSuffix(origin, "/")) {
			return true
		}
	}
	return false
}
