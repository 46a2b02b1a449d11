// Package api serves the octowatch status API: health, build info, the
// fleet status board, and a WebSocket stream of poller events.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/net/netutil"

	"github.com/nugget/octowatch/internal/buildinfo"
	"github.com/nugget/octowatch/internal/connwatch"
	"github.com/nugget/octowatch/internal/events"
	"github.com/nugget/octowatch/internal/fleet"
	"github.com/nugget/octowatch/internal/mqtt"
	"github.com/nugget/octowatch/internal/poller"
)

const (
	// eventBuffer is the per-client bus subscription size.
	eventBuffer = 64

	defaultMaxConnections = 64

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// BrokerStatus reports the publisher's connection.
type BrokerStatus interface {
	State() mqtt.ConnectionState
	InFlight() int
	Broker() string
}

// CycleStatus reports the most recent poll cycle.
type CycleStatus interface {
	Stats() poller.CycleStats
}

// HealthStatus reports the connection watchers.
type HealthStatus interface {
	Status() map[string]connwatch.ServiceStatus
	Healthy() bool
}

// Config wires the server to the running components. Any of Board,
// Bus, Broker, Cycle, or Health may be nil; the matching endpoints
// then report that the component is not configured.
type Config struct {
	Address string
	Port    int

	// MaxConnections caps simultaneous connections (default 64).
	MaxConnections int

	Board  *fleet.Board
	Bus    *events.Bus
	Broker BrokerStatus
	Cycle  CycleStatus
	Health HealthStatus

	Logger *slog.Logger
}

// Server is the HTTP status server.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	server *http.Server
	closed bool
}

// NewServer creates a status server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConnections
	}
	return &Server{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/version", s.handleVersion).Methods(http.MethodGet)

	// Status board
	r.HandleFunc("/v1/jobs", s.handleJobs).Methods(http.MethodGet)
	r.HandleFunc("/v1/jobs/text", s.handleJobsText).Methods(http.MethodGet)
	r.HandleFunc("/v1/jobs/{name}", s.handleJob).Methods(http.MethodGet)

	// Live event stream
	r.HandleFunc("/v1/events", s.handleEvents).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorResponse(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return s.withLogging(r)
}

// Start begins serving HTTP requests, accepting at most MaxConnections
// at a time. It returns http.ErrServerClosed after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	s.server = srv
	s.mu.Unlock()

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}

	addr := s.cfg.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server",
		"address", addr,
		"port", s.cfg.Port,
		"max_connections", s.cfg.MaxConnections,
	)
	return srv.Serve(netutil.LimitListener(ln, s.cfg.MaxConnections))
}

// Shutdown gracefully stops the server. A server shut down before
// Start never begins listening.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.server
	s.mu.Unlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "octowatch",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status   string                             `json:"status"`
	Services map[string]connwatch.ServiceStatus `json:"services,omitempty"`
	Broker   *brokerHealth                      `json:"broker,omitempty"`
	Poller   *poller.CycleStats                 `json:"poller,omitempty"`
}

type brokerHealth struct {
	URL      string `json:"url"`
	State    string `json:"state"`
	InFlight int    `json:"in_flight"`
}

// handleHealth answers 200 when every watched connection is ready and
// 503 otherwise, with the same body in both cases.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy"}
	code := http.StatusOK

	if s.cfg.Health != nil {
		resp.Services = s.cfg.Health.Status()
		if !s.cfg.Health.Healthy() {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	if s.cfg.Broker != nil {
		resp.Broker = &brokerHealth{
			URL:      s.cfg.Broker.Broker(),
			State:    s.cfg.Broker.State().String(),
			InFlight: s.cfg.Broker.InFlight(),
		}
	}
	if s.cfg.Cycle != nil {
		stats := s.cfg.Cycle.Stats()
		resp.Poller = &stats
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Board == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "status board not configured")
		return
	}

	entries := s.cfg.Board.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count":   len(entries),
		"devices": entries,
	}, s.logger)
}

// handleJobsText answers with one status line per device, the same
// text a chat client shows for its jobs command.
func (s *Server) handleJobsText(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Board == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "status board not configured")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	lines := s.cfg.Board.Lines()
	if len(lines) == 0 {
		return
	}
	if _, err := fmt.Fprintln(w, strings.Join(lines, "\n")); err != nil {
		s.logger.Debug("failed to write text response", "error", err)
	}
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Board == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "status board not configured")
		return
	}

	name := mux.Vars(r)["name"]
	for _, e := range s.cfg.Board.Snapshot() {
		if e.Device.Name == name {
			w.Header().Set("Content-Type", "application/json")
			writeJSON(w, e, s.logger)
			return
		}
	}
	s.errorResponse(w, http.StatusNotFound, "device not found: "+name)
}

// handleEvents upgrades to a WebSocket and streams bus events as JSON
// text frames until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	ch := s.cfg.Bus.Subscribe(eventBuffer)
	defer s.cfg.Bus.Unsubscribe(ch)

	s.logger.Info("event stream client connected", "remote_addr", r.RemoteAddr)
	defer s.logger.Info("event stream client disconnected", "remote_addr", r.RemoteAddr)

	// The read loop only services control frames and notices the
	// client closing the connection.
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("event stream write failed", "remote_addr", r.RemoteAddr, "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
