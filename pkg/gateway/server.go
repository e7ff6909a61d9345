package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/harun/scoop/internal/observability"
	"github.com/harun/scoop/pkg/agent"
	"github.com/harun/scoop/pkg/session"
	"github.com/harun/scoop/pkg/speech"
)

// Config holds server configuration
type Config struct {
	Host   string
	Port   int
	Secret string

	Runner *agent.Runner
	Store  session.Store
	Audio  *speech.FileStore // optional; enables GET /v1/audio/{handle}

	RequestsPerMinute int
	MaxConcurrent     int
	ShutdownTimeout   time.Duration

	Logger zerolog.Logger
}

// Server exposes the run pipeline over HTTP and WebSocket.
type Server struct {
	cfg      Config
	auth     *Authenticator
	clients  *ClientRegistry
	router   *RPCRouter
	limiters *limiterSet
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	server   *http.Server
	listener net.Listener

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlight       sync.WaitGroup
}

// NewServer creates a new Gateway Server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Runner == nil {
		return nil, errors.New("agent runner is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("session store is required")
	}
	if cfg.Port < 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	s := &Server{
		cfg:      cfg,
		auth:     NewAuthenticator(cfg.Secret),
		clients:  NewClientRegistry(),
		router:   NewRPCRouter(),
		limiters: newLimiterSet(cfg.RequestsPerMinute, cfg.MaxConcurrent),
		logger:   cfg.Logger.With().Str("component", "gateway").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.registerMethods()
	observability.EnsureRegistered()
	return s, nil
}

// Handler returns the routed, authenticated handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/runs", s.handleRun)
	mux.HandleFunc("POST /v1/sessions/{id}/abort", s.handleAbort)
	mux.HandleFunc("GET /v1/sessions/{id}/history", s.handleHistory)
	mux.HandleFunc("GET /v1/sessions/{id}/runs", s.handleRuns)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /v1/users/{id}/sessions", s.handleUserSessions)
	mux.HandleFunc("GET /v1/agents", s.handleAgents)
	mux.HandleFunc("GET /v1/audio/{handle}", s.handleAudio)
	mux.HandleFunc("GET /v1/ws", s.handleWebSocket)
	mux.Handle("GET /metrics", observability.MetricsHandler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return s.auth.Middleware(mux, "/healthz", "/metrics")
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting gateway")
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop refuses new work, waits for in-flight runs up to ShutdownTimeout,
// closes WebSocket clients and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway")

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownTimeout):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	case <-ctx.Done():
	}

	for _, c := range s.clients.All() {
		_ = c.Conn.Close()
	}

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown gateway: %w", err)
	}
	s.logger.Info().Msg("Gateway stopped")
	return nil
}

// Clients reports connected WebSocket clients.
func (s *Server) Clients() []ClientInfo {
	return s.clients.Info()
}

// begin registers an in-flight request unless shutdown has started.
func (s *Server) begin() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	if s.isShuttingDown {
		return false
	}
	s.inFlight.Add(1)
	return true
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}
