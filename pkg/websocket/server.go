// Package websocket provides the push server that delivers call events to
// UI clients. Clients are write-only consumers; inbound frames other than
// control messages are discarded.
package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haos/callbridge/pkg/logger"
)

// Config holds WebSocket server configuration
type Config struct {
	Addr           string
	Path           string
	AllowedOrigins []string
	MaxConnections int
	WriteTimeout   time.Duration
}

// Server pushes event frames to connected WebSocket clients
type Server struct {
	config   Config
	upgrader websocket.Upgrader
	httpSrv  *http.Server
	log      *logger.Logger

	mu    sync.RWMutex
	conns map[string]*websocket.Conn
}

// NewServer creates a new WebSocket push server
func NewServer(cfg Config) *Server {
	if cfg.Path == "" {
		cfg.Path = "/events"
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 100
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	s := &Server{
		config: cfg,
		conns:  make(map[string]*websocket.Conn),
		log:    logger.Global().WithComponent("websocket"),
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	return s
}

// checkOrigin allows configured origins, or any origin when none are set
// (local UI development)
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.config.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// Start starts the HTTP listener in the background
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, s.handleUpgrade)

	s.httpSrv = &http.Server{
		Addr:    s.config.Addr,
		Handler: mux,
	}

	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("websocket server failed", "error", err)
		}
	}()

	s.log.Info("websocket server listening", "addr", s.config.Addr, "path", s.config.Path)
	return nil
}

// handleUpgrade upgrades an HTTP request and registers the connection
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	count := len(s.conns)
	s.mu.RUnlock()
	if count >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	connID := uuid.NewString()
	s.mu.Lock()
	s.conns[connID] = conn
	s.mu.Unlock()

	s.log.Debug("client connected", "conn_id", connID)

	go s.readLoop(connID, conn)
}

// readLoop drains inbound frames so control messages are processed, and
// removes the connection on error/close
func (s *Server) readLoop(connID string, conn *websocket.Conn) {
	defer s.remove(connID)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) remove(connID string) {
	s.mu.Lock()
	conn, ok := s.conns[connID]
	delete(s.conns, connID)
	s.mu.Unlock()

	if ok {
		conn.Close()
		s.log.Debug("client disconnected", "conn_id", connID)
	}
}

// Broadcast sends a frame to every connected client. Failed connections
// are dropped.
func (s *Server) Broadcast(data []byte) {
	s.mu.RLock()
	targets := make(map[string]*websocket.Conn, len(s.conns))
	for id, conn := range s.conns {
		targets[id] = conn
	}
	s.mu.RUnlock()

	for id, conn := range targets {
		conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.log.Debug("write failed, dropping client", "conn_id", id, "error", err)
			s.remove(id)
		}
	}
}

// ConnectionCount returns the number of connected clients
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Addr returns the configured listen address
func (s *Server) Addr() string {
	return s.config.Addr
}

// Stop closes all connections and shuts down the listener
func (s *Server) Stop() {
	s.mu.Lock()
	for id, conn := range s.conns {
		conn.Close()
		delete(s.conns, id)
	}
	s.mu.Unlock()

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(ctx)
	}
}
