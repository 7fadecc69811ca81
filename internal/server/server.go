// Package server renders templates over HTTP and pushes reload
// notifications to browsers over a websocket when templates change.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/conneroisu/quill/internal/config"
	"github.com/conneroisu/quill/internal/engine"
	"github.com/conneroisu/quill/internal/logging"
	"github.com/conneroisu/quill/internal/vars"
	"github.com/conneroisu/quill/internal/watcher"
)

// Client represents a WebSocket client
type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
}

// Server serves rendered templates with live reload.
type Server struct {
	engine *engine.Engine
	config config.ServerConfig
	logger logging.Logger
	vars   map[string]interface{}

	httpServer  *http.Server
	serverMutex sync.RWMutex

	clients      map[*websocket.Conn]*Client
	clientsMutex sync.RWMutex
	broadcast    chan []byte
	register     chan *Client
	unregister   chan *websocket.Conn
	// done is closed when the hub stops.
	done chan struct{}

	shutdownOnce sync.Once
}

// UpdateMessage represents a message sent to the browser
type UpdateMessage struct {
	Type      string    `json:"type"`
	Templates []string  `json:"templates,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// New creates a server rendering through e. Variable files listed in cfg
// are loaded once and merged under every request's variables.
func New(e *engine.Engine, cfg config.ServerConfig, logger logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	base, err := vars.LoadFiles(cfg.VarsFiles...)
	if err != nil {
		return nil, fmt.Errorf("loading server variables: %w", err)
	}

	return &Server{
		engine:     e,
		config:     cfg,
		logger:     logger.WithComponent("server"),
		vars:       base,
		clients:    make(map[*websocket.Conn]*Client),
		broadcast:  make(chan []byte, 16),
		register:   make(chan *Client),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}, nil
}

// Handler returns the HTTP routes wrapped in middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/templates", s.handleTemplates)
	mux.HandleFunc("POST /api/invalidate", s.handleInvalidate)
	mux.HandleFunc("GET /render/{name...}", s.handleRender)
	mux.HandleFunc("POST /render/{name...}", s.handleRender)
	if s.config.LiveReload {
		mux.HandleFunc("GET /ws", s.handleWebSocket)
	}
	return s.addMiddleware(mux)
}

// Addr is the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
}

// Start serves until ctx is cancelled or the server fails.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go s.runWebSocketHub(ctx)

	s.serverMutex.Lock()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	server := s.httpServer
	s.serverMutex.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn(shutdownCtx, err, "Shutdown failed")
		}
	}()

	s.logger.Info(ctx, "Serving templates", "addr", ln.Addr().String(), "live_reload", s.config.LiveReload)
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server and closes every websocket client.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.clientsMutex.Lock()
		for conn, client := range s.clients {
			close(client.send)
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			delete(s.clients, conn)
		}
		s.clientsMutex.Unlock()

		s.serverMutex.RLock()
		server := s.httpServer
		s.serverMutex.RUnlock()
		if server != nil {
			err = server.Shutdown(ctx)
		}
	})
	return err
}

// Notify is a watcher.Handler telling connected browsers to reload.
func (s *Server) Notify(ctx context.Context, events []watcher.ChangeEvent) error {
	s.broadcastMessage(UpdateMessage{
		Type:      "reload",
		Templates: watcher.Names(events),
		Timestamp: time.Now(),
	})
	return nil
}

// ClientCount returns the number of connected websocket clients.
func (s *Server) ClientCount() int {
	s.clientsMutex.RLock()
	defer s.clientsMutex.RUnlock()
	return len(s.clients)
}
