package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/coder/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Send pings to peer with this period. A failed ping drops the client.
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.checkOrigin(r) {
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return
	}

	// The origin was checked above.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn(r.Context(), err, "WebSocket upgrade failed")
		return
	}

	client := &Client{
		conn:   conn,
		send:   make(chan []byte, 256),
		server: s,
	}

	go client.writePump()
	go client.readPump()

	select {
	case s.register <- client:
	case <-s.done:
		conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// checkOrigin accepts same-host origins, loopback origins on the
// configured port and the configured allowed origins. Requests without an
// Origin header are rejected.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if originURL.Scheme != "http" && originURL.Scheme != "https" {
		return false
	}

	for _, allowed := range s.config.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	if originURL.Host == r.Host {
		return true
	}

	port := strconv.Itoa(s.config.Port)
	switch originURL.Host {
	case "localhost:" + port, "127.0.0.1:" + port, s.config.Host + ":" + port:
		return true
	}
	return false
}

func (s *Server) runWebSocketHub(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-s.register:
			if client == nil || client.conn == nil {
				continue
			}
			s.clientsMutex.Lock()
			s.clients[client.conn] = client
			count := len(s.clients)
			s.clientsMutex.Unlock()
			s.logger.Debug(ctx, "Client connected", "clients", count)

		case conn := <-s.unregister:
			if conn == nil {
				continue
			}
			s.clientsMutex.Lock()
			if client, ok := s.clients[conn]; ok {
				delete(s.clients, conn)
				close(client.send)
				conn.Close(websocket.StatusNormalClosure, "")
				s.logger.Debug(ctx, "Client disconnected", "clients", len(s.clients))
			}
			s.clientsMutex.Unlock()

		case message := <-s.broadcast:
			s.clientsMutex.RLock()
			var failed []*websocket.Conn
			for conn, client := range s.clients {
				select {
				case client.send <- message:
				default:
					failed = append(failed, conn)
				}
			}
			s.clientsMutex.RUnlock()

			if len(failed) > 0 {
				s.clientsMutex.Lock()
				for _, conn := range failed {
					if client, ok := s.clients[conn]; ok {
						delete(s.clients, conn)
						close(client.send)
						conn.Close(websocket.StatusPolicyViolation, "client too slow")
					}
				}
				s.clientsMutex.Unlock()
			}
		}
	}
}

func (s *Server) broadcastMessage(msg UpdateMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Warn(context.Background(), err, "Failed to marshal update")
		data = []byte(`{"type":"reload"}`)
	}

	select {
	case s.broadcast <- data:
	default:
		s.logger.Warn(context.Background(), nil, "Dropping reload notification, hub busy")
	}
}

// readPump drains the connection until the peer goes away.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c.conn:
		case <-c.server.done:
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)

	// Browsers only listen; reads end when the connection closes.
	for {
		_, _, err := c.conn.Read(context.Background())
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				c.server.logger.Debug(context.Background(), "WebSocket read ended", "error", err)
			}
			return
		}
	}
}

// writePump pumps messages to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			err := c.conn.Write(ctx, websocket.MessageText, message)
			cancel()
			if err != nil {
				c.server.logger.Debug(context.Background(), "WebSocket write failed", "error", err)
				return
			}

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
