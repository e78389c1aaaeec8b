// Package ws provides the WebSocket endpoint that carries MCP envelopes.
package ws

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/mcprunner/internal/config"
	"github.com/xiaot623/mcprunner/internal/dispatch"
	"github.com/xiaot623/mcprunner/internal/hub"
)

const defaultPingInterval = 30 * time.Second

// Server handles WebSocket connections.
type Server struct {
	cfg        *config.Config
	hub        *hub.Hub
	dispatcher *dispatch.Dispatcher
	upgrader   websocket.Upgrader

	// Hijacked connections outlive their request, so they are bound to the
	// server's own lifetime instead.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a new WebSocket server.
func NewServer(cfg *config.Config, h *hub.Hub, d *dispatch.Dispatcher) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		hub:        h,
		dispatcher: d,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Any origin may connect; there is no browser session to protect.
				return true
			},
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// RegisterRoutes registers the WebSocket route.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws", s.HandleWebSocket)
}

// Close ends every connection served by s.
func (s *Server) Close() {
	s.cancel()
}

// HandleWebSocket upgrades the request, admits the connection and serves it
// until it closes.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		return err
	}

	if s.cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(s.cfg.MaxMessageSize)
	}
	conn := s.hub.Admit(ws)

	if s.cfg.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		ws.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	go s.writePump(conn)
	s.dispatcher.Serve(s.ctx, conn)
	return nil
}

// writePump drains the connection's send queue onto the socket and keeps the
// peer alive with pings.
func (s *Server) writePump(conn *hub.Connection) {
	interval := s.cfg.PingInterval
	if interval <= 0 {
		interval = defaultPingInterval
	}
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		s.hub.Remove(conn)
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			s.setWriteDeadline(conn)
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("Failed to write message: %v", err)
				return
			}

		case <-ticker.C:
			s.setWriteDeadline(conn)
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) setWriteDeadline(conn *hub.Connection) {
	if s.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
}
