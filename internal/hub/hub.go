// Package hub provides connection management for WebSocket clients.
package hub

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/mcprunner/internal/protocol"
)

var (
	// ErrConnectionClosed is returned when sending to a connection that is no longer live.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrBufferFull is returned when a connection's send queue is full.
	ErrBufferFull = errors.New("send buffer full")
)

// Socket is the subset of *websocket.Conn the hub and its pumps rely on.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Connection represents a single admitted connection.
type Connection struct {
	ID         string
	Conn       Socket
	Send       chan []byte
	AdmittedAt time.Time

	mu      sync.Mutex // guards closed and Send
	closed  bool
	writeMu sync.Mutex
}

// Hub is the registry of live connections.
type Hub struct {
	connections map[string]*Connection
	bufferSize  int
	mu          sync.RWMutex
}

// NewHub creates a new Hub whose connections queue up to bufferSize messages.
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Hub{
		connections: make(map[string]*Connection),
		bufferSize:  bufferSize,
	}
}

// Admit registers an already handshaken socket and returns its handle.
func (h *Hub) Admit(sock Socket) *Connection {
	conn := &Connection{
		ID:         uuid.New().String(),
		Conn:       sock,
		Send:       make(chan []byte, h.bufferSize),
		AdmittedAt: time.Now(),
	}

	h.mu.Lock()
	h.connections[conn.ID] = conn
	h.mu.Unlock()

	log.Printf("Connection admitted: %s", conn.ID)
	return conn
}

// Remove unregisters a connection and closes its send queue. Removing an
// already removed connection is a no-op.
func (h *Hub) Remove(conn *Connection) {
	if conn == nil {
		return
	}

	h.mu.Lock()
	_, live := h.connections[conn.ID]
	delete(h.connections, conn.ID)
	h.mu.Unlock()

	if conn.markClosed() && live {
		log.Printf("Connection removed: %s", conn.ID)
	}
}

// SendTo queues an envelope for a single connection.
func (h *Hub) SendTo(conn *Connection, env protocol.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	return h.send(conn, data)
}

// Broadcast queues an envelope for every live connection and returns how many
// accepted it. Connections that cannot accept are reaped rather than reported.
func (h *Hub) Broadcast(env protocol.Envelope) int {
	data, err := env.Marshal()
	if err != nil {
		log.Printf("ERROR: failed to marshal broadcast envelope: %v", err)
		return 0
	}

	delivered := 0
	for _, conn := range h.snapshot() {
		if err := h.send(conn, data); err != nil {
			continue
		}
		delivered++
	}
	return delivered
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// IsLive reports whether the connection is still registered.
func (h *Hub) IsLive(conn *Connection) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.connections[conn.ID]
	return ok
}

func (h *Hub) snapshot() []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := make([]*Connection, 0, len(h.connections))
	for _, conn := range h.connections {
		conns = append(conns, conn)
	}
	return conns
}

func (h *Hub) send(conn *Connection, data []byte) error {
	if conn == nil {
		return ErrConnectionClosed
	}

	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		// Drop a stale entry left behind by a connection that closed itself.
		h.mu.Lock()
		delete(h.connections, conn.ID)
		h.mu.Unlock()
		return ErrConnectionClosed
	}
	select {
	case conn.Send <- data:
		conn.mu.Unlock()
		return nil
	default:
		conn.mu.Unlock()
		log.Printf("WARN: connection %s buffer full, closing", conn.ID)
		h.Remove(conn)
		return ErrBufferFull
	}
}

// markClosed flips the closed flag and closes Send. It reports whether this
// call did the closing.
func (c *Connection) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.Send)
	return true
}

// Writable reports whether the connection can still accept messages.
func (c *Connection) Writable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// WriteMessage writes a frame to the socket with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the underlying socket.
func (c *Connection) Close() error {
	return c.Conn.Close()
}
