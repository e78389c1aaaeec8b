// Package dispatch routes decoded envelopes to registered action handlers and
// translates their outcomes back into envelopes.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xiaot623/mcprunner/internal/domain"
	"github.com/xiaot623/mcprunner/internal/hub"
	"github.com/xiaot623/mcprunner/internal/protocol"
)

const errorWriteTimeout = 5 * time.Second

// Dispatcher holds the request and event tables.
type Dispatcher struct {
	hub      *hub.Hub
	handlers map[string]Handler
	events   map[string]EventHandler
	mu       sync.RWMutex
}

// New creates a dispatcher replying through h.
func New(h *hub.Hub) *Dispatcher {
	return &Dispatcher{
		hub:      h,
		handlers: make(map[string]Handler),
		events:   make(map[string]EventHandler),
	}
}

// Register adds a handler for action.
func (d *Dispatcher) Register(action string, h Handler) error {
	if action == "" || h == nil {
		return fmt.Errorf("invalid registration for action %q", action)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[action]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAction, action)
	}
	d.handlers[action] = h
	return nil
}

// MustRegister is Register that panics on error. Meant for startup wiring.
func (d *Dispatcher) MustRegister(action string, h Handler) {
	if err := d.Register(action, h); err != nil {
		panic(err)
	}
}

// RegisterEvent adds a handler for an inbound event type, replacing any previous one.
func (d *Dispatcher) RegisterEvent(eventType string, h EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events[eventType] = h
}

// Supports reports whether action has a handler.
func (d *Dispatcher) Supports(action string) bool {
	_, err := d.lookup(action)
	return err == nil
}

func (d *Dispatcher) lookup(action string) (Handler, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[action]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAction, action)
	}
	return h, nil
}

// Actions returns the registered actions in sorted order.
func (d *Dispatcher) Actions() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	actions := make([]string, 0, len(d.handlers))
	for action := range d.handlers {
		actions = append(actions, action)
	}
	sort.Strings(actions)
	return actions
}

// Serve runs the receive loop for conn until the peer disconnects, a read
// fails or ctx is done. Messages are handled one at a time in arrival order.
// The connection is removed from the hub and closed on return.
func (d *Dispatcher) Serve(ctx context.Context, conn *hub.Connection) {
	stop := make(chan struct{})
	defer func() {
		close(stop)
		d.hub.Remove(conn)
		conn.Close()
	}()
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.Conn.ReadMessage()
		if err != nil {
			if isDisconnect(err) || ctx.Err() != nil {
				log.Printf("Connection %s disconnected", conn.ID)
				return
			}
			log.Printf("ERROR: read failed on connection %s: %v", conn.ID, err)
			d.writeError(conn, protocol.ErrorCodeWebSocketError, err.Error())
			return
		}

		d.HandleMessage(ctx, conn, data)
	}
}

// HandleMessage decodes one inbound message and replies to its sender as needed.
func (d *Dispatcher) HandleMessage(ctx context.Context, conn *hub.Connection, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		d.reply(conn, errorEnvelope(protocol.ErrorCodeParseError, "Invalid message format: "+err.Error(), nil))
		return
	}

	switch env.MessageType {
	case protocol.TypeRequest:
		req, err := env.Request()
		if err != nil {
			d.reply(conn, errorEnvelope(protocol.ErrorCodeParseError, "Invalid message format: "+err.Error(), nil))
			return
		}
		d.reply(conn, d.Dispatch(ctx, conn, req))
	case protocol.TypeEvent:
		ev, err := env.Event()
		if err != nil {
			d.reply(conn, errorEnvelope(protocol.ErrorCodeParseError, "Invalid message format: "+err.Error(), nil))
			return
		}
		d.handleEvent(ctx, conn, ev)
	default:
		d.reply(conn, errorEnvelope(protocol.ErrorCodeUnsupportedMessageType,
			fmt.Sprintf("Unsupported message type: %s", env.MessageType),
			map[string]interface{}{"message_type": string(env.MessageType)}))
	}
}

// Dispatch runs the handler for req and returns the envelope to send back.
// conn may be nil when the request did not arrive over a connection.
func (d *Dispatcher) Dispatch(ctx context.Context, conn *hub.Connection, req protocol.RequestContent) protocol.Envelope {
	h, err := d.lookup(req.Action)
	if errors.Is(err, ErrUnsupportedAction) {
		return errorEnvelope(protocol.ErrorCodeUnsupportedAction,
			fmt.Sprintf("Unsupported action: %s", req.Action),
			map[string]interface{}{"action": req.Action, "request_id": req.RequestID})
	}

	data, err := invoke(ctx, h, req, conn)
	if err != nil {
		if code := domain.ErrorCode(err); code != "" {
			return responseEnvelope(req.RequestID, protocol.StatusError, map[string]interface{}{
				"error_code": code,
				"message":    err.Error(),
			})
		}
		log.Printf("ERROR: action %s (request %s) failed: %v", req.Action, req.RequestID, err)
		return errorEnvelope(protocol.ErrorCodeHandlerError, err.Error(),
			map[string]interface{}{"action": req.Action, "request_id": req.RequestID})
	}

	env, err := protocol.NewResponse(req.RequestID, protocol.StatusSuccess, data)
	if err != nil {
		log.Printf("ERROR: action %s returned an unencodable result: %v", req.Action, err)
		return errorEnvelope(protocol.ErrorCodeHandlerError, err.Error(),
			map[string]interface{}{"action": req.Action, "request_id": req.RequestID})
	}
	return env
}

func invoke(ctx context.Context, h Handler, req protocol.RequestContent, conn *hub.Connection) (data map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{Action: req.Action, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	data, err = h.Handle(ctx, req.Params, conn)
	if err != nil && domain.ErrorCode(err) == "" {
		var herr *HandlerError
		if !errors.As(err, &herr) {
			err = &HandlerError{Action: req.Action, Err: err}
		}
	}
	return data, err
}

func (d *Dispatcher) handleEvent(ctx context.Context, conn *hub.Connection, ev protocol.EventContent) {
	d.mu.RLock()
	h, ok := d.events[ev.EventType]
	d.mu.RUnlock()
	if !ok {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: event handler %s panicked: %v", ev.EventType, r)
		}
	}()
	if ev.Data == nil {
		ev.Data = map[string]interface{}{}
	}
	if err := h.HandleEvent(ctx, ev.Data, conn); err != nil {
		log.Printf("WARN: event handler %s failed: %v", ev.EventType, err)
	}
}

func (d *Dispatcher) reply(conn *hub.Connection, env protocol.Envelope) {
	if env.MessageType == "" {
		return
	}
	if err := d.hub.SendTo(conn, env); err != nil {
		log.Printf("WARN: failed to reply on connection %s: %v", conn.ID, err)
	}
}

// writeError bypasses the send queue: the connection is about to be torn down
// and the write pump may already be gone.
func (d *Dispatcher) writeError(conn *hub.Connection, code, message string) {
	if !conn.Writable() {
		return
	}
	env := errorEnvelope(code, message, nil)
	data, err := env.Marshal()
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(errorWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("WARN: failed to send %s to connection %s: %v", code, conn.ID, err)
	}
}

func isDisconnect(err error) bool {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, websocket.ErrCloseSent)
}

func errorEnvelope(code, message string, details map[string]interface{}) protocol.Envelope {
	env, err := protocol.NewError(code, message, details)
	if err != nil {
		log.Printf("ERROR: failed to build %s envelope: %v", code, err)
	}
	return env
}

func responseEnvelope(requestID, status string, data map[string]interface{}) protocol.Envelope {
	env, err := protocol.NewResponse(requestID, status, data)
	if err != nil {
		log.Printf("ERROR: failed to build response envelope: %v", err)
	}
	return env
}
