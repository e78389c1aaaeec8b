package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/xiaot623/mcprunner/internal/hub"
)

var (
	// ErrUnsupportedAction is returned when no handler is registered for an action.
	ErrUnsupportedAction = errors.New("unsupported action")
	// ErrDuplicateAction is returned when an action is registered twice.
	ErrDuplicateAction = errors.New("action already registered")
)

// Handler serves one request action.
type Handler interface {
	Handle(ctx context.Context, params map[string]interface{}, conn *hub.Connection) (map[string]interface{}, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, params map[string]interface{}, conn *hub.Connection) (map[string]interface{}, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, params map[string]interface{}, conn *hub.Connection) (map[string]interface{}, error) {
	return f(ctx, params, conn)
}

// EventHandler consumes an inbound event. Errors are logged, never replied.
type EventHandler interface {
	HandleEvent(ctx context.Context, data map[string]interface{}, conn *hub.Connection) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, data map[string]interface{}, conn *hub.Connection) error

// HandleEvent calls f.
func (f EventHandlerFunc) HandleEvent(ctx context.Context, data map[string]interface{}, conn *hub.Connection) error {
	return f(ctx, data, conn)
}

// HandlerError is a handler fault: any error that is not a domain error, or a
// recovered panic.
type HandlerError struct {
	Action string
	Err    error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s: %v", e.Action, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
