package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xiaot623/mcprunner/internal/protocol"
)

// ErrRequestFailed is returned when the server answers with an error envelope
// or an error response.
var ErrRequestFailed = errors.New("request failed")

// EventFunc receives events that arrive while the client is reading.
// Returning true stops the read loop.
type EventFunc func(ev protocol.EventContent) bool

// Client represents a WebSocket client.
type Client struct {
	conn *websocket.Conn
	seq  atomic.Int64
}

// NewClient creates a new client and connects to the server.
func NewClient(addr string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close sends a close frame and closes the connection.
func (c *Client) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}

// Request sends an action and blocks until the matching response arrives.
// Events received in the meantime are handed to onEvent, which may be nil.
func (c *Client) Request(action string, params map[string]interface{}, onEvent EventFunc) (map[string]interface{}, error) {
	requestID := fmt.Sprintf("cli_%d_%d", time.Now().UnixNano(), c.seq.Add(1))
	env, err := protocol.NewRequest(action, requestID, params)
	if err != nil {
		return nil, err
	}
	data, err := env.Marshal()
	if err != nil {
		return nil, err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	for {
		env, err := c.next()
		if err != nil {
			return nil, err
		}

		switch env.MessageType {
		case protocol.TypeResponse:
			resp, err := env.Response()
			if err != nil {
				return nil, err
			}
			if resp.RequestID != requestID {
				continue
			}
			if resp.Status != protocol.StatusSuccess {
				return resp.Data, fmt.Errorf("%w: %s: %v", ErrRequestFailed, resp.Data["error_code"], resp.Data["message"])
			}
			return resp.Data, nil
		case protocol.TypeError:
			info, err := env.ErrorInfo()
			if err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %s: %s", ErrRequestFailed, info.ErrorCode, info.ErrorMessage)
		case protocol.TypeEvent:
			if onEvent == nil {
				continue
			}
			if ev, err := env.Event(); err == nil {
				onEvent(ev)
			}
		}
	}
}

// Listen hands every event to fn until fn returns true or the connection ends.
func (c *Client) Listen(fn EventFunc) error {
	for {
		env, err := c.next()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if env.MessageType != protocol.TypeEvent {
			continue
		}
		ev, err := env.Event()
		if err != nil {
			continue
		}
		if fn(ev) {
			return nil
		}
	}
}

func (c *Client) next() (protocol.Envelope, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.Decode(data)
}

// prettyJSON renders v indented for terminal output.
func prettyJSON(v interface{}) string {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(formatted)
}
