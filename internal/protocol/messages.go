// Package protocol defines the MCP envelope exchanged between clients and the server.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Version is stamped on every outbound envelope.
const Version = "1.0"

// MessageType identifies the shape of an envelope's content.
type MessageType string

// Message types
const (
	TypeRequest  MessageType = "request"
	TypeResponse MessageType = "response"
	TypeEvent    MessageType = "event"
	TypeError    MessageType = "error"
)

// Response statuses
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Error codes
const (
	ErrorCodeParseError             = "parse_error"
	ErrorCodeWebSocketError         = "websocket_error"
	ErrorCodeUnsupportedAction      = "unsupported_action"
	ErrorCodeUnsupportedMessageType = "unsupported_message_type"
	ErrorCodeHandlerError           = "handler_error"
)

var (
	// ErrMalformedPayload is returned when raw bytes are not a JSON object.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrInvalidEnvelope is returned when a required envelope field is missing.
	ErrInvalidEnvelope = errors.New("invalid envelope")
)

// Envelope is the uniform wire message.
type Envelope struct {
	ProtocolVersion string          `json:"protocol_version"`
	MessageType     MessageType     `json:"message_type"`
	Content         json.RawMessage `json:"content"`
	Timestamp       int64           `json:"timestamp"`
}

// RequestContent is the content of a request envelope.
type RequestContent struct {
	Action    string                 `json:"action"`
	Params    map[string]interface{} `json:"params"`
	RequestID string                 `json:"request_id"`
}

// ResponseContent is the content of a response envelope.
type ResponseContent struct {
	RequestID string                 `json:"request_id"`
	Status    string                 `json:"status"`
	Data      map[string]interface{} `json:"data"`
}

// EventContent is the content of an event envelope.
type EventContent struct {
	EventType string                 `json:"event_type"`
	Data      map[string]interface{} `json:"data"`
}

// ErrorContent is the content of an error envelope.
type ErrorContent struct {
	ErrorCode    string                 `json:"error_code"`
	ErrorMessage string                 `json:"error_message"`
	Details      map[string]interface{} `json:"details"`
}

// Encode wraps content in an envelope stamped with the current time.
func Encode(messageType MessageType, content interface{}) (Envelope, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s content: %w", messageType, err)
	}
	return Envelope{
		ProtocolVersion: Version,
		MessageType:     messageType,
		Content:         raw,
		Timestamp:       time.Now().Unix(),
	}, nil
}

// Decode parses raw bytes into an envelope. Unknown message types are not an
// error here; routing them is up to the caller.
func Decode(raw []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if fields == nil {
		return Envelope{}, fmt.Errorf("%w: expected a JSON object", ErrMalformedPayload)
	}

	for _, name := range []string{"protocol_version", "message_type", "content"} {
		if isAbsent(fields[name]) {
			return Envelope{}, fmt.Errorf("%w: missing %s", ErrInvalidEnvelope, name)
		}
	}

	var env Envelope
	if err := json.Unmarshal(fields["protocol_version"], &env.ProtocolVersion); err != nil {
		return Envelope{}, fmt.Errorf("%w: protocol_version must be a string", ErrInvalidEnvelope)
	}
	if err := json.Unmarshal(fields["message_type"], &env.MessageType); err != nil {
		return Envelope{}, fmt.Errorf("%w: message_type must be a string", ErrInvalidEnvelope)
	}
	env.Content = fields["content"]
	if ts, ok := fields["timestamp"]; ok && !isAbsent(ts) {
		if err := json.Unmarshal(ts, &env.Timestamp); err != nil {
			return Envelope{}, fmt.Errorf("%w: timestamp must be an integer", ErrInvalidEnvelope)
		}
	}
	return env, nil
}

// Marshal returns the JSON form of the envelope.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Request returns the typed content of a request envelope.
func (e Envelope) Request() (RequestContent, error) {
	var c RequestContent
	if err := e.unmarshalContent(TypeRequest, &c); err != nil {
		return c, err
	}
	if c.Action == "" {
		return c, fmt.Errorf("%w: request content missing action", ErrInvalidEnvelope)
	}
	if c.RequestID == "" {
		c.RequestID = "unknown"
	}
	if c.Params == nil {
		c.Params = map[string]interface{}{}
	}
	return c, nil
}

// Response returns the typed content of a response envelope.
func (e Envelope) Response() (ResponseContent, error) {
	var c ResponseContent
	if err := e.unmarshalContent(TypeResponse, &c); err != nil {
		return c, err
	}
	if c.RequestID == "" || c.Status == "" {
		return c, fmt.Errorf("%w: response content missing request_id or status", ErrInvalidEnvelope)
	}
	return c, nil
}

// Event returns the typed content of an event envelope.
func (e Envelope) Event() (EventContent, error) {
	var c EventContent
	if err := e.unmarshalContent(TypeEvent, &c); err != nil {
		return c, err
	}
	if c.EventType == "" {
		return c, fmt.Errorf("%w: event content missing event_type", ErrInvalidEnvelope)
	}
	return c, nil
}

// ErrorInfo returns the typed content of an error envelope.
func (e Envelope) ErrorInfo() (ErrorContent, error) {
	var c ErrorContent
	if err := e.unmarshalContent(TypeError, &c); err != nil {
		return c, err
	}
	if c.ErrorCode == "" {
		return c, fmt.Errorf("%w: error content missing error_code", ErrInvalidEnvelope)
	}
	return c, nil
}

func (e Envelope) unmarshalContent(want MessageType, v interface{}) error {
	if e.MessageType != want {
		return fmt.Errorf("%w: expected %s envelope, got %s", ErrInvalidEnvelope, want, e.MessageType)
	}
	if err := json.Unmarshal(e.Content, v); err != nil {
		return fmt.Errorf("%w: %s content: %v", ErrInvalidEnvelope, want, err)
	}
	return nil
}

func isAbsent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// NewRequest builds a request envelope.
func NewRequest(action, requestID string, params map[string]interface{}) (Envelope, error) {
	if params == nil {
		params = map[string]interface{}{}
	}
	return Encode(TypeRequest, RequestContent{Action: action, Params: params, RequestID: requestID})
}

// NewResponse builds a response envelope.
func NewResponse(requestID, status string, data map[string]interface{}) (Envelope, error) {
	if data == nil {
		data = map[string]interface{}{}
	}
	return Encode(TypeResponse, ResponseContent{RequestID: requestID, Status: status, Data: data})
}

// NewEvent builds an event envelope.
func NewEvent(eventType string, data map[string]interface{}) (Envelope, error) {
	if data == nil {
		data = map[string]interface{}{}
	}
	return Encode(TypeEvent, EventContent{EventType: eventType, Data: data})
}

// NewError builds an error envelope.
func NewError(code, message string, details map[string]interface{}) (Envelope, error) {
	if details == nil {
		details = map[string]interface{}{}
	}
	return Encode(TypeError, ErrorContent{ErrorCode: code, ErrorMessage: message, Details: details})
}
