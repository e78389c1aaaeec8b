package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name        string
		messageType MessageType
		content     interface{}
	}{
		{"request", TypeRequest, RequestContent{Action: "run_test", Params: map[string]interface{}{"collection_id": "col_1"}, RequestID: "req-1"}},
		{"response", TypeResponse, ResponseContent{RequestID: "req-1", Status: StatusSuccess, Data: map[string]interface{}{"test_run_id": "run_1"}}},
		{"event", TypeEvent, EventContent{EventType: "test_started", Data: map[string]interface{}{"run_id": "run_1"}}},
		{"error", TypeError, ErrorContent{ErrorCode: ErrorCodeHandlerError, ErrorMessage: "boom", Details: map[string]interface{}{"action": "run_test"}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env, err := Encode(tc.messageType, tc.content)
			require.NoError(t, err)
			assert.Equal(t, Version, env.ProtocolVersion)
			assert.NotZero(t, env.Timestamp)

			raw, err := env.Marshal()
			require.NoError(t, err)

			decoded, err := Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, tc.messageType, decoded.MessageType)
			assert.Equal(t, env.Timestamp, decoded.Timestamp)

			want, _ := json.Marshal(tc.content)
			assert.JSONEq(t, string(want), string(decoded.Content))
		})
	}
}

func TestEnvelopeHasExactlyFourFields(t *testing.T) {
	env, err := NewEvent("test_started", nil)
	require.NoError(t, err)
	raw, err := env.Marshal()
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Len(t, fields, 4)
	for _, name := range []string{"protocol_version", "message_type", "content", "timestamp"} {
		assert.Contains(t, fields, name)
	}
}

func TestDecodeMissingRequiredField(t *testing.T) {
	cases := map[string]string{
		"protocol_version": `{"message_type":"request","content":{"action":"x"},"timestamp":1}`,
		"message_type":     `{"protocol_version":"1.0","content":{"action":"x"},"timestamp":1}`,
		"content":          `{"protocol_version":"1.0","message_type":"request","timestamp":1}`,
		"null content":     `{"protocol_version":"1.0","message_type":"request","content":null}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			assert.True(t, errors.Is(err, ErrInvalidEnvelope), "got %v", err)
		})
	}
}

func TestDecodeMalformedPayload(t *testing.T) {
	for _, raw := range []string{`{not json`, `[1,2,3]`, `"just a string"`, `null`, ``} {
		_, err := Decode([]byte(raw))
		assert.True(t, errors.Is(err, ErrMalformedPayload), "input %q: got %v", raw, err)
	}
}

func TestDecodeUnknownMessageType(t *testing.T) {
	env, err := Decode([]byte(`{"protocol_version":"1.0","message_type":"telemetry","content":{},"timestamp":1}`))
	require.NoError(t, err)
	assert.Equal(t, MessageType("telemetry"), env.MessageType)
}

func TestRequestContentDefaults(t *testing.T) {
	env, err := Decode([]byte(`{"protocol_version":"1.0","message_type":"request","content":{"action":"run_test"}}`))
	require.NoError(t, err)

	req, err := env.Request()
	require.NoError(t, err)
	assert.Equal(t, "run_test", req.Action)
	assert.Equal(t, "unknown", req.RequestID)
	assert.NotNil(t, req.Params)
}

func TestRequestContentRequiresAction(t *testing.T) {
	env, err := Decode([]byte(`{"protocol_version":"1.0","message_type":"request","content":{"params":{}}}`))
	require.NoError(t, err)

	_, err = env.Request()
	assert.True(t, errors.Is(err, ErrInvalidEnvelope))
}

func TestTypedAccessorRejectsWrongType(t *testing.T) {
	env, err := NewEvent("test_started", nil)
	require.NoError(t, err)

	_, err = env.Request()
	assert.True(t, errors.Is(err, ErrInvalidEnvelope))

	ev, err := env.Event()
	require.NoError(t, err)
	assert.Equal(t, "test_started", ev.EventType)
}

func TestErrorInfo(t *testing.T) {
	env, err := NewError(ErrorCodeUnsupportedAction, "Unsupported action: frobnicate", nil)
	require.NoError(t, err)

	info, err := env.ErrorInfo()
	require.NoError(t, err)
	assert.Equal(t, ErrorCodeUnsupportedAction, info.ErrorCode)
	assert.NotNil(t, info.Details)
}
