// ABOUTME: JSON frame envelope shared by the agent relay and collab sockets
// ABOUTME: Defines event type constants and encode/decode helpers

package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies the kind of frame on the wire.
type EventType string

// Agent relay frame types.
const (
	EventAuth         EventType = "auth"
	EventAuthSuccess  EventType = "auth_success"
	EventAuthFailed   EventType = "auth_failed"
	EventHeartbeat    EventType = "heartbeat"
	EventHeartbeatAck EventType = "heartbeat_ack"
	EventDisconnect   EventType = "disconnect"
	EventError        EventType = "error"

	EventMCPConnected    EventType = "mcp_connected"
	EventMCPDisconnected EventType = "mcp_disconnected"
	EventStatusUpdate    EventType = "status_update"
	EventAgentInfo       EventType = "agent_info"
	EventProjectInfo     EventType = "project_info"

	EventExecuteTool EventType = "execute_tool"
	EventToolResult  EventType = "tool_result"
	EventToolError   EventType = "tool_error"
)

// Collaboration frame types.
const (
	EventLock      EventType = "lock"
	EventUnlock    EventType = "unlock"
	EventSelection EventType = "selection"
	EventPing      EventType = "ping"
	EventPong      EventType = "pong"

	EventActorLocked      EventType = "actor_locked"
	EventActorUnlocked    EventType = "actor_unlocked"
	EventLockExpired      EventType = "lock_expired"
	EventSelectionChanged EventType = "selection_changed"
	EventUserJoined       EventType = "user_joined"
	EventUserLeft         EventType = "user_left"
	EventSessionState     EventType = "session_state"
)

// Frame is the envelope carried on every socket message. The payload is an
// opaque key/value bag; tool-specific schemas are never interpreted here.
type Frame struct {
	Type      EventType      `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp string         `json:"timestamp"`
	RequestID string         `json:"request_id,omitempty"`
}

// NewFrame builds a frame of the given type with the current timestamp.
func NewFrame(t EventType, payload map[string]any) *Frame {
	return &Frame{
		Type:      t,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// NewRequestFrame builds a frame that carries a request id for correlation.
func NewRequestFrame(t EventType, payload map[string]any, requestID string) *Frame {
	f := NewFrame(t, payload)
	f.RequestID = requestID
	return f
}

// Encode serializes the frame to JSON.
func (f *Frame) Encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", f.Type, err)
	}
	return data, nil
}

// Decode parses a JSON frame. Unknown event types are returned as-is; the
// dispatch layer decides what to do with them.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("decoding frame: missing type")
	}
	return &f, nil
}

// String returns the payload value for key as a string, or "" if absent.
func (f *Frame) String(key string) string {
	if v, ok := f.Payload[key].(string); ok {
		return v
	}
	return ""
}

// Bool returns the payload value for key as a bool, or false if absent.
func (f *Frame) Bool(key string) bool {
	v, _ := f.Payload[key].(bool)
	return v
}

// Int returns the payload value for key as an int. JSON numbers decode as
// float64, so both are accepted.
func (f *Frame) Int(key string) int {
	switch v := f.Payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// Strings returns the payload value for key as a string slice. Decoded JSON
// arrays arrive as []any; frames built in-process may carry []string.
func (f *Frame) Strings(key string) []string {
	switch raw := f.Payload[key].(type) {
	case []string:
		return raw
	case []any:
		out := make([]string, 0, len(raw))
		for _, item := range raw {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
