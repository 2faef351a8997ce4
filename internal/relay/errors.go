// ABOUTME: Error taxonomy for the agent relay
// ABOUTME: Distinguishes unavailable, timeout, and remote tool failures

package relay

import "errors"

// ErrAgentNotConnected indicates no live connection exists for the user.
var ErrAgentNotConnected = errors.New("agent not connected")

// ErrBridgeNotConnected indicates the agent is connected but its downstream
// editor bridge is not.
var ErrBridgeNotConnected = errors.New("agent not connected to editor bridge")

// ErrCallTimeout indicates a tool call exceeded its deadline.
var ErrCallTimeout = errors.New("tool call timed out")

// ErrConnectionClosed indicates the connection went away while a call was in
// flight.
var ErrConnectionClosed = errors.New("connection closed")

// ToolError is a failure reported by the remote agent. The relay does not
// interpret tool-specific errors; it carries the message string through.
type ToolError struct {
	Message string
}

func (e *ToolError) Error() string {
	return "tool error: " + e.Message
}
