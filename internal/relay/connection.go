// ABOUTME: Represents a single authenticated agent connection and its pending calls
// ABOUTME: Routes tool replies to waiters by request id; late replies are dropped

package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/forge3d/studio-relay/internal/protocol"
)

// Transport is the outbound half of an agent's socket. *transport.Conn
// satisfies it; tests substitute fakes.
type Transport interface {
	Send(f *protocol.Frame) error
	Close(reason string) error
}

// BridgeStatus describes the agent's downstream editor bridge.
type BridgeStatus struct {
	Connected     bool   `json:"connected"`
	Host          string `json:"host,omitempty"`
	ProjectName   string `json:"project_name,omitempty"`
	EngineVersion string `json:"engine_version,omitempty"`
	ToolCount     int    `json:"tool_count"`
}

// AgentInfo is the metadata an agent reports about itself after auth.
type AgentInfo struct {
	Version  string `json:"version,omitempty"`
	Platform string `json:"platform,omitempty"`
	Hostname string `json:"hostname,omitempty"`
}

// ConnectionStatus is the externally visible snapshot of a connection.
type ConnectionStatus struct {
	ConnectionID     string       `json:"connection_id"`
	UserID           string       `json:"user_id"`
	ConnectedAt      time.Time    `json:"connected_at"`
	LastHeartbeat    time.Time    `json:"last_heartbeat"`
	Agent            AgentInfo    `json:"agent"`
	Bridge           BridgeStatus `json:"bridge"`
	CommandsExecuted int          `json:"commands_executed"`
	LastCommandAt    *time.Time   `json:"last_command_at,omitempty"`
}

// callOutcome is the terminal state of one pending tool call.
type callOutcome struct {
	result map[string]any
	err    error
}

// Connection is one authenticated agent transport. All mutable state is
// guarded by mu; the transport itself is safe for concurrent sends.
type Connection struct {
	ID      string
	UserID  string
	TokenID string

	transport   Transport
	connectedAt time.Time
	logger      *slog.Logger

	mu            sync.Mutex
	lastHeartbeat time.Time
	agent         AgentInfo
	bridge        BridgeStatus
	commands      int
	lastCommandAt time.Time
	pending       map[string]chan callOutcome
}

func newConnection(id, userID, tokenID string, t Transport, logger *slog.Logger) *Connection {
	now := time.Now()
	return &Connection{
		ID:            id,
		UserID:        userID,
		TokenID:       tokenID,
		transport:     t,
		connectedAt:   now,
		lastHeartbeat: now,
		pending:       make(map[string]chan callOutcome),
		logger:        logger,
	}
}

// Send transmits a frame over the agent's transport.
func (c *Connection) Send(f *protocol.Frame) error {
	return c.transport.Send(f)
}

// touchHeartbeat marks the connection live. Any inbound traffic counts.
func (c *Connection) touchHeartbeat() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

// LastHeartbeat returns the time of the most recent inbound traffic.
func (c *Connection) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// BridgeConnected reports whether the downstream bridge is up.
func (c *Connection) BridgeConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bridge.Connected
}

func (c *Connection) setAgentInfo(info AgentInfo) {
	c.mu.Lock()
	c.agent = info
	c.mu.Unlock()
}

// setBridgeStatus updates the bridge state and reports whether the connected
// flag actually changed.
func (c *Connection) setBridgeStatus(status BridgeStatus) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := c.bridge.Connected != status.Connected
	c.bridge = status
	return changed
}

func (c *Connection) recordCommand() {
	c.mu.Lock()
	c.commands++
	c.lastCommandAt = time.Now()
	c.mu.Unlock()
}

// registerCall parks a waiter under the given request id. The returned
// channel receives exactly one outcome.
func (c *Connection) registerCall(requestID string) chan callOutcome {
	ch := make(chan callOutcome, 1)
	c.mu.Lock()
	c.pending[requestID] = ch
	c.mu.Unlock()
	return ch
}

// takeCall removes and returns the waiter for a request id. Exactly one
// caller wins; later callers get ok=false.
func (c *Connection) takeCall(requestID string) (chan callOutcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	return ch, ok
}

// resolveCall delivers a reply to its waiter. A reply with no matching waiter
// (late, duplicate, or unknown) is logged and dropped.
func (c *Connection) resolveCall(requestID string, out callOutcome) {
	ch, ok := c.takeCall(requestID)
	if !ok {
		c.logger.Warn("dropping reply for unknown request",
			"request_id", requestID,
			"connection_id", c.ID,
		)
		return
	}
	ch <- out
}

// abortPending rejects every outstanding call. Used when the connection dies
// so waiters fail immediately instead of running out their timeouts.
func (c *Connection) abortPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan callOutcome)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- callOutcome{err: err}
	}
}

// Status returns a point-in-time snapshot for status listings.
func (c *Connection) Status() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := ConnectionStatus{
		ConnectionID:     c.ID,
		UserID:           c.UserID,
		ConnectedAt:      c.connectedAt,
		LastHeartbeat:    c.lastHeartbeat,
		Agent:            c.agent,
		Bridge:           c.bridge,
		CommandsExecuted: c.commands,
	}
	if !c.lastCommandAt.IsZero() {
		t := c.lastCommandAt
		status.LastCommandAt = &t
	}
	return status
}
