// ABOUTME: Agent relay service: authentication, heartbeat monitoring, tool RPC
// ABOUTME: Owns the registry and the background heartbeat loop lifecycle

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forge3d/studio-relay/internal/auth"
	"github.com/forge3d/studio-relay/internal/protocol"
	"github.com/forge3d/studio-relay/internal/store"
)

// Config holds relay timing parameters.
type Config struct {
	// HeartbeatInterval is how often probes are sent to each connection.
	HeartbeatInterval time.Duration
	// ConnectionTimeout is how long a connection may stay silent before it
	// is evicted. Should be a multiple of the interval greater than 1.
	ConnectionTimeout time.Duration
	// CallTimeout is the default deadline for ExecuteTool when the caller
	// does not supply one.
	CallTimeout time.Duration
}

// withDefaults fills in zero fields.
func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 90 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	return c
}

// Authorizer validates inbound credentials. *auth.Gate satisfies it.
type Authorizer interface {
	Authorize(ctx context.Context, credential string) (auth.Identity, error)
}

// Recorder persists connection audit rows. All calls are best effort; the
// relay never fails an operation because the recorder did.
type Recorder interface {
	RecordConnect(ctx context.Context, rec *store.ConnectionRecord) error
	RecordDisconnect(ctx context.Context, connectionID, reason string) error
	UpdateConnection(ctx context.Context, rec *store.ConnectionRecord) error
}

// Service relays tool calls from the web API to desktop agents and tracks
// connection liveness. Construct with NewService and drive the lifecycle
// explicitly with Start/Stop.
type Service struct {
	cfg      Config
	gate     Authorizer
	registry *Registry
	recorder Recorder
	logger   *slog.Logger

	stop     chan struct{}
	stopped  sync.WaitGroup
	stopOnce sync.Once

	hooksMu      sync.Mutex
	onConnect    []func(*Connection)
	onDisconnect []func(*Connection, string)
	onBridgeUp   []func(*Connection)
	onBridgeDown []func(*Connection)
}

// NewService creates a relay service. recorder may be nil.
func NewService(cfg Config, gate Authorizer, recorder Recorder, logger *slog.Logger) *Service {
	return &Service{
		cfg:      cfg.withDefaults(),
		gate:     gate,
		registry: NewRegistry(logger.With("component", "registry")),
		recorder: recorder,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Registry exposes the connection registry for status queries.
func (s *Service) Registry() *Registry {
	return s.registry
}

// HeartbeatInterval returns the configured probe interval.
func (s *Service) HeartbeatInterval() time.Duration {
	return s.cfg.HeartbeatInterval
}

// Start launches the heartbeat monitor.
func (s *Service) Start() {
	s.stopped.Add(1)
	go s.heartbeatLoop()
	s.logger.Info("agent relay started",
		"heartbeat_interval", s.cfg.HeartbeatInterval,
		"connection_timeout", s.cfg.ConnectionTimeout,
	)
}

// Stop cancels the heartbeat monitor and closes every connection.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.stopped.Wait()

	for _, conn := range s.registry.Snapshot() {
		s.drop(conn, "shutting down")
	}
	s.logger.Info("agent relay stopped")
}

// heartbeatLoop probes every connection each tick and evicts the silent ones.
// Probes are fire-and-forget: Send never blocks on a slow peer, so one hung
// transport cannot delay evicting others.
func (s *Service) heartbeatLoop() {
	defer s.stopped.Done()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweepConnections()
		}
	}
}

func (s *Service) sweepConnections() {
	now := time.Now()
	var stale []*Connection

	for _, conn := range s.registry.Snapshot() {
		if now.Sub(conn.LastHeartbeat()) > s.cfg.ConnectionTimeout {
			stale = append(stale, conn)
			continue
		}
		probe := protocol.NewFrame(protocol.EventHeartbeat, map[string]any{
			"server_time": now.UTC().Format(time.RFC3339),
		})
		if err := conn.Send(probe); err != nil {
			// A failed send proves the transport is dead.
			s.logger.Warn("heartbeat send failed",
				"user_id", conn.UserID, "error", err)
			stale = append(stale, conn)
		}
	}

	for _, conn := range stale {
		s.drop(conn, "timeout")
	}
}

// Authenticate admits a transport into the registry. On failure an
// auth_failed frame is sent and the transport is closed; the attempt is
// terminal and never retried by the relay.
func (s *Service) Authenticate(ctx context.Context, t Transport, credential string) (*Connection, error) {
	identity, err := s.gate.Authorize(ctx, credential)
	if err != nil {
		reason := "Invalid or expired token"
		if errors.Is(err, auth.ErrTokenRevoked) {
			reason = "Token has been revoked or expired"
		}
		_ = t.Send(protocol.NewFrame(protocol.EventAuthFailed, map[string]any{"error": reason}))
		_ = t.Close("auth failed")
		return nil, err
	}

	connID := uuid.New().String()
	conn := newConnection(connID, identity.UserID, identity.TokenID, t,
		s.logger.With("connection_id", connID))

	// Replace-on-reconnect: the old transport gets a best-effort notice
	// before being dropped. Delivery is not awaited.
	if old := s.registry.Register(conn); old != nil {
		_ = old.Send(protocol.NewFrame(protocol.EventDisconnect, map[string]any{
			"reason": "New connection established",
		}))
		_ = old.transport.Close("replaced")
		old.abortPending(ErrConnectionClosed)
		s.recordDisconnect(old, "replaced")
		s.emitDisconnect(old, "replaced")
	}

	if s.recorder != nil {
		err := s.recorder.RecordConnect(ctx, &store.ConnectionRecord{
			ConnectionID: conn.ID,
			UserID:       conn.UserID,
			TokenID:      conn.TokenID,
			ConnectedAt:  time.Now().UTC(),
		})
		if err != nil {
			s.logger.Warn("recording connect failed", "error", err)
		}
	}

	err = conn.Send(protocol.NewFrame(protocol.EventAuthSuccess, map[string]any{
		"connection_id":      conn.ID,
		"user_id":            conn.UserID,
		"heartbeat_interval": int(s.cfg.HeartbeatInterval.Seconds()),
	}))
	if err != nil {
		s.drop(conn, "send failed")
		return nil, fmt.Errorf("sending auth_success: %w", err)
	}

	s.logger.Info("agent authenticated", "user_id", conn.UserID, "connection_id", conn.ID)
	s.emitConnect(conn)
	return conn, nil
}

// Disconnect removes a connection explicitly.
func (s *Service) Disconnect(conn *Connection, reason string) {
	s.drop(conn, reason)
}

// drop evicts a connection: registry removal (idempotent), pending-call
// abort, audit, hooks.
func (s *Service) drop(conn *Connection, reason string) {
	if !s.registry.Remove(conn, reason) {
		return
	}
	conn.abortPending(ErrConnectionClosed)
	s.recordDisconnect(conn, reason)
	s.emitDisconnect(conn, reason)
}

func (s *Service) recordDisconnect(conn *Connection, reason string) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.RecordDisconnect(context.Background(), conn.ID, reason); err != nil {
		s.logger.Warn("recording disconnect failed", "error", err)
	}
}

// persistStatus pushes the connection's current snapshot to the audit store.
func (s *Service) persistStatus(conn *Connection) {
	if s.recorder == nil {
		return
	}
	status := conn.Status()
	err := s.recorder.UpdateConnection(context.Background(), &store.ConnectionRecord{
		ConnectionID:     status.ConnectionID,
		UserID:           status.UserID,
		TokenID:          conn.TokenID,
		AgentVersion:     status.Agent.Version,
		AgentPlatform:    status.Agent.Platform,
		AgentHostname:    status.Agent.Hostname,
		BridgeConnected:  status.Bridge.Connected,
		BridgeHost:       status.Bridge.Host,
		BridgeProject:    status.Bridge.ProjectName,
		BridgeEngine:     status.Bridge.EngineVersion,
		BridgeToolCount:  status.Bridge.ToolCount,
		CommandsExecuted: status.CommandsExecuted,
	})
	if err != nil {
		s.logger.Warn("updating connection record failed", "error", err)
	}
}

// HandleFrame processes one inbound frame from an authenticated connection.
// Any traffic counts as liveness, not only explicit heartbeat acks.
func (s *Service) HandleFrame(conn *Connection, f *protocol.Frame) {
	conn.touchHeartbeat()

	switch f.Type {
	case protocol.EventHeartbeatAck:
		// Liveness already updated above.

	case protocol.EventHeartbeat:
		// Agent-initiated heartbeat, may piggyback bridge status.
		if status := f.String("bridge_status"); status != "" {
			s.applyBridgeFlag(conn, status == "connected", f)
		}
		_ = conn.Send(protocol.NewFrame(protocol.EventHeartbeatAck, map[string]any{
			"server_time": time.Now().UTC().Format(time.RFC3339),
		}))

	case protocol.EventMCPConnected:
		s.applyBridgeStatus(conn, BridgeStatus{
			Connected:     true,
			Host:          f.String("host"),
			ProjectName:   f.String("project_name"),
			EngineVersion: f.String("engine_version"),
			ToolCount:     f.Int("tools_count"),
		})

	case protocol.EventMCPDisconnected:
		s.applyBridgeStatus(conn, BridgeStatus{Connected: false})

	case protocol.EventStatusUpdate:
		connected := f.String("bridge_status") == "connected"
		status := BridgeStatus{Connected: connected}
		if connected {
			status.Host = f.String("bridge_host")
			status.ToolCount = len(f.Strings("available_tools"))
		}
		s.applyBridgeStatus(conn, status)

	case protocol.EventAgentInfo:
		conn.setAgentInfo(AgentInfo{
			Version:  f.String("version"),
			Platform: f.String("platform"),
			Hostname: f.String("hostname"),
		})
		s.persistStatus(conn)

	case protocol.EventProjectInfo:
		// Forwarded to interested parties as-is; the relay does not
		// interpret project payloads.
		s.logger.Debug("project info received", "user_id", conn.UserID)

	case protocol.EventToolResult:
		result, _ := f.Payload["result"].(map[string]any)
		if result == nil {
			result = f.Payload
		}
		conn.resolveCall(f.RequestID, callOutcome{result: result})

	case protocol.EventToolError:
		msg := f.String("error")
		if msg == "" {
			msg = "unknown error"
		}
		conn.resolveCall(f.RequestID, callOutcome{err: &ToolError{Message: msg}})

	default:
		s.logger.Debug("unhandled frame type", "type", f.Type, "user_id", conn.UserID)
	}
}

func (s *Service) applyBridgeFlag(conn *Connection, connected bool, f *protocol.Frame) {
	status := BridgeStatus{Connected: connected}
	if connected {
		status.Host = f.String("bridge_host")
	}
	if conn.setBridgeStatus(status) {
		s.persistStatus(conn)
		s.emitBridge(conn, connected)
	}
}

func (s *Service) applyBridgeStatus(conn *Connection, status BridgeStatus) {
	changed := conn.setBridgeStatus(status)
	s.persistStatus(conn)
	if changed {
		s.emitBridge(conn, status.Connected)
	}
	s.logger.Info("bridge status updated",
		"user_id", conn.UserID,
		"connected", status.Connected,
		"project", status.ProjectName,
	)
}

// ExecuteTool relays a named tool invocation to the user's agent and waits
// for the correlated reply. Replies may arrive in any order relative to other
// outstanding calls; correctness rests on request-id matching alone.
func (s *Service) ExecuteTool(ctx context.Context, userID, toolName string, parameters map[string]any, timeout time.Duration) (map[string]any, error) {
	conn := s.registry.Get(userID)
	if conn == nil {
		return nil, ErrAgentNotConnected
	}
	if !conn.BridgeConnected() {
		return nil, ErrBridgeNotConnected
	}
	if timeout <= 0 {
		timeout = s.cfg.CallTimeout
	}

	requestID := uuid.New().String()
	ch := conn.registerCall(requestID)

	frame := protocol.NewRequestFrame(protocol.EventExecuteTool, map[string]any{
		"tool_name":  toolName,
		"parameters": parameters,
	}, requestID)

	if err := conn.Send(frame); err != nil {
		conn.takeCall(requestID)
		// A failed send proves the transport is dead; evict now rather
		// than waiting for the heartbeat sweep.
		s.drop(conn, "send failed")
		return nil, fmt.Errorf("%w: %v", ErrAgentNotConnected, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		if out.err != nil {
			return nil, out.err
		}
		conn.recordCommand()
		s.persistStatus(conn)
		return out.result, nil

	case <-timer.C:
		if _, ok := conn.takeCall(requestID); ok {
			return nil, fmt.Errorf("%w after %s", ErrCallTimeout, timeout)
		}
		// The reply won the race against the timer; it is already in the
		// buffered channel or about to land there.
		out := <-ch
		if out.err != nil {
			return nil, out.err
		}
		conn.recordCommand()
		s.persistStatus(conn)
		return out.result, nil

	case <-ctx.Done():
		conn.takeCall(requestID)
		return nil, ctx.Err()
	}
}

// Connected reports whether a live connection exists for the user.
func (s *Service) Connected(userID string) bool {
	return s.registry.Get(userID) != nil
}

// Status returns the connection snapshot for a user.
func (s *Service) Status(userID string) (ConnectionStatus, bool) {
	conn := s.registry.Get(userID)
	if conn == nil {
		return ConnectionStatus{}, false
	}
	return conn.Status(), true
}

// ListConnections returns snapshots of every live connection.
func (s *Service) ListConnections() []ConnectionStatus {
	conns := s.registry.Snapshot()
	statuses := make([]ConnectionStatus, 0, len(conns))
	for _, conn := range conns {
		statuses = append(statuses, conn.Status())
	}
	return statuses
}
