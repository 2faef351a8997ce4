// ABOUTME: In-memory registry mapping user ids to their single live connection
// ABOUTME: Enforces at-most-one connection per user via replace-on-reconnect

package relay

import (
	"log/slog"
	"sync"

	"github.com/forge3d/studio-relay/internal/protocol"
)

// Registry tracks all authenticated agent connections. Every mutation holds
// the single registry mutex; transport I/O happens outside it.
type Registry struct {
	mu     sync.Mutex
	byUser map[string]*Connection
	byID   map[string]*Connection
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		byUser: make(map[string]*Connection),
		byID:   make(map[string]*Connection),
		logger: logger,
	}
}

// Register installs the connection as the user's single live connection and
// returns the connection it displaced, if any. The caller is responsible for
// notifying and closing the displaced connection.
func (r *Registry) Register(conn *Connection) *Connection {
	r.mu.Lock()
	old := r.byUser[conn.UserID]
	if old != nil {
		delete(r.byID, old.ID)
	}
	r.byUser[conn.UserID] = conn
	r.byID[conn.ID] = conn
	total := len(r.byUser)
	r.mu.Unlock()

	r.logger.Info("agent connected",
		"user_id", conn.UserID,
		"connection_id", conn.ID,
		"replaced", old != nil,
		"total_connections", total,
	)
	return old
}

// Get returns the live connection for a user, or nil.
func (r *Registry) Get(userID string) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byUser[userID]
}

// GetByConnectionID returns the connection with the given id, or nil.
func (r *Registry) GetByConnectionID(id string) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id]
}

// Remove drops the user's connection if it is still the given one, sends a
// best-effort disconnect notice, and closes the transport. Removing an absent
// or already-replaced connection is a no-op: callers (heartbeat eviction,
// explicit disconnect, send-failure cleanup) may race here.
func (r *Registry) Remove(conn *Connection, reason string) bool {
	r.mu.Lock()
	current, ok := r.byUser[conn.UserID]
	if !ok || current != conn {
		r.mu.Unlock()
		return false
	}
	delete(r.byUser, conn.UserID)
	delete(r.byID, conn.ID)
	total := len(r.byUser)
	r.mu.Unlock()

	// Best effort: the transport may already be dead.
	_ = conn.Send(protocol.NewFrame(protocol.EventDisconnect, map[string]any{"reason": reason}))
	_ = conn.transport.Close(reason)

	r.logger.Info("agent disconnected",
		"user_id", conn.UserID,
		"connection_id", conn.ID,
		"reason", reason,
		"total_connections", total,
	)
	return true
}

// Snapshot returns the current set of connections.
func (r *Registry) Snapshot() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := make([]*Connection, 0, len(r.byUser))
	for _, conn := range r.byUser {
		conns = append(conns, conn)
	}
	return conns
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser)
}
