// ABOUTME: Store interface and data types for studio-relay persistence
// ABOUTME: Defines AgentToken, ConnectionRecord and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// AgentToken is a revocable credential backing row. The relay treats it as an
// opaque validity check plus last-used bookkeeping.
type AgentToken struct {
	ID         string
	UserID     string
	Name       string
	Active     bool
	Revoked    bool
	ExpiresAt  *time.Time
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// Valid reports whether the token may still authenticate a connection.
func (t *AgentToken) Valid() bool {
	if !t.Active || t.Revoked {
		return false
	}
	if t.ExpiresAt != nil && time.Now().After(*t.ExpiresAt) {
		return false
	}
	return true
}

// ConnectionRecord is the audit row for one agent connection. It survives the
// in-memory connection so operators can inspect past sessions.
type ConnectionRecord struct {
	ConnectionID   string
	UserID         string
	TokenID        string
	ConnectedAt    time.Time
	DisconnectedAt *time.Time
	Reason         string

	AgentVersion  string
	AgentPlatform string
	AgentHostname string

	BridgeConnected  bool
	BridgeHost       string
	BridgeProject    string
	BridgeEngine     string
	BridgeToolCount  int
	CommandsExecuted int
}

// Store defines token and connection-audit persistence.
type Store interface {
	// Agent tokens
	CreateAgentToken(ctx context.Context, token *AgentToken) error
	GetAgentToken(ctx context.Context, userID, tokenID string) (*AgentToken, error)
	ListAgentTokens(ctx context.Context, userID string) ([]*AgentToken, error)
	RevokeAgentToken(ctx context.Context, tokenID string) error
	TouchTokenUsage(ctx context.Context, tokenID string) error

	// Connection audit
	RecordConnect(ctx context.Context, rec *ConnectionRecord) error
	RecordDisconnect(ctx context.Context, connectionID, reason string) error
	UpdateConnection(ctx context.Context, rec *ConnectionRecord) error
	GetConnection(ctx context.Context, connectionID string) (*ConnectionRecord, error)

	// Close releases any resources held by the store
	Close() error
}
