// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides token and connection-audit persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agent_tokens (
			id           TEXT PRIMARY KEY,
			user_id      TEXT NOT NULL,
			name         TEXT NOT NULL,
			active       INTEGER NOT NULL DEFAULT 1,
			revoked      INTEGER NOT NULL DEFAULT 0,
			expires_at   DATETIME,
			created_at   DATETIME NOT NULL,
			last_used_at DATETIME
		);

		CREATE INDEX IF NOT EXISTS idx_agent_tokens_user
			ON agent_tokens(user_id);

		CREATE TABLE IF NOT EXISTS agent_connections (
			connection_id     TEXT PRIMARY KEY,
			user_id           TEXT NOT NULL,
			token_id          TEXT NOT NULL,
			connected_at      DATETIME NOT NULL,
			disconnected_at   DATETIME,
			reason            TEXT,
			agent_version     TEXT,
			agent_platform    TEXT,
			agent_hostname    TEXT,
			bridge_connected  INTEGER NOT NULL DEFAULT 0,
			bridge_host       TEXT,
			bridge_project    TEXT,
			bridge_engine     TEXT,
			bridge_tool_count INTEGER NOT NULL DEFAULT 0,
			commands_executed INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_agent_connections_user
			ON agent_connections(user_id, connected_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// CreateAgentToken inserts a new token row.
func (s *SQLiteStore) CreateAgentToken(ctx context.Context, token *AgentToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_tokens (id, user_id, name, active, revoked, expires_at, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		token.ID, token.UserID, token.Name, token.Active, token.Revoked,
		token.ExpiresAt, token.CreatedAt, token.LastUsedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting agent token: %w", err)
	}
	return nil
}

// GetAgentToken looks up a token by (user, token) pair.
func (s *SQLiteStore) GetAgentToken(ctx context.Context, userID, tokenID string) (*AgentToken, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, active, revoked, expires_at, created_at, last_used_at
		FROM agent_tokens WHERE id = ? AND user_id = ?`,
		tokenID, userID,
	)
	return scanToken(row)
}

// ListAgentTokens returns all tokens owned by a user, newest first.
func (s *SQLiteStore) ListAgentTokens(ctx context.Context, userID string) ([]*AgentToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, active, revoked, expires_at, created_at, last_used_at
		FROM agent_tokens WHERE user_id = ? ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing agent tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*AgentToken
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

// RevokeAgentToken marks a token revoked. Revoking an unknown token returns
// ErrNotFound.
func (s *SQLiteStore) RevokeAgentToken(ctx context.Context, tokenID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_tokens SET revoked = 1, active = 0 WHERE id = ?`, tokenID)
	if err != nil {
		return fmt.Errorf("revoking agent token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoking agent token: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchTokenUsage updates the token's last-used timestamp.
func (s *SQLiteStore) TouchTokenUsage(ctx context.Context, tokenID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agent_tokens SET last_used_at = ? WHERE id = ?`, time.Now().UTC(), tokenID)
	if err != nil {
		return fmt.Errorf("touching token usage: %w", err)
	}
	return nil
}

// RecordConnect inserts the audit row for a new connection.
func (s *SQLiteStore) RecordConnect(ctx context.Context, rec *ConnectionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_connections (connection_id, user_id, token_id, connected_at)
		VALUES (?, ?, ?, ?)`,
		rec.ConnectionID, rec.UserID, rec.TokenID, rec.ConnectedAt,
	)
	if err != nil {
		return fmt.Errorf("recording connect: %w", err)
	}
	return nil
}

// RecordDisconnect stamps the audit row with the disconnect time and reason.
func (s *SQLiteStore) RecordDisconnect(ctx context.Context, connectionID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_connections SET disconnected_at = ?, reason = ?
		WHERE connection_id = ?`,
		time.Now().UTC(), reason, connectionID,
	)
	if err != nil {
		return fmt.Errorf("recording disconnect: %w", err)
	}
	return nil
}

// UpdateConnection refreshes agent metadata, bridge status and counters.
func (s *SQLiteStore) UpdateConnection(ctx context.Context, rec *ConnectionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_connections SET
			agent_version = ?, agent_platform = ?, agent_hostname = ?,
			bridge_connected = ?, bridge_host = ?, bridge_project = ?,
			bridge_engine = ?, bridge_tool_count = ?, commands_executed = ?
		WHERE connection_id = ?`,
		rec.AgentVersion, rec.AgentPlatform, rec.AgentHostname,
		rec.BridgeConnected, rec.BridgeHost, rec.BridgeProject,
		rec.BridgeEngine, rec.BridgeToolCount, rec.CommandsExecuted,
		rec.ConnectionID,
	)
	if err != nil {
		return fmt.Errorf("updating connection: %w", err)
	}
	return nil
}

// GetConnection retrieves a connection audit row by connection id.
func (s *SQLiteStore) GetConnection(ctx context.Context, connectionID string) (*ConnectionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT connection_id, user_id, token_id, connected_at, disconnected_at, reason,
			agent_version, agent_platform, agent_hostname,
			bridge_connected, bridge_host, bridge_project, bridge_engine,
			bridge_tool_count, commands_executed
		FROM agent_connections WHERE connection_id = ?`,
		connectionID,
	)

	var rec ConnectionRecord
	var disconnectedAt sql.NullTime
	var reason, version, platform, hostname sql.NullString
	var bridgeHost, bridgeProject, bridgeEngine sql.NullString
	err := row.Scan(
		&rec.ConnectionID, &rec.UserID, &rec.TokenID, &rec.ConnectedAt,
		&disconnectedAt, &reason, &version, &platform, &hostname,
		&rec.BridgeConnected, &bridgeHost, &bridgeProject, &bridgeEngine,
		&rec.BridgeToolCount, &rec.CommandsExecuted,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting connection: %w", err)
	}
	if disconnectedAt.Valid {
		rec.DisconnectedAt = &disconnectedAt.Time
	}
	rec.Reason = reason.String
	rec.AgentVersion = version.String
	rec.AgentPlatform = platform.String
	rec.AgentHostname = hostname.String
	rec.BridgeHost = bridgeHost.String
	rec.BridgeProject = bridgeProject.String
	rec.BridgeEngine = bridgeEngine.String
	return &rec, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*AgentToken, error) {
	var token AgentToken
	var expiresAt, lastUsedAt sql.NullTime
	err := row.Scan(
		&token.ID, &token.UserID, &token.Name, &token.Active, &token.Revoked,
		&expiresAt, &token.CreatedAt, &lastUsedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning agent token: %w", err)
	}
	if expiresAt.Valid {
		token.ExpiresAt = &expiresAt.Time
	}
	if lastUsedAt.Valid {
		token.LastUsedAt = &lastUsedAt.Time
	}
	return &token, nil
}
