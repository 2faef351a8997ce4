// ABOUTME: WebSocket upgrade handlers for the agent and collab endpoints
// ABOUTME: Owns the per-socket read loops; services never touch raw websockets

package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/forge3d/studio-relay/internal/protocol"
	"github.com/forge3d/studio-relay/internal/transport"
)

// authDeadline bounds how long a fresh agent socket may sit unauthenticated.
const authDeadline = 10 * time.Second

// handleAgentSocket upgrades an agent connection. The first frame must be an
// auth frame carrying the agent's JWT; anything else, or silence past the
// deadline, closes the socket.
func (s *Server) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("agent websocket accept failed", "error", err)
		return
	}
	conn := transport.NewConn(ws, s.logger.With("component", "agent-ws"))

	authCtx, cancel := context.WithTimeout(r.Context(), authDeadline)
	frame, err := conn.ReadFrame(authCtx)
	cancel()
	if err != nil {
		_ = conn.Close("auth deadline exceeded")
		return
	}
	if frame.Type != protocol.EventAuth {
		_ = conn.Send(protocol.NewFrame(protocol.EventAuthFailed, map[string]any{
			"error": "First message must be authentication",
		}))
		_ = conn.Close("expected auth frame")
		return
	}

	agentConn, err := s.relay.Authenticate(r.Context(), conn, frame.String("token"))
	if err != nil {
		// The relay already sent auth_failed and closed the transport.
		s.logger.Info("agent authentication rejected", "error", err)
		return
	}

	for {
		f, err := conn.ReadFrame(r.Context())
		if err != nil {
			s.relay.Disconnect(agentConn, "connection lost")
			return
		}
		s.relay.HandleFrame(agentConn, f)
	}
}

// handleCollabSocket upgrades a collaboration connection. The credential is
// checked before the upgrade so bad tokens get a plain 401 instead of a
// half-open socket.
//
// Query parameters: session_id (required), project_id, name, color, and token
// when no Authorization header is set.
func (s *Server) handleCollabSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	sessionID := q.Get("session_id")
	if sessionID == "" {
		http.Error(w, `{"error":"session_id is required"}`, http.StatusBadRequest)
		return
	}

	credential := q.Get("token")
	if credential == "" {
		credential = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	identity, err := s.gate.Authorize(r.Context(), credential)
	if err != nil {
		http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
		return
	}

	name := q.Get("name")
	if name == "" {
		name = identity.UserID
	}
	color := q.Get("color")
	if color == "" {
		color = "#888888"
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("collab websocket accept failed", "error", err)
		return
	}
	conn := transport.NewConn(ws, s.logger.With("component", "collab-ws"))

	state := s.collab.Join(sessionID, q.Get("project_id"), identity.UserID, name, color, conn)
	if err := conn.Send(protocol.NewFrame(protocol.EventSessionState, map[string]any{
		"state": state,
	})); err != nil {
		s.collab.Leave(identity.UserID)
		_ = conn.Close("send failed")
		return
	}

	for {
		f, err := conn.ReadFrame(r.Context())
		if err != nil {
			s.collab.Leave(identity.UserID)
			_ = conn.Close("connection lost")
			return
		}
		s.collab.HandleFrame(identity.UserID, conn, f)
	}
}
