// ABOUTME: REST API handlers fronting the relay and collab services
// ABOUTME: Provides agent status, tool execution, and session state endpoints

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/forge3d/studio-relay/internal/auth"
	"github.com/forge3d/studio-relay/internal/relay"
)

// ExecuteToolRequest is the JSON request body for POST /api/tools/execute.
type ExecuteToolRequest struct {
	ToolName       string         `json:"tool_name"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
}

// AgentStatusResponse is the JSON response for GET /api/agent/status.
type AgentStatusResponse struct {
	Connected bool                    `json:"connected"`
	Status    *relay.ConnectionStatus `json:"status,omitempty"`
}

// handleAgentStatus handles GET /api/agent/status.
// Returns the caller's agent connection snapshot, or connected=false.
func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	identity, ok := auth.FromContext(r.Context())
	if !ok {
		s.sendJSONError(w, http.StatusUnauthorized, "missing identity")
		return
	}

	response := AgentStatusResponse{}
	if status, ok := s.relay.Status(identity.UserID); ok {
		response.Connected = true
		response.Status = &status
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// handleExecuteTool handles POST /api/tools/execute.
// Relays the named tool call to the caller's agent and returns the result.
func (s *Server) handleExecuteTool(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	identity, ok := auth.FromContext(r.Context())
	if !ok {
		s.sendJSONError(w, http.StatusUnauthorized, "missing identity")
		return
	}

	var req ExecuteToolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ToolName == "" {
		s.sendJSONError(w, http.StatusBadRequest, "tool_name is required")
		return
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	result, err := s.relay.ExecuteTool(r.Context(), identity.UserID, req.ToolName, req.Parameters, timeout)
	if err != nil {
		s.writeToolError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"result": result})
}

// writeToolError maps relay errors onto HTTP statuses: no agent or bridge is
// 503, a timed-out call is 504, an agent-reported failure is 502.
func (s *Server) writeToolError(w http.ResponseWriter, err error) {
	var toolErr *relay.ToolError
	switch {
	case errors.Is(err, relay.ErrAgentNotConnected):
		s.sendJSONError(w, http.StatusServiceUnavailable, "agent not connected")
	case errors.Is(err, relay.ErrBridgeNotConnected):
		s.sendJSONError(w, http.StatusServiceUnavailable, "editor bridge not connected")
	case errors.Is(err, relay.ErrCallTimeout):
		s.sendJSONError(w, http.StatusGatewayTimeout, "tool execution timed out")
	case errors.As(err, &toolErr):
		s.sendJSONError(w, http.StatusBadGateway, toolErr.Message)
	default:
		s.logger.Error("tool execution failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// handleListAgents handles GET /api/agents.
// Returns snapshots of every live agent connection.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.relay.ListConnections())
}

// handleSessionState handles GET /api/sessions/{id}.
// Returns the full state snapshot for a collaboration session.
func (s *Server) handleSessionState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	sessionID := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	if sessionID == "" || strings.Contains(sessionID, "/") {
		s.sendJSONError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	state, ok := s.collab.SessionState(sessionID)
	if !ok {
		s.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(state)
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
