// Package server wires the studio-relay components behind one HTTP server.
//
// It owns two WebSocket endpoints (/ws/agent for desktop agents, /ws/collab
// for editor collaboration) and a small JWT-protected REST API for status
// queries and tool execution. The read loop for each socket lives here; the
// relay and collab services only ever see the Transport interface.
package server
