// Package relay manages connections from desktop agent instances.
//
// # Overview
//
// The relay admits agents over authenticated WebSocket transports, tracks
// their liveness with heartbeats, and routes tool invocations from the web
// API down to the agent that bridges into the editor.
//
// # Registry
//
// The Registry tracks all authenticated connections with two maps under one
// mutex: user id to connection, and connection id back to connection. A user
// has at most one live connection; a new authentication for the same user
// displaces the old connection, which receives a best-effort disconnect
// notice before its transport is closed.
//
// # Request/Response Correlation
//
// When ExecuteTool sends a command to an agent, the service:
//
//  1. Generates a unique request_id
//  2. Parks a single-outcome channel in the connection's pending map
//  3. Sends the execute_tool frame over the transport
//  4. Waits for the correlated tool_result/tool_error, the deadline, or
//     context cancellation
//
// Replies may arrive in any order relative to other outstanding requests;
// correctness rests on request-id matching alone. A reply whose waiter is
// gone (late or duplicate) is logged and dropped.
//
// # Heartbeat Monitoring
//
// A background loop probes every connection each interval (default 30s) and
// evicts any connection silent for longer than the timeout (default 90s).
// Probe sends are fire-and-forget; a send failure counts as proof of death.
// Any inbound frame refreshes a connection's liveness.
//
// # Lifecycle
//
// Construct the service explicitly and drive it with Start/Stop; there are
// no package-level instances.
package relay
