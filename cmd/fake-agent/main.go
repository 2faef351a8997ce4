// ABOUTME: Minimal fake agent for development and E2E testing — connects via WebSocket, echoes tool calls.
// ABOUTME: Usage: fake-agent -token TOKEN [-addr localhost:8080] [-project "Demo Project"]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"time"

	"github.com/coder/websocket"

	"github.com/forge3d/studio-relay/internal/protocol"
	"github.com/forge3d/studio-relay/internal/transport"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "relay server address")
	token := flag.String("token", "", "agent credential (from: studio-relay token create)")
	project := flag.String("project", "Demo Project", "fake project name")
	flag.Parse()

	if *token == "" {
		log.Fatal("-token is required")
	}

	if err := run(*addr, *token, *project); err != nil {
		log.Fatal(err)
	}
}

func run(addr, token, project string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	url := fmt.Sprintf("ws://%s/ws/agent", addr)
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", url, err)
	}
	conn := transport.NewConn(ws, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	defer conn.Close("done")

	// Authenticate
	if err := conn.Send(protocol.NewFrame(protocol.EventAuth, map[string]any{
		"token": token,
	})); err != nil {
		return fmt.Errorf("sending auth: %w", err)
	}

	reply, err := conn.ReadFrame(ctx)
	if err != nil {
		return fmt.Errorf("reading auth reply: %w", err)
	}
	switch reply.Type {
	case protocol.EventAuthSuccess:
		fmt.Fprintf(os.Stderr, "authenticated, connection %s\n", reply.String("connection_id"))
	case protocol.EventAuthFailed:
		return fmt.Errorf("authentication failed: %s", reply.String("error"))
	default:
		return fmt.Errorf("expected auth reply, got %s", reply.Type)
	}

	// Report agent metadata and a fake connected bridge so tool relaying works.
	hostname, _ := os.Hostname()
	if err := conn.Send(protocol.NewFrame(protocol.EventAgentInfo, map[string]any{
		"version":  "fake-agent/dev",
		"platform": runtime.GOOS,
		"hostname": hostname,
	})); err != nil {
		return fmt.Errorf("sending agent info: %w", err)
	}
	if err := conn.Send(protocol.NewFrame(protocol.EventMCPConnected, map[string]any{
		"host":           "localhost:55557",
		"project_name":   project,
		"engine_version": "5.5",
		"tools_count":    2,
	})); err != nil {
		return fmt.Errorf("sending bridge status: %w", err)
	}

	// Message loop: answer heartbeats, echo tool calls.
	for {
		f, err := conn.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil // graceful shutdown
			}
			return fmt.Errorf("read error: %w", err)
		}

		switch f.Type {
		case protocol.EventHeartbeat:
			_ = conn.Send(protocol.NewFrame(protocol.EventHeartbeatAck, nil))

		case protocol.EventExecuteTool:
			log.Printf("tool call [%s]: %s", f.RequestID, f.String("tool_name"))

			// Small delay to simulate editor work
			time.Sleep(50 * time.Millisecond)

			params, _ := f.Payload["parameters"].(map[string]any)
			_ = conn.Send(protocol.NewRequestFrame(protocol.EventToolResult, map[string]any{
				"result": map[string]any{
					"echo":       f.String("tool_name"),
					"parameters": params,
					"status":     "ok",
				},
			}, f.RequestID))

		case protocol.EventDisconnect:
			fmt.Fprintf(os.Stderr, "server disconnect: %s\n", f.String("reason"))
			return nil

		default:
			log.Printf("ignoring frame type %s", f.Type)
		}
	}
}
