// ABOUTME: Tests for the relay service: auth, heartbeats, and tool RPC
// ABOUTME: Covers reply permutations, timeout independence, and eviction

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forge3d/studio-relay/internal/auth"
	"github.com/forge3d/studio-relay/internal/protocol"
)

// fakeGate authorizes credentials of the form "user:token" and rejects
// everything else.
type fakeGate struct {
	err error
}

func (g *fakeGate) Authorize(_ context.Context, credential string) (auth.Identity, error) {
	if g.err != nil {
		return auth.Identity{}, g.err
	}
	userID, tokenID, ok := strings.Cut(credential, ":")
	if !ok {
		return auth.Identity{}, auth.ErrInvalidCredential
	}
	return auth.Identity{UserID: userID, TokenID: tokenID}, nil
}

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	svc := NewService(cfg, &fakeGate{}, nil, slog.Default())
	t.Cleanup(svc.Stop)
	return svc
}

// connect authenticates a fake transport and marks its bridge up so tool
// calls are admitted.
func connect(t *testing.T, svc *Service, userID string) (*Connection, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	conn, err := svc.Authenticate(context.Background(), ft, userID+":token-1")
	require.NoError(t, err)

	svc.HandleFrame(conn, protocol.NewFrame(protocol.EventMCPConnected, map[string]any{
		"host":         "localhost:55557",
		"project_name": "Test Project",
		"tools_count":  float64(3),
	}))
	return conn, ft
}

func TestAuthenticate_Success(t *testing.T) {
	svc := newTestService(t, Config{})
	ft := &fakeTransport{}

	conn, err := svc.Authenticate(context.Background(), ft, "user-1:token-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", conn.UserID)
	assert.True(t, svc.Connected("user-1"))

	success := ft.sentOfType(protocol.EventAuthSuccess)
	require.Len(t, success, 1)
	assert.Equal(t, conn.ID, success[0].String("connection_id"))
	assert.Equal(t, 30, success[0].Int("heartbeat_interval"))
}

func TestAuthenticate_Failure(t *testing.T) {
	svc := NewService(Config{}, &fakeGate{err: auth.ErrInvalidCredential}, nil, slog.Default())
	defer svc.Stop()
	ft := &fakeTransport{}

	_, err := svc.Authenticate(context.Background(), ft, "whatever")
	require.Error(t, err)

	failed := ft.sentOfType(protocol.EventAuthFailed)
	require.Len(t, failed, 1)
	assert.True(t, ft.isClosed(), "transport must be closed after failed auth")
	assert.False(t, svc.Connected("user-1"))
}

func TestAuthenticate_RevokedMessage(t *testing.T) {
	svc := NewService(Config{}, &fakeGate{err: auth.ErrTokenRevoked}, nil, slog.Default())
	defer svc.Stop()
	ft := &fakeTransport{}

	_, err := svc.Authenticate(context.Background(), ft, "whatever")
	require.Error(t, err)

	failed := ft.sentOfType(protocol.EventAuthFailed)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].String("error"), "revoked")
}

func TestAuthenticate_ReplaceOnReconnect(t *testing.T) {
	svc := newTestService(t, Config{})

	_, oldFT := connect(t, svc, "user-1")
	newConn, _ := connect(t, svc, "user-1")

	// The old transport got a disconnect notice and was closed.
	notices := oldFT.sentOfType(protocol.EventDisconnect)
	require.Len(t, notices, 1)
	assert.Equal(t, "New connection established", notices[0].String("reason"))
	assert.True(t, oldFT.isClosed())

	// Only the new connection remains.
	assert.Equal(t, newConn, svc.Registry().Get("user-1"))
	assert.Equal(t, 1, svc.Registry().Len())
}

func TestHandleFrame_HeartbeatAcked(t *testing.T) {
	svc := newTestService(t, Config{})
	conn, ft := connect(t, svc, "user-1")

	svc.HandleFrame(conn, protocol.NewFrame(protocol.EventHeartbeat, nil))

	acks := ft.sentOfType(protocol.EventHeartbeatAck)
	require.Len(t, acks, 1)
}

func TestHandleFrame_AnyTrafficCountsAsLiveness(t *testing.T) {
	svc := newTestService(t, Config{})
	conn, _ := connect(t, svc, "user-1")

	before := conn.LastHeartbeat()
	time.Sleep(5 * time.Millisecond)
	svc.HandleFrame(conn, protocol.NewFrame(protocol.EventStatusUpdate, map[string]any{
		"bridge_status": "connected",
	}))

	assert.True(t, conn.LastHeartbeat().After(before))
}

func TestHandleFrame_BridgeTransitions(t *testing.T) {
	svc := newTestService(t, Config{})
	conn, _ := connect(t, svc, "user-1")

	status, ok := svc.Status("user-1")
	require.True(t, ok)
	assert.True(t, status.Bridge.Connected)
	assert.Equal(t, "Test Project", status.Bridge.ProjectName)
	assert.Equal(t, 3, status.Bridge.ToolCount)

	svc.HandleFrame(conn, protocol.NewFrame(protocol.EventMCPDisconnected, nil))

	status, ok = svc.Status("user-1")
	require.True(t, ok)
	assert.False(t, status.Bridge.Connected)
}

func TestExecuteTool_Success(t *testing.T) {
	svc := newTestService(t, Config{})
	conn, ft := connect(t, svc, "user-1")

	done := make(chan struct{})
	var result map[string]any
	var execErr error
	go func() {
		defer close(done)
		result, execErr = svc.ExecuteTool(context.Background(), "user-1", "spawn_actor",
			map[string]any{"class": "Cube"}, time.Second)
	}()

	req := waitForRequest(t, ft)
	assert.Equal(t, "spawn_actor", req.String("tool_name"))

	svc.HandleFrame(conn, protocol.NewRequestFrame(protocol.EventToolResult, map[string]any{
		"result": map[string]any{"actor_id": "cube-1"},
	}, req.RequestID))

	<-done
	require.NoError(t, execErr)
	assert.Equal(t, "cube-1", result["actor_id"])

	status, _ := svc.Status("user-1")
	assert.Equal(t, 1, status.CommandsExecuted)
}

func TestExecuteTool_Preconditions(t *testing.T) {
	svc := newTestService(t, Config{})

	_, err := svc.ExecuteTool(context.Background(), "nobody", "tool", nil, time.Second)
	assert.ErrorIs(t, err, ErrAgentNotConnected)

	// Connected agent, but bridge down.
	ft := &fakeTransport{}
	_, err = svc.Authenticate(context.Background(), ft, "user-1:token-1")
	require.NoError(t, err)

	_, err = svc.ExecuteTool(context.Background(), "user-1", "tool", nil, time.Second)
	assert.ErrorIs(t, err, ErrBridgeNotConnected)
}

func TestExecuteTool_ToolError(t *testing.T) {
	svc := newTestService(t, Config{})
	conn, ft := connect(t, svc, "user-1")

	done := make(chan error, 1)
	go func() {
		_, err := svc.ExecuteTool(context.Background(), "user-1", "bad_tool", nil, time.Second)
		done <- err
	}()

	req := waitForRequest(t, ft)
	svc.HandleFrame(conn, protocol.NewRequestFrame(protocol.EventToolError, map[string]any{
		"error": "actor not found",
	}, req.RequestID))

	err := <-done
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "actor not found", toolErr.Message)
}

func TestExecuteTool_Timeout(t *testing.T) {
	svc := newTestService(t, Config{})
	connect(t, svc, "user-1")

	start := time.Now()
	_, err := svc.ExecuteTool(context.Background(), "user-1", "slow_tool", nil, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrCallTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestExecuteTool_TimeoutIndependence(t *testing.T) {
	svc := newTestService(t, Config{})
	conn, ft := connect(t, svc, "user-1")

	// A short call that will time out, alongside a longer call that gets its
	// reply. The timeout must affect only its own call.
	shortDone := make(chan error, 1)
	go func() {
		_, err := svc.ExecuteTool(context.Background(), "user-1", "short", nil, 30*time.Millisecond)
		shortDone <- err
	}()
	waitForRequests(t, ft, 1)

	longDone := make(chan error, 1)
	var longResult map[string]any
	go func() {
		var err error
		longResult, err = svc.ExecuteTool(context.Background(), "user-1", "long", nil, time.Second)
		longDone <- err
	}()
	reqs := waitForRequests(t, ft, 2)

	assert.ErrorIs(t, <-shortDone, ErrCallTimeout)

	var longReq *protocol.Frame
	for _, r := range reqs {
		if r.String("tool_name") == "long" {
			longReq = r
		}
	}
	require.NotNil(t, longReq)

	svc.HandleFrame(conn, protocol.NewRequestFrame(protocol.EventToolResult, map[string]any{
		"result": map[string]any{"ok": true},
	}, longReq.RequestID))

	require.NoError(t, <-longDone)
	assert.Equal(t, true, longResult["ok"])
}

func TestExecuteTool_PermutedReplies(t *testing.T) {
	svc := newTestService(t, Config{})
	conn, ft := connect(t, svc, "user-1")

	const n = 5
	type outcome struct {
		tool   string
		result map[string]any
		err    error
	}
	results := make(chan outcome, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		tool := fmt.Sprintf("tool-%d", i)
		go func() {
			defer wg.Done()
			res, err := svc.ExecuteTool(context.Background(), "user-1", tool, nil, time.Second)
			results <- outcome{tool: tool, result: res, err: err}
		}()
	}

	reqs := waitForRequests(t, ft, n)

	// Reply in reverse order of arrival; correlation must still hold.
	for i := len(reqs) - 1; i >= 0; i-- {
		svc.HandleFrame(conn, protocol.NewRequestFrame(protocol.EventToolResult, map[string]any{
			"result": map[string]any{"echo": reqs[i].String("tool_name")},
		}, reqs[i].RequestID))
	}

	wg.Wait()
	close(results)
	for out := range results {
		require.NoError(t, out.err)
		assert.Equal(t, out.tool, out.result["echo"],
			"each caller must receive the reply correlated to its own request")
	}
}

func TestHandleFrame_LateReplyDropped(t *testing.T) {
	svc := newTestService(t, Config{})
	conn, _ := connect(t, svc, "user-1")

	_, err := svc.ExecuteTool(context.Background(), "user-1", "slow", nil, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrCallTimeout)

	// The reply arrives after the waiter gave up. It must be dropped without
	// disturbing anything.
	svc.HandleFrame(conn, protocol.NewRequestFrame(protocol.EventToolResult, map[string]any{
		"result": map[string]any{"too": "late"},
	}, "stale-request-id"))

	assert.True(t, svc.Connected("user-1"))
}

func TestExecuteTool_SendFailureEvicts(t *testing.T) {
	svc := newTestService(t, Config{})
	_, ft := connect(t, svc, "user-1")

	ft.failSends(errors.New("broken pipe"))

	_, err := svc.ExecuteTool(context.Background(), "user-1", "tool", nil, time.Second)
	assert.ErrorIs(t, err, ErrAgentNotConnected)
	assert.False(t, svc.Connected("user-1"), "dead transport must be evicted immediately")
}

func TestExecuteTool_ContextCancel(t *testing.T) {
	svc := newTestService(t, Config{})
	connect(t, svc, "user-1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := svc.ExecuteTool(ctx, "user-1", "tool", nil, time.Minute)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestDisconnect_AbortsPendingCalls(t *testing.T) {
	svc := newTestService(t, Config{})
	conn, ft := connect(t, svc, "user-1")

	done := make(chan error, 1)
	go func() {
		_, err := svc.ExecuteTool(context.Background(), "user-1", "tool", nil, time.Minute)
		done <- err
	}()
	waitForRequest(t, ft)

	svc.Disconnect(conn, "connection lost")

	// The waiter fails immediately instead of running out its timeout.
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(time.Second):
		t.Fatal("pending call was not aborted on disconnect")
	}
}

func TestHeartbeatSweep_EvictsSilentConnections(t *testing.T) {
	svc := NewService(Config{
		HeartbeatInterval: 10 * time.Millisecond,
		ConnectionTimeout: 30 * time.Millisecond,
	}, &fakeGate{}, nil, slog.Default())
	svc.Start()
	defer svc.Stop()

	disconnected := make(chan string, 1)
	svc.OnDisconnect(func(conn *Connection, reason string) {
		select {
		case disconnected <- reason:
		default:
		}
	})

	ft := &fakeTransport{}
	_, err := svc.Authenticate(context.Background(), ft, "user-1:token-1")
	require.NoError(t, err)

	// Stay silent past the timeout.
	select {
	case reason := <-disconnected:
		assert.Equal(t, "timeout", reason)
	case <-time.After(time.Second):
		t.Fatal("silent connection was not evicted")
	}
	assert.False(t, svc.Connected("user-1"))
	assert.True(t, ft.isClosed())
}

func TestHeartbeatSweep_ProbesLiveConnections(t *testing.T) {
	svc := NewService(Config{
		HeartbeatInterval: 10 * time.Millisecond,
		ConnectionTimeout: 10 * time.Second,
	}, &fakeGate{}, nil, slog.Default())
	svc.Start()
	defer svc.Stop()

	ft := &fakeTransport{}
	_, err := svc.Authenticate(context.Background(), ft, "user-1:token-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(ft.sentOfType(protocol.EventHeartbeat)) >= 2
	}, time.Second, 5*time.Millisecond, "expected periodic heartbeat probes")
	assert.True(t, svc.Connected("user-1"))
}

// waitForRequest blocks until one execute_tool frame is on the transport.
func waitForRequest(t *testing.T, ft *fakeTransport) *protocol.Frame {
	t.Helper()
	return waitForRequests(t, ft, 1)[0]
}

// waitForRequests blocks until n execute_tool frames are on the transport.
func waitForRequests(t *testing.T, ft *fakeTransport, n int) []*protocol.Frame {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		reqs := ft.sentOfType(protocol.EventExecuteTool)
		if len(reqs) >= n {
			return reqs
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d execute_tool frames", n)
	return nil
}
