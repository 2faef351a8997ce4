// ABOUTME: WebSocket transport wrapper with buffered writes and framed reads
// ABOUTME: Send never blocks on a slow peer; a full buffer counts as a dead connection

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/forge3d/studio-relay/internal/protocol"
)

// ErrClosed is returned by Send after the connection has been closed.
var ErrClosed = errors.New("transport closed")

// ErrSendBufferFull is returned when the outbound buffer is saturated. A peer
// that cannot drain its buffer is treated as dead by the callers.
var ErrSendBufferFull = errors.New("send buffer full")

const (
	sendBufferSize = 64
	writeTimeout   = 10 * time.Second
)

// Conn wraps a websocket connection with a write pump so that Send is safe
// for concurrent use and never blocks behind a slow network write.
type Conn struct {
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// NewConn starts the write pump for the given websocket connection.
func NewConn(ws *websocket.Conn, logger *slog.Logger) *Conn {
	c := &Conn{
		ws:     ws,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	go c.writePump()
	return c
}

// Send queues a frame for delivery. It fails fast when the connection is
// closed or the outbound buffer is full.
func (c *Conn) Send(f *protocol.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrSendBufferFull
	}
}

// ReadFrame blocks until the next frame arrives or the context is done.
// Only the owning read loop may call it.
func (c *Conn) ReadFrame(ctx context.Context) (*protocol.Frame, error) {
	typ, r, err := c.ws.Reader(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading frame: %w", err)
	}
	if typ != websocket.MessageText && typ != websocket.MessageBinary {
		return nil, fmt.Errorf("unexpected message type %v", typ)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading frame body: %w", err)
	}
	return protocol.Decode(data)
}

// Close shuts the connection down. Safe to call more than once; later calls
// are no-ops.
func (c *Conn) Close(reason string) error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.ws.Close(websocket.StatusNormalClosure, reason)
	})
	return err
}

func (c *Conn) writePump() {
	for {
		select {
		case data := <-c.send:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.ws.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.logger.Debug("write failed, closing transport", "error", err)
				_ = c.Close("write failed")
				return
			}
		case <-c.done:
			return
		}
	}
}
