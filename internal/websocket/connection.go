package websocket

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"litepost/pkg/interfaces"
	"litepost/pkg/types"
)

const (
	// DefaultSendQueue bounds the frames waiting for one client.
	DefaultSendQueue = 64
	// DefaultWriteTimeout bounds one socket write.
	DefaultWriteTimeout = 10 * time.Second
)

// Connection implements the interfaces.Connection interface
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized to prevent race conditions,
// so every frame goes through one bounded queue drained by one writer goroutine
type Connection struct {
	id           string
	conn         *websocket.Conn
	principal    *types.Principal // nil when the handshake carried no valid token
	writeCh      chan []byte
	writeTimeout time.Duration
	connectedAt  time.Time
	lastSeen     atomic.Int64 // unix nanos of the last inbound frame or pong
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
}

var _ interfaces.Connection = (*Connection)(nil)

// NewConnection wraps an upgraded socket and starts its writer.
func NewConnection(conn *websocket.Conn, principal *types.Principal, sendQueue int, writeTimeout time.Duration) *Connection {
	c := newConnection(conn, principal, sendQueue, writeTimeout)
	go c.writeLoop()
	return c
}

func newConnection(conn *websocket.Conn, principal *types.Principal, sendQueue int, writeTimeout time.Duration) *Connection {
	if sendQueue <= 0 {
		sendQueue = DefaultSendQueue
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:           uuid.NewString(),
		conn:         conn,
		principal:    principal,
		writeCh:      make(chan []byte, sendQueue),
		writeTimeout: writeTimeout,
		connectedAt:  time.Now(),
		ctx:          ctx,
		cancel:       cancel,
	}
	c.Touch()
	return c
}

// writeLoop is the only goroutine that writes data frames to the socket.
// The channel is never closed; Send checks ctx instead, so a late Send cannot panic.
func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) Principal() *types.Principal {
	return c.principal
}

// Send queues a frame without blocking.
func (c *Connection) Send(frame []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeCh <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// WriteJSON encodes an envelope and queues it.
func (c *Connection) WriteJSON(event string, data any) error {
	frame, err := types.EncodeFrame(event, data)
	if err != nil {
		return ErrInvalidJSON
	}
	return c.Send(frame)
}

// Close cancels the writer and closes the socket. Safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// Context is cancelled when the connection closes.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// Touch records liveness.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the last inbound frame or pong.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// ConnectedAt returns the handshake time.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}
