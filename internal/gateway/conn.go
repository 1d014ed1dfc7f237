package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/signlink/signlink-relay/internal/metrics"
	"github.com/signlink/signlink-relay/internal/signaling"
)

const writeWait = 1 * time.Second

var (
	ErrConnClosed    = errors.New("gateway: connection closed")
	ErrSendQueueFull = errors.New("gateway: send queue full")
)

// conn is one live WebSocket client. It satisfies registry.Channel; Send may
// be called from any goroutine and only the writer goroutine touches the
// socket for data frames.
type conn struct {
	id  string
	srv *Server
	ws  *websocket.Conn
	out *outbox

	// identity is the primary identity this connection claims. It is only
	// registered once serve has accepted it.
	identity string

	ctx    context.Context
	cancel context.CancelFunc

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func newConn(srv *Server, ws *websocket.Conn, identity string) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		id:       uuid.NewString(),
		srv:      srv,
		ws:       ws,
		out:      newOutbox(srv.sendQueueBytes),
		identity: identity,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func (c *conn) ID() string { return c.id }

func (c *conn) Closed() bool { return c.closed.Load() }

func (c *conn) Send(msg []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	if !c.out.push(msg) {
		if c.closed.Load() {
			return ErrConnClosed
		}
		c.srv.metrics.Inc(metrics.WSSendQueueFull)
		return ErrSendQueueFull
	}
	return nil
}

func (c *conn) writeLoop() {
	defer close(c.done)
	for {
		msg, ok := c.out.pop()
		if !ok {
			return
		}
		if err := c.write(msg); err != nil {
			c.shutdown()
			return
		}
	}
}

func (c *conn) write(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

func (c *conn) pingLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// fail writes an error event straight to the socket, bypassing the outbox,
// and then starts the close handshake.
func (c *conn) fail(e *signaling.ProtocolError, closeCode int, reason string) {
	_ = c.write(signaling.EncodeError(e))
	c.closeWith(closeCode, reason)
}

func (c *conn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}

// shutdown unregisters the connection, tells remaining peers which
// identities left, and releases the socket. Safe to call more than once.
func (c *conn) shutdown() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()

		left := c.srv.reg.Remove(c)
		for _, id := range left {
			c.srv.broadcast(c, signaling.EncodeEvent(signaling.Event{Type: signaling.KindUserLeft, ID: id}))
		}

		c.out.close()
		_ = c.ws.Close()
		c.srv.untrack(c)

		c.srv.metrics.Inc(metrics.WSDisconnected)
		c.srv.log.Info("ws_disconnected", "conn", c.id, "identity", c.identity, "identities_released", len(left))
	})
}
