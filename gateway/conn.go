package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/chatfanout/event"
	"github.com/gorilla/websocket"
)

// conn is one WebSocket client. The write pump is the only writer of data
// frames and of the closing handshake; pings go through WriteControl.
type conn struct {
	id       string
	ws       *websocket.Conn
	authUser string // empty when the gateway runs without an authenticator
	out      chan []byte
	done     chan struct{}
	log      *slog.Logger

	writeWait    time.Duration
	pingInterval time.Duration

	closeOnce   sync.Once
	closeCode   int // 0 tears the socket down without a close frame
	closeReason string
	teardown    sync.Once
}

func newConn(id string, ws *websocket.Conn, authUser string, buffer int, log *slog.Logger, writeWait, pingInterval time.Duration) *conn {
	return &conn{
		id:           id,
		ws:           ws,
		authUser:     authUser,
		out:          make(chan []byte, buffer),
		done:         make(chan struct{}),
		log:          log,
		writeWait:    writeWait,
		pingInterval: pingInterval,
	}
}

func (c *conn) ID() string { return c.id }

// Send queues a broadcast for the client without blocking. A client that
// cannot keep up is disconnected rather than allowed to stall the room.
func (c *conn) Send(ctx context.Context, env event.Envelope) error {
	b, err := encodeEvent(env)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, b)
}

func (c *conn) enqueue(ctx context.Context, b []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.out <- b:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		c.log.WarnContext(ctx, "ws.conn.slow", slog.Int("queued", len(c.out)))
		c.close(websocket.ClosePolicyViolation, "outbound queue full")
		return ErrSlowConsumer
	}
}

// close marks the connection closed with the given close code. It never
// touches the network: the write pump sends the close frame and releases
// the socket once it observes done. Only the first call takes effect.
func (c *conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode, c.closeReason = code, reason
		close(c.done)
	})
}

// closeNow is close followed by the teardown, for connections that never
// started a write pump.
func (c *conn) closeNow(code int, reason string) {
	c.close(code, reason)
	c.shutdown()
}

// shutdown sends the close frame recorded by close, best effort, and
// releases the socket.
func (c *conn) shutdown() {
	c.teardown.Do(func() {
		if c.closeCode != 0 {
			msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeWait))
		}
		_ = c.ws.Close()
	})
}

// writePump drains the outbound queue and keeps the peer alive with pings.
// It owns the teardown of the socket.
func (c *conn) writePump(ctx context.Context) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	defer c.shutdown()
	for {
		select {
		case <-c.done:
			return
		case b := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				c.log.DebugContext(ctx, "ws.write.fail", slog.String("err", err.Error()))
				c.close(0, "")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait)); err != nil {
				c.log.DebugContext(ctx, "ws.ping.fail", slog.String("err", err.Error()))
				c.close(0, "")
				return
			}
		}
	}
}
