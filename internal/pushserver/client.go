package pushserver

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type client struct {
	id     string
	remote string
	conn   *websocket.Conn
	send   chan []byte
	server *Server

	closeOnce sync.Once
	done      chan struct{}
}

func (c *client) enqueue(msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.enqueueRaw(payload)
}

// enqueueRaw drops the client when its buffer is full.
func (c *client) enqueueRaw(payload []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- payload:
	default:
		c.server.logger.Warn("push client too slow, dropping", "client", c.id)
		c.close(websocket.ClosePolicyViolation, "too slow")
	}
}

func (c *client) close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.conn.Close()
		c.server.remove(c)
	})
}

func (c *client) extendDeadline() {
	if idle := c.server.idle; idle > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(idle))
	}
}

func (c *client) readPump(ctx context.Context) {
	defer c.close(websocket.CloseNormalClosure, "")
	c.conn.SetReadLimit(maxMessageSize)
	c.extendDeadline()
	c.conn.SetPingHandler(func(data string) error {
		c.extendDeadline()
		return c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	c.conn.SetPongHandler(func(string) error {
		c.extendDeadline()
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.server.logger.Debug("push client read ended", "client", c.id, "err", err)
			}
			return
		}
		c.extendDeadline()

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.enqueue(Message{Type: TypeError, Error: "malformed message"})
			continue
		}
		switch msg.Type {
		case TypePing:
			c.enqueue(Message{Type: TypePong})
		case TypeProgress:
			c.server.saveProgress(ctx, c, msg)
		default:
			c.enqueue(Message{Type: TypeError, Error: "unknown message type " + msg.Type})
		}
	}
}

func (c *client) writePump(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			c.close(websocket.CloseGoingAway, "server stopping")
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.close(websocket.CloseInternalServerErr, "write failed")
				return
			}
		}
	}
}
