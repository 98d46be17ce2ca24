package ws

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait   = 10 * time.Second
	sendBacklog = 32
)

// ErrSlowConsumer is returned by Send when the client's backlog is full.
var ErrSlowConsumer = errors.New("ws: client backlog full")

// Client represents a websocket client connection. Writes happen on a
// dedicated goroutine so a slow peer never blocks the hub.
type Client struct {
	conn      *websocket.Conn
	log       *slog.Logger
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a client wrapper and starts its writer.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	c := &Client{
		conn: conn,
		log:  logger,
		out:  make(chan []byte, sendBacklog),
		done: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// Send queues a message for the websocket connection.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.out <- payload:
		return nil
	default:
		c.log.Warn("websocket client too slow, disconnecting")
		return ErrSlowConsumer
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Warn("websocket send failed", "error", err)
				c.Close()
				return
			}
		}
	}
}

// Close terminates the connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Done is closed once the client has been closed.
func (c *Client) Done() <-chan struct{} { return c.done }
