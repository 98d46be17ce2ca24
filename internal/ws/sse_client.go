package ws

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// SSEClient streams Server-Sent Events over an HTTP response writer. Send
// only queues; the handler goroutine writes inside Serve.
type SSEClient struct {
	mu      sync.Mutex
	writer  io.Writer
	flusher http.Flusher
	log     *slog.Logger
	closed  bool
	last    time.Time
	out     chan []byte
	done    chan struct{}
}

// NewSSEClient builds an SSE client instance.
func NewSSEClient(writer io.Writer, flusher http.Flusher, logger *slog.Logger) *SSEClient {
	return &SSEClient{
		writer:  writer,
		flusher: flusher,
		log:     logger,
		last:    time.Now().UTC(),
		out:     make(chan []byte, sendBacklog),
		done:    make(chan struct{}),
	}
}

// Send queues a change event for the stream.
func (c *SSEClient) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	select {
	case c.out <- payload:
		return nil
	default:
		c.log.Warn("sse client too slow, disconnecting")
		return ErrSlowConsumer
	}
}

// Serve writes queued events and periodic heartbeats until ctx is done or
// the client is closed.
func (c *SSEClient) Serve(ctx context.Context, heartbeat time.Duration) {
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Close()
			return
		case <-c.done:
			return
		case payload := <-c.out:
			if err := c.write("event: change\ndata: %s\n\n", payload); err != nil {
				c.log.Warn("sse send failed", "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(": ping\n\n"); err != nil {
				c.log.Warn("sse heartbeat failed", "error", err)
				c.Close()
				return
			}
		}
	}
}

func (c *SSEClient) write(format string, args ...any) error {
	if _, err := fmt.Fprintf(c.writer, format, args...); err != nil {
		return err
	}
	c.flusher.Flush()
	c.mu.Lock()
	c.last = time.Now().UTC()
	c.mu.Unlock()
	return nil
}

// Close marks the stream as closed.
func (c *SSEClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

// LastActivity reports the timestamp of the most recent successful write.
func (c *SSEClient) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
