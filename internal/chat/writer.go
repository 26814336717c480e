package chat

import (
	"bufio"
	"log/slog"
	"time"
)

const writeTimeout = 10 * time.Second

// StartOutboundWriter drains c.Out onto the connection. When Out is closed
// (or a write fails) it closes the connection, which also ends the session's
// read loop, and then closes c.Done().
func StartOutboundWriter(c *Client, logger *slog.Logger) {
	go func() {
		defer close(c.done)
		defer c.Conn.Close()

		w := bufio.NewWriter(c.Conn)
		for frame := range c.Out {
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := w.Write(frame); err != nil {
				logger.Debug("write failed", "remote", c.Conn.RemoteAddr().String(), "error", err)
				return
			}
			// Batch whatever is already queued into one flush.
			if len(c.Out) > 0 {
				continue
			}
			if err := w.Flush(); err != nil {
				logger.Debug("flush failed", "remote", c.Conn.RemoteAddr().String(), "error", err)
				return
			}
		}
		_ = w.Flush()
	}()
}

// sendFrame queues frame without blocking. A full queue drops the frame for
// this client only.
func sendFrame(c *Client, frame []byte) bool {
	select {
	case c.Out <- frame:
		return true
	default:
		DroppedDeliveries.Inc()
		return false
	}
}

// sendFinal queues the last frame a client will get before its queue is
// closed. Unlike sendFrame it waits for room until done is closed.
func sendFinal(c *Client, frame []byte, done <-chan struct{}) bool {
	select {
	case c.Out <- frame:
		return true
	default:
	}
	select {
	case c.Out <- frame:
		return true
	case <-done:
		DroppedDeliveries.Inc()
		return false
	}
}
