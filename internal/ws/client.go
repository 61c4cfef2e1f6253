package ws

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"agentpulse/internal/logging"
)

const (
	defaultWriteWait = 5 * time.Second
	pongWait         = 60 * time.Second
	maxMessageSize   = 1 << 20
)

// Client wraps a websocket connection as a hub observer. Writes are
// serialized because gorilla connections allow a single concurrent writer.
type Client struct {
	id   string
	conn *websocket.Conn
	log  *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
		log:  logger,
		done: make(chan struct{}),
	}
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Send writes one text frame, bounded by the context deadline.
func (c *Client) Send(ctx context.Context, payload []byte) error {
	return c.write(ctx, websocket.TextMessage, payload)
}

func (c *Client) write(ctx context.Context, messageType int, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteWait)
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(messageType, payload); err != nil {
		c.log.Warn("websocket send failed", "client", c.id, "error", err)
		return err
	}
	return nil
}

// Close terminates the connection. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// ReadLoop delivers inbound frames to handle until the connection fails or
// is closed. Pong frames extend the read deadline.
func (c *Client) ReadLoop(handle func([]byte)) error {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		handle(data)
	}
}

// PingLoop sends pings every interval until the client closes.
func (c *Client) PingLoop(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), defaultWriteWait)
			err := c.write(ctx, websocket.PingMessage, nil)
			cancel()
			if err != nil {
				c.Close()
				return
			}
		}
	}
}
