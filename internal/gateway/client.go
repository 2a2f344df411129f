package gateway

import (
	"errors"
	"sync"
	"time"

	"tradewire/internal/constants"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = constants.DefaultWriteWaitSec * time.Second
	pongWait       = constants.DefaultPongWaitSec * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = constants.DefaultMaxInboundBytes
)

var errSendBufferFull = errors.New("send buffer full")

// Client is one authenticated websocket channel. A single writer goroutine
// drains the send buffer, which gives per-connection FIFO delivery.
type Client struct {
	connID string
	userID string
	conn   *websocket.Conn
	send   chan []byte
	gw     *Gateway
	logger *logrus.Entry

	closeOnce sync.Once
	closed    chan struct{}
}

func newClient(gw *Gateway, conn *websocket.Conn, connID, userID string) *Client {
	return &Client{
		connID: connID,
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, constants.DefaultSendBufferSize),
		gw:     gw,
		logger: gw.logger.WithFields(logrus.Fields{"conn_id": connID, "user_id": userID}),
		closed: make(chan struct{}),
	}
}

func (c *Client) ConnID() string { return c.connID }
func (c *Client) UserID() string { return c.userID }

// Push queues a frame for delivery without blocking. A full buffer means the
// client is too slow; the frame is dropped and the error lets the caller
// count it.
func (c *Client) Push(payload []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return errSendBufferFull
	}
}

// Close tears the channel down. Safe to call from any goroutine, repeatedly.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
	return nil
}

// readPump reads inbound frames and dispatches them until the connection
// dies, then deregisters.
func (c *Client) readPump() {
	defer func() {
		c.gw.disconnect(c)
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		c.gw.registry.Heartbeat(c.connID)
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).Debug("Channel read error")
			}
			return
		}
		c.gw.dispatch(c, data)
	}
}

// writePump is the single writer: it drains the send buffer and keeps the
// connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.closed:
			return
		case payload := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
