package hub

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	// sendBuffer bounds how far a slow client may fall behind before the hub
	// treats it as dead. Broadcast never blocks on this buffer.
	sendBuffer = 64
)

// Client is one staff websocket connection, tagged with its tenant and a
// client-type label (kitchen display, waiter app, admin console).
type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	BusinessId string
	ClientType string

	send       chan []byte
	done       chan struct{}
	lastActive atomic.Int64
	closeOnce  sync.Once
}

func newClient(h *Hub, conn *websocket.Conn, businessId string, clientType string) *Client {
	c := &Client{
		hub:        h,
		conn:       conn,
		BusinessId: businessId,
		ClientType: clientType,
		send:       make(chan []byte, sendBuffer),
		done:       make(chan struct{}),
	}
	c.touch()
	return c
}

func (c *Client) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

func (c *Client) lastActiveAt() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// trySend queues a message without ever blocking. A full buffer means the
// client stopped draining; the caller must treat that as connection death.
func (c *Client) trySend(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// close is idempotent. The send channel is never closed so that concurrent
// broadcasts cannot panic; writePump exits via done instead.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

type inboundMessage struct {
	Type string `json:"type"`
}

// readPump consumes client messages. pong/heartbeat refreshes the liveness
// timestamp; anything unreadable ends the connection.
func (c *Client) readPump() {
	defer c.hub.Unregister(c.BusinessId, c)
	c.conn.SetReadLimit(4096)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			// Bare "pong"/"heartbeat" text frames count too.
			msg.Type = strings.TrimSpace(string(raw))
		}
		switch strings.ToLower(msg.Type) {
		case "pong", "heartbeat":
			c.touch()
		}
	}
}

// writePump is the only writer on the connection.
func (c *Client) writePump() {
	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.Unregister(c.BusinessId, c)
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
