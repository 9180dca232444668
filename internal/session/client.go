package session

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"coedit/server/internal/protocol"
)

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
)

// Client is one connected editor session. The registry owns it; documents
// hold it only through the doc.Session interface.
type Client struct {
	reg  *Registry
	conn *websocket.Conn
	id   string
	send chan *protocol.Message
	done chan struct{}

	// kill asks the write pump to flush queued messages and close the
	// connection; reason is set before kill is closed.
	kill   chan struct{}
	reason string

	mu    sync.Mutex
	docID string

	alive  atomic.Bool
	closed sync.Once
}

func (c *Client) ID() string { return c.id }

// Send queues a message for the write pump without blocking. False means the
// client's buffer is full or the client is gone; the caller should treat the
// session as dead (the registry will reap it).
func (c *Client) Send(msg *protocol.Message) bool {
	select {
	case <-c.done:
		return false
	case <-c.kill:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.Terminate("send buffer overflow")
		return false
	}
}

// Terminate closes the session: the write pump flushes anything already
// queued, sends a close frame, and closes the connection, whose read error
// then runs the normal detach cleanup.
func (c *Client) Terminate(reason string) {
	c.closed.Do(func() {
		log.Printf("session %s: terminating: %s", c.id, reason)
		c.reason = reason
		close(c.kill)
	})
}

// JoinedDoc returns the document this session is attached to, or "".
func (c *Client) JoinedDoc() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.docID
}

func (c *Client) setJoined(docID string) {
	c.mu.Lock()
	c.docID = docID
	c.mu.Unlock()
}

// readPump reads protocol messages until the connection drops, then runs the
// single cleanup path: detach from any joined document and deregister.
func (c *Client) readPump() {
	defer func() {
		c.reg.remove(c)
		close(c.done)
		c.conn.Close()
	}()
	c.conn.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})
	for {
		var msg protocol.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("session %s: read: %v", c.id, err)
			}
			return
		}
		c.alive.Store(true)
		c.reg.dispatch(c, &msg)
	}
}

// writePump drains the send queue. In-flight sends to a disconnected session
// are abandoned here without rollback; merged state is already durable and
// resync absorbs redelivery.
func (c *Client) writePump() {
	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.conn.Close()
				return
			}
		case <-c.kill:
			c.flushAndClose()
			return
		case <-c.done:
			return
		}
	}
}

// flushAndClose writes out whatever is still queued, then the close frame,
// then closes the connection.
func (c *Client) flushAndClose() {
	defer c.conn.Close()
	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		default:
			deadline := time.Now().Add(time.Second)
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, c.reason), deadline)
			return
		}
	}
}

// ping sends a liveness probe. WriteControl is safe to use concurrently with
// the write pump.
func (c *Client) ping() {
	deadline := time.Now().Add(writeTimeout)
	if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		c.Terminate("ping failed")
	}
}
