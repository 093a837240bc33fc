package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"fleet-tracker/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const maxMessageSize = 64 * 1024

var clientIDCounter atomic.Uint64

// Client is one connected websocket peer
type Client struct {
	id   uint64
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:   clientIDCounter.Add(1),
		hub:  hub,
		conn: conn,
		send: make(chan []byte, 256),
	}
}

// ID returns the unique id of the client
func (c *Client) ID() uint64 {
	return c.id
}

// enqueue hands a frame to the write pump. A client whose buffer is full is
// too slow to keep and gets dropped.
func (c *Client) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	pongWait := c.hub.pongWait()
	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Error().Err(err).Msg("[RELAY] Failed to set read deadline")
		return
	}
	// a peer that misses a heartbeat is terminated by the read deadline
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Uint64("client_id", c.id).Msg("[RELAY] Unexpected close")
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			log.Debug().Err(err).Uint64("client_id", c.id).Msg("[RELAY] Ignoring message")
			continue
		}
		c.hub.handle(c, msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debug().Err(err).Uint64("client_id", c.id).Msg("[RELAY] Write failed")
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
