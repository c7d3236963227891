// Package wsconn adapts a gorilla/websocket connection to the
// registry.Transport interface, generalizing the teacher's
// ClientConnection (cmd/gameserver/main.go: readPump/writePump/Send/Close)
// from a binary protocol to the text JSON envelopes this server speaks.
package wsconn

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arenabroker/server/internal/config"
)

// FrameHandler is invoked for every inbound text frame.
type FrameHandler func(data []byte)

// AliveHandler is invoked whenever the peer proves liveness at the
// transport level (a pong answering our ping), so the registry's
// aliveFlag can be set back to true (§5).
type AliveHandler func()

// CloseHandler is invoked once when the connection is torn down, from
// whichever goroutine discovers the closure first.
type CloseHandler func()

// Conn wraps a *websocket.Conn with buffered async sends, exactly the
// shape of the teacher's ClientConnection.
type Conn struct {
	ws        *websocket.Conn
	sendChan  chan []byte
	pingChan  chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	onFrame FrameHandler
	onAlive AliveHandler
	onClose CloseHandler
}

// New wraps ws and starts its read/write pumps. onFrame is called for each
// inbound text message; onAlive is called on every pong; onClose is called
// exactly once when the connection terminates for any reason.
func New(ws *websocket.Conn, onFrame FrameHandler, onAlive AliveHandler, onClose CloseHandler) *Conn {
	c := &Conn{
		ws:       ws,
		sendChan: make(chan []byte, config.SendQueueCapacity),
		pingChan: make(chan struct{}, 1),
		done:     make(chan struct{}),
		onFrame:  onFrame,
		onAlive:  onAlive,
		onClose:  onClose,
	}

	go c.writePump()
	go c.readPump()

	return c
}

// Ping requests that writePump send a transport-level ping frame. The
// actual write happens on writePump's goroutine, the sole writer to ws, so
// a caller on any other goroutine (the heartbeat sweep) never races with
// an in-flight application send.
func (c *Conn) Ping() error {
	select {
	case c.pingChan <- struct{}{}:
		return nil
	case <-c.done:
		return nil
	default:
		// A ping is already pending delivery; coalescing is harmless.
		return nil
	}
}

// Send enqueues data for delivery. Non-blocking: drops the frame if the
// buffer is full, matching the teacher's Send semantics.
func (c *Conn) Send(data []byte) bool {
	select {
	case c.sendChan <- data:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// IsOpen reports whether the connection has not yet been closed.
func (c *Conn) IsOpen() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Close shuts the connection down, sending the given WebSocket close
// code/reason if the socket is still open. Safe to call multiple times.
func (c *Conn) Close(code int, reason string) error {
	c.teardown()

	deadline := time.Now().Add(config.WriteWait)
	closeMsg := websocket.FormatCloseMessage(code, reason)
	// WriteControl may run concurrently with writePump's WriteMessage.
	c.ws.WriteControl(websocket.CloseMessage, closeMsg, deadline)
	return c.ws.Close()
}

// RemoteAddr returns the peer's network address for logging.
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// writePump delivers queued frames and pings requested via Ping, mirroring
// the teacher's writePump. It is the only goroutine that ever calls
// ws.WriteMessage, so the registry-driven heartbeat sweep (which calls
// Ping from a different goroutine) can never race with an application
// send.
func (c *Conn) writePump() {
	for {
		select {
		case <-c.done:
			return

		case message := <-c.sendChan:
			c.ws.SetWriteDeadline(time.Now().Add(config.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.teardown()
				return
			}

		case <-c.pingChan:
			c.ws.SetWriteDeadline(time.Now().Add(config.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.teardown()
				return
			}
		}
	}
}

// readPump receives frames and dispatches them to onFrame, mirroring the
// teacher's readPump. Pongs and every inbound frame (application heartbeats
// included) extend the read deadline; liveness beyond that is the
// registry's job (§4.2/§5).
func (c *Conn) readPump() {
	defer c.teardown()

	c.ws.SetReadLimit(config.MaxMessageBytes)
	c.ws.SetReadDeadline(time.Now().Add(config.StaleConnectionAge))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(config.StaleConnectionAge))
		if c.onAlive != nil {
			c.onAlive()
		}
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[wsconn] read error from %s: %v", c.RemoteAddr(), err)
			}
			return
		}

		c.ws.SetReadDeadline(time.Now().Add(config.StaleConnectionAge))
		c.onFrame(message)
	}
}

// teardown runs onClose exactly once and releases the done channel so
// concurrent Send/IsOpen callers observe the closed state immediately.
func (c *Conn) teardown() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.onClose != nil {
			c.onClose()
		}
	})
}
