package signaling

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeTimeout = 5 * time.Second

// wsConn adapts a *websocket.Conn to Sender, the same interface an
// in-process responder satisfies, so the Hub doesn't care which kind of
// peer it's routing to.
type wsConn struct {
	raw  *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func newWSConn(raw *websocket.Conn) *wsConn {
	return &wsConn{raw: raw, send: make(chan []byte, 32)}
}

func (c *wsConn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.raw.Close()
}

func (c *wsConn) writePump() {
	for b := range c.send {
		if err := c.raw.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			log.Error().Err(err).Str("module", "signaling.conn").Msg("set write deadline")
			return
		}
		if err := c.raw.WriteMessage(websocket.TextMessage, b); err != nil {
			log.Error().Err(err).Str("module", "signaling.conn").Msg("write error")
			return
		}
	}
}
