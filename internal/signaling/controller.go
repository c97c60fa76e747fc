package signaling

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/econn/internal/registry"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// outboundEnvelope is what a connected client sends to address a frame at
// a peer. Body is an opaque econn wire message; the relay never parses it.
type outboundEnvelope struct {
	To   registry.Key    `json:"to"`
	Body json.RawMessage `json:"body"`
}

// Controller upgrades WebSocket connections and relays frames between
// whatever econn endpoints are bound into the Hub.
type Controller struct {
	hub *Hub
}

func NewController(hub *Hub) *Controller {
	return &Controller{hub: hub}
}

func (ctl *Controller) HandleSignal(c *gin.Context) {
	self := registry.Key{
		UserID:   c.GetString("user_id"),
		ClientID: c.GetString("client_id"),
	}

	raw, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signaling.controller").Msg("upgrade failed")
		return
	}

	conn := newWSConn(raw)
	ctl.hub.Bind(self, conn)

	go conn.writePump()
	go ctl.readPump(self, conn)
}

func (ctl *Controller) readPump(self registry.Key, conn *wsConn) {
	defer func() {
		ctl.hub.Unbind(self)
		conn.Close()
	}()

	for {
		_, data, err := conn.raw.ReadMessage()
		if err != nil {
			log.Info().Err(err).Str("module", "signaling.controller").Str("user", self.UserID).Msg("read pump closing")
			return
		}

		var env outboundEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Err(err).Str("module", "signaling.controller").Msg("bad envelope")
			continue
		}

		if err := ctl.hub.Route(env.To, self, env.Body); err != nil {
			log.Warn().Err(err).Str("module", "signaling.controller").Str("to_user", env.To.UserID).Msg("route failed")
		}
	}
}
