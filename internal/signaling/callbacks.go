package signaling

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/econn/internal/econn"
	"github.com/dkeye/econn/internal/registry"
)

// notifyFrame is pushed to the owning client's own socket so its UI can
// react to state changes the core core raised, independent of whatever
// raw protocol bytes were relayed to the peer.
type notifyFrame struct {
	Kind  string `json:"kind"`
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// uiCallbacks implements econn.Callbacks for a server-managed call: one
// where the caller only speaks REST/JSON and never sees an econn wire
// message, so every state change is translated into a notifyFrame and
// pushed to the owner's own WebSocket instead.
type uiCallbacks struct {
	hub  *Hub
	self registry.Key
}

func newUICallbacks(hub *Hub, self registry.Key) *uiCallbacks {
	return &uiCallbacks{hub: hub, self: self}
}

func (c *uiCallbacks) push(event string, data any) {
	s, ok := c.hub.Get(c.self)
	if !ok {
		log.Warn().Str("module", "signaling.callbacks").Str("user", c.self.UserID).Msg("owner disconnected, dropping notification")
		return
	}
	b, err := json.Marshal(notifyFrame{Kind: "notify", Event: event, Data: data})
	if err != nil {
		log.Error().Err(err).Str("module", "signaling.callbacks").Msg("marshal notify frame")
		return
	}
	if err := s.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "signaling.callbacks").Msg("push notify frame")
	}
}

func (c *uiCallbacks) OnConnect(conn *econn.Connection, t time.Time, userIDSender, clientIDSender string, age time.Duration, sdp string, props econn.Props) {
	c.push("connect", map[string]any{
		"from_user":   userIDSender,
		"from_client": clientIDSender,
		"age_ms":      age.Milliseconds(),
		"sdp":         sdp,
		"props":       props,
	})
}

func (c *uiCallbacks) OnAnswer(conn *econn.Connection, fromConflict bool, sdp string, props econn.Props) {
	c.push("answer", map[string]any{
		"from_conflict": fromConflict,
		"sdp":           sdp,
		"props":         props,
	})
}

func (c *uiCallbacks) OnUpdateReq(conn *econn.Connection, userIDSender, clientIDSender string, sdp string, props econn.Props, shouldReset bool) {
	c.push("update_req", map[string]any{
		"from_user":    userIDSender,
		"from_client":  clientIDSender,
		"sdp":          sdp,
		"props":        props,
		"should_reset": shouldReset,
	})
}

func (c *uiCallbacks) OnUpdateResp(conn *econn.Connection, sdp string, props econn.Props) {
	c.push("update_resp", map[string]any{"sdp": sdp, "props": props})
}

func (c *uiCallbacks) OnClose(conn *econn.Connection, err error) {
	var errMsg string
	if err != nil {
		errMsg = err.Error()
	}
	c.push("close", map[string]any{"error": errMsg})
}
