package signaling

import (
	"github.com/dkeye/econn/internal/econn"
	"github.com/dkeye/econn/internal/registry"
)

// wsTransport implements econn.Transport by routing every encoded message
// through the Hub to whichever peer this call is currently directed at.
type wsTransport struct {
	hub  *Hub
	self registry.Key
	peer registry.Key
}

func newWSTransport(hub *Hub, self, peer registry.Key) *wsTransport {
	return &wsTransport{hub: hub, self: self, peer: peer}
}

func (t *wsTransport) Send(msg *econn.Message) error {
	data, err := econn.Encode(msg)
	if err != nil {
		return err
	}
	return t.hub.Route(t.peer, t.self, []byte(data))
}
