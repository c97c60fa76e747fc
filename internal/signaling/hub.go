// Package signaling is the transport layer econn.Connection is bound
// through: a thin WebSocket relay keyed by (userID, clientID). It never
// inspects econn wire bytes on the wire between two real clients — per
// spec, the transport is out of scope for the core and "identity is
// trusted from the transport" — so every routed frame is stamped with the
// sender's identity as verified by IdentityMiddleware before being handed
// to the destination.
package signaling

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/econn/internal/registry"
)

var ErrBackpressure = errors.New("backpressure")
var ErrPeerNotConnected = errors.New("peer not connected")

// Sender is anything the hub can deliver a routed frame to: a live
// WebSocket connection, or an in-process responder.
type Sender interface {
	TrySend(b []byte) error
}

// routedEnvelope is the only structure the relay itself understands. Body
// carries an opaque econn wire message, untouched. Kind distinguishes a
// relayed protocol frame ("econn") from an owning-client UI notification
// ("notify"), which a client-side reader demultiplexes on.
type routedEnvelope struct {
	Kind string          `json:"kind"`
	From registry.Key    `json:"from"`
	Body json.RawMessage `json:"body"`
}

// Hub tracks every connected Sender by identity and relays frames between
// them, stamping the verified sender identity on each.
type Hub struct {
	mu    sync.RWMutex
	peers map[registry.Key]Sender
}

func NewHub() *Hub {
	return &Hub{peers: make(map[registry.Key]Sender)}
}

func (h *Hub) Bind(key registry.Key, s Sender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[key] = s
	log.Info().Str("module", "signaling.hub").Str("user", key.UserID).Str("client", key.ClientID).Msg("bound")
}

func (h *Hub) Unbind(key registry.Key) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, key)
	log.Info().Str("module", "signaling.hub").Str("user", key.UserID).Str("client", key.ClientID).Msg("unbound")
}

func (h *Hub) Get(key registry.Key) (Sender, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.peers[key]
	return s, ok
}

// Route stamps body with from and delivers it to to's Sender.
func (h *Hub) Route(to, from registry.Key, body []byte) error {
	dst, ok := h.Get(to)
	if !ok {
		return ErrPeerNotConnected
	}
	env := routedEnvelope{Kind: "econn", From: from, Body: body}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return dst.TrySend(b)
}
