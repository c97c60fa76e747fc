// Package registry tracks the one econn.Connection each connected client
// currently owns, keyed by (userID, clientID).
package registry

import (
	"sync"

	"github.com/dkeye/econn/internal/econn"
	"github.com/rs/zerolog/log"
)

// Key identifies one call endpoint.
type Key struct {
	UserID   string
	ClientID string
}

// Registry holds at most one live *econn.Connection per Key. A second call
// attempt from the same endpoint while one is already tracked must End the
// old one first — the registry itself does not arbitrate that policy.
type Registry struct {
	mu    sync.RWMutex
	conns map[Key]*econn.Connection
}

func New() *Registry {
	return &Registry{conns: make(map[Key]*econn.Connection)}
}

func (r *Registry) Put(key Key, conn *econn.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[key] = conn
	log.Info().Str("module", "registry").Str("user", key.UserID).Str("client", key.ClientID).Msg("tracking connection")
}

func (r *Registry) Get(key Key) (*econn.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[key]
	return c, ok
}

func (r *Registry) Remove(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, key)
	log.Info().Str("module", "registry").Str("user", key.UserID).Str("client", key.ClientID).Msg("untracking connection")
}

// Len reports the number of live connections, for diagnostics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
