package signaling

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/econn/internal/econn"
	"github.com/dkeye/econn/internal/registry"
)

// managedCall is the Sender bound into the Hub in place of a browser's raw
// wsConn for the lifetime of one server-managed call. It demultiplexes the
// two frame kinds a bound peer can receive: an "econn" frame is decoded and
// fed into the locally-owned Connection; a "notify" frame (pushed by
// uiCallbacks to this same key) is forwarded straight through to the
// browser's actual socket.
type managedCall struct {
	mu     sync.Mutex
	conn   *econn.Connection
	wsConn *wsConn
}

func (m *managedCall) TrySend(b []byte) error {
	var peek struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(b, &peek); err != nil {
		return err
	}
	if peek.Kind == "notify" {
		return m.wsConn.TrySend(b)
	}

	var env routedEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	now := time.Now()
	msg, err := econn.Decode(now, now, env.Body)
	if err != nil {
		log.Warn().Err(err).Str("module", "signaling.callcontroller").Msg("decode failed")
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.conn.RecvMessage(env.From.UserID, env.From.ClientID, msg)
	return nil
}

// ctlCallbacks wraps uiCallbacks so closing a managed call also tears down
// its bookkeeping: the registry entry and the Hub rebinding back to the
// browser's own socket.
type ctlCallbacks struct {
	*uiCallbacks
	ctl    *CallController
	self   registry.Key
	wsConn *wsConn
}

func (c *ctlCallbacks) OnClose(conn *econn.Connection, err error) {
	c.uiCallbacks.OnClose(conn, err)
	c.ctl.mu.Lock()
	delete(c.ctl.calls, c.self)
	c.ctl.mu.Unlock()
	c.ctl.reg.Remove(c.self)
	c.ctl.hub.Bind(c.self, c.wsConn)
}

// CallController drives an econn.Connection on behalf of a browser client
// that only ever speaks REST/JSON, never the econn wire format directly.
type CallController struct {
	hub *Hub
	reg *registry.Registry
	cfg econn.Config

	mu    sync.Mutex
	calls map[registry.Key]*managedCall
}

func NewCallController(hub *Hub, reg *registry.Registry, cfg econn.Config) *CallController {
	return &CallController{hub: hub, reg: reg, cfg: cfg, calls: make(map[registry.Key]*managedCall)}
}

func selfKey(c *gin.Context) registry.Key {
	return registry.Key{UserID: c.GetString("user_id"), ClientID: c.GetString("client_id")}
}

func (ctl *CallController) lookup(self registry.Key) (*managedCall, bool) {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	mc, ok := ctl.calls[self]
	return mc, ok
}

type startReq struct {
	ToUserID   string      `json:"to_user_id" binding:"required"`
	ToClientID string      `json:"to_client_id" binding:"required"`
	SDP        string      `json:"sdp" binding:"required"`
	Props      econn.Props `json:"props"`
}

// Start begins an outgoing call on behalf of self, toward the peer named in
// the request body.
func (ctl *CallController) Start(c *gin.Context) {
	self := selfKey(c)

	var req startReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sender, ok := ctl.hub.Get(self)
	wsc, isWS := sender.(*wsConn)
	if !ok || !isWS {
		c.JSON(http.StatusConflict, gin.H{"error": "no active relay connection for this identity"})
		return
	}

	ctl.mu.Lock()
	if _, exists := ctl.calls[self]; exists {
		ctl.mu.Unlock()
		c.JSON(http.StatusConflict, gin.H{"error": "call already in progress"})
		return
	}
	ctl.mu.Unlock()

	peer := registry.Key{UserID: req.ToUserID, ClientID: req.ToClientID}
	mc := &managedCall{wsConn: wsc}
	cb := &ctlCallbacks{uiCallbacks: newUICallbacks(ctl.hub, self), ctl: ctl, self: self, wsConn: wsc}
	sched := &lockingScheduler{inner: econn.NewScheduler(), mu: &mc.mu}

	transport := newWSTransport(ctl.hub, self, peer)
	conn, err := econn.New(self.UserID, self.ClientID, ctl.cfg, transport, sched, cb)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	mc.conn = conn

	ctl.mu.Lock()
	ctl.calls[self] = mc
	ctl.mu.Unlock()
	ctl.reg.Put(self, conn)
	ctl.hub.Bind(self, mc)

	mc.mu.Lock()
	err = conn.Start(req.SDP, req.Props)
	mc.mu.Unlock()
	if err != nil {
		ctl.mu.Lock()
		delete(ctl.calls, self)
		ctl.mu.Unlock()
		ctl.reg.Remove(self)
		ctl.hub.Bind(self, wsc)
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "calling", "session_id": conn.SessionIDLocal()})
}

type sdpPropsReq struct {
	SDP   string      `json:"sdp" binding:"required"`
	Props econn.Props `json:"props"`
}

// Answer sends a SETUP response on the call self started through Start.
// It succeeds only while that call is in CONFLICT_RESOLUTION after losing
// glare; a call that reaches self without a prior Start has no managed
// Connection here, and Answer responds 404 for it.
func (ctl *CallController) Answer(c *gin.Context) {
	self := selfKey(c)
	mc, ok := ctl.lookup(self)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no call in progress"})
		return
	}
	var req sdpPropsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mc.mu.Lock()
	err := mc.conn.Answer(req.SDP, req.Props)
	mc.mu.Unlock()
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "answered"})
}

// Update sends a new UPDATE offer on the call addressed to self.
func (ctl *CallController) Update(c *gin.Context) {
	self := selfKey(c)
	mc, ok := ctl.lookup(self)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no call in progress"})
		return
	}
	var req sdpPropsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mc.mu.Lock()
	err := mc.conn.UpdateReq(req.SDP, req.Props)
	mc.mu.Unlock()
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "update sent"})
}

// End terminates the call addressed to self, if any.
func (ctl *CallController) End(c *gin.Context) {
	self := selfKey(c)
	mc, ok := ctl.lookup(self)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no call in progress"})
		return
	}
	mc.mu.Lock()
	mc.conn.End()
	mc.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"status": "ending"})
}

// Debug dumps the human-readable state of the call addressed to self,
// mirroring the original implementation's econn_debug.
func (ctl *CallController) Debug(c *gin.Context) {
	self := selfKey(c)
	mc, ok := ctl.lookup(self)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no call in progress"})
		return
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	c.Header("Content-Type", "text/plain; charset=utf-8")
	mc.conn.Debug(c.Writer)
}
