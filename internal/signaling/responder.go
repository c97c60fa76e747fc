package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/econn/internal/datachannel"
	"github.com/dkeye/econn/internal/econn"
	"github.com/dkeye/econn/internal/registry"
)

// ResponderKey is the well-known identity a client can call to exercise
// a full round trip — SETUP, a real WebRTC answer, and a timed HANGUP —
// without needing a second human peer. A Responder holds a single
// Connection and serves one call: once that call has closed, later SETUPs
// to ResponderKey are dropped.
var ResponderKey = registry.Key{UserID: "system", ClientID: "echo"}

// echoAfter bounds how long the responder keeps a call open after
// answering it, so a forgotten test call doesn't linger forever.
const echoAfter = 30 * time.Second

// Responder is a live econn.Connection running inside the server process,
// bound into the Hub like any other peer. It auto-answers, negotiates a
// real loopback PeerConnection through internal/datachannel, and hangs up
// on a timer.
type Responder struct {
	hub       *Hub
	transport *wsTransport
	conn      *econn.Connection
	reg       *registry.Registry

	mu      sync.Mutex
	channel *datachannel.Channel
}

// lockingScheduler serializes timer callbacks behind the same mutex that
// guards every other entry into the Connection, since fn fires on the
// Scheduler's own goroutine (econn.Scheduler) rather than the caller's.
type lockingScheduler struct {
	inner econn.Scheduler
	mu    *sync.Mutex
}

func (s *lockingScheduler) Start(d time.Duration, fn func()) econn.Token {
	return s.inner.Start(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		fn()
	})
}

func (s *lockingScheduler) Cancel(tok econn.Token) {
	s.inner.Cancel(tok)
}

// NewResponder allocates and binds the responder into hub under
// ResponderKey. The caller is expected to keep reg around for visibility
// into the responder's lifecycle, mirroring how any other call would be
// tracked.
func NewResponder(hub *Hub, reg *registry.Registry, cfg econn.Config) (*Responder, error) {
	r := &Responder{hub: hub, reg: reg}

	transport := newWSTransport(hub, ResponderKey, registry.Key{})
	sched := &lockingScheduler{inner: econn.NewScheduler(), mu: &r.mu}
	conn, err := econn.New(ResponderKey.UserID, ResponderKey.ClientID, cfg, transport, sched, r)
	if err != nil {
		return nil, err
	}

	r.transport = transport
	r.conn = conn

	hub.Bind(ResponderKey, r)
	reg.Put(ResponderKey, conn)

	return r, nil
}

// TrySend implements Sender: it unwraps the routed envelope and feeds the
// decoded econn message straight into the responder's Connection.
func (r *Responder) TrySend(b []byte) error {
	var env routedEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	if env.Kind != "econn" {
		return nil
	}

	now := time.Now()
	msg, err := econn.Decode(now, now, env.Body)
	if err != nil {
		log.Warn().Err(err).Str("module", "signaling.responder").Msg("decode failed")
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.transport.peer = env.From
	r.conn.RecvMessage(env.From.UserID, env.From.ClientID, msg)
	return nil
}

func (r *Responder) OnConnect(conn *econn.Connection, t time.Time, userIDSender, clientIDSender string, age time.Duration, sdp string, props econn.Props) {
	ch, err := datachannel.New(datachannel.DefaultConfig(), conn)
	if err != nil {
		log.Error().Err(err).Str("module", "signaling.responder").Msg("new peer connection")
		return
	}
	ch.Start(context.Background())

	answerSDP, err := ch.ApplyOfferAndAnswer(sdp)
	if err != nil {
		log.Error().Err(err).Str("module", "signaling.responder").Msg("apply offer")
		ch.Close()
		return
	}

	r.channel = ch
	if err := conn.Answer(answerSDP, econn.Props{"echo": "true"}); err != nil {
		log.Error().Err(err).Str("module", "signaling.responder").Msg("answer")
		return
	}

	time.AfterFunc(echoAfter, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		conn.End()
	})
}

func (r *Responder) OnAnswer(conn *econn.Connection, fromConflict bool, sdp string, props econn.Props) {}

func (r *Responder) OnUpdateReq(conn *econn.Connection, userIDSender, clientIDSender string, sdp string, props econn.Props, shouldReset bool) {
	if err := conn.UpdateResp(sdp, props); err != nil {
		log.Error().Err(err).Str("module", "signaling.responder").Msg("update resp")
	}
}

func (r *Responder) OnUpdateResp(conn *econn.Connection, sdp string, props econn.Props) {}

func (r *Responder) OnClose(conn *econn.Connection, err error) {
	if r.channel != nil {
		r.channel.Close()
		r.channel = nil
	}
	r.reg.Remove(ResponderKey)
	log.Info().Str("module", "signaling.responder").Err(err).Msg("echo call closed")
}
