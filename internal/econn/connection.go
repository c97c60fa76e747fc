package econn

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Connection is one call's signaling state machine: session identifiers,
// peer identifiers, the current State, and a single outstanding timer.
// It is not safe for concurrent use — exactly one goroutine must own a
// given Connection at a time (spec §5).
type Connection struct {
	state     State
	direction Direction
	conflict  Conflict

	userIDSelf     string
	clientIDSelf   string
	clientIDRemote string

	sessionIDLocal  string
	sessionIDRemote string

	setupErr error // last fatal error, surfaced through OnClose
	err      error // application-set error via SetError, used by the term timer

	timerTok   Token
	timerArmed bool

	cfg       Config
	transport Transport
	scheduler Scheduler
	callbacks Callbacks
}

// New allocates a Connection for a call between (userIDSelf, clientIDSelf)
// and a not-yet-known peer. A random 5-character local session id is
// generated immediately and never changes for the life of the record.
func New(userIDSelf, clientIDSelf string, cfg Config, transport Transport, scheduler Scheduler, callbacks Callbacks) (*Connection, error) {
	if userIDSelf == "" || clientIDSelf == "" {
		return nil, newErr(KindInvalidArg, "userIDSelf/clientIDSelf must be set")
	}
	if transport == nil {
		return nil, newErr(KindUnsupported, "no transport handler bound")
	}
	if scheduler == nil {
		scheduler = NewScheduler()
	}

	sid, err := randSessID()
	if err != nil {
		return nil, newErr(KindNoMemory, err.Error())
	}

	return &Connection{
		userIDSelf:     userIDSelf,
		clientIDSelf:   clientIDSelf,
		sessionIDLocal: sid,
		cfg:            cfg,
		transport:      transport,
		scheduler:      scheduler,
		callbacks:      callbacks,
	}, nil
}

// --- accessors ---

func (c *Connection) CurrentState() State      { return c.state }
func (c *Connection) CurrentDir() Direction    { return c.direction }
func (c *Connection) ConflictState() Conflict  { return c.conflict }
func (c *Connection) ClientIDRemote() string   { return c.clientIDRemote }
func (c *Connection) SessionIDLocal() string   { return c.sessionIDLocal }
func (c *Connection) SessionIDRemote() string  { return c.sessionIDRemote }
func (c *Connection) SetupError() error        { return c.setupErr }
func (c *Connection) UserIDSelf() string       { return c.userIDSelf }
func (c *Connection) ClientIDSelf() string     { return c.clientIDSelf }

// SetError stashes a non-fatal error the application wants surfaced if the
// term timer (after a HANGUP request) expires before a response arrives.
func (c *Connection) SetError(err error) { c.err = err }

func (c *Connection) logger() *zeroLogCtx {
	return &zeroLogCtx{userID: c.userIDSelf, clientID: c.clientIDSelf}
}

// zeroLogCtx is a tiny helper so call sites read "c.logger().warn(...)"
// instead of repeating the Str pairs everywhere.
type zeroLogCtx struct {
	userID, clientID string
}

func (z *zeroLogCtx) warn(msg string) {
	log.Warn().Str("module", "econn").Str("user", z.userID).Str("client", z.clientID).Msg(msg)
}

func (z *zeroLogCtx) info(msg string) {
	log.Info().Str("module", "econn").Str("user", z.userID).Str("client", z.clientID).Msg(msg)
}

func (z *zeroLogCtx) debug(msg string) {
	log.Debug().Str("module", "econn").Str("user", z.userID).Str("client", z.clientID).Msg(msg)
}

func (c *Connection) setState(s State) {
	c.logger().debug(fmt.Sprintf("state %s -> %s", c.state, s))
	c.state = s
}

func (c *Connection) armTimer(d time.Duration, fn func()) {
	c.cancelTimer()
	c.timerTok = c.scheduler.Start(d, fn)
	c.timerArmed = true
}

func (c *Connection) cancelTimer() {
	if !c.timerArmed {
		return
	}
	c.scheduler.Cancel(c.timerTok)
	c.timerArmed = false
}

// --- outbound sends ---

func (c *Connection) sendSetup(resp bool, sdp string, props Props, isUpdate bool) error {
	typ := TypeSetup
	if isUpdate {
		typ = TypeUpdate
	}
	msg := &Message{
		Type:            typ,
		SessionIDSender: c.sessionIDLocal,
		IsResponse:      resp,
		SDP:             sdp,
		Props:           props,
	}
	if err := c.transport.Send(msg); err != nil {
		c.logger().warn("send_setup: transport send failed: " + err.Error())
		c.setupErr = err
		c.setState(Terminating)
		return err
	}
	return nil
}

func (c *Connection) sendCancel() error {
	msg := &Message{Type: TypeCancel, SessionIDSender: c.sessionIDLocal, IsResponse: false}
	return c.transport.Send(msg)
}

func (c *Connection) sendHangup(resp bool) error {
	msg := &Message{Type: TypeHangup, SessionIDSender: c.sessionIDLocal, IsResponse: resp}
	return c.transport.Send(msg)
}

// --- close ---

// close cancels the outstanding timer, best-effort cancels an in-flight
// outgoing SETUP, and invokes OnClose exactly once. The callback
// reference is cleared first so a re-entrant call during teardown can't
// fire it twice (spec §4.4).
func (c *Connection) close(err error) {
	c.cancelTimer()

	if c.state == PendingOutgoing {
		if sendErr := c.sendCancel(); sendErr != nil {
			c.logger().warn("close: best-effort CANCEL send failed: " + sendErr.Error())
		}
	}

	c.setupErr = err
	c.setState(Terminating)

	cb := c.callbacks
	c.callbacks = nil
	if cb != nil {
		cb.OnClose(c, err)
	}
}

func (c *Connection) onSetupTimeout() {
	c.logger().info("setup timeout in state " + c.state.String())
	c.close(newErr(KindTimedOut, "setup timed out"))
}

// --- external operations (spec §4.3) ---

func (c *Connection) Start(sdp string, props Props) error {
	switch c.state {
	case Idle, PendingOutgoing:
	default:
		c.logger().warn("start: invalid state " + c.state.String())
		return newErr(KindProtocol, "start: invalid state "+c.state.String())
	}

	c.setState(PendingOutgoing)
	c.direction = DirOutgoing

	if err := c.sendSetup(false, sdp, props, false); err != nil {
		return err
	}

	if c.cfg.TimeoutSetup <= 0 {
		c.logger().warn("start: illegal timer value 0")
		return newErr(KindProtocol, "illegal timer value 0")
	}
	c.armTimer(c.cfg.TimeoutSetup, c.onSetupTimeout)
	return nil
}

func (c *Connection) Answer(sdp string, props Props) error {
	if c.state != PendingIncoming && c.state != ConflictResolution {
		c.logger().warn("answer: cannot answer in state " + c.state.String())
		return newErr(KindProtocol, "answer: invalid state "+c.state.String())
	}

	c.cancelTimer()

	if err := c.sendSetup(true, sdp, props, false); err != nil {
		return err
	}
	c.setState(Answered)
	return nil
}

// UpdateReq sends a new UPDATE offer. Diverging from the original
// implementation (which only logs a warning and proceeds in any state),
// this rejects wrong-state calls with PROTOCOL — see DESIGN.md Open
// Question 1.
func (c *Connection) UpdateReq(sdp string, props Props) error {
	switch c.state {
	case Answered, DatachanEstablished:
	default:
		c.logger().warn("updateReq: invalid state " + c.state.String())
		return newErr(KindProtocol, "updateReq: invalid state "+c.state.String())
	}

	c.setState(UpdateSent)

	if err := c.sendSetup(false, sdp, props, true); err != nil {
		return err
	}

	if c.cfg.TimeoutSetup <= 0 {
		c.logger().warn("updateReq: illegal timer value 0")
		return newErr(KindProtocol, "illegal timer value 0")
	}
	c.armTimer(c.cfg.TimeoutSetup, c.onSetupTimeout)
	return nil
}

func (c *Connection) UpdateResp(sdp string, props Props) error {
	if c.state != UpdateRecv {
		c.logger().warn("updateResp: cannot respond in state " + c.state.String())
		return newErr(KindProtocol, "updateResp: invalid state "+c.state.String())
	}

	c.cancelTimer()

	if err := c.sendSetup(true, sdp, props, true); err != nil {
		return err
	}
	c.setState(Answered)
	return nil
}

func (c *Connection) SendPropsync(props Props, isResp bool) error {
	if c.state != DatachanEstablished {
		c.logger().warn("sendPropsync: invalid state " + c.state.String())
		return newErr(KindProtocol, "sendPropsync: invalid state "+c.state.String())
	}
	if props == nil {
		return newErr(KindInvalidArg, "propsync requires props")
	}
	msg := &Message{
		Type:            TypePropsync,
		SessionIDSender: c.sessionIDLocal,
		IsResponse:      isResp,
		Props:           props,
	}
	return c.transport.Send(msg)
}

func (c *Connection) SetDatachanEstablished() {
	if c.state != Answered {
		c.logger().warn("setDatachanEstablished: illegal state " + c.state.String())
		return
	}
	c.setState(DatachanEstablished)
}

func (c *Connection) End() {
	c.logger().info("end (state=" + c.state.String() + ")")

	switch c.state {
	case PendingIncoming:
		c.setState(Terminating)
		c.armTimer(time.Millisecond, func() { c.close(nil) })

	case PendingOutgoing, Answered, ConflictResolution:
		if err := c.sendCancel(); err != nil {
			c.logger().warn("end: send_cancel failed: " + err.Error())
		}
		c.setState(Terminating)
		c.armTimer(time.Millisecond, func() { c.close(nil) })

	case DatachanEstablished:
		if err := c.sendHangup(false); err != nil {
			c.logger().warn("end: send_hangup failed: " + err.Error())
		}
		c.setState(HangupSent)
		c.armTimer(c.cfg.TimeoutTerm, func() { c.close(c.err) })

	default:
		c.logger().warn("end: cannot terminate in state " + c.state.String())
	}
}

// --- inbound dispatch (spec §4.3) ---

func (c *Connection) RecvMessage(userIDSender, clientIDSender string, msg *Message) {
	if msg == nil {
		return
	}

	switch msg.Type {
	case TypeSetup:
		c.recvSetup(userIDSender, clientIDSender, msg)
	case TypeUpdate:
		c.recvUpdate(userIDSender, clientIDSender, msg)
	case TypeCancel:
		c.recvCancel(clientIDSender, msg)
	case TypeHangup:
		c.recvHangup(msg)
	default:
		c.logger().warn("recv: message type not supported: " + string(msg.Type))
	}
}

func (c *Connection) recvSetup(userIDSender, clientIDSender string, msg *Message) {
	if c.clientIDRemote != "" {
		if !strings.EqualFold(c.clientIDRemote, clientIDSender) {
			c.logger().info("recv_setup: remote clientID already set to '" + c.clientIDRemote + "' - dropping message from '" + clientIDSender + "'")
			return
		}
	} else {
		c.clientIDRemote = clientIDSender
	}

	if msg.IsResponse {
		c.handleSetupResponse(userIDSender, clientIDSender, msg)
	} else {
		c.handleSetupRequest(userIDSender, clientIDSender, msg)
	}
}

func (c *Connection) handleSetupRequest(userIDSender, clientIDSender string, msg *Message) {
	switch c.state {
	case Idle:
		// fall through to acceptance below

	case PendingOutgoing:
		isWinner := IsWinner(c.userIDSelf, c.clientIDSelf, userIDSender, clientIDSender)
		c.logger().info(fmt.Sprintf("conflict: is_winner=%v", isWinner))

		c.sessionIDRemote = msg.SessionIDSender

		if isWinner {
			// We are winner: drop remote offer, expect a new ANSWER from peer.
			c.conflict = ConflictWinner
			return
		}

		// We are loser: drop our own offer, must send a new ANSWER.
		c.conflict = ConflictLoser
		c.setState(ConflictResolution)

		if c.callbacks != nil {
			c.callbacks.OnAnswer(c, true, msg.SDP, msg.Props)
		}
		return

	default:
		c.logger().warn("recv_setup: ignoring SETUP request in state " + c.state.String())
		return
	}

	c.setState(PendingIncoming)
	c.direction = DirIncoming
	c.sessionIDRemote = msg.SessionIDSender

	c.armTimer(c.cfg.TimeoutSetup, c.onSetupTimeout)

	if c.callbacks != nil {
		c.callbacks.OnConnect(c, msg.Time, userIDSender, clientIDSender, msg.Age, msg.SDP, msg.Props)
	}
}

func (c *Connection) handleSetupResponse(userIDSender, clientIDSender string, msg *Message) {
	if c.state != PendingOutgoing && c.state != ConflictResolution {
		c.logger().info("recv_setup: ignoring SETUP response from " + userIDSender + "|" + clientIDSender + " in state " + c.state.String())
		return
	}

	c.cancelTimer()
	c.sessionIDRemote = msg.SessionIDSender
	c.setState(Answered)

	if c.callbacks != nil {
		c.callbacks.OnAnswer(c, false, msg.SDP, msg.Props)
	}
}

func (c *Connection) recvUpdate(userIDSender, clientIDSender string, msg *Message) {
	if !strings.EqualFold(c.sessionIDRemote, msg.SessionIDSender) {
		c.logger().warn("recv_update: remote session id mismatch")
		return
	}

	if msg.IsResponse {
		c.handleUpdateResponse(clientIDSender, msg)
	} else {
		c.handleUpdateRequest(userIDSender, clientIDSender, msg)
	}
}

func (c *Connection) handleUpdateRequest(userIDSender, clientIDSender string, msg *Message) {
	if !strings.EqualFold(c.clientIDRemote, clientIDSender) {
		c.logger().warn("handle_update_request: wrong clientid, expected " + c.clientIDRemote + " got " + clientIDSender)
		return
	}

	shouldReset := false

	switch c.state {
	case Answered, DatachanEstablished:
		c.setState(UpdateRecv)

	case UpdateSent:
		isWinner := IsWinner(c.userIDSelf, c.clientIDSelf, userIDSender, clientIDSender)
		c.logger().info(fmt.Sprintf("handle_update_request: conflict is_winner=%v", isWinner))
		if isWinner {
			// Drop remote offer, expect a new ANSWER from peer. No conflict
			// flag and no callback — preserved from the original (Open
			// Question 2 in DESIGN.md).
			return
		}
		c.setState(UpdateRecv)
		shouldReset = true

	default:
		c.logger().warn("recv_update: ignoring UPDATE request in state " + c.state.String())
		return
	}

	c.armTimer(c.cfg.TimeoutSetup, c.onSetupTimeout)

	if c.callbacks != nil {
		c.callbacks.OnUpdateReq(c, userIDSender, clientIDSender, msg.SDP, msg.Props, shouldReset)
	}
}

func (c *Connection) handleUpdateResponse(clientIDSender string, msg *Message) {
	if !strings.EqualFold(c.clientIDRemote, clientIDSender) {
		c.logger().warn("handle_update_response: wrong clientid, expected " + c.clientIDRemote + " got " + clientIDSender)
		return
	}

	if c.state != UpdateSent {
		c.logger().info("recv_update: ignoring UPDATE response in state " + c.state.String())
		return
	}

	c.cancelTimer()
	c.setState(Answered)

	if c.callbacks != nil {
		c.callbacks.OnUpdateResp(c, msg.SDP, msg.Props)
	}
}

func (c *Connection) recvCancel(clientIDSender string, msg *Message) {
	if !strings.EqualFold(clientIDSender, c.clientIDRemote) {
		c.logger().info("recv_cancel: clientid mismatch (remote=" + c.clientIDRemote + ", sender=" + clientIDSender + ")")
		return
	}

	switch c.state {
	case PendingIncoming, Answered, DatachanEstablished:
	default:
		c.logger().info("recv_cancel: ignoring CANCEL in state " + c.state.String())
		return
	}

	if !strings.EqualFold(c.sessionIDRemote, msg.SessionIDSender) {
		c.logger().warn("recv_cancel: remote session id mismatch")
		return
	}

	c.setState(Terminating)
	c.close(newErr(KindCanceled, "remote canceled"))
}

func (c *Connection) recvHangup(msg *Message) {
	if !strings.EqualFold(c.sessionIDRemote, msg.SessionIDSender) {
		c.logger().warn("recv_hangup: remote session id mismatch")
		return
	}

	if c.state != DatachanEstablished && c.state != HangupSent {
		c.logger().warn("recv_hangup: ignoring HANGUP in state " + c.state.String())
		return
	}

	c.setState(HangupRecv)

	if !msg.IsResponse {
		if err := c.sendHangup(true); err != nil {
			c.logger().warn("recv_hangup: send_hangup response failed: " + err.Error())
		}
	}

	c.setState(Terminating)
	c.close(nil)
}

// Debug writes a human-readable snapshot of the connection, mirroring the
// original implementation's econn_debug.
func (c *Connection) Debug(w io.Writer) {
	fmt.Fprintf(w, "~~~~~ econn <%s.%s> ~~~~~\n", c.userIDSelf, c.clientIDSelf)
	fmt.Fprintf(w, "state:            %s", c.state)
	if c.direction != DirUnknown {
		fmt.Fprintf(w, "  (%s)", c.direction)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "clientid_remote:  %s\n", c.clientIDRemote)
	fmt.Fprintf(w, "session:          %s|%s\n", c.sessionIDLocal, c.sessionIDRemote)
	if c.timerArmed {
		fmt.Fprintln(w, "timer_local:      armed")
	} else {
		fmt.Fprintln(w, "timer_local:      (not running)")
	}
	if c.setupErr != nil {
		fmt.Fprintf(w, "setup_error:      %q\n", c.setupErr.Error())
	}
	fmt.Fprintf(w, "conflict:         %s\n", c.conflict)
}
