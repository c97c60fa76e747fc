package econn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	sent     []*Message
	failNext error
}

func (f *fakeTransport) Send(msg *Message) error {
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) last() *Message {
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

type fakeScheduler struct {
	next  Token
	armed map[Token]func()
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{armed: make(map[Token]func())}
}

func (s *fakeScheduler) Start(d time.Duration, fn func()) Token {
	s.next++
	s.armed[s.next] = fn
	return s.next
}

func (s *fakeScheduler) Cancel(tok Token) {
	delete(s.armed, tok)
}

func (s *fakeScheduler) fireLatest() {
	fn, ok := s.armed[s.next]
	if !ok {
		return
	}
	delete(s.armed, s.next)
	fn()
}

func (s *fakeScheduler) armedCount() int { return len(s.armed) }

type recordingCallbacks struct {
	connectCalls    int
	answerCalls     int
	updateReqCalls  int
	updateRespCalls int
	closeCalls      int

	lastCloseErr       error
	lastAnswerConflict bool
	lastUpdateReqReset bool
	lastSDP            string
	lastProps          Props
}

func (r *recordingCallbacks) OnConnect(conn *Connection, t time.Time, userIDSender, clientIDSender string, age time.Duration, sdp string, props Props) {
	r.connectCalls++
	r.lastSDP = sdp
	r.lastProps = props
}

func (r *recordingCallbacks) OnAnswer(conn *Connection, fromConflict bool, sdp string, props Props) {
	r.answerCalls++
	r.lastAnswerConflict = fromConflict
	r.lastSDP = sdp
	r.lastProps = props
}

func (r *recordingCallbacks) OnUpdateReq(conn *Connection, userIDSender, clientIDSender string, sdp string, props Props, shouldReset bool) {
	r.updateReqCalls++
	r.lastUpdateReqReset = shouldReset
	r.lastSDP = sdp
}

func (r *recordingCallbacks) OnUpdateResp(conn *Connection, sdp string, props Props) {
	r.updateRespCalls++
	r.lastSDP = sdp
}

func (r *recordingCallbacks) OnClose(conn *Connection, err error) {
	r.closeCalls++
	r.lastCloseErr = err
}

func testConfig() Config {
	return Config{TimeoutSetup: time.Second, TimeoutTerm: time.Second}
}

func newTestConnection(t *testing.T, userID, clientID string) (*Connection, *fakeTransport, *fakeScheduler, *recordingCallbacks) {
	t.Helper()
	tr := &fakeTransport{}
	sched := newFakeScheduler()
	cb := &recordingCallbacks{}
	conn, err := New(userID, clientID, testConfig(), tr, sched, cb)
	require.NoError(t, err)
	return conn, tr, sched, cb
}

// S1: a clean outgoing call, answered, datachannel established, then torn
// down locally with a HANGUP round trip.
func TestOutgoingCallHappyPath(t *testing.T) {
	conn, tr, sched, cb := newTestConnection(t, "alice", "c1")

	require.NoError(t, conn.Start("offer-sdp", Props{"a": "1"}))
	assert.Equal(t, PendingOutgoing, conn.CurrentState())
	assert.Equal(t, DirOutgoing, conn.CurrentDir())
	require.Len(t, tr.sent, 1)
	assert.Equal(t, TypeSetup, tr.last().Type)
	assert.False(t, tr.last().IsResponse)
	assert.Equal(t, 1, sched.armedCount())

	conn.RecvMessage("bob", "c2", &Message{
		Type:            TypeSetup,
		IsResponse:      true,
		SessionIDSender: "peer1",
		SDP:             "answer-sdp",
		Props:           Props{"b": "2"},
	})
	assert.Equal(t, Answered, conn.CurrentState())
	assert.Equal(t, 1, cb.answerCalls)
	assert.False(t, cb.lastAnswerConflict)
	assert.Equal(t, 0, sched.armedCount(), "answer must cancel the setup timer")

	conn.SetDatachanEstablished()
	assert.Equal(t, DatachanEstablished, conn.CurrentState())

	conn.End()
	assert.Equal(t, HangupSent, conn.CurrentState())
	assert.Equal(t, TypeHangup, tr.last().Type)
	assert.False(t, tr.last().IsResponse)

	conn.RecvMessage("bob", "c2", &Message{Type: TypeHangup, IsResponse: true, SessionIDSender: "peer1"})
	assert.Equal(t, Terminating, conn.CurrentState())
	assert.Equal(t, 1, cb.closeCalls)
	assert.NoError(t, cb.lastCloseErr)
}

// S2: an inbound SETUP request in IDLE is accepted and produces OnConnect.
func TestIncomingCallAccepted(t *testing.T) {
	conn, _, sched, cb := newTestConnection(t, "alice", "c1")

	conn.RecvMessage("bob", "c2", &Message{
		Type:            TypeSetup,
		IsResponse:      false,
		SessionIDSender: "peer1",
		Time:            time.Now(),
		SDP:             "offer-sdp",
		Props:           Props{"x": "y"},
	})

	assert.Equal(t, PendingIncoming, conn.CurrentState())
	assert.Equal(t, DirIncoming, conn.CurrentDir())
	assert.Equal(t, "c2", conn.ClientIDRemote())
	assert.Equal(t, 1, cb.connectCalls)
	assert.Equal(t, 1, sched.armedCount())

	require.NoError(t, conn.Answer("answer-sdp", Props{"z": "1"}))
	assert.Equal(t, Answered, conn.CurrentState())
	assert.Equal(t, 0, sched.armedCount())
}

// S3: setup glare where the local side loses — it must drop its own offer
// and answer the peer's, entering CONFLICT_RESOLUTION.
func TestSetupGlareLoser(t *testing.T) {
	conn, _, _, cb := newTestConnection(t, "alice", "c1") // "alice.c1" < "bob.c2"

	require.NoError(t, conn.Start("offer-sdp", nil))
	conn.RecvMessage("bob", "c2", &Message{
		Type:            TypeSetup,
		IsResponse:      false,
		SessionIDSender: "peer-sess",
		SDP:             "peer-offer",
		Props:           Props{},
	})

	assert.Equal(t, ConflictResolution, conn.CurrentState())
	assert.Equal(t, ConflictLoser, conn.ConflictState())
	assert.Equal(t, 1, cb.answerCalls)
	assert.True(t, cb.lastAnswerConflict)
}

// S3b: setup glare where the local side wins — the peer's offer is dropped
// silently, no callback fires, and we stay PENDING_OUTGOING.
func TestSetupGlareWinner(t *testing.T) {
	conn, _, _, cb := newTestConnection(t, "zed", "z9") // "zed.z9" > "bob.c2"

	require.NoError(t, conn.Start("offer-sdp", nil))
	conn.RecvMessage("bob", "c2", &Message{
		Type:            TypeSetup,
		IsResponse:      false,
		SessionIDSender: "peer-sess",
		SDP:             "peer-offer",
		Props:           Props{},
	})

	assert.Equal(t, PendingOutgoing, conn.CurrentState())
	assert.Equal(t, ConflictWinner, conn.ConflictState())
	assert.Equal(t, 0, cb.answerCalls)
}

// S4: the setup timer firing closes the connection with TIMEDOUT and, since
// we were PENDING_OUTGOING, emits a best-effort CANCEL.
func TestSetupTimeoutClosesConnection(t *testing.T) {
	conn, tr, sched, cb := newTestConnection(t, "alice", "c1")

	require.NoError(t, conn.Start("offer-sdp", nil))
	sched.fireLatest()

	assert.Equal(t, Terminating, conn.CurrentState())
	require.Equal(t, 1, cb.closeCalls)
	assert.ErrorIs(t, cb.lastCloseErr, ErrTimedOut)
	require.Len(t, tr.sent, 2)
	assert.Equal(t, TypeCancel, tr.sent[1].Type)
}

// S5: an UPDATE offer/answer round trip on an already-established call.
func TestUpdateHappyPath(t *testing.T) {
	conn, tr, sched, cb := newTestConnection(t, "alice", "c1")
	bringToAnswered(t, conn)

	require.NoError(t, conn.UpdateReq("update-sdp", Props{"u": "1"}))
	assert.Equal(t, UpdateSent, conn.CurrentState())
	assert.Equal(t, 1, sched.armedCount())

	conn.RecvMessage("bob", "c2", &Message{
		Type:            TypeUpdate,
		IsResponse:      true,
		SessionIDSender: conn.SessionIDRemote(),
		SDP:             "update-answer",
	})
	assert.Equal(t, Answered, conn.CurrentState())
	assert.Equal(t, 1, cb.updateRespCalls)
	assert.Equal(t, 0, sched.armedCount())
	assert.Equal(t, TypeUpdate, tr.sent[len(tr.sent)-1].Type)
}

// UPDATE glare: peer sends an UPDATE request while we have one outstanding.
// If we win, drop the remote request silently and keep our own in flight.
func TestUpdateGlareWinnerDropsSilently(t *testing.T) {
	conn, _, _, cb := newTestConnection(t, "zed", "z9")
	bringToAnsweredWithPeer(t, conn, "bob", "c2")

	require.NoError(t, conn.UpdateReq("our-update", nil))
	before := cb.updateReqCalls

	conn.RecvMessage("bob", "c2", &Message{
		Type:            TypeUpdate,
		IsResponse:      false,
		SessionIDSender: conn.SessionIDRemote(),
		SDP:             "their-update",
	})

	assert.Equal(t, UpdateSent, conn.CurrentState())
	assert.Equal(t, before, cb.updateReqCalls)
}

// UPDATE glare: peer sends an UPDATE request while we have one outstanding
// and we lose — accept theirs, flagging shouldReset.
func TestUpdateGlareLoserAcceptsWithReset(t *testing.T) {
	conn, _, _, cb := newTestConnection(t, "alice", "c1")
	bringToAnsweredWithPeer(t, conn, "bob", "c2")

	require.NoError(t, conn.UpdateReq("our-update", nil))

	conn.RecvMessage("bob", "c2", &Message{
		Type:            TypeUpdate,
		IsResponse:      false,
		SessionIDSender: conn.SessionIDRemote(),
		SDP:             "their-update",
	})

	assert.Equal(t, UpdateRecv, conn.CurrentState())
	assert.Equal(t, 1, cb.updateReqCalls)
	assert.True(t, cb.lastUpdateReqReset)
}

// UpdateReq is rejected outright outside ANSWERED/DATACHAN_ESTABLISHED —
// a deliberate divergence from the original, see DESIGN.md Open Question 1.
func TestUpdateReqRejectedInWrongState(t *testing.T) {
	conn, _, _, _ := newTestConnection(t, "alice", "c1")
	err := conn.UpdateReq("sdp", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, Idle, conn.CurrentState())
}

// S6: a remote CANCEL while PENDING_INCOMING terminates the call with no
// outbound message.
func TestRecvCancelTerminates(t *testing.T) {
	conn, tr, _, cb := newTestConnection(t, "alice", "c1")

	conn.RecvMessage("bob", "c2", &Message{
		Type:            TypeSetup,
		SessionIDSender: "peer1",
		SDP:             "offer",
		Props:           Props{},
	})
	sentBefore := len(tr.sent)

	conn.RecvMessage("bob", "c2", &Message{Type: TypeCancel, SessionIDSender: "peer1"})

	assert.Equal(t, Terminating, conn.CurrentState())
	assert.Equal(t, 1, cb.closeCalls)
	assert.ErrorIs(t, cb.lastCloseErr, ErrCanceled)
	assert.Equal(t, sentBefore, len(tr.sent), "cancel produces no outbound message")
}

// A remote HANGUP request gets an automatic HANGUP response and closes.
func TestRecvHangupRequestRespondsAndCloses(t *testing.T) {
	conn, tr, _, cb := newTestConnection(t, "alice", "c1")
	bringToAnswered(t, conn)
	conn.SetDatachanEstablished()

	conn.RecvMessage("bob", "c2", &Message{
		Type:            TypeHangup,
		IsResponse:      false,
		SessionIDSender: conn.SessionIDRemote(),
	})

	assert.Equal(t, Terminating, conn.CurrentState())
	assert.Equal(t, 1, cb.closeCalls)
	assert.NoError(t, cb.lastCloseErr)
	last := tr.last()
	require.NotNil(t, last)
	assert.Equal(t, TypeHangup, last.Type)
	assert.True(t, last.IsResponse)
}

// A SETUP from an unexpected clientID once clientIdRemote is pinned is
// dropped, not adopted.
func TestRecvSetupWrongClientIDDropped(t *testing.T) {
	conn, _, _, cb := newTestConnection(t, "alice", "c1")
	bringToAnswered(t, conn)

	conn.RecvMessage("mallory", "c9", &Message{
		Type:            TypeSetup,
		IsResponse:      false,
		SessionIDSender: "intruder",
		SDP:             "bad-offer",
		Props:           Props{},
	})

	assert.Equal(t, Answered, conn.CurrentState())
	assert.Equal(t, 0, cb.connectCalls)
}

// A transport failure during Start propagates and terminates the record.
func TestStartTransportFailureTerminates(t *testing.T) {
	conn, tr, _, _ := newTestConnection(t, "alice", "c1")
	tr.failNext = ErrUnsupported

	err := conn.Start("sdp", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.Equal(t, Terminating, conn.CurrentState())
}

// Ending a call still PENDING_INCOMING closes on the next tick with no
// outbound CANCEL or HANGUP (mirrors a local user declining before
// answering).
func TestEndFromPendingIncoming(t *testing.T) {
	conn, tr, sched, cb := newTestConnection(t, "alice", "c1")

	conn.RecvMessage("bob", "c2", &Message{
		Type:            TypeSetup,
		SessionIDSender: "peer1",
		SDP:             "offer",
		Props:           Props{},
	})
	sentBefore := len(tr.sent)

	conn.End()
	assert.Equal(t, Terminating, conn.CurrentState())
	assert.Equal(t, 0, cb.closeCalls, "close is deferred to the next tick")

	sched.fireLatest()
	assert.Equal(t, 1, cb.closeCalls)
	assert.Equal(t, sentBefore, len(tr.sent))
}

func bringToAnswered(t *testing.T, conn *Connection) {
	t.Helper()
	bringToAnsweredWithPeer(t, conn, "bob", "c2")
}

func bringToAnsweredWithPeer(t *testing.T, conn *Connection, peerUser, peerClient string) {
	t.Helper()
	require.NoError(t, conn.Start("offer-sdp", nil))
	conn.RecvMessage(peerUser, peerClient, &Message{
		Type:            TypeSetup,
		IsResponse:      true,
		SessionIDSender: "peer-sess",
		SDP:             "answer-sdp",
	})
	require.Equal(t, Answered, conn.CurrentState())
}
