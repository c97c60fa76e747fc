package econn

import "time"

// Callbacks is the fixed, typed notification surface raised by a
// Connection. All five fire synchronously from within whichever
// Connection method triggered them; implementations must not re-enter
// the same Connection except through its documented operations (spec
// §6.2).
type Callbacks interface {
	// OnConnect fires when a SETUP request is accepted in IDLE.
	OnConnect(conn *Connection, t time.Time, userIDSender, clientIDSender string, age time.Duration, sdp string, props Props)

	// OnAnswer fires when a SETUP response is accepted, or when
	// CONFLICT_RESOLUTION is entered after losing glare.
	OnAnswer(conn *Connection, fromConflict bool, sdp string, props Props)

	// OnUpdateReq fires when an UPDATE request is accepted.
	OnUpdateReq(conn *Connection, userIDSender, clientIDSender string, sdp string, props Props, shouldReset bool)

	// OnUpdateResp fires when an UPDATE response is accepted.
	OnUpdateResp(conn *Connection, sdp string, props Props)

	// OnClose fires exactly once, last, when the connection terminates.
	OnClose(conn *Connection, err error)
}
