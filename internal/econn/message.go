package econn

import (
	"encoding/json"
	"strings"
	"time"
)

// ProtocolVersion is the single wire version this codec understands.
// There is no forward compatibility: any other value fails to decode.
const ProtocolVersion = "3.0"

// MsgType is the wire message type tag.
type MsgType string

const (
	TypeSetup    MsgType = "setup"
	TypeUpdate   MsgType = "update"
	TypeCancel   MsgType = "cancel"
	TypeHangup   MsgType = "hangup"
	TypePropsync MsgType = "propsync"
)

// Message is the decoded, tagged record exchanged between two econn
// endpoints (spec §3).
type Message struct {
	Type            MsgType
	SessionIDSender string
	IsResponse      bool
	Time            time.Time
	Age             time.Duration

	SDP   string // SETUP, UPDATE only
	Props Props  // SETUP/UPDATE: optional; PROPSYNC: mandatory
}

// wireMessage is the JSON envelope on the wire. Props is a pointer so the
// codec can tell "absent" from "present but empty".
type wireMessage struct {
	Version string  `json:"version"`
	Type    string  `json:"type"`
	SessID  string  `json:"sessid"`
	Resp    bool    `json:"resp"`
	SDP     *string `json:"sdp,omitempty"`
	Props   *Props  `json:"props,omitempty"`
}

// Encode produces a fresh wire string for msg.
func Encode(msg *Message) (string, error) {
	if msg == nil {
		return "", newErr(KindInvalidArg, "nil message")
	}

	w := wireMessage{
		Version: ProtocolVersion,
		SessID:  msg.SessionIDSender,
		Resp:    msg.IsResponse,
	}

	switch msg.Type {
	case TypeSetup, TypeUpdate:
		w.Type = string(msg.Type)
		sdp := msg.SDP
		w.SDP = &sdp
		if msg.Props != nil {
			p := msg.Props
			w.Props = &p
		}

	case TypeCancel, TypeHangup:
		w.Type = string(msg.Type)

	case TypePropsync:
		if msg.Props == nil {
			return "", newErr(KindInvalidArg, "propsync requires props")
		}
		w.Type = string(msg.Type)
		p := msg.Props
		w.Props = &p

	default:
		return "", newErr(KindBadMessage, "unknown message type "+string(msg.Type))
	}

	b, err := json.Marshal(w)
	if err != nil {
		return "", newErr(KindInvalidArg, err.Error())
	}
	return string(b), nil
}

// Decode parses bytes into a Message, given the receiver's current wall
// clock (currTime) and the time the sender claims to have sent it
// (msgTime). Age is derived: 0 if the message claims to be from the
// future, else currTime - msgTime.
func Decode(currTime, msgTime time.Time, data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, newErr(KindBadMessage, "empty message")
	}

	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, newErr(KindBadMessage, err.Error())
	}

	if w.Version == "" {
		return nil, newErr(KindBadMessage, "missing 'version' field")
	}
	if !strings.EqualFold(w.Version, ProtocolVersion) {
		return nil, newErr(KindProtocol, "version mismatch: us="+ProtocolVersion+" msg="+w.Version)
	}
	if w.Type == "" {
		return nil, newErr(KindBadMessage, "missing 'type' field")
	}
	if w.SessID == "" {
		return nil, newErr(KindBadMessage, "missing 'sessid' field")
	}

	msg := &Message{
		SessionIDSender: w.SessID,
		IsResponse:      w.Resp,
	}

	switch strings.ToLower(w.Type) {
	case string(TypeSetup):
		msg.Type = TypeSetup
		if w.SDP == nil {
			return nil, newErr(KindBadMessage, "missing 'sdp' field")
		}
		msg.SDP = *w.SDP
		// props is mandatory on the wire for SETUP.
		if w.Props == nil {
			return nil, newErr(KindBadMessage, "missing 'props' field")
		}
		msg.Props = *w.Props

	case string(TypeUpdate):
		msg.Type = TypeUpdate
		if w.SDP == nil {
			return nil, newErr(KindBadMessage, "missing 'sdp' field")
		}
		msg.SDP = *w.SDP
		// props is optional for UPDATE.
		if w.Props != nil {
			msg.Props = *w.Props
		}

	case string(TypeCancel):
		msg.Type = TypeCancel

	case string(TypeHangup):
		msg.Type = TypeHangup

	case string(TypePropsync):
		msg.Type = TypePropsync
		if w.Props == nil {
			return nil, newErr(KindBadMessage, "missing 'props' field")
		}
		msg.Props = *w.Props

	default:
		return nil, newErr(KindBadMessage, "unknown message type '"+w.Type+"'")
	}

	msg.Time = msgTime
	if msgTime.After(currTime) {
		msg.Age = 0
	} else {
		msg.Age = currTime.Sub(msgTime)
	}

	return msg, nil
}
