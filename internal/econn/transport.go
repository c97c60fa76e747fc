package econn

// Transport is the single outbound operation a Connection is bound to. The
// core never dials, listens or retries: send failures propagate back
// through whichever operation triggered them (spec §6.1).
type Transport interface {
	Send(msg *Message) error
}
