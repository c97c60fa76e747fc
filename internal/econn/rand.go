package econn

import "crypto/rand"

const sessIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// randSessID mints a short local session id, analogous to the original
// implementation's rand_str(conn->sessid_local, 5).
func randSessID() (string, error) {
	var buf [5]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	out := make([]byte, 5)
	for i, b := range buf {
		out[i] = sessIDAlphabet[int(b)%len(sessIDAlphabet)]
	}
	return string(out), nil
}
