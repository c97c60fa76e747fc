package signaling

import (
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	"github.com/rs/zerolog/log"
)

const (
	sessionUserKey     = "user_id"
	clientCookieName   = "ect"
	clientCookieMaxAge = 3600 * 24 * 365
)

// IdentityMiddleware establishes a durable userID (via the gin session
// cookie) and a durable per-browser clientID (via a directly-managed
// securecookie, independent of the session store) on every request. Both
// are mint-on-first-sight and stable thereafter, giving each econn
// endpoint a persistent (userID, clientID) identity across reconnects.
type IdentityMiddleware struct {
	sc *securecookie.SecureCookie
}

func NewIdentityMiddleware(hashKey, blockKey []byte) *IdentityMiddleware {
	return &IdentityMiddleware{sc: securecookie.New(hashKey, blockKey)}
}

func (m *IdentityMiddleware) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := sessions.Default(c)
		userID, _ := sess.Get(sessionUserKey).(string)
		if userID == "" {
			userID = uuid.NewString()
			sess.Set(sessionUserKey, userID)
			if err := sess.Save(); err != nil {
				log.Error().Err(err).Str("module", "signaling.identity").Msg("session save failed")
			}
		}

		clientID := m.readClientCookie(c)
		if clientID == "" {
			clientID = uuid.NewString()
			m.writeClientCookie(c, clientID)
		}

		c.Set("user_id", userID)
		c.Set("client_id", clientID)
		c.Next()
	}
}

func (m *IdentityMiddleware) readClientCookie(c *gin.Context) string {
	raw, err := c.Cookie(clientCookieName)
	if err != nil || raw == "" {
		return ""
	}
	var clientID string
	if err := m.sc.Decode(clientCookieName, raw, &clientID); err != nil {
		log.Warn().Err(err).Str("module", "signaling.identity").Msg("client cookie decode failed, reissuing")
		return ""
	}
	return clientID
}

func (m *IdentityMiddleware) writeClientCookie(c *gin.Context, clientID string) {
	encoded, err := m.sc.Encode(clientCookieName, clientID)
	if err != nil {
		log.Error().Err(err).Str("module", "signaling.identity").Msg("client cookie encode failed")
		return
	}
	c.SetCookie(clientCookieName, encoded, clientCookieMaxAge, "/", "", false, true)
}
