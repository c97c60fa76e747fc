package signaling

import (
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/econn/internal/config"
	"github.com/dkeye/econn/internal/registry"
)

// SetupRouter wires session/identity middleware, static asset serving and
// the WebSocket relay endpoint.
func SetupRouter(cfg *config.Config, hub *Hub, reg *registry.Registry) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("econn_session", store))

	identity := NewIdentityMiddleware([]byte(cfg.Secret), nil)
	r.Use(identity.Handler())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	ctl := NewController(hub)
	callCtl := NewCallController(hub, reg, cfg.EconnConfig())
	api := r.Group("/api")
	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "signaling.router").Str("user", c.GetString("user_id")).Msg("ws signal endpoint hit")
		ctl.HandleSignal(c)
	})
	// whoami lets a client discover the (userID, clientID) the identity
	// middleware minted for it, so it can construct its own econn.Connection
	// before opening the relay socket.
	api.GET("/whoami", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"user_id":   c.GetString("user_id"),
			"client_id": c.GetString("client_id"),
		})
	})
	// call/* lets a browser client that never speaks the econn wire format
	// drive a call purely over REST/JSON; the Connection lives server-side
	// and pushes state changes back over the client's own relay socket.
	call := api.Group("/call")
	call.POST("/start", callCtl.Start)
	call.POST("/answer", callCtl.Answer)
	call.POST("/update", callCtl.Update)
	call.POST("/end", callCtl.End)
	call.GET("/debug", callCtl.Debug)

	return r
}
