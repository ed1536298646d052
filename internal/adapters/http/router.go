package http

import (
	"context"
	"time"

	"github.com/dkeye/Comms/internal/adapters/signal"
	"github.com/dkeye/Comms/internal/app/orch"
	"github.com/dkeye/Comms/internal/auth"
	"github.com/dkeye/Comms/internal/config"
	transport "github.com/dkeye/Comms/internal/transport/http"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions(sessionName, store))

	h := transport.NewHandlers(o)
	limiter := signal.NewRoomRateLimiter(cfg.JoinRateLimit, cfg.JoinRateWindow)
	ctrl := signal.NewSignalWSController(o, limiter, signal.OptionsFromConfig(cfg))
	verifier := auth.NewVerifier(cfg.JWTSecret)

	r.GET("/healthz", h.Health)

	api := r.Group("/api")
	user := api.Group("", AuthMiddleware(verifier), DeviceMiddleware())
	user.GET("/ws/signal", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("user", string(identityOf(c))).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c, identityOf(c), c.GetString(ctxDevice))
	})
	user.GET("/rooms", h.ListRooms)
	user.GET("/rooms/:id", h.RoomPresence)

	notify := api.Group("/notify", ServiceTokenMiddleware(cfg.ServiceToken))
	notify.POST("/direct-message", h.NotifyDirectMessage)
	notify.POST("/broadcast", h.NotifyBroadcast)
	notify.DELETE("/rooms/:id", h.EvictRoom)

	go sweepLimiter(ctx, limiter, cfg)

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}

func sweepLimiter(ctx context.Context, l *signal.RoomRateLimiter, cfg *config.Config) {
	if cfg.JoinRateWindow <= 0 {
		return
	}
	t := time.NewTicker(cfg.JoinRateWindow)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Sweep()
		}
	}
}
