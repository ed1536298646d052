package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Comms/internal/app"
	"github.com/dkeye/Comms/internal/app/orch"
	"github.com/dkeye/Comms/internal/config"
	"github.com/dkeye/Comms/internal/core"
	"github.com/dkeye/Comms/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Options struct {
	ReadLimit  int64
	WriteWait  time.Duration
	PongWait   time.Duration
	PingPeriod time.Duration
	SendBuffer int
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ReadLimit:  cfg.ReadLimit,
		WriteWait:  cfg.WriteWait,
		PongWait:   cfg.PongWait,
		PingPeriod: cfg.PingPeriod,
		SendBuffer: cfg.SendBuffer,
	}
}

func DefaultOptions() Options {
	return Options{
		ReadLimit:  64 << 10,
		WriteWait:  10 * time.Second,
		PongWait:   60 * time.Second,
		PingPeriod: 54 * time.Second,
		SendBuffer: 32,
	}
}

type SignalWSController struct {
	Orch    *orch.Orchestrator
	Limiter *RoomRateLimiter
	opts    Options
}

func NewSignalWSController(o *orch.Orchestrator, limiter *RoomRateLimiter, opts Options) *SignalWSController {
	return &SignalWSController{
		Orch:    o,
		Limiter: limiter,
		opts:    opts,
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrSignalClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and runs the connection until either
// side goes away. who must already be authenticated.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context, who domain.Identity, device string) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	sig := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.opts.SendBuffer),
	}
	ctx, cancel := context.WithCancel(ctx)
	conn := app.NewConnection(core.ConnID(uuid.NewString()), who, sig, cancel)
	conn.Device = device
	ctl.Orch.Register(conn)
	log.Info().Str("module", "signal").Str("conn", string(conn.ID)).Str("user", string(who)).Str("device", device).Msg("new WS connection")

	go ctl.writePump(ctx, conn.ID, sig)
	go ctl.readPump(ctx, conn, sig)
}
