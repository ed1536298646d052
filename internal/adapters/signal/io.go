package signal

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/Comms/internal/app"
	"github.com/dkeye/Comms/internal/app/orch"
	"github.com/dkeye/Comms/internal/core"
	"github.com/dkeye/Comms/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, id core.ConnID, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Str("conn", string(id)).Msg("writePump ctx done")
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(ctl.opts.WriteWait))
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Str("conn", string(id)).Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.opts.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Str("conn", string(id)).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.opts.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("module", "signal").Str("conn", string(id)).Msg("ping failed")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, conn *app.Connection, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("conn", string(conn.ID)).Msg("readPump closing")
		conn.Cancel()
		ctl.Orch.Disconnect(conn.ID)
		c.Close()
	}()

	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	})

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "signal").Str("conn", string(conn.ID)).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
		ctl.handleSignal(conn, data)
	}
}

func (ctl *SignalWSController) handleSignal(conn *app.Connection, data []byte) {
	env, err := domain.ParseEnvelope(data)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("conn", string(conn.ID)).Msg("bad json")
		ctl.Orch.SendError(conn, domain.ErrCodeBadPayload, err, env)
		return
	}

	switch {
	case env.Broadcast:
		// Route refuses it and the sender learns why
		ctl.forward(conn, env)
	case env.Type == domain.TypeJoinRoom:
		ctl.handleJoin(conn, env)
	case env.Type == domain.TypeLeaveRoom:
		ctl.handleLeave(conn, env)
	case env.Type == domain.TypePing:
		ctl.handlePing(conn)
	case env.Type == domain.TypeWhoAmI:
		ctl.handleWhoAmI(conn)
	case env.Type.IsNegotiation():
		ctl.handleNegotiation(conn, env)
	case env.Type.IsCall(), env.Type == domain.TypeDirectMessage:
		ctl.handlePeerMessage(conn, env)
	case env.Type == domain.TypePresenceUpdate:
		log.Warn().Str("module", "signal").Str("conn", string(conn.ID)).Msg("client presence-update dropped")
	default:
		log.Warn().Str("module", "signal").Str("type", string(env.Type)).Msg("unknown signal")
		ctl.Orch.SendError(conn, domain.ErrCodeUnknownType, nil, env)
	}
}

// forward routes env and reports addressing problems back to the sender.
func (ctl *SignalWSController) forward(conn *app.Connection, env domain.Envelope) {
	err := ctl.Orch.Route(conn.ID, env)
	switch {
	case err == nil:
	case errors.Is(err, core.ErrNotMember):
		ctl.Orch.SendError(conn, domain.ErrCodeNotMember, err, env)
	case errors.Is(err, orch.ErrBroadcastDenied):
		ctl.Orch.SendError(conn, domain.ErrCodeForbidden, err, env)
	default:
		ctl.Orch.SendError(conn, domain.ErrCodeBadPayload, err, env)
	}
}
