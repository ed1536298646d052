package signal

import (
	"errors"

	"github.com/dkeye/Comms/internal/app"
	"github.com/dkeye/Comms/internal/core"
	"github.com/dkeye/Comms/internal/domain"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleJoin(conn *app.Connection, env domain.Envelope) {
	if ctl.Limiter != nil && !ctl.Limiter.Allow(conn.Identity) {
		log.Warn().Str("module", "signal").Str("user", string(conn.Identity)).Str("room", string(env.Room)).Msg("join rate limited")
		ctl.Orch.SendError(conn, domain.ErrCodeRateLimited, nil, env)
		return
	}

	log.Info().Str("module", "signal").Str("conn", string(conn.ID)).Str("room", string(env.Room)).Msg("join")
	err := ctl.Orch.Join(conn.ID, env.Room)
	switch {
	case err == nil:
	case errors.Is(err, core.ErrRoomFull):
		ctl.Orch.SendError(conn, domain.ErrCodeRoomFull, err, env)
	default:
		ctl.Orch.SendError(conn, domain.ErrCodeBadPayload, err, env)
	}
}

// handleLeave leaves one room; the connection itself stays open.
func (ctl *SignalWSController) handleLeave(conn *app.Connection, env domain.Envelope) {
	log.Info().Str("module", "signal").Str("conn", string(conn.ID)).Str("room", string(env.Room)).Msg("leave")
	if err := ctl.Orch.Leave(conn.ID, env.Room); err != nil {
		ctl.Orch.SendError(conn, domain.ErrCodeNotMember, err, env)
	}
}
