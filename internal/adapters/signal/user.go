package signal

import (
	"github.com/dkeye/Comms/internal/app"
	"github.com/dkeye/Comms/internal/domain"
	"github.com/rs/zerolog/log"
)

type WhoAmIPayload struct {
	User  domain.User     `json:"user"`
	Conn  string          `json:"conn"`
	Rooms []domain.RoomID `json:"rooms"`
}

func (ctl *SignalWSController) handleWhoAmI(conn *app.Connection) {
	env, err := domain.NewEnvelope(domain.TypeWhoAmI, WhoAmIPayload{
		User:  domain.User{ID: conn.Identity, Device: conn.Device},
		Conn:  string(conn.ID),
		Rooms: conn.Rooms(),
	})
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("whoami")
		return
	}
	ctl.Orch.SendTo(conn, env)
}

// handlePeerMessage forwards call lifecycle and direct-message envelopes,
// which are always addressed to one identity.
func (ctl *SignalWSController) handlePeerMessage(conn *app.Connection, env domain.Envelope) {
	if env.To == "" {
		ctl.Orch.SendError(conn, domain.ErrCodeBadPayload, errNoPeer, env)
		return
	}
	if env.Type == domain.TypeCallInvite && env.Room.Kind() != domain.RoomKindAdHoc {
		ctl.Orch.SendError(conn, domain.ErrCodeBadPayload, errCallRoom, env)
		return
	}
	log.Debug().Str("module", "signal").Str("type", string(env.Type)).Str("from", string(conn.Identity)).Str("to", string(env.To)).Msg("peer message")
	ctl.forward(conn, env)
}
