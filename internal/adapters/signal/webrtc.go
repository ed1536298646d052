package signal

import (
	"errors"

	"github.com/dkeye/Comms/internal/app"
	"github.com/dkeye/Comms/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	errNoPeer    = errors.New("peer target required")
	errCallRoom  = errors.New("call-invite needs an ad-hoc room")
	errSDPType   = errors.New("description type does not match envelope")
	errEmptySDP  = errors.New("empty session description")
	errNoContext = errors.New("room context required")
)

// handleNegotiation checks the offer/answer/candidate payload is well formed
// before forwarding it; the relay never looks into the SDP otherwise.
func (ctl *SignalWSController) handleNegotiation(conn *app.Connection, env domain.Envelope) {
	if env.To == "" {
		ctl.Orch.SendError(conn, domain.ErrCodeBadPayload, errNoPeer, env)
		return
	}
	if env.Room == "" {
		ctl.Orch.SendError(conn, domain.ErrCodeBadPayload, errNoContext, env)
		return
	}
	if err := validateNegotiation(env); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(conn.ID)).Str("type", string(env.Type)).Msg("bad negotiation payload")
		ctl.Orch.SendError(conn, domain.ErrCodeBadPayload, err, env)
		return
	}
	ctl.forward(conn, env)
}

func validateNegotiation(env domain.Envelope) error {
	switch env.Type {
	case domain.TypeSessionOffer, domain.TypeSessionAnswer:
		var sd webrtc.SessionDescription
		if err := env.Decode(&sd); err != nil {
			return err
		}
		want := webrtc.SDPTypeOffer
		if env.Type == domain.TypeSessionAnswer {
			want = webrtc.SDPTypeAnswer
		}
		if sd.Type != want {
			return errSDPType
		}
		if sd.SDP == "" {
			return errEmptySDP
		}
	case domain.TypeICECandidate:
		var ci webrtc.ICECandidateInit
		if err := env.Decode(&ci); err != nil {
			return err
		}
	}
	return nil
}
