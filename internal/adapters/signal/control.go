package signal

import (
	"github.com/dkeye/Comms/internal/app"
	"github.com/dkeye/Comms/internal/domain"
)

func (ctl *SignalWSController) handlePing(conn *app.Connection) {
	ctl.Orch.SendTo(conn, domain.Envelope{Type: domain.TypePong})
}
