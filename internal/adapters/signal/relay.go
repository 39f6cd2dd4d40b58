package signal

import (
	"errors"

	"github.com/dkeye/Mesh/internal/app"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/rs/zerolog/log"
)

// handleRelay forwards transport negotiation (offer, answer, candidates) to
// a room mate. The payload is never inspected.
func (ctl *SignalWSController) handleRelay(sid core.SessionID, conn *WsSignalConn, env core.Envelope) {
	err := ctl.Coord.Relay(sid, env.To, env.Data)
	switch {
	case err == nil:
	case errors.Is(err, app.ErrNotInRoom):
		ctl.sendJSON(conn, core.ErrorEnvelope(core.CodeNotInRoom))
	default:
		log.Debug().Err(err).Str("module", "signal").Str("sid", string(sid)).Str("to", string(env.To)).Msg("relay dropped")
	}
}
