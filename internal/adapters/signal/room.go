package signal

import (
	"errors"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/rs/zerolog/log"
)

// handleJoin announces (room, peerIdentity). The snapshot and the peer-joined
// fan-out are produced by the coordinator.
func (ctl *SignalWSController) handleJoin(sid core.SessionID, conn *WsSignalConn, env core.Envelope) {
	if !ctl.Limiter.Allow(sid) {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Msg("join rate limited")
		ctl.sendJSON(conn, core.ErrorEnvelope(core.CodeRateLimited))
		return
	}

	err := ctl.Coord.Join(sid, env.Room, env.Peer)
	var ve *domain.ValidationError
	switch {
	case err == nil:
	case errors.As(err, &ve):
		log.Info().Str("module", "signal").Str("sid", string(sid)).Str("field", ve.Field).Msg("join rejected")
		ctl.sendJSON(conn, core.ErrorEnvelope(core.CodeValidation))
	default:
		log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("join failed")
	}
}

// handleLeave exits the current room; the connection stays open.
func (ctl *SignalWSController) handleLeave(sid core.SessionID, conn *WsSignalConn) {
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("leave")
	ctl.Coord.Leave(sid)
	ctl.sendJSON(conn, core.Envelope{Type: core.TypeLeft})
}
