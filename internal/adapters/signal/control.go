package signal

import "github.com/dkeye/Mesh/internal/core"

func (ctl *SignalWSController) handlePing(conn *WsSignalConn) {
	ctl.sendJSON(conn, core.Envelope{Type: core.TypePong})
}
