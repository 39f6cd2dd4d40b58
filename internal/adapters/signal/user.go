package signal

import "github.com/dkeye/Mesh/internal/core"

func (ctl *SignalWSController) handleWhoAmI(sid core.SessionID, conn *WsSignalConn) {
	resp := core.Envelope{Type: core.TypeWhoAmI}
	if room, peer, ok := ctl.Coord.Registry.RoomOf(sid); ok {
		resp.Room = room
		resp.Peer = peer
	}
	ctl.sendJSON(conn, resp)
}
