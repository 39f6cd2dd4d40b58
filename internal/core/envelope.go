package core

import (
	"encoding/json"

	"github.com/dkeye/Mesh/internal/domain"
)

// Signaling message types.
const (
	TypeJoin   = "join"
	TypeLeave  = "leave"
	TypeSignal = "signal"
	TypePing   = "ping"
	TypeWhoAmI = "whoami"

	TypeSnapshot   = "snapshot"
	TypePeerJoined = "peer-joined"
	TypePeerLeft   = "peer-left"
	TypeLeft       = "left"
	TypePong       = "pong"
	TypeError      = "error"
)

// Error codes carried by TypeError envelopes.
const (
	CodeValidation  = "validation"
	CodeBadPayload  = "bad_payload"
	CodeNotInRoom   = "not_in_room"
	CodeRateLimited = "rate_limited"
	CodeUnknownType = "unknown_type"
)

// Envelope is the union of every signaling message in both directions.
type Envelope struct {
	Type  string          `json:"type"`
	Room  domain.RoomName `json:"room,omitempty"`
	Peer  domain.PeerID   `json:"peerIdentity,omitempty"`
	Peers []domain.PeerID `json:"peers,omitempty"`
	To    domain.PeerID   `json:"to,omitempty"`
	From  domain.PeerID   `json:"from,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Snapshot always carries the peers array, even when the room was empty.
type Snapshot struct {
	Type  string          `json:"type"`
	Room  domain.RoomName `json:"room"`
	Peers []domain.PeerID `json:"peers"`
}

func NewSnapshot(room domain.RoomName, peers []domain.PeerID) Snapshot {
	if peers == nil {
		peers = []domain.PeerID{}
	}
	return Snapshot{Type: TypeSnapshot, Room: room, Peers: peers}
}

func PeerJoined(peer domain.PeerID) Envelope {
	return Envelope{Type: TypePeerJoined, Peer: peer}
}

func PeerLeft(peer domain.PeerID) Envelope {
	return Envelope{Type: TypePeerLeft, Peer: peer}
}

func ErrorEnvelope(code string) Envelope {
	return Envelope{Type: TypeError, Error: code}
}

// Encode marshals v into a Frame.
func Encode(v any) (Frame, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Frame(b), nil
}
