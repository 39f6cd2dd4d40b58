package core

import (
	"errors"

	"github.com/dkeye/Mesh/internal/domain"
)

var (
	ErrBackpressure     = errors.New("backpressure")
	ErrConnectionClosed = errors.New("connection closed")
)

// Frame is a raw encoded signaling message.
type Frame []byte

// SessionID identifies one physical signaling connection.
type SessionID string

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// TrySend enqueues without blocking. It returns ErrBackpressure when the
	// outbound queue is full and ErrConnectionClosed after Close.
	TrySend(Frame) error
	Close()
}

// Entry is one membership entry: a signaling connection and the identity it
// announced. Entries are distinct per SID even when Peer collides.
type Entry struct {
	SID  SessionID
	Peer domain.PeerID
	Conn SignalConnection
}
