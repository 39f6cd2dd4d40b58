package mesh

import (
	"errors"
	"fmt"

	"github.com/dkeye/Mesh/internal/domain"
)

var (
	ErrNotOpen       = errors.New("connection not open")
	ErrDialTimeout   = errors.New("connection attempt timed out")
	ErrLinkClosed    = errors.New("link closed")
	ErrTornDown      = errors.New("manager torn down")
	ErrSignalingLost = errors.New("signaling channel lost")
	ErrAlreadyJoined = errors.New("already joined")
	ErrJoinRejected  = errors.New("join rejected")
)

// TransportError is a failure scoped to one peer's record. It is reported to
// the application as a warning and never sent to signaling.
type TransportError struct {
	Op      string
	Peer    domain.PeerID
	Err     error
	Details string
}

func (e *TransportError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s %s: %v (%s)", e.Op, e.Peer, e.Err, e.Details)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Peer, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func newTransportError(op string, peer domain.PeerID, err error) *TransportError {
	return &TransportError{Op: op, Peer: peer, Err: err}
}

func wrapTransportError(op string, peer domain.PeerID, err error, details string) *TransportError {
	return &TransportError{Op: op, Peer: peer, Err: err, Details: details}
}
