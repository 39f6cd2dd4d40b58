// Package domain holds the identifiers shared by the coordinator and the mesh client.
package domain

import (
	"errors"
	"fmt"
)

const (
	MaxPeerIDLen   = 128
	MaxRoomNameLen = 128
)

var (
	ErrEmptyRoom = errors.New("room empty")
	ErrEmptyPeer = errors.New("peer identity empty")
	ErrTooLong   = errors.New("value too long")
)

type (
	PeerID   string
	RoomName string
)

// ValidationError reports a malformed join request. No state is mutated when
// it is returned.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ValidateJoin checks the pair announced by a joining connection.
func ValidateJoin(room RoomName, peer PeerID) error {
	if len(room) == 0 {
		return &ValidationError{Field: "room", Err: ErrEmptyRoom}
	}
	if len(room) > MaxRoomNameLen {
		return &ValidationError{Field: "room", Err: ErrTooLong}
	}
	if len(peer) == 0 {
		return &ValidationError{Field: "peerIdentity", Err: ErrEmptyPeer}
	}
	if len(peer) > MaxPeerIDLen {
		return &ValidationError{Field: "peerIdentity", Err: ErrTooLong}
	}
	return nil
}
