package domain

// RoomInfo is a read-only view of a live room.
type RoomInfo struct {
	Name        RoomName `json:"name"`
	MemberCount int      `json:"member_count"`
}
