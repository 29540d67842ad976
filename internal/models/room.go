package models

import (
	"time"

	"github.com/google/uuid"
)

// Room is a shared session identified by a short code, owned by exactly one
// host. HostID never changes for the lifetime of the room; when the host
// leaves, the room is torn down, not reassigned.
type Room struct {
	ID         uuid.UUID `json:"id"`
	Code       string    `json:"code"`
	HostID     uuid.UUID `json:"host_id"`
	Name       string    `json:"name"`
	GameType   string    `json:"game_type,omitempty"`
	MaxPlayers int       `json:"max_players"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
}

// IsHost reports whether playerID owns the room.
func (r *Room) IsHost(playerID uuid.UUID) bool {
	return r.HostID == playerID
}

// Membership is the durable record of a player belonging to a room, unique
// per (room, player) pair. Distinct from presence: a member can be offline.
type Membership struct {
	ID          uuid.UUID `json:"id"`
	RoomID      uuid.UUID `json:"room_id"`
	PlayerID    uuid.UUID `json:"player_id"`
	DisplayName string    `json:"display_name"`
	IsReady     bool      `json:"is_ready"`
	JoinedAt    time.Time `json:"joined_at"`
}
