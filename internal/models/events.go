package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ChangeOp mirrors the row operation that produced a change notification.
type ChangeOp string

const (
	OpInsert ChangeOp = "INSERT"
	OpUpdate ChangeOp = "UPDATE"
	OpDelete ChangeOp = "DELETE"
)

// Change table names, matching the underlying schema.
const (
	TableRooms      = "rooms"
	TableMembers    = "room_members"
	TableGameStates = "game_states"
)

// Change is a row-level change notification published after every committed
// write. Row carries the full row after the write (empty for deletes, except
// the key fields the payload type defines); subscribers re-derive their read
// models from it rather than patching incrementally.
type Change struct {
	Table  string          `json:"table"`
	Op     ChangeOp        `json:"op"`
	RoomID uuid.UUID       `json:"room_id"`
	RowID  uuid.UUID       `json:"row_id,omitempty"`
	Row    json.RawMessage `json:"row,omitempty"`
}

// PresenceMeta is the small payload a client announces when tracking itself
// on a room's presence channel.
type PresenceMeta struct {
	DisplayName string    `json:"display_name"`
	OnlineSince time.Time `json:"online_since"`
}

// PresenceEntry is one tracked connection. Ref distinguishes connections so
// a reconnecting client replaces its stale entry instead of duplicating it.
// Entries live only in client memory and a short-lived server-side snapshot;
// they are advisory and never gate gameplay.
type PresenceEntry struct {
	RoomID     uuid.UUID    `json:"room_id"`
	PlayerID   uuid.UUID    `json:"player_id"`
	Ref        string       `json:"ref"`
	Meta       PresenceMeta `json:"meta"`
	LastSeenAt time.Time    `json:"last_seen_at"`
}

// PresenceEventType classifies presence channel events.
type PresenceEventType string

const (
	PresenceSync  PresenceEventType = "sync"
	PresenceJoin  PresenceEventType = "join"
	PresenceLeave PresenceEventType = "leave"
)

// PresenceEvent drives the presence read model. Sync events replace the
// whole local state with Entries; join/leave add or remove a single key.
type PresenceEvent struct {
	Type     PresenceEventType           `json:"type"`
	RoomID   uuid.UUID                   `json:"room_id"`
	PlayerID uuid.UUID                   `json:"player_id,omitempty"`
	Entry    *PresenceEntry              `json:"entry,omitempty"`
	Entries  map[uuid.UUID]PresenceEntry `json:"entries,omitempty"`
}

// BroadcastMessage is an ephemeral fire-and-forget signal on a room's
// broadcast channel. Not persisted, not replayed to late joiners.
type BroadcastMessage struct {
	Event    string          `json:"event"`
	SenderID uuid.UUID       `json:"sender_id"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	SentAt   time.Time       `json:"sent_at"`
}
