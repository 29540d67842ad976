// Package presence maintains the ephemeral "who is currently connected"
// read model. It is eventually consistent, allowed to be stale right after
// a reconnect, and advisory only: gameplay is gated by membership, never by
// presence.
package presence

import (
	"sync"

	"github.com/google/uuid"

	"github.com/quizparty/roomsync/internal/models"
)

// Tracker is the per-room presence read model, rebuilt from a sync snapshot
// plus incremental join/leave events.
type Tracker struct {
	mu      sync.Mutex
	roomID  uuid.UUID
	entries map[uuid.UUID]models.PresenceEntry
}

// NewTracker returns an empty, unbound tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Bind attaches the tracker to a room, discarding any previous state.
func (t *Tracker) Bind(roomID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roomID = roomID
	t.entries = make(map[uuid.UUID]models.PresenceEntry)
}

// Reset clears the tracker when the room is left or vanishes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roomID = uuid.Nil
	t.entries = nil
}

// Apply ingests a presence event. Sync replaces the whole local state;
// join and leave adjust a single key.
func (t *Tracker) Apply(ev models.PresenceEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries == nil || ev.RoomID != t.roomID {
		return
	}
	switch ev.Type {
	case models.PresenceSync:
		t.entries = make(map[uuid.UUID]models.PresenceEntry, len(ev.Entries))
		for id, entry := range ev.Entries {
			t.entries[id] = entry
		}
	case models.PresenceJoin:
		if ev.Entry != nil {
			t.entries[ev.Entry.PlayerID] = *ev.Entry
		}
	case models.PresenceLeave:
		delete(t.entries, ev.PlayerID)
	}
}

// Online returns the set of currently connected player ids.
func (t *Tracker) Online() map[uuid.UUID]models.PresenceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[uuid.UUID]models.PresenceEntry, len(t.entries))
	for id, entry := range t.entries {
		out[id] = entry
	}
	return out
}

// IsOnline reports whether a player currently has a tracked connection.
func (t *Tracker) IsOnline(playerID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[playerID]
	return ok
}
