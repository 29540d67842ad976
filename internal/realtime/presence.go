package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid"

	"github.com/quizparty/roomsync/internal/models"
)

// presenceTTL bounds how long a room's presence snapshot outlives its last
// writer. Entries are advisory; letting the hash lapse is harmless.
const presenceTTL = time.Hour

// SubscribePresence opens the room's presence channel. Before any live
// events are delivered, fn receives a synthetic sync event built from the
// current server-side snapshot, replacing whatever local state the caller
// held. Used right after (re)connect, when local presence may be stale.
func (b *Bus) SubscribePresence(ctx context.Context, roomID uuid.UUID, fn func(models.PresenceEvent)) (io.Closer, error) {
	channel := presenceChannel(roomID)
	ps := b.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	snapshot, err := b.presenceSnapshot(ctx, roomID)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}

	go func() {
		fn(models.PresenceEvent{Type: models.PresenceSync, RoomID: roomID, Entries: snapshot})
		for msg := range ps.Channel() {
			var ev models.PresenceEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.log.WithError(err).WithField("channel", msg.Channel).Warn("dropping undecodable presence event")
				continue
			}
			fn(ev)
		}
	}()

	return &Subscription{ps: ps}, nil
}

// TrackPresence announces the local player on the room's presence channel
// and records it in the snapshot hash. The returned entry carries the
// connection ref needed to untrack later.
func (b *Bus) TrackPresence(ctx context.Context, roomID, playerID uuid.UUID, meta models.PresenceMeta) (*models.PresenceEntry, error) {
	entry := models.PresenceEntry{
		RoomID:     roomID,
		PlayerID:   playerID,
		Ref:        shortuuid.New(),
		Meta:       meta,
		LastSeenAt: time.Now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal presence entry: %w", err)
	}

	key := presenceHashKey(roomID)
	if err := b.rdb.HSet(ctx, key, playerID.String(), data).Err(); err != nil {
		return nil, fmt.Errorf("failed to record presence: %w", err)
	}
	b.rdb.Expire(ctx, key, presenceTTL)

	b.publishPresence(ctx, roomID, models.PresenceEvent{
		Type:     models.PresenceJoin,
		RoomID:   roomID,
		PlayerID: playerID,
		Entry:    &entry,
	})
	return &entry, nil
}

// UntrackPresence withdraws the local player's presence entry. Best-effort:
// a missed untrack is corrected by the next sync snapshot.
func (b *Bus) UntrackPresence(ctx context.Context, entry *models.PresenceEntry) error {
	if entry == nil {
		return nil
	}
	if err := b.rdb.HDel(ctx, presenceHashKey(entry.RoomID), entry.PlayerID.String()).Err(); err != nil {
		return fmt.Errorf("failed to remove presence entry: %w", err)
	}
	b.publishPresence(ctx, entry.RoomID, models.PresenceEvent{
		Type:     models.PresenceLeave,
		RoomID:   entry.RoomID,
		PlayerID: entry.PlayerID,
	})
	return nil
}

func (b *Bus) publishPresence(ctx context.Context, roomID uuid.UUID, ev models.PresenceEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		b.log.WithError(err).Warn("failed to marshal presence event")
		return
	}
	if err := b.rdb.Publish(ctx, presenceChannel(roomID), data).Err(); err != nil {
		b.log.WithError(err).WithField("room_id", roomID).Warn("failed to publish presence event")
	}
}

func (b *Bus) presenceSnapshot(ctx context.Context, roomID uuid.UUID) (map[uuid.UUID]models.PresenceEntry, error) {
	raw, err := b.rdb.HGetAll(ctx, presenceHashKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read presence snapshot: %w", err)
	}
	entries := make(map[uuid.UUID]models.PresenceEntry, len(raw))
	for field, value := range raw {
		playerID, err := uuid.Parse(field)
		if err != nil {
			b.log.WithField("field", field).Warn("skipping malformed presence key")
			continue
		}
		var entry models.PresenceEntry
		if err := json.Unmarshal([]byte(value), &entry); err != nil {
			b.log.WithError(err).WithField("player_id", playerID).Warn("skipping malformed presence entry")
			continue
		}
		entries[playerID] = entry
	}
	return entries, nil
}
