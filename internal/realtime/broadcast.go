package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/quizparty/roomsync/internal/models"
)

// PublishBroadcast sends an ephemeral signal on the room's broadcast
// channel. Not persisted and not replayed to late joiners; meant for
// transient cues that do not belong in game state.
func (b *Bus) PublishBroadcast(ctx context.Context, roomID, senderID uuid.UUID, event string, payload json.RawMessage) error {
	msg := models.BroadcastMessage{
		Event:    event,
		SenderID: senderID,
		Payload:  payload,
		SentAt:   time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast: %w", err)
	}
	if err := b.rdb.Publish(ctx, broadcastChannel(roomID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish broadcast: %w", err)
	}
	return nil
}

// SubscribeBroadcast opens the room's broadcast channel and pumps decoded
// messages into fn until closed.
func (b *Bus) SubscribeBroadcast(ctx context.Context, roomID uuid.UUID, fn func(models.BroadcastMessage)) (io.Closer, error) {
	channel := broadcastChannel(roomID)
	ps := b.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	go func() {
		for msg := range ps.Channel() {
			var bm models.BroadcastMessage
			if err := json.Unmarshal([]byte(msg.Payload), &bm); err != nil {
				b.log.WithError(err).WithField("channel", msg.Channel).Warn("dropping undecodable broadcast")
				continue
			}
			fn(bm)
		}
	}()

	return &Subscription{ps: ps}, nil
}
