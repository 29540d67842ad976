package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/quizparty/roomsync/internal/models"
)

// Subscription is one open pub/sub channel. Close tears down the underlying
// redis subscription and stops the read pump; pending handler calls may
// still be in flight, so consumers guard on the change's room id.
type Subscription struct {
	ps interface{ Close() error }
}

// Close unsubscribes. Safe to call once per subscription.
func (s *Subscription) Close() error {
	if s == nil || s.ps == nil {
		return nil
	}
	return s.ps.Close()
}

func changeChannel(table string, roomID uuid.UUID) (string, error) {
	switch table {
	case models.TableMembers:
		return membersChannel(roomID), nil
	case models.TableGameStates:
		return gameStateChannel(roomID), nil
	case models.TableRooms:
		return metaChannel(roomID), nil
	}
	return "", fmt.Errorf("no change channel for table %q", table)
}

// PublishChange fans a committed row change out to the room's subscribers.
// Every write path calls this after its transaction commits so remote read
// models converge without polling.
func (b *Bus) PublishChange(ctx context.Context, change models.Change) error {
	channel, err := changeChannel(change.Table, change.RoomID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("failed to marshal change: %w", err)
	}
	if err := b.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish change on %s: %w", channel, err)
	}
	return nil
}

// SubscribeChanges opens the change-notification channel for one table,
// filtered to one room id, and pumps decoded changes into fn until the
// subscription is closed.
func (b *Bus) SubscribeChanges(ctx context.Context, table string, roomID uuid.UUID, fn func(models.Change)) (io.Closer, error) {
	channel, err := changeChannel(table, roomID)
	if err != nil {
		return nil, err
	}
	ps := b.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	go func() {
		for msg := range ps.Channel() {
			var change models.Change
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				b.log.WithError(err).WithField("channel", msg.Channel).Warn("dropping undecodable change event")
				continue
			}
			fn(change)
		}
	}()

	return &Subscription{ps: ps}, nil
}
