// Package realtime is the ephemeral half of the data store collaborator:
// per-room pub/sub channels for row change notifications, presence and
// fire-and-forget broadcasts, backed by redis.
package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Bus multiplexes the room-scoped channels over a single redis client.
type Bus struct {
	rdb *redis.Client
	log *logrus.Logger
}

// Connect initializes a redis client and verifies connectivity.
func Connect(ctx context.Context, addr string, db int, log *logrus.Logger) (*Bus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &Bus{rdb: rdb, log: log}, nil
}

// NewBus wraps an existing client, mainly for tests that bring their own.
func NewBus(rdb *redis.Client, log *logrus.Logger) *Bus {
	return &Bus{rdb: rdb, log: log}
}

// Close releases the redis client.
func (b *Bus) Close() error {
	return b.rdb.Close()
}

// Channel keys, all scoped to one room id.

func membersChannel(roomID uuid.UUID) string   { return "room:" + roomID.String() + ":members" }
func gameStateChannel(roomID uuid.UUID) string { return "room:" + roomID.String() + ":game_state" }
func metaChannel(roomID uuid.UUID) string      { return "room:" + roomID.String() + ":meta" }
func presenceChannel(roomID uuid.UUID) string  { return "room:" + roomID.String() + ":presence" }
func broadcastChannel(roomID uuid.UUID) string { return "room:" + roomID.String() + ":broadcast" }

func presenceHashKey(roomID uuid.UUID) string {
	return "room:" + roomID.String() + ":presence:entries"
}
