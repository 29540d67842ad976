// Package channel owns the set of room-scoped subscriptions. For exactly
// one current room id at a time it keeps four channels open (membership
// changes, game-state changes, room metadata changes, presence) plus the
// broadcast side-channel, and guarantees the previous set is torn down
// completely before a new one opens.
package channel

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/quizparty/roomsync/internal/errs"
	"github.com/quizparty/roomsync/internal/member"
	"github.com/quizparty/roomsync/internal/models"
	"github.com/quizparty/roomsync/internal/presence"
	"github.com/quizparty/roomsync/internal/replicate"
)

// fetchTimeout bounds the initial bulk fetch; it sits on the critical path
// of joining a room and must not hang.
const fetchTimeout = 10 * time.Second

// Bus is the subscription surface of the realtime collaborator.
type Bus interface {
	SubscribeChanges(ctx context.Context, table string, roomID uuid.UUID, fn func(models.Change)) (io.Closer, error)
	SubscribePresence(ctx context.Context, roomID uuid.UUID, fn func(models.PresenceEvent)) (io.Closer, error)
	SubscribeBroadcast(ctx context.Context, roomID uuid.UUID, fn func(models.BroadcastMessage)) (io.Closer, error)
	TrackPresence(ctx context.Context, roomID, playerID uuid.UUID, meta models.PresenceMeta) (*models.PresenceEntry, error)
	UntrackPresence(ctx context.Context, entry *models.PresenceEntry) error
	PublishBroadcast(ctx context.Context, roomID, senderID uuid.UUID, event string, payload json.RawMessage) error
}

// Fetcher is the one-shot bulk read used to seed the read models so clients
// do not wait for a first change event.
type Fetcher interface {
	ListMemberships(ctx context.Context, roomID uuid.UUID) ([]models.Membership, error)
	GetGameState(ctx context.Context, roomID uuid.UUID) (*models.GameState, error)
}

// Manager tracks the currently subscribed room id in a stable reference and
// compares every SetRoom request against it: an unchanged key is a no-op,
// which is the idempotence guarantee that prevents re-subscription storms
// from unrelated state churn.
type Manager struct {
	bus     Bus
	fetcher Fetcher
	members *member.Store
	pres    *presence.Tracker
	game    *replicate.Replicator
	log     *logrus.Logger

	mu            sync.Mutex
	current       uuid.UUID
	self          uuid.UUID
	subs          []io.Closer
	presenceEntry *models.PresenceEntry

	onRoomGone  func(roomID uuid.UUID)
	onBroadcast func(models.BroadcastMessage)
}

// NewManager wires the manager against the realtime bus, the bulk fetcher
// and the three read models it feeds.
func NewManager(bus Bus, fetcher Fetcher, members *member.Store, pres *presence.Tracker, game *replicate.Replicator, log *logrus.Logger) *Manager {
	return &Manager{
		bus:     bus,
		fetcher: fetcher,
		members: members,
		pres:    pres,
		game:    game,
		log:     log,
	}
}

// OnRoomGone registers a callback for when the room row vanishes out from
// under the client. It fires after local teardown is complete.
func (m *Manager) OnRoomGone(fn func(roomID uuid.UUID)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRoomGone = fn
}

// OnBroadcast registers a handler for ephemeral broadcast messages.
func (m *Manager) OnBroadcast(fn func(models.BroadcastMessage)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onBroadcast = fn
}

// RoomID returns the currently subscribed room id, or uuid.Nil.
func (m *Manager) RoomID() uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// SetRoom makes the subscription set a pure function of (room id, user id).
// If the key is unchanged nothing happens. Otherwise the previous set is
// torn down completely, then — only when both ids are non-nil — the four
// channels open, the read models are seeded by a one-shot bulk fetch, and
// presence is announced last.
func (m *Manager) SetRoom(ctx context.Context, room *models.Room, self uuid.UUID, meta models.PresenceMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	desired := uuid.Nil
	if room != nil {
		desired = room.ID
	}
	if desired == m.current && self == m.self {
		return nil
	}

	m.teardownLocked(ctx)

	if room == nil || self == uuid.Nil {
		return nil
	}
	roomID := room.ID

	m.members.Bind(room, self)
	m.game.Bind(room, self)
	m.pres.Bind(roomID)

	subs, err := m.openLocked(ctx, roomID)
	if err != nil {
		m.closeSubs(subs)
		m.resetModelsLocked()
		return errs.Wrap(errs.CodeTransient, err, "failed to open room channels")
	}

	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	memberRows, err := m.fetcher.ListMemberships(fetchCtx, roomID)
	if err == nil {
		var gs *models.GameState
		gs, err = m.fetcher.GetGameState(fetchCtx, roomID)
		if err == nil {
			m.members.Replace(memberRows)
			m.game.Replace(gs)
		}
	}
	if err != nil {
		m.closeSubs(subs)
		m.resetModelsLocked()
		return err
	}

	// Presence announce is fire-and-forget: a failure is logged, never
	// surfaced, and never blocks the join.
	entry, err := m.bus.TrackPresence(ctx, roomID, self, meta)
	if err != nil {
		m.log.WithError(err).WithField("room_id", roomID).Warn("failed to announce presence")
		entry = nil
	}

	m.current = roomID
	m.self = self
	m.subs = subs
	m.presenceEntry = entry
	m.log.WithFields(logrus.Fields{"room_id": roomID, "player_id": self}).Info("room channels open")
	return nil
}

// Clear tears down the current subscription set and read models. Always
// succeeds locally regardless of transport state.
func (m *Manager) Clear(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked(ctx)
}

// Broadcast sends an ephemeral fire-and-forget signal on the current room's
// broadcast channel.
func (m *Manager) Broadcast(ctx context.Context, event string, payload json.RawMessage) error {
	m.mu.Lock()
	roomID := m.current
	self := m.self
	m.mu.Unlock()

	if roomID == uuid.Nil {
		return errs.New(errs.CodeInvariant, "not in a room")
	}
	return m.bus.PublishBroadcast(ctx, roomID, self, event, payload)
}

// openLocked opens the full channel set for roomID. Every handler re-checks
// the current room id before applying, so events from a torn-down
// subscription that are still in flight cannot touch the new room's state.
func (m *Manager) openLocked(ctx context.Context, roomID uuid.UUID) ([]io.Closer, error) {
	var subs []io.Closer

	sub, err := m.bus.SubscribeChanges(ctx, models.TableMembers, roomID, func(c models.Change) {
		if m.isCurrent(roomID) {
			m.members.Apply(c)
		}
	})
	if err != nil {
		return subs, err
	}
	subs = append(subs, sub)

	sub, err = m.bus.SubscribeChanges(ctx, models.TableGameStates, roomID, func(c models.Change) {
		if m.isCurrent(roomID) {
			m.game.Apply(c)
		}
	})
	if err != nil {
		return subs, err
	}
	subs = append(subs, sub)

	sub, err = m.bus.SubscribeChanges(ctx, models.TableRooms, roomID, func(c models.Change) {
		m.handleMeta(c)
	})
	if err != nil {
		return subs, err
	}
	subs = append(subs, sub)

	sub, err = m.bus.SubscribePresence(ctx, roomID, func(ev models.PresenceEvent) {
		if m.isCurrent(roomID) {
			m.pres.Apply(ev)
		}
	})
	if err != nil {
		return subs, err
	}
	subs = append(subs, sub)

	sub, err = m.bus.SubscribeBroadcast(ctx, roomID, func(bm models.BroadcastMessage) {
		if !m.isCurrent(roomID) {
			return
		}
		m.mu.Lock()
		fn := m.onBroadcast
		m.mu.Unlock()
		if fn != nil {
			fn(bm)
		}
	})
	if err != nil {
		return subs, err
	}
	subs = append(subs, sub)

	return subs, nil
}

// handleMeta reacts to room metadata changes. An update refreshes the bound
// room in the read models; a delete means the room vanished out from under
// us, which must produce the same clean local state as leaving voluntarily.
func (m *Manager) handleMeta(c models.Change) {
	switch c.Op {
	case models.OpInsert, models.OpUpdate:
		var room models.Room
		if err := json.Unmarshal(c.Row, &room); err != nil {
			m.log.WithError(err).Warn("dropping undecodable room row")
			return
		}
		if !m.isCurrent(room.ID) {
			return
		}
		m.members.UpdateRoom(&room)
		m.game.UpdateRoom(&room)
	case models.OpDelete:
		m.mu.Lock()
		if m.current != c.RoomID {
			m.mu.Unlock()
			return
		}
		roomID := m.current
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		m.teardownLocked(ctx)
		cancel()
		fn := m.onRoomGone
		m.mu.Unlock()

		m.log.WithField("room_id", roomID).Info("room deleted remotely, local state cleared")
		if fn != nil {
			fn(roomID)
		}
	}
}

func (m *Manager) isCurrent(roomID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current == roomID
}

// teardownLocked closes every open subscription, withdraws presence and
// resets the read models. Each step is wrapped so one failure never blocks
// the rest; local cleanup is unconditional.
func (m *Manager) teardownLocked(ctx context.Context) {
	m.closeSubs(m.subs)
	m.subs = nil

	if m.presenceEntry != nil {
		if err := m.bus.UntrackPresence(ctx, m.presenceEntry); err != nil {
			m.log.WithError(err).Warn("failed to withdraw presence")
		}
		m.presenceEntry = nil
	}

	m.resetModelsLocked()
	m.current = uuid.Nil
	m.self = uuid.Nil
}

func (m *Manager) closeSubs(subs []io.Closer) {
	for _, sub := range subs {
		if sub == nil {
			continue
		}
		if err := sub.Close(); err != nil {
			m.log.WithError(err).Warn("failed to close subscription")
		}
	}
}

func (m *Manager) resetModelsLocked() {
	m.members.Reset()
	m.pres.Reset()
	m.game.Reset()
}
