// Package member maintains the local read model of a room's durable
// membership: who has joined, in arrival order, and who is ready. Unlike
// presence, membership is authoritative and gates gameplay.
package member

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/quizparty/roomsync/internal/errs"
	"github.com/quizparty/roomsync/internal/models"
	"github.com/quizparty/roomsync/internal/replicate"
)

const opTimeout = 10 * time.Second

// Backend is the durable-row persistence for membership writes.
type Backend interface {
	SetMembershipReady(ctx context.Context, roomID, playerID uuid.UUID, ready bool) (*models.Membership, error)
}

// Publisher fans committed writes out to the other clients.
type Publisher interface {
	PublishChange(ctx context.Context, change models.Change) error
}

// Game is the slice of the replicator the membership store drives when the
// host starts the game.
type Game interface {
	Current() *models.GameState
	Update(ctx context.Context, partial replicate.Partial) error
}

// Store is the membership read model plus the two membership-scoped
// operations, ToggleReady and StartGame.
type Store struct {
	backend Backend
	pub     Publisher
	game    Game
	log     *logrus.Logger

	mu      sync.Mutex
	room    *models.Room
	self    uuid.UUID
	members []models.Membership
}

// NewStore wires a membership store against its collaborators.
func NewStore(backend Backend, pub Publisher, game Game, log *logrus.Logger) *Store {
	return &Store{backend: backend, pub: pub, game: game, log: log}
}

// Bind attaches the store to a room on behalf of the local player.
func (s *Store) Bind(room *models.Room, self uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *room
	s.room = &cp
	s.self = self
	s.members = nil
}

// UpdateRoom refreshes the bound room metadata.
func (s *Store) UpdateRoom(room *models.Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil || s.room.ID != room.ID {
		return
	}
	cp := *room
	s.room = &cp
}

// Reset clears the read model when the room is left or vanishes.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room = nil
	s.self = uuid.Nil
	s.members = nil
}

// Replace seeds the read model from the initial bulk fetch.
func (s *Store) Replace(members []models.Membership) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil {
		return
	}
	s.members = append([]models.Membership(nil), members...)
	sortMembers(s.members)
}

// Members returns the current members in arrival order.
func (s *Store) Members() []models.Membership {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Membership(nil), s.members...)
}

// Member looks up one player's membership.
func (s *Store) Member(playerID uuid.UUID) (models.Membership, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.members {
		if m.PlayerID == playerID {
			return m, true
		}
	}
	return models.Membership{}, false
}

// Apply ingests a change event from the membership channel, upserting or
// removing the affected row. The event carries the full row after the
// write, so the read model never patches fields individually.
func (s *Store) Apply(change models.Change) {
	if change.Table != models.TableMembers {
		return
	}
	var row models.Membership
	if len(change.Row) > 0 {
		if err := json.Unmarshal(change.Row, &row); err != nil {
			s.log.WithError(err).Warn("dropping undecodable membership row")
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil || change.RoomID != s.room.ID {
		return
	}
	switch change.Op {
	case models.OpInsert, models.OpUpdate:
		replaced := false
		for i := range s.members {
			if s.members[i].ID == row.ID {
				s.members[i] = row
				replaced = true
				break
			}
		}
		if !replaced {
			s.members = append(s.members, row)
		}
		sortMembers(s.members)
	case models.OpDelete:
		for i := range s.members {
			if s.members[i].ID == change.RowID {
				s.members = append(s.members[:i], s.members[i+1:]...)
				break
			}
		}
	}
}

// ToggleReady flips the local player's own ready flag. Writes are always
// self-scoped; no member can set another member's flag.
func (s *Store) ToggleReady(ctx context.Context) error {
	s.mu.Lock()
	if s.room == nil {
		s.mu.Unlock()
		return errs.New(errs.CodeInvariant, "not in a room")
	}
	room := *s.room
	self := s.self
	ready := false
	for _, m := range s.members {
		if m.PlayerID == self {
			ready = m.IsReady
			break
		}
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	updated, err := s.backend.SetMembershipReady(ctx, room.ID, self, !ready)
	if err != nil {
		return err
	}

	row, err := json.Marshal(updated)
	if err != nil {
		return errs.Wrap(errs.CodeTransient, err, "failed to encode membership")
	}
	change := models.Change{
		Table:  models.TableMembers,
		Op:     models.OpUpdate,
		RoomID: room.ID,
		RowID:  updated.ID,
		Row:    row,
	}
	if err := s.pub.PublishChange(ctx, change); err != nil {
		s.log.WithError(err).WithField("room_id", room.ID).Warn("failed to publish ready change")
	}
	s.Apply(change)
	return nil
}

// StartGame moves the room from lobby to playing, round 1. Host-only, and
// fails closed before any remote call when fewer than two members are
// present, anyone is unready, or no game type is selected.
func (s *Store) StartGame(ctx context.Context) error {
	s.mu.Lock()
	if s.room == nil {
		s.mu.Unlock()
		return errs.New(errs.CodeInvariant, "not in a room")
	}
	room := *s.room
	self := s.self
	members := append([]models.Membership(nil), s.members...)
	s.mu.Unlock()

	if !room.IsHost(self) {
		return errs.New(errs.CodeUnauthorized, "only the host may start the game")
	}
	if len(members) < 2 {
		return errs.New(errs.CodeInvariant, "need at least 2 players to start")
	}
	for _, m := range members {
		if !m.IsReady {
			return errs.New(errs.CodeInvariant, "player %s is not ready", m.DisplayName)
		}
	}
	if room.GameType == "" {
		return errs.New(errs.CodeInvariant, "no game selected")
	}
	if cur := s.game.Current(); cur != nil && cur.GamePhase != models.PhaseLobby {
		return errs.New(errs.CodeInvariant, "game already started")
	}

	phase := models.PhasePlaying
	round := 1
	return s.game.Update(ctx, replicate.Partial{
		GamePhase:   &phase,
		RoundNumber: &round,
	})
}

func sortMembers(members []models.Membership) {
	sort.SliceStable(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].ID.String() < members[j].ID.String()
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
}
