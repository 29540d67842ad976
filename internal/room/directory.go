// Package room implements the room directory: creating rooms with a short
// shareable code, joining by code, and tearing rooms down. There is no host
// migration; when the host leaves, the room dies with them.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/quizparty/roomsync/internal/errs"
	"github.com/quizparty/roomsync/internal/identity"
	"github.com/quizparty/roomsync/internal/models"
)

const (
	// opTimeout bounds create/join round trips; they sit on the critical
	// path of a user-visible action.
	opTimeout = 10 * time.Second

	// staleRoomTTL is how old a host's previous active rooms must be before
	// the opportunistic sweep deactivates them.
	staleRoomTTL = 24 * time.Hour

	// codeAttempts is how many fresh codes we try before giving up on a
	// create. Collisions are rare since codes are scoped to active rooms.
	codeAttempts = 5

	defaultMaxPlayers = 8
	minPlayers        = 2
	maxPlayersCap     = 12
)

// Backend is the durable-row persistence the directory writes through.
type Backend interface {
	CreateRoom(ctx context.Context, room *models.Room, host *models.Membership, state *models.GameState) error
	GetActiveRoomByCode(ctx context.Context, code string) (*models.Room, error)
	SetRoomGameType(ctx context.Context, roomID uuid.UUID, gameType string) (*models.Room, error)
	DeactivateStaleRooms(ctx context.Context, hostID uuid.UUID, before time.Time) (int64, error)
	DeleteRoom(ctx context.Context, roomID uuid.UUID) error

	GetMembership(ctx context.Context, roomID, playerID uuid.UUID) (*models.Membership, error)
	CountMemberships(ctx context.Context, roomID uuid.UUID) (int, error)
	InsertMembership(ctx context.Context, m *models.Membership) error
	DeleteMembership(ctx context.Context, roomID, playerID uuid.UUID) error
	DeleteRoomMemberships(ctx context.Context, roomID uuid.UUID) error

	DeleteGameState(ctx context.Context, roomID uuid.UUID) error
}

// Publisher fans committed writes out to the other clients.
type Publisher interface {
	PublishChange(ctx context.Context, change models.Change) error
}

// Channels is the subscription manager the directory drives on room entry
// and exit.
type Channels interface {
	SetRoom(ctx context.Context, room *models.Room, self uuid.UUID, meta models.PresenceMeta) error
	Clear(ctx context.Context)
}

// Directory owns the room lifecycle for one client and remembers which room
// the client is currently in.
type Directory struct {
	backend  Backend
	pub      Publisher
	channels Channels
	id       identity.Provider
	log      *logrus.Logger

	mu      sync.Mutex
	current *models.Room
}

// NewDirectory wires a directory against its collaborators.
func NewDirectory(backend Backend, pub Publisher, channels Channels, id identity.Provider, log *logrus.Logger) *Directory {
	return &Directory{backend: backend, pub: pub, channels: channels, id: id, log: log}
}

// CurrentRoom returns the room the client is in, or nil.
func (d *Directory) CurrentRoom() *models.Room {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil {
		return nil
	}
	cp := *d.current
	return &cp
}

// HandleRoomGone clears the current-room reference after the subscription
// manager reports a remote deletion. Wired by the composition root.
func (d *Directory) HandleRoomGone(roomID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current != nil && d.current.ID == roomID {
		d.current = nil
	}
}

// CreateRoom generates a code, inserts the room with the creator's
// pre-ready membership and a lobby game state, opens the room's channels,
// and kicks off a best-effort sweep of the creator's stale rooms.
func (d *Directory) CreateRoom(ctx context.Context, name string, maxPlayers int) (*models.Room, error) {
	self, err := d.id.CurrentUserID()
	if err != nil {
		return nil, err
	}
	if maxPlayers == 0 {
		maxPlayers = defaultMaxPlayers
	}
	if maxPlayers < minPlayers || maxPlayers > maxPlayersCap {
		return nil, errs.New(errs.CodeInvariant, "max players must be between %d and %d", minPlayers, maxPlayersCap)
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var created *models.Room
	for attempt := 0; attempt < codeAttempts; attempt++ {
		now := time.Now().UTC()
		room := &models.Room{
			ID:         uuid.New(),
			Code:       NewCode(),
			HostID:     self,
			Name:       name,
			MaxPlayers: maxPlayers,
			IsActive:   true,
			CreatedAt:  now,
		}
		host := &models.Membership{
			ID:          uuid.New(),
			RoomID:      room.ID,
			PlayerID:    self,
			DisplayName: d.id.DisplayName(),
			IsReady:     true,
			JoinedAt:    now,
		}
		state := &models.GameState{
			RoomID:    room.ID,
			GamePhase: models.PhaseLobby,
			Scores:    map[string]int{},
			UpdatedAt: now,
		}

		err = d.backend.CreateRoom(opCtx, room, host, state)
		if errors.Is(err, errs.ErrCodeTaken) {
			continue
		}
		if err != nil {
			return nil, err
		}
		created = room
		break
	}
	if created == nil {
		return nil, errs.New(errs.CodeTransient, "could not allocate a unique room code")
	}

	// Opportunistic cleanup of the creator's older rooms. Fire-and-forget:
	// never blocks creation, never surfaces its own errors.
	go d.sweepStaleRooms(self, created.ID)

	if err := d.channels.SetRoom(ctx, created, self, d.presenceMeta()); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.current = created
	d.mu.Unlock()

	d.log.WithFields(logrus.Fields{"room_id": created.ID, "code": created.Code}).Info("room created")
	return created, nil
}

// JoinRoom looks up an active room by code and adds the caller to it.
// Re-joining a room the caller is already in is a no-op success.
func (d *Directory) JoinRoom(ctx context.Context, code string) (*models.Room, error) {
	self, err := d.id.CurrentUserID()
	if err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	target, err := d.backend.GetActiveRoomByCode(opCtx, NormalizeCode(code))
	if err != nil {
		return nil, err
	}

	_, err = d.backend.GetMembership(opCtx, target.ID, self)
	switch {
	case err == nil:
		// Already a member; just (re)attach the channels.
	case errs.Is(err, errs.CodeNotFound):
		count, err := d.backend.CountMemberships(opCtx, target.ID)
		if err != nil {
			return nil, err
		}
		if count >= target.MaxPlayers {
			return nil, errs.New(errs.CodeFull, "room %s is full", target.Code)
		}

		m := &models.Membership{
			ID:          uuid.New(),
			RoomID:      target.ID,
			PlayerID:    self,
			DisplayName: d.id.DisplayName(),
			JoinedAt:    time.Now().UTC(),
		}
		if err := d.backend.InsertMembership(opCtx, m); err != nil {
			return nil, err
		}
		d.publishMembership(opCtx, models.OpInsert, m)
	default:
		return nil, err
	}

	if err := d.channels.SetRoom(ctx, target, self, d.presenceMeta()); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.current = target
	d.mu.Unlock()

	d.log.WithFields(logrus.Fields{"room_id": target.ID, "code": target.Code}).Info("joined room")
	return target, nil
}

// SelectGame sets the room's game type. Host-only; the change reaches the
// other clients through the room metadata channel.
func (d *Directory) SelectGame(ctx context.Context, gameType string) error {
	self, err := d.id.CurrentUserID()
	if err != nil {
		return err
	}

	d.mu.Lock()
	current := d.current
	d.mu.Unlock()
	if current == nil {
		return errs.New(errs.CodeInvariant, "not in a room")
	}
	if !current.IsHost(self) {
		return errs.New(errs.CodeUnauthorized, "only the host may select the game")
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	updated, err := d.backend.SetRoomGameType(opCtx, current.ID, gameType)
	if err != nil {
		return err
	}

	row, err := json.Marshal(updated)
	if err == nil {
		err = d.pub.PublishChange(opCtx, models.Change{
			Table:  models.TableRooms,
			Op:     models.OpUpdate,
			RoomID: updated.ID,
			RowID:  updated.ID,
			Row:    row,
		})
	}
	if err != nil {
		d.log.WithError(err).WithField("room_id", updated.ID).Warn("failed to publish room update")
	}

	d.mu.Lock()
	if d.current != nil && d.current.ID == updated.ID {
		d.current = updated
	}
	d.mu.Unlock()
	return nil
}

// LeaveRoom removes the caller from the current room. If the caller hosts
// the room, or the room would be left empty, the whole room is torn down:
// game state, then memberships, then the room row. Local channels and read
// models are cleared unconditionally, even when the remote deletes fail —
// the client must never be left stuck in a room that no longer meaningfully
// exists.
func (d *Directory) LeaveRoom(ctx context.Context) error {
	d.mu.Lock()
	current := d.current
	d.current = nil
	d.mu.Unlock()

	d.channels.Clear(ctx)

	if current == nil {
		return nil
	}
	self, err := d.id.CurrentUserID()
	if err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if current.IsHost(self) {
		return d.teardownRoom(opCtx, current)
	}

	membership, err := d.backend.GetMembership(opCtx, current.ID, self)
	if err == nil {
		if err := d.backend.DeleteMembership(opCtx, current.ID, self); err != nil {
			return err
		}
		d.publishMembership(opCtx, models.OpDelete, membership)
	} else if !errs.Is(err, errs.CodeNotFound) {
		return err
	}

	remaining, err := d.backend.CountMemberships(opCtx, current.ID)
	if err != nil {
		return err
	}
	if remaining == 0 {
		return d.teardownRoom(opCtx, current)
	}
	return nil
}

// EndGame is the host-only full teardown once play has concluded.
func (d *Directory) EndGame(ctx context.Context) error {
	self, err := d.id.CurrentUserID()
	if err != nil {
		return err
	}

	d.mu.Lock()
	current := d.current
	d.mu.Unlock()
	if current == nil {
		return errs.New(errs.CodeInvariant, "not in a room")
	}
	if !current.IsHost(self) {
		return errs.New(errs.CodeUnauthorized, "only the host may end the game")
	}

	d.mu.Lock()
	d.current = nil
	d.mu.Unlock()
	d.channels.Clear(ctx)

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return d.teardownRoom(opCtx, current)
}

// teardownRoom deletes game state, memberships and the room row in
// foreign-key order, then announces the deletion so the remaining clients
// tear down too. Best-effort: later steps still run when an earlier one
// fails, and the first error is reported.
func (d *Directory) teardownRoom(ctx context.Context, target *models.Room) error {
	var firstErr error
	if err := d.backend.DeleteGameState(ctx, target.ID); err != nil {
		firstErr = err
	}
	if err := d.backend.DeleteRoomMemberships(ctx, target.ID); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.backend.DeleteRoom(ctx, target.ID); err != nil && firstErr == nil {
		firstErr = err
	}

	if err := d.pub.PublishChange(ctx, models.Change{
		Table:  models.TableRooms,
		Op:     models.OpDelete,
		RoomID: target.ID,
		RowID:  target.ID,
	}); err != nil {
		d.log.WithError(err).WithField("room_id", target.ID).Warn("failed to announce room deletion")
	}

	if firstErr != nil {
		return errs.Wrap(errs.CodeTransient, firstErr, "room teardown incomplete")
	}
	d.log.WithFields(logrus.Fields{"room_id": target.ID, "code": target.Code}).Info("room torn down")
	return nil
}

func (d *Directory) publishMembership(ctx context.Context, op models.ChangeOp, m *models.Membership) {
	var row json.RawMessage
	if op != models.OpDelete {
		data, err := json.Marshal(m)
		if err != nil {
			d.log.WithError(err).Warn("failed to encode membership row")
			return
		}
		row = data
	}
	if err := d.pub.PublishChange(ctx, models.Change{
		Table:  models.TableMembers,
		Op:     op,
		RoomID: m.RoomID,
		RowID:  m.ID,
		Row:    row,
	}); err != nil {
		d.log.WithError(err).WithField("room_id", m.RoomID).Warn("failed to publish membership change")
	}
}

func (d *Directory) sweepStaleRooms(hostID, keepRoomID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	n, err := d.backend.DeactivateStaleRooms(ctx, hostID, time.Now().UTC().Add(-staleRoomTTL))
	if err != nil {
		d.log.WithError(err).Warn("stale room sweep failed")
		return
	}
	if n > 0 {
		d.log.WithFields(logrus.Fields{"count": n, "kept": keepRoomID}).Debug("deactivated stale rooms")
	}
}

func (d *Directory) presenceMeta() models.PresenceMeta {
	return models.PresenceMeta{
		DisplayName: d.id.DisplayName(),
		OnlineSince: time.Now().UTC(),
	}
}
