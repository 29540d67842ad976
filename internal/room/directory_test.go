package room

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/quizparty/roomsync/internal/errs"
	"github.com/quizparty/roomsync/internal/models"
)

// fakeBackend is an in-memory stand-in for the durable row store.
type fakeBackend struct {
	mu          sync.Mutex
	rooms       map[uuid.UUID]*models.Room
	memberships map[uuid.UUID][]models.Membership
	gameStates  map[uuid.UUID]*models.GameState

	failCodes   int   // return ErrCodeTaken this many times
	deleteErr   error // injected into every delete
	createCalls int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		rooms:       make(map[uuid.UUID]*models.Room),
		memberships: make(map[uuid.UUID][]models.Membership),
		gameStates:  make(map[uuid.UUID]*models.GameState),
	}
}

func (f *fakeBackend) CreateRoom(_ context.Context, room *models.Room, host *models.Membership, state *models.GameState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.failCodes > 0 {
		f.failCodes--
		return errs.ErrCodeTaken
	}
	for _, r := range f.rooms {
		if r.IsActive && r.Code == room.Code {
			return errs.ErrCodeTaken
		}
	}
	cp := *room
	f.rooms[room.ID] = &cp
	f.memberships[room.ID] = []models.Membership{*host}
	f.gameStates[room.ID] = state.Clone()
	return nil
}

func (f *fakeBackend) GetActiveRoomByCode(_ context.Context, code string) (*models.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rooms {
		if r.IsActive && r.Code == code {
			cp := *r
			return &cp, nil
		}
	}
	return nil, errs.New(errs.CodeNotFound, "no active room with code %s", code)
}

func (f *fakeBackend) SetRoomGameType(_ context.Context, roomID uuid.UUID, gameType string) (*models.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rooms[roomID]
	if !ok {
		return nil, errs.New(errs.CodeNotFound, "room %s does not exist", roomID)
	}
	r.GameType = gameType
	cp := *r
	return &cp, nil
}

func (f *fakeBackend) DeactivateStaleRooms(_ context.Context, hostID uuid.UUID, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, r := range f.rooms {
		if r.HostID == hostID && r.IsActive && r.CreatedAt.Before(before) {
			r.IsActive = false
			n++
		}
	}
	return n, nil
}

func (f *fakeBackend) DeleteRoom(_ context.Context, roomID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.rooms, roomID)
	return nil
}

func (f *fakeBackend) GetMembership(_ context.Context, roomID, playerID uuid.UUID) (*models.Membership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.memberships[roomID] {
		if m.PlayerID == playerID {
			cp := m
			return &cp, nil
		}
	}
	return nil, errs.New(errs.CodeNotFound, "player %s is not a member of room %s", playerID, roomID)
}

func (f *fakeBackend) CountMemberships(_ context.Context, roomID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.memberships[roomID]), nil
}

func (f *fakeBackend) InsertMembership(_ context.Context, m *models.Membership) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.memberships[m.RoomID] {
		if existing.PlayerID == m.PlayerID {
			return nil // unique pair, duplicate insert is a no-op
		}
	}
	f.memberships[m.RoomID] = append(f.memberships[m.RoomID], *m)
	return nil
}

func (f *fakeBackend) DeleteMembership(_ context.Context, roomID, playerID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	members := f.memberships[roomID]
	for i, m := range members {
		if m.PlayerID == playerID {
			f.memberships[roomID] = append(members[:i], members[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeBackend) DeleteRoomMemberships(_ context.Context, roomID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.memberships, roomID)
	return nil
}

func (f *fakeBackend) DeleteGameState(_ context.Context, roomID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.gameStates, roomID)
	return nil
}

type fakePublisher struct {
	mu      sync.Mutex
	changes []models.Change
}

func (f *fakePublisher) PublishChange(_ context.Context, change models.Change) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, change)
	return nil
}

func (f *fakePublisher) byOp(table string, op models.ChangeOp) []models.Change {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Change
	for _, c := range f.changes {
		if c.Table == table && c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

type fakeChannels struct {
	setCalls   int
	clearCalls int
	lastRoom   *models.Room
}

func (f *fakeChannels) SetRoom(_ context.Context, room *models.Room, _ uuid.UUID, _ models.PresenceMeta) error {
	f.setCalls++
	f.lastRoom = room
	return nil
}

func (f *fakeChannels) Clear(_ context.Context) {
	f.clearCalls++
}

type fakeIdentity struct {
	id   uuid.UUID
	name string
	err  error
}

func (f *fakeIdentity) CurrentUserID() (uuid.UUID, error) { return f.id, f.err }
func (f *fakeIdentity) CurrentToken() (string, error)     { return "token", f.err }
func (f *fakeIdentity) DisplayName() string               { return f.name }

func newTestDirectory(backend *fakeBackend, id *fakeIdentity) (*Directory, *fakePublisher, *fakeChannels) {
	pub := &fakePublisher{}
	ch := &fakeChannels{}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewDirectory(backend, pub, ch, id, log), pub, ch
}

func TestCreateRoomSetsUpHostAndState(t *testing.T) {
	backend := newFakeBackend()
	host := &fakeIdentity{id: uuid.New(), name: "Ana"}
	dir, _, ch := newTestDirectory(backend, host)

	created, err := dir.CreateRoom(context.Background(), "Game Night", 0)
	require.NoError(t, err)
	require.Len(t, created.Code, CodeLength)
	require.Equal(t, host.id, created.HostID)
	require.True(t, created.IsActive)
	require.Equal(t, defaultMaxPlayers, created.MaxPlayers)

	members := backend.memberships[created.ID]
	require.Len(t, members, 1)
	require.True(t, members[0].IsReady, "host membership must be pre-marked ready")
	require.Equal(t, "Ana", members[0].DisplayName)

	state := backend.gameStates[created.ID]
	require.Equal(t, models.PhaseLobby, state.GamePhase)

	require.Equal(t, 1, ch.setCalls)
	require.Equal(t, created.ID, ch.lastRoom.ID)
	require.Equal(t, created.ID, dir.CurrentRoom().ID)
}

func TestCreateRoomRetriesOnCodeCollision(t *testing.T) {
	backend := newFakeBackend()
	backend.failCodes = 3
	dir, _, _ := newTestDirectory(backend, &fakeIdentity{id: uuid.New(), name: "Ana"})

	created, err := dir.CreateRoom(context.Background(), "Retry", 4)
	require.NoError(t, err)
	require.NotNil(t, created)
	require.Equal(t, 4, backend.createCalls)
}

func TestCreateRoomCodesUniqueAmongActive(t *testing.T) {
	backend := newFakeBackend()
	codes := make(map[string]bool)
	for i := 0; i < 20; i++ {
		dir, _, _ := newTestDirectory(backend, &fakeIdentity{id: uuid.New(), name: "P"})
		created, err := dir.CreateRoom(context.Background(), "Room", 4)
		require.NoError(t, err)
		require.False(t, codes[created.Code], "active room code %s issued twice", created.Code)
		codes[created.Code] = true
	}
}

func TestJoinRoomIsIdempotent(t *testing.T) {
	backend := newFakeBackend()
	host := &fakeIdentity{id: uuid.New(), name: "Ana"}
	hostDir, _, _ := newTestDirectory(backend, host)
	created, err := hostDir.CreateRoom(context.Background(), "Game Night", 4)
	require.NoError(t, err)

	guest := &fakeIdentity{id: uuid.New(), name: "Ben"}
	guestDir, pub, _ := newTestDirectory(backend, guest)

	joined, err := guestDir.JoinRoom(context.Background(), created.Code)
	require.NoError(t, err)
	require.Equal(t, created.ID, joined.ID)

	again, err := guestDir.JoinRoom(context.Background(), created.Code)
	require.NoError(t, err)
	require.Equal(t, created.ID, again.ID)

	require.Len(t, backend.memberships[created.ID], 2, "re-join must not duplicate the membership row")
	require.Len(t, pub.byOp(models.TableMembers, models.OpInsert), 1)
}

func TestJoinRoomCaseInsensitive(t *testing.T) {
	backend := newFakeBackend()
	hostDir, _, _ := newTestDirectory(backend, &fakeIdentity{id: uuid.New(), name: "Ana"})
	created, err := hostDir.CreateRoom(context.Background(), "Game Night", 4)
	require.NoError(t, err)

	guestDir, _, _ := newTestDirectory(backend, &fakeIdentity{id: uuid.New(), name: "Ben"})
	joined, err := guestDir.JoinRoom(context.Background(), "  "+lowercase(created.Code)+" ")
	require.NoError(t, err)
	require.Equal(t, created.ID, joined.ID)
}

func TestJoinRoomNotFound(t *testing.T) {
	backend := newFakeBackend()
	dir, _, _ := newTestDirectory(backend, &fakeIdentity{id: uuid.New(), name: "Ben"})

	_, err := dir.JoinRoom(context.Background(), "ZZZZZZ")
	require.True(t, errs.Is(err, errs.CodeNotFound), "got %v", err)
}

func TestJoinRoomFull(t *testing.T) {
	backend := newFakeBackend()
	hostDir, _, _ := newTestDirectory(backend, &fakeIdentity{id: uuid.New(), name: "Ana"})
	created, err := hostDir.CreateRoom(context.Background(), "Tiny", 2)
	require.NoError(t, err)

	second, _, _ := newTestDirectory(backend, &fakeIdentity{id: uuid.New(), name: "Ben"})
	_, err = second.JoinRoom(context.Background(), created.Code)
	require.NoError(t, err)

	third, _, _ := newTestDirectory(backend, &fakeIdentity{id: uuid.New(), name: "Cleo"})
	_, err = third.JoinRoom(context.Background(), created.Code)
	require.True(t, errs.Is(err, errs.CodeFull), "got %v", err)
	require.Len(t, backend.memberships[created.ID], 2)
}

func TestHostLeaveCascades(t *testing.T) {
	backend := newFakeBackend()
	host := &fakeIdentity{id: uuid.New(), name: "Ana"}
	hostDir, pub, ch := newTestDirectory(backend, host)
	created, err := hostDir.CreateRoom(context.Background(), "Game Night", 4)
	require.NoError(t, err)

	guestDir, _, _ := newTestDirectory(backend, &fakeIdentity{id: uuid.New(), name: "Ben"})
	_, err = guestDir.JoinRoom(context.Background(), created.Code)
	require.NoError(t, err)

	require.NoError(t, hostDir.LeaveRoom(context.Background()))

	require.Empty(t, backend.memberships[created.ID], "host leave must delete every membership")
	require.Nil(t, backend.gameStates[created.ID], "host leave must delete the game state")
	require.NotContains(t, backend.rooms, created.ID)
	require.Equal(t, 1, ch.clearCalls)
	require.Nil(t, hostDir.CurrentRoom())
	require.Len(t, pub.byOp(models.TableRooms, models.OpDelete), 1)
}

func TestGuestLeaveKeepsRoom(t *testing.T) {
	backend := newFakeBackend()
	hostDir, _, _ := newTestDirectory(backend, &fakeIdentity{id: uuid.New(), name: "Ana"})
	created, err := hostDir.CreateRoom(context.Background(), "Game Night", 4)
	require.NoError(t, err)

	guest := &fakeIdentity{id: uuid.New(), name: "Ben"}
	guestDir, pub, _ := newTestDirectory(backend, guest)
	_, err = guestDir.JoinRoom(context.Background(), created.Code)
	require.NoError(t, err)

	require.NoError(t, guestDir.LeaveRoom(context.Background()))

	require.Len(t, backend.memberships[created.ID], 1)
	require.Contains(t, backend.rooms, created.ID)
	require.Len(t, pub.byOp(models.TableMembers, models.OpDelete), 1)
}

func TestLeaveRoomClearsLocalStateOnRemoteFailure(t *testing.T) {
	backend := newFakeBackend()
	hostDir, _, ch := newTestDirectory(backend, &fakeIdentity{id: uuid.New(), name: "Ana"})
	_, err := hostDir.CreateRoom(context.Background(), "Game Night", 4)
	require.NoError(t, err)

	backend.deleteErr = errors.New("connection reset")
	err = hostDir.LeaveRoom(context.Background())
	require.Error(t, err)
	require.Equal(t, errs.CodeTransient, errs.CodeOf(err))

	// Local state must be clean regardless of the remote failure.
	require.Nil(t, hostDir.CurrentRoom())
	require.Equal(t, 1, ch.clearCalls)
}

func TestLeaveRoomWithoutRoomIsNoop(t *testing.T) {
	dir, _, ch := newTestDirectory(newFakeBackend(), &fakeIdentity{id: uuid.New(), name: "Ana"})
	require.NoError(t, dir.LeaveRoom(context.Background()))
	require.Equal(t, 1, ch.clearCalls)
}

func TestEndGameHostOnly(t *testing.T) {
	backend := newFakeBackend()
	hostDir, _, _ := newTestDirectory(backend, &fakeIdentity{id: uuid.New(), name: "Ana"})
	created, err := hostDir.CreateRoom(context.Background(), "Game Night", 4)
	require.NoError(t, err)

	guestDir, _, _ := newTestDirectory(backend, &fakeIdentity{id: uuid.New(), name: "Ben"})
	_, err = guestDir.JoinRoom(context.Background(), created.Code)
	require.NoError(t, err)

	err = guestDir.EndGame(context.Background())
	require.True(t, errs.Is(err, errs.CodeUnauthorized), "got %v", err)
	require.Contains(t, backend.rooms, created.ID)

	require.NoError(t, hostDir.EndGame(context.Background()))
	require.NotContains(t, backend.rooms, created.ID)
}

func TestSelectGameHostOnly(t *testing.T) {
	backend := newFakeBackend()
	hostDir, pub, _ := newTestDirectory(backend, &fakeIdentity{id: uuid.New(), name: "Ana"})
	created, err := hostDir.CreateRoom(context.Background(), "Game Night", 4)
	require.NoError(t, err)

	guestDir, _, _ := newTestDirectory(backend, &fakeIdentity{id: uuid.New(), name: "Ben"})
	_, err = guestDir.JoinRoom(context.Background(), created.Code)
	require.NoError(t, err)

	err = guestDir.SelectGame(context.Background(), "quiz")
	require.True(t, errs.Is(err, errs.CodeUnauthorized), "got %v", err)

	require.NoError(t, hostDir.SelectGame(context.Background(), "quiz"))
	require.Equal(t, "quiz", backend.rooms[created.ID].GameType)
	require.Equal(t, "quiz", hostDir.CurrentRoom().GameType)
	require.Len(t, pub.byOp(models.TableRooms, models.OpUpdate), 1)
}

func TestCreateRoomRequiresSession(t *testing.T) {
	dir, _, _ := newTestDirectory(newFakeBackend(), &fakeIdentity{
		err: errs.New(errs.CodeSessionExpired, "no session"),
	})
	_, err := dir.CreateRoom(context.Background(), "Game Night", 4)
	require.True(t, errs.Is(err, errs.CodeSessionExpired), "got %v", err)
}

func lowercase(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 32
		}
	}
	return string(b)
}
