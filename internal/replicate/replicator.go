// Package replicate keeps one room's game state document in sync across
// clients: reads arrive through the change channel, writes go through a
// host-authoritative merge-update.
package replicate

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/quizparty/roomsync/internal/errs"
	"github.com/quizparty/roomsync/internal/models"
)

// opTimeout bounds the read-modify-write round trip; game-state updates sit
// on the critical path of user actions and must not hang.
const opTimeout = 10 * time.Second

// Backend is the durable-row persistence the replicator writes through.
type Backend interface {
	GetGameState(ctx context.Context, roomID uuid.UUID) (*models.GameState, error)
	SaveGameState(ctx context.Context, gs *models.GameState) error
}

// Publisher fans committed writes out to the other clients.
type Publisher interface {
	PublishChange(ctx context.Context, change models.Change) error
}

// Partial is a merge-update request. GamePhase, RoundNumber and Scores
// replace the stored values wholesale when present; CurrentQuestion and
// State are shallow-merged into the stored sub-documents at top-level key
// granularity, so one caller can update a single game-specific field
// without clobbering siblings. This is last-writer-wins per sub-document
// key, not a CRDT; writes are expected to be host-serialized in practice.
type Partial struct {
	GamePhase       *models.GamePhase
	RoundNumber     *int
	Scores          map[string]int
	CurrentQuestion json.RawMessage
	State           json.RawMessage
}

// structural reports whether the partial touches host-only fields.
func (p Partial) structural() bool {
	return p.GamePhase != nil || p.RoundNumber != nil || p.Scores != nil
}

// Replicator holds the local replica of the bound room's game state.
type Replicator struct {
	backend Backend
	pub     Publisher
	log     *logrus.Logger

	mu      sync.Mutex
	room    *models.Room
	self    uuid.UUID
	current *models.GameState
}

// NewReplicator wires a replicator against its collaborators.
func NewReplicator(backend Backend, pub Publisher, log *logrus.Logger) *Replicator {
	return &Replicator{backend: backend, pub: pub, log: log}
}

// Bind attaches the replicator to a room on behalf of the local player.
func (r *Replicator) Bind(room *models.Room, self uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *room
	r.room = &cp
	r.self = self
	r.current = nil
}

// UpdateRoom refreshes the bound room metadata, e.g. after the host selects
// a game type.
func (r *Replicator) UpdateRoom(room *models.Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.room == nil || r.room.ID != room.ID {
		return
	}
	cp := *room
	r.room = &cp
}

// Reset clears the local replica when the room is left or vanishes.
func (r *Replicator) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.room = nil
	r.self = uuid.Nil
	r.current = nil
}

// Replace seeds the replica from the initial bulk fetch.
func (r *Replicator) Replace(gs *models.GameState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.room == nil || gs == nil || gs.RoomID != r.room.ID {
		return
	}
	r.current = gs.Clone()
}

// Current returns a snapshot of the local replica, or nil when unbound or
// not yet fetched.
func (r *Replicator) Current() *models.GameState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current.Clone()
}

// Apply ingests a change event from the game-state channel. The remote row
// is the source of truth: the replica is replaced with the event's full row,
// never patched incrementally.
func (r *Replicator) Apply(change models.Change) {
	if change.Table != models.TableGameStates {
		return
	}
	var gs models.GameState
	if len(change.Row) > 0 {
		if err := json.Unmarshal(change.Row, &gs); err != nil {
			r.log.WithError(err).Warn("dropping undecodable game state row")
			return
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.room == nil || change.RoomID != r.room.ID {
		return
	}
	switch change.Op {
	case models.OpInsert, models.OpUpdate:
		r.current = gs.Clone()
	case models.OpDelete:
		r.current = nil
	}
}

// Update performs the read-modify-write merge against the remote document
// and broadcasts the result. Only the host may touch structural fields
// (phase, round, scores); peers are limited to the opaque sub-documents.
func (r *Replicator) Update(ctx context.Context, partial Partial) error {
	r.mu.Lock()
	if r.room == nil {
		r.mu.Unlock()
		return errs.New(errs.CodeInvariant, "not in a room")
	}
	room := *r.room
	self := r.self
	r.mu.Unlock()

	if partial.structural() && !room.IsHost(self) {
		return errs.New(errs.CodeUnauthorized, "only the host may advance phase, round or scores")
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	latest, err := r.backend.GetGameState(ctx, room.ID)
	if err != nil {
		return err
	}

	merged, err := merge(latest, partial)
	if err != nil {
		return err
	}
	if err := r.backend.SaveGameState(ctx, merged); err != nil {
		return err
	}

	row, err := json.Marshal(merged)
	if err != nil {
		return errs.Wrap(errs.CodeTransient, err, "failed to encode merged game state")
	}
	if err := r.pub.PublishChange(ctx, models.Change{
		Table:  models.TableGameStates,
		Op:     models.OpUpdate,
		RoomID: room.ID,
		Row:    row,
	}); err != nil {
		// The write landed; remote readers will converge on their next
		// fetch even though this notification was lost.
		r.log.WithError(err).WithField("room_id", room.ID).Warn("failed to publish game state change")
	}

	// Adopt the merged value locally only if this room is still current;
	// a response landing after navigation must not resurrect old state.
	r.mu.Lock()
	if r.room != nil && r.room.ID == room.ID {
		r.current = merged.Clone()
	}
	r.mu.Unlock()
	return nil
}

// merge produces the new document from the stored one plus the partial.
func merge(base *models.GameState, partial Partial) (*models.GameState, error) {
	merged := base.Clone()

	if partial.GamePhase != nil {
		next := *partial.GamePhase
		if !next.Valid() {
			return nil, errs.New(errs.CodeInvariant, "unknown game phase %q", next)
		}
		if next.Before(merged.GamePhase) {
			return nil, errs.New(errs.CodeInvariant, "game phase cannot move back from %s to %s", merged.GamePhase, next)
		}
		merged.GamePhase = next
	}
	if partial.RoundNumber != nil {
		merged.RoundNumber = *partial.RoundNumber
	}
	if partial.Scores != nil {
		scores := make(map[string]int, len(partial.Scores))
		for k, v := range partial.Scores {
			scores[k] = v
		}
		merged.Scores = scores
	}

	var err error
	if merged.CurrentQuestion, err = mergeBlob(merged.CurrentQuestion, partial.CurrentQuestion); err != nil {
		return nil, errs.Wrap(errs.CodeInvariant, err, "bad current_question payload")
	}
	if merged.State, err = mergeBlob(merged.State, partial.State); err != nil {
		return nil, errs.Wrap(errs.CodeInvariant, err, "bad state payload")
	}

	merged.UpdatedAt = time.Now().UTC()
	return merged, nil
}

// mergeBlob overlays patch onto base at top-level key granularity. The
// values themselves stay opaque to this layer.
func mergeBlob(base, patch json.RawMessage) (json.RawMessage, error) {
	if len(patch) == 0 {
		return base, nil
	}
	dst := map[string]json.RawMessage{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &dst); err != nil {
			return nil, err
		}
	}
	src := map[string]json.RawMessage{}
	if err := json.Unmarshal(patch, &src); err != nil {
		return nil, err
	}
	for k, v := range src {
		dst[k] = v
	}
	return json.Marshal(dst)
}
