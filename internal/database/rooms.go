package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/quizparty/roomsync/internal/errs"
	"github.com/quizparty/roomsync/internal/models"
)

const roomColumns = `id, code, host_id, name, game_type, max_players, is_active, created_at`

func scanRoom(row pgx.Row) (*models.Room, error) {
	var r models.Room
	var gameType *string
	err := row.Scan(
		&r.ID,
		&r.Code,
		&r.HostID,
		&r.Name,
		&gameType,
		&r.MaxPlayers,
		&r.IsActive,
		&r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if gameType != nil {
		r.GameType = *gameType
	}
	return &r, nil
}

// CreateRoom inserts the room, the host's pre-ready membership and the
// initial lobby game state in one transaction. Returns ErrCodeTaken if the
// code collides with another active room.
func (s *Store) CreateRoom(ctx context.Context, room *models.Room, host *models.Membership, state *models.GameState) error {
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO rooms (id, code, host_id, name, game_type, max_players, is_active, created_at)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)`,
			room.ID, room.Code, room.HostID, room.Name, room.GameType,
			room.MaxPlayers, room.IsActive, room.CreatedAt,
		)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO room_members (id, room_id, player_id, display_name, is_ready, joined_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			host.ID, host.RoomID, host.PlayerID, host.DisplayName, host.IsReady, host.JoinedAt,
		)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO game_states (room_id, game_phase, round_number, scores, current_question, state, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			state.RoomID, state.GamePhase, state.RoundNumber, state.Scores,
			state.CurrentQuestion, state.State, state.UpdatedAt,
		)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return errs.ErrCodeTaken
		}
		return fmt.Errorf("failed to create room %s: %w", room.Code, err)
	}
	return nil
}

// GetActiveRoomByCode looks up an active room by its code, case-insensitively.
func (s *Store) GetActiveRoomByCode(ctx context.Context, code string) (*models.Room, error) {
	q := `
	SELECT ` + roomColumns + `
	  FROM rooms
	 WHERE upper(code) = upper($1) AND is_active
	`
	room, err := scanRoom(s.pool.QueryRow(ctx, q, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.New(errs.CodeNotFound, "no active room with code %s", code)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up room by code: %w", err)
	}
	return room, nil
}

// GetRoom fetches a room by id.
func (s *Store) GetRoom(ctx context.Context, roomID uuid.UUID) (*models.Room, error) {
	q := `SELECT ` + roomColumns + ` FROM rooms WHERE id = $1`
	room, err := scanRoom(s.pool.QueryRow(ctx, q, roomID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.New(errs.CodeNotFound, "room %s does not exist", roomID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch room: %w", err)
	}
	return room, nil
}

// SetRoomGameType sets the room's game type and returns the updated row.
func (s *Store) SetRoomGameType(ctx context.Context, roomID uuid.UUID, gameType string) (*models.Room, error) {
	q := `
	UPDATE rooms SET game_type = NULLIF($2, '')
	 WHERE id = $1
	RETURNING ` + roomColumns
	room, err := scanRoom(s.pool.QueryRow(ctx, q, roomID, gameType))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.New(errs.CodeNotFound, "room %s does not exist", roomID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to set game type: %w", err)
	}
	return room, nil
}

// DeactivateStaleRooms marks the host's rooms created before the cutoff as
// inactive, freeing their codes. Best-effort cleanup on room creation.
func (s *Store) DeactivateStaleRooms(ctx context.Context, hostID uuid.UUID, before time.Time) (int64, error) {
	q := `UPDATE rooms SET is_active = false WHERE host_id = $1 AND is_active AND created_at < $2`
	tag, err := s.pool.Exec(ctx, q, hostID, before)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate stale rooms: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteRoom removes the room row. Game state and memberships must already
// be gone (foreign-key ordering).
func (s *Store) DeleteRoom(ctx context.Context, roomID uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM rooms WHERE id = $1`, roomID); err != nil {
		return fmt.Errorf("failed to delete room: %w", err)
	}
	return nil
}
