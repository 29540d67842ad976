package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/quizparty/roomsync/internal/errs"
	"github.com/quizparty/roomsync/internal/models"
)

const memberColumns = `id, room_id, player_id, display_name, is_ready, joined_at`

func scanMembership(row pgx.Row) (*models.Membership, error) {
	var m models.Membership
	err := row.Scan(&m.ID, &m.RoomID, &m.PlayerID, &m.DisplayName, &m.IsReady, &m.JoinedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// InsertMembership adds a player to a room. The (room, player) pair is
// unique; a concurrent duplicate insert is swallowed so re-joining stays a
// no-op success.
func (s *Store) InsertMembership(ctx context.Context, m *models.Membership) error {
	q := `
	INSERT INTO room_members (id, room_id, player_id, display_name, is_ready, joined_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (room_id, player_id) DO NOTHING
	`
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, q, m.ID, m.RoomID, m.PlayerID, m.DisplayName, m.IsReady, m.JoinedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to insert membership: %w", err)
	}
	return nil
}

// GetMembership fetches one (room, player) membership row.
func (s *Store) GetMembership(ctx context.Context, roomID, playerID uuid.UUID) (*models.Membership, error) {
	q := `SELECT ` + memberColumns + ` FROM room_members WHERE room_id = $1 AND player_id = $2`
	m, err := scanMembership(s.pool.QueryRow(ctx, q, roomID, playerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.New(errs.CodeNotFound, "player %s is not a member of room %s", playerID, roomID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch membership: %w", err)
	}
	return m, nil
}

// ListMemberships returns a room's members in arrival order.
func (s *Store) ListMemberships(ctx context.Context, roomID uuid.UUID) ([]models.Membership, error) {
	q := `SELECT ` + memberColumns + ` FROM room_members WHERE room_id = $1 ORDER BY joined_at, id`
	rows, err := s.pool.Query(ctx, q, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()

	var members []models.Membership
	for rows.Next() {
		var m models.Membership
		if err := rows.Scan(&m.ID, &m.RoomID, &m.PlayerID, &m.DisplayName, &m.IsReady, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// CountMemberships returns the current member count for the capacity check.
// Read-count-then-insert: two simultaneous joins racing over the last seat
// can both pass; the rare cosmetic overflow is accepted.
func (s *Store) CountMemberships(ctx context.Context, roomID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM room_members WHERE room_id = $1`, roomID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count memberships: %w", err)
	}
	return n, nil
}

// SetMembershipReady flips a player's own ready flag and returns the
// updated row.
func (s *Store) SetMembershipReady(ctx context.Context, roomID, playerID uuid.UUID, ready bool) (*models.Membership, error) {
	q := `
	UPDATE room_members SET is_ready = $3
	 WHERE room_id = $1 AND player_id = $2
	RETURNING ` + memberColumns
	m, err := scanMembership(s.pool.QueryRow(ctx, q, roomID, playerID, ready))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.New(errs.CodeNotFound, "player %s is not a member of room %s", playerID, roomID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update ready flag: %w", err)
	}
	return m, nil
}

// DeleteMembership removes one player from a room.
func (s *Store) DeleteMembership(ctx context.Context, roomID, playerID uuid.UUID) error {
	q := `DELETE FROM room_members WHERE room_id = $1 AND player_id = $2`
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, q, roomID, playerID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete membership: %w", err)
	}
	return nil
}

// DeleteRoomMemberships removes every remaining member of a room during
// teardown.
func (s *Store) DeleteRoomMemberships(ctx context.Context, roomID uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM room_members WHERE room_id = $1`, roomID); err != nil {
		return fmt.Errorf("failed to delete room memberships: %w", err)
	}
	return nil
}
