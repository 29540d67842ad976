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

const gameStateColumns = `room_id, game_phase, round_number, scores, current_question, state, updated_at`

func scanGameState(row pgx.Row) (*models.GameState, error) {
	var gs models.GameState
	err := row.Scan(
		&gs.RoomID,
		&gs.GamePhase,
		&gs.RoundNumber,
		&gs.Scores,
		&gs.CurrentQuestion,
		&gs.State,
		&gs.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &gs, nil
}

// GetGameState fetches the room's single game state document.
func (s *Store) GetGameState(ctx context.Context, roomID uuid.UUID) (*models.GameState, error) {
	q := `SELECT ` + gameStateColumns + ` FROM game_states WHERE room_id = $1`
	gs, err := scanGameState(s.pool.QueryRow(ctx, q, roomID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.New(errs.CodeNotFound, "no game state for room %s", roomID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch game state: %w", err)
	}
	return gs, nil
}

// SaveGameState replaces the room's game state document with the merged
// value produced by the replicator.
func (s *Store) SaveGameState(ctx context.Context, gs *models.GameState) error {
	q := `
	UPDATE game_states
	   SET game_phase = $2, round_number = $3, scores = $4,
	       current_question = $5, state = $6, updated_at = $7
	 WHERE room_id = $1
	`
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, q,
			gs.RoomID, gs.GamePhase, gs.RoundNumber, gs.Scores,
			gs.CurrentQuestion, gs.State, gs.UpdatedAt,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errs.New(errs.CodeNotFound, "no game state for room %s", gs.RoomID)
		}
		return nil
	})
	if err != nil {
		var e *errs.Error
		if errors.As(err, &e) {
			return err
		}
		return fmt.Errorf("failed to save game state: %w", err)
	}
	return nil
}

// DeleteGameState removes the room's game state document during teardown.
func (s *Store) DeleteGameState(ctx context.Context, roomID uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM game_states WHERE room_id = $1`, roomID); err != nil {
		return fmt.Errorf("failed to delete game state: %w", err)
	}
	return nil
}
