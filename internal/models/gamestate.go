package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// GamePhase is the coarse lifecycle of a room's game. It only ever moves
// forward; starting over means creating a new room.
type GamePhase string

const (
	PhaseLobby    GamePhase = "lobby"
	PhasePlaying  GamePhase = "playing"
	PhaseFinished GamePhase = "finished"
)

var phaseOrder = map[GamePhase]int{
	PhaseLobby:    0,
	PhasePlaying:  1,
	PhaseFinished: 2,
}

// Valid reports whether p is a known phase.
func (p GamePhase) Valid() bool {
	_, ok := phaseOrder[p]
	return ok
}

// Before reports whether p precedes other in the lobby -> playing -> finished
// progression.
func (p GamePhase) Before(other GamePhase) bool {
	return phaseOrder[p] < phaseOrder[other]
}

// GameState is the single per-room mutable document holding phase, round,
// scores and the opaque game-specific payload. CurrentQuestion and State are
// passed through unmodified by the synchronization core; only the per-game
// screens know their shape.
type GameState struct {
	RoomID          uuid.UUID       `json:"room_id"`
	GamePhase       GamePhase       `json:"game_phase"`
	RoundNumber     int             `json:"round_number"`
	Scores          map[string]int  `json:"scores"`
	CurrentQuestion json.RawMessage `json:"current_question,omitempty"`
	State           json.RawMessage `json:"state,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Clone returns a deep copy so callers can hand out snapshots without
// exposing the replicator's internal document to mutation.
func (gs *GameState) Clone() *GameState {
	if gs == nil {
		return nil
	}
	cp := *gs
	if gs.Scores != nil {
		cp.Scores = make(map[string]int, len(gs.Scores))
		for k, v := range gs.Scores {
			cp.Scores[k] = v
		}
	}
	cp.CurrentQuestion = append(json.RawMessage(nil), gs.CurrentQuestion...)
	cp.State = append(json.RawMessage(nil), gs.State...)
	return &cp
}
