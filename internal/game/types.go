package game

import (
	"context"
	"errors"
	"time"
)

// Status is a game lifecycle state.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
)

var (
	ErrNotFound       = errors.New("game not found")
	ErrNotJoinable    = errors.New("game is not accepting players")
	ErrNotActive      = errors.New("game is not active")
	ErrNotParticipant = errors.New("player is not in this game")
	ErrNotYourTurn    = errors.New("not your turn")
	ErrIllegalMove    = errors.New("illegal move")

	ErrConcurrentUpdate = errors.New("game was updated concurrently, try again")
)

// Move is one placed mark.
type Move struct {
	PlayerID string    `json:"player_id"`
	Row      int       `json:"row"`
	Col      int       `json:"col"`
	Number   int       `json:"number"`
	At       time.Time `json:"at"`
}

// Game is the live state kept in Redis while a match is played.
type Game struct {
	ID        string     `json:"id"`
	BoardSize int        `json:"board_size"`
	Status    Status     `json:"status"`
	Players   []string   `json:"players"`
	Turn      string     `json:"turn,omitempty"`
	Board     [][]string `json:"board"`
	Moves     []Move     `json:"moves"`
	WinnerID  string     `json:"winner_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (g *Game) HasPlayer(playerID string) bool {
	for _, p := range g.Players {
		if p == playerID {
			return true
		}
	}
	return false
}

func (g *Game) opponent(playerID string) string {
	for _, p := range g.Players {
		if p != playerID {
			return p
		}
	}
	return ""
}

// MovesBy counts moves per player.
func (g *Game) MovesBy() map[string]int {
	out := make(map[string]int, len(g.Players))
	for _, p := range g.Players {
		out[p] = 0
	}
	for _, m := range g.Moves {
		out[m.PlayerID]++
	}
	return out
}

// CompletionEvent is emitted once when a game completes.
type CompletionEvent struct {
	GameID        string         `json:"game_id"`
	Players       [2]string      `json:"players"`
	WinnerID      string         `json:"winner_id,omitempty"`
	BoardSize     int            `json:"board_size"`
	MovesByPlayer map[string]int `json:"moves_by_player"`
	EndedAt       time.Time      `json:"ended_at"`
}

// Listener consumes completion events.
type Listener interface {
	HandleCompletion(ctx context.Context, ev CompletionEvent) error
}

// ResultRepository persists completed games as the authoritative history.
type ResultRepository interface {
	SaveResult(ctx context.Context, g *Game) error
}
