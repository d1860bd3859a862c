package stats

import (
	"context"
	"math"
	"time"

	"github.com/park285/gridmatch/internal/leaderboard"
)

// Counters are the denormalized per-player aggregates kept on the player row.
// Efficiency is average moves per win; nil when the player has no wins.
type Counters struct {
	PlayerID      string   `json:"player_id"`
	TotalWins     int      `json:"total_wins"`
	TotalWinMoves int      `json:"total_win_moves"`
	Efficiency    *float64 `json:"efficiency,omitempty"`
}

// FromTotals derives the efficiency from win and move totals.
func FromTotals(playerID string, wins, moves int) Counters {
	c := Counters{PlayerID: playerID, TotalWins: wins, TotalWinMoves: moves}
	if wins > 0 {
		e := float64(moves) / float64(wins)
		c.Efficiency = &e
	}
	return c
}

func (c Counters) Equal(o Counters) bool {
	if c.TotalWins != o.TotalWins || c.TotalWinMoves != o.TotalWinMoves { return false }
	if (c.Efficiency == nil) != (o.Efficiency == nil) { return false }
	return c.Efficiency == nil || math.Abs(*c.Efficiency-*o.Efficiency) < 1e-9
}

func (c Counters) efficiency() float64 {
	if c.Efficiency == nil { return 0 }
	return *c.Efficiency
}

// Violation kinds reported by CheckIntegrity.
const (
	KindOrphanedMove        = "orphaned_move"
	KindCompletedNoWinner   = "completed_game_no_winner"
	KindEfficiencyMismatch  = "efficiency_mismatch"
	KindParticipantMismatch = "participant_mismatch"
)

// Violation describes one integrity problem. Only the fields relevant to Kind are set.
type Violation struct {
	Kind     string `json:"kind"`
	GameID   string `json:"game_id,omitempty"`
	PlayerID string `json:"player_id,omitempty"`
	MoveID   int64  `json:"move_id,omitempty"`
	Detail   string `json:"detail"`
}

// History is the authoritative game/move record plus the denormalized counters.
type History interface {
	leaderboard.Source

	CountPlayers(ctx context.Context) (int, error)
	// PlayerIDsAfter pages player ids in ascending order after the given id.
	PlayerIDsAfter(ctx context.Context, after string, limit int) ([]string, error)
	Counters(ctx context.Context, playerIDs []string) (map[string]Counters, error)
	// Recompute derives counters from completed games and their moves.
	Recompute(ctx context.Context, playerIDs []string) (map[string]Counters, error)
	// ApplyCounters writes the batch in one transaction.
	ApplyCounters(ctx context.Context, batch []Counters) error
	IncrementWin(ctx context.Context, playerID string, moves int) error

	OrphanedMoves(ctx context.Context) ([]Violation, error)
	CompletedWithoutWinner(ctx context.Context) ([]Violation, error)
	SampleCounters(ctx context.Context, n int) ([]Counters, error)
	ParticipantMismatches(ctx context.Context) ([]Violation, error)
}

// Summary reports one reconciliation run.
type Summary struct {
	TotalPlayers int           `json:"total_players"`
	Checked      int           `json:"checked"`
	Updated      int           `json:"updated"`
	Errors       int           `json:"errors"`
	Batches      int           `json:"batches"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
}

// Report is the result of CheckIntegrity. Failures lists checks that could not run.
type Report struct {
	CheckedAt             time.Time         `json:"checked_at"`
	Total                 int               `json:"total"`
	OrphanedMoves         []Violation       `json:"orphaned_moves"`
	InvalidGameStates     []Violation       `json:"invalid_game_states"`
	EfficiencyMismatches  []Violation       `json:"efficiency_mismatches"`
	ParticipantMismatches []Violation       `json:"participant_mismatches"`
	Failures              map[string]string `json:"failures,omitempty"`
}
