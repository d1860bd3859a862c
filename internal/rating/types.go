package rating

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultRating    = 1200
	DefaultDeviation = 350.0
	MinDeviation     = 50.0
	MinRating        = 100
	MaxRatingChange  = 50.0
)

var (
	ErrInvalidResult = errors.New("invalid match result")
	ErrSelfMatch     = errors.New("a player cannot be matched against themselves")
)

// Scope names a rating pool: the overall pool or one pool per board size.
type Scope string

const ScopeOverall Scope = "overall"

// BoardScope returns the pool for an n×n board.
func BoardScope(n int) Scope { return Scope("grid_" + strconv.Itoa(n)) }

// BoardSize reports the board size of a grid scope.
func (s Scope) BoardSize() (int, bool) {
	rest, ok := strings.CutPrefix(string(s), "grid_")
	if !ok { return 0, false }
	n, err := strconv.Atoi(rest)
	if err != nil { return 0, false }
	return n, true
}

// PlayerRating is one player's standing in one scope.
type PlayerRating struct {
	PlayerID       string     `json:"player_id"`
	Scope          Scope      `json:"scope"`
	Rating         int        `json:"rating"`
	Deviation      float64    `json:"deviation"`
	GamesPlayed    int        `json:"games_played"`
	PeakRating     int        `json:"peak_rating"`
	PeakAt         *time.Time `json:"peak_at,omitempty"`
	WinStreak      int        `json:"win_streak"`
	LossStreak     int        `json:"loss_streak"`
	BestWinStreak  int        `json:"best_win_streak"`
	BestLossStreak int        `json:"best_loss_streak"`
	LastGameAt     *time.Time `json:"last_game_at,omitempty"`
}

// NewPlayerRating returns the default record used for players without history.
func NewPlayerRating(playerID string, scope Scope) *PlayerRating {
	return &PlayerRating{
		PlayerID:   playerID,
		Scope:      scope,
		Rating:     DefaultRating,
		Deviation:  DefaultDeviation,
		PeakRating: DefaultRating,
	}
}

// Result describes a concluded match. WinnerID is empty for a draw.
type Result struct {
	MatchID   string
	Players   [2]string
	WinnerID  string
	BoardSize int
}

func (r Result) validate() error {
	if strings.TrimSpace(r.MatchID) == "" {
		return fmt.Errorf("%w: missing match id", ErrInvalidResult)
	}
	if r.Players[0] == "" || r.Players[1] == "" {
		return fmt.Errorf("%w: missing participant", ErrInvalidResult)
	}
	if r.Players[0] == r.Players[1] {
		return ErrSelfMatch
	}
	if r.WinnerID != "" && r.WinnerID != r.Players[0] && r.WinnerID != r.Players[1] {
		return fmt.Errorf("%w: winner %s did not play", ErrInvalidResult, r.WinnerID)
	}
	if r.BoardSize < 3 {
		return fmt.Errorf("%w: board size %d", ErrInvalidResult, r.BoardSize)
	}
	return nil
}

// Outcome is the persisted settlement token.
func (r Result) Outcome() string {
	if r.WinnerID == "" { return "draw" }
	return "win:" + r.WinnerID
}

// Prediction holds normalized outcome probabilities for A vs B.
type Prediction struct {
	WinProbA         float64 `json:"win_prob_a"`
	WinProbB         float64 `json:"win_prob_b"`
	DrawProb         float64 `json:"draw_prob"`
	Confidence       float64 `json:"confidence"`
	RatingDifference int     `json:"rating_difference"`
	MatchQuality     float64 `json:"match_quality"`
}

// Settlement reports the ratings written for a match.
type Settlement struct {
	MatchID string
	Applied bool
	Overall [2]PlayerRating
}
