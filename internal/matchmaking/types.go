package matchmaking

import (
	"errors"
	"time"
)

type Status string

const (
	StatusSearching Status = "searching"
	StatusMatched   Status = "matched"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
)

var (
	ErrNotFound      = errors.New("queue entry not found")
	ErrClaimConflict = errors.New("claim conflict")
	ErrInvalidPlayer = errors.New("invalid player")
	ErrInGame        = errors.New("player already has a game in progress")
	// ErrNotSearching is returned by status transitions on an entry that already left Searching.
	ErrNotSearching = errors.New("entry no longer searching")
)

// QueueEntry is one player's matchmaking request.
type QueueEntry struct {
	ID            string      `json:"id"`
	PlayerID      string      `json:"player_id"`
	Preferences   Preferences `json:"preferences"`
	Rating        int         `json:"rating"`
	Status        Status      `json:"status"`
	JoinedAt      time.Time   `json:"joined_at"`
	ExpandedAt    *time.Time  `json:"expanded_at,omitempty"`
	InitialRadius int         `json:"initial_radius"`
	CurrentRadius int         `json:"current_radius"`
	MaxWait       Duration    `json:"max_wait"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Waited returns how long the entry has been queued at now.
func (e *QueueEntry) Waited(now time.Time) time.Duration { return now.Sub(e.JoinedAt) }

// MatchRecord is the history row written by a successful claim. Only the
// completion fields change afterwards, and only once.
type MatchRecord struct {
	ID               string     `json:"id"`
	GameID           string     `json:"game_id"`
	Player1          string     `json:"player1"`
	Player2          string     `json:"player2"`
	BoardSize        int        `json:"board_size"`
	RatingDifference int        `json:"rating_difference"`
	WaitPlayer1      float64    `json:"wait_player1_seconds"`
	WaitPlayer2      float64    `json:"wait_player2_seconds"`
	Score            float64    `json:"score"`
	QueueClass       QueueClass `json:"queue_class"`
	CreatedAt        time.Time  `json:"created_at"`
	Outcome          string     `json:"outcome,omitempty"`
	WinnerID         string     `json:"winner_id,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// OutcomeAborted marks a match whose game never started.
const OutcomeAborted = "aborted"

func (m *MatchRecord) Completed() bool { return m.CompletedAt != nil }

// PlayerMatch is a match record seen from one participant.
type PlayerMatch struct {
	MatchID          string     `json:"match_id"`
	GameID           string     `json:"game_id"`
	Opponent         string     `json:"opponent"`
	BoardSize        int        `json:"board_size"`
	RatingDifference int        `json:"rating_difference"`
	WaitSeconds      float64    `json:"wait_seconds"`
	Score            float64    `json:"score"`
	QueueClass       QueueClass `json:"queue_class"`
	CreatedAt        time.Time  `json:"created_at"`
	Status           string     `json:"status"`
	Result           string     `json:"result,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// ForPlayer returns the record from playerID's side. ok is false when the
// player did not take part.
func (m *MatchRecord) ForPlayer(playerID string) (PlayerMatch, bool) {
	pm := PlayerMatch{
		MatchID: m.ID, GameID: m.GameID, BoardSize: m.BoardSize, RatingDifference: m.RatingDifference,
		Score: m.Score, QueueClass: m.QueueClass, CreatedAt: m.CreatedAt, CompletedAt: m.CompletedAt,
	}
	switch playerID {
	case m.Player1:
		pm.Opponent, pm.WaitSeconds = m.Player2, m.WaitPlayer1
	case m.Player2:
		pm.Opponent, pm.WaitSeconds = m.Player1, m.WaitPlayer2
	default:
		return PlayerMatch{}, false
	}
	switch {
	case !m.Completed():
		pm.Status = "in_progress"
	case m.Outcome == OutcomeAborted:
		pm.Status = OutcomeAborted
	default:
		pm.Status = "completed"
		switch m.WinnerID {
		case "":
			pm.Result = "draw"
		case playerID:
			pm.Result = "win"
		default:
			pm.Result = "loss"
		}
	}
	return pm, true
}

// ClassStatus aggregates one queue class.
type ClassStatus struct {
	Searching      int     `json:"searching"`
	AvgWaitSeconds float64 `json:"avg_wait_seconds"`
}

// QueueStatus is the aggregate view returned by Coordinator.Status.
type QueueStatus struct {
	TotalSearching int                        `json:"total_searching"`
	ByClass        map[QueueClass]ClassStatus `json:"by_class"`
	ActiveSearches int                        `json:"active_searches"`
	ClaimConflicts int64                      `json:"claim_conflicts"`
}
