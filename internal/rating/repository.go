package rating

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/park285/gridmatch/internal/pgstore"
)

type repository struct {
	db *sql.DB
}

// NewRepository returns a Postgres-backed Store. Rows are created lazily on the
// first settled match; reads of unknown players return defaults.
func NewRepository(db *sql.DB) Store {
	return &repository{db: db}
}

const ratingColumns = `player_id, scope, rating, deviation, games_played, peak_rating, peak_at,
	win_streak, loss_streak, best_win_streak, best_loss_streak, last_game_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRating(s rowScanner) (*PlayerRating, error) {
	var (
		r      PlayerRating
		scope  string
		peakAt sql.NullTime
		lastAt sql.NullTime
	)
	if err := s.Scan(&r.PlayerID, &scope, &r.Rating, &r.Deviation, &r.GamesPlayed, &r.PeakRating, &peakAt,
		&r.WinStreak, &r.LossStreak, &r.BestWinStreak, &r.BestLossStreak, &lastAt); err != nil {
		return nil, err
	}
	r.Scope = Scope(scope)
	if peakAt.Valid {
		t := peakAt.Time
		r.PeakAt = &t
	}
	if lastAt.Valid {
		t := lastAt.Time
		r.LastGameAt = &t
	}
	return &r, nil
}

func (r *repository) Get(ctx context.Context, playerID string, scope Scope) (*PlayerRating, error) {
	query := `SELECT ` + ratingColumns + ` FROM player_ratings WHERE player_id = $1 AND scope = $2`
	pr, err := scanRating(r.db.QueryRowContext(ctx, query, playerID, string(scope)))
	if err == sql.ErrNoRows {
		return NewPlayerRating(playerID, scope), nil
	}
	if err != nil {
		return nil, fmt.Errorf("select rating: %w", err)
	}
	return pr, nil
}

func (r *repository) List(ctx context.Context, playerID string) ([]*PlayerRating, error) {
	query := `SELECT ` + ratingColumns + ` FROM player_ratings WHERE player_id = $1 ORDER BY scope`
	rows, err := r.db.QueryContext(ctx, query, playerID)
	if err != nil {
		return nil, fmt.Errorf("select ratings: %w", err)
	}
	defer rows.Close()
	var out []*PlayerRating
	for rows.Next() {
		pr, err := scanRating(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rating: %w", err)
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

// Settle claims the match id in rating_settlements and updates both players under
// row locks inside one transaction. A duplicate match id rolls back untouched.
func (r *repository) Settle(ctx context.Context, matchID, outcome string, players [2]string, scopes []Scope, fn SettleFunc) (bool, error) {
	applied := false
	err := pgstore.InTx(ctx, r.db, nil, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO rating_settlements (match_id, outcome) VALUES ($1, $2) ON CONFLICT (match_id) DO NOTHING`,
			matchID, outcome)
		if err != nil {
			return fmt.Errorf("insert settlement: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		// lock in id order so concurrent settlements cannot deadlock
		first, second := 0, 1
		if players[1] < players[0] {
			first, second = 1, 0
		}
		for _, scope := range scopes {
			var locked [2]*PlayerRating
			if locked[first], err = lockRating(ctx, tx, players[first], scope); err != nil { return err }
			if locked[second], err = lockRating(ctx, tx, players[second], scope); err != nil { return err }
			a, b := locked[0], locked[1]
			if fn != nil {
				if err := fn(scope, a, b); err != nil {
					return err
				}
			}
			if err := upsertRating(ctx, tx, a); err != nil { return err }
			if err := upsertRating(ctx, tx, b); err != nil { return err }
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// lockRating ensures the row exists, then selects it FOR UPDATE.
func lockRating(ctx context.Context, tx *sql.Tx, playerID string, scope Scope) (*PlayerRating, error) {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO player_ratings (player_id, scope, rating, deviation, peak_rating)
		 VALUES ($1, $2, $3, $4, $3) ON CONFLICT (player_id, scope) DO NOTHING`,
		playerID, string(scope), DefaultRating, DefaultDeviation); err != nil {
		return nil, fmt.Errorf("seed rating: %w", err)
	}
	query := `SELECT ` + ratingColumns + ` FROM player_ratings WHERE player_id = $1 AND scope = $2 FOR UPDATE`
	pr, err := scanRating(tx.QueryRowContext(ctx, query, playerID, string(scope)))
	if err != nil {
		return nil, fmt.Errorf("lock rating %s/%s: %w", playerID, scope, err)
	}
	return pr, nil
}

func upsertRating(ctx context.Context, tx *sql.Tx, pr *PlayerRating) error {
	const q = `UPDATE player_ratings SET
		rating = $3, deviation = $4, games_played = $5, peak_rating = $6, peak_at = $7,
		win_streak = $8, loss_streak = $9, best_win_streak = $10, best_loss_streak = $11, last_game_at = $12
		WHERE player_id = $1 AND scope = $2`
	_, err := tx.ExecContext(ctx, q,
		pr.PlayerID, string(pr.Scope),
		pr.Rating, pr.Deviation, pr.GamesPlayed, pr.PeakRating, pr.PeakAt,
		pr.WinStreak, pr.LossStreak, pr.BestWinStreak, pr.BestLossStreak, pr.LastGameAt,
	)
	if err != nil {
		return fmt.Errorf("update rating %s/%s: %w", pr.PlayerID, pr.Scope, err)
	}
	return nil
}
