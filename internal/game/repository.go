package game

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/park285/gridmatch/internal/pgstore"
)

// Repository writes completed games to Postgres: games, game_players and moves
// are the history the stats reconciliation recomputes counters from.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository { return &Repository{db: db} }

// SaveResult upserts the game and its participants and inserts the moves.
// Re-saving the same game is harmless.
func (r *Repository) SaveResult(ctx context.Context, g *Game) error {
	if r == nil || r.db == nil || g == nil { return nil }
	var winner any
	if g.WinnerID != "" {
		winner = g.WinnerID
	}
	return pgstore.InTx(ctx, r.db, nil, func(tx *sql.Tx) error {
		for _, p := range g.Players {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO players (id, username) VALUES ($1, $1) ON CONFLICT (id) DO NOTHING`, p); err != nil {
				return fmt.Errorf("ensure player %s: %w", p, err)
			}
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO games (id, board_size, status, winner_id, created_at, started_at, ended_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status,
				winner_id = EXCLUDED.winner_id,
				started_at = EXCLUDED.started_at,
				ended_at = EXCLUDED.ended_at`,
			g.ID, g.BoardSize, string(g.Status), winner, g.CreatedAt, g.StartedAt, g.EndedAt)
		if err != nil { return fmt.Errorf("upsert game %s: %w", g.ID, err) }
		for i, p := range g.Players {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO game_players (game_id, player_id, player_order) VALUES ($1, $2, $3)
				 ON CONFLICT (game_id, player_id) DO NOTHING`, g.ID, p, i+1); err != nil {
				return fmt.Errorf("insert game player: %w", err)
			}
		}
		for _, m := range g.Moves {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO moves (game_id, player_id, row_idx, col_idx, move_number, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (game_id, row_idx, col_idx) DO NOTHING`,
				g.ID, m.PlayerID, m.Row, m.Col, m.Number, m.At); err != nil {
				return fmt.Errorf("insert move %d: %w", m.Number, err)
			}
		}
		return nil
	})
}
