package stats

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"github.com/lib/pq"
	"github.com/park285/gridmatch/internal/leaderboard"
	"github.com/park285/gridmatch/internal/pgstore"
)

// PGHistory reads and repairs counters in Postgres.
type PGHistory struct {
	db *sql.DB
}

func NewPGHistory(db *sql.DB) *PGHistory { return &PGHistory{db: db} }

func (h *PGHistory) CountPlayers(ctx context.Context) (int, error) {
	var n int
	if err := h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM players`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count players: %w", err)
	}
	return n, nil
}

func (h *PGHistory) PlayerIDsAfter(ctx context.Context, after string, limit int) ([]string, error) {
	rows, err := h.db.QueryContext(ctx, `SELECT id FROM players WHERE id > $1 ORDER BY id LIMIT $2`, after, limit)
	if err != nil { return nil, fmt.Errorf("page players: %w", err) }
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil { return nil, err }
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanCounters(rows *sql.Rows) (Counters, error) {
	var (
		c   Counters
		eff sql.NullFloat64
	)
	if err := rows.Scan(&c.PlayerID, &c.TotalWins, &c.TotalWinMoves, &eff); err != nil { return c, err }
	if eff.Valid {
		v := eff.Float64
		c.Efficiency = &v
	}
	return c, nil
}

func (h *PGHistory) Counters(ctx context.Context, playerIDs []string) (map[string]Counters, error) {
	rows, err := h.db.QueryContext(ctx,
		`SELECT id, total_wins, total_win_moves, efficiency FROM players WHERE id = ANY($1)`, pq.Array(playerIDs))
	if err != nil { return nil, fmt.Errorf("select counters: %w", err) }
	defer rows.Close()
	out := make(map[string]Counters, len(playerIDs))
	for rows.Next() {
		c, err := scanCounters(rows)
		if err != nil { return nil, err }
		out[c.PlayerID] = c
	}
	return out, rows.Err()
}

// Recompute counts, per player, the games they won and their own moves in those
// games. A win without any of the winner's moves does not count.
func (h *PGHistory) Recompute(ctx context.Context, playerIDs []string) (map[string]Counters, error) {
	out := make(map[string]Counters, len(playerIDs))
	for _, id := range playerIDs {
		out[id] = FromTotals(id, 0, 0)
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT g.winner_id, COUNT(DISTINCT g.id), COUNT(m.id)
		FROM games g
		JOIN moves m ON m.game_id = g.id AND m.player_id = g.winner_id
		WHERE g.winner_id = ANY($1)
		GROUP BY g.winner_id`, pq.Array(playerIDs))
	if err != nil { return nil, fmt.Errorf("recompute counters: %w", err) }
	defer rows.Close()
	for rows.Next() {
		var (
			id          string
			wins, moves int
		)
		if err := rows.Scan(&id, &wins, &moves); err != nil { return nil, err }
		out[id] = FromTotals(id, wins, moves)
	}
	return out, rows.Err()
}

func (h *PGHistory) ApplyCounters(ctx context.Context, batch []Counters) error {
	if len(batch) == 0 { return nil }
	return pgstore.InTx(ctx, h.db, nil, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `UPDATE players
			SET total_wins = $2, total_win_moves = $3, efficiency = $4, last_efficiency_update = now()
			WHERE id = $1`)
		if err != nil { return err }
		defer stmt.Close()
		for _, c := range batch {
			var eff any
			if c.Efficiency != nil {
				eff = *c.Efficiency
			}
			if _, err := stmt.ExecContext(ctx, c.PlayerID, c.TotalWins, c.TotalWinMoves, eff); err != nil {
				return fmt.Errorf("update counters %s: %w", c.PlayerID, err)
			}
		}
		return nil
	})
}

// IncrementWin adds one win worth moves to the player's counters in a single statement.
func (h *PGHistory) IncrementWin(ctx context.Context, playerID string, moves int) error {
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO players (id, username, total_wins, total_win_moves, efficiency, last_efficiency_update)
		VALUES ($1, $1, 1, $2, $2::float, now())
		ON CONFLICT (id) DO UPDATE SET
			total_wins = players.total_wins + 1,
			total_win_moves = players.total_win_moves + $2,
			efficiency = (players.total_win_moves + $2)::float / (players.total_wins + 1),
			last_efficiency_update = now()`, playerID, moves)
	if err != nil { return fmt.Errorf("increment win %s: %w", playerID, err) }
	return nil
}

func (h *PGHistory) OrphanedMoves(ctx context.Context) ([]Violation, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT m.id, m.game_id, m.player_id, g.id IS NULL, p.id IS NULL
		FROM moves m
		LEFT JOIN games g ON g.id = m.game_id
		LEFT JOIN players p ON p.id = m.player_id
		WHERE g.id IS NULL OR p.id IS NULL
		ORDER BY m.id`)
	if err != nil { return nil, fmt.Errorf("orphaned moves: %w", err) }
	defer rows.Close()
	var out []Violation
	for rows.Next() {
		var (
			v                Violation
			noGame, noPlayer bool
		)
		if err := rows.Scan(&v.MoveID, &v.GameID, &v.PlayerID, &noGame, &noPlayer); err != nil { return nil, err }
		v.Kind = KindOrphanedMove
		v.Detail = orphanDetail(noGame, noPlayer)
		out = append(out, v)
	}
	return out, rows.Err()
}

func orphanDetail(noGame, noPlayer bool) string {
	switch {
	case noGame && noPlayer:
		return "missing game and player"
	case noGame:
		return "missing game"
	default:
		return "missing player"
	}
}

// CompletedWithoutWinner finds completed games with no winner whose board is not full.
func (h *PGHistory) CompletedWithoutWinner(ctx context.Context) ([]Violation, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT g.id, g.board_size, COUNT(m.id)
		FROM games g
		LEFT JOIN moves m ON m.game_id = g.id
		WHERE g.status = 'completed' AND g.winner_id IS NULL
		GROUP BY g.id, g.board_size
		HAVING COUNT(m.id) < g.board_size * g.board_size
		ORDER BY g.id`)
	if err != nil { return nil, fmt.Errorf("completed without winner: %w", err) }
	defer rows.Close()
	var out []Violation
	for rows.Next() {
		var (
			id          string
			size, moves int
		)
		if err := rows.Scan(&id, &size, &moves); err != nil { return nil, err }
		out = append(out, Violation{Kind: KindCompletedNoWinner, GameID: id,
			Detail: fmt.Sprintf("%d of %d cells played", moves, size*size)})
	}
	return out, rows.Err()
}

func (h *PGHistory) SampleCounters(ctx context.Context, n int) ([]Counters, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, total_wins, total_win_moves, efficiency FROM players
		WHERE efficiency IS NOT NULL AND total_wins > 0
		ORDER BY id LIMIT $1`, n)
	if err != nil { return nil, fmt.Errorf("sample counters: %w", err) }
	defer rows.Close()
	var out []Counters
	for rows.Next() {
		c, err := scanCounters(rows)
		if err != nil { return nil, err }
		out = append(out, c)
	}
	return out, rows.Err()
}

// ParticipantMismatches finds moves made by players not registered for the game.
func (h *PGHistory) ParticipantMismatches(ctx context.Context) ([]Violation, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT m.game_id, m.player_id, COUNT(*)
		FROM moves m
		LEFT JOIN game_players gp ON gp.game_id = m.game_id AND gp.player_id = m.player_id
		WHERE gp.player_id IS NULL
		GROUP BY m.game_id, m.player_id
		ORDER BY m.game_id, m.player_id`)
	if err != nil { return nil, fmt.Errorf("participant mismatches: %w", err) }
	defer rows.Close()
	var out []Violation
	for rows.Next() {
		var (
			v Violation
			n int
		)
		if err := rows.Scan(&v.GameID, &v.PlayerID, &n); err != nil { return nil, err }
		v.Kind = KindParticipantMismatch
		v.Detail = fmt.Sprintf("%d moves by unregistered player", n)
		out = append(out, v)
	}
	return out, rows.Err()
}

func (h *PGHistory) TopByWins(ctx context.Context, limit int) ([]leaderboard.Row, error) {
	return h.top(ctx, `WHERE p.total_wins > 0 ORDER BY p.total_wins DESC, p.id`, limit)
}

func (h *PGHistory) TopByEfficiency(ctx context.Context, limit int) ([]leaderboard.Row, error) {
	return h.top(ctx, `WHERE p.efficiency IS NOT NULL AND p.total_wins > 0 ORDER BY p.efficiency ASC, p.total_wins DESC, p.id`, limit)
}

func (h *PGHistory) top(ctx context.Context, tail string, limit int) ([]leaderboard.Row, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT p.id, p.username, p.total_wins, p.efficiency,
			(SELECT COUNT(*) FROM game_players gp WHERE gp.player_id = p.id)
		FROM players p `+tail+` LIMIT $1`, limit)
	if err != nil { return nil, fmt.Errorf("leaderboard query: %w", err) }
	defer rows.Close()
	var out []leaderboard.Row
	for rows.Next() {
		var (
			r   leaderboard.Row
			eff sql.NullFloat64
		)
		if err := rows.Scan(&r.PlayerID, &r.Name, &r.Wins, &eff, &r.TotalGames); err != nil { return nil, err }
		if eff.Valid {
			v := round2(eff.Float64)
			r.Efficiency = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
