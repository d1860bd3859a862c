package stats

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/park285/gridmatch/internal/game"
	"github.com/park285/gridmatch/internal/leaderboard"
)

type memGame struct {
	id        string
	boardSize int
	status    string
	winnerID  string
}

type memMove struct {
	id       int64
	gameID   string
	playerID string
}

// MemoryHistory is an in-process History and game.ResultRepository, used when
// no DATABASE_URL is configured and in tests.
type MemoryHistory struct {
	mu          sync.Mutex
	players     map[string]Counters
	games       map[string]memGame
	gamePlayers map[string][]string
	moves       []memMove
	nextMoveID  int64
	// failApply makes ApplyCounters fail for batches containing this player.
	failApply string
}

var _ History = (*MemoryHistory)(nil)
var _ game.ResultRepository = (*MemoryHistory)(nil)

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{
		players:     make(map[string]Counters),
		games:       make(map[string]memGame),
		gamePlayers: make(map[string][]string),
	}
}

// SaveResult records a completed game like the Postgres repository does.
func (h *MemoryHistory) SaveResult(ctx context.Context, g *game.Game) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range g.Players {
		h.ensurePlayerLocked(p)
	}
	_, seen := h.games[g.ID]
	h.games[g.ID] = memGame{id: g.ID, boardSize: g.BoardSize, status: string(g.Status), winnerID: g.WinnerID}
	h.gamePlayers[g.ID] = append([]string(nil), g.Players...)
	if !seen {
		for _, m := range g.Moves {
			h.addMoveLocked(g.ID, m.PlayerID)
		}
	}
	return nil
}

func (h *MemoryHistory) ensurePlayerLocked(id string) {
	if _, ok := h.players[id]; !ok {
		h.players[id] = Counters{PlayerID: id}
	}
}

func (h *MemoryHistory) addMoveLocked(gameID, playerID string) {
	h.nextMoveID++
	h.moves = append(h.moves, memMove{id: h.nextMoveID, gameID: gameID, playerID: playerID})
}

func (h *MemoryHistory) CountPlayers(ctx context.Context) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.players), nil
}

func (h *MemoryHistory) PlayerIDsAfter(ctx context.Context, after string, limit int) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.players))
	for id := range h.players {
		if id > after {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (h *MemoryHistory) Counters(ctx context.Context, playerIDs []string) (map[string]Counters, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]Counters, len(playerIDs))
	for _, id := range playerIDs {
		if c, ok := h.players[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func (h *MemoryHistory) Recompute(ctx context.Context, playerIDs []string) (map[string]Counters, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	want := make(map[string]bool, len(playerIDs))
	for _, id := range playerIDs {
		want[id] = true
	}
	movesIn := make(map[string]int) // game -> winner's moves
	for _, m := range h.moves {
		g, ok := h.games[m.gameID]
		if ok && g.winnerID != "" && g.winnerID == m.playerID && want[m.playerID] {
			movesIn[m.gameID]++
		}
	}
	wins := make(map[string]int)
	moves := make(map[string]int)
	for gid, n := range movesIn {
		w := h.games[gid].winnerID
		wins[w]++
		moves[w] += n
	}
	out := make(map[string]Counters, len(playerIDs))
	for _, id := range playerIDs {
		out[id] = FromTotals(id, wins[id], moves[id])
	}
	return out, nil
}

func (h *MemoryHistory) ApplyCounters(ctx context.Context, batch []Counters) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range batch {
		if h.failApply != "" && c.PlayerID == h.failApply {
			return fmt.Errorf("apply counters: injected failure for %s", c.PlayerID)
		}
	}
	for _, c := range batch {
		if _, ok := h.players[c.PlayerID]; ok {
			h.players[c.PlayerID] = c
		}
	}
	return nil
}

func (h *MemoryHistory) IncrementWin(ctx context.Context, playerID string, moves int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.players[playerID]
	h.players[playerID] = FromTotals(playerID, c.TotalWins+1, c.TotalWinMoves+moves)
	return nil
}

func (h *MemoryHistory) OrphanedMoves(ctx context.Context) ([]Violation, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Violation
	for _, m := range h.moves {
		_, hasGame := h.games[m.gameID]
		_, hasPlayer := h.players[m.playerID]
		if hasGame && hasPlayer { continue }
		out = append(out, Violation{Kind: KindOrphanedMove, MoveID: m.id, GameID: m.gameID, PlayerID: m.playerID,
			Detail: orphanDetail(!hasGame, !hasPlayer)})
	}
	return out, nil
}

func (h *MemoryHistory) CompletedWithoutWinner(ctx context.Context) ([]Violation, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	count := make(map[string]int)
	for _, m := range h.moves {
		count[m.gameID]++
	}
	var out []Violation
	for _, g := range h.games {
		if g.status != string(game.StatusCompleted) || g.winnerID != "" { continue }
		if count[g.id] < g.boardSize*g.boardSize {
			out = append(out, Violation{Kind: KindCompletedNoWinner, GameID: g.id,
				Detail: fmt.Sprintf("%d of %d cells played", count[g.id], g.boardSize*g.boardSize)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GameID < out[j].GameID })
	return out, nil
}

func (h *MemoryHistory) SampleCounters(ctx context.Context, n int) ([]Counters, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Counters
	for _, c := range h.players {
		if c.Efficiency != nil && c.TotalWins > 0 {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlayerID < out[j].PlayerID })
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (h *MemoryHistory) ParticipantMismatches(ctx context.Context) ([]Violation, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	type key struct{ game, player string }
	counts := make(map[key]int)
	for _, m := range h.moves {
		registered := false
		for _, p := range h.gamePlayers[m.gameID] {
			if p == m.playerID {
				registered = true
				break
			}
		}
		if !registered {
			counts[key{m.gameID, m.playerID}]++
		}
	}
	var out []Violation
	for k, n := range counts {
		out = append(out, Violation{Kind: KindParticipantMismatch, GameID: k.game, PlayerID: k.player,
			Detail: fmt.Sprintf("%d moves by unregistered player", n)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GameID != out[j].GameID { return out[i].GameID < out[j].GameID }
		return out[i].PlayerID < out[j].PlayerID
	})
	return out, nil
}

func (h *MemoryHistory) TopByWins(ctx context.Context, limit int) ([]leaderboard.Row, error) {
	rows := h.rows(func(c Counters) bool { return c.TotalWins > 0 })
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Wins != rows[j].Wins { return rows[i].Wins > rows[j].Wins }
		return rows[i].PlayerID < rows[j].PlayerID
	})
	return capRows(rows, limit), nil
}

func (h *MemoryHistory) TopByEfficiency(ctx context.Context, limit int) ([]leaderboard.Row, error) {
	rows := h.rows(func(c Counters) bool { return c.TotalWins > 0 && c.Efficiency != nil })
	sort.Slice(rows, func(i, j int) bool {
		ei, ej := *rows[i].Efficiency, *rows[j].Efficiency
		if ei != ej { return ei < ej }
		if rows[i].Wins != rows[j].Wins { return rows[i].Wins > rows[j].Wins }
		return rows[i].PlayerID < rows[j].PlayerID
	})
	return capRows(rows, limit), nil
}

func (h *MemoryHistory) rows(keep func(Counters) bool) []leaderboard.Row {
	h.mu.Lock()
	defer h.mu.Unlock()
	games := make(map[string]int)
	for _, ps := range h.gamePlayers {
		for _, p := range ps {
			games[p]++
		}
	}
	var rows []leaderboard.Row
	for id, c := range h.players {
		if !keep(c) { continue }
		r := leaderboard.Row{PlayerID: id, Name: id, Wins: c.TotalWins, TotalGames: games[id]}
		if c.Efficiency != nil {
			v := round2(*c.Efficiency)
			r.Efficiency = &v
		}
		rows = append(rows, r)
	}
	return rows
}

func capRows(rows []leaderboard.Row, limit int) []leaderboard.Row {
	if limit > 0 && len(rows) > limit {
		return rows[:limit]
	}
	return rows
}
