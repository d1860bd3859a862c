package game

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/park285/gridmatch/internal/obslog"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	ttlGame       = 24 * time.Hour
	updateRetries = 3
)

// Registry keeps live games in Redis. Every state change is a WATCH/MULTI on
// the game key so concurrent moves or joins cannot both apply.
type Registry struct {
	rdb  *redis.Client
	repo ResultRepository
	now  func() time.Time

	mu        sync.RWMutex
	listeners []Listener
}

// NewRegistry returns a registry. repo may be nil, in which case results are not persisted.
func NewRegistry(rdb *redis.Client, repo ResultRepository) *Registry {
	return &Registry{rdb: rdb, repo: repo, now: time.Now}
}

// OnComplete registers l to receive every completion event.
func (r *Registry) OnComplete(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

func gameKey(id string) string { return "game:" + strings.TrimSpace(id) }
func idxUserKey(userID string) string { return "game:index:user:" + strings.TrimSpace(userID) }

func newGameID() string {
	b := make([]byte, 3)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("game-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("game-%d-%s", time.Now().UnixNano(), hex.EncodeToString(b))
}

func newBoard(n int) [][]string {
	b := make([][]string, n)
	for i := range b {
		b[i] = make([]string, n)
	}
	return b
}

// CreateGame opens a waiting game seated with player1.
func (r *Registry) CreateGame(ctx context.Context, player1 string, boardSize int) (string, error) {
	player1 = strings.TrimSpace(player1)
	if player1 == "" { return "", fmt.Errorf("invalid player") }
	if boardSize < 3 || boardSize > 10 { return "", fmt.Errorf("invalid board size %d", boardSize) }
	now := r.now()
	g := &Game{
		ID:        newGameID(),
		BoardSize: boardSize,
		Status:    StatusWaiting,
		Players:   []string{player1},
		Board:     newBoard(boardSize),
		Moves:     []Move{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	raw, err := json.Marshal(g)
	if err != nil { return "", err }
	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, gameKey(g.ID), raw, ttlGame)
		p.SAdd(ctx, idxUserKey(player1), g.ID)
		p.Expire(ctx, idxUserKey(player1), ttlGame)
		return nil
	})
	if err != nil { return "", err }
	obslog.L().Info("game_create", zap.String("game_id", g.ID), zap.String("player1", player1), zap.Int("board_size", boardSize))
	return g.ID, nil
}

// update runs fn on the current game under WATCH and stores the result. A
// write that loses the race is retried from a fresh read.
func (r *Registry) update(ctx context.Context, id string, fn func(g *Game) error, extra func(p redis.Pipeliner, g *Game)) (*Game, error) {
	key := gameKey(id)
	for attempt := 0; attempt < updateRetries; attempt++ {
		var out *Game
		err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if err == redis.Nil { return ErrNotFound }
			if err != nil { return err }
			var cur Game
			if err := json.Unmarshal(raw, &cur); err != nil { return err }
			if err := fn(&cur); err != nil { return err }
			cur.UpdatedAt = r.now()
			newRaw, err := json.Marshal(&cur)
			if err != nil { return err }
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Set(ctx, key, newRaw, ttlGame)
				if extra != nil {
					extra(p, &cur)
				}
				return nil
			})
			if err == nil { out = &cur }
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) { continue }
		return out, err
	}
	return nil, fmt.Errorf("game %s: %w", id, ErrConcurrentUpdate)
}

// JoinGame seats player2 and starts the game; player1 moves first.
func (r *Registry) JoinGame(ctx context.Context, gameID, player2 string) error {
	player2 = strings.TrimSpace(player2)
	g, err := r.update(ctx, gameID, func(g *Game) error {
		if g.Status != StatusWaiting || len(g.Players) != 1 { return ErrNotJoinable }
		if player2 == "" || g.HasPlayer(player2) { return ErrNotJoinable }
		now := r.now()
		g.Players = append(g.Players, player2)
		g.Status = StatusActive
		g.Turn = g.Players[0]
		g.StartedAt = &now
		return nil
	}, func(p redis.Pipeliner, g *Game) {
		p.SAdd(ctx, idxUserKey(player2), g.ID)
		p.Expire(ctx, idxUserKey(player2), ttlGame)
	})
	if err != nil { return err }
	obslog.L().Info("game_join", zap.String("game_id", g.ID), zap.String("player2", player2))
	return nil
}

// AbortGame cancels a game that never started. Aborting twice is a no-op.
func (r *Registry) AbortGame(ctx context.Context, gameID string) error {
	g, err := r.update(ctx, gameID, func(g *Game) error {
		switch g.Status {
		case StatusWaiting, StatusAborted:
			now := r.now()
			g.Status = StatusAborted
			g.EndedAt = &now
			return nil
		}
		return ErrNotJoinable
	}, func(p redis.Pipeliner, g *Game) {
		for _, pl := range g.Players {
			p.SRem(ctx, idxUserKey(pl), g.ID)
		}
	})
	if err != nil { return err }
	obslog.L().Debug("game_abort", zap.String("game_id", g.ID))
	return nil
}

func (r *Registry) Get(ctx context.Context, id string) (*Game, error) {
	raw, err := r.rdb.Get(ctx, gameKey(id)).Bytes()
	if err == redis.Nil { return nil, ErrNotFound }
	if err != nil { return nil, err }
	var g Game
	if err := json.Unmarshal(raw, &g); err != nil { return nil, err }
	return &g, nil
}

// ActiveByPlayer returns the player's most recently updated waiting or active game, or nil.
func (r *Registry) ActiveByPlayer(ctx context.Context, playerID string) (*Game, error) {
	if strings.TrimSpace(playerID) == "" { return nil, nil }
	ids, err := r.rdb.SMembers(ctx, idxUserKey(playerID)).Result()
	if err != nil { return nil, err }
	var list []*Game
	for _, id := range ids {
		g, gerr := r.Get(ctx, id)
		if gerr != nil { continue }
		if g.Status == StatusActive || g.Status == StatusWaiting {
			list = append(list, g)
		}
	}
	if len(list) == 0 { return nil, nil }
	sort.Slice(list, func(i, j int) bool { return list[i].UpdatedAt.After(list[j].UpdatedAt) })
	return list[0], nil
}

// RecordMove places the player's mark. A completed line wins, a full board draws.
func (r *Registry) RecordMove(ctx context.Context, gameID, playerID string, row, col int) (*Game, error) {
	var finished bool
	g, err := r.update(ctx, gameID, func(g *Game) error {
		if g.Status != StatusActive { return ErrNotActive }
		if !g.HasPlayer(playerID) { return ErrNotParticipant }
		if g.Turn != playerID { return ErrNotYourTurn }
		if row < 0 || col < 0 || row >= g.BoardSize || col >= g.BoardSize {
			return fmt.Errorf("%w: (%d,%d) outside %dx%d", ErrIllegalMove, row, col, g.BoardSize, g.BoardSize)
		}
		if g.Board[row][col] != "" {
			return fmt.Errorf("%w: (%d,%d) occupied", ErrIllegalMove, row, col)
		}
		now := r.now()
		g.Board[row][col] = playerID
		g.Moves = append(g.Moves, Move{PlayerID: playerID, Row: row, Col: col, Number: len(g.Moves) + 1, At: now})
		switch {
		case lineComplete(g.Board, row, col):
			g.Status, g.WinnerID, g.Turn, g.EndedAt = StatusCompleted, playerID, "", &now
			finished = true
		case len(g.Moves) == g.BoardSize*g.BoardSize:
			g.Status, g.Turn, g.EndedAt = StatusCompleted, "", &now
			finished = true
		default:
			g.Turn = g.opponent(playerID)
		}
		return nil
	}, nil)
	if err != nil { return nil, err }
	if finished {
		r.completed(ctx, g)
	}
	return g, nil
}

// Finish ends an active game with the given winner ("" for a draw), e.g. on resignation.
func (r *Registry) Finish(ctx context.Context, gameID, winnerID string) (*Game, error) {
	g, err := r.update(ctx, gameID, func(g *Game) error {
		if g.Status != StatusActive { return ErrNotActive }
		if winnerID != "" && !g.HasPlayer(winnerID) { return ErrNotParticipant }
		now := r.now()
		g.Status, g.WinnerID, g.Turn, g.EndedAt = StatusCompleted, winnerID, "", &now
		return nil
	}, nil)
	if err != nil { return nil, err }
	r.completed(ctx, g)
	return g, nil
}

// completed persists the result and fans the completion event out. The game
// state transition already happened exactly once under WATCH, so each game
// reaches here once.
func (r *Registry) completed(ctx context.Context, g *Game) {
	ctx = context.WithoutCancel(ctx)
	obslog.L().Info("game_complete",
		zap.String("game_id", g.ID),
		zap.String("winner_id", g.WinnerID),
		zap.Int("moves", len(g.Moves)),
	)
	if r.repo != nil {
		if err := r.repo.SaveResult(ctx, g); err != nil {
			obslog.L().Error("game_result_persist_error", zap.String("game_id", g.ID), zap.Error(err))
		}
	}
	if len(g.Players) != 2 { return }
	ev := CompletionEvent{
		GameID:        g.ID,
		Players:       [2]string{g.Players[0], g.Players[1]},
		WinnerID:      g.WinnerID,
		BoardSize:     g.BoardSize,
		MovesByPlayer: g.MovesBy(),
	}
	if g.EndedAt != nil {
		ev.EndedAt = *g.EndedAt
	}
	r.mu.RLock()
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, l := range listeners {
		if err := l.HandleCompletion(ctx, ev); err != nil {
			obslog.L().Error("game_completion_listener_error", zap.String("game_id", g.ID), zap.Error(err))
		}
	}
}

// lineComplete reports whether the mark at (row, col) completes a full row,
// column or diagonal.
func lineComplete(b [][]string, row, col int) bool {
	n := len(b)
	who := b[row][col]
	full := func(at func(i int) string) bool {
		for i := 0; i < n; i++ {
			if at(i) != who { return false }
		}
		return true
	}
	if full(func(i int) string { return b[row][i] }) { return true }
	if full(func(i int) string { return b[i][col] }) { return true }
	if row == col && full(func(i int) string { return b[i][i] }) { return true }
	if row+col == n-1 && full(func(i int) string { return b[i][n-1-i] }) { return true }
	return false
}
