package game

import (
	"context"
	"errors"
	"sync"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type savedResults struct {
	mu    sync.Mutex
	games []*Game
}

func (s *savedResults) SaveResult(ctx context.Context, g *Game) error {
	s.mu.Lock()
	s.games = append(s.games, g)
	s.mu.Unlock()
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []CompletionEvent
}

func (l *eventLog) HandleCompletion(ctx context.Context, ev CompletionEvent) error {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *savedResults, *eventLog) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil { t.Fatalf("miniredis: %v", err) }
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	repo := &savedResults{}
	events := &eventLog{}
	r := NewRegistry(rdb, repo)
	r.OnComplete(events)
	return r, repo, events
}

func startGame(t *testing.T, r *Registry, size int) string {
	t.Helper()
	ctx := context.Background()
	id, err := r.CreateGame(ctx, "p1", size)
	if err != nil { t.Fatalf("CreateGame: %v", err) }
	if err := r.JoinGame(ctx, id, "p2"); err != nil { t.Fatalf("JoinGame: %v", err) }
	return id
}

func TestCreateJoinAndTurnOrder(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	id := startGame(t, r, 3)

	g, err := r.Get(ctx, id)
	if err != nil { t.Fatalf("Get: %v", err) }
	if g.Status != StatusActive || g.Turn != "p1" || len(g.Players) != 2 { t.Fatalf("game = %+v", g) }
	if err := r.JoinGame(ctx, id, "p3"); !errors.Is(err, ErrNotJoinable) { t.Fatalf("third join err = %v", err) }

	if _, err := r.RecordMove(ctx, id, "p2", 0, 0); !errors.Is(err, ErrNotYourTurn) { t.Fatalf("out of turn err = %v", err) }
	if _, err := r.RecordMove(ctx, id, "p1", 3, 0); !errors.Is(err, ErrIllegalMove) { t.Fatalf("out of bounds err = %v", err) }
	if _, err := r.RecordMove(ctx, id, "p1", 1, 1); err != nil { t.Fatalf("RecordMove: %v", err) }
	if _, err := r.RecordMove(ctx, id, "p2", 1, 1); !errors.Is(err, ErrIllegalMove) { t.Fatalf("occupied err = %v", err) }
	if _, err := r.RecordMove(ctx, id, "x", 0, 0); !errors.Is(err, ErrNotParticipant) { t.Fatalf("outsider err = %v", err) }

	active, err := r.ActiveByPlayer(ctx, "p2")
	if err != nil || active == nil || active.ID != id { t.Fatalf("ActiveByPlayer: %v %v", active, err) }
}

func TestLineWinCompletesOnce(t *testing.T) {
	r, repo, events := newTestRegistry(t)
	ctx := context.Background()
	id := startGame(t, r, 3)
	moves := []struct {
		p        string
		row, col int
	}{{"p1", 0, 0}, {"p2", 1, 0}, {"p1", 0, 1}, {"p2", 1, 1}, {"p1", 0, 2}}
	var g *Game
	var err error
	for _, m := range moves {
		if g, err = r.RecordMove(ctx, id, m.p, m.row, m.col); err != nil { t.Fatalf("RecordMove %+v: %v", m, err) }
	}
	if g.Status != StatusCompleted || g.WinnerID != "p1" { t.Fatalf("game = %+v", g) }
	if _, err := r.RecordMove(ctx, id, "p2", 2, 2); !errors.Is(err, ErrNotActive) { t.Fatalf("move after end err = %v", err) }
	if _, err := r.Finish(ctx, id, "p2"); !errors.Is(err, ErrNotActive) { t.Fatalf("Finish after end err = %v", err) }

	if len(repo.games) != 1 { t.Fatalf("saved %d results", len(repo.games)) }
	if len(events.events) != 1 { t.Fatalf("emitted %d events", len(events.events)) }
	ev := events.events[0]
	if ev.WinnerID != "p1" || ev.MovesByPlayer["p1"] != 3 || ev.MovesByPlayer["p2"] != 2 || ev.BoardSize != 3 {
		t.Fatalf("event = %+v", ev)
	}
}

func TestAntiDiagonalWinOnLargerBoard(t *testing.T) {
	r, _, events := newTestRegistry(t)
	ctx := context.Background()
	id := startGame(t, r, 4)
	seq := [][3]any{
		{"p1", 0, 3}, {"p2", 0, 0}, {"p1", 1, 2}, {"p2", 0, 1},
		{"p1", 2, 1}, {"p2", 0, 2}, {"p1", 3, 0},
	}
	for _, m := range seq {
		if _, err := r.RecordMove(ctx, id, m[0].(string), m[1].(int), m[2].(int)); err != nil { t.Fatalf("RecordMove %v: %v", m, err) }
	}
	if len(events.events) != 1 || events.events[0].WinnerID != "p1" { t.Fatalf("events = %+v", events.events) }
}

func TestFullBoardIsDraw(t *testing.T) {
	r, _, events := newTestRegistry(t)
	ctx := context.Background()
	id := startGame(t, r, 3)
	// p1 p2 p1 / p1 p2 p2 / p2 p1 p1
	seq := []struct {
		p        string
		row, col int
	}{
		{"p1", 0, 0}, {"p2", 0, 1}, {"p1", 0, 2}, {"p2", 1, 1}, {"p1", 1, 0},
		{"p2", 1, 2}, {"p1", 2, 1}, {"p2", 2, 0}, {"p1", 2, 2},
	}
	var g *Game
	var err error
	for _, m := range seq {
		if g, err = r.RecordMove(ctx, id, m.p, m.row, m.col); err != nil { t.Fatalf("RecordMove %+v: %v", m, err) }
	}
	if g.Status != StatusCompleted || g.WinnerID != "" { t.Fatalf("expected draw: %+v", g) }
	if len(events.events) != 1 || events.events[0].WinnerID != "" { t.Fatalf("events = %+v", events.events) }
}

func TestAbortOnlyBeforeStart(t *testing.T) {
	r, _, events := newTestRegistry(t)
	ctx := context.Background()
	id, err := r.CreateGame(ctx, "p1", 3)
	if err != nil { t.Fatalf("CreateGame: %v", err) }
	if err := r.AbortGame(ctx, id); err != nil { t.Fatalf("AbortGame: %v", err) }
	if err := r.AbortGame(ctx, id); err != nil { t.Fatalf("AbortGame twice: %v", err) }
	if err := r.JoinGame(ctx, id, "p2"); !errors.Is(err, ErrNotJoinable) { t.Fatalf("join aborted err = %v", err) }
	if g, _ := r.ActiveByPlayer(ctx, "p1"); g != nil { t.Fatalf("aborted game still indexed") }

	started := startGame(t, r, 3)
	if err := r.AbortGame(ctx, started); !errors.Is(err, ErrNotJoinable) { t.Fatalf("abort active err = %v", err) }
	if len(events.events) != 0 { t.Fatalf("abort emitted completion") }
	if err := r.AbortGame(ctx, "missing"); !errors.Is(err, ErrNotFound) { t.Fatalf("missing err = %v", err) }
}

func TestFinishDeclaresWinner(t *testing.T) {
	r, _, events := newTestRegistry(t)
	ctx := context.Background()
	id := startGame(t, r, 5)
	if _, err := r.Finish(ctx, id, "nobody"); !errors.Is(err, ErrNotParticipant) { t.Fatalf("err = %v", err) }
	g, err := r.Finish(ctx, id, "p2")
	if err != nil { t.Fatalf("Finish: %v", err) }
	if g.WinnerID != "p2" || len(events.events) != 1 { t.Fatalf("game=%+v events=%d", g, len(events.events)) }
}

func TestUpdateGivesUpAfterRepeatedConflicts(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	id := startGame(t, r, 3)

	attempts := 0
	_, err := r.update(ctx, id, func(g *Game) error {
		attempts++
		// a write from another client between WATCH and EXEC
		return r.rdb.Expire(ctx, gameKey(id), ttlGame).Err()
	}, nil)
	if !errors.Is(err, ErrConcurrentUpdate) || attempts != updateRetries { t.Fatalf("err = %v after %d attempts", err, attempts) }

	attempts = 0
	g, err := r.update(ctx, id, func(g *Game) error {
		attempts++
		if attempts == 1 { return r.rdb.Expire(ctx, gameKey(id), ttlGame).Err() }
		return nil
	}, nil)
	if err != nil || g == nil || attempts != 2 { t.Fatalf("retry = %v, %v after %d attempts", g, err, attempts) }
}
