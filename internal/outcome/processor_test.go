package outcome

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/park285/gridmatch/internal/game"
	"github.com/park285/gridmatch/internal/leaderboard"
	"github.com/park285/gridmatch/internal/matchmaking"
	"github.com/park285/gridmatch/internal/notify"
	"github.com/park285/gridmatch/internal/rating"
	"github.com/park285/gridmatch/internal/stats"
	"github.com/redis/go-redis/v9"
)

type pipeline struct {
	store    *matchmaking.Store
	registry *game.Registry
	ratings  *rating.Service
	hist     *stats.MemoryHistory
	cache    *leaderboard.Cache
	sink     *notify.Recorder
	pending  *RedisPending
	proc     *Processor
}

// flakySettle fails the first n settlements.
type flakySettle struct {
	*rating.Service
	n int
}

func (f *flakySettle) Settle(ctx context.Context, res rating.Result) (rating.Settlement, error) {
	if f.n > 0 {
		f.n--
		return rating.Settlement{}, errors.New("rating store unavailable")
	}
	return f.Service.Settle(ctx, res)
}

func newPipeline(t *testing.T) *pipeline { return newPipelineWith(t, 0) }

// newPipelineWith builds a pipeline whose first failSettles settlements fail.
func newPipelineWith(t *testing.T, failSettles int) *pipeline {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil { t.Fatalf("miniredis: %v", err) }
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	p := &pipeline{
		store:   matchmaking.NewStore(rdb),
		ratings: rating.NewService(rating.NewMemoryStore(), rating.NewEngine()),
		hist:    stats.NewMemoryHistory(),
		sink:    &notify.Recorder{},
	}
	p.cache = leaderboard.NewCache(p.hist, nil, leaderboard.Options{})
	p.registry = game.NewRegistry(rdb, p.hist)
	p.pending = NewRedisPending(rdb)
	var ratings Ratings = p.ratings
	if failSettles > 0 {
		ratings = &flakySettle{Service: p.ratings, n: failSettles}
	}
	p.proc = NewProcessor(p.store, ratings, stats.NewManager(p.hist, p.cache), p.cache, p.sink).AttachPending(p.pending)
	p.registry.OnComplete(p.proc)
	return p
}

func (p *pipeline) claimedGame(t *testing.T, matchID string) string {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	gameID, err := p.registry.CreateGame(ctx, "p1", 3)
	if err != nil { t.Fatalf("CreateGame: %v", err) }
	for _, pl := range []string{"p1", "p2"} {
		prefs := matchmaking.DefaultPreferences()
		e := &matchmaking.QueueEntry{ID: "e-" + pl, PlayerID: pl, Preferences: prefs, Rating: rating.DefaultRating,
			Status: matchmaking.StatusSearching, JoinedAt: now, InitialRadius: prefs.MaxRatingDiff,
			CurrentRadius: prefs.MaxRatingDiff, MaxWait: prefs.MaxWait, UpdatedAt: now}
		if _, _, err := p.store.Create(ctx, e); err != nil { t.Fatalf("Create: %v", err) }
	}
	rec := &matchmaking.MatchRecord{ID: matchID, GameID: gameID, Player1: "p1", Player2: "p2", BoardSize: 3,
		QueueClass: matchmaking.ClassRanked, CreatedAt: now}
	if err := p.store.Claim(ctx, "e-p1", "e-p2", rec); err != nil { t.Fatalf("Claim: %v", err) }
	if err := p.registry.JoinGame(ctx, gameID, "p2"); err != nil { t.Fatalf("JoinGame: %v", err) }
	return gameID
}

func TestCompletedMatchRunsPipelineOnce(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	gameID := p.claimedGame(t, "m1")

	if rows, _ := p.cache.Get(ctx, leaderboard.TypeWins, 10); len(rows) != 0 { t.Fatalf("warm rows = %+v", rows) }

	var g *game.Game
	for _, mv := range [][3]any{{"p1", 0, 0}, {"p2", 1, 0}, {"p1", 0, 1}, {"p2", 1, 1}, {"p1", 0, 2}} {
		var err error
		g, err = p.registry.RecordMove(ctx, gameID, mv[0].(string), mv[1].(int), mv[2].(int))
		if err != nil { t.Fatalf("RecordMove %v: %v", mv, err) }
	}
	if g.Status != game.StatusCompleted || g.WinnerID != "p1" { t.Fatalf("game = %+v", g) }

	rec, err := p.store.Match(ctx, "m1")
	if err != nil { t.Fatalf("Match: %v", err) }
	if !rec.Completed() || rec.WinnerID != "p1" || rec.Outcome != "win:p1" { t.Fatalf("record = %+v", rec) }

	// equal ratings on a 3x3 board: 40 * 0.8 * 0.5 = 16
	winner, _ := p.ratings.Current(ctx, "p1")
	loser, _ := p.ratings.Current(ctx, "p2")
	if winner.Rating != 1216 || loser.Rating != 1184 { t.Fatalf("ratings = %d / %d", winner.Rating, loser.Rating) }

	c, _ := p.hist.Counters(ctx, []string{"p1", "p2"})
	if !c["p1"].Equal(stats.FromTotals("p1", 1, 3)) || c["p2"].TotalWins != 0 { t.Fatalf("counters = %+v", c) }

	rows, _ := p.cache.Get(ctx, leaderboard.TypeWins, 10)
	if len(rows) != 1 || rows[0].PlayerID != "p1" { t.Fatalf("leaderboard not invalidated: %+v", rows) }

	evs := p.sink.Events(notify.EventMatchCompleted)
	if len(evs) != 2 { t.Fatalf("events = %+v", evs) }
	for _, e := range evs {
		want := map[string]any{"p1": "win", "p2": "loss"}[e.PlayerID]
		if e.Event.Payload["result"] != want || e.Event.Payload["match_id"] != "m1" { t.Fatalf("event = %+v", e) }
	}

	// redelivery of the same completion changes nothing
	ev := game.CompletionEvent{GameID: gameID, Players: [2]string{"p1", "p2"}, WinnerID: "p1", BoardSize: 3,
		MovesByPlayer: map[string]int{"p1": 3, "p2": 2}}
	if err := p.proc.HandleCompletion(ctx, ev); err != nil { t.Fatalf("redeliver: %v", err) }
	c, _ = p.hist.Counters(ctx, []string{"p1"})
	if c["p1"].TotalWins != 1 { t.Fatalf("win counted twice: %+v", c["p1"]) }
	if again, _ := p.ratings.Current(ctx, "p1"); again.Rating != 1216 { t.Fatalf("rating settled twice: %d", again.Rating) }
	if n := len(p.sink.Events(notify.EventMatchCompleted)); n != 2 { t.Fatalf("duplicate notifications: %d", n) }
}

func TestUnmatchedDrawSettlesUnderGameKey(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	gameID, err := p.registry.CreateGame(ctx, "x", 4)
	if err != nil { t.Fatalf("CreateGame: %v", err) }
	if err := p.registry.JoinGame(ctx, gameID, "y"); err != nil { t.Fatalf("JoinGame: %v", err) }
	if _, err := p.registry.Finish(ctx, gameID, ""); err != nil { t.Fatalf("Finish: %v", err) }

	x, _ := p.ratings.Current(ctx, "x")
	if x.Rating != rating.DefaultRating || x.GamesPlayed != 0 { t.Fatalf("draw moved rating: %+v", x) }
	evs := p.sink.Events(notify.EventMatchCompleted)
	if len(evs) != 2 { t.Fatalf("events = %+v", evs) }
	if evs[0].Event.Payload["result"] != "draw" || evs[0].Event.Payload["match_id"] != MatchIDForGame(gameID) {
		t.Fatalf("event = %+v", evs[0])
	}
	if c, _ := p.hist.Counters(ctx, []string{"x"}); c["x"].TotalWins != 0 { t.Fatalf("draw counted as win") }
}

func TestSettleErrorIsReturned(t *testing.T) {
	p := newPipeline(t)
	err := p.proc.HandleCompletion(context.Background(), game.CompletionEvent{GameID: "g", Players: [2]string{"z", "z"}, BoardSize: 3})
	if !errors.Is(err, rating.ErrSelfMatch) { t.Fatalf("err = %v", err) }
}

func TestFailedSettlementIsRedelivered(t *testing.T) {
	p := newPipelineWith(t, 1)
	ctx := context.Background()
	gameID := p.claimedGame(t, "m9")

	for _, mv := range [][3]any{{"p1", 0, 0}, {"p2", 1, 0}, {"p1", 0, 1}, {"p2", 1, 1}, {"p1", 0, 2}} {
		if _, err := p.registry.RecordMove(ctx, gameID, mv[0].(string), mv[1].(int), mv[2].(int)); err != nil {
			t.Fatalf("RecordMove %v: %v", mv, err)
		}
	}
	rec, _ := p.store.Match(ctx, "m9")
	if !rec.Completed() { t.Fatalf("match not completed: %+v", rec) }
	if r, _ := p.ratings.Current(ctx, "p1"); r.Rating != rating.DefaultRating { t.Fatalf("rating moved on failed settle: %d", r.Rating) }
	left, err := p.pending.List(ctx)
	if err != nil || len(left) != 1 || left[0].GameID != gameID { t.Fatalf("pending = %+v, %v", left, err) }

	sum, err := p.proc.Redeliver(ctx)
	if err != nil { t.Fatalf("Redeliver: %v", err) }
	if sum != (RedeliverySummary{Pending: 1, Settled: 1}) { t.Fatalf("summary = %+v", sum) }
	if r, _ := p.ratings.Current(ctx, "p1"); r.Rating != 1216 { t.Fatalf("rating = %d", r.Rating) }
	c, _ := p.hist.Counters(ctx, []string{"p1"})
	if c["p1"].TotalWins != 1 { t.Fatalf("counters = %+v", c["p1"]) }
	evs := p.sink.Events(notify.EventMatchCompleted)
	if len(evs) != 2 || evs[0].Event.Payload["match_id"] != "m9" { t.Fatalf("events = %+v", evs) }

	if left, _ = p.pending.List(ctx); len(left) != 0 { t.Fatalf("still pending: %+v", left) }
	if sum, _ = p.proc.Redeliver(ctx); sum.Pending != 0 { t.Fatalf("second pass = %+v", sum) }
	if r, _ := p.ratings.Current(ctx, "p1"); r.Rating != 1216 { t.Fatalf("settled twice: %d", r.Rating) }
}

func TestPermanentFailureLeavesNothingPending(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	ev := game.CompletionEvent{GameID: "g-self", Players: [2]string{"z", "z"}, BoardSize: 3}
	if err := p.proc.HandleCompletion(ctx, ev); !errors.Is(err, rating.ErrSelfMatch) { t.Fatalf("err = %v", err) }
	if left, _ := p.pending.List(ctx); len(left) != 0 { t.Fatalf("pending = %+v", left) }

	if err := p.pending.Put(ctx, ev); err != nil { t.Fatalf("Put: %v", err) }
	sum, err := p.proc.Redeliver(ctx)
	if err != nil || sum != (RedeliverySummary{Pending: 1, Dropped: 1}) { t.Fatalf("summary = %+v, %v", sum, err) }
}
