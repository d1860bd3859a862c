package rating

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func newTestService() (*Service, Store) {
	st := NewMemoryStore()
	return NewService(st, fixedEngine()), st
}

func TestSettleUpdatesBothScopes(t *testing.T) {
	svc, st := newTestService()
	ctx := context.Background()

	s, err := svc.Settle(ctx, Result{MatchID: "m1", Players: [2]string{"alice", "bob"}, WinnerID: "bob", BoardSize: 4})
	if err != nil { t.Fatalf("Settle: %v", err) }
	if !s.Applied { t.Fatalf("first settle should apply") }
	if s.Overall[1].Rating <= DefaultRating || s.Overall[0].Rating >= DefaultRating {
		t.Fatalf("unexpected overall result: %+v", s.Overall)
	}

	for _, scope := range []Scope{ScopeOverall, BoardScope(4)} {
		bob, _ := st.Get(ctx, "bob", scope)
		alice, _ := st.Get(ctx, "alice", scope)
		// equal ratings, K=40, modifier 1.0 → ±20
		if bob.Rating != 1220 || alice.Rating != 1180 {
			t.Fatalf("%s: bob=%d alice=%d", scope, bob.Rating, alice.Rating)
		}
		if bob.GamesPlayed != 1 || alice.GamesPlayed != 1 {
			t.Fatalf("%s: games not counted", scope)
		}
	}
	other, _ := st.Get(ctx, "bob", BoardScope(3))
	if other.GamesPlayed != 0 || other.Rating != DefaultRating {
		t.Fatalf("unrelated pool touched: %+v", other)
	}
	list, _ := svc.Ratings(ctx, "bob")
	if len(list) != 2 { t.Fatalf("expected 2 scopes for bob, got %d", len(list)) }
}

func TestSettleIsIdempotent(t *testing.T) {
	svc, st := newTestService()
	ctx := context.Background()
	res := Result{MatchID: "m-dup", Players: [2]string{"a", "b"}, WinnerID: "a", BoardSize: 3}

	var wg sync.WaitGroup
	applied := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := svc.Settle(ctx, res)
			if err != nil { t.Errorf("Settle: %v", err); return }
			applied <- s.Applied
		}()
	}
	wg.Wait()
	close(applied)
	n := 0
	for ok := range applied {
		if ok { n++ }
	}
	if n != 1 { t.Fatalf("settled %d times, want exactly once", n) }
	a, _ := st.Get(ctx, "a", ScopeOverall)
	if a.GamesPlayed != 1 { t.Fatalf("games played = %d", a.GamesPlayed) }
}

func TestSettleDrawLeavesRatings(t *testing.T) {
	svc, st := newTestService()
	ctx := context.Background()
	s, err := svc.Settle(ctx, Result{MatchID: "d1", Players: [2]string{"a", "b"}, BoardSize: 3})
	if err != nil { t.Fatalf("Settle draw: %v", err) }
	if !s.Applied { t.Fatalf("draw should be recorded as settled") }
	a, _ := st.Get(ctx, "a", ScopeOverall)
	if a.Rating != DefaultRating || a.GamesPlayed != 0 {
		t.Fatalf("draw changed rating: %+v", a)
	}
	again, _ := svc.Settle(ctx, Result{MatchID: "d1", Players: [2]string{"a", "b"}, WinnerID: "a", BoardSize: 3})
	if again.Applied { t.Fatalf("re-settling a drawn match must be rejected") }
}

func TestSettleValidation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	cases := []Result{
		{Players: [2]string{"a", "b"}, BoardSize: 3},
		{MatchID: "x", Players: [2]string{"a", ""}, BoardSize: 3},
		{MatchID: "x", Players: [2]string{"a", "c"}, WinnerID: "z", BoardSize: 3},
		{MatchID: "x", Players: [2]string{"a", "c"}, BoardSize: 2},
	}
	for i, c := range cases {
		if _, err := svc.Settle(ctx, c); !errors.Is(err, ErrInvalidResult) {
			t.Fatalf("case %d: err = %v", i, err)
		}
	}
	if _, err := svc.Settle(ctx, Result{MatchID: "x", Players: [2]string{"a", "a"}, BoardSize: 3}); !errors.Is(err, ErrSelfMatch) {
		t.Fatalf("self match err = %v", err)
	}
}

func TestPredictUsesStoredRatings(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	if _, err := svc.Settle(ctx, Result{MatchID: "m", Players: [2]string{"a", "b"}, WinnerID: "a", BoardSize: 5}); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	p, err := svc.Predict(ctx, "a", "b")
	if err != nil { t.Fatalf("Predict: %v", err) }
	if p.WinProbA <= p.WinProbB { t.Fatalf("winner should be favoured: %+v", p) }

	a, _ := svc.Current(ctx, "a")
	b, _ := svc.Current(ctx, "b")
	if p.RatingDifference != a.Rating-b.Rating || p.RatingDifference <= 0 { t.Fatalf("rating difference = %d (%d vs %d)", p.RatingDifference, a.Rating, b.Rating) }
	if want := MatchQuality(a.Rating, b.Rating, a.Deviation, b.Deviation); p.MatchQuality != want || want <= 0 || want > 1 {
		t.Fatalf("match quality = %v, want %v", p.MatchQuality, want)
	}
	fresh, _ := svc.Predict(ctx, "c", "d")
	if fresh.RatingDifference != 0 || fresh.MatchQuality != 0.7 { t.Fatalf("fresh pair = %+v", fresh) }
}
