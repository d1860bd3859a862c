package rating

import (
	"context"
	"fmt"

	"github.com/park285/gridmatch/internal/obslog"
	"go.uber.org/zap"
)

// Service is the match-completion entry point for rating updates.
type Service struct {
	store  Store
	engine Engine
}

func NewService(store Store, engine Engine) *Service {
	return &Service{store: store, engine: engine}
}

// Current returns the player's overall rating, defaulting when the player has none.
func (s *Service) Current(ctx context.Context, playerID string) (*PlayerRating, error) {
	return s.store.Get(ctx, playerID, ScopeOverall)
}

// Ratings lists every persisted scope for the player.
func (s *Service) Ratings(ctx context.Context, playerID string) ([]*PlayerRating, error) {
	return s.store.List(ctx, playerID)
}

// Predict reads both overall ratings and returns the outcome estimate.
func (s *Service) Predict(ctx context.Context, playerA, playerB string) (Prediction, error) {
	a, err := s.store.Get(ctx, playerA, ScopeOverall)
	if err != nil { return Prediction{}, err }
	b, err := s.store.Get(ctx, playerB, ScopeOverall)
	if err != nil { return Prediction{}, err }
	p := PredictOutcome(a.Rating, b.Rating)
	p.RatingDifference = a.Rating - b.Rating
	p.MatchQuality = MatchQuality(a.Rating, b.Rating, a.Deviation, b.Deviation)
	return p, nil
}

// Settle applies a concluded match to the overall pool and the board-size pool.
// Each pool is rated independently from its own history. The match id makes the
// call idempotent: a repeat returns Applied=false and changes nothing. Draws are
// recorded as settled without moving any rating.
func (s *Service) Settle(ctx context.Context, res Result) (Settlement, error) {
	if err := res.validate(); err != nil {
		return Settlement{}, err
	}
	out := Settlement{MatchID: res.MatchID}
	scopes := []Scope{ScopeOverall, BoardScope(res.BoardSize)}
	if res.WinnerID == "" {
		scopes = nil
	}

	applied, err := s.store.Settle(ctx, res.MatchID, res.Outcome(), res.Players, scopes, func(scope Scope, a, b *PlayerRating) error {
		var na, nb PlayerRating
		if res.WinnerID == res.Players[0] {
			na, nb = s.engine.UpdateRatings(*a, *b, res.BoardSize)
		} else {
			nb, na = s.engine.UpdateRatings(*b, *a, res.BoardSize)
		}
		if scope == ScopeOverall {
			out.Overall = [2]PlayerRating{na, nb}
			obslog.L().Info("rating_update",
				zap.String("match_id", res.MatchID),
				zap.String("player_a", a.PlayerID), zap.Int("from_a", a.Rating), zap.Int("to_a", na.Rating),
				zap.String("player_b", b.PlayerID), zap.Int("from_b", b.Rating), zap.Int("to_b", nb.Rating),
			)
		}
		*a, *b = na, nb
		return nil
	})
	if err != nil {
		return Settlement{}, fmt.Errorf("settle match %s: %w", res.MatchID, err)
	}
	out.Applied = applied
	if !applied {
		obslog.L().Info("rating_settle_duplicate", zap.String("match_id", res.MatchID))
	}
	return out, nil
}
