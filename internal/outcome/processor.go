package outcome

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/park285/gridmatch/internal/game"
	"github.com/park285/gridmatch/internal/matchmaking"
	"github.com/park285/gridmatch/internal/notify"
	"github.com/park285/gridmatch/internal/obslog"
	"github.com/park285/gridmatch/internal/rating"
	"go.uber.org/zap"
)

// Ledger marks match records completed.
type Ledger interface {
	CompleteMatch(ctx context.Context, gameID, outcome, winnerID string, at time.Time) (*matchmaking.MatchRecord, bool, error)
}

// Ratings settles results and reads current ratings.
type Ratings interface {
	Settle(ctx context.Context, res rating.Result) (rating.Settlement, error)
	Current(ctx context.Context, playerID string) (*rating.PlayerRating, error)
}

// Counters records wins in the denormalized player counters.
type Counters interface {
	RecordWin(ctx context.Context, playerID string, moves int) error
}

// Invalidator drops cached leaderboards.
type Invalidator interface {
	InvalidateAll(ctx context.Context) error
}

// Processor runs the completion pipeline for every finished game. The rating
// settlement ledger keyed by match id is the exactly-once gate: counters are
// only touched when the settlement applied for the first time.
type Processor struct {
	ledger   Ledger
	ratings  Ratings
	counters Counters
	cache    Invalidator
	sink     notify.Sink
	pending  Pending
	log      *zap.Logger
}

var _ game.Listener = (*Processor)(nil)

// NewProcessor wires the pipeline. ledger, counters, cache and sink may be nil.
func NewProcessor(ledger Ledger, ratings Ratings, counters Counters, cache Invalidator, sink notify.Sink) *Processor {
	return &Processor{
		ledger:   ledger,
		ratings:  ratings,
		counters: counters,
		cache:    cache,
		sink:     sink,
		log:      obslog.Named("outcome"),
	}
}

// AttachPending makes every completion durable until its settlement is
// recorded; Redeliver re-runs whatever is left behind.
func (p *Processor) AttachPending(pending Pending) *Processor {
	p.pending = pending
	return p
}

// MatchIDForGame is the settlement key of games that were not created by matchmaking.
func MatchIDForGame(gameID string) string { return "game:" + gameID }

func (p *Processor) HandleCompletion(ctx context.Context, ev game.CompletionEvent) error {
	if p.pending != nil {
		if err := p.pending.Put(ctx, ev); err != nil {
			p.log.Warn("outcome_pending_put_failed", zap.String("game_id", ev.GameID), zap.Error(err))
		}
	}
	err := p.process(ctx, ev)
	if err != nil && !permanent(err) { return err }
	if p.pending != nil {
		if derr := p.pending.Done(ctx, ev.GameID); derr != nil {
			p.log.Warn("outcome_pending_done_failed", zap.String("game_id", ev.GameID), zap.Error(derr))
		}
	}
	return err
}

// permanent errors can never settle, so retrying them is pointless.
func permanent(err error) bool {
	return errors.Is(err, rating.ErrSelfMatch) || errors.Is(err, rating.ErrInvalidResult)
}

// RedeliverySummary reports one Redeliver pass.
type RedeliverySummary struct {
	Pending int `json:"pending"`
	Settled int `json:"settled"`
	Dropped int `json:"dropped"`
	Failed  int `json:"failed"`
}

// Redeliver re-runs every pending completion. Settlement is keyed by match id,
// so an event that did settle before the crash is a no-op here.
func (p *Processor) Redeliver(ctx context.Context) (RedeliverySummary, error) {
	var sum RedeliverySummary
	if p.pending == nil { return sum, nil }
	evs, err := p.pending.List(ctx)
	if err != nil { return sum, err }
	sum.Pending = len(evs)
	for _, ev := range evs {
		if ctx.Err() != nil { return sum, ctx.Err() }
		err := p.HandleCompletion(ctx, ev)
		switch {
		case err == nil:
			sum.Settled++
		case permanent(err):
			sum.Dropped++
			p.log.Error("outcome_redeliver_dropped", zap.String("game_id", ev.GameID), zap.Error(err))
		default:
			sum.Failed++
			p.log.Warn("outcome_redeliver_failed", zap.String("game_id", ev.GameID), zap.Error(err))
		}
	}
	if sum.Pending > 0 {
		p.log.Info("outcome_redelivered", zap.Int("pending", sum.Pending), zap.Int("settled", sum.Settled),
			zap.Int("dropped", sum.Dropped), zap.Int("failed", sum.Failed))
	}
	return sum, nil
}

func (p *Processor) process(ctx context.Context, ev game.CompletionEvent) error {
	res := rating.Result{
		MatchID:   MatchIDForGame(ev.GameID),
		Players:   ev.Players,
		WinnerID:  ev.WinnerID,
		BoardSize: ev.BoardSize,
	}
	at := ev.EndedAt
	if at.IsZero() {
		at = time.Now()
	}

	if p.ledger != nil {
		rec, first, err := p.ledger.CompleteMatch(ctx, ev.GameID, res.Outcome(), ev.WinnerID, at)
		switch {
		case errors.Is(err, matchmaking.ErrNotFound):
			p.log.Debug("outcome_unmatched_game", zap.String("game_id", ev.GameID))
		case err != nil:
			return fmt.Errorf("complete match for game %s: %w", ev.GameID, err)
		default:
			res.MatchID = rec.ID
			if !first {
				p.log.Info("outcome_match_already_completed", zap.String("match_id", rec.ID))
			}
		}
	}

	st, err := p.ratings.Settle(ctx, res)
	if err != nil { return err }
	if !st.Applied {
		p.log.Info("outcome_duplicate", zap.String("match_id", res.MatchID), zap.String("game_id", ev.GameID))
		return nil
	}

	if p.counters != nil && ev.WinnerID != "" {
		if err := p.counters.RecordWin(ctx, ev.WinnerID, ev.MovesByPlayer[ev.WinnerID]); err != nil {
			p.log.Error("outcome_counter_update_failed", zap.String("player", ev.WinnerID), zap.Error(err))
		}
	}
	if p.cache != nil {
		if err := p.cache.InvalidateAll(ctx); err != nil {
			p.log.Warn("outcome_cache_invalidate_failed", zap.Error(err))
		}
	}

	p.log.Info("match_completed",
		zap.String("match_id", res.MatchID),
		zap.String("game_id", ev.GameID),
		zap.String("winner_id", ev.WinnerID),
		zap.Int("board_size", ev.BoardSize))
	p.notifyPlayers(ctx, res, st)
	return nil
}

func (p *Processor) notifyPlayers(ctx context.Context, res rating.Result, st rating.Settlement) {
	if p.sink == nil { return }
	for i, player := range res.Players {
		r := st.Overall[i]
		if r.PlayerID == "" {
			// draws leave ratings untouched, so report the stored value
			cur, err := p.ratings.Current(ctx, player)
			if err != nil {
				p.log.Warn("outcome_rating_read_failed", zap.String("player", player), zap.Error(err))
				continue
			}
			r = *cur
		}
		result := "draw"
		switch res.WinnerID {
		case "":
		case player:
			result = "win"
		default:
			result = "loss"
		}
		ev := notify.Event{Type: notify.EventMatchCompleted, Payload: map[string]any{
			"match_id":     res.MatchID,
			"opponent":     res.Players[1-i],
			"result":       result,
			"winner_id":    res.WinnerID,
			"board_size":   res.BoardSize,
			"rating":       r.Rating,
			"games_played": r.GamesPlayed,
		}}
		if err := p.sink.Notify(ctx, player, ev); err != nil {
			p.log.Warn("notify_failed", zap.String("player", player), zap.String("type", ev.Type), zap.Error(err))
		}
	}
}
