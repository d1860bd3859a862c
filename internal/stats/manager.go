package stats

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/park285/gridmatch/internal/obslog"
	"go.uber.org/zap"
)

const (
	DefaultBatchSize  = 100
	DefaultRetention  = 7 * 24 * time.Hour
	integritySample   = 100
	efficiencyEpsilon = 0.1
)

// Invalidator is the slice of the leaderboard cache the manager drives.
type Invalidator interface {
	InvalidateAll(ctx context.Context) error
	Prune(ctx context.Context, retention time.Duration) (int, error)
}

// Manager keeps the denormalized counters consistent with the game history.
type Manager struct {
	hist  History
	cache Invalidator
	log   *zap.Logger
	now   func() time.Time
}

// NewManager returns a manager; cache may be nil.
func NewManager(hist History, cache Invalidator) *Manager {
	return &Manager{hist: hist, cache: cache, log: obslog.Named("stats"), now: time.Now}
}

// RecordWin adds a completed win to the winner's counters. Games the winner
// finished without moves of their own are not counted.
func (m *Manager) RecordWin(ctx context.Context, playerID string, moves int) error {
	if playerID == "" || moves <= 0 { return nil }
	if err := m.hist.IncrementWin(ctx, playerID, moves); err != nil { return err }
	m.log.Debug("stats_win_recorded", zap.String("player", playerID), zap.Int("moves", moves))
	return nil
}

// ReconcileAll recomputes every player's counters from history in batches of
// batchSize. A failing batch is counted in Errors and the run continues.
func (m *Manager) ReconcileAll(ctx context.Context, batchSize int) (Summary, error) {
	if batchSize <= 0 { batchSize = DefaultBatchSize }
	start := m.now()
	sum := Summary{StartedAt: start}
	total, err := m.hist.CountPlayers(ctx)
	if err != nil { return sum, fmt.Errorf("reconcile: %w", err) }
	sum.TotalPlayers = total

	after := ""
	for {
		if err := ctx.Err(); err != nil { return sum, err }
		ids, err := m.hist.PlayerIDsAfter(ctx, after, batchSize)
		if err != nil { return sum, fmt.Errorf("reconcile page after %q: %w", after, err) }
		if len(ids) == 0 { break }
		after = ids[len(ids)-1]
		sum.Batches++

		updated, err := m.reconcileBatch(ctx, ids)
		sum.Checked += len(ids)
		if err != nil {
			sum.Errors += len(ids)
			m.log.Warn("reconcile_batch_failed", zap.Int("batch", sum.Batches), zap.Int("players", len(ids)), zap.Error(err))
		} else {
			sum.Updated += updated
			m.log.Debug("reconcile_batch", zap.Int("batch", sum.Batches), zap.Int("updated", updated))
		}
		if len(ids) < batchSize { break }
	}
	sum.Duration = m.now().Sub(start)

	if sum.Updated > 0 && m.cache != nil {
		if err := m.cache.InvalidateAll(ctx); err != nil {
			m.log.Warn("reconcile_invalidate_failed", zap.Error(err))
		}
	}
	m.log.Info("reconcile_done",
		zap.Int("total", sum.TotalPlayers),
		zap.Int("checked", sum.Checked),
		zap.Int("updated", sum.Updated),
		zap.Int("errors", sum.Errors),
		zap.Duration("took", sum.Duration))
	return sum, nil
}

func (m *Manager) reconcileBatch(ctx context.Context, ids []string) (int, error) {
	stored, err := m.hist.Counters(ctx, ids)
	if err != nil { return 0, err }
	actual, err := m.hist.Recompute(ctx, ids)
	if err != nil { return 0, err }
	var changed []Counters
	for _, id := range ids {
		want, ok := actual[id]
		if !ok {
			want = FromTotals(id, 0, 0)
		}
		if cur, ok := stored[id]; ok && cur.Equal(want) { continue }
		changed = append(changed, want)
	}
	if len(changed) == 0 { return 0, nil }
	if err := m.hist.ApplyCounters(ctx, changed); err != nil { return 0, err }
	return len(changed), nil
}

// CheckIntegrity runs the read-only checks. A check that fails to run is
// recorded in Report.Failures and the others still run.
func (m *Manager) CheckIntegrity(ctx context.Context) Report {
	rep := Report{CheckedAt: m.now()}
	fail := func(name string, err error) {
		if rep.Failures == nil {
			rep.Failures = make(map[string]string)
		}
		rep.Failures[name] = err.Error()
		m.log.Warn("integrity_check_failed", zap.String("check", name), zap.Error(err))
	}

	if v, err := m.hist.OrphanedMoves(ctx); err != nil {
		fail(KindOrphanedMove, err)
	} else {
		rep.OrphanedMoves = v
	}
	if v, err := m.hist.CompletedWithoutWinner(ctx); err != nil {
		fail(KindCompletedNoWinner, err)
	} else {
		rep.InvalidGameStates = v
	}
	if v, err := m.efficiencyMismatches(ctx); err != nil {
		fail(KindEfficiencyMismatch, err)
	} else {
		rep.EfficiencyMismatches = v
	}
	if v, err := m.hist.ParticipantMismatches(ctx); err != nil {
		fail(KindParticipantMismatch, err)
	} else {
		rep.ParticipantMismatches = v
	}

	rep.Total = len(rep.OrphanedMoves) + len(rep.InvalidGameStates) +
		len(rep.EfficiencyMismatches) + len(rep.ParticipantMismatches)
	if rep.Total > 0 {
		m.log.Warn("integrity_violations",
			zap.Int("total", rep.Total),
			zap.Int("orphaned_moves", len(rep.OrphanedMoves)),
			zap.Int("invalid_game_states", len(rep.InvalidGameStates)),
			zap.Int("efficiency_mismatches", len(rep.EfficiencyMismatches)),
			zap.Int("participant_mismatches", len(rep.ParticipantMismatches)))
	} else {
		m.log.Info("integrity_ok")
	}
	return rep
}

func (m *Manager) efficiencyMismatches(ctx context.Context) ([]Violation, error) {
	sample, err := m.hist.SampleCounters(ctx, integritySample)
	if err != nil { return nil, err }
	if len(sample) == 0 { return nil, nil }
	ids := make([]string, len(sample))
	for i, c := range sample {
		ids[i] = c.PlayerID
	}
	actual, err := m.hist.Recompute(ctx, ids)
	if err != nil { return nil, err }
	var out []Violation
	for _, stored := range sample {
		want := actual[stored.PlayerID]
		if want.TotalWins == stored.TotalWins && math.Abs(want.efficiency()-stored.efficiency()) <= efficiencyEpsilon { continue }
		out = append(out, Violation{
			Kind:     KindEfficiencyMismatch,
			PlayerID: stored.PlayerID,
			Detail: fmt.Sprintf("stored wins=%d efficiency=%.2f, actual wins=%d efficiency=%.2f",
				stored.TotalWins, stored.efficiency(), want.TotalWins, want.efficiency()),
		})
	}
	return out, nil
}

// PruneCache drops shared leaderboard entries that expired more than retention ago.
func (m *Manager) PruneCache(ctx context.Context, retention time.Duration) (int, error) {
	if m.cache == nil { return 0, nil }
	if retention <= 0 { retention = DefaultRetention }
	n, err := m.cache.Prune(ctx, retention)
	if err != nil { return 0, fmt.Errorf("prune leaderboard cache: %w", err) }
	m.log.Info("cache_pruned", zap.Int("removed", n), zap.Duration("retention", retention))
	return n, nil
}
