package matchmaking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	ttlEntry     = 24 * time.Hour
	ttlMatch     = 7 * 24 * time.Hour
	historyLimit = 1000
	playerLimit  = 100
	casRetries   = 5
)

// Store keeps queue entries and match records in Redis.
//
//	mm:entry:<id>          entry JSON
//	mm:player:<player>     id of the player's searching entry
//	mm:searching:<class>   sorted set of searching entry ids scored by rating
//	mm:match:<id>          match record JSON
//	mm:match:game:<game>   match id by game id
//	mm:history             recent match ids, newest first
//	mm:history:<player>    the player's match ids, newest first
type Store struct{ rdb *redis.Client }

func NewStore(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

func entryKey(id string) string { return "mm:entry:" + strings.TrimSpace(id) }
func playerKey(player string) string { return "mm:player:" + strings.TrimSpace(player) }
func classKey(c QueueClass) string { return "mm:searching:" + string(c) }
func matchKey(id string) string { return "mm:match:" + strings.TrimSpace(id) }
func gameIndexKey(gameID string) string { return "mm:match:game:" + strings.TrimSpace(gameID) }
func historyKey() string { return "mm:history" }
func playerHistoryKey(player string) string { return "mm:history:" + strings.TrimSpace(player) }

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func loadEntry(ctx context.Context, g getter, id string) (*QueueEntry, error) {
	raw, err := g.Get(ctx, entryKey(id)).Bytes()
	if err == redis.Nil { return nil, ErrNotFound }
	if err != nil { return nil, err }
	var e QueueEntry
	if err := json.Unmarshal(raw, &e); err != nil { return nil, fmt.Errorf("decode entry %s: %w", id, err) }
	return &e, nil
}

func loadMatch(ctx context.Context, g getter, id string) (*MatchRecord, error) {
	raw, err := g.Get(ctx, matchKey(id)).Bytes()
	if err == redis.Nil { return nil, ErrNotFound }
	if err != nil { return nil, err }
	var m MatchRecord
	if err := json.Unmarshal(raw, &m); err != nil { return nil, fmt.Errorf("decode match %s: %w", id, err) }
	return &m, nil
}

// Create stores e unless the player already has a searching entry, in which
// case that entry is returned with created=false.
func (s *Store) Create(ctx context.Context, e *QueueEntry) (*QueueEntry, bool, error) {
	pk := playerKey(e.PlayerID)
	for attempt := 0; attempt < casRetries; attempt++ {
		var existing *QueueEntry
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			id, err := tx.Get(ctx, pk).Result()
			if err != nil && err != redis.Nil { return err }
			if id != "" {
				cur, err := loadEntry(ctx, tx, id)
				if err != nil && !errors.Is(err, ErrNotFound) { return err }
				if cur != nil && cur.Status == StatusSearching {
					existing = cur
					return nil
				}
			}
			raw, err := json.Marshal(e)
			if err != nil { return err }
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Set(ctx, pk, e.ID, ttlEntry)
				p.Set(ctx, entryKey(e.ID), raw, ttlEntry)
				p.ZAdd(ctx, classKey(e.Preferences.QueueClass), redis.Z{Score: float64(e.Rating), Member: e.ID})
				return nil
			})
			return err
		}, pk)
		if errors.Is(err, redis.TxFailedErr) { continue }
		if err != nil { return nil, false, err }
		if existing != nil { return existing, false, nil }
		return e, true, nil
	}
	return nil, false, fmt.Errorf("create entry for %s: %w", e.PlayerID, redis.TxFailedErr)
}

func (s *Store) Get(ctx context.Context, id string) (*QueueEntry, error) {
	return loadEntry(ctx, s.rdb, id)
}

// ActiveByPlayer returns the player's searching entry, or nil.
func (s *Store) ActiveByPlayer(ctx context.Context, playerID string) (*QueueEntry, error) {
	id, err := s.rdb.Get(ctx, playerKey(playerID)).Result()
	if err == redis.Nil { return nil, nil }
	if err != nil { return nil, err }
	e, err := loadEntry(ctx, s.rdb, id)
	if errors.Is(err, ErrNotFound) { return nil, nil }
	if err != nil { return nil, err }
	if e.Status != StatusSearching { return nil, nil }
	return e, nil
}

func (s *Store) loadMany(ctx context.Context, ids []string) ([]*QueueEntry, error) {
	if len(ids) == 0 { return nil, nil }
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = entryKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil { return nil, err }
	out := make([]*QueueEntry, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok { continue }
		var e QueueEntry
		if json.Unmarshal([]byte(raw), &e) != nil { continue }
		out = append(out, &e)
	}
	return out, nil
}

// Candidates returns up to limit other searching entries of e's queue class whose
// rating lies within e's current radius, closest rating first, then earliest join.
func (s *Store) Candidates(ctx context.Context, e *QueueEntry, limit int) ([]*QueueEntry, error) {
	lo := strconv.Itoa(e.Rating - e.CurrentRadius)
	hi := strconv.Itoa(e.Rating + e.CurrentRadius)
	ids, err := s.rdb.ZRangeByScore(ctx, classKey(e.Preferences.QueueClass), &redis.ZRangeBy{Min: lo, Max: hi}).Result()
	if err != nil { return nil, err }
	entries, err := s.loadMany(ctx, ids)
	if err != nil { return nil, err }
	out := entries[:0]
	for _, c := range entries {
		if c.ID == e.ID || c.PlayerID == e.PlayerID { continue }
		if c.Status != StatusSearching || c.Preferences.QueueClass != e.Preferences.QueueClass { continue }
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		di, dj := absInt(out[i].Rating-e.Rating), absInt(out[j].Rating-e.Rating)
		if di != dj { return di < dj }
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) { return out[i].JoinedAt.Before(out[j].JoinedAt) }
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Claim moves both entries from Searching to Matched and writes the match record
// in one MULTI. Both entry keys are watched; if either changed or is no longer
// searching the claim is abandoned with ErrClaimConflict.
func (s *Store) Claim(ctx context.Context, aID, bID string, rec *MatchRecord) error {
	ka, kb := entryKey(aID), entryKey(bID)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		a, err := loadEntry(ctx, tx, aID)
		if err != nil { return err }
		b, err := loadEntry(ctx, tx, bID)
		if err != nil { return err }
		if a.Status != StatusSearching || b.Status != StatusSearching { return ErrClaimConflict }
		a.Status, b.Status = StatusMatched, StatusMatched
		a.UpdatedAt, b.UpdatedAt = rec.CreatedAt, rec.CreatedAt
		rawA, err := json.Marshal(a)
		if err != nil { return err }
		rawB, err := json.Marshal(b)
		if err != nil { return err }
		rawRec, err := json.Marshal(rec)
		if err != nil { return err }
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, ka, rawA, ttlEntry)
			p.Set(ctx, kb, rawB, ttlEntry)
			p.ZRem(ctx, classKey(a.Preferences.QueueClass), a.ID)
			p.ZRem(ctx, classKey(b.Preferences.QueueClass), b.ID)
			p.Del(ctx, playerKey(a.PlayerID), playerKey(b.PlayerID))
			p.Set(ctx, matchKey(rec.ID), rawRec, ttlMatch)
			p.Set(ctx, gameIndexKey(rec.GameID), rec.ID, ttlMatch)
			p.LPush(ctx, historyKey(), rec.ID)
			p.LTrim(ctx, historyKey(), 0, historyLimit-1)
			for _, pl := range []string{a.PlayerID, b.PlayerID} {
				p.LPush(ctx, playerHistoryKey(pl), rec.ID)
				p.LTrim(ctx, playerHistoryKey(pl), 0, playerLimit-1)
				p.Expire(ctx, playerHistoryKey(pl), ttlMatch)
			}
			return nil
		})
		return err
	}, ka, kb)
	if errors.Is(err, redis.TxFailedErr) || errors.Is(err, ErrNotFound) {
		return ErrClaimConflict
	}
	return err
}

// casEntry applies fn to a searching entry under WATCH, retrying on concurrent writes.
func (s *Store) casEntry(ctx context.Context, id string, fn func(e *QueueEntry, p redis.Pipeliner)) (*QueueEntry, error) {
	key := entryKey(id)
	for attempt := 0; attempt < casRetries; attempt++ {
		var out *QueueEntry
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			e, err := loadEntry(ctx, tx, id)
			if err != nil { return err }
			if e.Status != StatusSearching { return ErrNotSearching }
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				fn(e, p)
				raw, err := json.Marshal(e)
				if err != nil { return err }
				p.Set(ctx, key, raw, ttlEntry)
				return nil
			})
			if err == nil { out = e }
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) { continue }
		if err != nil { return nil, err }
		return out, nil
	}
	return nil, fmt.Errorf("update entry %s: %w", id, redis.TxFailedErr)
}

// Transition moves a searching entry to a terminal status (cancelled, timed_out).
// Returns ErrNotSearching if a claim or another transition got there first.
func (s *Store) Transition(ctx context.Context, id string, to Status, at time.Time) (*QueueEntry, error) {
	return s.casEntry(ctx, id, func(e *QueueEntry, p redis.Pipeliner) {
		e.Status = to
		e.UpdatedAt = at
		p.ZRem(ctx, classKey(e.Preferences.QueueClass), e.ID)
		p.Del(ctx, playerKey(e.PlayerID))
	})
}

// Expand widens a searching entry's rating radius.
func (s *Store) Expand(ctx context.Context, id string, radius int, at time.Time) (*QueueEntry, error) {
	return s.casEntry(ctx, id, func(e *QueueEntry, p redis.Pipeliner) {
		e.CurrentRadius = radius
		t := at
		e.ExpandedAt = &t
		e.UpdatedAt = at
	})
}

// Searching lists every searching entry across classes. Index members whose
// entry has expired are dropped from the index on the way.
func (s *Store) Searching(ctx context.Context) ([]*QueueEntry, error) {
	var out []*QueueEntry
	for _, c := range Classes {
		ids, err := s.rdb.ZRange(ctx, classKey(c), 0, -1).Result()
		if err != nil { return nil, err }
		entries, err := s.loadMany(ctx, ids)
		if err != nil { return nil, err }
		live := make(map[string]bool, len(entries))
		for _, e := range entries {
			if e.Status == StatusSearching {
				live[e.ID] = true
				out = append(out, e)
			}
		}
		var stale []any
		for _, id := range ids {
			if !live[id] { stale = append(stale, id) }
		}
		if len(stale) > 0 {
			_ = s.rdb.ZRem(ctx, classKey(c), stale...).Err()
		}
	}
	return out, nil
}

// Counts aggregates searching entries per class as of now.
func (s *Store) Counts(ctx context.Context, now time.Time) (map[QueueClass]ClassStatus, error) {
	entries, err := s.Searching(ctx)
	if err != nil { return nil, err }
	waits := make(map[QueueClass]float64)
	out := make(map[QueueClass]ClassStatus, len(Classes))
	for _, c := range Classes {
		out[c] = ClassStatus{}
	}
	for _, e := range entries {
		c := e.Preferences.QueueClass
		cs := out[c]
		cs.Searching++
		out[c] = cs
		waits[c] += e.Waited(now).Seconds()
	}
	for c, cs := range out {
		if cs.Searching > 0 {
			cs.AvgWaitSeconds = waits[c] / float64(cs.Searching)
			out[c] = cs
		}
	}
	return out, nil
}

func (s *Store) Match(ctx context.Context, id string) (*MatchRecord, error) {
	return loadMatch(ctx, s.rdb, id)
}

func (s *Store) MatchByGame(ctx context.Context, gameID string) (*MatchRecord, error) {
	id, err := s.rdb.Get(ctx, gameIndexKey(gameID)).Result()
	if err == redis.Nil { return nil, ErrNotFound }
	if err != nil { return nil, err }
	return loadMatch(ctx, s.rdb, id)
}

// CompleteMatch fills the completion fields of the match for gameID. The first
// caller gets completed=true; later callers get the stored record and false.
func (s *Store) CompleteMatch(ctx context.Context, gameID, outcome, winnerID string, at time.Time) (*MatchRecord, bool, error) {
	id, err := s.rdb.Get(ctx, gameIndexKey(gameID)).Result()
	if err == redis.Nil { return nil, false, ErrNotFound }
	if err != nil { return nil, false, err }
	return s.finish(ctx, id, outcome, winnerID, at)
}

// AbortMatch closes a match whose game could not be started.
func (s *Store) AbortMatch(ctx context.Context, matchID string, at time.Time) (*MatchRecord, bool, error) {
	return s.finish(ctx, matchID, OutcomeAborted, "", at)
}

func (s *Store) finish(ctx context.Context, id, outcome, winnerID string, at time.Time) (*MatchRecord, bool, error) {
	key := matchKey(id)
	for attempt := 0; attempt < casRetries; attempt++ {
		var (
			rec       *MatchRecord
			completed bool
		)
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			m, err := loadMatch(ctx, tx, id)
			if err != nil { return err }
			rec = m
			if m.Completed() { return nil }
			m.Outcome = outcome
			m.WinnerID = winnerID
			t := at
			m.CompletedAt = &t
			raw, err := json.Marshal(m)
			if err != nil { return err }
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Set(ctx, key, raw, ttlMatch)
				return nil
			})
			if err == nil { completed = true }
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) { continue }
		if err != nil { return nil, false, err }
		return rec, completed, nil
	}
	return nil, false, fmt.Errorf("complete match %s: %w", id, redis.TxFailedErr)
}

// RecentMatches returns up to n match records, newest first.
func (s *Store) RecentMatches(ctx context.Context, n int) ([]*MatchRecord, error) {
	if n <= 0 { n = 20 }
	ids, err := s.rdb.LRange(ctx, historyKey(), 0, int64(n-1)).Result()
	if err != nil { return nil, err }
	out := make([]*MatchRecord, 0, len(ids))
	for _, id := range ids {
		m, err := loadMatch(ctx, s.rdb, id)
		if errors.Is(err, ErrNotFound) { continue }
		if err != nil { return nil, err }
		out = append(out, m)
	}
	return out, nil
}

// PlayerHistory returns up to n of the player's matches, newest first.
func (s *Store) PlayerHistory(ctx context.Context, playerID string, n int) ([]PlayerMatch, error) {
	playerID = strings.TrimSpace(playerID)
	if playerID == "" { return nil, ErrInvalidPlayer }
	if n <= 0 { n = 20 }
	ids, err := s.rdb.LRange(ctx, playerHistoryKey(playerID), 0, int64(n-1)).Result()
	if err != nil { return nil, err }
	out := make([]PlayerMatch, 0, len(ids))
	for _, id := range ids {
		m, err := loadMatch(ctx, s.rdb, id)
		if errors.Is(err, ErrNotFound) { continue }
		if err != nil { return nil, err }
		if pm, ok := m.ForPlayer(playerID); ok {
			out = append(out, pm)
		}
	}
	return out, nil
}
