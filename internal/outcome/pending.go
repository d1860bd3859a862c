package outcome

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/park285/gridmatch/internal/game"
	"github.com/redis/go-redis/v9"
)

const pendingKey = "outcome:pending"

// Pending holds completion events that have not been settled yet.
type Pending interface {
	Put(ctx context.Context, ev game.CompletionEvent) error
	Done(ctx context.Context, gameID string) error
	List(ctx context.Context) ([]game.CompletionEvent, error)
}

// RedisPending keeps pending events in one hash keyed by game id, so a second
// Put of the same game overwrites instead of queueing twice.
type RedisPending struct {
	rdb *redis.Client
}

func NewRedisPending(rdb *redis.Client) *RedisPending { return &RedisPending{rdb: rdb} }

func (r *RedisPending) Put(ctx context.Context, ev game.CompletionEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil { return err }
	return r.rdb.HSet(ctx, pendingKey, ev.GameID, raw).Err()
}

func (r *RedisPending) Done(ctx context.Context, gameID string) error {
	return r.rdb.HDel(ctx, pendingKey, gameID).Err()
}

// List returns pending events, oldest completion first. Unreadable entries are skipped.
func (r *RedisPending) List(ctx context.Context) ([]game.CompletionEvent, error) {
	m, err := r.rdb.HGetAll(ctx, pendingKey).Result()
	if err != nil { return nil, err }
	out := make([]game.CompletionEvent, 0, len(m))
	for _, raw := range m {
		var ev game.CompletionEvent
		if json.Unmarshal([]byte(raw), &ev) != nil || ev.GameID == "" { continue }
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EndedAt.Equal(out[j].EndedAt) { return out[i].EndedAt.Before(out[j].EndedAt) }
		return out[i].GameID < out[j].GameID
	})
	return out, nil
}
