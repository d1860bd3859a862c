package leaderboard

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "lb:cache:"
	redisIndexKey  = "lb:cache:index"
	// invalidateChannel carries "<origin>|<type>" messages.
	invalidateChannel = "lb:invalidate"
)

type envelope struct {
	Rows      []Row     `json:"rows"`
	StoredAt  time.Time `json:"stored_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RedisTier is the shared tier. Entries are served until their logical
// expires_at but the key outlives it by the retention window; Prune removes
// entries whose expires_at is older than retention, using the index sorted set.
type RedisTier struct {
	rdb       *redis.Client
	ttl       time.Duration
	retention time.Duration
	now       func() time.Time
}

func NewRedisTier(rdb *redis.Client, ttl, retention time.Duration) *RedisTier {
	return &RedisTier{rdb: rdb, ttl: ttl, retention: retention, now: time.Now}
}

func redisKey(key string) string { return redisKeyPrefix + key }

func (r *RedisTier) Get(ctx context.Context, key string) ([]Row, bool, error) {
	raw, err := r.rdb.Get(ctx, redisKey(key)).Bytes()
	if err == redis.Nil { return nil, false, nil }
	if err != nil { return nil, false, err }
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil { return nil, false, nil }
	if !r.now().Before(env.ExpiresAt) { return nil, false, nil }
	return env.Rows, true, nil
}

func (r *RedisTier) Set(ctx context.Context, key string, rows []Row) error {
	now := r.now()
	env := envelope{Rows: rows, StoredAt: now, ExpiresAt: now.Add(r.ttl)}
	raw, err := json.Marshal(env)
	if err != nil { return err }
	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, redisKey(key), raw, r.ttl+r.retention)
		p.ZAdd(ctx, redisIndexKey, redis.Z{Score: float64(env.ExpiresAt.Unix()), Member: key})
		return nil
	})
	return err
}

// DeletePrefix removes every entry whose cache key starts with prefix ("" for all).
func (r *RedisTier) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	var keys []string
	iter := r.rdb.Scan(ctx, 0, redisKeyPrefix+prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		if k := iter.Val(); k != redisIndexKey {
			keys = append(keys, k)
		}
	}
	if err := iter.Err(); err != nil { return 0, err }
	if len(keys) == 0 { return 0, nil }
	members := make([]any, len(keys))
	for i, k := range keys {
		members[i] = k[len(redisKeyPrefix):]
	}
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, keys...)
		p.ZRem(ctx, redisIndexKey, members...)
		return nil
	})
	if err != nil { return 0, err }
	return len(keys), nil
}

// Prune deletes entries that expired more than retention ago.
func (r *RedisTier) Prune(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := r.now().Add(-retention).Unix()
	members, err := r.rdb.ZRangeByScore(ctx, redisIndexKey, &redis.ZRangeBy{
		Min: "-inf", Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil { return 0, err }
	if len(members) == 0 { return 0, nil }
	keys := make([]string, len(members))
	rem := make([]any, len(members))
	for i, m := range members {
		keys[i] = redisKey(m)
		rem[i] = m
	}
	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, keys...)
		p.ZRem(ctx, redisIndexKey, rem...)
		return nil
	})
	if err != nil { return 0, err }
	return len(members), nil
}

func (r *RedisTier) Len(ctx context.Context) (int64, error) {
	return r.rdb.ZCard(ctx, redisIndexKey).Result()
}

// Publish announces an invalidation of t by the Cache identified by origin.
func (r *RedisTier) Publish(ctx context.Context, origin string, t Type) error {
	return r.rdb.Publish(ctx, invalidateChannel, origin+"|"+string(t)).Err()
}

func (r *RedisTier) Subscribe(ctx context.Context) *redis.PubSub {
	return r.rdb.Subscribe(ctx, invalidateChannel)
}

func parseInvalidation(payload string) (origin string, t Type, ok bool) {
	origin, raw, ok := strings.Cut(payload, "|")
	if !ok { return "", "", false }
	t = Type(raw)
	return origin, t, t == TypeWins || t == TypeEfficiency
}
