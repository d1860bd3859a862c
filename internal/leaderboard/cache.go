package leaderboard

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/park285/gridmatch/internal/obslog"
	"go.uber.org/zap"
)

type Options struct {
	MemoryTTL      time.Duration
	MemoryCapacity int
}

func DefaultOptions() Options {
	return Options{MemoryTTL: 2 * time.Minute, MemoryCapacity: 20}
}

// Cache is the read-through leaderboard cache: process memory, then Redis,
// then the source. Invalidate bumps a per-type generation while holding the
// write lock; a read that began under an older generation does not store its rows.
// With a Redis tier, invalidations are also published so that every Cache
// running Listen drops its memory tier.
type Cache struct {
	id  string
	l1  *memoryTier
	l2  *RedisTier
	src Source
	log *zap.Logger

	mu   sync.RWMutex
	gens map[Type]uint64

	l1Hits, l2Hits, misses atomic.Int64
}

// NewCache wires the tiers. l2 may be nil to run with memory only.
func NewCache(src Source, l2 *RedisTier, opts Options) *Cache {
	d := DefaultOptions()
	if opts.MemoryTTL <= 0 { opts.MemoryTTL = d.MemoryTTL }
	if opts.MemoryCapacity <= 0 { opts.MemoryCapacity = d.MemoryCapacity }
	return &Cache{
		id:   uuid.NewString(),
		l1:   newMemoryTier(opts.MemoryTTL, opts.MemoryCapacity),
		l2:   l2,
		src:  src,
		log:  obslog.Named("leaderboard"),
		gens: make(map[Type]uint64),
	}
}

func (c *Cache) generation(t Type) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gens[t]
}

// Get returns the top limit rows of leaderboard t.
func (c *Cache) Get(ctx context.Context, t Type, limit int) ([]Row, error) {
	if t != TypeWins && t != TypeEfficiency { return nil, fmt.Errorf("%w: %q", ErrUnknownType, t) }
	if limit == 0 { limit = DefaultLimit }
	if limit < 1 || limit > MaxLimit { return nil, fmt.Errorf("%w: %d not in 1..%d", ErrInvalidLimit, limit, MaxLimit) }
	key := cacheKey(t, limit)

	if rows, ok := c.l1.get(key); ok {
		c.l1Hits.Add(1)
		return rows, nil
	}
	gen := c.generation(t)

	if c.l2 != nil {
		rows, ok, err := c.l2.Get(ctx, key)
		if err != nil {
			c.log.Warn("leaderboard_l2_read_failed", zap.String("key", key), zap.Error(err))
		} else if ok {
			c.l2Hits.Add(1)
			c.store(ctx, t, gen, key, rows, false)
			return rows, nil
		}
	}

	c.misses.Add(1)
	var (
		rows []Row
		err  error
	)
	switch t {
	case TypeWins:
		rows, err = c.src.TopByWins(ctx, limit)
	default:
		rows, err = c.src.TopByEfficiency(ctx, limit)
	}
	if err != nil { return nil, fmt.Errorf("compute %s leaderboard: %w", t, err) }
	for i := range rows {
		rows[i].Rank = i + 1
	}
	c.store(ctx, t, gen, key, rows, true)
	return rows, nil
}

// store fills the tiers unless an invalidation happened since gen was read.
func (c *Cache) store(ctx context.Context, t Type, gen uint64, key string, rows []Row, toL2 bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.gens[t] != gen {
		c.log.Debug("leaderboard_stale_fill_skipped", zap.String("key", key))
		return
	}
	if toL2 && c.l2 != nil {
		if err := c.l2.Set(ctx, key, rows); err != nil {
			c.log.Warn("leaderboard_l2_write_failed", zap.String("key", key), zap.Error(err))
		}
	}
	c.l1.set(key, rows)
}

// Invalidate clears every cached limit of leaderboard t from both tiers and
// tells the other processes to clear theirs.
func (c *Cache) Invalidate(ctx context.Context, t Type) error {
	c.mu.Lock()
	c.gens[t]++
	n := c.l1.deletePrefix(typePrefix(t))
	if c.l2 != nil {
		m, err := c.l2.DeletePrefix(ctx, typePrefix(t))
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("invalidate %s in redis: %w", t, err)
		}
		n += m
	}
	c.mu.Unlock()
	c.log.Debug("leaderboard_invalidate", zap.String("type", string(t)), zap.Int("entries", n))
	if c.l2 != nil {
		if err := c.l2.Publish(ctx, c.id, t); err != nil { return fmt.Errorf("publish %s invalidation: %w", t, err) }
	}
	return nil
}

// Listen subscribes to invalidations published by other Caches sharing the
// Redis tier. It returns once the subscription is live; stop ends it.
func (c *Cache) Listen(ctx context.Context) (stop func(), err error) {
	if c.l2 == nil { return func() {}, nil }
	sub := c.l2.Subscribe(ctx)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", invalidateChannel, err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range sub.Channel() {
			origin, t, ok := parseInvalidation(msg.Payload)
			if !ok || origin == c.id { continue }
			c.dropLocal(t)
		}
	}()
	return func() {
		_ = sub.Close()
		<-done
	}, nil
}

// dropLocal applies a peer's invalidation to this process only.
func (c *Cache) dropLocal(t Type) {
	c.mu.Lock()
	c.gens[t]++
	n := c.l1.deletePrefix(typePrefix(t))
	c.mu.Unlock()
	c.log.Debug("leaderboard_peer_invalidate", zap.String("type", string(t)), zap.Int("entries", n))
}

func (c *Cache) InvalidateAll(ctx context.Context) error {
	for _, t := range Types {
		if err := c.Invalidate(ctx, t); err != nil { return err }
	}
	return nil
}

// Prune removes shared-tier entries that expired more than retention ago.
func (c *Cache) Prune(ctx context.Context, retention time.Duration) (int, error) {
	if c.l2 == nil { return 0, nil }
	return c.l2.Prune(ctx, retention)
}

// Stats describes the tiers for the status endpoint.
type Stats struct {
	MemoryKeys   []string `json:"memory_keys"`
	RedisEntries int64    `json:"redis_entries"`
	MemoryHits   int64    `json:"memory_hits"`
	RedisHits    int64    `json:"redis_hits"`
	Misses       int64    `json:"misses"`
}

func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	s := Stats{
		MemoryKeys: c.l1.keys(),
		MemoryHits: c.l1Hits.Load(),
		RedisHits:  c.l2Hits.Load(),
		Misses:     c.misses.Load(),
	}
	if c.l2 != nil {
		n, err := c.l2.Len(ctx)
		if err != nil { return s, err }
		s.RedisEntries = n
	}
	return s, nil
}
