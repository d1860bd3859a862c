package leaderboard

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// memoryTier is the process-local tier: per-entry TTL, and the oldest inserted
// entry is evicted once capacity is exceeded. Reads use Peek so a hit never
// refreshes an entry's position; only a re-insert does.
type memoryTier struct {
	lru *expirable.LRU[string, []Row]
}

func newMemoryTier(ttl time.Duration, capacity int) *memoryTier {
	return &memoryTier{lru: expirable.NewLRU[string, []Row](capacity, nil, ttl)}
}

func (m *memoryTier) get(key string) ([]Row, bool) {
	return m.lru.Peek(key)
}

func (m *memoryTier) set(key string, rows []Row) {
	m.lru.Add(key, rows)
}

func (m *memoryTier) deletePrefix(prefix string) int {
	n := 0
	for _, k := range m.lru.Keys() {
		if strings.HasPrefix(k, prefix) && m.lru.Remove(k) {
			n++
		}
	}
	return n
}

// keys lists live entries, oldest first.
func (m *memoryTier) keys() []string {
	out := make([]string, 0, m.lru.Len())
	for _, k := range m.lru.Keys() {
		if _, ok := m.lru.Peek(k); ok {
			out = append(out, k)
		}
	}
	return out
}
