package rating

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// SettleFunc mutates the two participants' records for one scope. Records are
// passed in the order of the players argument given to Store.Settle.
type SettleFunc func(scope Scope, a, b *PlayerRating) error

// Store is the durable record of player ratings.
//
// Settle must run fn and persist its result at most once per match id; a repeated
// call returns applied=false without invoking fn.
type Store interface {
	Get(ctx context.Context, playerID string, scope Scope) (*PlayerRating, error)
	List(ctx context.Context, playerID string) ([]*PlayerRating, error)
	Settle(ctx context.Context, matchID, outcome string, players [2]string, scopes []Scope, fn SettleFunc) (bool, error)
}

// memstore keeps ratings in process memory; used for tests and when no DATABASE_URL is set.
type memstore struct {
	mu      sync.Mutex
	ratings map[string]*PlayerRating // playerID|scope
	settled map[string]string        // matchID -> outcome
}

func NewMemoryStore() Store {
	return &memstore{
		ratings: make(map[string]*PlayerRating),
		settled: make(map[string]string),
	}
}

func memKey(playerID string, scope Scope) string { return playerID + "|" + string(scope) }

func (m *memstore) Get(ctx context.Context, playerID string, scope Scope) (*PlayerRating, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.ratings[memKey(playerID, scope)]; ok {
		cp := *r
		return &cp, nil
	}
	return NewPlayerRating(playerID, scope), nil
}

func (m *memstore) List(ctx context.Context, playerID string) ([]*PlayerRating, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*PlayerRating
	for k, r := range m.ratings {
		if strings.HasPrefix(k, playerID+"|") {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out, nil
}

func (m *memstore) Settle(ctx context.Context, matchID, outcome string, players [2]string, scopes []Scope, fn SettleFunc) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, done := m.settled[matchID]; done {
		return false, nil
	}
	// stage on copies so a failing fn leaves nothing behind
	staged := make(map[string]*PlayerRating)
	for _, scope := range scopes {
		a := m.loadLocked(players[0], scope)
		b := m.loadLocked(players[1], scope)
		if fn != nil {
			if err := fn(scope, a, b); err != nil {
				return false, err
			}
		}
		staged[memKey(players[0], scope)] = a
		staged[memKey(players[1], scope)] = b
	}
	for k, r := range staged {
		m.ratings[k] = r
	}
	m.settled[matchID] = outcome
	return true, nil
}

func (m *memstore) loadLocked(playerID string, scope Scope) *PlayerRating {
	if r, ok := m.ratings[memKey(playerID, scope)]; ok {
		cp := *r
		return &cp
	}
	return NewPlayerRating(playerID, scope)
}
