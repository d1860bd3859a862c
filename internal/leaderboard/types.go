package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Type names a leaderboard ordering.
type Type string

const (
	// TypeWins orders by total wins, most first.
	TypeWins Type = "wins"
	// TypeEfficiency orders by average moves per win, fewest first.
	TypeEfficiency Type = "efficiency"
)

var Types = []Type{TypeWins, TypeEfficiency}

const (
	DefaultLimit = 10
	MaxLimit     = 100
)

var (
	ErrUnknownType  = errors.New("unknown leaderboard type")
	ErrInvalidLimit = errors.New("invalid leaderboard limit")
)

func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case TypeWins, TypeEfficiency:
		return t, nil
	case "":
		return TypeWins, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
}

// Row is one leaderboard line.
type Row struct {
	Rank       int      `json:"rank"`
	PlayerID   string   `json:"player_id"`
	Name       string   `json:"name"`
	Wins       int      `json:"wins"`
	Efficiency *float64 `json:"efficiency,omitempty"`
	TotalGames int      `json:"total_games"`
}

// Source computes leaderboards from the denormalized player counters.
type Source interface {
	TopByWins(ctx context.Context, limit int) ([]Row, error)
	TopByEfficiency(ctx context.Context, limit int) ([]Row, error)
}

func cacheKey(t Type, limit int) string { return fmt.Sprintf("%s:%d", t, limit) }

func typePrefix(t Type) string { return string(t) + ":" }
