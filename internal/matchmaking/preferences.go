package matchmaking

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// QueueClass separates pools that never match each other.
type QueueClass string

const (
	ClassRanked     QueueClass = "ranked"
	ClassCasual     QueueClass = "casual"
	ClassTournament QueueClass = "tournament"
)

// Classes lists every queue class in display order.
var Classes = []QueueClass{ClassRanked, ClassCasual, ClassTournament}

func (c QueueClass) Valid() bool {
	switch c {
	case ClassRanked, ClassCasual, ClassTournament:
		return true
	}
	return false
}

const (
	MinBoardSize     = 3
	MaxBoardSize     = 10
	MinRatingDiff    = 1
	MaxRatingDiff    = 2000
	MinWait          = 10 * time.Second
	MaxWait          = time.Hour
	defaultBoardSize = 3
)

var ErrInvalidPreference = errors.New("invalid preference")

// Preferences is what a player asks for when joining the queue.
type Preferences struct {
	BoardSizes    []int      `json:"board_sizes"`
	MaxRatingDiff int        `json:"max_rating_diff"`
	QueueClass    QueueClass `json:"queue_class"`
	MaxWait       Duration   `json:"max_wait"`
}

func DefaultPreferences() Preferences {
	return Preferences{
		BoardSizes:    []int{defaultBoardSize},
		MaxRatingDiff: 200,
		QueueClass:    ClassRanked,
		MaxWait:       Duration(120 * time.Second),
	}
}

// Normalize fills unset fields from the defaults and dedupes board sizes.
func (p Preferences) Normalize() Preferences {
	d := DefaultPreferences()
	if len(p.BoardSizes) == 0 {
		p.BoardSizes = d.BoardSizes
	} else {
		seen := make(map[int]bool, len(p.BoardSizes))
		sizes := make([]int, 0, len(p.BoardSizes))
		for _, s := range p.BoardSizes {
			if !seen[s] {
				seen[s] = true
				sizes = append(sizes, s)
			}
		}
		sort.Ints(sizes)
		p.BoardSizes = sizes
	}
	if p.MaxRatingDiff == 0 {
		p.MaxRatingDiff = d.MaxRatingDiff
	}
	if p.QueueClass == "" {
		p.QueueClass = d.QueueClass
	}
	if p.MaxWait == 0 {
		p.MaxWait = d.MaxWait
	}
	return p
}

func (p Preferences) Validate() error {
	if len(p.BoardSizes) == 0 {
		return fmt.Errorf("%w: at least one board size required", ErrInvalidPreference)
	}
	for _, s := range p.BoardSizes {
		if s < MinBoardSize || s > MaxBoardSize {
			return fmt.Errorf("%w: board size %d outside %d..%d", ErrInvalidPreference, s, MinBoardSize, MaxBoardSize)
		}
	}
	if p.MaxRatingDiff < MinRatingDiff || p.MaxRatingDiff > MaxRatingDiff {
		return fmt.Errorf("%w: max rating difference %d outside %d..%d", ErrInvalidPreference, p.MaxRatingDiff, MinRatingDiff, MaxRatingDiff)
	}
	if !p.QueueClass.Valid() {
		return fmt.Errorf("%w: unknown queue class %q", ErrInvalidPreference, p.QueueClass)
	}
	if w := p.MaxWait.Std(); w < MinWait || w > MaxWait {
		return fmt.Errorf("%w: max wait %s outside %s..%s", ErrInvalidPreference, w, MinWait, MaxWait)
	}
	return nil
}

// Duration is a time.Duration that travels as whole seconds in JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return strconv.AppendInt(nil, int64(time.Duration(d)/time.Second), 10), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	secs, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("duration seconds: %w", err)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}
