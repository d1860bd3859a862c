package matchmaking

import "time"

// AcceptanceFloor is the score a candidate must exceed to be claimed.
const AcceptanceFloor = 0.3

const (
	weightBoardSize = 0.40
	weightRating    = 0.35
	weightClass     = 0.15
	weightWait      = 0.10
	waitTolerance   = 60 * time.Second
)

// Score rates how well two queue entries fit each other, in [0,1].
// Symmetric in (a, ra) and (b, rb).
func Score(a, b Preferences, ra, rb int) float64 {
	score := 0.0
	if CommonBoardSize(a, b) != 0 {
		score += weightBoardSize
	}

	diff := absInt(ra - rb)
	limit := min(a.MaxRatingDiff, b.MaxRatingDiff)
	if limit > 0 && diff <= limit {
		score += weightRating * (1 - min(1, float64(diff)/float64(limit)))
	}

	if a.QueueClass == b.QueueClass {
		score += weightClass
	}

	if absDuration(a.MaxWait.Std()-b.MaxWait.Std()) <= waitTolerance {
		score += weightWait
	}
	return score
}

func Acceptable(score float64) bool { return score > AcceptanceFloor }

// CommonBoardSize returns the smallest size both sides accept, or 0 when the sets are disjoint.
func CommonBoardSize(a, b Preferences) int {
	want := make(map[int]bool, len(b.BoardSizes))
	for _, s := range b.BoardSizes {
		want[s] = true
	}
	best := 0
	for _, s := range a.BoardSizes {
		if want[s] && (best == 0 || s < best) {
			best = s
		}
	}
	return best
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
