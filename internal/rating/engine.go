package rating

import (
	"math"
	"time"
)

// Engine applies ELO-style updates. It holds no state besides the clock used for
// peak and last-game timestamps.
type Engine struct {
	Now func() time.Time
}

func NewEngine() Engine { return Engine{Now: time.Now} }

// ExpectedScore is the logistic expectation of A scoring against B.
func ExpectedScore(ra, rb int) float64 {
	return 1.0 / (1.0 + math.Pow(10, float64(rb-ra)/400.0))
}

// KFactor tiers by experience: <20 games 40, <100 games 20, else 10.
func KFactor(gamesPlayed int) float64 {
	switch {
	case gamesPlayed < 20:
		return 40
	case gamesPlayed < 100:
		return 20
	default:
		return 10
	}
}

// ComplexityModifier scales rating movement by board size.
func ComplexityModifier(boardSize int) float64 {
	switch {
	case boardSize >= 5:
		return 1.2
	case boardSize == 4:
		return 1.0
	default:
		return 0.8
	}
}

// Delta is the clamped rating change for a player scoring actual (1 win, 0 loss).
func Delta(own, opp PlayerRating, boardSize int, actual float64) float64 {
	d := KFactor(own.GamesPlayed) * ComplexityModifier(boardSize) * (actual - ExpectedScore(own.Rating, opp.Rating))
	return math.Max(-MaxRatingChange, math.Min(MaxRatingChange, d))
}

// UpdateRatings returns the winner's and loser's records after one decisive game.
// Inputs are not modified.
func (e Engine) UpdateRatings(winner, loser PlayerRating, boardSize int) (PlayerRating, PlayerRating) {
	wd := Delta(winner, loser, boardSize, 1)
	ld := Delta(loser, winner, boardSize, 0)
	now := e.now()
	w := apply(winner, wd, true, now)
	l := apply(loser, ld, false, now)
	return w, l
}

func apply(r PlayerRating, delta float64, won bool, now time.Time) PlayerRating {
	next := int(math.Round(float64(r.Rating) + delta))
	if next < MinRating {
		next = MinRating
	}
	r.Rating = next
	r.GamesPlayed++
	r.Deviation = math.Max(MinDeviation, r.Deviation*0.99)
	if next > r.PeakRating {
		r.PeakRating = next
		at := now
		r.PeakAt = &at
	}
	if won {
		r.WinStreak++
		r.LossStreak = 0
		if r.WinStreak > r.BestWinStreak { r.BestWinStreak = r.WinStreak }
	} else {
		r.LossStreak++
		r.WinStreak = 0
		if r.LossStreak > r.BestLossStreak { r.BestLossStreak = r.LossStreak }
	}
	last := now
	r.LastGameAt = &last
	return r
}

// PredictOutcome estimates win/draw probabilities for A vs B.
func PredictOutcome(ra, rb int) Prediction {
	pa := ExpectedScore(ra, rb)
	pb := 1 - pa
	diff := math.Abs(float64(ra - rb))
	draw := math.Max(0.05, 0.3*math.Exp(-diff/200.0))
	total := pa + pb + draw
	return Prediction{
		WinProbA:   pa / total,
		WinProbB:   pb / total,
		DrawProb:   draw / total,
		Confidence: math.Min(1, diff/400.0),
	}
}

// MatchQuality scores how balanced a pairing is in [0,1]: rating closeness
// (zero at 400 apart) weighted 0.7, rating certainty weighted 0.3.
func MatchQuality(r1, r2 int, dev1, dev2 float64) float64 {
	closeness := math.Max(0, 1-math.Abs(float64(r1-r2))/400.0)
	certainty := math.Max(0, 1-((dev1+dev2)/2)/DefaultDeviation)
	return math.Min(1, closeness*0.7+certainty*0.3)
}

func (e Engine) now() time.Time {
	if e.Now == nil { return time.Now() }
	return e.Now()
}
