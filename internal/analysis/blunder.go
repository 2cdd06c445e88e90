package analysis

import (
	"math"

	"github.com/park285/chess-hubble/internal/domain"
)

// BlunderTracker flags moves whose score swings sharply against the score
// of the move before. The previous score is updated on every move.
type BlunderTracker struct {
	policy   BlunderPolicy
	previous domain.Score
	flagged  []int
}

func NewBlunderTracker(p BlunderPolicy) *BlunderTracker {
	return &BlunderTracker{policy: p}
}

func (t *BlunderTracker) Reset() {
	t.previous = 0
	t.flagged = nil
}

// Observe returns true when the move at index is flagged.
func (t *BlunderTracker) Observe(index int, score domain.Score) bool {
	flagged := IsBlunder(t.policy, t.previous, score)
	if flagged {
		t.flagged = append(t.flagged, index)
	}
	t.previous = score
	return flagged
}

func (t *BlunderTracker) Flagged() []int {
	return append([]int(nil), t.flagged...)
}

// IsBlunder applies the policy to one score transition. A zero previous
// score means there is nothing to compare against.
func IsBlunder(p BlunderPolicy, previous, score domain.Score) bool {
	if previous == 0 {
		return false
	}
	if math.Abs(float64(score)) <= float64(p.MinScore) {
		return false
	}
	delta := math.Abs(float64(previous) - float64(score))
	ratio := math.Abs(float64(score) / float64(previous))
	switch {
	case ratio > p.HighRatio && delta > float64(p.HighDelta):
		return true
	case ratio < p.LowRatio && delta > float64(p.LowDelta):
		return true
	}
	return false
}

// FindBlunders recomputes flagged indices from a stored score list.
func FindBlunders(p BlunderPolicy, scores []domain.Score) []int {
	t := NewBlunderTracker(p)
	for i, s := range scores {
		t.Observe(i, s)
	}
	return t.Flagged()
}

// Bucket assigns each flagged index to the phase it was played in. An unset
// boundary is never reached.
func Bucket(indices []int, middleGame, endGame *int) domain.BlunderSet {
	set := domain.BlunderSet{
		Opening:    []int{},
		MiddleGame: []int{},
		EndGame:    []int{},
	}
	for _, idx := range indices {
		switch domain.PhaseOf(idx, middleGame, endGame) {
		case domain.PhaseOpening:
			set.Opening = append(set.Opening, idx)
		case domain.PhaseMiddleGame:
			set.MiddleGame = append(set.MiddleGame, idx)
		default:
			set.EndGame = append(set.EndGame, idx)
		}
	}
	return set
}

// BlundersOf rebuilds a game's BlunderSet from its scores and boundaries.
func BlundersOf(p BlunderPolicy, rec *domain.GameRecord) domain.BlunderSet {
	if rec == nil {
		return Bucket(nil, nil, nil)
	}
	return Bucket(FindBlunders(p, rec.Scores), rec.MiddleGame, rec.EndGame)
}
