package analysis

import "github.com/park285/chess-hubble/internal/chess/position"

// PhaseTracker records the first move index at which each phase begins.
// Both boundaries are write-once, and the endgame is only looked for on
// moves after the middlegame boundary was set.
type PhaseTracker struct {
	policy     PhasePolicy
	middleGame *int
	endGame    *int
}

func NewPhaseTracker(p PhasePolicy) *PhaseTracker {
	return &PhaseTracker{policy: p}
}

func (t *PhaseTracker) Reset() {
	t.middleGame = nil
	t.endGame = nil
}

// Observe inspects the board after the move at index was played.
func (t *PhaseTracker) Observe(index int, occ position.Occupancy) {
	switch {
	case t.middleGame == nil:
		if occ.MinorMajor <= t.policy.MiddleGamePieces ||
			occ.WhiteBackRank < t.policy.BackRankMin ||
			occ.BlackBackRank < t.policy.BackRankMin {
			t.middleGame = intPtr(index)
		}
	case t.endGame == nil:
		if occ.MinorMajor <= t.policy.EndGamePieces {
			t.endGame = intPtr(index)
		}
	}
}

func (t *PhaseTracker) Boundaries() (middleGame, endGame *int) {
	return copyInt(t.middleGame), copyInt(t.endGame)
}

func intPtr(v int) *int { return &v }

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	return intPtr(*p)
}
