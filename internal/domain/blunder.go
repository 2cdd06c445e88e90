package domain

// Phase identifies the part of the game a move belongs to.
type Phase int

const (
	PhaseOpening Phase = iota
	PhaseMiddleGame
	PhaseEndGame
)

func (p Phase) String() string {
	switch p {
	case PhaseOpening:
		return "opening"
	case PhaseMiddleGame:
		return "middlegame"
	case PhaseEndGame:
		return "endgame"
	default:
		return "unknown"
	}
}

// PhaseOf places a move index relative to the two boundaries. A nil
// boundary was never reached.
func PhaseOf(index int, middleGame, endGame *int) Phase {
	if middleGame == nil || index < *middleGame {
		return PhaseOpening
	}
	if endGame == nil || index < *endGame {
		return PhaseMiddleGame
	}
	return PhaseEndGame
}

// BlunderSet holds flagged move indices grouped by phase.
type BlunderSet struct {
	Opening    []int `json:"opening"`
	MiddleGame []int `json:"middle_game"`
	EndGame    []int `json:"end_game"`
}

func (b BlunderSet) Total() int {
	return len(b.Opening) + len(b.MiddleGame) + len(b.EndGame)
}

