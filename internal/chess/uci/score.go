package uci

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/park285/chess-hubble/internal/domain"
)

var ErrNoScore = errors.New("no score token")

type ScoreInfo struct {
	Depth   int
	MultiPV int
	Mate    bool
	Bound   bool
}

// ParseScore extracts the evaluation from one engine "info" line. The score is
// relative to the side to move, as the engine reports it.
func ParseScore(line string) (domain.Score, ScoreInfo, error) {
	parts := strings.Fields(line)
	info := ScoreInfo{MultiPV: 1}
	if len(parts) == 0 || parts[0] != "info" {
		return 0, info, fmt.Errorf("%w: not an info line: %q", ErrNoScore, line)
	}

	var (
		score    domain.Score
		scoreSet bool
	)
	for i := 1; i < len(parts); i++ {
		switch parts[i] {
		case "depth":
			if i+1 < len(parts) {
				if v, err := strconv.Atoi(parts[i+1]); err == nil {
					info.Depth = v
				}
				i++
			}
		case "multipv":
			if i+1 < len(parts) {
				if v, err := strconv.Atoi(parts[i+1]); err == nil {
					info.MultiPV = v
				}
				i++
			}
		case "score":
			if i+2 >= len(parts) {
				return 0, info, fmt.Errorf("%w: truncated score in %q", ErrNoScore, line)
			}
			kind, raw := parts[i+1], parts[i+2]
			v, err := strconv.Atoi(raw)
			if err != nil {
				return 0, info, fmt.Errorf("%w: bad %s value %q", ErrNoScore, kind, raw)
			}
			switch kind {
			case "cp":
				score = domain.Score(v)
			case "mate":
				score = domain.MateIn(v)
				info.Mate = true
			default:
				return 0, info, fmt.Errorf("%w: unknown score kind %q", ErrNoScore, kind)
			}
			scoreSet = true
			i += 2
			if i+1 < len(parts) && (parts[i+1] == "lowerbound" || parts[i+1] == "upperbound") {
				info.Bound = true
				i++
			}
		case "pv", "string":
			i = len(parts)
		}
	}
	if !scoreSet {
		return 0, info, fmt.Errorf("%w: %q", ErrNoScore, line)
	}
	return score, info, nil
}

type scoreTracker struct {
	targetDepth int

	target    *domain.Score
	best      *domain.Score
	bestDepth int
	bound     *domain.Score
}

func (t *scoreTracker) observe(line string) {
	score, info, err := ParseScore(line)
	if err != nil || info.MultiPV != 1 {
		return
	}
	if info.Bound {
		t.bound = &score
		return
	}
	if t.targetDepth > 0 && info.Depth == t.targetDepth {
		t.target = &score
	}
	if t.best == nil || info.Depth >= t.bestDepth {
		t.best = &score
		t.bestDepth = info.Depth
	}
}

func (t *scoreTracker) result() (domain.Score, bool) {
	switch {
	case t.target != nil:
		return *t.target, true
	case t.best != nil:
		return *t.best, true
	case t.bound != nil:
		return *t.bound, true
	default:
		return 0, false
	}
}
