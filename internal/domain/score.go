package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// MateScore is the magnitude assigned to "mate in 0". Mate in N maps to
// MateScore-|N| so shorter mates stay further from zero than longer ones
// and every mate stays beyond any centipawn value.
const MateScore = 100000

const mateWindow = 1000

// Score is a centipawn evaluation, or a normalised mate value.
type Score int

// MateIn converts a UCI "score mate n" value.
func MateIn(n int) Score {
	switch {
	case n > 0:
		return Score(MateScore - n)
	case n < 0:
		return Score(-(MateScore + n))
	default:
		return -MateScore
	}
}

func (s Score) IsMate() bool {
	return s.Abs() > MateScore-mateWindow
}

// MateDistance returns the signed N of a mate score, 0 if s is not a mate.
func (s Score) MateDistance() int {
	if !s.IsMate() {
		return 0
	}
	if s > 0 {
		return MateScore - int(s)
	}
	return -(MateScore + int(s))
}

func (s Score) Abs() Score {
	if s < 0 {
		return -s
	}
	return s
}

func (s Score) Negate() Score { return -s }

func (s Score) String() string {
	if s.IsMate() {
		return fmt.Sprintf("#%d", s.MateDistance())
	}
	return strconv.Itoa(int(s))
}

// UnmarshalJSON accepts integers and the decimal strings written by
// older records ("-35", "12.0").
func (s *Score) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if strings.HasPrefix(raw, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		raw = strings.TrimSpace(str)
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("parse score %q: %w", raw, err)
	}
	*s = Score(int(f))
	return nil
}
