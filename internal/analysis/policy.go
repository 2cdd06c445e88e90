package analysis

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/park285/chess-hubble/internal/chess/uci"
)

// PhasePolicy holds the piece-count thresholds for phase boundaries.
type PhasePolicy struct {
	MiddleGamePieces int `yaml:"middle_game_pieces"`
	BackRankMin      int `yaml:"back_rank_min"`
	EndGamePieces    int `yaml:"end_game_pieces"`
}

// BlunderPolicy holds the score thresholds. A move is a blunder when
// |score| > MinScore and either the ratio against the previous score
// exceeds HighRatio with |delta| > HighDelta, or falls below LowRatio with
// |delta| > LowDelta.
type BlunderPolicy struct {
	MinScore  int     `yaml:"min_score"`
	HighRatio float64 `yaml:"high_ratio"`
	HighDelta int     `yaml:"high_delta"`
	LowRatio  float64 `yaml:"low_ratio"`
	LowDelta  int     `yaml:"low_delta"`
}

// SearchPolicy overrides the engine limits from the environment when set.
type SearchPolicy struct {
	Depth     int `yaml:"depth"`
	Nodes     int `yaml:"nodes"`
	TimeoutMS int `yaml:"timeout_ms"`
}

type Policy struct {
	Phase   PhasePolicy   `yaml:"phase"`
	Blunder BlunderPolicy `yaml:"blunder"`
	Search  SearchPolicy  `yaml:"search"`
}

func DefaultPolicy() Policy {
	return Policy{
		Phase: PhasePolicy{
			MiddleGamePieces: 10,
			BackRankMin:      4,
			EndGamePieces:    6,
		},
		Blunder: BlunderPolicy{
			MinScore:  100,
			HighRatio: 2.3,
			HighDelta: 150,
			LowRatio:  0.5,
			LowDelta:  80,
		},
	}
}

// LoadPolicy reads a YAML policy file. Fields left out keep their defaults.
func LoadPolicy(path string) (Policy, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy %q: %w", path, err)
	}
	p, err := ParsePolicy(data)
	if err != nil {
		return Policy{}, fmt.Errorf("policy %q: %w", path, err)
	}
	return p, nil
}

func ParsePolicy(data []byte) (Policy, error) {
	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("decode policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) Validate() error {
	switch {
	case p.Phase.MiddleGamePieces < 0 || p.Phase.EndGamePieces < 0 || p.Phase.BackRankMin < 0:
		return fmt.Errorf("phase thresholds must be >= 0")
	case p.Phase.EndGamePieces > p.Phase.MiddleGamePieces:
		return fmt.Errorf("end_game_pieces (%d) exceeds middle_game_pieces (%d)", p.Phase.EndGamePieces, p.Phase.MiddleGamePieces)
	case p.Blunder.HighRatio <= 0 || p.Blunder.LowRatio <= 0:
		return fmt.Errorf("blunder ratios must be > 0")
	case p.Blunder.LowRatio >= p.Blunder.HighRatio:
		return fmt.Errorf("low_ratio (%g) must be below high_ratio (%g)", p.Blunder.LowRatio, p.Blunder.HighRatio)
	case p.Search.Depth < 0 || p.Search.Nodes < 0 || p.Search.TimeoutMS < 0:
		return fmt.Errorf("search limits must be >= 0")
	}
	return nil
}

// Limits returns base with the non-zero search fields of the policy applied.
// A policy depth clears the node limit so depth wins.
func (p Policy) Limits(base uci.Limits) uci.Limits {
	out := base
	if p.Search.Depth > 0 {
		out.Depth = p.Search.Depth
		out.Nodes = 0
	}
	if p.Search.Nodes > 0 && p.Search.Depth == 0 {
		out.Nodes = p.Search.Nodes
		out.Depth = 0
	}
	if p.Search.TimeoutMS > 0 {
		out.Timeout = time.Duration(p.Search.TimeoutMS) * time.Millisecond
	}
	return out
}
