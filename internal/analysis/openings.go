package analysis

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/park285/chess-hubble/internal/chess/openingbook"
	"github.com/park285/chess-hubble/internal/chess/position"
	"github.com/park285/chess-hubble/internal/domain"
	"github.com/park285/chess-hubble/internal/pgn"
)

// OpeningMatcher is satisfied by *openingbook.Catalogue.
type OpeningMatcher interface {
	Match(moves []string, code string, minLen int) (openingbook.Match, bool)
}

type Colour int

const (
	AnyColour Colour = iota
	WhiteOnly
	BlackOnly
)

func ParseColour(s string) (Colour, error) {
	switch s {
	case "", "any", "both":
		return AnyColour, nil
	case "white", "w":
		return WhiteOnly, nil
	case "black", "b":
		return BlackOnly, nil
	}
	return AnyColour, fmt.Errorf("unknown colour %q", s)
}

type OpeningResult struct {
	Won  int `json:"won"`
	Tie  int `json:"tie"`
	Lost int `json:"lost"`
}

func (r OpeningResult) Games() int { return r.Won + r.Tie + r.Lost }

func (r OpeningResult) WinRate() float64 {
	if n := r.Games(); n > 0 {
		return float64(r.Won) / float64(n)
	}
	return 0
}

type OpeningRank struct {
	Name    string        `json:"name"`
	Result  OpeningResult `json:"result"`
	WinRate float64       `json:"win_rate"`
}

// OpeningStats tallies one player's results per matched opening name.
type OpeningStats struct {
	player  string
	colour  Colour
	matcher OpeningMatcher
	minLen  int

	results map[string]*OpeningResult
}

func NewOpeningStats(player string, colour Colour, m OpeningMatcher, minLen int) *OpeningStats {
	return &OpeningStats{
		player:  player,
		colour:  colour,
		matcher: m,
		minLen:  minLen,
		results: make(map[string]*OpeningResult),
	}
}

// Add counts one game given in UCI. Games the player did not play, games
// outside the colour filter and unmatched games are ignored.
func (s *OpeningStats) Add(white, black, result, code string, movesUCI []string) bool {
	if s.player == "" {
		return false
	}
	var asWhite bool
	switch s.player {
	case white:
		asWhite = true
	case black:
		asWhite = false
	default:
		return false
	}
	if (s.colour == WhiteOnly && !asWhite) || (s.colour == BlackOnly && asWhite) {
		return false
	}
	if len(movesUCI) == 0 {
		return false
	}
	switch result {
	case "1-0", "0-1", "1/2-1/2":
	default:
		return false
	}
	m, ok := s.matcher.Match(movesUCI, code, s.minLen)
	if !ok {
		return false
	}

	r, ok := s.results[m.Opening.Name]
	if !ok {
		r = &OpeningResult{}
		s.results[m.Opening.Name] = r
	}
	switch {
	case result == "1/2-1/2":
		r.Tie++
	case (result == "1-0") == asWhite:
		r.Won++
	default:
		r.Lost++
	}
	return true
}

func (s *OpeningStats) AddRecord(rec *domain.GameRecord) bool {
	if rec == nil || rec.StartFEN != "" {
		return false
	}
	return s.Add(rec.White, rec.Black, rec.Result, rec.OpeningCode, rec.Moves)
}

// Ranking orders openings with at least minGames games by win rate, then
// by games played, then by name.
func (s *OpeningStats) Ranking(minGames int) []OpeningRank {
	out := make([]OpeningRank, 0, len(s.results))
	for name, r := range s.results {
		if r.Games() < minGames {
			continue
		}
		out = append(out, OpeningRank{Name: name, Result: *r, WinRate: r.WinRate()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WinRate != out[j].WinRate {
			return out[i].WinRate > out[j].WinRate
		}
		if out[i].Result.Games() != out[j].Result.Games() {
			return out[i].Result.Games() > out[j].Result.Games()
		}
		return out[i].Name < out[j].Name
	})
	return out
}

type MoveCount struct {
	Move  string `json:"move"`
	Count int    `json:"count"`
}

// OpeningTree counts which moves were played from each position, keyed by
// EPD so transpositions share a node.
type OpeningTree struct {
	maxPly int
	games  int
	nodes  map[string]map[string]int
}

// NewOpeningTree limits each game to its first maxPly moves; 0 means all.
func NewOpeningTree(maxPly int) *OpeningTree {
	return &OpeningTree{maxPly: maxPly, nodes: make(map[string]map[string]int)}
}

// AddGame replays tokens (SAN or UCI) from fen. Positions up to the first
// illegal move are kept.
func (t *OpeningTree) AddGame(fen string, tokens []string) error {
	m := position.New()
	if err := m.Reset(fen); err != nil {
		return err
	}
	t.games++
	for i, tok := range tokens {
		if t.maxPly > 0 && i >= t.maxPly {
			break
		}
		epd := m.EPD()
		mv, err := m.Apply(tok)
		if err != nil {
			return err
		}
		node, ok := t.nodes[epd]
		if !ok {
			node = make(map[string]int)
			t.nodes[epd] = node
		}
		node[mv.UCI]++
	}
	return nil
}

func (t *OpeningTree) AddRecord(rec *domain.GameRecord) error {
	if rec == nil {
		return nil
	}
	return t.AddGame(rec.StartFEN, rec.Moves)
}

// AddPGN adds every game in r. Games with a FEN header or an illegal move
// contribute the positions before the problem.
func (t *OpeningTree) AddPGN(r io.Reader) (int, error) {
	lex := pgn.NewReader(r)
	var (
		fen    string
		tokens []string
		added  int
	)
	for {
		ev, err := lex.Next()
		if errors.Is(err, io.EOF) {
			return added, nil
		}
		if err != nil {
			return added, fmt.Errorf("read pgn: %w", err)
		}
		switch ev.Kind {
		case pgn.BeginGame:
			fen, tokens = "", tokens[:0]
		case pgn.Header:
			if ev.Key == "FEN" && !ev.Malformed {
				fen = ev.Value
			}
		case pgn.Move:
			tokens = append(tokens, ev.SAN)
		case pgn.EndGame:
			if len(tokens) == 0 {
				continue
			}
			// A game with an illegal move still counts up to that move.
			if err := t.AddGame(fen, tokens); err == nil || !errors.Is(err, position.ErrInvalidFEN) {
				added++
			}
		}
	}
}

func (t *OpeningTree) Games() int { return t.games }

// Moves lists the moves seen from epd, most popular first.
func (t *OpeningTree) Moves(epd string) []MoveCount {
	node := t.nodes[epd]
	out := make([]MoveCount, 0, len(node))
	for mv, n := range node {
		out = append(out, MoveCount{Move: mv, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Move < out[j].Move
	})
	return out
}

// MainLine follows the most played move from fen until the tree runs out or
// n moves have been taken; n <= 0 means no limit.
func (t *OpeningTree) MainLine(fen string, n int) ([]MoveCount, error) {
	m := position.New()
	if err := m.Reset(fen); err != nil {
		return nil, err
	}
	var line []MoveCount
	seen := make(map[string]bool)
	for n <= 0 || len(line) < n {
		epd := m.EPD()
		moves := t.Moves(epd)
		if len(moves) == 0 || seen[epd] {
			break
		}
		seen[epd] = true
		if _, err := m.Apply(moves[0].Move); err != nil {
			return line, err
		}
		line = append(line, moves[0])
	}
	return line, nil
}
