package openingbook

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/park285/chess-hubble/internal/chess/position"
	"github.com/park285/chess-hubble/internal/domain"
)

// Match is the catalogue entry sharing the longest prefix with a game.
type Match struct {
	Opening domain.Opening `json:"opening"`
	Length  int            `json:"length"`
}

type catalogueEntry struct {
	opening domain.Opening
	line    []string
}

// Catalogue groups openings by normalised code, keeping load order inside
// each group. Candidate lines are replayed once at construction.
type Catalogue struct {
	byCode map[string][]catalogueEntry
	order  []string
	size   int
}

func NewCatalogue(openings []domain.Opening) *Catalogue {
	c := &Catalogue{byCode: make(map[string][]catalogueEntry)}
	for _, op := range openings {
		code := normalizeECOCode(op.Code)
		if code == "" {
			continue
		}
		if _, ok := c.byCode[code]; !ok {
			c.order = append(c.order, code)
		}
		c.byCode[code] = append(c.byCode[code], catalogueEntry{
			opening: op,
			line:    LineOf(op.PGN),
		})
		c.size++
	}
	return c
}

func (c *Catalogue) Len() int {
	if c == nil {
		return 0
	}
	return c.size
}

// Match picks the candidate under code whose line shares the strictly
// longest prefix with moves. Ties keep the earlier entry. An empty code
// searches every group in load order. minLen below 1 is treated as 1.
func (c *Catalogue) Match(moves []string, code string, minLen int) (Match, bool) {
	if c == nil || len(moves) == 0 {
		return Match{}, false
	}
	if minLen < 1 {
		minLen = 1
	}

	var groups [][]catalogueEntry
	if norm := normalizeECOCode(code); norm != "" {
		groups = [][]catalogueEntry{c.byCode[norm]}
	} else {
		for _, k := range c.order {
			groups = append(groups, c.byCode[k])
		}
	}

	normalized := make([]string, len(moves))
	for i, mv := range moves {
		normalized[i] = normalizeMove(mv)
	}

	var (
		best    Match
		bestLen int
	)
	for _, group := range groups {
		for _, e := range group {
			n := commonPrefix(e.line, normalized)
			if n > bestLen {
				best = Match{Opening: e.opening, Length: n}
				bestLen = n
			}
		}
	}
	if bestLen < minLen {
		return Match{}, false
	}
	return best, true
}

// LineOf replays catalogue move text ("1. e4 e5 2. Nf3") from the standard
// start and returns the moves in normalised UCI. Replay stops at the first
// token that does not parse or apply.
func LineOf(pgn string) []string {
	m := position.New()
	var line []string
	for _, tok := range strings.Fields(pgn) {
		tok = stripMoveNumber(tok)
		if tok == "" {
			continue
		}
		switch tok {
		case "1-0", "0-1", "1/2-1/2", "*":
			return line
		}
		mv, err := m.Apply(tok)
		if err != nil {
			return line
		}
		line = append(line, normalizeMove(mv.UCI))
	}
	return line
}

func commonPrefix(line, moves []string) int {
	n := 0
	for n < len(line) && n < len(moves) && line[n] == moves[n] {
		n++
	}
	return n
}

// normalizeMove drops decorations that do not change move identity.
func normalizeMove(mv string) string {
	mv = strings.ToLower(strings.TrimSpace(mv))
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', 'x', '+', '#', '=', '!', '?':
			return -1
		}
		return r
	}, mv)
}

func stripMoveNumber(tok string) string {
	if i := strings.LastIndexByte(tok, '.'); i >= 0 {
		digits := strings.TrimRight(tok[:i], ".")
		if strings.Trim(digits, "0123456789") == "" {
			return tok[i+1:]
		}
	}
	return tok
}

func normalizeECOCode(code string) string {
	trimmed := strings.ToUpper(strings.TrimSpace(code))
	var b strings.Builder
	for _, r := range trimmed {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// LoadTSV reads "eco<TAB>name<TAB>pgn" rows. A header row and short rows
// are skipped.
func LoadTSV(r io.Reader) ([]domain.Opening, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var (
		out  []domain.Opening
		line int
	)
	for scanner.Scan() {
		line++
		row := strings.Split(strings.TrimRight(scanner.Text(), "\r"), "\t")
		if len(row) < 3 || strings.EqualFold(strings.TrimSpace(row[0]), "eco") {
			continue
		}
		out = append(out, domain.Opening{
			ID:   int64(len(out) + 1),
			Code: strings.TrimSpace(row[0]),
			Name: strings.TrimSpace(row[1]),
			PGN:  strings.TrimSpace(row[2]),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read tsv line %d: %w", line, err)
	}
	return out, nil
}

type catalogueFile struct {
	Openings []domain.Opening `json:"openings"`
}

// LoadJSON accepts either {"openings": [...]} or a bare array.
func LoadJSON(r io.Reader) ([]domain.Opening, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read catalogue: %w", err)
	}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var list []domain.Opening
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("decode catalogue: %w", err)
		}
		return list, nil
	}
	var payload catalogueFile
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode catalogue: %w", err)
	}
	return payload.Openings, nil
}

// LoadFile picks the loader by extension: .json for JSON, anything else TSV.
func LoadFile(path string) ([]domain.Opening, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("catalogue path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalogue %q: %w", path, err)
	}
	defer file.Close()

	if strings.EqualFold(filepath.Ext(path), ".json") {
		return LoadJSON(file)
	}
	return LoadTSV(file)
}
