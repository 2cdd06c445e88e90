package domain

import (
	"strings"
	"time"
)

// GameRecord is the output of one successful replay.
type GameRecord struct {
	ID          string     `json:"id"`
	OpeningCode string     `json:"opening_id,omitempty"`
	White       string     `json:"white"`
	Black       string     `json:"black"`
	WhiteRating *int       `json:"white_rating,omitempty"`
	BlackRating *int       `json:"black_rating,omitempty"`
	Result      string     `json:"result"`
	Winner      string     `json:"winner,omitempty"`
	StartFEN    string     `json:"start_fen,omitempty"`
	Moves       []string   `json:"moves"`
	MovesSAN    []string   `json:"moves_san,omitempty"`
	Scores      []Score    `json:"scores"`
	MiddleGame  *int       `json:"middle_game,omitempty"`
	EndGame     *int       `json:"end_game,omitempty"`
	Blunders    BlunderSet `json:"blunders"`
	BookExit    *int       `json:"book_exit,omitempty"`
	AnalysedAt  time.Time  `json:"analysed_at"`
}

// Involves reports whether name played either side. Surrounding spaces are
// ignored.
func (g *GameRecord) Involves(name string) bool {
	name = strings.TrimSpace(name)
	if g == nil || name == "" {
		return false
	}
	return strings.TrimSpace(g.White) == name || strings.TrimSpace(g.Black) == name
}

// Opening is one catalogue entry. PGN holds the canonical move text,
// possibly with move numbers ("1. e4 e5 2. Nf3").
type Opening struct {
	ID   int64  `json:"id"`
	Code string `json:"eco"`
	Name string `json:"name"`
	PGN  string `json:"pgn"`
}
