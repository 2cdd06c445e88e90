package position

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	chesslib "github.com/corentings/chess/v2"
)

const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

var (
	ErrInvalidFEN  = errors.New("invalid starting position")
	ErrIllegalMove = errors.New("illegal move")
)

// Move is an applied move in both notations.
type Move struct {
	UCI string
	SAN string
}

// Occupancy is the board summary used for phase detection.
type Occupancy struct {
	MinorMajor    int
	WhiteBackRank int
	BlackBackRank int
}

// Model owns one position and the moves that led to it.
type Model struct {
	game     *chesslib.Game
	startFEN string
	uci      []string
}

func New() *Model {
	m := &Model{}
	_ = m.Reset("")
	return m
}

// Reset installs the standard start, or fen when given. An invalid fen
// leaves the model untouched.
func (m *Model) Reset(fen string) error {
	game, start, err := newGame(fen)
	if err != nil {
		return err
	}
	m.game = game
	m.startFEN = start
	m.uci = nil
	return nil
}

func newGame(fen string) (*chesslib.Game, string, error) {
	fen = strings.TrimSpace(fen)
	if fen == "" || fen == "startpos" {
		return chesslib.NewGame(), "", nil
	}
	option, err := chesslib.FEN(fen)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %q: %v", ErrInvalidFEN, fen, err)
	}
	return chesslib.NewGame(option), fen, nil
}

// Apply decodes token (UCI or SAN) against the current position and plays
// it. Nothing changes on failure.
func (m *Model) Apply(token string) (Move, error) {
	pos := m.game.Position()
	mv, err := decode(pos, token)
	if err != nil {
		return Move{}, err
	}
	san := chesslib.AlgebraicNotation{}.Encode(pos, mv)
	if err := m.game.Move(mv, nil); err != nil {
		return Move{}, fmt.Errorf("%w: %q: %v", ErrIllegalMove, token, err)
	}
	uci := mv.String()
	m.uci = append(m.uci, uci)
	return Move{UCI: uci, SAN: san}, nil
}

var uciShape = regexp.MustCompile(`^[a-h][1-8][a-h][1-8][qrbn]?$`)

// decode tries UCI first for coordinate-shaped tokens: the SAN decoder
// accepts "g1f3" as a pawn move to f3.
func decode(pos *chesslib.Position, token string) (*chesslib.Move, error) {
	clean := CleanToken(token)
	if clean == "" {
		return nil, fmt.Errorf("%w: empty token", ErrIllegalMove)
	}
	notations := []chesslib.Decoder{chesslib.AlgebraicNotation{}, chesslib.UCINotation{}}
	if lower := strings.ToLower(clean); uciShape.MatchString(lower) {
		clean = lower
		notations[0], notations[1] = notations[1], notations[0]
	}
	for _, n := range notations {
		if mv, err := n.Decode(pos, clean); err == nil {
			return mv, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrIllegalMove, token)
}

// CleanToken strips annotation glyphs and normalises zero-castling.
func CleanToken(token string) string {
	t := strings.TrimSpace(token)
	t = strings.TrimRight(t, "!?")
	switch strings.TrimRight(t, "+#") {
	case "0-0":
		t = "O-O" + t[3:]
	case "0-0-0":
		t = "O-O-O" + t[5:]
	}
	return t
}

func (m *Model) Occupancy() Occupancy {
	var occ Occupancy
	board := m.game.Position().Board()
	for file := chesslib.FileA; file <= chesslib.FileH; file++ {
		for rank := chesslib.Rank1; rank <= chesslib.Rank8; rank++ {
			piece := board.Piece(chesslib.NewSquare(file, rank))
			if piece == chesslib.NoPiece {
				continue
			}
			switch piece.Type() {
			case chesslib.King, chesslib.Pawn:
			default:
				occ.MinorMajor++
			}
			if rank == chesslib.Rank1 && piece.Color() == chesslib.White {
				occ.WhiteBackRank++
			}
			if rank == chesslib.Rank8 && piece.Color() == chesslib.Black {
				occ.BlackBackRank++
			}
		}
	}
	return occ
}

// StartFEN is the fen given to Reset, empty for the standard start.
func (m *Model) StartFEN() string { return m.startFEN }

func (m *Model) FEN() string { return m.game.FEN() }

// EPD is the fen without the move counters.
func (m *Model) EPD() string {
	fields := strings.Fields(m.game.FEN())
	if len(fields) > 4 {
		fields = fields[:4]
	}
	return strings.Join(fields, " ")
}

func (m *Model) WhiteToMove() bool {
	return m.game.Position().Turn() == chesslib.White
}

func (m *Model) MovesUCI() []string {
	return append([]string(nil), m.uci...)
}

func (m *Model) Ply() int { return len(m.uci) }

// Moves exposes the library moves, for ECO lookups.
func (m *Model) Moves() []*chesslib.Move { return m.game.Moves() }

// ToUCI replays tokens (SAN or UCI) from fen and returns them in UCI.
func ToUCI(fen string, tokens []string) ([]string, error) {
	m := New()
	if err := m.Reset(fen); err != nil {
		return nil, err
	}
	for _, tok := range tokens {
		if _, err := m.Apply(tok); err != nil {
			return nil, err
		}
	}
	return m.MovesUCI(), nil
}
