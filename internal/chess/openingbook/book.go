package openingbook

import (
	"fmt"
	"io"
	"os"
	"strings"

	chesslib "github.com/corentings/chess/v2"

	"github.com/park285/chess-hubble/internal/chess/position"
)

// Book answers whether a played line is still inside a polyglot book.
type Book struct {
	book *chesslib.PolyglotBook
}

func LoadBook(r io.Reader) (*Book, error) {
	book, err := chesslib.LoadFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("load polyglot book: %w", err)
	}
	return &Book{book: book}, nil
}

func LoadBookFile(path string) (*Book, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("polyglot book path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open polyglot book %q: %w", path, err)
	}
	defer file.Close()
	return LoadBook(file)
}

// BookMoves lists the book moves, in UCI, for a fen.
func (b *Book) BookMoves(fen string) ([]string, error) {
	if b == nil {
		return nil, nil
	}
	hashStr, err := chesslib.NewZobristHasher().HashPosition(fen)
	if err != nil {
		return nil, fmt.Errorf("compute polyglot hash: %w", err)
	}
	entries := b.book.FindMoves(chesslib.ZobristHashToUint64(hashStr))
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		move := chesslib.DecodeMove(entry.Move).ToMove()
		out = append(out, move.String())
	}
	return out, nil
}

// BookExit returns the index of the first move that is not a book move in
// the position it was played from. ok is false when every move is in book
// or the line cannot be replayed.
func (b *Book) BookExit(fen string, moves []string) (int, bool) {
	if b == nil {
		return 0, false
	}
	m := position.New()
	if err := m.Reset(fen); err != nil {
		return 0, false
	}
	for i, mv := range moves {
		candidates, err := b.BookMoves(m.FEN())
		if err != nil {
			return 0, false
		}
		if !containsMove(candidates, mv) {
			return i, true
		}
		if _, err := m.Apply(mv); err != nil {
			return 0, false
		}
	}
	return 0, false
}

// polyglot encodes castling as king-takes-rook; accept both forms.
func containsMove(candidates []string, mv string) bool {
	mv = strings.ToLower(mv)
	for _, c := range candidates {
		if c == mv || castlingAlias(c) == mv {
			return true
		}
	}
	return false
}

func castlingAlias(mv string) string {
	switch mv {
	case "e1h1":
		return "e1g1"
	case "e1a1":
		return "e1c1"
	case "e8h8":
		return "e8g8"
	case "e8a8":
		return "e8c8"
	}
	return mv
}
