// Package pgn turns a multi-game PGN stream into a flat sequence of events.
// Only the mainline is reported; comments, NAGs, move numbers and
// parenthesised variations are dropped.
//
// Games are split by the chess library's scanner and tokenised by its lexer.
// A scanned chunk can still hold several games when the stream carries no
// Event tags, so a chunk is split again on results, on a tag after move
// text, and on a tag repeated inside one header block.
package pgn

import (
	"fmt"
	"io"
	"strings"

	chess "github.com/corentings/chess/v2"
)

type EventKind int

const (
	BeginGame EventKind = iota + 1
	Header
	EndHeaders
	Move
	EndGame
)

func (k EventKind) String() string {
	switch k {
	case BeginGame:
		return "begin_game"
	case Header:
		return "header"
	case EndHeaders:
		return "end_headers"
	case Move:
		return "move"
	case EndGame:
		return "end_game"
	default:
		return "unknown"
	}
}

// Event is one lexical step. Key/Value are set for Header, SAN for Move and
// Result for EndGame (empty when the game ended without a result token).
type Event struct {
	Kind      EventKind
	Key       string
	Value     string
	Malformed bool
	SAN       string
	Result    string
}

type Reader struct {
	scanner *chess.Scanner
	pending []Event
	err     error

	open    bool
	inMoves bool
	keys    map[string]bool
	depth   int
	move    moveText
	last    [2]chess.Token
}

func NewReader(r io.Reader) *Reader {
	return &Reader{scanner: chess.NewScanner(r)}
}

// Next returns the next event, or io.EOF once the stream is exhausted.
func (r *Reader) Next() (Event, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return Event{}, r.err
		}
		game, err := r.scan()
		if err != nil {
			r.err = err
			continue
		}
		r.lexChunk(game.Raw)
	}
	ev := r.pending[0]
	r.pending = r.pending[1:]
	return ev, nil
}

// scan turns a splitter panic on truncated tagless input into an error.
func (r *Reader) scan() (game *chess.GameScanned, err error) {
	defer func() {
		if p := recover(); p != nil {
			game, err = nil, fmt.Errorf("pgn: scan: %v", p)
		}
	}()
	return r.scanner.ScanGame()
}

func (r *Reader) emit(ev Event) {
	r.pending = append(r.pending, ev)
}

func (r *Reader) openGame() {
	r.open = true
	r.inMoves = false
	r.keys = make(map[string]bool)
	r.depth = 0
	r.move = moveText{}
	r.last = [2]chess.Token{}
	r.emit(Event{Kind: BeginGame})
}

func (r *Reader) closeGame(result string) {
	if !r.open {
		return
	}
	r.flushMove()
	if !r.inMoves {
		r.emit(Event{Kind: EndHeaders})
	}
	r.emit(Event{Kind: EndGame, Result: result})
	r.open = false
	r.inMoves = false
	r.depth = 0
}

// lexChunk splits one scanned chunk into tag lines and move text. Tag lines
// are only recognised outside brace comments.
func (r *Reader) lexChunk(raw string) {
	var (
		text    strings.Builder
		inBrace bool
	)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		trimmed := strings.TrimSpace(line)
		if !inBrace {
			if strings.HasPrefix(line, "%") {
				continue
			}
			if strings.HasPrefix(trimmed, "[") && !strings.HasPrefix(trimmed, "[%") {
				r.lexMoves(text.String())
				text.Reset()
				r.lexTags(trimmed)
				continue
			}
		}
		var kept string
		kept, inBrace = stripRestOfLine(line, inBrace)
		text.WriteString(kept)
		text.WriteByte('\n')
	}
	r.lexMoves(text.String())
	r.closeGame("")
}

// stripRestOfLine drops a ';' comment and reports whether the line ends
// inside a brace comment.
func stripRestOfLine(line string, inBrace bool) (string, bool) {
	for i := 0; i < len(line); i++ {
		switch c := line[i]; {
		case inBrace:
			if c == '}' {
				inBrace = false
			}
		case c == '{':
			inBrace = true
		case c == ';':
			return line[:i], false
		}
	}
	return line, inBrace
}

var (
	escapeTag   = strings.NewReplacer(`\\`, "\x01", `\"`, "\x02")
	unescapeTag = strings.NewReplacer("\x01", `\`, "\x02", `"`)
)

func (r *Reader) lexTags(line string) {
	tokens, _ := chess.TokenizeGame(&chess.GameScanned{Raw: escapeTag.Replace(line)})
	for _, ev := range tagEvents(tokens, strings.HasSuffix(line, "]")) {
		if r.open && (r.inMoves || (ev.Key != "" && r.keys[ev.Key])) {
			r.closeGame("")
		}
		if !r.open {
			r.openGame()
		}
		if ev.Key != "" {
			r.keys[ev.Key] = true
		}
		r.emit(ev)
	}
}

// tagEvents groups TagStart..TagEnd runs into Header events. A run without
// both a key and a quoted value, or without its closing bracket, is
// malformed.
func tagEvents(tokens []chess.Token, closed bool) []Event {
	var (
		out  []Event
		cur  *Event
		seen int
	)
	finish := func(ended bool) {
		if cur == nil {
			return
		}
		if !ended || seen != 2 {
			cur.Malformed = true
			cur.Value = strings.TrimSuffix(cur.Value, "]")
		}
		out = append(out, *cur)
		cur = nil
	}
	for _, tok := range tokens {
		switch tok.Type {
		case chess.TagStart:
			finish(false)
			cur = &Event{Kind: Header}
			seen = 0
		case chess.TagKey:
			switch {
			case cur == nil:
			case seen == 0:
				cur.Key = tok.Value
				seen++
			default:
				cur.Malformed = true
			}
		case chess.TagValue:
			switch {
			case cur == nil:
			case seen == 1:
				cur.Value = unescapeTag.Replace(tok.Value)
				seen++
			default:
				cur.Malformed = true
			}
		case chess.TagEnd:
			finish(true)
		default:
			if cur != nil {
				cur.Malformed = true
			}
		}
	}
	finish(false)
	if !closed && len(out) > 0 {
		out[len(out)-1].Malformed = true
	}
	return out
}

func (r *Reader) lexMoves(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	tokens, _ := chess.TokenizeGame(&chess.GameScanned{Raw: text})
	for _, tok := range tokens {
		r.token(tok)
		r.last[0], r.last[1] = r.last[1], tok
	}
	r.flushMove()
}

func (r *Reader) token(tok chess.Token) {
	switch tok.Type {
	case chess.VariationStart:
		r.flushMove()
		r.depth++
		return
	case chess.VariationEnd:
		r.flushMove()
		if r.depth > 0 {
			r.depth--
		}
		return
	}
	if r.depth > 0 {
		return
	}

	if tok.Error != nil {
		if r.move.complete {
			r.flushMove()
		}
		r.move.corrupt(tok.Value)
		return
	}

	switch tok.Type {
	case chess.PIECE, chess.FILE, chess.RANK, chess.DeambiguationSquare:
		if r.move.complete {
			r.flushMove()
		}
		r.move.add(tok.Value)
	case chess.CAPTURE:
		// "Qh4xe1" lexes h4 as a square; the capture reopens the move.
		r.move.add(tok.Value)
		r.move.complete = false
	case chess.SQUARE:
		if r.move.complete {
			r.flushMove()
		}
		r.move.add(tok.Value)
		r.move.complete = true
	case chess.KingsideCastle, chess.QueensideCastle:
		r.flushMove()
		r.move.add(tok.Value)
		r.move.complete = true
	case chess.PROMOTION, chess.PromotionPiece, chess.CHECK, chess.CHECKMATE:
		if !r.move.empty() {
			r.move.add(tok.Value)
		}
	case chess.RESULT:
		r.result(tok.Value)
	case chess.MoveNumber:
		r.flushMove()
		switch {
		case strings.HasPrefix(tok.Value, "0-0"):
			// Zero castling is not lexed as a castle.
			r.move.add(tok.Value)
			r.move.complete = true
		case tok.Value == "2-1/2" && r.last[0].Type == chess.MoveNumber && r.last[0].Value == "1" &&
			r.last[1].Type == chess.Undefined && r.last[1].Value == "/":
			r.result("1/2-1/2")
		}
	default:
		r.flushMove()
	}
}

func (r *Reader) result(value string) {
	r.flushMove()
	if !r.open {
		r.openGame()
	}
	r.closeGame(value)
}

func (r *Reader) flushMove() {
	if r.move.empty() {
		return
	}
	san := r.move.String()
	r.move = moveText{}
	if !r.open {
		r.openGame()
	}
	if !r.inMoves {
		r.emit(Event{Kind: EndHeaders})
		r.inMoves = true
	}
	r.emit(Event{Kind: Move, SAN: san})
}

// moveText reassembles one move from lexer fragments. A corrupt move is
// still reported so the replay rejects it.
type moveText struct {
	sb       strings.Builder
	complete bool
	bad      bool
}

func (m *moveText) add(s string) { m.sb.WriteString(s) }

func (m *moveText) corrupt(s string) {
	m.sb.WriteString(s)
	m.bad = true
}

func (m *moveText) empty() bool { return m.sb.Len() == 0 && !m.bad }

func (m *moveText) String() string { return m.sb.String() }
