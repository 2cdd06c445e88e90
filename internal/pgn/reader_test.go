package pgn

import (
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
)

func collect(t *testing.T, src string) []Event {
	t.Helper()
	r := NewReader(strings.NewReader(src))
	var out []Event
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, ev)
	}
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func moves(events []Event) []string {
	var out []string
	for _, ev := range events {
		if ev.Kind == Move {
			out = append(out, ev.SAN)
		}
	}
	return out
}

func TestReaderSingleGame(t *testing.T) {
	src := `[Event "Casual"]
[White "Alice"]
[Black "Bob"]
[Result "1-0"]

1. e4 e5 2. Nf3 Nc6 3. Bb5 1-0
`
	events := collect(t, src)
	want := []EventKind{BeginGame, Header, Header, Header, Header, EndHeaders, Move, Move, Move, Move, Move, EndGame}
	if got := kinds(events); !reflect.DeepEqual(got, want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	if got := moves(events); !reflect.DeepEqual(got, []string{"e4", "e5", "Nf3", "Nc6", "Bb5"}) {
		t.Fatalf("moves = %v", got)
	}
	if events[2].Key != "White" || events[2].Value != "Alice" {
		t.Fatalf("header = %+v", events[2])
	}
	if last := events[len(events)-1]; last.Result != "1-0" {
		t.Fatalf("result = %q", last.Result)
	}
}

func TestReaderSkipsVariationsCommentsAndNAGs(t *testing.T) {
	src := `[White "A"]

1. e4 {best by test} e5 (1... c5 2. Nf3 (2. c3 d5) d6) 2. Nf3! $1 Nc6?! ; trailing note
3... a6 {multi
line comment} 4. O-O *
`
	events := collect(t, src)
	if got := moves(events); !reflect.DeepEqual(got, []string{"e4", "e5", "Nf3", "Nc6", "a6", "O-O"}) {
		t.Fatalf("moves = %v", got)
	}
	if last := events[len(events)-1]; last.Kind != EndGame || last.Result != "*" {
		t.Fatalf("last event = %+v", last)
	}
}

func TestReaderMultipleGames(t *testing.T) {
	src := `[White "A"]
1. d4 d5 1/2-1/2

[White "B"]
1. c4 0-1
`
	events := collect(t, src)
	var begins, ends int
	var results []string
	for _, ev := range events {
		switch ev.Kind {
		case BeginGame:
			begins++
		case EndGame:
			ends++
			results = append(results, ev.Result)
		}
	}
	if begins != 2 || ends != 2 {
		t.Fatalf("begins=%d ends=%d", begins, ends)
	}
	if !reflect.DeepEqual(results, []string{"1/2-1/2", "0-1"}) {
		t.Fatalf("results = %v", results)
	}
}

func TestReaderHeaderAfterMovesStartsNewGame(t *testing.T) {
	src := `[White "A"]
1. e4 e5
[White "B"]
1. d4
`
	events := collect(t, src)
	want := []EventKind{
		BeginGame, Header, EndHeaders, Move, Move, EndGame,
		BeginGame, Header, EndHeaders, Move, EndGame,
	}
	if got := kinds(events); !reflect.DeepEqual(got, want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	if events[5].Result != "" {
		t.Fatalf("implicit end should carry no result, got %q", events[5].Result)
	}
}

func TestReaderMalformedHeader(t *testing.T) {
	src := `[FEN "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"
1. e4 *
`
	events := collect(t, src)
	if events[1].Kind != Header || !events[1].Malformed {
		t.Fatalf("expected malformed header, got %+v", events[1])
	}
	if got := moves(events); !reflect.DeepEqual(got, []string{"e4"}) {
		t.Fatalf("lexer should resync after bad header, moves = %v", got)
	}
}

func TestReaderEscapedHeaderValue(t *testing.T) {
	events := collect(t, `[Event "The \"Big\" One"]`+"\n1. e4 *\n")
	if events[1].Value != `The "Big" One` {
		t.Fatalf("value = %q", events[1].Value)
	}
}

func TestReaderEscapeLinesAndEmptyInput(t *testing.T) {
	if events := collect(t, ""); len(events) != 0 {
		t.Fatalf("expected no events, got %v", events)
	}
	events := collect(t, "% exported by tool\n[White \"A\"]\n1. e4 *\n")
	if got := moves(events); !reflect.DeepEqual(got, []string{"e4"}) {
		t.Fatalf("moves = %v", got)
	}
}

func TestReaderHeaderOnlyGameBeforeNextHeaders(t *testing.T) {
	src := `[White "A"]
[Black "B"]

[White "C"]
[Black "D"]
1. e4 *
`
	events := collect(t, src)
	want := []EventKind{
		BeginGame, Header, Header, EndHeaders, EndGame,
		BeginGame, Header, Header, EndHeaders, Move, EndGame,
	}
	if got := kinds(events); !reflect.DeepEqual(got, want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	if events[4].Result != "" || events[6].Value != "C" {
		t.Fatalf("split games = %+v", events)
	}
}

func TestReaderReassemblesMoveForms(t *testing.T) {
	src := `[White "A"]

1. e2e4 Nbd7 2. exd5 R1a3 3. Qh4xe1+ e8=Q# 4. 0-0 O-O-O 5. Nf3!? Kxe2 *
`
	want := []string{"e2e4", "Nbd7", "exd5", "R1a3", "Qh4xe1+", "e8=Q#", "0-0", "O-O-O", "Nf3", "Kxe2"}
	if got := moves(collect(t, src)); !reflect.DeepEqual(got, want) {
		t.Fatalf("moves = %v, want %v", got, want)
	}
}

func TestReaderDrawResultAndClockComments(t *testing.T) {
	src := `[Event "Rated Blitz game"]
[Site "https://lichess.org/abcd1234"]

1. e4 { [%clk 0:03:00] } 1... e5 { [%eval 0.2] [%clk 0:02:58] } 2. Nf3 1/2-1/2
`
	events := collect(t, src)
	if got := moves(events); !reflect.DeepEqual(got, []string{"e4", "e5", "Nf3"}) {
		t.Fatalf("moves = %v", got)
	}
	if last := events[len(events)-1]; last.Kind != EndGame || last.Result != "1/2-1/2" {
		t.Fatalf("last event = %+v", last)
	}
}

func TestReaderEventTaggedStream(t *testing.T) {
	src := `[Event "One"]
[Site "https://lichess.org/aaaa1111"]

1. d4 d5 1-0

[Event "Two"]
[Site "https://lichess.org/bbbb2222"]

1. c4 e5 2. Nc3 0-1
`
	events := collect(t, src)
	var sites, results []string
	for _, ev := range events {
		switch {
		case ev.Kind == Header && ev.Key == "Site":
			sites = append(sites, ev.Value)
		case ev.Kind == EndGame:
			results = append(results, ev.Result)
		}
	}
	if !reflect.DeepEqual(results, []string{"1-0", "0-1"}) || len(sites) != 2 {
		t.Fatalf("sites=%v results=%v", sites, results)
	}
	if got := moves(events); !reflect.DeepEqual(got, []string{"d4", "d5", "c4", "e5", "Nc3"}) {
		t.Fatalf("moves = %v", got)
	}
}

func TestReaderCorruptMoveIsReported(t *testing.T) {
	events := collect(t, "[White \"A\"]\n1. e4 Zz9 e5 *\n")
	got := moves(events)
	if len(got) < 2 || got[0] != "e4" || got[1] == "e5" {
		t.Fatalf("corrupt token should surface as a move, got %v", got)
	}
}

func TestTagEventsMalformed(t *testing.T) {
	cases := map[string]bool{
		`[White "A"]`:   false,
		`[White]`:       true,
		`[White "A"`:    true,
		`[White A "B"]`: true,
	}
	for line, want := range cases {
		r := NewReader(strings.NewReader(""))
		r.lexTags(line)
		if len(r.pending) < 2 || r.pending[1].Kind != Header {
			t.Fatalf("%s: events = %+v", line, r.pending)
		}
		if got := r.pending[1].Malformed; got != want {
			t.Fatalf("%s: malformed = %v, want %v", line, got, want)
		}
	}
}
