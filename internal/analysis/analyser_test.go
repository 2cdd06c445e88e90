package analysis

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/park285/chess-hubble/internal/chess/openingbook"
	"github.com/park285/chess-hubble/internal/chess/position"
	"github.com/park285/chess-hubble/internal/chess/uci"
	"github.com/park285/chess-hubble/internal/domain"
)

const threeGames = `[Site "https://lichess.org/game0001"]
[White "Alice"]
[Black "Bob"]
[Result "1-0"]

1. e4 e5 2. Nf3 (2. f4 exf4) Nc6 3. Bb5 1-0

[Site "https://lichess.org/game0002"]
[FEN "garbage"]

1. d4 d5 *

[Site "https://lichess.org/game0003"]
[White "Bob"]
[Black "Alice"]
[Result "0-1"]

1. e4 c5 2. Nf3 0-1
`

func collectOutcomes(t *testing.T, a *Analyser, src string) []Outcome {
	t.Helper()
	var outs []Outcome
	err := a.Run(context.Background(), strings.NewReader(src), func(o Outcome) error {
		outs = append(outs, o)
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return outs
}

func TestAnalyserRunRecoversPerGame(t *testing.T) {
	prov := &fakeProvider{make: func(int) *fakeEvaluator { return newFakeEvaluator(25) }}
	a := NewAnalyser(prov, DefaultPolicy())

	outs := collectOutcomes(t, a, threeGames)
	if len(outs) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outs))
	}
	if outs[0].Err != nil || outs[0].Record.ID != "game0001" || len(outs[0].Record.Moves) != 5 {
		t.Fatalf("first game: %+v", outs[0])
	}
	var gameErr *GameError
	if !errors.As(outs[1].Err, &gameErr) || gameErr.Ordinal != 2 || gameErr.ID != "game0002" {
		t.Fatalf("second game should fail with a GameError, got %v", outs[1].Err)
	}
	if !errors.Is(outs[1].Err, ErrMalformedHeader) {
		t.Fatalf("second game error = %v", outs[1].Err)
	}
	if outs[2].Err != nil || outs[2].Record.Winner != "Alice" {
		t.Fatalf("third game: %+v", outs[2])
	}
	if prov.acquired != 1 || len(prov.released) != 1 || prov.released[0] != nil {
		t.Fatalf("one healthy session expected: acquired=%d released=%v", prov.acquired, prov.released)
	}
}

func TestAnalyserReplacesSessionAfterEngineFailure(t *testing.T) {
	prov := &fakeProvider{make: func(n int) *fakeEvaluator {
		e := newFakeEvaluator(25)
		if n == 0 {
			e.failAt = 2
			e.err = fmt.Errorf("%w: output closed", uci.ErrProtocol)
		}
		return e
	}}
	a := NewAnalyser(prov, DefaultPolicy())

	outs := collectOutcomes(t, a, threeGames)
	if len(outs) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outs))
	}
	if outs[0].Record != nil || !errors.Is(outs[0].Err, uci.ErrProtocol) {
		t.Fatalf("first game should be discarded on engine failure: %+v", outs[0])
	}
	if outs[2].Err != nil {
		t.Fatalf("stream should continue on a fresh session: %v", outs[2].Err)
	}
	if prov.acquired != 2 {
		t.Fatalf("expected a replacement session, acquired=%d", prov.acquired)
	}
	if len(prov.released) != 2 || !errors.Is(prov.released[0], uci.ErrProtocol) || prov.released[1] != nil {
		t.Fatalf("released = %v", prov.released)
	}
}

func TestAnalyserStopsOnEmitError(t *testing.T) {
	prov := &fakeProvider{make: func(int) *fakeEvaluator { return newFakeEvaluator(25) }}
	a := NewAnalyser(prov, DefaultPolicy())
	stop := errors.New("stop")
	calls := 0
	err := a.Run(context.Background(), strings.NewReader(threeGames), func(Outcome) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestAnalyserHonoursCancellation(t *testing.T) {
	prov := &fakeProvider{make: func(int) *fakeEvaluator { return newFakeEvaluator(25) }}
	a := NewAnalyser(prov, DefaultPolicy())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := a.Run(ctx, strings.NewReader(threeGames), func(Outcome) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestAnalyserRunGamesKeepsInputOrder(t *testing.T) {
	prov := &fakeProvider{make: func(int) *fakeEvaluator { return newFakeEvaluator(10) }}
	a := NewAnalyser(prov, DefaultPolicy())

	texts := []string{
		"[Site \"https://lichess.org/aaaa\"]\n1. e4 e5 *\n",
		"[Site \"https://lichess.org/bbbb\"]\n1. d4 *\n",
		"[Site \"https://lichess.org/cccc\"]\n1. c4 e5 2. Nc3 *\n",
	}
	outs, err := a.RunGames(context.Background(), texts, 2)
	if err != nil {
		t.Fatalf("RunGames: %v", err)
	}
	if len(outs) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outs))
	}
	for i, want := range []string{"aaaa", "bbbb", "cccc"} {
		if outs[i].Record == nil || outs[i].Record.ID != want {
			t.Fatalf("outcome %d = %+v, want id %s", i, outs[i], want)
		}
	}
	if prov.acquired != 3 {
		t.Fatalf("each text should hold its own session, acquired=%d", prov.acquired)
	}
}

func statsCatalogue() *openingbook.Catalogue {
	return openingbook.NewCatalogue([]domain.Opening{
		{ID: 1, Code: "C60", Name: "Ruy Lopez", PGN: "1. e4 e5 2. Nf3 Nc6 3. Bb5"},
		{ID: 2, Code: "B27", Name: "Sicilian Defense", PGN: "1. e4 c5 2. Nf3"},
	})
}

func TestOpeningStatsTally(t *testing.T) {
	s := NewOpeningStats("Alice", AnyColour, statsCatalogue(), 1)
	ruy := []string{"e2e4", "e7e5", "g1f3", "b8c6", "f1b5"}
	sicilian := []string{"e2e4", "c7c5", "g1f3"}

	s.Add("Alice", "Bob", "1-0", "C60", ruy)
	s.Add("Carol", "Alice", "1-0", "C60", ruy)
	s.Add("Alice", "Dave", "1/2-1/2", "C60", ruy)
	s.Add("Bob", "Alice", "0-1", "B27", sicilian)
	if s.Add("Bob", "Carol", "1-0", "C60", ruy) {
		t.Fatalf("game without the player must be ignored")
	}
	if s.Add("Alice", "Bob", "*", "C60", ruy) {
		t.Fatalf("unfinished game must be ignored")
	}

	rank := s.Ranking(1)
	if len(rank) != 2 || rank[0].Name != "Sicilian Defense" || rank[0].WinRate != 1 {
		t.Fatalf("ranking = %+v", rank)
	}
	if rank[0].Result != (OpeningResult{Won: 1}) {
		t.Fatalf("Sicilian = %+v", rank[0].Result)
	}
	if rank[1].Result != (OpeningResult{Won: 1, Tie: 1, Lost: 1}) {
		t.Fatalf("Ruy Lopez = %+v", rank[1].Result)
	}
	if rank := s.Ranking(2); len(rank) != 1 || rank[0].Name != "Ruy Lopez" {
		t.Fatalf("min games filter = %+v", rank)
	}
}

func TestOpeningStatsColourFilter(t *testing.T) {
	s := NewOpeningStats("Alice", BlackOnly, statsCatalogue(), 1)
	ruy := []string{"e2e4", "e7e5", "g1f3", "b8c6", "f1b5"}
	if s.Add("Alice", "Bob", "1-0", "C60", ruy) {
		t.Fatalf("white game must be filtered out")
	}
	if !s.Add("Bob", "Alice", "1-0", "C60", ruy) {
		t.Fatalf("black game should count")
	}
	if rank := s.Ranking(1); len(rank) != 1 || rank[0].Result.Lost != 1 {
		t.Fatalf("ranking = %+v", rank)
	}
}

func TestOpeningStatsAddRecord(t *testing.T) {
	s := NewOpeningStats("Alice", AnyColour, statsCatalogue(), 1)
	ruy := []string{"e2e4", "e7e5", "g1f3", "b8c6", "f1b5"}
	if !s.AddRecord(&domain.GameRecord{White: "Alice", Black: "Bob", Result: "1-0", Moves: ruy}) {
		t.Fatalf("record should count")
	}
	if s.AddRecord(&domain.GameRecord{White: "Alice", Black: "Bob", Result: "1-0", StartFEN: "4k3/8/8/8/8/8/8/4K3 w - - 0 1", Moves: []string{"e1e2"}}) {
		t.Fatalf("records from a custom start must be ignored")
	}
	if s.AddRecord(nil) {
		t.Fatalf("nil record counted")
	}
	if rank := s.Ranking(1); len(rank) != 1 || rank[0].Result.Won != 1 {
		t.Fatalf("ranking = %+v", rank)
	}
}

func TestParseColour(t *testing.T) {
	if c, err := ParseColour("white"); err != nil || c != WhiteOnly {
		t.Fatalf("white: %v %v", c, err)
	}
	if _, err := ParseColour("purple"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestOpeningTree(t *testing.T) {
	tree := NewOpeningTree(0)
	if err := tree.AddGame("", []string{"e4", "e5", "Nf3"}); err != nil {
		t.Fatalf("AddGame: %v", err)
	}
	if err := tree.AddGame("", []string{"e2e4", "c7c5"}); err != nil {
		t.Fatalf("AddGame: %v", err)
	}
	if err := tree.AddGame("", []string{"d4"}); err != nil {
		t.Fatalf("AddGame: %v", err)
	}

	start := position.New().EPD()
	moves := tree.Moves(start)
	if len(moves) != 2 || moves[0] != (MoveCount{Move: "e2e4", Count: 2}) || moves[1].Move != "d2d4" {
		t.Fatalf("start moves = %+v", moves)
	}

	m := position.New()
	if _, err := m.Apply("e4"); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	replies := tree.Moves(m.EPD())
	if len(replies) != 2 || replies[0].Move != "c7c5" || replies[1].Move != "e7e5" {
		t.Fatalf("replies = %+v", replies)
	}
	if tree.Games() != 3 {
		t.Fatalf("games = %d", tree.Games())
	}
}

func TestOpeningTreeMaxPly(t *testing.T) {
	tree := NewOpeningTree(1)
	if err := tree.AddGame("", []string{"e4", "e5"}); err != nil {
		t.Fatalf("AddGame: %v", err)
	}
	m := position.New()
	_, _ = m.Apply("e4")
	if got := tree.Moves(m.EPD()); len(got) != 0 {
		t.Fatalf("moves past max ply recorded: %+v", got)
	}
	if err := tree.AddGame("", []string{"e4", "Ke3"}); err != nil {
		t.Fatalf("illegal move beyond max ply must be ignored: %v", err)
	}
}

func TestAnalyserSkipsKnownGames(t *testing.T) {
	var evaluated *fakeEvaluator
	prov := &fakeProvider{make: func(int) *fakeEvaluator {
		evaluated = newFakeEvaluator(25)
		return evaluated
	}}
	a := NewAnalyser(prov, DefaultPolicy())
	var outs []Outcome
	err := a.Run(context.Background(), strings.NewReader(threeGames), func(o Outcome) error {
		outs = append(outs, o)
		return nil
	}, WithSkip(func(id string) bool { return id == "game0001" }))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !errors.Is(outs[0].Err, ErrSkipped) {
		t.Fatalf("known game should be skipped, got %+v", outs[0])
	}
	if outs[2].Record == nil {
		t.Fatalf("unknown game should be analysed")
	}
	// Only the third game's three moves reach the engine.
	if evaluated.calls != 3 {
		t.Fatalf("engine calls = %d, want 3", evaluated.calls)
	}
}

func TestOpeningTreeFromPGN(t *testing.T) {
	tree := NewOpeningTree(2)
	n, err := tree.AddPGN(strings.NewReader(threeGames))
	if err != nil {
		t.Fatalf("AddPGN: %v", err)
	}
	if n != 2 {
		t.Fatalf("added %d games, want 2", n)
	}
	m := position.New()
	_, _ = m.Apply("e4")
	replies := tree.Moves(m.EPD())
	if len(replies) != 2 || replies[0].Move != "c7c5" || replies[1].Move != "e7e5" {
		t.Fatalf("replies = %+v", replies)
	}
}

func TestOpeningTreeMainLine(t *testing.T) {
	tree := NewOpeningTree(0)
	for _, g := range [][]string{{"e4", "e5", "Nf3"}, {"e4", "c5"}, {"d4"}} {
		if err := tree.AddGame("", g); err != nil {
			t.Fatalf("AddGame: %v", err)
		}
	}
	line, err := tree.MainLine("", 0)
	if err != nil {
		t.Fatalf("MainLine: %v", err)
	}
	want := []MoveCount{{Move: "e2e4", Count: 2}, {Move: "c7c5", Count: 1}}
	if !reflect.DeepEqual(line, want) {
		t.Fatalf("main line = %+v", line)
	}
	if line, _ := tree.MainLine("", 1); len(line) != 1 {
		t.Fatalf("limited main line = %+v", line)
	}
}

func TestOpeningTreeMainLineFollowsKnightMoves(t *testing.T) {
	tree := NewOpeningTree(0)
	for i := 0; i < 3; i++ {
		if err := tree.AddGame("", []string{"e4", "e5", "Nf3", "Nc6", "Bb5"}); err != nil {
			t.Fatalf("AddGame: %v", err)
		}
	}
	line, err := tree.MainLine("", 0)
	if err != nil {
		t.Fatalf("MainLine: %v", err)
	}
	want := []string{"e2e4", "e7e5", "g1f3", "b8c6", "f1b5"}
	if len(line) != len(want) {
		t.Fatalf("main line = %+v, want %d plies", line, len(want))
	}
	for i, mc := range line {
		if mc.Move != want[i] || mc.Count != 3 {
			t.Fatalf("ply %d = %+v, want %s x3", i, mc, want[i])
		}
	}
}

func TestOpeningTreeAddGameCoordinates(t *testing.T) {
	tree := NewOpeningTree(0)
	if err := tree.AddGame("", []string{"e2e4", "e7e5", "g1f3", "b8c6", "f1c4"}); err != nil {
		t.Fatalf("AddGame: %v", err)
	}
	m := position.New()
	for _, tok := range []string{"e4", "e5"} {
		if _, err := m.Apply(tok); err != nil {
			t.Fatalf("Apply %s: %v", tok, err)
		}
	}
	if got := tree.Moves(m.EPD()); len(got) != 1 || got[0].Move != "g1f3" {
		t.Fatalf("moves after 1. e4 e5 = %+v", got)
	}
	if _, err := m.Apply("Nf3"); err != nil {
		t.Fatalf("Apply Nf3: %v", err)
	}
	if got := tree.Moves(m.EPD()); len(got) != 1 || got[0].Move != "b8c6" {
		t.Fatalf("moves after 2. Nf3 = %+v", got)
	}
}

type closingEvaluator struct {
	*fakeEvaluator
	closed *atomic.Int32
}

func (c closingEvaluator) Close() error {
	c.closed.Add(1)
	return nil
}

func TestQueueProviderOpensOneQueuePerWorker(t *testing.T) {
	var opened, closed atomic.Int32
	var (
		mu   sync.Mutex
		seen = make(map[*fakeEvaluator]bool)
	)
	prov := FromQueue(func(context.Context) (EngineQueue, error) {
		opened.Add(1)
		e := newFakeEvaluator(10)
		mu.Lock()
		seen[e] = true
		mu.Unlock()
		return closingEvaluator{fakeEvaluator: e, closed: &closed}, nil
	})
	a := NewAnalyser(prov, DefaultPolicy())

	texts := []string{
		"[Site \"https://lichess.org/aaaa\"]\n1. e4 e5 *\n",
		"[Site \"https://lichess.org/bbbb\"]\n1. d4 *\n",
		"[Site \"https://lichess.org/cccc\"]\n1. c4 e5 2. Nc3 *\n",
	}
	outs, err := a.RunGames(context.Background(), texts, 3)
	if err != nil {
		t.Fatalf("RunGames: %v", err)
	}
	for i, o := range outs {
		if o.Err != nil {
			t.Fatalf("outcome %d: %v", i, o.Err)
		}
	}
	if opened.Load() != 3 || len(seen) != 3 {
		t.Fatalf("opened %d queues for 3 texts", opened.Load())
	}
	if closed.Load() != opened.Load() {
		t.Fatalf("closed %d of %d queues", closed.Load(), opened.Load())
	}
	for e := range seen {
		if e.newGames != 1 {
			t.Fatalf("queue shared between texts: %d games", e.newGames)
		}
	}
}

func TestQueueProviderWithoutOpener(t *testing.T) {
	if _, err := FromQueue(nil).Acquire(context.Background()); err == nil {
		t.Fatalf("expected error without opener")
	}
}
