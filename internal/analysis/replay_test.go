package analysis

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/park285/chess-hubble/internal/chess/uci"
	"github.com/park285/chess-hubble/internal/domain"
)

// fakeEvaluator returns scripted side-to-move scores and can fail on a
// given call.
type fakeEvaluator struct {
	scores []domain.Score
	failAt int
	err    error

	mu       sync.Mutex
	calls    int
	newGames int
	requests []uci.EvalRequest
}

func newFakeEvaluator(scores ...domain.Score) *fakeEvaluator {
	return &fakeEvaluator{scores: scores, failAt: -1}
}

func (f *fakeEvaluator) Evaluate(_ context.Context, req uci.EvalRequest) (domain.Score, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := f.calls
	f.calls++
	f.requests = append(f.requests, req)
	if call == f.failAt {
		return 0, f.err
	}
	if len(f.scores) == 0 {
		return 0, nil
	}
	return f.scores[call%len(f.scores)], nil
}

func (f *fakeEvaluator) NewGame(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.newGames++
	return nil
}

type fakeProvider struct {
	mu       sync.Mutex
	make     func(n int) *fakeEvaluator
	acquired int
	released []error
}

func (p *fakeProvider) Acquire(context.Context) (Evaluator, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.make(p.acquired)
	p.acquired++
	return e, nil
}

func (p *fakeProvider) Release(_ Evaluator, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, err)
}

var fixedClock = WithClock(func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) })

func replayGame(t *testing.T, rp *Replayer, headers map[string]string, moves ...string) Outcome {
	t.Helper()
	rp.BeginGame()
	for k, v := range headers {
		rp.Header(k, v, false)
	}
	rp.EndHeaders()
	for _, mv := range moves {
		_ = rp.Move(context.Background(), mv)
	}
	return rp.EndGame("")
}

func TestReplayerRecordsMovesAndScores(t *testing.T) {
	eval := newFakeEvaluator(30)
	rp := NewReplayer(eval, DefaultPolicy(), fixedClock)

	out := replayGame(t, rp, map[string]string{
		"White":    "Alice",
		"Black":    "Bob",
		"WhiteElo": "1850",
		"BlackElo": "?",
		"Result":   "0-1",
		"Site":     "https://lichess.org/AbCd1234",
		"ECO":      "C60",
	}, "e4", "e5", "Nf3", "Nc6", "Bb5")

	if out.Err != nil {
		t.Fatalf("unexpected error: %v", out.Err)
	}
	rec := out.Record
	if len(rec.Moves) != 5 || len(rec.Scores) != len(rec.Moves) || len(rec.MovesSAN) != 5 {
		t.Fatalf("moves=%v scores=%v", rec.Moves, rec.Scores)
	}
	if strings.Join(rec.Moves, " ") != "e2e4 e7e5 g1f3 b8c6 f1b5" {
		t.Fatalf("moves = %v", rec.Moves)
	}
	// Black to move after White's moves, so the engine's view is negated.
	want := []domain.Score{-30, 30, -30, 30, -30}
	for i := range want {
		if rec.Scores[i] != want[i] {
			t.Fatalf("scores = %v, want %v", rec.Scores, want)
		}
	}
	if rec.ID != "AbCd1234" || rec.OpeningCode != "C60" {
		t.Fatalf("id=%q eco=%q", rec.ID, rec.OpeningCode)
	}
	if rec.WhiteRating == nil || *rec.WhiteRating != 1850 || rec.BlackRating != nil {
		t.Fatalf("ratings = %v/%v", rec.WhiteRating, rec.BlackRating)
	}
	if rec.Winner != "Bob" || rec.Result != "0-1" {
		t.Fatalf("winner=%q result=%q", rec.Winner, rec.Result)
	}
	if !rec.AnalysedAt.Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("analysed at = %v", rec.AnalysedAt)
	}
	if rp.State() != Finished {
		t.Fatalf("state = %v", rp.State())
	}

	last := eval.requests[len(eval.requests)-1]
	if last.FEN != "" || strings.Join(last.Moves, " ") != "e2e4 e7e5 g1f3 b8c6 f1b5" {
		t.Fatalf("last request = %+v", last)
	}
}

func TestReplayerFlagsBlunders(t *testing.T) {
	// White-relative scores 20, 15, -400 after the sign flip.
	eval := newFakeEvaluator(-20, 15, 400)
	rp := NewReplayer(eval, DefaultPolicy(), fixedClock)
	out := replayGame(t, rp, nil, "e4", "e5", "Qh5")
	if out.Err != nil {
		t.Fatalf("unexpected error: %v", out.Err)
	}
	if got := out.Record.Scores; got[0] != 20 || got[1] != 15 || got[2] != -400 {
		t.Fatalf("scores = %v", got)
	}
	if !reflect.DeepEqual(out.Record.Blunders.Opening, []int{2}) {
		t.Fatalf("blunders = %+v", out.Record.Blunders)
	}
}

func TestReplayerIllegalMoveDiscardsGame(t *testing.T) {
	eval := newFakeEvaluator(10)
	rp := NewReplayer(eval, DefaultPolicy())
	out := replayGame(t, rp, nil, "e4", "e5", "Ke3", "Nf3")
	if out.Record != nil {
		t.Fatalf("failed game must not yield a record")
	}
	if !errors.Is(out.Err, ErrIllegalMove) {
		t.Fatalf("expected ErrIllegalMove, got %v", out.Err)
	}
	if eval.calls != 2 {
		t.Fatalf("moves after the failure must not be evaluated, calls=%d", eval.calls)
	}
}

func TestReplayerMalformedFEN(t *testing.T) {
	eval := newFakeEvaluator(10)
	rp := NewReplayer(eval, DefaultPolicy())

	rp.BeginGame()
	rp.Header("FEN", "not a fen", false)
	rp.Header("White", "Alice", false)
	if rp.EndHeaders() {
		t.Fatalf("EndHeaders should ask to skip the game")
	}
	_ = rp.Move(context.Background(), "e4")
	out := rp.EndGame("*")
	if !errors.Is(out.Err, ErrMalformedHeader) || out.Record != nil {
		t.Fatalf("expected malformed header, got %+v", out)
	}
	if eval.calls != 0 {
		t.Fatalf("no evaluation expected, calls=%d", eval.calls)
	}

	rp.BeginGame()
	rp.Header("FEN", "8/8/8/8/8/8/4K3/4k3 w - - 0 1", true)
	if out := rp.EndGame("*"); !errors.Is(out.Err, ErrMalformedHeader) {
		t.Fatalf("unterminated FEN header should fail, got %v", out.Err)
	}
}

func TestReplayerCustomStartPosition(t *testing.T) {
	eval := newFakeEvaluator(50)
	rp := NewReplayer(eval, DefaultPolicy())
	fen := "4k3/8/8/8/8/8/4P3/4K3 w - - 0 1"
	out := replayGame(t, rp, map[string]string{"FEN": fen}, "e4")
	if out.Err != nil {
		t.Fatalf("unexpected error: %v", out.Err)
	}
	if out.Record.StartFEN != fen || eval.requests[0].FEN != fen {
		t.Fatalf("start fen not carried: record=%q request=%q", out.Record.StartFEN, eval.requests[0].FEN)
	}
}

func TestReplayerEngineFailure(t *testing.T) {
	eval := newFakeEvaluator(10)
	eval.failAt = 1
	eval.err = fmt.Errorf("%w: %w", uci.ErrProtocol, uci.ErrTimeout)
	rp := NewReplayer(eval, DefaultPolicy())

	rp.BeginGame()
	rp.EndHeaders()
	if err := rp.Move(context.Background(), "e4"); err != nil {
		t.Fatalf("first move: %v", err)
	}
	err := rp.Move(context.Background(), "e5")
	if !IsEngineFailure(err) || !errors.Is(err, uci.ErrProtocol) {
		t.Fatalf("expected engine failure, got %v", err)
	}
	if err := rp.Move(context.Background(), "Nf3"); err != nil {
		t.Fatalf("moves after failure are skipped silently, got %v", err)
	}
	out := rp.EndGame("*")
	if out.Record != nil || !errors.Is(out.Err, uci.ErrTimeout) {
		t.Fatalf("expected discarded game, got %+v", out)
	}
}

func TestReplayerFillsMissingIDAndResult(t *testing.T) {
	rp := NewReplayer(newFakeEvaluator(0), DefaultPolicy())
	rp.BeginGame()
	rp.Header("Result", "1-0", false)
	rp.Header("White", "Late Header", false)
	rp.EndHeaders()
	out := rp.EndGame("")
	if out.Err != nil {
		t.Fatalf("unexpected error: %v", out.Err)
	}
	if out.Record.ID == "" {
		t.Fatalf("missing id should be generated")
	}
	if out.Record.Winner != "Late Header" {
		t.Fatalf("winner should not depend on header order, got %q", out.Record.Winner)
	}
	if out.Record.Moves == nil || out.Record.Scores == nil {
		t.Fatalf("empty game should have empty, not nil, lists")
	}

	rp.BeginGame()
	rp.EndHeaders()
	if out := rp.EndGame("1/2-1/2"); out.Record.Result != "1/2-1/2" || out.Record.Winner != "" {
		t.Fatalf("result token fallback: %+v", out.Record)
	}
}

func TestReplayerDerivesECOWhenMissing(t *testing.T) {
	rp := NewReplayer(newFakeEvaluator(0), DefaultPolicy())
	out := replayGame(t, rp, nil, "e4", "e5", "Nf3", "Nc6", "Bb5")
	if out.Err != nil {
		t.Fatalf("unexpected error: %v", out.Err)
	}
	if !strings.HasPrefix(out.Record.OpeningCode, "C") {
		t.Fatalf("expected an ECO code from the book, got %q", out.Record.OpeningCode)
	}
}

type stubBook struct{ exit int }

func (b stubBook) BookExit(string, []string) (int, bool) { return b.exit, true }

func TestReplayerBookExit(t *testing.T) {
	rp := NewReplayer(newFakeEvaluator(0), DefaultPolicy(), WithBook(stubBook{exit: 3}))
	out := replayGame(t, rp, nil, "e4", "e5")
	if out.Record.BookExit == nil || *out.Record.BookExit != 3 {
		t.Fatalf("book exit = %v", out.Record.BookExit)
	}
}

func TestGameIDFromURL(t *testing.T) {
	cases := map[string]string{
		"https://lichess.org/AbCd1234":       "AbCd1234",
		"https://lichess.org/AbCd1234/black": "AbCd1234",
		"?":                                  "",
		"not a url":                          "",
	}
	for in, want := range cases {
		if got := gameIDFromURL(in); got != want {
			t.Fatalf("gameIDFromURL(%q) = %q, want %q", in, got, want)
		}
	}
}
