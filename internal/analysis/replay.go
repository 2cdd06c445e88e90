package analysis

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/corentings/chess/v2/opening"
	"github.com/google/uuid"

	"github.com/park285/chess-hubble/internal/chess/position"
	"github.com/park285/chess-hubble/internal/chess/uci"
	"github.com/park285/chess-hubble/internal/domain"
)

type State int

const (
	AwaitingHeaders State = iota
	ReplayingMoves
	Finished
)

func (s State) String() string {
	switch s {
	case AwaitingHeaders:
		return "awaiting_headers"
	case ReplayingMoves:
		return "replaying_moves"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// Outcome is the terminal result of one game: a record or the reason the
// game was discarded, never both.
type Outcome struct {
	Record *domain.GameRecord
	Err    error
}

// BookLookup reports the first ply of a line that leaves the opening book.
type BookLookup interface {
	BookExit(fen string, moves []string) (int, bool)
}

type ReplayOption func(*Replayer)

func WithBook(b BookLookup) ReplayOption {
	return func(r *Replayer) { r.book = b }
}

func WithClock(now func() time.Time) ReplayOption {
	return func(r *Replayer) { r.now = now }
}

// WithSkip leaves out games whose header id satisfies skip. The check runs
// once the headers are complete, before any move is evaluated.
func WithSkip(skip func(id string) bool) ReplayOption {
	return func(r *Replayer) { r.skip = skip }
}

// Replayer walks one game at a time through header, move and end events.
// All per-game state is reinitialised by BeginGame.
type Replayer struct {
	eval   Evaluator
	policy Policy
	book   BookLookup
	eco    *opening.BookECO
	now    func() time.Time
	skip   func(id string) bool

	state   State
	success bool
	err     error
	model   *position.Model
	record  *domain.GameRecord
	phase   *PhaseTracker
	blunder *BlunderTracker
	counter int
}

func NewReplayer(eval Evaluator, policy Policy, opts ...ReplayOption) *Replayer {
	r := &Replayer{
		eval:    eval,
		policy:  policy,
		eco:     opening.NewBookECO(),
		now:     time.Now,
		state:   Finished,
		model:   position.New(),
		phase:   NewPhaseTracker(policy.Phase),
		blunder: NewBlunderTracker(policy.Blunder),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetEvaluator swaps the engine between games.
func (r *Replayer) SetEvaluator(e Evaluator) { r.eval = e }

func (r *Replayer) State() State { return r.state }

// GameID is the id taken from the headers so far, empty if none.
func (r *Replayer) GameID() string {
	if r.record == nil {
		return ""
	}
	return r.record.ID
}

// Failed reports whether the current game has already been abandoned.
func (r *Replayer) Failed() bool { return !r.success }

func (r *Replayer) BeginGame() {
	r.state = AwaitingHeaders
	r.success = true
	r.err = nil
	r.model = position.New()
	r.record = &domain.GameRecord{}
	r.phase.Reset()
	r.blunder.Reset()
	r.counter = 0
}

// Header applies one header pair. Only a broken FEN header fails the game;
// other unusable values are ignored.
func (r *Replayer) Header(key, value string, malformed bool) {
	if !r.success || r.state != AwaitingHeaders {
		return
	}
	value = strings.TrimSpace(value)
	switch key {
	case "FEN":
		if malformed {
			r.fail(fmt.Errorf("%w: unterminated FEN header", ErrMalformedHeader))
			return
		}
		if err := r.model.Reset(value); err != nil {
			r.fail(fmt.Errorf("%w: %v", ErrMalformedHeader, err))
			return
		}
		r.record.StartFEN = r.model.StartFEN()
	case "White":
		r.record.White = value
	case "Black":
		r.record.Black = value
	case "WhiteElo":
		r.record.WhiteRating = parseRating(value)
	case "BlackElo":
		r.record.BlackRating = parseRating(value)
	case "Result":
		r.record.Result = value
	case "ECO":
		if value != "" && value != "?" {
			r.record.OpeningCode = value
		}
	case "Site", "LichessURL":
		if id := gameIDFromURL(value); id != "" {
			r.record.ID = id
		}
	}
}

// EndHeaders moves to move replay. It returns false when the rest of the
// game should be skipped.
func (r *Replayer) EndHeaders() bool {
	if r.state == AwaitingHeaders {
		r.state = ReplayingMoves
		if r.success && r.skip != nil && r.record.ID != "" && r.skip(r.record.ID) {
			r.fail(ErrSkipped)
		}
	}
	return r.success
}

// Move applies a mainline move and evaluates the resulting position.
// Moves after a failure are ignored and return nil.
func (r *Replayer) Move(ctx context.Context, san string) error {
	if !r.success {
		return nil
	}
	if r.state == AwaitingHeaders {
		r.state = ReplayingMoves
	}
	if r.state != ReplayingMoves {
		return nil
	}

	mv, err := r.model.Apply(san)
	if err != nil {
		err = fmt.Errorf("%w: ply %d: %v", ErrIllegalMove, r.counter, err)
		r.fail(err)
		return err
	}

	score, err := r.eval.Evaluate(ctx, uci.EvalRequest{
		FEN:   r.model.StartFEN(),
		Moves: r.model.MovesUCI(),
	})
	if err != nil {
		engErr := &EngineError{Ply: r.counter, Err: err}
		r.fail(engErr)
		return engErr
	}
	if !r.model.WhiteToMove() {
		score = score.Negate()
	}

	r.record.Moves = append(r.record.Moves, mv.UCI)
	r.record.MovesSAN = append(r.record.MovesSAN, mv.SAN)
	r.record.Scores = append(r.record.Scores, score)
	r.phase.Observe(r.counter, r.model.Occupancy())
	r.blunder.Observe(r.counter, score)
	r.counter++
	return nil
}

// EndGame finalises the current game. result is the terminating token, used
// when no Result header was seen.
func (r *Replayer) EndGame(result string) Outcome {
	r.state = Finished
	if !r.success {
		return Outcome{Err: r.err}
	}

	rec := r.record
	if rec.Result == "" {
		rec.Result = result
	}
	if rec.Result == "" {
		rec.Result = "*"
	}
	switch rec.Result {
	case "1-0":
		rec.Winner = rec.White
	case "0-1":
		rec.Winner = rec.Black
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.OpeningCode == "" && r.eco != nil && r.model.Ply() > 0 {
		if eco := r.eco.Find(r.model.Moves()); eco != nil {
			rec.OpeningCode = eco.Code()
		}
	}
	if r.book != nil && len(rec.Moves) > 0 {
		if ply, ok := r.book.BookExit(rec.StartFEN, rec.Moves); ok {
			rec.BookExit = intPtr(ply)
		}
	}
	if rec.Moves == nil {
		rec.Moves = []string{}
		rec.Scores = []domain.Score{}
	}

	rec.MiddleGame, rec.EndGame = r.phase.Boundaries()
	rec.Blunders = Bucket(r.blunder.Flagged(), rec.MiddleGame, rec.EndGame)
	rec.AnalysedAt = r.now().UTC()
	r.record = nil
	return Outcome{Record: rec}
}

func (r *Replayer) fail(err error) {
	if r.success {
		r.success = false
		r.err = err
	}
}

// IsEngineFailure reports whether err requires the engine to be replaced.
func IsEngineFailure(err error) bool {
	var engErr *EngineError
	return errors.As(err, &engErr)
}

func parseRating(v string) *int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return nil
	}
	return &n
}

// gameIDFromURL returns the first path segment of a game URL
// ("https://lichess.org/abcd1234" gives "abcd1234").
func gameIDFromURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "?" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	for _, seg := range strings.Split(u.Path, "/") {
		if seg != "" {
			return seg
		}
	}
	return ""
}
