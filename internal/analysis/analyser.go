package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/park285/chess-hubble/internal/obslog"
	"github.com/park285/chess-hubble/internal/pgn"
)

// Analyser drives PGN streams through a Replayer, borrowing engines from a
// SessionProvider.
type Analyser struct {
	provider SessionProvider
	policy   Policy
	opts     []ReplayOption
}

func NewAnalyser(provider SessionProvider, policy Policy, opts ...ReplayOption) *Analyser {
	return &Analyser{provider: provider, policy: policy, opts: opts}
}

func (a *Analyser) Policy() Policy { return a.policy }

// Run replays every game in r and hands each Outcome to emit. A failed game
// is reported and skipped; Run only stops on read errors, context
// cancellation, an engine that cannot be acquired, or an emit error.
// opts apply to this call only, after the analyser's own.
func (a *Analyser) Run(ctx context.Context, r io.Reader, emit func(Outcome) error, opts ...ReplayOption) error {
	lex := pgn.NewReader(r)
	all := append(append([]ReplayOption(nil), a.opts...), opts...)
	rp := NewReplayer(nil, a.policy, all...)
	logger := obslog.L()

	var eval Evaluator
	defer func() {
		if eval != nil {
			a.provider.Release(eval, nil)
		}
	}()

	ordinal := 0
	inGame := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ev, err := lex.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read pgn: %w", err)
		}

		switch ev.Kind {
		case pgn.BeginGame:
			ordinal++
			inGame = true
			if eval, err = a.ready(ctx, eval); err != nil {
				return err
			}
			rp.SetEvaluator(eval)
			rp.BeginGame()
		case pgn.Header:
			if inGame {
				rp.Header(ev.Key, ev.Value, ev.Malformed)
			}
		case pgn.EndHeaders:
			if inGame {
				rp.EndHeaders()
			}
		case pgn.Move:
			if !inGame {
				continue
			}
			if err := rp.Move(ctx, ev.SAN); err != nil && IsEngineFailure(err) {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				logger.Warn("engine_session_replaced", zap.Int("game", ordinal), zap.Error(err))
				a.provider.Release(eval, err)
				eval = nil
			}
		case pgn.EndGame:
			if !inGame {
				continue
			}
			inGame = false
			id := rp.GameID()
			out := rp.EndGame(ev.Result)
			switch {
			case errors.Is(out.Err, ErrSkipped):
				out.Err = &GameError{Ordinal: ordinal, ID: id, Err: out.Err}
				logger.Debug("game_skipped", zap.Int("game", ordinal), zap.String("id", id))
			case out.Err != nil:
				out.Err = &GameError{Ordinal: ordinal, ID: id, Err: out.Err}
				logger.Warn("game_discarded", zap.Int("game", ordinal), zap.String("id", id), zap.Error(out.Err))
			default:
				logger.Info("game_analysed",
					zap.Int("game", ordinal),
					zap.String("id", out.Record.ID),
					zap.Int("moves", len(out.Record.Moves)),
					zap.Int("blunders", out.Record.Blunders.Total()),
				)
			}
			if err := emit(out); err != nil {
				return err
			}
		}
	}
}

// ready returns a usable evaluator, acquiring one when the previous was
// released, and resets its engine state for a new game.
func (a *Analyser) ready(ctx context.Context, eval Evaluator) (Evaluator, error) {
	for attempt := 0; attempt < 2; attempt++ {
		if eval == nil {
			e, err := a.provider.Acquire(ctx)
			if err != nil {
				return nil, fmt.Errorf("acquire engine: %w", err)
			}
			eval = e
		}
		err := eval.NewGame(ctx)
		if err == nil {
			return eval, nil
		}
		if ctx.Err() != nil {
			a.provider.Release(eval, nil)
			return nil, ctx.Err()
		}
		a.provider.Release(eval, err)
		eval = nil
		if attempt == 1 {
			return nil, fmt.Errorf("prepare engine: %w", err)
		}
	}
	return nil, fmt.Errorf("prepare engine: no attempts left")
}

// RunGames analyses independent PGN texts concurrently, one engine per
// worker. Outcomes come back in input order.
func (a *Analyser) RunGames(ctx context.Context, texts []string, workers int) ([]Outcome, error) {
	if workers <= 0 {
		workers = 1
	}
	results := make([][]Outcome, len(texts))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, text := range texts {
		g.Go(func() error {
			var outs []Outcome
			err := a.Run(gctx, strings.NewReader(text), func(o Outcome) error {
				outs = append(outs, o)
				return nil
			})
			mu.Lock()
			results[i] = outs
			mu.Unlock()
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var flat []Outcome
	for _, outs := range results {
		flat = append(flat, outs...)
	}
	return flat, nil
}
