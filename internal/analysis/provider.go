package analysis

import (
	"context"
	"fmt"

	"github.com/park285/chess-hubble/internal/chess/uci"
	"github.com/park285/chess-hubble/internal/domain"
)

// Evaluator scores a position for the side to move. *uci.Session and
// *uci.Queue both satisfy it.
type Evaluator interface {
	Evaluate(ctx context.Context, req uci.EvalRequest) (domain.Score, error)
	NewGame(ctx context.Context) error
}

// SessionProvider lends evaluators to replays. Release with a non-nil error
// tells the provider the evaluator must not be handed out again.
type SessionProvider interface {
	Acquire(ctx context.Context) (Evaluator, error)
	Release(e Evaluator, err error)
}

type poolProvider struct {
	pool *uci.Pool
	opt  uci.Options
}

func FromPool(pool *uci.Pool, opt uci.Options) SessionProvider {
	return &poolProvider{pool: pool, opt: opt}
}

func (p *poolProvider) Acquire(ctx context.Context) (Evaluator, error) {
	s, err := p.pool.Acquire(ctx, p.opt)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (p *poolProvider) Release(e Evaluator, err error) {
	s, ok := e.(*uci.Session)
	if !ok {
		return
	}
	p.pool.Release(s, err)
}

// EngineQueue is an Evaluator that owns its engine. *uci.Queue satisfies it.
type EngineQueue interface {
	Evaluator
	Close() error
}

// QueueOpener starts one engine queue.
type QueueOpener func(ctx context.Context) (EngineQueue, error)

// NewQueueOpener opens a *uci.Queue over factory for every call.
func NewQueueOpener(factory uci.Factory, opt uci.Options) QueueOpener {
	return func(ctx context.Context) (EngineQueue, error) {
		q, err := uci.NewQueue(ctx, factory, opt)
		if err != nil {
			return nil, err
		}
		return q, nil
	}
}

var _ EngineQueue = (*uci.Queue)(nil)

type queueProvider struct {
	open QueueOpener
}

// FromQueue gives every replay its own queue and closes it on Release, so
// concurrent replays never interleave on one engine.
func FromQueue(open QueueOpener) SessionProvider {
	return &queueProvider{open: open}
}

func (p *queueProvider) Acquire(ctx context.Context) (Evaluator, error) {
	if p.open == nil {
		return nil, fmt.Errorf("engine queue not configured")
	}
	return p.open(ctx)
}

func (p *queueProvider) Release(e Evaluator, _ error) {
	if q, ok := e.(EngineQueue); ok {
		_ = q.Close()
	}
}
