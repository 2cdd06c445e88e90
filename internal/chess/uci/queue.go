package uci

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/park285/chess-hubble/internal/domain"
	"github.com/park285/chess-hubble/internal/obslog"
)

type queueJob struct {
	ctx    context.Context
	run    func(ctx context.Context, s *Session) error
	result chan error
}

// Queue serialises requests onto one session. An abandoned job still runs
// to completion so the engine stream stays in step.
type Queue struct {
	factory Factory
	opt     Options

	jobs      chan queueJob
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	session *Session
}

func NewQueue(ctx context.Context, factory Factory, opt Options) (*Queue, error) {
	session, err := factory(ctx, opt)
	if err != nil {
		return nil, err
	}
	q := &Queue{
		factory: factory,
		opt:     opt,
		jobs:    make(chan queueJob),
		done:    make(chan struct{}),
		session: session,
	}
	q.wg.Add(1)
	go q.worker()
	return q, nil
}

func (q *Queue) Evaluate(ctx context.Context, req EvalRequest) (domain.Score, error) {
	var score domain.Score
	result := q.submit(ctx, func(jobCtx context.Context, s *Session) error {
		v, err := s.Evaluate(jobCtx, req)
		score = v
		return err
	})
	if err := q.wait(ctx, result); err != nil {
		return 0, err
	}
	return score, nil
}

func (q *Queue) NewGame(ctx context.Context) error {
	result := q.submit(ctx, func(jobCtx context.Context, s *Session) error {
		return s.NewGame(jobCtx)
	})
	return q.wait(ctx, result)
}

func (q *Queue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		close(q.done)
		q.wg.Wait()
		if q.session != nil {
			err = q.session.Close()
			q.session = nil
		}
	})
	return err
}

func (q *Queue) submit(ctx context.Context, run func(context.Context, *Session) error) chan error {
	job := queueJob{
		ctx:    context.WithoutCancel(ctx),
		run:    run,
		result: make(chan error, 1),
	}
	select {
	case q.jobs <- job:
	case <-q.done:
		job.result <- ErrSessionClosed
	case <-ctx.Done():
		job.result <- ctx.Err()
	}
	return job.result
}

func (q *Queue) wait(ctx context.Context, result chan error) error {
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case job := <-q.jobs:
			job.result <- q.runJob(job)
		}
	}
}

func (q *Queue) runJob(job queueJob) error {
	if q.session == nil {
		s, err := q.factory(job.ctx, q.opt)
		if err != nil {
			return err
		}
		q.session = s
	}

	err := job.run(job.ctx, q.session)
	if errors.Is(err, ErrProtocol) || q.session.Broken() {
		old := q.session
		q.session = nil
		_ = old.Close()
		obslog.L().Info("engine_session_replaced",
			zap.String("engine_session", old.ID()),
			zap.Error(err),
		)
	}
	return err
}
