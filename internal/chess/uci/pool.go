package uci

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/park285/chess-hubble/internal/obslog"
)

type Factory func(ctx context.Context, opt Options) (*Session, error)

// BinaryFactory returns a Factory that launches binaryPath with fixed limits.
func BinaryFactory(binaryPath string, limits Limits) Factory {
	return func(ctx context.Context, opt Options) (*Session, error) {
		return NewSession(ctx, binaryPath, opt, limits)
	}
}

type PoolConfig struct {
	BinaryPath        string
	Limits            Limits
	PerOptionCapacity int
	// Factory overrides BinaryPath/Limits when set.
	Factory Factory
}

type Pool struct {
	factory           Factory
	perOptionCapacity int

	mu       sync.Mutex
	buckets  map[string]*sessionBucket
	sessions map[*Session]*sessionBucket
	closed   bool
}

func NewPool(cfg PoolConfig) (*Pool, error) {
	factory := cfg.Factory
	if factory == nil {
		if cfg.BinaryPath == "" {
			return nil, fmt.Errorf("binary path required")
		}
		if _, err := os.Stat(cfg.BinaryPath); err != nil {
			return nil, fmt.Errorf("engine binary check: %w", err)
		}
		factory = BinaryFactory(cfg.BinaryPath, cfg.Limits)
	}

	capacity := cfg.PerOptionCapacity
	if capacity <= 0 {
		capacity = DefaultCapacity()
	}

	return &Pool{
		factory:           factory,
		perOptionCapacity: capacity,
		buckets:           make(map[string]*sessionBucket),
		sessions:          make(map[*Session]*sessionBucket),
	}, nil
}

// Acquire blocks while the bucket for opt is at capacity.
func (p *Pool) Acquire(ctx context.Context, opt Options) (*Session, error) {
	bucket, err := p.getBucket(opt)
	if err != nil {
		return nil, err
	}

	for {
		select {
		case session := <-bucket.idle:
			if s, ok := p.checkIdle(ctx, session, bucket); ok {
				return s, nil
			}
			continue
		default:
		}

		session, err := bucket.create(ctx, p.factory)
		if err == nil {
			p.track(session, bucket)
			return session, nil
		}
		if !errors.Is(err, errBucketAtCapacity) {
			return nil, err
		}

		select {
		case session := <-bucket.idle:
			if s, ok := p.checkIdle(ctx, session, bucket); ok {
				return s, nil
			}
		case <-bucket.freed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release returns a session. A non-nil err, or a broken session, discards it.
func (p *Pool) Release(session *Session, err error) {
	if session == nil {
		return
	}

	p.mu.Lock()
	bucket, ok := p.sessions[session]
	if !ok || p.closed {
		delete(p.sessions, session)
		p.mu.Unlock()
		if ok {
			bucket.discard(session)
		} else {
			_ = session.Close()
		}
		return
	}
	delete(p.sessions, session)
	p.mu.Unlock()

	if err != nil || session.Broken() {
		obslog.L().Info("engine_session_replaced",
			zap.String("engine_session", session.ID()),
			zap.Error(err),
		)
		bucket.discard(session)
		return
	}
	if !bucket.put(session) {
		bucket.discard(session)
	}
}

func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	buckets := make([]*sessionBucket, 0, len(p.buckets))
	for _, b := range p.buckets {
		buckets = append(buckets, b)
	}
	p.mu.Unlock()

	var errs []error
	for _, bucket := range buckets {
		errs = append(errs, bucket.drain()...)
	}
	return errors.Join(errs...)
}

func (p *Pool) checkIdle(ctx context.Context, session *Session, bucket *sessionBucket) (*Session, bool) {
	if session == nil {
		return nil, false
	}
	if err := session.EnsureReady(ctx); err != nil {
		bucket.discard(session)
		return nil, false
	}
	p.track(session, bucket)
	return session, true
}

func (p *Pool) track(session *Session, bucket *sessionBucket) {
	p.mu.Lock()
	p.sessions[session] = bucket
	p.mu.Unlock()
}

func (p *Pool) getBucket(opt Options) (*sessionBucket, error) {
	key := optionsKey(opt)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrSessionClosed
	}
	bucket, ok := p.buckets[key]
	if !ok {
		bucket = newSessionBucket(opt, p.perOptionCapacity)
		p.buckets[key] = bucket
	}
	return bucket, nil
}

type sessionBucket struct {
	opt      Options
	capacity int

	mu    sync.Mutex
	total int
	idle  chan *Session
	freed chan struct{}
}

var errBucketAtCapacity = errors.New("session bucket at capacity")

func newSessionBucket(opt Options, capacity int) *sessionBucket {
	if capacity <= 0 {
		capacity = 1
	}
	return &sessionBucket{
		opt:      opt,
		capacity: capacity,
		idle:     make(chan *Session, capacity),
		freed:    make(chan struct{}, capacity),
	}
}

func (b *sessionBucket) create(ctx context.Context, factory Factory) (*Session, error) {
	b.mu.Lock()
	if b.total >= b.capacity {
		b.mu.Unlock()
		return nil, errBucketAtCapacity
	}
	b.total++
	b.mu.Unlock()

	session, err := factory(ctx, b.opt)
	if err != nil {
		b.decrement()
		return nil, err
	}
	return session, nil
}

func (b *sessionBucket) put(session *Session) bool {
	select {
	case b.idle <- session:
		return true
	default:
		return false
	}
}

func (b *sessionBucket) discard(session *Session) {
	if session != nil {
		_ = session.Close()
	}
	b.decrement()
}

func (b *sessionBucket) decrement() {
	b.mu.Lock()
	if b.total > 0 {
		b.total--
	}
	b.mu.Unlock()
	select {
	case b.freed <- struct{}{}:
	default:
	}
}

func (b *sessionBucket) drain() []error {
	var errs []error
	for {
		select {
		case session := <-b.idle:
			if session == nil {
				continue
			}
			if err := session.Close(); err != nil {
				errs = append(errs, err)
			}
			b.decrement()
		default:
			return errs
		}
	}
}

func optionsKey(opt Options) string {
	return fmt.Sprintf("thr=%d|hash=%d", opt.Threads, opt.HashMB)
}

// DefaultCapacity is the per-option session count when none is configured.
func DefaultCapacity() int {
	cpu := runtime.NumCPU()
	if cpu < 2 {
		return 2
	}
	if cpu > 4 {
		return 4
	}
	return cpu
}
