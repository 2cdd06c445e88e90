package uci

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/chess-hubble/internal/domain"
	"github.com/park285/chess-hubble/internal/obslog"
)

const (
	defaultReadyTimeout = 4 * time.Second
	readyRetryAttempts  = 3
	readyRetryDelay     = 150 * time.Millisecond
	drainTimeout        = 2 * time.Second
	lineBufferSize      = 1024
	exitGracePeriod     = 500 * time.Millisecond
)

var (
	// ErrProtocol means the session must be replaced.
	ErrProtocol      = errors.New("engine protocol error")
	ErrTimeout       = errors.New("engine response timeout")
	ErrSessionBroken = errors.New("engine session broken")
	ErrSessionClosed = errors.New("engine session closed")
)

type Options struct {
	Threads int
	HashMB  int
}

// Limits bound one evaluation. Depth wins over Nodes when both are set.
type Limits struct {
	Depth   int
	Nodes   int
	Timeout time.Duration
}

type EvalRequest struct {
	FEN   string
	Moves []string
}

type sessionState int32

const (
	stateIdle sessionState = iota
	stateBusy
	stateBroken
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateBusy:
		return "busy"
	case stateBroken:
		return "broken"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session owns one engine process; slot admits one request at a time.
type Session struct {
	id     string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	limits Limits

	lines   chan string
	readErr error
	quit    chan struct{}

	mu        sync.Mutex
	slot      chan struct{}
	state     atomic.Int32
	closeOnce sync.Once
	logger    *zap.Logger
}

func NewSession(ctx context.Context, binaryPath string, opt Options, limits Limits) (*Session, error) {
	if err := validateOptions(opt, limits); err != nil {
		return nil, err
	}

	cmd := exec.Command(binaryPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutPipe.Close()
		return nil, fmt.Errorf("start engine: %w", err)
	}
	return startSession(ctx, cmd, stdin, stdoutPipe, opt, limits)
}

func startSession(ctx context.Context, cmd *exec.Cmd, stdin io.WriteCloser, stdout io.Reader, opt Options, limits Limits) (*Session, error) {
	s := &Session{
		id:     uuid.NewString(),
		cmd:    cmd,
		stdin:  stdin,
		limits: limits,
		lines:  make(chan string, lineBufferSize),
		quit:   make(chan struct{}),
		slot:   make(chan struct{}, 1),
	}
	s.logger = obslog.L().With(zap.String("engine_session", s.id))
	go s.readLoop(stdout)

	if err := s.initialize(ctx, opt); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) ID() string { return s.id }

// Evaluate scores the position for the side to move.
func (s *Session) Evaluate(ctx context.Context, req EvalRequest) (domain.Score, error) {
	if err := s.acquire(ctx); err != nil {
		return 0, err
	}
	defer s.release()

	positionCmd := buildPositionCommand(req.FEN, req.Moves)
	if err := s.send(positionCmd); err != nil {
		s.markBroken("send position", err)
		return 0, fmt.Errorf("%w: send position: %v", ErrProtocol, err)
	}
	goCmd, err := buildGoCommand(s.limits)
	if err != nil {
		return 0, err
	}
	if err := s.send(goCmd); err != nil {
		s.markBroken("send go", err)
		return 0, fmt.Errorf("%w: send go: %v", ErrProtocol, err)
	}

	timer := time.NewTimer(computeSearchTimeout(s.limits))
	defer timer.Stop()

	tracker := scoreTracker{targetDepth: s.limits.Depth}
	for {
		select {
		case <-ctx.Done():
			s.abortSearch()
			return 0, ctx.Err()
		case <-s.quit:
			return 0, ErrSessionClosed
		case <-timer.C:
			s.markBroken("search timeout", nil)
			s.logger.Warn("engine_search_timeout",
				zap.String("position", strings.TrimSpace(positionCmd)),
				zap.String("go", strings.TrimSpace(goCmd)),
			)
			return 0, fmt.Errorf("%w: %w", ErrProtocol, ErrTimeout)
		case line, ok := <-s.lines:
			if !ok {
				s.markBroken("engine output closed", s.readErr)
				return 0, fmt.Errorf("%w: engine output closed: %v", ErrProtocol, s.readErr)
			}
			switch {
			case strings.HasPrefix(line, "info "):
				tracker.observe(line)
			case strings.HasPrefix(line, "bestmove"):
				score, ok := tracker.result()
				if !ok {
					s.markBroken("no score before bestmove", nil)
					return 0, fmt.Errorf("%w: %w before %q", ErrProtocol, ErrNoScore, line)
				}
				return score, nil
			}
		}
	}
}

func (s *Session) EnsureReady(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return s.ensureReady(ctx)
}

func (s *Session) NewGame(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	if err := s.send("ucinewgame\n"); err != nil {
		s.markBroken("send ucinewgame", err)
		return fmt.Errorf("%w: send ucinewgame: %v", ErrProtocol, err)
	}
	return s.ensureReady(ctx)
}

func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.state.Store(int32(stateClosed))
		close(s.quit)

		s.mu.Lock()
		_, _ = io.WriteString(s.stdin, "quit\n")
		s.stdin.Close()
		s.mu.Unlock()

		if s.cmd == nil || s.cmd.Process == nil {
			return
		}
		done := make(chan error, 1)
		go func() { done <- s.cmd.Wait() }()
		select {
		case err = <-done:
		case <-time.After(exitGracePeriod):
			_ = s.cmd.Process.Kill()
			<-done
		}
	})
	return err
}

func (s *Session) Broken() bool {
	st := sessionState(s.state.Load())
	return st == stateBroken || st == stateClosed
}

func (s *Session) acquire(ctx context.Context) error {
	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	switch sessionState(s.state.Load()) {
	case stateBroken:
		<-s.slot
		return fmt.Errorf("%w: %w", ErrProtocol, ErrSessionBroken)
	case stateClosed:
		<-s.slot
		return ErrSessionClosed
	}
	s.state.Store(int32(stateBusy))
	return nil
}

func (s *Session) release() {
	s.state.CompareAndSwap(int32(stateBusy), int32(stateIdle))
	<-s.slot
}

func (s *Session) markBroken(reason string, err error) {
	if s.state.CompareAndSwap(int32(stateBusy), int32(stateBroken)) ||
		s.state.CompareAndSwap(int32(stateIdle), int32(stateBroken)) {
		s.logger.Warn("engine_session_broken", zap.String("reason", reason), zap.Error(err))
	}
}

// abortSearch consumes the stopped search's bestmove.
func (s *Session) abortSearch() {
	if err := s.send("stop\n"); err != nil {
		s.markBroken("send stop", err)
		return
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := s.awaitPrefix(drainCtx, "bestmove"); err != nil {
		s.markBroken("drain after stop", err)
	}
}

func (s *Session) initialize(ctx context.Context, opt Options) error {
	initCtx, cancel := context.WithTimeout(ctx, defaultReadyTimeout)
	defer cancel()

	if err := s.send("uci\n"); err != nil {
		return fmt.Errorf("%w: send uci: %v", ErrProtocol, err)
	}
	if err := s.awaitPrefix(initCtx, "uciok"); err != nil {
		return fmt.Errorf("%w: wait uciok: %v", ErrProtocol, err)
	}
	if err := s.applyOptions(opt); err != nil {
		return err
	}
	return s.ensureReady(ctx)
}

func (s *Session) ensureReady(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= readyRetryAttempts; attempt++ {
		lastErr = s.pingReady(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == readyRetryAttempts {
			break
		}
		s.logger.Info("engine_ready_retry",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", readyRetryAttempts),
			zap.Error(lastErr),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readyRetryDelay):
		}
	}
	s.markBroken("readyok not received", lastErr)
	return fmt.Errorf("%w: wait readyok: %v", ErrProtocol, lastErr)
}

func (s *Session) pingReady(ctx context.Context) error {
	readyCtx, cancel := context.WithTimeout(ctx, defaultReadyTimeout)
	defer cancel()
	if err := s.send("isready\n"); err != nil {
		return fmt.Errorf("send isready: %w", err)
	}
	return s.awaitPrefix(readyCtx, "readyok")
}

func (s *Session) applyOptions(opt Options) error {
	threads := opt.Threads
	if threads <= 0 {
		threads = 1
	}
	cmds := []string{
		fmt.Sprintf("setoption name Threads value %d\n", threads),
		fmt.Sprintf("setoption name Hash value %d\n", opt.HashMB),
		"setoption name MultiPV value 1\n",
		"setoption name Ponder value false\n",
	}
	for _, cmd := range cmds {
		if err := s.send(cmd); err != nil {
			return fmt.Errorf("%w: apply options: %v", ErrProtocol, err)
		}
	}
	return nil
}

func (s *Session) send(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.stdin, msg)
	return err
}

func (s *Session) awaitPrefix(ctx context.Context, prefix string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.quit:
			return ErrSessionClosed
		case line, ok := <-s.lines:
			if !ok {
				return fmt.Errorf("engine output closed: %v", s.readErr)
			}
			if strings.HasPrefix(line, prefix) {
				return nil
			}
		}
	}
}

func (s *Session) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		select {
		case s.lines <- line:
		case <-s.quit:
			// Keep consuming so the engine never blocks on a full pipe.
		}
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	s.readErr = err
	close(s.lines)
}

func buildPositionCommand(fen string, moves []string) string {
	var sb strings.Builder
	if strings.TrimSpace(fen) == "" || fen == "startpos" {
		sb.WriteString("position startpos")
	} else {
		sb.WriteString("position fen ")
		sb.WriteString(strings.TrimSpace(fen))
	}
	if len(moves) > 0 {
		sb.WriteString(" moves ")
		sb.WriteString(strings.Join(moves, " "))
	}
	sb.WriteString("\n")
	return sb.String()
}

func buildGoCommand(l Limits) (string, error) {
	switch {
	case l.Depth > 0:
		return "go depth " + strconv.Itoa(l.Depth) + "\n", nil
	case l.Nodes > 0:
		return "go nodes " + strconv.Itoa(l.Nodes) + "\n", nil
	default:
		return "", fmt.Errorf("no search limits specified")
	}
}

func validateOptions(opt Options, l Limits) error {
	if opt.HashMB <= 0 {
		return fmt.Errorf("hash size must be > 0: %d", opt.HashMB)
	}
	if opt.Threads < 0 {
		return fmt.Errorf("threads must be >= 0: %d", opt.Threads)
	}
	if l.Depth <= 0 && l.Nodes <= 0 {
		return fmt.Errorf("search needs a depth or node limit")
	}
	return nil
}

func computeSearchTimeout(l Limits) time.Duration {
	if l.Timeout > 0 {
		return l.Timeout
	}
	if l.Depth > 0 {
		base := time.Duration(l.Depth) * 300 * time.Millisecond
		if base < 6*time.Second {
			base = 6 * time.Second
		}
		if base > 20*time.Second {
			base = 20 * time.Second
		}
		return base
	}
	base := 6*time.Second + time.Duration(l.Nodes/100_000)*time.Second
	if base > 30*time.Second {
		base = 30 * time.Second
	}
	return base
}
