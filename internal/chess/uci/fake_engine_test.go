package uci

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
)

// fakeEngine speaks just enough of the protocol over in-memory pipes.
type fakeEngine struct {
	respond func(cmd string) []string

	mu       sync.Mutex
	received []string
}

func standardResponse(cmd string) []string {
	switch {
	case cmd == "uci":
		return []string{"id name Fake", "id author test", "uciok"}
	case cmd == "isready":
		return []string{"readyok"}
	case strings.HasPrefix(cmd, "go "):
		return []string{
			"info depth 1 score cp 10 nodes 20 pv e2e4",
			"info depth 2 score cp 25 nodes 80 pv e2e4 e7e5",
			"bestmove e2e4 ponder e7e5",
		}
	}
	return nil
}

func (f *fakeEngine) start() (io.WriteCloser, io.Reader) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	go func() {
		defer stdoutW.Close()
		scanner := bufio.NewScanner(stdinR)
		for scanner.Scan() {
			cmd := strings.TrimSpace(scanner.Text())
			f.mu.Lock()
			f.received = append(f.received, cmd)
			f.mu.Unlock()
			for _, out := range f.respond(cmd) {
				if _, err := io.WriteString(stdoutW, out+"\n"); err != nil {
					return
				}
			}
		}
	}()
	return stdinW, stdoutR
}

func (f *fakeEngine) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.received...)
}

func (f *fakeEngine) sawCommand(cmd string) bool {
	for _, c := range f.commands() {
		if c == cmd {
			return true
		}
	}
	return false
}

var testOptions = Options{Threads: 1, HashMB: 16}

func newFakeSession(t *testing.T, f *fakeEngine, limits Limits) *Session {
	t.Helper()
	stdin, stdout := f.start()
	s, err := startSession(context.Background(), nil, stdin, stdout, testOptions, limits)
	if err != nil {
		t.Fatalf("startSession: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func fakeFactory(limits Limits, respond func(string) []string, count *int, mu *sync.Mutex) Factory {
	return func(ctx context.Context, opt Options) (*Session, error) {
		mu.Lock()
		*count++
		mu.Unlock()
		f := &fakeEngine{respond: respond}
		stdin, stdout := f.start()
		return startSession(ctx, nil, stdin, stdout, opt, limits)
	}
}
