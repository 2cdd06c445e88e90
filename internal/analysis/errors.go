package analysis

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedHeader = errors.New("malformed header")
	ErrIllegalMove     = errors.New("illegal move")
	// ErrSkipped marks a game left out on request, usually because it is
	// already stored.
	ErrSkipped = errors.New("game skipped")
)

// EngineError means an evaluation failed. The session that produced it must
// not be reused.
type EngineError struct {
	Ply int
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("evaluate ply %d: %v", e.Ply, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// GameError identifies which game in a stream failed.
type GameError struct {
	Ordinal int
	ID      string
	Err     error
}

func (e *GameError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("game #%d (%s): %v", e.Ordinal, e.ID, e.Err)
	}
	return fmt.Sprintf("game #%d: %v", e.Ordinal, e.Err)
}

func (e *GameError) Unwrap() error { return e.Err }
