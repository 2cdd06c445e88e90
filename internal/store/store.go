// Package store defines persistence for analysed games and the opening
// catalogue. Lookups return (nil, nil) when nothing is stored.
package store

import (
	"context"
	"errors"

	"github.com/park285/chess-hubble/internal/domain"
)

var ErrDuplicateGame = errors.New("game already exists")

type GameRepository interface {
	SaveGame(ctx context.Context, game *domain.GameRecord) error
	GetGame(ctx context.Context, id string) (*domain.GameRecord, error)
	// GamesByPlayer returns games where player had either colour, most
	// recently analysed first. limit <= 0 means no limit.
	GamesByPlayer(ctx context.Context, player string, limit int) ([]*domain.GameRecord, error)
}

type OpeningRepository interface {
	OpeningsByCode(ctx context.Context, code string) ([]domain.Opening, error)
	AllOpenings(ctx context.Context) ([]domain.Opening, error)
	InsertOpenings(ctx context.Context, openings []domain.Opening) error
}

// Store bundles both repositories behind one handle.
type Store interface {
	GameRepository
	OpeningRepository
	Close() error
}
